package fingerprint

import (
	"regexp"
	"strings"
)

var (
	attributionRe = regexp.MustCompile(`(?i)^on\s.+\bwrote:$`)
	wroteTailRe   = regexp.MustCompile(`(?i)\bwrote:$`)
	bannerRe      = regexp.MustCompile(`(?i)^(-{2,}\s*(original message|forwarded message)\s*-{2,}|begin forwarded message:?)$`)
	outlookFromRe = regexp.MustCompile(`(?i)^\*?from:\*?\s+\S`)
	outlookNextRe = regexp.MustCompile(`(?i)^\*?(sent|date):\*?\s+\S`)
	headerLikeRe  = regexp.MustCompile(`(?i)^\*?(from|sent|to|cc|bcc|subject|date):`)
	signOffRe     = regexp.MustCompile(`(?i)^(--|__+|(kind |best |warm )?regards[,.!]?|thanks[,.!]?|thank you[,.!]?|cheers[,.!]?|sent from my\b.*|sent via\b.*|confidentiality notice\b.*|this e-?mail and any attachments\b.*)$`)
	markupRe      = regexp.MustCompile(`<[^>]+>`)
)

// Split separates authored lines from quoted lines. Quoted content starts at
// the first reply marker (attribution line, forward banner, Outlook header
// block); lines prefixed with '>' are quoted wherever they appear. Marker
// lines themselves belong to neither side.
func Split(lines []string) (authored, quoted []string) {
	cut := replyMarker(lines)
	for i, line := range lines {
		switch {
		case i == cut || (cut >= 0 && i == cut+1 && !wroteTailRe.MatchString(lines[cut]) && wroteTailRe.MatchString(line)):
			continue
		case cut >= 0 && i > cut:
			quoted = append(quoted, line)
		case strings.HasPrefix(strings.TrimSpace(line), ">"):
			quoted = append(quoted, line)
		default:
			authored = append(authored, line)
		}
	}
	return authored, quoted
}

// replyMarker returns the index of the first reply marker line or -1.
func replyMarker(lines []string) int {
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case attributionRe.MatchString(line):
			return i
		case strings.HasPrefix(strings.ToLower(line), "on ") && i+1 < len(lines) && wroteTailRe.MatchString(strings.TrimSpace(lines[i+1])):
			return i
		case bannerRe.MatchString(line):
			return i
		case outlookFromRe.MatchString(line) && outlookBlockFollows(lines, i):
			return i
		}
	}
	return -1
}

func outlookBlockFollows(lines []string, i int) bool {
	for j := i + 1; j < len(lines) && j <= i+3; j++ {
		if outlookNextRe.MatchString(strings.TrimSpace(lines[j])) {
			return true
		}
	}
	return false
}

// stripSignature cuts lines from the first sign-off or footer marker. A
// body consisting only of a sign-off is kept whole.
func stripSignature(lines []string) []string {
	for i := 1; i < len(lines); i++ {
		if signOffRe.MatchString(strings.TrimSpace(lines[i])) {
			return lines[:i]
		}
	}
	return lines
}

// anchorLine is the comparison form of one line for anchors: quote markers
// removed, whitespace collapsed, case folded.
func anchorLine(line string, fold func(string) string) string {
	line = strings.TrimSpace(line)
	for strings.HasPrefix(line, ">") {
		line = strings.TrimSpace(strings.TrimPrefix(line, ">"))
	}
	return fold(strings.Join(strings.Fields(line), " "))
}
