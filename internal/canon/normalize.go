package canon

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeLine applies the per-line rules: NBSP becomes a space, runs of
// spaces and tabs collapse to one space, trailing whitespace is trimmed.
// Wording, punctuation and case are untouched.
func NormalizeLine(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	inSpace := false
	for _, r := range line {
		switch r {
		case ' ', '\t', '\u00a0', '\v', '\f':
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), " ")
}

// NormalizeText converts line endings to LF, normalizes every line and drops
// trailing blank lines. It is the single normalization used for body
// fingerprints, Layer 2 hashes and pointer line ranges.
func NormalizeText(s string) string {
	return normalizeWith(s, Rules{})
}

func normalizeWith(s string, rules Rules) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	in := strings.Split(s, "\n")
	out := make([]string, 0, len(in))
	for _, line := range in {
		line = NormalizeLine(line)
		if len(rules.NoiseMarkers) > 0 && line != "" && rules.isNoise(line) {
			continue
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// NormalizeBody applies the body rules including configured noise markers.
func NormalizeBody(s string, rules Rules) string {
	return normalizeWith(s, rules)
}

// Lines splits normalized text into lines. Empty text has no lines.
func Lines(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}

// CollapseSpace trims s and collapses every whitespace run to one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// fold applies Unicode case folding. A Caser is stateful, so each call
// builds its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Fold exposes case folding for callers that compare identities.
func Fold(s string) string {
	return fold(s)
}
