package canon

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/starford/tessera/internal/models"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	blockBreakRe  = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|tr|li|h[1-6]|blockquote)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
)

// DecodeText returns bytes as UTF-8 text. Invalid UTF-8 is decoded as
// Windows-1252 so the result stays deterministic; ok is false in that case.
func DecodeText(b []byte) (string, bool) {
	if utf8.Valid(b) {
		return string(b), true
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�"), false
	}
	return string(out), false
}

// HTMLToText removes markup and decodes entities, keeping block breaks as
// line breaks.
func HTMLToText(s string) string {
	s = scriptStyleRe.ReplaceAllString(s, "")
	s = blockBreakRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// Body parts, recorded as body_source and used as item parts.
const (
	PartText = "text"
	PartHTML = "html"
	PartNone = "none"
)

// BodyText picks the body encoding used for normalization: the plain text
// part when present, otherwise the HTML part with markup removed.
func BodyText(raw models.RawMessage) (text, part string, issues []models.FieldIssue) {
	switch {
	case len(raw.BodyText) > 0:
		s, ok := DecodeText(raw.BodyText)
		if !ok {
			issues = append(issues, models.FieldIssue{Field: "body", Reason: "invalid_utf8", Detail: "decoded as windows-1252"})
		}
		return s, PartText, issues
	case len(raw.BodyHTML) > 0:
		s, ok := DecodeText(raw.BodyHTML)
		if !ok {
			issues = append(issues, models.FieldIssue{Field: "body_html", Reason: "invalid_utf8", Detail: "decoded as windows-1252"})
		}
		return HTMLToText(s), PartHTML, issues
	}
	return "", PartNone, nil
}

// ItemText normalizes the bytes of one evidence item. It is shared by
// ingestion and verification so both sides hash the same text.
func ItemText(data []byte, part string, rules Rules) string {
	s, _ := DecodeText(data)
	if part == PartHTML {
		s = HTMLToText(s)
	}
	return NormalizeBody(s, rules)
}
