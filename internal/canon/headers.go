package canon

import (
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/starford/tessera/internal/models"
)

var (
	msgIDRe        = regexp.MustCompile(`<([^<>\s]+)>`)
	bareAddrRe     = regexp.MustCompile(`[A-Za-z0-9._%+'\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)+`)
	subjectTagRe   = regexp.MustCompile(`^\s*\[[^\]]{1,80}\]\s*`)
	subjectPrefRe  = regexp.MustCompile(`(?i)^\s*(re|fw|fwd|aw|sv|wg|tr|fs)\s*(\[\d+\])?\s*:\s*`)
	receivedPartRe = regexp.MustCompile(`(?i)\b(from|by|with|id|for)\s+(\S+)`)
)

// rawField is one unfolded header line in original order.
type rawField struct {
	name  string
	value string
}

// splitHeaderBlock unfolds a raw header block leniently. Lines that are not
// "Name: value" are reported and skipped so one corrupt line cannot hide the
// rest of the block.
func splitHeaderBlock(raw string) ([]rawField, []models.FieldIssue) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var (
		fields []rawField
		issues []models.FieldIssue
	)
	for i, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(fields) == 0 {
				issues = append(issues, models.FieldIssue{Field: "headers", Reason: "orphan_continuation", Detail: lineRef(i)})
				continue
			}
			fields[len(fields)-1].value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			issues = append(issues, models.FieldIssue{Field: "headers", Reason: "invalid_header_line", Detail: lineRef(i)})
			continue
		}
		fields = append(fields, rawField{name: name, value: strings.TrimSpace(value)})
	}
	return fields, issues
}

func lineRef(i int) string {
	return "line " + strconv.Itoa(i+1)
}

// decodedHeader wraps the fields so go-message can decode values.
func decodedHeader(fields []rawField) gomail.Header {
	var th textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		// Add prepends, so walk backwards to keep original order.
		th.Add(fields[i].name, fields[i].value)
	}
	return gomail.Header{Header: message.Header{Header: th}}
}

func normalizeHeaders(fields []rawField, rules Rules) []models.HeaderField {
	out := make([]models.HeaderField, 0, len(fields))
	for _, f := range fields {
		name := fold(f.name)
		if rules.isTransport(name) {
			continue
		}
		out = append(out, models.HeaderField{Name: name, Value: CollapseSpace(f.value)})
	}
	return out
}

// NormalizeMessageID extracts the first <id> and folds it.
func NormalizeMessageID(v string) (string, bool) {
	if m := msgIDRe.FindStringSubmatch(v); m != nil {
		return fold(m[1]), true
	}
	v = strings.TrimSpace(v)
	if v == "" || strings.ContainsAny(v, " \t<>") {
		return "", false
	}
	return fold(v), true
}

// messageIDList extracts every <id> in order, dropping repeats.
func messageIDList(v string) []string {
	matches := msgIDRe.FindAllStringSubmatch(v, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		id := fold(m[1])
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// SubjectKey strips list tags and reply/forward prefixes, collapses
// whitespace and folds case. The second result reports a forward prefix.
func SubjectKey(subject string) (string, bool) {
	s := CollapseSpace(subject)
	s = subjectTagRe.ReplaceAllString(s, "")
	forward := false
	for {
		m := subjectPrefRe.FindStringSubmatch(s)
		if m == nil {
			break
		}
		switch strings.ToLower(m[1]) {
		case "fw", "fwd", "wg", "tr":
			forward = true
		}
		s = s[len(m[0]):]
		s = subjectTagRe.ReplaceAllString(s, "")
	}
	return fold(CollapseSpace(s)), forward
}

// parseReceived splits a Received value into its tokens and hop time.
func parseReceived(v string) (models.ReceivedHop, bool) {
	hop := models.ReceivedHop{Raw: CollapseSpace(v)}
	clauses := hop.Raw
	datePart := ""
	if i := strings.LastIndex(hop.Raw, ";"); i >= 0 {
		clauses = hop.Raw[:i]
		datePart = strings.TrimSpace(hop.Raw[i+1:])
	}
	for _, m := range receivedPartRe.FindAllStringSubmatch(clauses, -1) {
		val := strings.Trim(m[2], "<>();")
		switch strings.ToLower(m[1]) {
		case "from":
			setOnce(&hop.From, val)
		case "by":
			setOnce(&hop.By, val)
		case "with":
			setOnce(&hop.With, val)
		case "id":
			setOnce(&hop.ID, val)
		case "for":
			setOnce(&hop.For, fold(val))
		}
	}
	if datePart == "" {
		return hop, false
	}
	t, err := mail.ParseDate(datePart)
	if err != nil {
		return hop, false
	}
	hop.Time = t.UTC()
	return hop, true
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// parseAddresses decodes one address header. On failure it falls back to
// bare address extraction and reports the field.
func parseAddresses(h gomail.Header, name string) ([]*gomail.Address, error) {
	list, err := h.AddressList(name)
	if err == nil {
		return list, nil
	}
	raw := h.Get(name)
	for _, a := range bareAddrRe.FindAllString(raw, -1) {
		list = append(list, &gomail.Address{Address: a})
	}
	return list, err
}

func parseDate(h gomail.Header) (time.Time, error) {
	t, err := h.Date()
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
