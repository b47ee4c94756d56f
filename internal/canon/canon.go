package canon

import (
	"fmt"
	"sort"
	"strings"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/models"
)

// SourceHash is the Layer 1 hash of a raw record: headers, both body
// encodings and every attachment binary, framed so that no bytes can move
// between parts.
func SourceHash(raw models.RawMessage) string {
	parts := [][]byte{raw.HeadersRaw, raw.BodyText, raw.BodyHTML}
	for _, a := range raw.Attachments {
		parts = append(parts, []byte(a.Name), a.Data)
	}
	return checksum.SumParts(parts...)
}

// IngestKey identifies one delivery of a raw record. The same bytes from a
// different provenance get a different key and go through deduplication.
func IngestKey(sourceHash, provenance string) string {
	return checksum.SumParts([]byte(sourceHash), []byte(provenance))
}

// Canonicalize derives every normalized field of raw. A field that fails to
// parse is recorded in Issues and the remaining fields are still produced.
func Canonicalize(raw models.RawMessage, rules Rules) models.CanonicalMessage {
	cm := models.CanonicalMessage{
		RulesetVersion: RulesetVersion,
		RulesetHash:    rules.Hash(),
	}

	headerText, ok := DecodeText(raw.HeadersRaw)
	if !ok {
		cm.Issues = append(cm.Issues, models.FieldIssue{Field: "headers", Reason: "invalid_utf8", Detail: "decoded as windows-1252"})
	}
	fields, issues := splitHeaderBlock(headerText)
	cm.Issues = append(cm.Issues, issues...)
	cm.HeadersNormalized = normalizeHeaders(fields, rules)
	h := decodedHeader(fields)

	if v := h.Get("Message-Id"); v != "" {
		cm.MessageIDRaw = v
		if id, ok := NormalizeMessageID(v); ok {
			cm.MessageID = id
		} else {
			cm.Issues = append(cm.Issues, models.FieldIssue{Field: "message-id", Reason: "invalid_message_id", Detail: CollapseSpace(v)})
		}
	}
	cm.InReplyTo = messageIDList(h.Get("In-Reply-To"))
	if v := h.Get("In-Reply-To"); v != "" && len(cm.InReplyTo) == 0 {
		cm.Issues = append(cm.Issues, models.FieldIssue{Field: "in-reply-to", Reason: "invalid_message_id", Detail: CollapseSpace(v)})
	}
	cm.References = messageIDList(h.Get("References"))
	if v := h.Get("References"); v != "" && len(cm.References) == 0 {
		cm.Issues = append(cm.Issues, models.FieldIssue{Field: "references", Reason: "invalid_message_id", Detail: CollapseSpace(v)})
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
		cm.Issues = append(cm.Issues, models.FieldIssue{Field: "subject", Reason: "invalid_encoding", Detail: err.Error()})
	}
	cm.Subject = CollapseSpace(subject)
	cm.SubjectKey, cm.IsForward = SubjectKey(subject)

	cm.Participants, issues = participants(h, rules)
	cm.Issues = append(cm.Issues, issues...)

	if v := h.Get("Date"); v != "" {
		cm.SentTSRaw = v
		if t, err := parseDate(h); err == nil {
			cm.SentTS = t
		} else {
			cm.Issues = append(cm.Issues, models.FieldIssue{Field: "date", Reason: "invalid_date", Detail: CollapseSpace(v)})
		}
	}

	for i, v := range h.Values("Received") {
		hop, ok := parseReceived(v)
		if !ok {
			cm.Issues = append(cm.Issues, models.FieldIssue{Field: "received", Reason: "invalid_received", Detail: fmt.Sprintf("hop %d", i)})
		}
		cm.ReceivedChain = append(cm.ReceivedChain, hop)
	}

	body, part, issues := BodyText(raw)
	cm.Issues = append(cm.Issues, issues...)
	cm.BodySource = part
	cm.BodyNormalized = NormalizeBody(body, rules)

	for i, a := range raw.Attachments {
		sum := checksum.Sum(a.Data)
		if a.SourceHash != "" && !strings.EqualFold(a.SourceHash, sum) {
			cm.Issues = append(cm.Issues, models.FieldIssue{
				Field:  fmt.Sprintf("attachments[%d]", i),
				Reason: "attachment_hash_mismatch",
				Detail: "declared " + a.SourceHash,
			})
		}
		cm.Attachments = append(cm.Attachments, models.AttachmentInfo{
			Name:        CollapseSpace(a.Name),
			ContentType: strings.ToLower(a.ContentType),
			ContentHash: sum,
			Size:        int64(len(a.Data)),
		})
	}
	return cm
}

var roleHeaders = []struct {
	role   string
	header string
}{
	{models.RoleFrom, "From"},
	{models.RoleTo, "To"},
	{models.RoleCc, "Cc"},
	{models.RoleBcc, "Bcc"},
}

func participants(h gomail.Header, rules Rules) ([]models.Participant, []models.FieldIssue) {
	var (
		out    []models.Participant
		issues []models.FieldIssue
	)
	for _, rh := range roleHeaders {
		list, err := parseAddresses(h, rh.header)
		if err != nil {
			issues = append(issues, models.FieldIssue{Field: strings.ToLower(rh.header), Reason: "invalid_address_list", Detail: err.Error()})
		}
		seen := make(map[string]bool, len(list))
		var role []models.Participant
		for _, a := range list {
			addr := rules.resolveAlias(fold(strings.TrimSpace(a.Address)))
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			role = append(role, models.Participant{Role: rh.role, Address: addr, Name: CollapseSpace(a.Name)})
		}
		sort.Slice(role, func(i, j int) bool { return role[i].Address < role[j].Address })
		out = append(out, role...)
	}
	return out, issues
}
