// Package models defines the domain types shared by every tessera component.
package models

import "time"

// RawAttachment is an attachment binary as delivered by the exporter.
type RawAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
	SourceHash  string `json:"source_hash"`
}

// RawMessage is the ingestion contract: untouched headers, both body
// encodings, attachments and a provenance tag.
type RawMessage struct {
	HeadersRaw  []byte          `json:"-"`
	BodyText    []byte          `json:"-"`
	BodyHTML    []byte          `json:"-"`
	Attachments []RawAttachment `json:"attachments,omitempty"`
	Provenance  string          `json:"provenance"`
	Origin      string          `json:"origin"`
	FileTime    time.Time       `json:"file_time"`
}

// HeaderField is one normalized header line.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FieldIssue marks a single field as unparseable without blocking the rest.
type FieldIssue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Participant roles.
const (
	RoleFrom = "from"
	RoleTo   = "to"
	RoleCc   = "cc"
	RoleBcc  = "bcc"
)

// Participant is a normalized, alias-resolved identity.
type Participant struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// ReceivedHop is one parsed Received header.
type ReceivedHop struct {
	From string    `json:"from,omitempty"`
	By   string    `json:"by,omitempty"`
	With string    `json:"with,omitempty"`
	ID   string    `json:"id,omitempty"`
	For  string    `json:"for,omitempty"`
	Time time.Time `json:"time"`
	Raw  string    `json:"raw"`
}

// AttachmentInfo describes an attachment by content.
type AttachmentInfo struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
}

// CanonicalMessage holds every field the Canonicalizer derives from a RawMessage.
type CanonicalMessage struct {
	HeadersNormalized []HeaderField    `json:"headers_normalized"`
	MessageIDRaw      string           `json:"message_id_raw,omitempty"`
	MessageID         string           `json:"message_id,omitempty"`
	InReplyTo         []string         `json:"in_reply_to,omitempty"`
	References        []string         `json:"references,omitempty"`
	Subject           string           `json:"subject"`
	SubjectKey        string           `json:"subject_key"`
	IsForward         bool             `json:"is_forward"`
	Participants      []Participant    `json:"participants"`
	SentTSRaw         string           `json:"sent_ts_raw,omitempty"`
	SentTS            time.Time        `json:"sent_ts"`
	ReceivedChain     []ReceivedHop    `json:"received_chain"`
	BodyNormalized    string           `json:"body_normalized"`
	BodySource        string           `json:"body_source"`
	Attachments       []AttachmentInfo `json:"attachments"`
	Issues            []FieldIssue     `json:"issues,omitempty"`
	RulesetVersion    string           `json:"ruleset_version"`
	RulesetHash       string           `json:"ruleset_hash"`
}

// HasIssue reports whether field was marked unparseable.
func (c *CanonicalMessage) HasIssue(field string) bool {
	for _, is := range c.Issues {
		if is.Field == field {
			return true
		}
	}
	return false
}

// Sender returns the first From participant.
func (c *CanonicalMessage) Sender() (Participant, bool) {
	for _, p := range c.Participants {
		if p.Role == RoleFrom {
			return p, true
		}
	}
	return Participant{}, false
}

// Addresses returns the set of participant addresses in first-seen order.
func (c *CanonicalMessage) Addresses() []string {
	seen := make(map[string]bool, len(c.Participants))
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.Address == "" || seen[p.Address] {
			continue
		}
		seen[p.Address] = true
		out = append(out, p.Address)
	}
	return out
}

// TSReason explains where a canonical timestamp came from.
type TSReason string

const (
	TSHeaderAccepted   TSReason = "header_accepted"
	TSSkewAdjusted     TSReason = "skew_adjusted"
	TSHeaderUnverified TSReason = "header_unverified"
	TSFallbackFileTime TSReason = "fallback_file_time"
)

// TSEvidence records the inputs of one reconciliation.
type TSEvidence struct {
	Date        time.Time     `json:"date,omitempty"`
	EarliestHop time.Time     `json:"earliest_hop,omitempty"`
	Delta       time.Duration `json:"delta_ns,omitempty"`
	Tolerance   time.Duration `json:"tolerance_ns,omitempty"`
	SnapshotID  int64         `json:"snapshot_id,omitempty"`
	LagScope    string        `json:"lag_scope,omitempty"`
	Lag         time.Duration `json:"lag_ns,omitempty"`
	LagSamples  int           `json:"lag_samples,omitempty"`
	FileTime    time.Time     `json:"file_time,omitempty"`
	// Fallback names the lower-ranked rule that would apply if the
	// chosen source is later rejected.
	Fallback TSReason `json:"fallback,omitempty"`
	Flags    []string `json:"flags,omitempty"`
}

// Fingerprints are the deterministic hashes computed per message.
type Fingerprints struct {
	Strict     string `json:"strict"`
	Relaxed    string `json:"relaxed"`
	Quoted     string `json:"quoted,omitempty"`
	HeadAnchor string `json:"head_anchor,omitempty"`
	TailAnchor string `json:"tail_anchor,omitempty"`
}

// Assignment statuses for an ingested record.
const (
	StatusCanonical   = "canonical"
	StatusVariant     = "variant"
	StatusProvisional = "provisional"
)

// Message is an ingested record joined with its current derived version.
type Message struct {
	ID           string           `json:"id"`
	CanonicalID  string           `json:"canonical_id"`
	Status       string           `json:"status"`
	VariantIDs   []string         `json:"variant_ids,omitempty"`
	IngestKey    string           `json:"ingest_key"`
	SourceHash   string           `json:"source_hash"`
	Provenance   string           `json:"provenance"`
	Origin       string           `json:"origin"`
	HeadersRaw   string           `json:"headers_raw"`
	BodyRaw      string           `json:"body_raw"`
	BodyHTMLRaw  string           `json:"body_html_raw,omitempty"`
	FileTime     time.Time        `json:"file_time"`
	Version      int              `json:"version"`
	Canonical    CanonicalMessage `json:"canonical"`
	SentTS       time.Time        `json:"sent_ts_canonical"`
	TSReason     TSReason         `json:"ts_reason_code"`
	TSEvidence   TSEvidence       `json:"ts_evidence"`
	Fingerprints Fingerprints     `json:"fingerprints"`
	IngestedAt   time.Time        `json:"ingested_at"`
}
