package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// Pointer roles.
const (
	RoleAnchor  = "anchor"
	RoleSupport = "support"
	RoleContext = "context"
)

// Pointer statuses.
const (
	PointerActive = "active"
	PointerReview = "review"
)

// IntegrityPointer is a line-addressable, hash-verified citation.
type IntegrityPointer struct {
	ID          int64     `json:"id"`
	CorpusID    string    `json:"corpus_id"`
	SourceKey   string    `json:"source_key"`
	ItemVersion int       `json:"item_version"`
	StartLine   int       `json:"start_line"`
	EndLine     int       `json:"end_line"`
	HashFull    string    `json:"hash_full"`
	HashPrefix  string    `json:"hash_prefix"`
	Role        string    `json:"role"`
	RulesetHash string    `json:"ruleset_hash,omitempty"`
	Status      string    `json:"status"`
	URI         string    `json:"uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// VerifyResult is the outcome of re-hashing a pointer's line range.
type VerifyResult struct {
	URI              string `json:"uri"`
	PointerID        int64  `json:"pointer_id,omitempty"`
	Valid            bool   `json:"valid"`
	HashMatch        bool   `json:"hash_match"`
	SourceAccessible bool   `json:"source_accessible"`
	Drift            bool   `json:"drift"`
	Reason           string `json:"reason,omitempty"`
	CurrentHash      string `json:"current_hash,omitempty"`
}

// ItemVersion is one immutable version of an evidence item.
type ItemVersion struct {
	ItemID         string    `json:"item_id"`
	Version        int       `json:"version"`
	MessageID      string    `json:"message_id"`
	Part           string    `json:"part"`
	Origin         string    `json:"origin"`
	SourceHash     string    `json:"source_hash"`
	NormalizedHash string    `json:"normalized_hash"`
	Deprecated     bool      `json:"deprecated"`
	CreatedAt      time.Time `json:"created_at"`
}

// Ref returns the item@vN form.
func (v ItemVersion) Ref() string {
	return v.ItemID + "@v" + strconv.Itoa(v.Version)
}

// ContextHash is a consumer-registered Layer 3 hash.
type ContextHash struct {
	ItemID      string    `json:"item_id"`
	Version     int       `json:"version"`
	Consumer    string    `json:"consumer"`
	AggregateID string    `json:"aggregate_id"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEntry is one append-only decision record.
type AuditEntry struct {
	Seq          int64           `json:"seq"`
	Actor        string          `json:"actor"`
	Decision     string          `json:"decision"`
	SubjectID    string          `json:"subject_id"`
	RelatedIDs   []string        `json:"related_ids,omitempty"`
	Evidence     json.RawMessage `json:"evidence"`
	Alternatives []Alternative   `json:"alternatives_considered"`
	RunID        string          `json:"run_id,omitempty"`
	CreatedAt    time.Time       `json:"timestamp"`
}

// LagStat is a median transit lag over a number of samples.
type LagStat struct {
	Median  time.Duration `json:"median_ns"`
	Samples int           `json:"samples"`
}

// SkewSnapshot freezes corpus-wide lag statistics for reproducible reconciliation.
type SkewSnapshot struct {
	ID            int64              `json:"id"`
	CorpusVersion string             `json:"corpus_version"`
	Domains       map[string]LagStat `json:"domains"`
	Global        LagStat            `json:"global"`
	ComputedAt    time.Time          `json:"computed_at"`
}
