package models

import "time"

// LinkState is the threading state of one message.
type LinkState string

const (
	StateUnlinked           LinkState = "unlinked"
	StateCandidateEvaluated LinkState = "parent_candidate_evaluated"
	StateLinked             LinkState = "linked"
	StateOrphan             LinkState = "orphan"
	StateAmbiguous          LinkState = "ambiguous"
)

// Method names a parent-matching technique.
type Method string

const (
	MethodInReplyTo     Method = "InReplyTo"
	MethodReferences    Method = "References"
	MethodQuotedHash    Method = "QuotedHash"
	MethodSubjectWindow Method = "SubjectWindow"
	MethodManualReview  Method = "ManualReview"
)

// Confidence is categorical; it is derived from the method that fired.
type Confidence string

const (
	ConfidenceHighest  Confidence = "highest"
	ConfidenceHigh     Confidence = "high"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceLow      Confidence = "low"
	ConfidenceNone     Confidence = "none"
	ConfidenceReviewed Confidence = "reviewed"
)

// Alternative is a candidate that was considered and not chosen.
type Alternative struct {
	CandidateID string `json:"candidate_id"`
	MessageID   string `json:"message_id,omitempty"`
	Method      Method `json:"method,omitempty"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail,omitempty"`
}

// LinkEvidence holds the concrete artifacts behind a threading decision.
type LinkEvidence struct {
	InReplyTo           []string `json:"in_reply_to,omitempty"`
	References          []string `json:"references,omitempty"`
	MatchedMessageID    string   `json:"matched_message_id,omitempty"`
	QuotedHash          string   `json:"quoted_hash,omitempty"`
	MatchedAnchor       string   `json:"matched_anchor,omitempty"`
	SubjectKey          string   `json:"subject_key,omitempty"`
	TimeDeltaHours      float64  `json:"time_delta_hours,omitempty"`
	ParticipantsOverlap []string `json:"participants_overlap,omitempty"`
	MissingParents      []string `json:"missing_parents,omitempty"`
	CorroboratedBy      []Method `json:"corroborated_by,omitempty"`
	PreviousParentID    string   `json:"previous_parent_id,omitempty"`
	ReviewedBy          string   `json:"reviewed_by,omitempty"`
}

// Link is one version of a child's parent assignment.
type Link struct {
	ID           int64         `json:"id"`
	ChildID      string        `json:"child_id"`
	ParentID     string        `json:"parent_id,omitempty"`
	State        LinkState     `json:"state"`
	Methods      []Method      `json:"methods"`
	Evidence     LinkEvidence  `json:"evidence"`
	Confidence   Confidence    `json:"confidence"`
	Alternatives []Alternative `json:"alternatives"`
	Version      int           `json:"version"`
	Supersedes   int64         `json:"supersedes,omitempty"`
	Deprecated   bool          `json:"deprecated"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DedupeLevel is the evidence tier behind a dedupe decision.
type DedupeLevel string

const (
	LevelA DedupeLevel = "A"
	LevelB DedupeLevel = "B"
	LevelC DedupeLevel = "C"
)

// Dedupe record statuses.
const (
	DedupeApplied   = "applied"
	DedupeAmbiguous = "ambiguous"
	DedupeResolved  = "resolved"
)

// DedupeRecord links a loser to the canonical record it duplicates.
type DedupeRecord struct {
	ID         int64             `json:"id"`
	WinnerID   string            `json:"winner_id,omitempty"`
	LoserID    string            `json:"loser_id"`
	Level      DedupeLevel       `json:"level"`
	Status     string            `json:"status"`
	Hashes     map[string]string `json:"hashes"`
	Candidates []string          `json:"candidates"`
	Provenance string            `json:"provenance"`
	Reason     string            `json:"reason,omitempty"`
	Supersedes int64             `json:"supersedes,omitempty"`
	Deprecated bool              `json:"deprecated"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Thread is a root and its current descendants ordered by canonical time.
type Thread struct {
	ID        string    `json:"thread_id"`
	Members   []Message `json:"members"`
	Links     []Link    `json:"links"`
	Ambiguous int       `json:"ambiguous"`
}
