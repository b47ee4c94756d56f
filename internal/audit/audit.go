// Package audit is the append-only decision ledger. Every component records
// what it decided, on what evidence, and which alternatives it rejected.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
)

// Actors.
const (
	ActorCanonicalizer = "canonicalizer"
	ActorReconciler    = "timestamp_reconciler"
	ActorDeduplicator  = "deduplicator"
	ActorThreader      = "thread_builder"
	ActorIntegrity     = "integrity_store"
	ActorPipeline      = "pipeline"
)

// Decisions.
const (
	DecisionIngested       = "message.ingested"
	DecisionMalformedInput = "MalformedInput"
	DecisionTimestamp      = "timestamp.reconciled"
	DecisionSnapshot       = "timestamp.snapshot"
	DecisionCanonical      = "dedupe.canonical"
	DecisionVariant        = "dedupe.variant"
	DecisionAmbiguousMatch = "AmbiguousMatch"
	DecisionDedupeResolved = "dedupe.resolved"
	DecisionLinked         = "link.linked"
	DecisionOrphan         = "link.orphan"
	DecisionLinkAmbiguous  = "link.ambiguous"
	DecisionUnresolvable   = "UnresolvableReference"
	DecisionRelinked       = "link.relinked"
	DecisionLinkResolved   = "link.resolved"
	DecisionLinkRetired    = "link.retired"
	DecisionItemRegistered = "item.registered"
	DecisionPointerIssued  = "pointer.issued"
	DecisionContextHash    = "context.registered"
	DecisionDriftDetected  = "DriftDetected"
	DecisionRulesetChanged = "integrity.ruleset_changed"
	DecisionVerifySweep    = "integrity.sweep"
)

type runKey struct{}

// WithRun tags ctx with the batch run ID stamped on every entry recorded
// under it.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFrom returns the run ID carried by ctx.
func RunFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// Entry is a decision before it is sequenced.
type Entry struct {
	Actor        string
	Decision     string
	SubjectID    string
	RelatedIDs   []string
	Evidence     any
	Alternatives []models.Alternative
}

// Ledger appends to and reads from the audit tables.
type Ledger struct {
	db  *store.DB
	now func() time.Time
}

// New creates a ledger over db.
func New(db *store.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends e in its own transaction.
func (l *Ledger) Record(ctx context.Context, e Entry) (int64, error) {
	var seq int64
	err := l.db.InTx(ctx, func(q *store.Queries) error {
		var err error
		seq, err = l.RecordTx(ctx, q, e)
		return err
	})
	return seq, err
}

// RecordTx appends e inside a caller's transaction so the decision and its
// audit entry commit together.
func (l *Ledger) RecordTx(ctx context.Context, q *store.Queries, e Entry) (int64, error) {
	var ev json.RawMessage
	if e.Evidence != nil {
		b, err := json.Marshal(e.Evidence)
		if err != nil {
			return 0, fmt.Errorf("audit: marshal evidence: %w", err)
		}
		ev = b
	}
	seq, err := q.AppendAudit(ctx, models.AuditEntry{
		Actor:        e.Actor,
		Decision:     e.Decision,
		SubjectID:    e.SubjectID,
		RelatedIDs:   e.RelatedIDs,
		Evidence:     ev,
		Alternatives: e.Alternatives,
		RunID:        RunFrom(ctx),
		CreatedAt:    l.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("audit: record %s: %w", e.Decision, err)
	}
	return seq, nil
}

// BySubject returns every entry about id, including entries that name it
// as a related record.
func (l *Ledger) BySubject(ctx context.Context, id string) ([]models.AuditEntry, error) {
	return l.db.AuditFor(ctx, id)
}

// ByDecision returns the newest entries with decision.
func (l *Ledger) ByDecision(ctx context.Context, decision string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.db.AuditByDecision(ctx, decision, limit)
}

// ByRun returns every entry written by one ingestion run.
func (l *Ledger) ByRun(ctx context.Context, runID string) ([]models.AuditEntry, error) {
	return l.db.AuditRun(ctx, runID)
}

// ByThread returns the entries of every message reachable from root over
// current links.
func (l *Ledger) ByThread(ctx context.Context, root string) ([]models.AuditEntry, error) {
	members, err := l.members(ctx, root)
	if err != nil {
		return nil, err
	}
	return l.db.AuditFor(ctx, members...)
}

func (l *Ledger) members(ctx context.Context, root string) ([]string, error) {
	seen := map[string]bool{root: true}
	out := []string{root}
	for i := 0; i < len(out); i++ {
		kids, err := l.db.Children(ctx, out[i])
		if err != nil {
			return nil, fmt.Errorf("audit: thread members: %w", err)
		}
		for _, k := range kids {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out, nil
}

// Explanation is the full story behind one child's parent assignment.
type Explanation struct {
	Current *models.Link        `json:"current"`
	History []models.Link       `json:"history"`
	Entries []models.AuditEntry `json:"audit"`
}

// ExplainLink returns the current link of child, its superseded versions
// and the threading audit entries naming it.
func (l *Ledger) ExplainLink(ctx context.Context, child string) (*Explanation, error) {
	cur, err := l.db.CurrentLink(ctx, child)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("audit: explain %s: %w", child, err)
	}
	hist, err := l.db.LinkHistory(ctx, child)
	if err != nil {
		return nil, fmt.Errorf("audit: explain %s: %w", child, err)
	}
	if cur == nil && len(hist) == 0 {
		return nil, fmt.Errorf("audit: explain %s: no link: %w", child, apperr.ErrNotFound)
	}
	all, err := l.db.AuditBySubject(ctx, child, "")
	if err != nil {
		return nil, fmt.Errorf("audit: explain %s: %w", child, err)
	}
	entries := make([]models.AuditEntry, 0, len(all))
	for _, e := range all {
		if e.Actor == ActorThreader {
			entries = append(entries, e)
		}
	}
	return &Explanation{Current: cur, History: hist, Entries: entries}, nil
}
