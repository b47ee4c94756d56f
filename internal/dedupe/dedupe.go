// Package dedupe decides whether an incoming record duplicates a canonical
// record already in the store. Tiers are tried in order: normalized
// Message-ID (A), strict hash (B), relaxed hash (C). A tier that matches more
// than one canonical record never merges; the record is kept provisionally
// and queued for review.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/keylock"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
)

// Bucket key prefixes.
const (
	bucketMID     = "mid:"
	bucketStrict  = "strict:"
	bucketRelaxed = "relaxed:"
)

// Reasons recorded when tier A is skipped.
const (
	ReasonMIDMultiple = "message_id_maps_to_multiple_canonicals"
	ReasonMIDConflict = "message_id_conflicts_with_content"
)

// Input is the prepared view of a newly stored record.
type Input struct {
	ID         string
	MessageID  string
	SubjectKey string
	Prints     models.Fingerprints
	Provenance string
}

// Keys returns the lock buckets of in, sorted.
func (in Input) Keys() []string {
	var keys []string
	if in.MessageID != "" {
		keys = append(keys, bucketMID+in.MessageID)
	}
	if in.Prints.Strict != "" {
		keys = append(keys, bucketStrict+in.Prints.Strict)
	}
	if in.Prints.Relaxed != "" {
		keys = append(keys, bucketRelaxed+in.Prints.Relaxed)
	}
	sort.Strings(keys)
	return keys
}

// Outcome is the assignment made for one record.
type Outcome struct {
	MessageID   string             `json:"message_id"`
	CanonicalID string             `json:"canonical_id"`
	Status      string             `json:"status"`
	Level       models.DedupeLevel `json:"level,omitempty"`
	RecordID    int64              `json:"dedupe_record_id,omitempty"`
	Candidates  []string           `json:"candidates,omitempty"`
}

// tierTrace is the evidence of one tier evaluation.
type tierTrace struct {
	Level      models.DedupeLevel `json:"level"`
	Hash       string             `json:"hash"`
	Candidates []string           `json:"candidates"`
	Skipped    string             `json:"skipped,omitempty"`
}

type decisionEvidence struct {
	Tiers  []tierTrace       `json:"tiers"`
	Hashes map[string]string `json:"hashes"`
}

// Deduplicator assigns records to canonical records.
type Deduplicator struct {
	ledger *audit.Ledger
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Deduplicator.
func New(ledger *audit.Ledger, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		ledger: ledger,
		locks:  keylock.New(),
		logger: logger.With(slog.String("component", "dedupe")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Lock serializes decisions that share any bucket with in. The returned
// function releases the locks.
func (d *Deduplicator) Lock(in Input) func() {
	return d.locks.LockAll(in.Keys()...)
}

// Decide assigns in inside the caller's transaction. The caller holds
// Lock(in) so that no concurrent decision can see the same buckets.
func (d *Deduplicator) Decide(ctx context.Context, q *store.Queries, in Input) (Outcome, error) {
	ev := decisionEvidence{Hashes: hashes(in)}

	level, cands, err := d.match(ctx, q, in, &ev)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case len(cands) == 1:
		return d.applyVariant(ctx, q, in, level, cands[0], ev)
	case len(cands) > 1:
		return d.applyAmbiguous(ctx, q, in, level, cands, ev)
	}

	if _, err := q.Assign(ctx, store.Assignment{MessageID: in.ID, CanonicalID: in.ID, Status: models.StatusCanonical}, d.now()); err != nil {
		return Outcome{}, fmt.Errorf("dedupe: assign canonical: %w", err)
	}
	if _, err := d.ledger.RecordTx(ctx, q, audit.Entry{
		Actor:     audit.ActorDeduplicator,
		Decision:  audit.DecisionCanonical,
		SubjectID: in.ID,
		Evidence:  ev,
	}); err != nil {
		return Outcome{}, err
	}
	return Outcome{MessageID: in.ID, CanonicalID: in.ID, Status: models.StatusCanonical}, nil
}

// match walks the tiers and returns the first tier with any candidate.
func (d *Deduplicator) match(ctx context.Context, q *store.Queries, in Input, ev *decisionEvidence) (models.DedupeLevel, []string, error) {
	if in.MessageID != "" {
		cands, err := q.CanonicalsBy(ctx, "message_id", in.MessageID, in.ID)
		if err != nil {
			return "", nil, fmt.Errorf("dedupe: tier A: %w", err)
		}
		tr := tierTrace{Level: models.LevelA, Hash: in.MessageID, Candidates: nonNil(cands)}
		switch {
		case len(cands) > 1:
			tr.Skipped = ReasonMIDMultiple
		case len(cands) == 1:
			conflict, err := conflicts(ctx, q, in, cands[0])
			if err != nil {
				return "", nil, err
			}
			if conflict {
				tr.Skipped = ReasonMIDConflict
			}
		}
		ev.Tiers = append(ev.Tiers, tr)
		if len(cands) == 1 && tr.Skipped == "" {
			return models.LevelA, cands, nil
		}
		if tr.Skipped != "" {
			d.logger.Info("tier A skipped",
				slog.String("message", in.ID),
				slog.String("reason", tr.Skipped))
		}
	}

	for _, tier := range []struct {
		level  models.DedupeLevel
		column string
		hash   string
	}{
		{models.LevelB, "strict", in.Prints.Strict},
		{models.LevelC, "relaxed", in.Prints.Relaxed},
	} {
		if tier.hash == "" {
			continue
		}
		cands, err := q.CanonicalsBy(ctx, tier.column, tier.hash, in.ID)
		if err != nil {
			return "", nil, fmt.Errorf("dedupe: tier %s: %w", tier.level, err)
		}
		ev.Tiers = append(ev.Tiers, tierTrace{Level: tier.level, Hash: tier.hash, Candidates: nonNil(cands)})
		if len(cands) > 0 {
			return tier.level, cands, nil
		}
	}
	return "", nil, nil
}

// conflicts reports whether a single Message-ID candidate disagrees with in
// on both subject key and relaxed content.
func conflicts(ctx context.Context, q *store.Queries, in Input, candID string) (bool, error) {
	c, err := q.GetMessage(ctx, candID)
	if err != nil {
		return false, fmt.Errorf("dedupe: load candidate %s: %w", candID, err)
	}
	return c.Canonical.SubjectKey != in.SubjectKey && c.Fingerprints.Relaxed != in.Prints.Relaxed, nil
}

func (d *Deduplicator) applyVariant(ctx context.Context, q *store.Queries, in Input, level models.DedupeLevel, winner string, ev decisionEvidence) (Outcome, error) {
	recID, err := q.InsertDedupeRecord(ctx, models.DedupeRecord{
		WinnerID:   winner,
		LoserID:    in.ID,
		Level:      level,
		Status:     models.DedupeApplied,
		Hashes:     ev.Hashes,
		Candidates: []string{winner},
		Provenance: in.Provenance,
		CreatedAt:  d.now(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("dedupe: record: %w", err)
	}
	if _, err := q.Assign(ctx, store.Assignment{
		MessageID: in.ID, CanonicalID: winner, Status: models.StatusVariant, DedupeRecordID: recID,
	}, d.now()); err != nil {
		return Outcome{}, fmt.Errorf("dedupe: assign variant: %w", err)
	}
	if _, err := d.ledger.RecordTx(ctx, q, audit.Entry{
		Actor:      audit.ActorDeduplicator,
		Decision:   audit.DecisionVariant,
		SubjectID:  in.ID,
		RelatedIDs: []string{winner},
		Evidence:   ev,
	}); err != nil {
		return Outcome{}, err
	}
	d.logger.Debug("variant",
		slog.String("message", in.ID),
		slog.String("canonical", winner),
		slog.String("level", string(level)))
	return Outcome{
		MessageID: in.ID, CanonicalID: winner, Status: models.StatusVariant,
		Level: level, RecordID: recID, Candidates: []string{winner},
	}, nil
}

func (d *Deduplicator) applyAmbiguous(ctx context.Context, q *store.Queries, in Input, level models.DedupeLevel, cands []string, ev decisionEvidence) (Outcome, error) {
	recID, err := q.InsertDedupeRecord(ctx, models.DedupeRecord{
		LoserID:    in.ID,
		Level:      level,
		Status:     models.DedupeAmbiguous,
		Hashes:     ev.Hashes,
		Candidates: cands,
		Provenance: in.Provenance,
		Reason:     "multiple canonical records match at tier " + string(level),
		CreatedAt:  d.now(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("dedupe: record: %w", err)
	}
	if _, err := q.Assign(ctx, store.Assignment{
		MessageID: in.ID, CanonicalID: in.ID, Status: models.StatusProvisional, DedupeRecordID: recID,
	}, d.now()); err != nil {
		return Outcome{}, fmt.Errorf("dedupe: assign provisional: %w", err)
	}
	alts := make([]models.Alternative, 0, len(cands))
	for _, c := range cands {
		alts = append(alts, models.Alternative{CandidateID: c, Reason: "ambiguous_tie", Detail: "tier " + string(level)})
	}
	if _, err := d.ledger.RecordTx(ctx, q, audit.Entry{
		Actor:        audit.ActorDeduplicator,
		Decision:     audit.DecisionAmbiguousMatch,
		SubjectID:    in.ID,
		RelatedIDs:   cands,
		Evidence:     ev,
		Alternatives: alts,
	}); err != nil {
		return Outcome{}, err
	}
	d.logger.Warn("ambiguous match",
		slog.String("message", in.ID),
		slog.String("level", string(level)),
		slog.Int("candidates", len(cands)))
	return Outcome{
		MessageID: in.ID, CanonicalID: in.ID, Status: models.StatusProvisional,
		Level: level, RecordID: recID, Candidates: cands,
	}, nil
}

// Resolve settles an ambiguous record. winner must be one of the record's
// candidates, or the record's own message to keep it separate. The
// ambiguous record is superseded, never edited.
func (d *Deduplicator) Resolve(ctx context.Context, db *store.DB, recordID int64, winner, actor string) (*models.DedupeRecord, error) {
	var out *models.DedupeRecord
	err := db.InTx(ctx, func(q *store.Queries) error {
		var err error
		out, err = d.ResolveTx(ctx, q, recordID, winner, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveTx is Resolve inside the caller's transaction.
func (d *Deduplicator) ResolveTx(ctx context.Context, q *store.Queries, recordID int64, winner, actor string) (*models.DedupeRecord, error) {
	out, err := d.resolve(ctx, q, recordID, winner, actor)
	if err != nil {
		return nil, fmt.Errorf("dedupe: resolve %d: %w", recordID, err)
	}
	return out, nil
}

func (d *Deduplicator) resolve(ctx context.Context, q *store.Queries, recordID int64, winner, actor string) (*models.DedupeRecord, error) {
	rec, err := q.GetDedupeRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Deprecated || rec.Status != models.DedupeAmbiguous {
		return nil, fmt.Errorf("record %d is %s: %w", recordID, rec.Status, apperr.ErrConflict)
	}
	if winner != rec.LoserID && !slices.Contains(rec.Candidates, winner) {
		return nil, apperr.Errorf(apperr.MalformedInput, winner, "winner is not a candidate of record %d", recordID)
	}

	resolved := models.DedupeRecord{
		WinnerID:   winner,
		LoserID:    rec.LoserID,
		Level:      rec.Level,
		Status:     models.DedupeResolved,
		Hashes:     rec.Hashes,
		Candidates: rec.Candidates,
		Provenance: rec.Provenance,
		Reason:     "resolved by " + actor,
		Supersedes: rec.ID,
		CreatedAt:  d.now(),
	}
	id, err := q.InsertDedupeRecord(ctx, resolved)
	if err != nil {
		return nil, err
	}
	resolved.ID = id

	moved := []string{rec.LoserID}
	status := models.StatusVariant
	if winner == rec.LoserID {
		status = models.StatusCanonical
	} else {
		vs, err := q.Variants(ctx, rec.LoserID)
		if err != nil {
			return nil, err
		}
		moved = append(moved, vs...)
	}
	for _, m := range moved {
		if _, err := q.Assign(ctx, store.Assignment{
			MessageID: m, CanonicalID: winner, Status: statusFor(m, winner, status), DedupeRecordID: id,
		}, d.now()); err != nil {
			return nil, err
		}
	}

	alts := make([]models.Alternative, 0, len(rec.Candidates))
	for _, c := range rec.Candidates {
		if c != winner {
			alts = append(alts, models.Alternative{CandidateID: c, Reason: "rejected_by_review"})
		}
	}
	if _, err := d.ledger.RecordTx(ctx, q, audit.Entry{
		Actor:        actor,
		Decision:     audit.DecisionDedupeResolved,
		SubjectID:    rec.LoserID,
		RelatedIDs:   append([]string{winner}, moved[1:]...),
		Evidence:     map[string]any{"supersedes": rec.ID, "record": id, "winner": winner},
		Alternatives: alts,
	}); err != nil {
		return nil, err
	}
	return &resolved, nil
}

func statusFor(id, winner, status string) string {
	if id == winner {
		return models.StatusCanonical
	}
	return status
}

// Review returns the ambiguous records awaiting a decision.
func Review(ctx context.Context, db *store.DB) ([]models.DedupeRecord, error) {
	return db.AmbiguousDedupe(ctx)
}

func hashes(in Input) map[string]string {
	h := map[string]string{"strict": in.Prints.Strict, "relaxed": in.Prints.Relaxed}
	if in.MessageID != "" {
		h["message_id"] = in.MessageID
	}
	return h
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
