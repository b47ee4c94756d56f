// Package integrity issues and verifies line-addressable pointers into
// evidence items. Three hash layers back every item: the raw source bytes,
// the normalized text, and consumer-registered context hashes.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/blobstore"
	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/fingerprint"
	"github.com/starford/tessera/internal/keylock"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
)

// DefaultPrefixLen is the number of hex digits carried in a pointer URI.
const DefaultPrefixLen = 12

// Verification reasons.
const (
	ReasonOK                = "ok"
	ReasonUnknownPointer    = "unknown_pointer"
	ReasonSourceUnavailable = "source_unavailable"
	ReasonHashMismatch      = "hash_mismatch"
	ReasonRangeOutOfBounds  = "range_out_of_bounds"
	ReasonSuperseded        = "superseded_version"
	ReasonRulesetChanged    = "ruleset_changed"
)

// Options configure a Store.
type Options struct {
	CorpusID  string
	PrefixLen int
	Rules     canon.Rules
}

// DriftReport describes one recorded drift.
type DriftReport struct {
	Item     models.ItemVersion `json:"item"`
	Previous models.ItemVersion `json:"previous"`
	Flagged  []int64            `json:"flagged_pointers"`
}

// Option configures optional hooks.
type Option func(*Store)

// WithDriftHook is called after a drift is committed.
func WithDriftHook(fn func(DriftReport)) Option {
	return func(s *Store) { s.onDrift = fn }
}

// Store is the Evidence Integrity Store.
type Store struct {
	db      *store.DB
	ledger  *audit.Ledger
	sources Sources
	locks   *keylock.Map
	opts    Options
	ruleset string
	logger  *slog.Logger
	onDrift func(DriftReport)
	now     func() time.Time
}

// New creates a Store.
func New(db *store.DB, ledger *audit.Ledger, sources Sources, opts Options, logger *slog.Logger, options ...Option) *Store {
	if opts.PrefixLen <= 0 {
		opts.PrefixLen = DefaultPrefixLen
	}
	s := &Store{
		db:      db,
		ledger:  ledger,
		sources: sources,
		locks:   keylock.New(),
		opts:    opts,
		ruleset: opts.Rules.Hash(),
		logger:  logger.With(slog.String("component", "integrity")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// CorpusID returns the corpus the store issues pointers for.
func (s *Store) CorpusID() string { return s.opts.CorpusID }

func (s *Store) normalize(data []byte, part string) string {
	return canon.ItemText(data, part, s.opts.Rules)
}

// Register records version 1 of every item of a newly stored message inside
// the caller's transaction. Item bytes are copied into the blob store so
// every version stays readable after the source changes.
func (s *Store) Register(ctx context.Context, q *store.Queries, messageID string, raw models.RawMessage) ([]models.ItemVersion, error) {
	var out []models.ItemVersion
	for _, it := range Items(messageID, raw) {
		if _, err := q.CurrentItemVersion(ctx, it.ItemID); err == nil {
			continue
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		sum, err := s.putBlob(it.Data)
		if err != nil {
			return nil, err
		}
		origin := blobstore.Origin(sum)
		if raw.Origin != "" {
			origin = raw.Origin + "#" + it.Fragment
		}
		v := models.ItemVersion{
			ItemID:         it.ItemID,
			Version:        1,
			MessageID:      messageID,
			Part:           it.Part,
			Origin:         origin,
			SourceHash:     sum,
			NormalizedHash: checksum.SumString(s.normalize(it.Data, it.Part)),
			CreatedAt:      s.now(),
		}
		if err := q.InsertItemVersion(ctx, v); err != nil {
			return nil, fmt.Errorf("integrity: register %s: %w", it.ItemID, err)
		}
		if _, err := s.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:      audit.ActorIntegrity,
			Decision:   audit.DecisionItemRegistered,
			SubjectID:  it.ItemID,
			RelatedIDs: []string{messageID},
			Evidence:   v,
		}); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) putBlob(data []byte) (string, error) {
	if s.sources.Blobs == nil {
		return checksum.Sum(data), nil
	}
	return s.sources.Blobs.Put(data, "item")
}

// versionText returns the normalized text of an item version, read from
// the blob snapshot taken when the version was recorded.
func (s *Store) versionText(ctx context.Context, v *models.ItemVersion) (string, error) {
	data, err := s.sources.Read(ctx, blobstore.Origin(v.SourceHash))
	if err != nil {
		data, err = s.sources.Read(ctx, v.Origin)
		if err != nil {
			return "", err
		}
		if checksum.Sum(data) != v.SourceHash {
			return "", apperr.Errorf(apperr.DriftDetected, v.Ref(), "source no longer matches its recorded hash")
		}
	}
	return s.normalize(data, v.Part), nil
}

// Text returns the normalized text of the current version of itemID.
func (s *Store) Text(ctx context.Context, itemID string) (*models.ItemVersion, string, error) {
	v, err := s.db.CurrentItemVersion(ctx, itemID)
	if err != nil {
		return nil, "", fmt.Errorf("integrity: item %s: %w", itemID, err)
	}
	text, err := s.versionText(ctx, v)
	if err != nil {
		return nil, "", fmt.Errorf("integrity: item %s: %w", itemID, err)
	}
	return v, text, nil
}

// IssuePointer hashes lines start..end of the current version of sourceKey
// and stores a pointer to them.
func (s *Store) IssuePointer(ctx context.Context, sourceKey string, start, end int, role string) (*models.IntegrityPointer, error) {
	switch role {
	case models.RoleAnchor, models.RoleSupport, models.RoleContext:
	default:
		return nil, apperr.New(apperr.MalformedInput, sourceKey, "unknown pointer role "+role)
	}
	unlock := s.locks.Lock(sourceKey)
	defer unlock()

	v, text, err := s.Text(ctx, sourceKey)
	if err != nil {
		return nil, err
	}
	full, err := fingerprint.LineRangeHash(text, start, end)
	if err != nil {
		return nil, apperr.Wrap(apperr.MalformedInput, sourceKey, err)
	}

	var p *models.IntegrityPointer
	err = s.db.InTx(ctx, func(q *store.Queries) error {
		p, err = q.InsertPointer(ctx, models.IntegrityPointer{
			CorpusID:    s.opts.CorpusID,
			SourceKey:   sourceKey,
			ItemVersion: v.Version,
			StartLine:   start,
			EndLine:     end,
			HashFull:    full,
			HashPrefix:  checksum.Prefix(full, s.opts.PrefixLen),
			Role:        role,
			RulesetHash: s.ruleset,
			CreatedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		p.URI = PointerURI(p)
		_, err = s.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:      audit.ActorIntegrity,
			Decision:   audit.DecisionPointerIssued,
			SubjectID:  sourceKey,
			RelatedIDs: []string{v.MessageID},
			Evidence:   p,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("integrity: issue pointer on %s: %w", sourceKey, err)
	}
	s.logger.Debug("pointer issued", slog.String("uri", p.URI))
	return p, nil
}

// PointerURI returns the dep:// form of p.
func PointerURI(p *models.IntegrityPointer) string {
	return URI{CorpusID: p.CorpusID, SourceKey: p.SourceKey, Start: p.StartLine, End: p.EndLine, Prefix: p.HashPrefix}.String()
}

// Verify re-reads p's source through its origin, re-normalizes it and
// compares the range hash. It takes no lock and writes nothing. A mismatch
// over unchanged source bytes, or under a different rule set than the one
// p was issued with, is reported as ruleset_changed rather than drift.
func (s *Store) Verify(ctx context.Context, p *models.IntegrityPointer) models.VerifyResult {
	res := models.VerifyResult{URI: PointerURI(p), PointerID: p.ID}
	v, err := s.db.ItemVersion(ctx, p.SourceKey, p.ItemVersion)
	if err != nil {
		res.Reason = ReasonUnknownPointer
		return res
	}
	data, err := s.sources.Read(ctx, v.Origin)
	if err != nil {
		res.Reason = ReasonSourceUnavailable
		return res
	}
	res.SourceAccessible = true
	rulesChanged := (p.RulesetHash != "" && p.RulesetHash != s.ruleset) || checksum.Sum(data) == v.SourceHash
	current, err := fingerprint.LineRangeHash(s.normalize(data, v.Part), p.StartLine, p.EndLine)
	if err != nil {
		if rulesChanged {
			res.Reason = ReasonRulesetChanged
			return res
		}
		res.Drift = true
		res.Reason = ReasonRangeOutOfBounds
		return res
	}
	res.CurrentHash = current
	res.HashMatch = current == p.HashFull
	switch {
	case !res.HashMatch && rulesChanged:
		res.Reason = ReasonRulesetChanged
	case !res.HashMatch:
		res.Drift = true
		res.Reason = ReasonHashMismatch
	case v.Deprecated:
		res.Valid = true
		res.Reason = ReasonSuperseded
	default:
		res.Valid = true
		res.Reason = ReasonOK
	}
	return res
}

// VerifyURI resolves a pointer URI and verifies it. Unknown pointers yield
// valid=false with reason unknown_pointer.
func (s *Store) VerifyURI(ctx context.Context, raw string) (models.VerifyResult, error) {
	u, err := ParseURI(raw)
	if err != nil {
		return models.VerifyResult{URI: raw, Reason: ReasonUnknownPointer}, err
	}
	ps, err := s.db.FindPointers(ctx, u.CorpusID, u.SourceKey, u.Start, u.End, u.Prefix)
	if err != nil {
		return models.VerifyResult{URI: raw}, fmt.Errorf("integrity: resolve %s: %w", raw, err)
	}
	if len(ps) == 0 {
		return models.VerifyResult{URI: raw, Reason: ReasonUnknownPointer}, nil
	}
	res := s.Verify(ctx, &ps[0])
	res.URI = raw
	return res, nil
}

// RecordDrift re-reads itemID from its origin. When the bytes changed it
// appends a new item version, deprecates the old one, flags every pointer
// on older versions for review and records a DriftDetected entry. A second
// call with unchanged bytes is a no-op and returns nil.
func (s *Store) RecordDrift(ctx context.Context, itemID string) (*DriftReport, error) {
	unlock := s.locks.Lock(itemID)
	defer unlock()

	cur, err := s.db.CurrentItemVersion(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("integrity: drift %s: %w", itemID, err)
	}
	data, err := s.sources.Read(ctx, cur.Origin)
	if err != nil {
		return nil, fmt.Errorf("integrity: drift %s: %w", itemID, err)
	}
	sum := checksum.Sum(data)
	if sum == cur.SourceHash {
		return nil, nil
	}
	if _, err := s.putBlob(data); err != nil {
		return nil, err
	}

	next := models.ItemVersion{
		ItemID:         itemID,
		Version:        cur.Version + 1,
		MessageID:      cur.MessageID,
		Part:           cur.Part,
		Origin:         cur.Origin,
		SourceHash:     sum,
		NormalizedHash: checksum.SumString(s.normalize(data, cur.Part)),
		CreatedAt:      s.now(),
	}
	rep := &DriftReport{Item: next, Previous: *cur}
	err = s.db.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertItemVersion(ctx, next); err != nil {
			return err
		}
		flagged, err := q.FlagPointersForReview(ctx, itemID, next.Version)
		if err != nil {
			return err
		}
		rep.Flagged = flagged
		_, err = s.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:      audit.ActorIntegrity,
			Decision:   audit.DecisionDriftDetected,
			SubjectID:  itemID,
			RelatedIDs: []string{cur.MessageID},
			Evidence: map[string]any{
				"from":             cur.Ref(),
				"to":               next.Ref(),
				"source_hash_from": cur.SourceHash,
				"source_hash_to":   sum,
				"normalized_same":  cur.NormalizedHash == next.NormalizedHash,
				"flagged_pointers": flagged,
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("integrity: drift %s: %w", itemID, err)
	}
	s.logger.Warn("drift detected",
		slog.String("item", itemID),
		slog.String("version", next.Ref()),
		slog.Int("flagged", len(rep.Flagged)))
	if s.onDrift != nil {
		s.onDrift(*rep)
	}
	return rep, nil
}

// FlagRulesetChanged moves p to review after its range stopped matching
// because normalization changed, not the source. It reports whether p was
// still active.
func (s *Store) FlagRulesetChanged(ctx context.Context, p *models.IntegrityPointer) (bool, error) {
	var flagged bool
	err := s.db.InTx(ctx, func(q *store.Queries) error {
		var err error
		if flagged, err = q.FlagPointer(ctx, p.ID); err != nil || !flagged {
			return err
		}
		_, err = s.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:     audit.ActorIntegrity,
			Decision:  audit.DecisionRulesetChanged,
			SubjectID: p.SourceKey,
			Evidence: map[string]any{
				"pointer":         p.ID,
				"uri":             PointerURI(p),
				"issued_ruleset":  p.RulesetHash,
				"current_ruleset": s.ruleset,
			},
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("integrity: flag pointer %d: %w", p.ID, err)
	}
	if flagged {
		s.logger.Warn("pointer flagged after ruleset change",
			slog.Int64("pointer", p.ID),
			slog.String("item", p.SourceKey))
	}
	return flagged, nil
}

// RegisterContext stores a consumer's Layer 3 hash for an item version.
func (s *Store) RegisterContext(ctx context.Context, c models.ContextHash) error {
	if c.Consumer == "" || c.AggregateID == "" || strings.TrimSpace(c.Hash) == "" {
		return apperr.New(apperr.MalformedInput, c.ItemID, "consumer, aggregate id and hash are required")
	}
	if _, err := s.db.ItemVersion(ctx, c.ItemID, c.Version); err != nil {
		return fmt.Errorf("integrity: context for %s@v%d: %w", c.ItemID, c.Version, err)
	}
	c.CreatedAt = s.now()
	return s.db.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertContextHash(ctx, c); err != nil {
			return err
		}
		_, err := s.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:     c.Consumer,
			Decision:  audit.DecisionContextHash,
			SubjectID: c.ItemID,
			Evidence:  c,
		})
		return err
	})
}
