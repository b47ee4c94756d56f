// Package pipeline runs ingestion batches: preparation on a worker pool,
// deduplication per connected bucket component, item registration, then
// threading under the graph writer lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/dedupe"
	"github.com/starford/tessera/internal/fingerprint"
	"github.com/starford/tessera/internal/integrity"
	"github.com/starford/tessera/internal/metrics"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/threading"
	"github.com/starford/tessera/internal/timestamp"
)

// Outcomes reported per message.
const (
	OutcomeCanonical   = models.StatusCanonical
	OutcomeVariant     = models.StatusVariant
	OutcomeProvisional = models.StatusProvisional
	OutcomeReplay      = "replay"
	OutcomeFailed      = "failed"
)

// Options tune a Pipeline.
type Options struct {
	Workers     int
	BatchSize   int
	NodeID      int64
	Rules       canon.Rules
	Timestamp   timestamp.Options
	Fingerprint fingerprint.Options
	// SnapshotID pins reconciliation to a persisted skew snapshot. Zero
	// computes a fresh snapshot per batch when one is needed.
	SnapshotID int64
}

// DefaultBatchSize bounds the files ingested per batch by IngestDir.
const DefaultBatchSize = 200

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

// Notifier receives decision events.
type Notifier interface {
	PublishDecision(kind, subject string, data any)
}

// Deps are the components a Pipeline drives.
type Deps struct {
	DB        *store.DB
	Ledger    *audit.Ledger
	Dedupe    *dedupe.Deduplicator
	Threads   *threading.Builder
	Integrity *integrity.Store
	Metrics   *metrics.Metrics
	Events    Notifier
}

// Pipeline ingests batches of raw messages.
type Pipeline struct {
	Deps
	node   *snowflake.Node
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: snowflake node %d: %w", opts.NodeID, err)
	}
	return &Pipeline{
		Deps:   deps,
		node:   node,
		opts:   opts,
		logger: logger.With(slog.String("component", "pipeline")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Result is the outcome for one input message.
type Result struct {
	Index       int                `json:"index"`
	Source      string             `json:"source,omitempty"`
	MessageID   string             `json:"message_id,omitempty"`
	CanonicalID string             `json:"canonical_id,omitempty"`
	Outcome     string             `json:"outcome"`
	Level       models.DedupeLevel `json:"level,omitempty"`
	LinkState   models.LinkState   `json:"link_state,omitempty"`
	ParentID    string             `json:"parent_id,omitempty"`
	TSReason    models.TSReason    `json:"ts_reason,omitempty"`
	Issues      int                `json:"issues,omitempty"`
	Kind        apperr.Kind        `json:"error_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Report summarizes one batch.
type Report struct {
	RunID      string         `json:"run_id"`
	SnapshotID int64          `json:"snapshot_id,omitempty"`
	Results    []Result       `json:"results"`
	Relinked   []string       `json:"relinked,omitempty"`
	Counts     map[string]int `json:"counts"`
	Took       time.Duration  `json:"took_ns"`
}

func (r *Report) count() {
	r.Counts = map[string]int{}
	for _, res := range r.Results {
		r.Counts[res.Outcome]++
	}
}

// Failed returns the results that carry an error.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Error != "" {
			out = append(out, res)
		}
	}
	return out
}

// prepared is one input after the pure preparation stages.
type prepared struct {
	idx        int
	raw        models.RawMessage
	sourceHash string
	ingestKey  string
	cm         models.CanonicalMessage
	ts         timestamp.Result
	prints     models.Fingerprints
	id         string
	dupOf      int
	err        error
	// replayed marks an input another ingest stored first; it is not threaded.
	replayed bool
}

func (p *prepared) input() dedupe.Input {
	return dedupe.Input{
		ID:         p.id,
		MessageID:  p.cm.MessageID,
		SubjectKey: p.cm.SubjectKey,
		Prints:     p.prints,
		Provenance: p.raw.Provenance,
	}
}

// Ingest runs one batch. Item-scoped failures are reported per message and
// never abort the batch; storage failures do.
func (p *Pipeline) Ingest(ctx context.Context, raws []models.RawMessage) (*Report, error) {
	start := time.Now()
	rep := &Report{RunID: uuid.NewString(), Results: make([]Result, len(raws))}
	ctx = audit.WithRun(ctx, rep.RunID)
	log := p.logger.With(slog.String("run_id", rep.RunID))

	preps, err := p.prepare(ctx, raws)
	if err != nil {
		return nil, err
	}

	snap, err := p.snapshot(ctx, preps)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		rep.SnapshotID = snap.ID
	}
	p.finish(preps, snap)

	fresh, resumed, err := p.skipReplays(ctx, preps, rep)
	if err != nil {
		return nil, err
	}

	if err := p.store(ctx, fresh, rep); err != nil {
		return nil, err
	}
	for _, pr := range preps {
		if pr.dupOf >= 0 {
			res := &rep.Results[pr.idx]
			res.MessageID = rep.Results[pr.dupOf].MessageID
			res.CanonicalID = rep.Results[pr.dupOf].CanonicalID
		}
	}

	pending := append(append([]*prepared(nil), fresh...), resumed...)
	sort.SliceStable(pending, func(i, j int) bool { return before(pending[i], pending[j]) })
	if err := p.thread(ctx, pending, rep); err != nil {
		return nil, err
	}

	rep.count()
	rep.Took = time.Since(start)
	p.Metrics.Batch(len(raws), rep.Took)
	log.Info("batch ingested",
		slog.Int("messages", len(raws)),
		slog.Int("canonical", rep.Counts[OutcomeCanonical]),
		slog.Int("variants", rep.Counts[OutcomeVariant]),
		slog.Int("provisional", rep.Counts[OutcomeProvisional]),
		slog.Int("replays", rep.Counts[OutcomeReplay]),
		slog.Int("failed", rep.Counts[OutcomeFailed]),
		slog.Duration("took", rep.Took))
	return rep, nil
}

// prepare canonicalizes every input on the worker pool. Reconciliation here
// runs without a snapshot; it only decides which messages contribute lag
// samples and whether a snapshot is needed at all.
func (p *Pipeline) prepare(ctx context.Context, raws []models.RawMessage) ([]*prepared, error) {
	preps := make([]*prepared, len(raws))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.workers())
	for i := range raws {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			preps[i] = p.prepareOne(i, raws[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: prepare: %w", err)
	}
	return preps, nil
}

func (p *Pipeline) prepareOne(i int, raw models.RawMessage) *prepared {
	pr := &prepared{idx: i, raw: raw, dupOf: -1}
	if err := validate(raw); err != nil {
		pr.err = err
		return pr
	}
	pr.sourceHash = canon.SourceHash(raw)
	pr.ingestKey = canon.IngestKey(pr.sourceHash, raw.Provenance)
	pr.cm = canon.Canonicalize(raw, p.opts.Rules)
	pr.ts = timestamp.Reconcile(&pr.cm, raw.FileTime, nil, p.opts.Timestamp)
	return pr
}

func validate(raw models.RawMessage) error {
	subject := raw.Origin
	if subject == "" {
		subject = raw.Provenance
	}
	if len(raw.HeadersRaw) == 0 && len(raw.BodyText) == 0 && len(raw.BodyHTML) == 0 {
		return apperr.New(apperr.MalformedInput, subject, "message has no headers and no body")
	}
	if raw.Provenance == "" {
		return apperr.New(apperr.MalformedInput, subject, "missing provenance tag")
	}
	return nil
}

// snapshot returns the skew snapshot the batch reconciles against. A fresh
// snapshot covers stored samples plus the batch's own header_accepted
// samples, so the result does not depend on input order.
func (p *Pipeline) snapshot(ctx context.Context, preps []*prepared) (*models.SkewSnapshot, error) {
	if p.opts.SnapshotID > 0 {
		s, err := p.DB.GetSnapshot(ctx, p.opts.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: snapshot %d: %w", p.opts.SnapshotID, err)
		}
		return s, nil
	}

	needed := false
	var samples []timestamp.Sample
	for _, pr := range preps {
		if pr.err != nil {
			continue
		}
		if pr.ts.Reason == models.TSSkewAdjusted {
			needed = true
		}
		if s, ok := timestamp.SampleOf(&pr.cm, pr.ts); ok {
			samples = append(samples, s)
		}
	}
	if !needed {
		return nil, nil
	}

	var snap models.SkewSnapshot
	err := p.DB.InTx(ctx, func(q *store.Queries) error {
		version, err := q.CorpusVersion(ctx)
		if err != nil {
			return err
		}
		stored, err := q.LagSamples(ctx)
		if err != nil {
			return err
		}
		for _, s := range stored {
			samples = append(samples, timestamp.Sample{Domain: s.Domain, Lag: s.Lag})
		}
		snap, err = q.InsertSnapshot(ctx, timestamp.BuildSnapshot(version, samples, p.now()))
		if err != nil {
			return err
		}
		_, err = p.Ledger.RecordTx(ctx, q, audit.Entry{
			Actor:     audit.ActorReconciler,
			Decision:  audit.DecisionSnapshot,
			SubjectID: fmt.Sprintf("snapshot-%d", snap.ID),
			Evidence:  snap,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: skew snapshot: %w", err)
	}
	p.logger.Info("skew snapshot computed",
		slog.Int64("snapshot_id", snap.ID),
		slog.Int("samples", snap.Global.Samples),
		slog.Duration("global_median", snap.Global.Median))
	return &snap, nil
}

// finish reconciles against the batch snapshot and computes fingerprints.
func (p *Pipeline) finish(preps []*prepared, snap *models.SkewSnapshot) {
	for _, pr := range preps {
		if pr.err != nil {
			continue
		}
		if snap != nil && pr.ts.Reason == models.TSSkewAdjusted {
			pr.ts = timestamp.Reconcile(&pr.cm, pr.raw.FileTime, snap, p.opts.Timestamp)
		}
		pr.prints = fingerprint.Compute(&pr.cm, pr.ts.Canonical, p.opts.Fingerprint)
	}
}

// skipReplays reports inputs already ingested, and repeats within the
// batch, and returns the rest ordered by (canonical ts, source hash) with
// IDs allocated in that order. resumed holds replays of canonical or
// provisional records that were stored but never threaded, as happens when
// an earlier run stopped between storing and threading.
func (p *Pipeline) skipReplays(ctx context.Context, preps []*prepared, rep *Report) (fresh, resumed []*prepared, err error) {
	seen := map[string]int{}
	for _, pr := range preps {
		res := &rep.Results[pr.idx]
		res.Index = pr.idx
		res.Source = sourceOf(pr.raw)
		if pr.err != nil {
			p.fail(ctx, pr.raw.Provenance, res, pr.err)
			continue
		}
		if first, ok := seen[pr.ingestKey]; ok {
			pr.dupOf = first
			res.Outcome = OutcomeReplay
			continue
		}
		seen[pr.ingestKey] = pr.idx

		id, err := p.DB.MessageIDByIngestKey(ctx, pr.ingestKey)
		switch {
		case err == nil:
			m, err := p.DB.GetMessage(ctx, id)
			if err != nil {
				return nil, nil, fmt.Errorf("pipeline: replay %s: %w", id, err)
			}
			res.Outcome = OutcomeReplay
			res.MessageID = id
			res.CanonicalID = m.CanonicalID
			p.Metrics.Ingested(OutcomeReplay)
			unthreaded, err := p.unthreaded(ctx, m)
			if err != nil {
				return nil, nil, err
			}
			if unthreaded {
				pr.id = id
				resumed = append(resumed, pr)
				p.logger.Info("replay resumes threading", slog.String("message", id), slog.String("source", res.Source))
				continue
			}
			p.logger.Debug("replay skipped", slog.String("message", id), slog.String("source", res.Source))
		case errors.Is(err, apperr.ErrNotFound):
			fresh = append(fresh, pr)
		default:
			return nil, nil, fmt.Errorf("pipeline: replay check: %w", err)
		}
	}

	sort.SliceStable(fresh, func(i, j int) bool { return before(fresh[i], fresh[j]) })
	for _, pr := range fresh {
		pr.id = p.node.Generate().String()
	}
	return fresh, resumed, nil
}

// unthreaded reports whether m is a record the thread graph should hold but
// does not: a canonical or provisional record with no current link.
func (p *Pipeline) unthreaded(ctx context.Context, m *models.Message) (bool, error) {
	if m.Status != models.StatusCanonical && m.Status != models.StatusProvisional {
		return false, nil
	}
	_, err := p.DB.CurrentLink(ctx, m.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("pipeline: link of %s: %w", m.ID, err)
	}
	return false, nil
}

func before(a, b *prepared) bool {
	if !a.ts.Canonical.Equal(b.ts.Canonical) {
		return a.ts.Canonical.Before(b.ts.Canonical)
	}
	return a.sourceHash < b.sourceHash
}

func sourceOf(raw models.RawMessage) string {
	if raw.Origin != "" {
		return raw.Origin
	}
	return raw.Provenance
}

// fail records an item-scoped failure.
func (p *Pipeline) fail(ctx context.Context, provenance string, res *Result, err error) {
	res.Outcome = OutcomeFailed
	res.Kind = apperr.KindOf(err)
	res.Error = err.Error()
	p.Metrics.Ingested(OutcomeFailed)
	if _, aerr := p.Ledger.Record(ctx, audit.Entry{
		Actor:     audit.ActorPipeline,
		Decision:  audit.DecisionMalformedInput,
		SubjectID: res.Source,
		Evidence:  map[string]any{"index": res.Index, "error": err.Error(), "provenance": provenance},
	}); aerr != nil {
		p.logger.Error("audit failed", slog.Any("error", aerr))
	}
	p.logger.Warn("message rejected", slog.String("source", res.Source), slog.Any("error", err))
}
