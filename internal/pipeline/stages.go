package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/dedupe"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/sse"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/timestamp"
)

// components groups messages that share any dedupe bucket, transitively.
// Members keep the input order, which is (canonical ts, source hash).
func components(preps []*prepared) [][]*prepared {
	parent := make([]int, len(preps))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	owner := map[string]int{}
	for i, pr := range preps {
		for _, k := range pr.input().Keys() {
			if j, ok := owner[k]; ok {
				union(i, j)
			} else {
				owner[k] = i
			}
		}
	}

	byRoot := map[int]int{}
	var out [][]*prepared
	for i, pr := range preps {
		r := find(i)
		n, ok := byRoot[r]
		if !ok {
			n = len(out)
			byRoot[r] = n
			out = append(out, nil)
		}
		out[n] = append(out[n], pr)
	}
	return out
}

// store writes records and dedupe decisions. Components run in parallel;
// members of one component run in order so the earliest message anchors.
func (p *Pipeline) store(ctx context.Context, fresh []*prepared, rep *Report) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.workers())
	for _, comp := range components(fresh) {
		g.Go(func() error {
			for _, pr := range comp {
				if err := p.storeOne(gCtx, pr, &rep.Results[pr.idx]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) derived(pr *prepared) store.Derived {
	d := store.Derived{
		Canonical:    pr.cm,
		SentTS:       pr.ts.Canonical,
		TSReason:     pr.ts.Reason,
		TSEvidence:   pr.ts.Evidence,
		SnapshotID:   pr.ts.Evidence.SnapshotID,
		SenderDomain: timestamp.SenderDomain(&pr.cm),
		Fingerprints: pr.prints,
	}
	if s, ok := timestamp.SampleOf(&pr.cm, pr.ts); ok {
		lag := s.Lag
		d.Lag = &lag
	}
	return d
}

func (p *Pipeline) storeOne(ctx context.Context, pr *prepared, res *Result) error {
	in := pr.input()
	unlock := p.Dedupe.Lock(in)
	defer unlock()

	rec := store.MessageRecord{
		ID:         pr.id,
		IngestKey:  pr.ingestKey,
		SourceHash: pr.sourceHash,
		Raw:        pr.raw,
		IngestedAt: p.now(),
		Derived:    p.derived(pr),
	}

	var (
		out      dedupe.Outcome
		items    []models.ItemVersion
		existing *models.Message
	)
	err := p.DB.InTx(ctx, func(q *store.Queries) error {
		// A concurrent ingest of the same artifact may have stored it since
		// skipReplays looked; the bucket lock makes this check final.
		id, err := q.MessageIDByIngestKey(ctx, pr.ingestKey)
		switch {
		case err == nil:
			existing, err = q.GetMessage(ctx, id)
			return err
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		if err := q.InsertMessage(ctx, rec); err != nil {
			return err
		}
		if len(pr.cm.Issues) > 0 {
			if _, err := p.Ledger.RecordTx(ctx, q, audit.Entry{
				Actor:     audit.ActorCanonicalizer,
				Decision:  audit.DecisionMalformedInput,
				SubjectID: pr.id,
				Evidence:  map[string]any{"issues": pr.cm.Issues},
			}); err != nil {
				return err
			}
		}
		if _, err := p.Ledger.RecordTx(ctx, q, audit.Entry{
			Actor:     audit.ActorReconciler,
			Decision:  audit.DecisionTimestamp,
			SubjectID: pr.id,
			Evidence:  map[string]any{"reason": pr.ts.Reason, "canonical": pr.ts.Canonical, "evidence": pr.ts.Evidence},
		}); err != nil {
			return err
		}

		out, err = p.Dedupe.Decide(ctx, q, in)
		if err != nil {
			return err
		}
		items, err = p.Integrity.Register(ctx, q, pr.id, pr.raw)
		if err != nil {
			return err
		}
		_, err = p.Ledger.RecordTx(ctx, q, audit.Entry{
			Actor:      audit.ActorPipeline,
			Decision:   audit.DecisionIngested,
			SubjectID:  pr.id,
			RelatedIDs: related(out),
			Evidence: map[string]any{
				"source_hash": pr.sourceHash,
				"ingest_key":  pr.ingestKey,
				"provenance":  pr.raw.Provenance,
				"origin":      pr.raw.Origin,
				"status":      out.Status,
				"ruleset":     pr.cm.RulesetHash,
				"items":       items,
			},
		})
		return err
	})
	if err != nil {
		if apperr.IsItemScoped(err) {
			p.fail(ctx, pr.raw.Provenance, res, err)
			return nil
		}
		return fmt.Errorf("pipeline: store %s: %w", pr.id, err)
	}
	if existing != nil {
		pr.id = existing.ID
		pr.replayed = true
		res.Outcome = OutcomeReplay
		res.MessageID = existing.ID
		res.CanonicalID = existing.CanonicalID
		p.Metrics.Ingested(OutcomeReplay)
		p.logger.Debug("concurrent replay skipped", slog.String("message", existing.ID), slog.String("source", res.Source))
		return nil
	}

	res.MessageID = pr.id
	res.CanonicalID = out.CanonicalID
	res.Outcome = out.Status
	res.Level = out.Level
	res.TSReason = pr.ts.Reason
	res.Issues = len(pr.cm.Issues)
	p.Metrics.Ingested(out.Status)
	p.publish(sse.TypeIngested, pr.id, res)
	if out.Status == models.StatusProvisional {
		p.publish(sse.TypeAmbiguous, pr.id, out)
	}
	return nil
}

func related(out dedupe.Outcome) []string {
	if out.CanonicalID != out.MessageID {
		return []string{out.CanonicalID}
	}
	return out.Candidates
}

// thread links every stored canonical record and re-evaluates children the
// new arrivals may satisfy. It holds the graph writer lock for the batch.
func (p *Pipeline) thread(ctx context.Context, pending []*prepared, rep *Report) error {
	unlock := p.Threads.Lock()
	defer unlock()

	relinked := map[string]bool{}
	for _, pr := range pending {
		res := &rep.Results[pr.idx]
		if res.Outcome == OutcomeFailed || pr.replayed {
			continue
		}
		err := p.DB.InTx(ctx, func(q *store.Queries) error {
			if res.Outcome != OutcomeVariant {
				l, changed, err := p.Threads.Link(ctx, q, pr.id)
				if err != nil {
					return err
				}
				if changed {
					p.linked(l)
				}
			}
			m, err := q.GetMessage(ctx, pr.id)
			if err != nil {
				return err
			}
			links, err := p.Threads.Relink(ctx, q, m)
			if err != nil {
				return err
			}
			for _, l := range links {
				relinked[l.ChildID] = true
				p.linked(l)
			}
			return nil
		})
		switch {
		case err == nil:
		case apperr.IsItemScoped(err) || errors.Is(err, apperr.ErrConflict):
			res.Kind = apperr.KindOf(err)
			res.Error = err.Error()
			p.logger.Warn("threading skipped", slog.String("message", pr.id), slog.Any("error", err))
		default:
			return fmt.Errorf("pipeline: thread %s: %w", pr.id, err)
		}
	}

	for _, pr := range pending {
		res := &rep.Results[pr.idx]
		if res.Outcome == OutcomeFailed || res.Outcome == OutcomeVariant || pr.replayed {
			continue
		}
		l, err := p.DB.CurrentLink(ctx, pr.id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("pipeline: link state %s: %w", pr.id, err)
		}
		res.LinkState = l.State
		res.ParentID = l.ParentID
	}
	for id := range relinked {
		rep.Relinked = append(rep.Relinked, id)
	}
	sort.Strings(rep.Relinked)
	return nil
}

func (p *Pipeline) linked(l models.Link) {
	p.Metrics.Linked(string(l.State))
	if l.State == models.StateAmbiguous {
		p.publish(sse.TypeLinkAmbiguous, l.ChildID, l)
	}
}

func (p *Pipeline) publish(kind, subject string, data any) {
	if p.Events != nil {
		p.Events.PublishDecision(kind, subject, data)
	}
}
