package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/models"
)

// DefaultSweepCron runs the verification sweep nightly at 03:00 UTC.
const DefaultSweepCron = "0 3 * * *"

const sweepPage = 500

// SweepReport summarizes one verification sweep.
type SweepReport struct {
	Checked        int      `json:"checked"`
	Valid          int      `json:"valid"`
	Drifted        int      `json:"drifted"`
	Unavailable    int      `json:"unavailable"`
	RulesetChanged int      `json:"ruleset_changed"`
	Items          []string `json:"drifted_items,omitempty"`
}

// Sweep verifies every active pointer and records drift for each item
// whose source changed. Pointers invalidated by a normalization change are
// moved to review instead.
func (s *Store) Sweep(ctx context.Context) (*SweepReport, error) {
	rep := &SweepReport{}
	drifted := map[string]bool{}
	var after int64
	for {
		ps, err := s.db.ActivePointers(ctx, after, sweepPage)
		if err != nil {
			return nil, fmt.Errorf("integrity: sweep: %w", err)
		}
		if len(ps) == 0 {
			break
		}
		for i := range ps {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res := s.Verify(ctx, &ps[i])
			rep.Checked++
			switch {
			case res.Valid:
				rep.Valid++
			case !res.SourceAccessible:
				rep.Unavailable++
			case res.Reason == ReasonRulesetChanged:
				flagged, err := s.FlagRulesetChanged(ctx, &ps[i])
				if err != nil {
					return nil, fmt.Errorf("integrity: sweep: %w", err)
				}
				if flagged {
					rep.RulesetChanged++
				}
			case res.Drift:
				rep.Drifted++
				if !drifted[ps[i].SourceKey] {
					drifted[ps[i].SourceKey] = true
					rep.Items = append(rep.Items, ps[i].SourceKey)
				}
			}
		}
		after = ps[len(ps)-1].ID
	}

	for _, item := range rep.Items {
		if _, err := s.RecordDrift(ctx, item); err != nil {
			s.logger.Error("record drift failed", slog.String("item", item), slog.Any("error", err))
		}
	}

	if _, err := s.ledger.Record(ctx, audit.Entry{
		Actor:      audit.ActorIntegrity,
		Decision:   audit.DecisionVerifySweep,
		SubjectID:  s.opts.CorpusID,
		RelatedIDs: rep.Items,
		Evidence:   rep,
	}); err != nil {
		return nil, fmt.Errorf("integrity: sweep: %w", err)
	}
	s.logger.Info("verification sweep finished",
		slog.Int("checked", rep.Checked),
		slog.Int("drifted", rep.Drifted),
		slog.Int("unavailable", rep.Unavailable))
	return rep, nil
}

// ValidateCron reports whether expr is a usable sweep schedule.
func ValidateCron(expr string) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("integrity: invalid sweep cron expression %q", expr)
	}
	return nil
}

// RunSchedule runs Sweep on every tick of the cron expression until ctx is
// cancelled. onDone, when set, receives every finished report.
func (s *Store) RunSchedule(ctx context.Context, expr string, onDone func(*SweepReport)) error {
	if expr == "" {
		expr = DefaultSweepCron
	}
	if err := ValidateCron(expr); err != nil {
		return err
	}
	s.logger.Info("sweep scheduler started", slog.String("cron", expr))
	for {
		next, err := gronx.NextTickAfter(expr, time.Now().UTC(), false)
		if err != nil {
			s.logger.Error("sweep next tick failed", slog.String("cron", expr), slog.Any("error", err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			s.logger.Info("sweep scheduler stopping")
			return nil
		}
		rep, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep failed", slog.Any("error", err))
			continue
		}
		if onDone != nil {
			onDone(rep)
		}
	}
}

// Review returns pointers flagged for review.
func (s *Store) Review(ctx context.Context) ([]models.IntegrityPointer, error) {
	ps, err := s.db.ReviewPointers(ctx)
	if err != nil {
		return nil, fmt.Errorf("integrity: review: %w", err)
	}
	for i := range ps {
		ps[i].URI = PointerURI(&ps[i])
	}
	return ps, nil
}
