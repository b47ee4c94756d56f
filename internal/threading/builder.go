// Package threading reconstructs parent/child links between canonical
// records. Four rules are tried in fixed precedence; the first rule with a
// unique candidate decides, and a rule with competing candidates leaves the
// child ambiguous rather than guessing.
package threading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
)

// DefaultWindow bounds the subject-window rule.
const DefaultWindow = 36 * time.Hour

// Options tune the builder.
type Options struct {
	Window time.Duration
}

func (o Options) window() time.Duration {
	if o.Window <= 0 {
		return DefaultWindow
	}
	return o.Window
}

// Builder owns the thread graph. All writes go through one writer lock.
type Builder struct {
	mu     sync.Mutex
	ledger *audit.Ledger
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

// New creates a Builder.
func New(ledger *audit.Ledger, logger *slog.Logger, opts Options) *Builder {
	return &Builder{
		ledger: ledger,
		logger: logger.With(slog.String("component", "threading")),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Lock takes the graph writer lock. The returned function releases it.
func (b *Builder) Lock() func() {
	b.mu.Lock()
	return b.mu.Unlock
}

// Link evaluates the parent of child and stores the decision when it
// differs from the current link. The caller holds Lock. changed is false
// when the current link already reflects the evaluation.
func (b *Builder) Link(ctx context.Context, q *store.Queries, childID string) (link models.Link, changed bool, err error) {
	child, err := q.GetMessage(ctx, childID)
	if err != nil {
		return models.Link{}, false, fmt.Errorf("threading: load %s: %w", childID, err)
	}
	if child.CanonicalID != child.ID {
		return models.Link{}, false, fmt.Errorf("threading: %s is a variant of %s: %w", childID, child.CanonicalID, apperr.ErrConflict)
	}

	cur, err := q.CurrentLink(ctx, childID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		cur = nil
	case err != nil:
		return models.Link{}, false, fmt.Errorf("threading: current link %s: %w", childID, err)
	}
	if cur != nil && slices.Contains(cur.Methods, models.MethodManualReview) {
		return *cur, false, nil
	}

	from := models.StateUnlinked
	if cur != nil {
		from = cur.State
	}
	if err := advance(from, models.StateCandidateEvaluated); err != nil {
		return models.Link{}, false, err
	}

	e, err := b.evaluate(ctx, q, child)
	if err != nil {
		return models.Link{}, false, err
	}
	next := decide(childID, e)
	next.CreatedAt = b.now()
	if err := advance(models.StateCandidateEvaluated, next.State); err != nil {
		return models.Link{}, false, err
	}

	for _, mid := range e.missing {
		if err := q.AddPendingRef(ctx, mid, childID, next.CreatedAt); err != nil {
			return models.Link{}, false, err
		}
	}
	if cur != nil && sameDecision(cur, &next) {
		return *cur, false, nil
	}
	if cur != nil && cur.ParentID != next.ParentID {
		next.Evidence.PreviousParentID = cur.ParentID
	}

	stored, err := q.InsertLink(ctx, next)
	if err != nil {
		return models.Link{}, false, fmt.Errorf("threading: store link %s: %w", childID, err)
	}
	if err := b.record(ctx, q, cur, stored, e); err != nil {
		return models.Link{}, false, err
	}
	b.logger.Debug("link",
		slog.String("child", childID),
		slog.String("parent", stored.ParentID),
		slog.String("state", string(stored.State)),
		slog.Int("version", stored.Version))
	return stored, true, nil
}

// decide applies precedence to the rule outcomes.
func decide(childID string, e *evaluation) models.Link {
	l := models.Link{ChildID: childID, Evidence: e.ev, Confidence: models.ConfidenceNone, State: models.StateOrphan}
	win := -1
	for i, r := range e.rules {
		if len(r.chosen) > 0 {
			win = i
			break
		}
	}

	for i, r := range e.rules {
		l.Alternatives = append(l.Alternatives, r.rejected...)
		if i <= win {
			continue
		}
		for _, c := range r.chosen {
			if win >= 0 && len(e.rules[win].chosen) == 1 && c == e.rules[win].chosen[0] {
				l.Evidence.CorroboratedBy = append(l.Evidence.CorroboratedBy, r.method)
				continue
			}
			l.Alternatives = append(l.Alternatives, models.Alternative{
				CandidateID: c, Method: r.method, Reason: ReasonLowerPrecedence,
			})
		}
	}
	if win < 0 {
		return l
	}

	r := e.rules[win]
	if r.matched != "" {
		l.Evidence.MatchedMessageID = r.matched
	}
	if r.method != models.MethodQuotedHash {
		l.Evidence.MatchedAnchor = ""
	}
	if r.method != models.MethodSubjectWindow {
		l.Evidence.SubjectKey, l.Evidence.TimeDeltaHours, l.Evidence.ParticipantsOverlap = "", 0, nil
	}
	if len(r.chosen) > 1 {
		l.State = models.StateAmbiguous
		l.Methods = []models.Method{r.method}
		sorted := append([]string(nil), r.chosen...)
		sort.Strings(sorted)
		for _, c := range sorted {
			l.Alternatives = append(l.Alternatives, models.Alternative{
				CandidateID: c, Method: r.method, Reason: ReasonAmbiguousTie,
			})
		}
		return l
	}
	l.State = models.StateLinked
	l.ParentID = r.chosen[0]
	l.Methods = []models.Method{r.method}
	l.Confidence = confidence[r.method]
	return l
}

func sameDecision(a, b *models.Link) bool {
	return a.State == b.State && a.ParentID == b.ParentID && slices.Equal(a.Methods, b.Methods) &&
		slices.Equal(a.Evidence.MissingParents, b.Evidence.MissingParents)
}

func (b *Builder) record(ctx context.Context, q *store.Queries, prev *models.Link, l models.Link, e *evaluation) error {
	decision := audit.DecisionLinked
	switch {
	case prev != nil:
		decision = audit.DecisionRelinked
	case l.State == models.StateOrphan:
		decision = audit.DecisionOrphan
	case l.State == models.StateAmbiguous:
		decision = audit.DecisionLinkAmbiguous
	}
	related := []string{}
	if l.ParentID != "" {
		related = append(related, l.ParentID)
	}
	if prev != nil && prev.ParentID != "" && prev.ParentID != l.ParentID {
		related = append(related, prev.ParentID)
	}
	evidence := map[string]any{
		"state":      l.State,
		"methods":    l.Methods,
		"confidence": l.Confidence,
		"version":    l.Version,
		"evidence":   l.Evidence,
		"rules":      ruleSummary(e),
	}
	if _, err := b.ledger.RecordTx(ctx, q, audit.Entry{
		Actor:        audit.ActorThreader,
		Decision:     decision,
		SubjectID:    l.ChildID,
		RelatedIDs:   related,
		Evidence:     evidence,
		Alternatives: l.Alternatives,
	}); err != nil {
		return err
	}
	if len(e.missing) > 0 && (prev == nil || !slices.Equal(prev.Evidence.MissingParents, e.missing)) {
		if _, err := b.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:     audit.ActorThreader,
			Decision:  audit.DecisionUnresolvable,
			SubjectID: l.ChildID,
			Evidence:  map[string]any{"missing_parents": e.missing},
		}); err != nil {
			return err
		}
	}
	return nil
}

type ruleTrace struct {
	Method     models.Method `json:"method"`
	Candidates []string      `json:"candidates"`
	Skipped    string        `json:"skipped,omitempty"`
}

func ruleSummary(e *evaluation) []ruleTrace {
	out := make([]ruleTrace, 0, len(e.rules))
	for _, r := range e.rules {
		c := r.chosen
		if c == nil {
			c = []string{}
		}
		out = append(out, ruleTrace{Method: r.method, Candidates: c, Skipped: r.skipped})
	}
	return out
}

// Relink re-evaluates children that may be affected by the arrival of
// arrived: children waiting on its Message-ID, and orphaned or ambiguous
// children whose quote or subject it could satisfy. The caller holds Lock.
func (b *Builder) Relink(ctx context.Context, q *store.Queries, arrived *models.Message) ([]models.Link, error) {
	affected := map[string]bool{}
	add := func(ids []string, err error) error {
		if err != nil {
			return fmt.Errorf("threading: relink candidates: %w", err)
		}
		for _, id := range ids {
			if id != arrived.ID && id != arrived.CanonicalID {
				affected[id] = true
			}
		}
		return nil
	}
	if mid := arrived.Canonical.MessageID; mid != "" {
		if err := add(q.PendingChildren(ctx, mid)); err != nil {
			return nil, err
		}
	}
	if err := add(q.UnlinkedByQuoted(ctx, arrived.Fingerprints.HeadAnchor, arrived.Fingerprints.TailAnchor)); err != nil {
		return nil, err
	}
	if !arrived.SentTS.IsZero() && !arrived.Canonical.IsForward {
		if err := add(q.UnlinkedBySubject(ctx, arrived.Canonical.SubjectKey, arrived.SentTS, arrived.SentTS.Add(b.opts.window()))); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.Link
	for _, id := range ids {
		l, changed, err := b.Link(ctx, q, id)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if changed {
			out = append(out, l)
		}
	}
	return out, nil
}

// ResolveLink records a reviewer's parent choice for child. Later automatic
// evaluations leave a reviewed link alone.
func (b *Builder) ResolveLink(ctx context.Context, db *store.DB, childID, parentID, actor string) (models.Link, error) {
	unlock := b.Lock()
	defer unlock()

	var out models.Link
	err := db.InTx(ctx, func(q *store.Queries) error {
		child, err := q.GetMessage(ctx, childID)
		if err != nil {
			return err
		}
		if child.CanonicalID != child.ID {
			return fmt.Errorf("%s is a variant of %s: %w", childID, child.CanonicalID, apperr.ErrConflict)
		}
		parent, err := q.GetMessage(ctx, parentID)
		if err != nil {
			return err
		}
		parentID = parent.CanonicalID
		if parentID == childID {
			return apperr.New(apperr.MalformedInput, childID, "a message cannot be its own parent")
		}
		cyc, err := wouldCycle(ctx, q, childID, parentID)
		if err != nil {
			return err
		}
		if cyc {
			return apperr.Errorf(apperr.MalformedInput, childID, "linking under %s would create a cycle", parentID)
		}

		cur, err := q.CurrentLink(ctx, childID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		from := models.StateUnlinked
		l := models.Link{
			ChildID:    childID,
			ParentID:   parentID,
			State:      models.StateLinked,
			Methods:    []models.Method{models.MethodManualReview},
			Confidence: confidence[models.MethodManualReview],
			Evidence:   models.LinkEvidence{ReviewedBy: actor, InReplyTo: child.Canonical.InReplyTo, References: child.Canonical.References},
			CreatedAt:  b.now(),
		}
		if cur != nil {
			from = cur.State
			if cur.ParentID != parentID {
				l.Evidence.PreviousParentID = cur.ParentID
			}
			l.Alternatives = cur.Alternatives
		}
		if err := advance(from, models.StateCandidateEvaluated); err != nil {
			return err
		}
		if err := advance(models.StateCandidateEvaluated, l.State); err != nil {
			return err
		}
		stored, err := q.InsertLink(ctx, l)
		if err != nil {
			return err
		}
		if _, err := b.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:        actor,
			Decision:     audit.DecisionLinkResolved,
			SubjectID:    childID,
			RelatedIDs:   []string{parentID},
			Evidence:     map[string]any{"version": stored.Version, "supersedes": stored.Supersedes},
			Alternatives: stored.Alternatives,
		}); err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return models.Link{}, fmt.Errorf("threading: resolve %s: %w", childID, err)
	}
	return out, nil
}

// Redirect moves the subtree of variant, a record just folded into winner by
// a dedupe resolution. Each child of variant is re-evaluated; a child that
// still names variant, such as a reviewed link, is carried over to winner.
// variant's own link is then retired. The caller holds Lock.
func (b *Builder) Redirect(ctx context.Context, q *store.Queries, variant, winner string) ([]models.Link, error) {
	children, err := q.Children(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("threading: redirect %s: %w", variant, err)
	}
	var out []models.Link
	for _, id := range children {
		l, changed, err := b.Link(ctx, q, id)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if l.ParentID == variant {
			if l, err = b.carry(ctx, q, l, variant, winner); err != nil {
				return nil, err
			}
			changed = true
		}
		if changed {
			out = append(out, l)
		}
	}

	retired, err := q.RetireLink(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("threading: redirect %s: %w", variant, err)
	}
	if retired {
		if _, err := b.ledger.RecordTx(ctx, q, audit.Entry{
			Actor:      audit.ActorThreader,
			Decision:   audit.DecisionLinkRetired,
			SubjectID:  variant,
			RelatedIDs: []string{winner},
			Evidence:   map[string]any{"canonical_id": winner},
		}); err != nil {
			return nil, err
		}
	}
	b.logger.Info("redirected subtree",
		slog.String("variant", variant),
		slog.String("winner", winner),
		slog.Int("children", len(children)),
		slog.Int("relinked", len(out)))
	return out, nil
}

// carry re-points cur from variant to winner, keeping its methods. A child
// that would become its own parent or close a cycle is orphaned instead.
func (b *Builder) carry(ctx context.Context, q *store.Queries, cur models.Link, variant, winner string) (models.Link, error) {
	next := models.Link{
		ChildID:      cur.ChildID,
		ParentID:     winner,
		State:        cur.State,
		Methods:      slices.Clone(cur.Methods),
		Evidence:     cur.Evidence,
		Confidence:   cur.Confidence,
		Alternatives: slices.Clone(cur.Alternatives),
		CreatedAt:    b.now(),
	}
	next.Evidence.PreviousParentID = variant

	reason := ""
	if cur.ChildID == winner {
		reason = ReasonSelfReference
	} else {
		cyc, err := wouldCycle(ctx, q, cur.ChildID, winner)
		if err != nil {
			return models.Link{}, err
		}
		if cyc {
			reason = ReasonWouldCreateCycle
		}
	}
	if reason != "" {
		next.ParentID = ""
		next.State = models.StateOrphan
		next.Methods = nil
		next.Confidence = models.ConfidenceNone
		next.Alternatives = append(next.Alternatives, models.Alternative{CandidateID: winner, Reason: reason})
	}

	if err := advance(cur.State, models.StateCandidateEvaluated); err != nil {
		return models.Link{}, err
	}
	if err := advance(models.StateCandidateEvaluated, next.State); err != nil {
		return models.Link{}, err
	}
	stored, err := q.InsertLink(ctx, next)
	if err != nil {
		return models.Link{}, fmt.Errorf("threading: carry link %s: %w", cur.ChildID, err)
	}
	related := []string{variant}
	if stored.ParentID != "" {
		related = []string{stored.ParentID, variant}
	}
	if _, err := b.ledger.RecordTx(ctx, q, audit.Entry{
		Actor:        audit.ActorThreader,
		Decision:     audit.DecisionRelinked,
		SubjectID:    stored.ChildID,
		RelatedIDs:   related,
		Evidence:     map[string]any{"state": stored.State, "version": stored.Version, "redirected_from": variant},
		Alternatives: stored.Alternatives,
	}); err != nil {
		return models.Link{}, err
	}
	return stored, nil
}

// Review returns current links left ambiguous.
func Review(ctx context.Context, r Reader) ([]models.Link, error) {
	return r.LinksInState(ctx, models.StateAmbiguous)
}
