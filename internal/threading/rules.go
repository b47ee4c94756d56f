package threading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
)

// maxAdjacent bounds the time-adjacent records reported as rejected quote
// candidates.
const maxAdjacent = 10

// maxDepth bounds ancestor walks.
const maxDepth = 10000

// ruleResult is the outcome of one precedence rule.
type ruleResult struct {
	method   models.Method
	chosen   []string
	rejected []models.Alternative
	skipped  string
	matched  string
}

func (r *ruleResult) choose(id string) {
	if !slices.Contains(r.chosen, id) {
		r.chosen = append(r.chosen, id)
	}
}

func (r *ruleResult) reject(id, mid, reason, detail string) {
	r.rejected = append(r.rejected, models.Alternative{
		CandidateID: id, MessageID: mid, Method: r.method, Reason: reason, Detail: detail,
	})
}

// evaluation collects every rule outcome for one child.
type evaluation struct {
	rules   []ruleResult
	missing []string
	ev      models.LinkEvidence
}

func (e *evaluation) addMissing(mid string) {
	if !slices.Contains(e.missing, mid) {
		e.missing = append(e.missing, mid)
	}
}

func (b *Builder) evaluate(ctx context.Context, q *store.Queries, child *models.Message) (*evaluation, error) {
	e := &evaluation{ev: models.LinkEvidence{
		InReplyTo:  child.Canonical.InReplyTo,
		References: child.Canonical.References,
	}}
	steps := []func(context.Context, *store.Queries, *models.Message, *evaluation) (ruleResult, error){
		b.byInReplyTo, b.byReferences, b.byQuotedHash, b.bySubjectWindow,
	}
	for _, step := range steps {
		r, err := step(ctx, q, child, e)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, r)
	}
	e.ev.MissingParents = e.missing
	return e, nil
}

// resolveMID maps a referenced Message-ID to canonical records. self is set
// when it resolves to the child itself.
func resolveMID(ctx context.Context, q *store.Queries, childID, mid string) (cands []string, self bool, err error) {
	all, err := q.CanonicalsBy(ctx, "message_id", mid, "")
	if err != nil {
		return nil, false, fmt.Errorf("threading: resolve %s: %w", mid, err)
	}
	for _, id := range all {
		if id == childID {
			self = true
			continue
		}
		cands = append(cands, id)
	}
	return cands, self, nil
}

// headerRule is shared by the In-Reply-To and References rules.
func (b *Builder) headerRule(ctx context.Context, q *store.Queries, child *models.Message, e *evaluation, r *ruleResult, mid string) (bool, error) {
	cands, self, err := resolveMID(ctx, q, child.ID, mid)
	if err != nil {
		return false, err
	}
	if self {
		r.reject(child.ID, mid, ReasonSelfReference, "")
	}
	if len(cands) == 0 {
		if !self {
			e.addMissing(mid)
		}
		return false, nil
	}
	found := false
	for _, c := range cands {
		cyc, err := wouldCycle(ctx, q, child.ID, c)
		if err != nil {
			return false, err
		}
		if cyc {
			r.reject(c, mid, ReasonWouldCreateCycle, "")
			continue
		}
		r.choose(c)
		found = true
	}
	return found, nil
}

func (b *Builder) byInReplyTo(ctx context.Context, q *store.Queries, child *models.Message, e *evaluation) (ruleResult, error) {
	r := ruleResult{method: models.MethodInReplyTo}
	if len(child.Canonical.InReplyTo) == 0 {
		r.skipped = "no_in_reply_to"
		return r, nil
	}
	for _, mid := range child.Canonical.InReplyTo {
		ok, err := b.headerRule(ctx, q, child, e, &r, mid)
		if err != nil {
			return r, err
		}
		if ok && r.matched == "" {
			r.matched = mid
		}
	}
	return r, nil
}

// byReferences takes the last resolvable reference, scanning from the end.
func (b *Builder) byReferences(ctx context.Context, q *store.Queries, child *models.Message, e *evaluation) (ruleResult, error) {
	r := ruleResult{method: models.MethodReferences}
	refs := child.Canonical.References
	if len(refs) == 0 {
		r.skipped = "no_references"
		return r, nil
	}
	for i := len(refs) - 1; i >= 0; i-- {
		mid := refs[i]
		if r.matched != "" {
			cands, _, err := resolveMID(ctx, q, child.ID, mid)
			if err != nil {
				return r, err
			}
			if len(cands) == 0 {
				e.addMissing(mid)
			}
			for _, c := range cands {
				if !slices.Contains(r.chosen, c) {
					r.reject(c, mid, ReasonEarlierReference, "")
				}
			}
			continue
		}
		ok, err := b.headerRule(ctx, q, child, e, &r, mid)
		if err != nil {
			return r, err
		}
		if ok {
			r.matched = mid
		}
	}
	return r, nil
}

func (b *Builder) byQuotedHash(ctx context.Context, q *store.Queries, child *models.Message, e *evaluation) (ruleResult, error) {
	r := ruleResult{method: models.MethodQuotedHash}
	quoted := child.Fingerprints.Quoted
	if quoted == "" {
		r.skipped = "no_quoted_text"
		return r, nil
	}
	e.ev.QuotedHash = quoted

	ids, err := q.CanonicalsBy(ctx, "anchor", quoted, child.ID)
	if err != nil {
		return r, fmt.Errorf("threading: quoted candidates: %w", err)
	}
	cands, err := q.GetMessages(ctx, ids)
	if err != nil {
		return r, fmt.Errorf("threading: load quoted candidates: %w", err)
	}
	matched := make(map[string]bool, len(cands))
	for _, c := range cands {
		matched[c.ID] = true
		if !child.SentTS.IsZero() && c.SentTS.After(child.SentTS) {
			r.reject(c.ID, c.Canonical.MessageID, ReasonLaterThanChild, c.SentTS.Format(time.RFC3339))
			continue
		}
		cyc, err := wouldCycle(ctx, q, child.ID, c.ID)
		if err != nil {
			return r, err
		}
		if cyc {
			r.reject(c.ID, c.Canonical.MessageID, ReasonWouldCreateCycle, "")
			continue
		}
		r.choose(c.ID)
		if c.Fingerprints.TailAnchor == quoted {
			e.ev.MatchedAnchor = "tail"
		} else {
			e.ev.MatchedAnchor = "head"
		}
	}

	if child.SentTS.IsZero() {
		return r, nil
	}
	adjacent, err := q.CanonicalsSentBetween(ctx, child.SentTS.Add(-b.opts.window()), child.SentTS, maxAdjacent+1)
	if err != nil {
		return r, fmt.Errorf("threading: adjacent records: %w", err)
	}
	for _, c := range adjacent {
		if c.ID == child.ID || matched[c.ID] {
			continue
		}
		r.reject(c.ID, c.Canonical.MessageID, ReasonNoQuoteMatch, fmt.Sprintf("%.1fh before", hours(child.SentTS.Sub(c.SentTS))))
	}
	return r, nil
}

func (b *Builder) bySubjectWindow(ctx context.Context, q *store.Queries, child *models.Message, e *evaluation) (ruleResult, error) {
	r := ruleResult{method: models.MethodSubjectWindow}
	key := child.Canonical.SubjectKey
	switch {
	case key == "":
		r.skipped = "no_subject"
		return r, nil
	case child.SentTS.IsZero():
		r.skipped = "no_timestamp"
		return r, nil
	}
	window := b.opts.window()
	cands, err := q.CanonicalsBySubject(ctx, key, child.SentTS.Add(-2*window), child.SentTS.Add(window))
	if err != nil {
		return r, fmt.Errorf("threading: subject candidates: %w", err)
	}
	if child.Canonical.IsForward {
		r.skipped = ReasonForwardSubject
		for _, c := range cands {
			if c.ID != child.ID {
				r.reject(c.ID, c.Canonical.MessageID, ReasonForwardSubject, "")
			}
		}
		return r, nil
	}

	mine := child.Canonical.Addresses()
	var (
		best     time.Time
		eligible []models.Message
	)
	for _, c := range cands {
		if c.ID == child.ID {
			continue
		}
		delta := child.SentTS.Sub(c.SentTS)
		switch {
		case delta < 0:
			r.reject(c.ID, c.Canonical.MessageID, ReasonLaterThanChild, fmt.Sprintf("%.1fh after", hours(-delta)))
			continue
		case delta > window:
			r.reject(c.ID, c.Canonical.MessageID, ReasonOutsideWindow, fmt.Sprintf("%.1fh before", hours(delta)))
			continue
		}
		if len(overlap(mine, c.Canonical.Addresses())) == 0 {
			r.reject(c.ID, c.Canonical.MessageID, ReasonNoOverlap, "")
			continue
		}
		cyc, err := wouldCycle(ctx, q, child.ID, c.ID)
		if err != nil {
			return r, err
		}
		if cyc {
			r.reject(c.ID, c.Canonical.MessageID, ReasonWouldCreateCycle, "")
			continue
		}
		eligible = append(eligible, c)
		if c.SentTS.After(best) {
			best = c.SentTS
		}
	}
	for _, c := range eligible {
		if c.SentTS.Equal(best) {
			r.choose(c.ID)
			if len(r.chosen) == 1 {
				e.ev.SubjectKey = key
				e.ev.TimeDeltaHours = hours(child.SentTS.Sub(c.SentTS))
				e.ev.ParticipantsOverlap = overlap(mine, c.Canonical.Addresses())
			}
			continue
		}
		r.reject(c.ID, c.Canonical.MessageID, ReasonNotClosest, fmt.Sprintf("%.1fh before", hours(child.SentTS.Sub(c.SentTS))))
	}
	return r, nil
}

// wouldCycle reports whether linking child under parent closes a loop, i.e.
// parent already descends from child.
func wouldCycle(ctx context.Context, q *store.Queries, child, parent string) (bool, error) {
	cur := parent
	for depth := 0; depth < maxDepth; depth++ {
		if cur == child {
			return true, nil
		}
		l, err := q.CurrentLink(ctx, cur)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if l.ParentID == "" {
			return false, nil
		}
		cur = l.ParentID
	}
	return true, nil
}

func overlap(a, b []string) []string {
	in := make(map[string]bool, len(a))
	for _, s := range a {
		in[s] = true
	}
	var out []string
	for _, s := range b {
		if in[s] {
			out = append(out, s)
			in[s] = false
		}
	}
	return out
}

func hours(d time.Duration) float64 {
	return math.Round(d.Hours()*100) / 100
}
