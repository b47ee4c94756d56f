// Package timestamp reconciles the competing clocks of a message into one
// canonical timestamp with a reason code.
package timestamp

import (
	"sort"
	"strings"
	"time"

	"github.com/starford/tessera/internal/models"
)

// DefaultTolerance is how far the Date header may sit from the earliest hop.
const DefaultTolerance = 5 * time.Minute

// hops before this are treated as clock garbage.
var plausibleFrom = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Options tune reconciliation.
type Options struct {
	Tolerance time.Duration
}

func (o Options) tolerance() time.Duration {
	if o.Tolerance <= 0 {
		return DefaultTolerance
	}
	return o.Tolerance
}

// Result is a canonical timestamp with its reason and evidence.
type Result struct {
	Canonical time.Time
	Reason    models.TSReason
	Evidence  models.TSEvidence
}

// Reconcile applies the rules in order: accept Date near the earliest hop,
// otherwise adjust the earliest hop by the snapshot's median lag, otherwise
// use Date without a chain, otherwise fall back to the file time. snap may
// be nil, in which case no lag is applied.
func Reconcile(cm *models.CanonicalMessage, fileTime time.Time, snap *models.SkewSnapshot, opts Options) Result {
	tol := opts.tolerance()
	hop, hasHop := EarliestHop(cm.ReceivedChain)
	hasDate := !cm.SentTS.IsZero()

	ev := models.TSEvidence{Date: cm.SentTS, EarliestHop: hop}
	if !fileTime.IsZero() {
		ev.FileTime = fileTime.UTC()
	}

	if hasHop && hasDate {
		delta := absDuration(cm.SentTS.Sub(hop))
		ev.Delta = delta
		ev.Tolerance = tol
		if delta <= tol {
			return Result{Canonical: cm.SentTS, Reason: models.TSHeaderAccepted, Evidence: ev}
		}
	}

	if hasHop {
		stat, scope := LagFor(snap, SenderDomain(cm))
		if snap != nil {
			ev.SnapshotID = snap.ID
		}
		ev.LagScope = scope
		ev.Lag = stat.Median
		ev.LagSamples = stat.Samples
		if !hasDate {
			ev.Flags = append(ev.Flags, "date_missing")
		} else {
			ev.Flags = append(ev.Flags, "date_outside_tolerance")
		}
		return Result{Canonical: hop.Add(-stat.Median), Reason: models.TSSkewAdjusted, Evidence: ev}
	}

	if hasDate {
		// A Date without a chain is unverified; the file time stays on
		// record as the fallback_file_time candidate.
		ev.Flags = append(ev.Flags, "no_received_chain")
		ev.Fallback = models.TSFallbackFileTime
		return Result{Canonical: cm.SentTS, Reason: models.TSHeaderUnverified, Evidence: ev}
	}

	ev.Flags = append(ev.Flags, "lowest_confidence")
	if fileTime.IsZero() {
		ev.Flags = append(ev.Flags, "no_time_source")
		return Result{Reason: models.TSFallbackFileTime, Evidence: ev}
	}
	return Result{Canonical: fileTime.UTC(), Reason: models.TSFallbackFileTime, Evidence: ev}
}

// EarliestHop returns the earliest plausible hop time.
func EarliestHop(chain []models.ReceivedHop) (time.Time, bool) {
	var earliest time.Time
	for _, h := range chain {
		if h.Time.IsZero() || h.Time.Before(plausibleFrom) {
			continue
		}
		if earliest.IsZero() || h.Time.Before(earliest) {
			earliest = h.Time
		}
	}
	return earliest, !earliest.IsZero()
}

// SenderDomain returns the folded domain of the first From address.
func SenderDomain(cm *models.CanonicalMessage) string {
	p, ok := cm.Sender()
	if !ok {
		return ""
	}
	if i := strings.LastIndex(p.Address, "@"); i >= 0 {
		return p.Address[i+1:]
	}
	return ""
}

// LagFor picks the domain statistic, then the global one.
func LagFor(snap *models.SkewSnapshot, domain string) (models.LagStat, string) {
	if snap == nil {
		return models.LagStat{}, "none"
	}
	if s, ok := snap.Domains[domain]; ok && domain != "" && s.Samples > 0 {
		return s, "domain:" + domain
	}
	if snap.Global.Samples > 0 {
		return snap.Global, "global"
	}
	return models.LagStat{}, "none"
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Sample is one observed transit lag: earliest hop minus Date.
type Sample struct {
	Domain string
	Lag    time.Duration
}

// SampleOf returns the lag sample a reconciled message contributes. Only
// header_accepted messages have a trustworthy Date to measure against.
func SampleOf(cm *models.CanonicalMessage, r Result) (Sample, bool) {
	if r.Reason != models.TSHeaderAccepted {
		return Sample{}, false
	}
	return Sample{Domain: SenderDomain(cm), Lag: r.Evidence.EarliestHop.Sub(r.Evidence.Date)}, true
}

// BuildSnapshot computes per-domain and global median lags. The result
// depends only on the multiset of samples, never on their order.
func BuildSnapshot(corpusVersion string, samples []Sample, at time.Time) models.SkewSnapshot {
	byDomain := make(map[string][]time.Duration)
	all := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		all = append(all, s.Lag)
		if s.Domain != "" {
			byDomain[s.Domain] = append(byDomain[s.Domain], s.Lag)
		}
	}
	snap := models.SkewSnapshot{
		CorpusVersion: corpusVersion,
		Domains:       make(map[string]models.LagStat, len(byDomain)),
		Global:        models.LagStat{Median: Median(all), Samples: len(all)},
		ComputedAt:    at.UTC(),
	}
	for d, lags := range byDomain {
		snap.Domains[d] = models.LagStat{Median: Median(lags), Samples: len(lags)}
	}
	return snap
}

// Median returns the median duration; for an even count the mean of the two
// middle values. It does not modify its input.
func Median(in []time.Duration) time.Duration {
	if len(in) == 0 {
		return 0
	}
	s := append([]time.Duration(nil), in...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
