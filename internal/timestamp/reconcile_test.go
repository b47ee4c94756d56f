package timestamp

import (
	"testing"
	"time"

	"github.com/starford/tessera/internal/models"
)

var base = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func message(date time.Time, hops ...time.Time) *models.CanonicalMessage {
	cm := &models.CanonicalMessage{
		SentTS:       date,
		Participants: []models.Participant{{Role: models.RoleFrom, Address: "alice@example.org"}},
	}
	for _, h := range hops {
		cm.ReceivedChain = append(cm.ReceivedChain, models.ReceivedHop{Time: h})
	}
	return cm
}

func TestReconcile_HeaderAccepted(t *testing.T) {
	cm := message(base, base.Add(2*time.Minute), base.Add(30*time.Second))
	r := Reconcile(cm, time.Time{}, nil, Options{})
	if r.Reason != models.TSHeaderAccepted || !r.Canonical.Equal(base) {
		t.Errorf("got %s %v", r.Reason, r.Canonical)
	}
	if r.Evidence.Delta != 30*time.Second {
		t.Errorf("delta = %v", r.Evidence.Delta)
	}
}

func TestReconcile_SkewAdjustedByDomain(t *testing.T) {
	snap := &models.SkewSnapshot{
		ID:      7,
		Domains: map[string]models.LagStat{"example.org": {Median: 40 * time.Second, Samples: 3}},
		Global:  models.LagStat{Median: 10 * time.Second, Samples: 9},
	}
	hop := base.Add(time.Hour)
	cm := message(base, hop)
	r := Reconcile(cm, time.Time{}, snap, Options{})

	if r.Reason != models.TSSkewAdjusted {
		t.Fatalf("reason = %s", r.Reason)
	}
	if !r.Canonical.Equal(hop.Add(-40 * time.Second)) {
		t.Errorf("canonical = %v", r.Canonical)
	}
	if r.Evidence.SnapshotID != 7 || r.Evidence.LagScope != "domain:example.org" || r.Evidence.LagSamples != 3 {
		t.Errorf("evidence = %+v", r.Evidence)
	}
	if !r.Evidence.Date.Equal(base) {
		t.Error("raw Date must be kept in evidence")
	}
}

func TestReconcile_SkewAdjustedGlobalAndMissingDate(t *testing.T) {
	snap := &models.SkewSnapshot{Global: models.LagStat{Median: 10 * time.Second, Samples: 2}}
	cm := message(time.Time{}, base)
	r := Reconcile(cm, time.Time{}, snap, Options{})
	if r.Reason != models.TSSkewAdjusted || !r.Canonical.Equal(base.Add(-10*time.Second)) {
		t.Errorf("got %s %v", r.Reason, r.Canonical)
	}
	if r.Evidence.LagScope != "global" {
		t.Errorf("scope = %s", r.Evidence.LagScope)
	}
}

func TestReconcile_HeaderUnverified(t *testing.T) {
	ft := base.Add(time.Hour)
	r := Reconcile(message(base), ft, nil, Options{})
	if r.Reason != models.TSHeaderUnverified || !r.Canonical.Equal(base) {
		t.Errorf("got %s %v", r.Reason, r.Canonical)
	}
	if r.Evidence.Fallback != models.TSFallbackFileTime || !r.Evidence.FileTime.Equal(ft) {
		t.Errorf("fallback evidence = %s %v", r.Evidence.Fallback, r.Evidence.FileTime)
	}
	if !r.Evidence.Date.Equal(base) {
		t.Error("raw Date must be kept in evidence")
	}
}

func TestReconcile_FallbackFileTime(t *testing.T) {
	ft := base.Add(48 * time.Hour)
	r := Reconcile(message(time.Time{}), ft, nil, Options{})
	if r.Reason != models.TSFallbackFileTime || !r.Canonical.Equal(ft) {
		t.Errorf("got %s %v", r.Reason, r.Canonical)
	}
	r = Reconcile(message(time.Time{}), time.Time{}, nil, Options{})
	if !r.Canonical.IsZero() || len(r.Evidence.Flags) != 2 {
		t.Errorf("expected no time source, got %+v", r)
	}
}

func TestReconcile_ImplausibleHopIgnored(t *testing.T) {
	cm := message(base, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	r := Reconcile(cm, time.Time{}, nil, Options{})
	if r.Reason != models.TSHeaderUnverified {
		t.Errorf("reason = %s", r.Reason)
	}
}

func TestBuildSnapshot_Deterministic(t *testing.T) {
	samples := []Sample{
		{Domain: "a.org", Lag: 30 * time.Second},
		{Domain: "a.org", Lag: 10 * time.Second},
		{Domain: "b.org", Lag: 5 * time.Second},
		{Domain: "a.org", Lag: 20 * time.Second},
	}
	s1 := BuildSnapshot("v1", samples, base)
	reversed := []Sample{samples[3], samples[2], samples[1], samples[0]}
	s2 := BuildSnapshot("v1", reversed, base)

	if s1.Domains["a.org"] != s2.Domains["a.org"] || s1.Global != s2.Global {
		t.Error("snapshot must not depend on sample order")
	}
	if s1.Domains["a.org"].Median != 20*time.Second {
		t.Errorf("a.org median = %v", s1.Domains["a.org"].Median)
	}
	if s1.Global.Median != 15*time.Second || s1.Global.Samples != 4 {
		t.Errorf("global = %+v", s1.Global)
	}
}

func TestSampleOf(t *testing.T) {
	cm := message(base, base.Add(45*time.Second))
	r := Reconcile(cm, time.Time{}, nil, Options{})
	s, ok := SampleOf(cm, r)
	if !ok || s.Lag != 45*time.Second || s.Domain != "example.org" {
		t.Errorf("sample = %+v %v", s, ok)
	}
	if _, ok := SampleOf(cm, Result{Reason: models.TSSkewAdjusted}); ok {
		t.Error("only header_accepted messages contribute samples")
	}
}
