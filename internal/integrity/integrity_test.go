package integrity

import (
	"context"
	"strings"
	"testing"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/source"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/testutil"
)

const evidenceEML = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Delivery\r\n" +
	"Message-ID: <d1@example.com>\r\n" +
	"\r\n" +
	"Hi Bob,\r\n" +
	"the truck leaves at nine.\r\n" +
	"Dock 4 is reserved.\r\n" +
	"Regards, Alice\r\n"

type env struct {
	db     *store.DB
	corpus *source.Dir
	s      *Store
	drifts []DriftReport
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.TestDB(t)
	_, corpus := testutil.TestCorpus(t)
	e := &env{db: db, corpus: corpus}
	e.s = New(db, audit.New(db), Sources{Corpus: corpus, Blobs: testutil.TestBlobs(t)},
		Options{CorpusID: "case42", Rules: canon.DefaultRules()}, testutil.Logger(),
		WithDriftHook(func(r DriftReport) { e.drifts = append(e.drifts, r) }))
	return e
}

func (e *env) register(t *testing.T, path, content string) []models.ItemVersion {
	t.Helper()
	if err := e.corpus.Write(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
	raw, err := source.Load(e.corpus, path)
	if err != nil {
		t.Fatal(err)
	}
	var items []models.ItemVersion
	err = e.db.InTx(context.Background(), func(q *store.Queries) error {
		items, err = e.s.Register(context.Background(), q, "d1", raw)
		return err
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return items
}

func TestRegister_Idempotent(t *testing.T) {
	e := newEnv(t)
	items := e.register(t, "inbox/d1.eml", evidenceEML)
	if len(items) != 1 || items[0].ItemID != "msg-d1" || items[0].Origin != "file:inbox/d1.eml#text" {
		t.Fatalf("items = %+v", items)
	}
	if again := e.register(t, "inbox/d1.eml", evidenceEML); len(again) != 0 {
		t.Errorf("second register created %d versions", len(again))
	}
}

func TestIssuePointer_RoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "inbox/d1.eml", evidenceEML)

	p, err := e.s.IssuePointer(ctx, "msg-d1", 2, 3, models.RoleAnchor)
	if err != nil {
		t.Fatalf("IssuePointer: %v", err)
	}
	if p.URI == "" || p.ItemVersion != 1 || len(p.HashPrefix) != DefaultPrefixLen {
		t.Fatalf("pointer = %+v", p)
	}

	res, err := e.s.VerifyURI(ctx, p.URI)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || !res.HashMatch || !res.SourceAccessible || res.Drift || res.Reason != ReasonOK {
		t.Errorf("verify = %+v", res)
	}

	_, text, err := e.s.Text(ctx, "msg-d1")
	if err != nil {
		t.Fatal(err)
	}
	if text == "" {
		t.Error("expected normalized text")
	}
}

func TestIssuePointer_Invalid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "inbox/d1.eml", evidenceEML)

	if _, err := e.s.IssuePointer(ctx, "msg-d1", 3, 40, models.RoleAnchor); apperr.KindOf(err) != apperr.MalformedInput {
		t.Errorf("out of range: err = %v", err)
	}
	if _, err := e.s.IssuePointer(ctx, "msg-d1", 1, 1, "quote"); apperr.KindOf(err) != apperr.MalformedInput {
		t.Errorf("bad role: err = %v", err)
	}
	if _, err := e.s.IssuePointer(ctx, "msg-missing", 1, 1, models.RoleAnchor); err == nil {
		t.Error("expected error for unknown item")
	}
}

func TestDrift_SingleCharacter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "inbox/d1.eml", evidenceEML)
	p, err := e.s.IssuePointer(ctx, "msg-d1", 2, 3, models.RoleSupport)
	if err != nil {
		t.Fatal(err)
	}

	changed := strings.Replace(evidenceEML, "Dock 4", "Dock 5", 1)
	if err := e.corpus.Write("inbox/d1.eml", []byte(changed)); err != nil {
		t.Fatal(err)
	}

	res := e.s.Verify(ctx, p)
	if res.Valid || res.HashMatch || !res.Drift || res.Reason != ReasonHashMismatch {
		t.Fatalf("verify after edit = %+v", res)
	}

	rep, err := e.s.RecordDrift(ctx, "msg-d1")
	if err != nil {
		t.Fatal(err)
	}
	if rep == nil || rep.Item.Version != 2 || len(rep.Flagged) != 1 || rep.Flagged[0] != p.ID {
		t.Fatalf("drift report = %+v", rep)
	}
	if len(e.drifts) != 1 {
		t.Errorf("drift hook calls = %d", len(e.drifts))
	}

	again, err := e.s.RecordDrift(ctx, "msg-d1")
	if err != nil || again != nil {
		t.Errorf("second RecordDrift = %+v, %v", again, err)
	}

	versions, err := e.db.ItemVersions(ctx, "msg-d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || !versions[0].Deprecated || versions[1].Deprecated {
		t.Errorf("versions = %+v", versions)
	}

	review, err := e.s.Review(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(review) != 1 || review[0].Status != models.PointerReview {
		t.Errorf("review = %+v", review)
	}

	fresh, err := e.s.IssuePointer(ctx, "msg-d1", 2, 3, models.RoleSupport)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ItemVersion != 2 || fresh.HashFull == p.HashFull {
		t.Errorf("fresh pointer = %+v", fresh)
	}
	if res, _ := e.s.VerifyURI(ctx, fresh.URI); !res.Valid {
		t.Errorf("fresh verify = %+v", res)
	}

	entries, err := audit.New(e.db).ByDecision(ctx, audit.DecisionDriftDetected, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].SubjectID != "msg-d1" {
		t.Errorf("drift entries = %+v", entries)
	}
}

func TestVerify_SourceUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "inbox/d1.eml", evidenceEML)
	p, err := e.s.IssuePointer(ctx, "msg-d1", 1, 1, models.RoleContext)
	if err != nil {
		t.Fatal(err)
	}
	e.s.sources.Corpus = nil
	res := e.s.Verify(ctx, p)
	if res.Valid || res.SourceAccessible || res.Reason != ReasonSourceUnavailable {
		t.Errorf("verify = %+v", res)
	}
}

func TestVerifyURI_Unknown(t *testing.T) {
	e := newEnv(t)
	res, err := e.s.VerifyURI(context.Background(), "dep://case42/msg-d1/lines_1-2#abcdef012345")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Reason != ReasonUnknownPointer {
		t.Errorf("verify = %+v", res)
	}
	if _, err := e.s.VerifyURI(context.Background(), "http://x/y"); apperr.KindOf(err) != apperr.MalformedInput {
		t.Errorf("malformed uri: err = %v", err)
	}
}

func TestParseURI(t *testing.T) {
	u, err := ParseURI("dep://case42/msg-123/lines_4-9#ABCDEF")
	if err != nil {
		t.Fatal(err)
	}
	want := URI{CorpusID: "case42", SourceKey: "msg-123", Start: 4, End: 9, Prefix: "abcdef"}
	if u != want {
		t.Errorf("uri = %+v", u)
	}
	if u.String() != "dep://case42/msg-123/lines_4-9#abcdef" {
		t.Errorf("string = %s", u)
	}
	for _, bad := range []string{
		"dep://case42/msg-123/lines_9-4#ab",
		"dep://case42/msg-123/lines_0-1#ab",
		"dep://case42/msg-123/lines_1-2",
		"dep:///msg-123/lines_1-2#ab",
		"dep://case42/lines_1-2#ab",
	} {
		if _, err := ParseURI(bad); err == nil {
			t.Errorf("ParseURI(%q) succeeded", bad)
		}
	}
}

func TestRegisterContext(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "inbox/d1.eml", evidenceEML)

	c := models.ContextHash{ItemID: "msg-d1", Version: 1, Consumer: "bundler", AggregateID: "bundle-7", Hash: "ffee"}
	if err := e.s.RegisterContext(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := e.s.RegisterContext(ctx, c); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	got, err := e.db.ContextHashes(ctx, "msg-d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Hash != "ffee" {
		t.Errorf("context hashes = %+v", got)
	}
	c.Version = 5
	if err := e.s.RegisterContext(ctx, c); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestSweep_RecordsDrift(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "inbox/d1.eml", evidenceEML)
	if _, err := e.s.IssuePointer(ctx, "msg-d1", 2, 2, models.RoleAnchor); err != nil {
		t.Fatal(err)
	}
	if _, err := e.s.IssuePointer(ctx, "msg-d1", 3, 3, models.RoleAnchor); err != nil {
		t.Fatal(err)
	}

	rep, err := e.s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Checked != 2 || rep.Valid != 2 || len(rep.Items) != 0 {
		t.Fatalf("clean sweep = %+v", rep)
	}

	if err := e.corpus.Write("inbox/d1.eml", []byte(evidenceEML+"PS: bring gloves\r\n")); err != nil {
		t.Fatal(err)
	}
	rep, err = e.s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Appending a line leaves both ranges intact.
	if rep.Valid != 2 || rep.Drifted != 0 {
		t.Fatalf("append sweep = %+v", rep)
	}

	if err := e.corpus.Write("inbox/d1.eml", []byte(strings.Replace(evidenceEML, "at nine", "at ten", 1))); err != nil {
		t.Fatal(err)
	}
	rep, err = e.s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Drifted == 0 || len(rep.Items) != 1 || rep.Items[0] != "msg-d1" {
		t.Fatalf("drift sweep = %+v", rep)
	}
	if len(e.drifts) != 1 || len(e.drifts[0].Flagged) != 2 {
		t.Errorf("drifts = %+v", e.drifts)
	}
}

func TestSweep_RulesetChangeFlagsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "inbox/d1.eml", evidenceEML)
	p, err := e.s.IssuePointer(ctx, "msg-d1", 2, 3, models.RoleSupport)
	if err != nil {
		t.Fatal(err)
	}
	if p.RulesetHash != canon.DefaultRules().Hash() {
		t.Fatalf("ruleset hash = %q", p.RulesetHash)
	}

	rules := canon.DefaultRules()
	rules.NoiseMarkers = append(rules.NoiseMarkers, "Dock 4 is reserved.")
	s2 := New(e.db, audit.New(e.db), Sources{Corpus: e.corpus}, Options{CorpusID: "case42", Rules: rules}, testutil.Logger())

	res := s2.Verify(ctx, p)
	if res.Valid || res.Drift || res.Reason != ReasonRulesetChanged {
		t.Fatalf("verify under new rules = %+v", res)
	}

	rep, err := s2.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.RulesetChanged != 1 || rep.Drifted != 0 || len(rep.Items) != 0 {
		t.Fatalf("sweep = %+v", rep)
	}
	if len(e.drifts) != 0 {
		t.Errorf("ruleset change recorded as drift: %+v", e.drifts)
	}
	review, err := s2.Review(ctx)
	if err != nil || len(review) != 1 || review[0].ID != p.ID {
		t.Errorf("review = %+v, %v", review, err)
	}
	entries, err := audit.New(e.db).ByDecision(ctx, audit.DecisionRulesetChanged, 0)
	if err != nil || len(entries) != 1 {
		t.Errorf("ruleset entries = %d, %v", len(entries), err)
	}

	rep, err = s2.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Checked != 0 || rep.RulesetChanged != 0 {
		t.Errorf("second sweep = %+v", rep)
	}

	fresh, err := s2.IssuePointer(ctx, "msg-d1", 2, 3, models.RoleAnchor)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.RulesetHash != rules.Hash() || fresh.HashFull == p.HashFull {
		t.Errorf("fresh pointer = %+v", fresh)
	}
	if res := s2.Verify(ctx, fresh); !res.Valid {
		t.Errorf("fresh verify = %+v", res)
	}
}

func TestValidateCron(t *testing.T) {
	if err := ValidateCron(DefaultSweepCron); err != nil {
		t.Error(err)
	}
	if err := ValidateCron("every night"); err == nil {
		t.Error("expected invalid cron")
	}
}
