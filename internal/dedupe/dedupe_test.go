package dedupe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/testutil"
)

var baseHeaders = []string{
	"From: Alice <alice@example.com>",
	"To: bob@example.com",
	"Subject: Delivery update",
	"Date: Mon, 02 Mar 2026 09:00:00 +0000",
}

func input(rec store.MessageRecord) Input {
	return Input{
		ID:         rec.ID,
		MessageID:  rec.Derived.Canonical.MessageID,
		SubjectKey: rec.Derived.Canonical.SubjectKey,
		Prints:     rec.Derived.Fingerprints,
		Provenance: rec.Raw.Provenance,
	}
}

type env struct {
	db *store.DB
	d  *Deduplicator
}

func newEnv(t *testing.T) env {
	t.Helper()
	db := testutil.TestDB(t)
	return env{db: db, d: New(audit.New(db), testutil.Logger())}
}

// ingest stores rec and runs a decision on it.
func (e env) ingest(t *testing.T, rec store.MessageRecord) Outcome {
	t.Helper()
	ctx := context.Background()
	in := input(rec)
	unlock := e.d.Lock(in)
	defer unlock()
	var out Outcome
	err := e.db.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertMessage(ctx, rec); err != nil {
			return err
		}
		var err error
		out, err = e.d.Decide(ctx, q, in)
		return err
	})
	if err != nil {
		t.Fatalf("ingest %s: %v", rec.ID, err)
	}
	return out
}

func headers(extra ...string) []string {
	return append(append([]string{}, baseHeaders...), extra...)
}

func TestDecide_ReexportIsLevelAVariant(t *testing.T) {
	e := newEnv(t)
	body := "The truck leaves at noon.\n"
	m1 := testutil.Record("m1", testutil.Raw("mailbox:alice/Sent", body, headers("Message-ID: <m1@example.com>")...))
	m3 := testutil.Record("m3", testutil.Raw("mailbox:bob/Inbox", body, headers("Message-ID: <m1@example.com>")...))

	if out := e.ingest(t, m1); out.Status != models.StatusCanonical || out.CanonicalID != "m1" {
		t.Fatalf("m1 outcome = %+v", out)
	}
	out := e.ingest(t, m3)
	if out.Status != models.StatusVariant || out.CanonicalID != "m1" || out.Level != models.LevelA {
		t.Fatalf("m3 outcome = %+v", out)
	}

	rec, err := e.db.GetDedupeRecord(context.Background(), out.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.WinnerID != "m1" || rec.LoserID != "m3" || rec.Status != models.DedupeApplied {
		t.Errorf("record = %+v", rec)
	}
	ids, _ := e.db.CanonicalIDs(context.Background())
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("canonical ids = %v", ids)
	}
	// The loser's raw record is kept.
	if m, err := e.db.GetMessage(context.Background(), "m3"); err != nil || m.CanonicalID != "m1" {
		t.Errorf("loser = %+v, %v", m, err)
	}
}

func TestDecide_StrictMatchWithoutMessageID(t *testing.T) {
	e := newEnv(t)
	body := "Numbers attached.\n"
	e.ingest(t, testutil.Record("a", testutil.Raw("mailbox:a", body, headers()...)))
	out := e.ingest(t, testutil.Record("b", testutil.Raw("mailbox:b", body, headers()...)))
	if out.Level != models.LevelB || out.CanonicalID != "a" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDecide_RelaxedMatchAcrossReformatting(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, testutil.Record("a", testutil.Raw("mailbox:a", "Please   REVIEW the <b>report</b>.\n", headers()...)))
	out := e.ingest(t, testutil.Record("b", testutil.Raw("mailbox:b", "please review the report.\n",
		"From: Alice <alice@example.com>", "To: bob@example.com", "Subject: RE: Delivery update",
		"Date: Mon, 02 Mar 2026 11:00:00 +0000")))
	if out.Level != models.LevelC || out.CanonicalID != "a" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDecide_MessageIDConflictSkipsTierA(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, testutil.Record("a", testutil.Raw("mailbox:a", "First body.\n", headers("Message-ID: <dup@x>")...)))
	out := e.ingest(t, testutil.Record("b", testutil.Raw("mailbox:b", "Entirely different.\n",
		"From: carol@example.com", "Subject: Invoice", "Message-ID: <dup@x>")))
	if out.Status != models.StatusCanonical || out.CanonicalID != "b" {
		t.Fatalf("conflicting Message-ID must not merge, got %+v", out)
	}
	entries, _ := e.db.AuditBySubject(context.Background(), "b", audit.DecisionCanonical)
	if len(entries) != 1 || !strings.Contains(string(entries[0].Evidence), ReasonMIDConflict) {
		t.Errorf("skip reason not recorded: %+v", entries)
	}
}

func TestDecide_AmbiguousAndResolve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := "Same text.\n"
	a := testutil.Record("a", testutil.Raw("mailbox:a", body, headers()...))
	b := testutil.Record("b", testutil.Raw("mailbox:b", body, headers()...))
	testutil.Insert(t, e.db, a)
	testutil.Insert(t, e.db, b)

	out := e.ingest(t, testutil.Record("c", testutil.Raw("mailbox:c", body, headers()...)))
	if out.Status != models.StatusProvisional || len(out.Candidates) != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	review, _ := Review(ctx, e.db)
	if len(review) != 1 || review[0].LoserID != "c" {
		t.Fatalf("review = %+v", review)
	}
	amb, _ := e.db.AuditBySubject(ctx, "c", audit.DecisionAmbiguousMatch)
	if len(amb) != 1 || len(amb[0].Alternatives) != 2 {
		t.Errorf("ambiguous audit = %+v", amb)
	}

	if _, err := e.d.Resolve(ctx, e.db, out.RecordID, "zzz", "reviewer:kim"); apperr.KindOf(err) != apperr.MalformedInput {
		t.Errorf("expected malformed input for non-candidate, got %v", err)
	}
	res, err := e.d.Resolve(ctx, e.db, out.RecordID, "b", "reviewer:kim")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.DedupeResolved || res.Supersedes != out.RecordID {
		t.Errorf("resolved = %+v", res)
	}
	if m, _ := e.db.GetMessage(ctx, "c"); m.CanonicalID != "b" || m.Status != models.StatusVariant {
		t.Errorf("c = %s %s", m.CanonicalID, m.Status)
	}
	if review, _ := Review(ctx, e.db); len(review) != 0 {
		t.Errorf("review queue not drained: %+v", review)
	}
	if _, err := e.d.Resolve(ctx, e.db, out.RecordID, "b", "reviewer:kim"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second resolve should conflict, got %v", err)
	}
}

func TestInput_KeysSorted(t *testing.T) {
	in := Input{MessageID: "x@y", Prints: models.Fingerprints{Strict: "s", Relaxed: "r"}}
	got := in.Keys()
	want := []string{"mid:x@y", "relaxed:r", "strict:s"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("keys = %v", got)
	}
}
