package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/dedupe"
	"github.com/starford/tessera/internal/integrity"
	"github.com/starford/tessera/internal/metrics"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/pipeline"
	"github.com/starford/tessera/internal/source"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/testutil"
	"github.com/starford/tessera/internal/threading"
)

const parentEML = "From: Alice <alice@x.org>\r\n" +
	"To: bob@y.com\r\n" +
	"Subject: Delivery\r\n" +
	"Message-ID: <m1@x.org>\r\n" +
	"Date: Mon, 02 Mar 2026 09:00:00 +0000\r\n" +
	"\r\n" +
	"Hi Bob,\r\nthe delivery is scheduled for Thursday.\r\nThe truck arrives at dock 4.\r\n"

const replyEML = "From: Bob <bob@y.com>\r\n" +
	"To: alice@x.org\r\n" +
	"Subject: Re: Delivery\r\n" +
	"Message-ID: <m2@y.com>\r\n" +
	"In-Reply-To: <m1@x.org>\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"\r\n" +
	"Thanks, we will be there.\r\n"

func newService(t *testing.T) *Service {
	t.Helper()
	db := testutil.TestDB(t)
	_, corpus := testutil.TestCorpus(t)
	ledger := audit.New(db)
	logger := testutil.Logger()
	m := metrics.New()
	integ := integrity.New(db, ledger, integrity.Sources{Corpus: corpus, Blobs: testutil.TestBlobs(t)},
		integrity.Options{CorpusID: "test", Rules: canon.DefaultRules()}, logger)
	dd := dedupe.New(ledger, logger)
	th := threading.New(ledger, logger, threading.Options{})
	p, err := pipeline.New(pipeline.Deps{
		DB: db, Ledger: ledger, Dedupe: dd, Threads: th, Integrity: integ, Metrics: m,
	}, pipeline.Options{Workers: 2, Rules: canon.DefaultRules()}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return New(Deps{
		DB: db, Ledger: ledger, Dedupe: dd, Threads: th, Integrity: integ,
		Pipeline: p, Corpus: corpus, Metrics: m,
	}, logger)
}

func upload(t *testing.T, s *Service, mailbox, name, data string) pipeline.Result {
	t.Helper()
	rep, err := s.Upload(context.Background(), mailbox, name, []byte(data))
	if err != nil {
		t.Fatalf("Upload %s: %v", name, err)
	}
	if len(rep.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(rep.Results))
	}
	if rep.Results[0].Error != "" {
		t.Fatalf("upload %s failed: %s", name, rep.Results[0].Error)
	}
	return rep.Results[0]
}

func TestUpload_IssueAndVerify(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	res := upload(t, s, "alice/Inbox", "m1.eml", parentEML)

	p, err := s.IssuePointer(ctx, PointerRequest{SourceKey: integrity.BodyItemID(res.MessageID), StartLine: 2, EndLine: 3})
	if err != nil {
		t.Fatalf("IssuePointer: %v", err)
	}
	if p.Role != models.RoleSupport {
		t.Errorf("role = %q, want default support", p.Role)
	}

	results, err := s.Verify(ctx, []string{p.URI, "not a uri", "dep://test/msg-0/lines_1-1#abcdef"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !results[0].Valid || results[0].Reason != integrity.ReasonOK {
		t.Errorf("issued pointer: %+v", results[0])
	}
	for _, r := range results[1:] {
		if r.Valid || r.Reason != integrity.ReasonUnknownPointer {
			t.Errorf("unknown pointer: %+v", r)
		}
	}

	byID, err := s.VerifyPointer(ctx, p.ID)
	if err != nil || !byID.Valid {
		t.Errorf("VerifyPointer = %+v, %v", byID, err)
	}
	if _, err := s.VerifyPointer(ctx, p.ID+100); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing pointer err = %v", err)
	}
}

func TestUpload_Rejections(t *testing.T) {
	s := newService(t)
	upload(t, s, "", "m1.eml", parentEML)

	// Same bytes again replays.
	rep, err := s.Upload(context.Background(), "", "m1.eml", []byte(parentEML))
	if err != nil {
		t.Fatalf("replay upload: %v", err)
	}
	if rep.Results[0].Outcome != pipeline.OutcomeReplay {
		t.Errorf("outcome = %q, want replay", rep.Results[0].Outcome)
	}

	if _, err := s.Upload(context.Background(), "", "m1.eml", []byte(replyEML)); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("overwrite err = %v, want ErrAlreadyExists", err)
	}
	for _, name := range []string{"", "../x.eml", ".hidden.eml", "notes.txt"} {
		if _, err := s.Upload(context.Background(), "", name, []byte(parentEML)); apperr.KindOf(err) != apperr.MalformedInput {
			t.Errorf("name %q err = %v, want MalformedInput", name, err)
		}
	}
	if _, err := s.Upload(context.Background(), "../escape", "a.eml", []byte(parentEML)); apperr.KindOf(err) != apperr.MalformedInput {
		t.Errorf("mailbox escape err = %v", err)
	}
}

func TestMessageThreadAndExport(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	parent := upload(t, s, "alice/Sent", "m1.eml", parentEML)
	child := upload(t, s, "bob/Inbox", "m2.eml", replyEML)

	view, err := s.Message(ctx, child.MessageID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if view.Link == nil || view.Link.ParentID != parent.CanonicalID {
		t.Errorf("link = %+v, want parent %s", view.Link, parent.CanonicalID)
	}
	if len(view.Items) == 0 {
		t.Error("expected registered evidence items")
	}

	th, err := s.Thread(ctx, child.MessageID)
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if th.ID != parent.CanonicalID || len(th.Members) != 2 {
		t.Errorf("thread = %s with %d members", th.ID, len(th.Members))
	}

	ex, err := s.ExplainLink(ctx, child.CanonicalID)
	if err != nil || ex.Current == nil || len(ex.Entries) == 0 {
		t.Errorf("ExplainLink = %+v, %v", ex, err)
	}

	entries, err := s.Audit(ctx, child.MessageID)
	if err != nil || len(entries) == 0 {
		t.Errorf("Audit = %d entries, %v", len(entries), err)
	}
	if _, err := s.Audit(ctx, ""); apperr.KindOf(err) != apperr.MalformedInput {
		t.Errorf("empty subject err = %v", err)
	}

	q, err := s.Review(ctx)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if len(q.Dedupe)+len(q.Links)+len(q.Pointers) != 0 {
		t.Errorf("review queue not empty: %+v", q)
	}

	out, err := source.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ids, err := s.Export(ctx, out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(ids) != 1 || ids[0] != parent.CanonicalID {
		t.Fatalf("exported %v", ids)
	}
	data, err := out.Read("thread-" + ids[0] + ".json")
	if err != nil {
		t.Fatal(err)
	}
	var doc ExportFile
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if len(doc.Thread.Members) != 2 || len(doc.Audit) == 0 || len(doc.Items) == 0 {
		t.Errorf("export doc incomplete: members=%d audit=%d items=%d",
			len(doc.Thread.Members), len(doc.Audit), len(doc.Items))
	}
}

func TestDedupe_UnknownMessage(t *testing.T) {
	s := newService(t)
	if _, err := s.Dedupe(context.Background(), "404"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// archived stores eml under id as its own canonical record, the way an
// earlier import would have left it.
func archived(t *testing.T, db *store.DB, id, eml string) {
	t.Helper()
	raw, err := source.ParseEML([]byte(eml))
	if err != nil {
		t.Fatal(err)
	}
	raw.Provenance = "archive/" + id + ".eml"
	raw.Origin = "archive"
	testutil.Insert(t, db, testutil.Record(id, raw))
}

func TestResolveDedupe_MovesReplies(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	archived(t, s.deps.DB, "w", strings.Replace(parentEML, "<m1@x.org>", "<w@x.org>", 1))
	archived(t, s.deps.DB, "x", strings.Replace(parentEML, "<m1@x.org>", "<x@x.org>", 1))

	parent := upload(t, s, "alice/Sent", "m1.eml", parentEML)
	if parent.Outcome != pipeline.OutcomeProvisional {
		t.Fatalf("parent outcome = %q, want provisional", parent.Outcome)
	}
	child := upload(t, s, "bob/Inbox", "m2.eml", replyEML)
	if l, err := s.deps.DB.CurrentLink(ctx, child.CanonicalID); err != nil || l.ParentID != parent.MessageID {
		t.Fatalf("reply link = %+v, %v", l, err)
	}

	q, err := s.Review(ctx)
	if err != nil || len(q.Dedupe) != 1 {
		t.Fatalf("review = %+v, %v", q, err)
	}
	rec, err := s.ResolveDedupe(ctx, q.Dedupe[0].ID, "w", "reviewer:kim")
	if err != nil {
		t.Fatalf("ResolveDedupe: %v", err)
	}
	if rec.WinnerID != "w" || rec.LoserID != parent.MessageID {
		t.Fatalf("record = %+v", rec)
	}

	th, err := s.Thread(ctx, "w")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if th.ID != "w" || len(th.Members) != 2 {
		t.Fatalf("thread = %s with %d members", th.ID, len(th.Members))
	}
	var found bool
	for _, m := range th.Members {
		found = found || m.ID == child.MessageID
	}
	if !found {
		t.Errorf("reply %s missing from thread of w", child.MessageID)
	}

	l, err := s.deps.DB.CurrentLink(ctx, child.CanonicalID)
	if err != nil || l.ParentID != "w" || l.Evidence.PreviousParentID != parent.MessageID {
		t.Errorf("reply link after resolve = %+v, %v", l, err)
	}
	if kids, _ := s.deps.DB.Children(ctx, parent.MessageID); len(kids) != 0 {
		t.Errorf("variant still has children %v", kids)
	}
	if _, err := s.deps.DB.CurrentLink(ctx, parent.MessageID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("variant link not retired: %v", err)
	}
	ex, err := s.ExplainLink(ctx, parent.MessageID)
	if err != nil || ex.Current != nil || len(ex.History) == 0 {
		t.Errorf("explain retired = %+v, %v", ex, err)
	}
	retired, _ := s.deps.DB.AuditBySubject(ctx, parent.MessageID, audit.DecisionLinkRetired)
	if len(retired) != 1 {
		t.Errorf("retired audit entries = %d, want 1", len(retired))
	}
}

func TestResolveDedupe_KeepSeparateLeavesThread(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	archived(t, s.deps.DB, "w", strings.Replace(parentEML, "<m1@x.org>", "<w@x.org>", 1))
	archived(t, s.deps.DB, "x", strings.Replace(parentEML, "<m1@x.org>", "<x@x.org>", 1))
	parent := upload(t, s, "alice/Sent", "m1.eml", parentEML)
	child := upload(t, s, "bob/Inbox", "m2.eml", replyEML)

	q, err := s.Review(ctx)
	if err != nil || len(q.Dedupe) != 1 {
		t.Fatalf("review = %+v, %v", q, err)
	}
	if _, err := s.ResolveDedupe(ctx, q.Dedupe[0].ID, parent.MessageID, "reviewer:kim"); err != nil {
		t.Fatalf("ResolveDedupe: %v", err)
	}
	th, err := s.Thread(ctx, child.MessageID)
	if err != nil || th.ID != parent.MessageID || len(th.Members) != 2 {
		t.Errorf("thread = %+v, %v", th, err)
	}
}
