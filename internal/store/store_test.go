package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "tessera-store-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var now = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func record(id, subject, strict string) MessageRecord {
	return MessageRecord{
		ID:         id,
		IngestKey:  "key-" + id,
		SourceHash: "src-" + id,
		Raw: models.RawMessage{
			HeadersRaw: []byte("Subject: " + subject + "\r\n"),
			BodyText:   []byte("body of " + id),
			Provenance: "mailbox:test",
		},
		IngestedAt: now,
		Derived: Derived{
			Canonical: models.CanonicalMessage{
				MessageID:  id + "@example.org",
				SubjectKey: subject,
				Attachments: []models.AttachmentInfo{
					{Name: "a.txt", ContentHash: "h", Size: 1},
				},
			},
			SentTS:       now,
			TSReason:     models.TSHeaderAccepted,
			Fingerprints: models.Fingerprints{Strict: strict, Relaxed: "relaxed-" + strict, HeadAnchor: "head-" + id},
		},
	}
}

func insert(t *testing.T, db *DB, rec MessageRecord, canonicalID, status string) {
	t.Helper()
	ctx := context.Background()
	err := db.InTx(ctx, func(q *Queries) error {
		if err := q.InsertMessage(ctx, rec); err != nil {
			return err
		}
		_, err := q.Assign(ctx, Assignment{MessageID: rec.ID, CanonicalID: canonicalID, Status: status}, now)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	dbFile, err := os.CreateTemp("", "tessera-store-reopen-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	defer os.Remove(dbFile.Name())

	for i := 0; i < 2; i++ {
		db, err := Open(dbFile.Name())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		db.Close()
	}
}

func TestMessages_RawImmutable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert(t, db, record("m1", "delivery", "s1"), "m1", models.StatusCanonical)

	_, err := db.conn.ExecContext(ctx, `UPDATE messages SET body_raw = 'changed' WHERE id = 'm1'`)
	if err == nil {
		t.Fatal("expected update to be rejected")
	}
	_, err = db.conn.ExecContext(ctx, `DELETE FROM messages WHERE id = 'm1'`)
	if err == nil {
		t.Fatal("expected delete to be rejected")
	}
	_, err = db.conn.ExecContext(ctx, `UPDATE message_versions SET strict_hash = 'x' WHERE message_id = 'm1'`)
	if err == nil {
		t.Fatal("expected version rewrite to be rejected")
	}
}

func TestMessages_GetWithVariants(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert(t, db, record("m1", "delivery", "s1"), "m1", models.StatusCanonical)
	insert(t, db, record("m3", "delivery", "s1"), "m1", models.StatusVariant)

	m, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.CanonicalID != "m1" || len(m.VariantIDs) != 1 || m.VariantIDs[0] != "m3" {
		t.Errorf("message = %+v", m)
	}
	if m.BodyRaw != "body of m1" || m.Canonical.SubjectKey != "delivery" || !m.SentTS.Equal(now) {
		t.Errorf("fields not round-tripped: %+v", m)
	}

	v, err := db.GetMessage(ctx, "m3")
	if err != nil {
		t.Fatal(err)
	}
	if v.CanonicalID != "m1" || v.Status != models.StatusVariant {
		t.Errorf("variant = %+v", v)
	}

	if _, err := db.GetMessage(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMessages_AppendVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := record("m1", "delivery", "s1")
	insert(t, db, rec, "m1", models.StatusCanonical)

	d := rec.Derived
	d.Fingerprints.Strict = "s1-v2"
	var version int
	err := db.InTx(ctx, func(q *Queries) error {
		var err error
		version, err = q.AppendVersion(ctx, "m1", d, now)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Errorf("version = %d", version)
	}
	m, _ := db.GetMessage(ctx, "m1")
	if m.Version != 2 || m.Fingerprints.Strict != "s1-v2" {
		t.Errorf("current version = %d %s", m.Version, m.Fingerprints.Strict)
	}
	var n int
	db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_versions WHERE message_id = 'm1'`).Scan(&n)
	if n != 2 {
		t.Errorf("expected old version kept, got %d rows", n)
	}
}

func TestCanonicalsBy(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert(t, db, record("m1", "delivery", "s1"), "m1", models.StatusCanonical)
	insert(t, db, record("m2", "delivery", "s2"), "m2", models.StatusCanonical)
	insert(t, db, record("m3", "delivery", "s1"), "m1", models.StatusVariant)

	ids, err := db.CanonicalsBy(ctx, "strict", "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("strict candidates = %v", ids)
	}
	ids, _ = db.CanonicalsBy(ctx, "message_id", "m3@example.org", "")
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("variant message id must resolve to its canonical, got %v", ids)
	}
	ids, _ = db.CanonicalsBy(ctx, "anchor", "head-m2", "m2")
	if len(ids) != 0 {
		t.Errorf("excluded id returned: %v", ids)
	}
	if _, err := db.CanonicalsBy(ctx, "body", "x", ""); err == nil {
		t.Error("expected unknown column error")
	}

	subj, err := db.CanonicalsBySubject(ctx, "delivery", now.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(subj) != 2 {
		t.Errorf("subject candidates = %d", len(subj))
	}
}

func TestLinks_Supersede(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var first, second models.Link
	err := db.InTx(ctx, func(q *Queries) error {
		var err error
		first, err = q.InsertLink(ctx, models.Link{ChildID: "c", State: models.StateOrphan, Confidence: models.ConfidenceNone, CreatedAt: now})
		if err != nil {
			return err
		}
		second, err = q.InsertLink(ctx, models.Link{
			ChildID: "c", ParentID: "p", State: models.StateLinked,
			Methods:      []models.Method{models.MethodInReplyTo},
			Confidence:   models.ConfidenceHighest,
			Alternatives: []models.Alternative{{CandidateID: "x", Reason: "lower_precedence"}},
			CreatedAt:    now,
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != 2 || second.Supersedes != first.ID {
		t.Errorf("second = %+v", second)
	}
	cur, err := db.CurrentLink(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if cur.ParentID != "p" || len(cur.Alternatives) != 1 {
		t.Errorf("current = %+v", cur)
	}
	hist, _ := db.LinkHistory(ctx, "c")
	if len(hist) != 2 || !hist[0].Deprecated {
		t.Errorf("history = %+v", hist)
	}
	kids, _ := db.Children(ctx, "p")
	if len(kids) != 1 || kids[0] != "c" {
		t.Errorf("children = %v", kids)
	}
	if _, err := db.conn.ExecContext(ctx, `UPDATE links SET deprecated = 0 WHERE id = ?`, first.ID); err == nil {
		t.Error("expected un-deprecating to be rejected")
	}
}

func TestAudit_AppendOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seq, err := db.AppendAudit(ctx, models.AuditEntry{
		Actor: "threading", Decision: "link", SubjectID: "c", RelatedIDs: []string{"p"},
		Evidence: []byte(`{"method":"InReplyTo"}`), CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.conn.ExecContext(ctx, `UPDATE audit_entries SET decision = 'x' WHERE seq = ?`, seq); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM audit_entries WHERE seq = ?`, seq); err == nil {
		t.Error("expected delete to be rejected")
	}
	byRelated, _ := db.AuditFor(ctx, "p")
	if len(byRelated) != 1 || byRelated[0].SubjectID != "c" {
		t.Errorf("by related = %+v", byRelated)
	}
	bySubject, _ := db.AuditBySubject(ctx, "c", "link")
	if len(bySubject) != 1 || string(bySubject[0].Evidence) != `{"method":"InReplyTo"}` {
		t.Errorf("by subject = %+v", bySubject)
	}
}

func TestPointers_FlagForReview(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p, err := db.InsertPointer(ctx, models.IntegrityPointer{
		CorpusID: "case1", SourceKey: "msg-1", ItemVersion: 1, StartLine: 1, EndLine: 2,
		HashFull: "abcdef0123456789", HashPrefix: "abcdef0123", Role: models.RoleAnchor, CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	again, err := db.InsertPointer(ctx, *p)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != p.ID {
		t.Error("expected identical pointer to be reused")
	}
	found, _ := db.FindPointers(ctx, "case1", "msg-1", 1, 2, "abcdef")
	if len(found) != 1 {
		t.Errorf("found = %v", found)
	}

	ids, err := db.FlagPointersForReview(ctx, "msg-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("flagged = %v", ids)
	}
	got, _ := db.GetPointer(ctx, p.ID)
	if got.Status != models.PointerReview {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := db.conn.ExecContext(ctx, `UPDATE pointers SET status = 'active' WHERE id = ?`, p.ID); err == nil {
		t.Error("expected review to be final")
	}
}

func TestSnapshots_RoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s, err := db.InsertSnapshot(ctx, models.SkewSnapshot{
		CorpusVersion: "3:m3",
		Domains:       map[string]models.LagStat{"example.org": {Median: time.Minute, Samples: 2}},
		Global:        models.LagStat{Median: time.Minute, Samples: 2},
		ComputedAt:    now,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.GetSnapshot(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Domains["example.org"].Median != time.Minute || got.CorpusVersion != "3:m3" {
		t.Errorf("snapshot = %+v", got)
	}
}
