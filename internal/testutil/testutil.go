// Package testutil provides shared test helpers for stores, corpora and
// prepared message records.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/starford/tessera/internal/blobstore"
	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/fingerprint"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/source"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/timestamp"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "tessera-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestBlobs creates a temporary blob store.
func TestBlobs(t *testing.T) *blobstore.Store {
	t.Helper()
	b, err := blobstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// TestCorpus creates a temporary corpus directory.
func TestCorpus(t *testing.T) (string, *source.Dir) {
	t.Helper()
	dir := t.TempDir()
	d, err := source.NewDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, d
}

// Logger returns a logger that discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Raw builds a raw record from header lines and a plain-text body.
func Raw(provenance string, body string, headers ...string) models.RawMessage {
	return models.RawMessage{
		HeadersRaw: []byte(strings.Join(headers, "\r\n") + "\r\n"),
		BodyText:   []byte(body),
		Provenance: provenance,
		Origin:     "file:" + strings.TrimPrefix(provenance, "mailbox:") + "/test.eml",
		FileTime:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Record prepares raw the way ingestion does, with default rules and no
// skew snapshot.
func Record(id string, raw models.RawMessage) store.MessageRecord {
	cm := canon.Canonicalize(raw, canon.DefaultRules())
	res := timestamp.Reconcile(&cm, raw.FileTime, nil, timestamp.Options{})
	sum := canon.SourceHash(raw)
	return store.MessageRecord{
		ID:         id,
		IngestKey:  canon.IngestKey(sum, raw.Provenance),
		SourceHash: sum,
		Raw:        raw,
		IngestedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Derived: store.Derived{
			Canonical:    cm,
			SentTS:       res.Canonical,
			TSReason:     res.Reason,
			TSEvidence:   res.Evidence,
			SenderDomain: timestamp.SenderDomain(&cm),
			Fingerprints: fingerprint.Compute(&cm, res.Canonical, fingerprint.Options{}),
		},
	}
}

// Insert stores rec as its own canonical record.
func Insert(t *testing.T, db *store.DB, rec store.MessageRecord) {
	t.Helper()
	err := db.InTx(context.Background(), func(q *store.Queries) error {
		if err := q.InsertMessage(context.Background(), rec); err != nil {
			return err
		}
		_, err := q.Assign(context.Background(), store.Assignment{
			MessageID: rec.ID, CanonicalID: rec.ID, Status: models.StatusCanonical,
		}, rec.IngestedAt)
		return err
	})
	if err != nil {
		t.Fatalf("insert %s: %v", rec.ID, err)
	}
}
