package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/integrity"
	"github.com/starford/tessera/internal/pipeline"
)

type events struct{ kinds []string }

func (e *events) PublishDecision(kind, _ string, _ any) { e.kinds = append(e.kinds, kind) }

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Corpus.ID = "case-17"
	cfg.Corpus.Path = filepath.Join(dir, "corpus")
	cfg.SQLite.Path = filepath.Join(dir, "data", "tessera.db")
	cfg.Blobs.Path = filepath.Join(dir, "data", "blobs")
	return cfg
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestOpen_RequiresConfig(t *testing.T) {
	if _, err := Open(); err == nil {
		t.Error("expected error without config")
	}
}

func TestOpen_LockIsExclusive(t *testing.T) {
	cfg := testConfig(t)
	first, err := Open(WithConfig(cfg), quiet())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := Open(WithConfig(cfg), quiet()); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second Open err = %v, want ErrConflict", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	again, err := Open(WithConfig(cfg), quiet())
	if err != nil {
		t.Fatalf("reopen after Close: %v", err)
	}
	again.Close()
}

func TestOpen_IngestAndDrift(t *testing.T) {
	cfg := testConfig(t)
	ev := &events{}
	core, err := Open(WithConfig(cfg), quiet(), WithEvents(ev))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer core.Close()
	ctx := context.Background()

	eml := "From: Alice <alice@x.org>\r\nTo: bob@y.com\r\nSubject: Stock\r\n" +
		"Message-ID: <s1@x.org>\r\nDate: Mon, 02 Mar 2026 09:00:00 +0000\r\n\r\n" +
		"Count is 40 pallets.\r\nShip Friday.\r\n"
	if err := core.Corpus.Write("alice/Sent/s1.eml", []byte(eml)); err != nil {
		t.Fatal(err)
	}
	rep, err := core.Service.IngestFiles(ctx, []string{"alice/Sent/s1.eml"})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	res := rep.Results[0]
	if res.Outcome != pipeline.OutcomeCanonical {
		t.Fatalf("outcome = %q (%s)", res.Outcome, res.Error)
	}

	p, err := core.Integrity.IssuePointer(ctx, integrity.BodyItemID(res.MessageID), 1, 1, "anchor")
	if err != nil {
		t.Fatalf("IssuePointer: %v", err)
	}
	edited := strings.Replace(eml, "40 pallets", "41 pallets", 1)
	if err := core.Corpus.Write("alice/Sent/s1.eml", []byte(edited)); err != nil {
		t.Fatal(err)
	}
	sweep, err := core.Integrity.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sweep.Drifted != 1 {
		t.Errorf("drifted = %d, want 1", sweep.Drifted)
	}
	res2 := core.Integrity.Verify(ctx, p)
	if res2.Valid || !res2.Drift {
		t.Errorf("verify after drift = %+v", res2)
	}

	var sawDrift bool
	for _, k := range ev.kinds {
		if k == "pointer.drift" {
			sawDrift = true
		}
	}
	if !sawDrift {
		t.Errorf("events = %v, want pointer.drift", ev.kinds)
	}
}
