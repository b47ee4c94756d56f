package source

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const sampleEML = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Report\r\n" +
	"Message-ID: <m1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please see attached.\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0=\r\n" +
	"--XYZ--\r\n"

func tempCorpus(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	return d
}

func TestParseEML_Multipart(t *testing.T) {
	raw, err := ParseEML([]byte(sampleEML))
	if err != nil {
		t.Fatalf("ParseEML: %v", err)
	}
	if !strings.HasPrefix(string(raw.HeadersRaw), "From: Alice") || !strings.Contains(string(raw.HeadersRaw), "boundary=XYZ\r\n") {
		t.Errorf("headers not preserved: %q", raw.HeadersRaw)
	}
	if strings.TrimSpace(string(raw.BodyText)) != "Please see attached." {
		t.Errorf("body = %q", raw.BodyText)
	}
	if len(raw.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(raw.Attachments))
	}
	a := raw.Attachments[0]
	if a.Name != "report.pdf" || string(a.Data) != "%PDF-" || a.SourceHash == "" {
		t.Errorf("attachment = %+v", a)
	}
}

func TestParseEML_PlainLF(t *testing.T) {
	raw, err := ParseEML([]byte("Subject: hi\nFrom: a@x.org\n\nline one\nline two\n"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw.HeadersRaw) != "Subject: hi\nFrom: a@x.org\n" {
		t.Errorf("headers = %q", raw.HeadersRaw)
	}
	if string(raw.BodyText) != "line one\nline two\n" {
		t.Errorf("body = %q", raw.BodyText)
	}
}

func TestParseEML_NoHeaders(t *testing.T) {
	if _, err := ParseEML([]byte("")); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestDir_WriteListLoad(t *testing.T) {
	d := tempCorpus(t)
	if err := d.Write("alice/Inbox/1.eml", []byte(sampleEML)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = d.Write("alice/Inbox/notes.txt", []byte("ignored"))

	entries, err := d.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "alice/Inbox/1.eml" {
		t.Fatalf("entries = %+v", entries)
	}
	raw, err := Load(d, entries[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Provenance != "mailbox:alice/Inbox" || raw.Origin != "file:alice/Inbox/1.eml" {
		t.Errorf("provenance/origin = %s %s", raw.Provenance, raw.Origin)
	}
	if raw.FileTime.IsZero() {
		t.Error("file time not set")
	}
}

func TestDir_RejectsTraversal(t *testing.T) {
	d := tempCorpus(t)
	if _, err := d.Read("../../etc/passwd"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if err := d.Write("/abs.eml", []byte("x")); err == nil {
		t.Error("expected absolute path to be rejected")
	}
}

func TestWatch_ReportsSettledFiles(t *testing.T) {
	root := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	go Watch(ctx, root, logger, func(p string) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(root, "drop.eml"), []byte(sampleEML), 0o644)
	_ = os.WriteFile(filepath.Join(root, "skip.txt"), []byte("x"), 0o644)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "drop.eml" {
		t.Errorf("reported = %v", got)
	}
}
