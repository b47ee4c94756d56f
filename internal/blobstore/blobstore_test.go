package blobstore

import (
	"errors"
	"testing"

	"github.com/cockroachdb/pebble"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/checksum"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := testStore(t)
	sum, err := s.Put([]byte("raw message bytes"), "body")
	if err != nil {
		t.Fatal(err)
	}
	if sum != checksum.SumString("raw message bytes") {
		t.Errorf("unexpected key %s", sum)
	}
	got, err := s.Get(sum)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "raw message bytes" {
		t.Errorf("got %q", got)
	}
	m, err := s.Meta(sum)
	if err != nil || m.Kind != "body" || m.Size != 17 {
		t.Errorf("meta = %+v, %v", m, err)
	}
}

func TestPut_WriteOnce(t *testing.T) {
	s := testStore(t)
	a, _ := s.Put([]byte("x"), "first")
	b, _ := s.Put([]byte("x"), "second")
	if a != b {
		t.Error("same bytes must map to the same key")
	}
	m, _ := s.Meta(a)
	if m.Kind != "first" {
		t.Errorf("first metadata must be kept, got %q", m.Kind)
	}
	n, size, err := s.Stats()
	if err != nil || n != 1 || size != 1 {
		t.Errorf("stats = %d %d %v", n, size, err)
	}
}

func TestGet_Missing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	ok, err := s.Has("nope")
	if err != nil || ok {
		t.Errorf("has = %v %v", ok, err)
	}
}

func TestGet_DetectsCorruption(t *testing.T) {
	s := testStore(t)
	sum, _ := s.Put([]byte("original"), "body")
	if err := s.db.Set([]byte(blobPrefix+sum), []byte("tampered"), pebble.Sync); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(sum); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected corruption, got %v", err)
	}
}
