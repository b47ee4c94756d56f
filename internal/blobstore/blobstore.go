// Package blobstore keeps raw artifact bytes in pebble, addressed by their
// SHA-256. Keys are written once; a second Put of the same bytes is a no-op.
package blobstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/checksum"
)

const (
	blobPrefix = "blob:"
	metaPrefix = "meta:"
)

// ErrCorrupt is returned when stored bytes no longer hash to their key.
var ErrCorrupt = errors.New("blob content does not match its hash")

// Meta describes a stored blob.
type Meta struct {
	Size      int64     `json:"size"`
	Kind      string    `json:"kind"`
	FirstSeen time.Time `json:"first_seen"`
}

// Store is a pebble-backed content-addressed store.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores data and returns its hash. kind is a free-form label recorded
// the first time the bytes are seen.
func (s *Store) Put(data []byte, kind string) (string, error) {
	sum := checksum.Sum(data)
	ok, err := s.Has(sum)
	if err != nil {
		return "", err
	}
	if ok {
		return sum, nil
	}
	meta, _ := json.Marshal(Meta{Size: int64(len(data)), Kind: kind, FirstSeen: time.Now().UTC()})

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(blobPrefix+sum), data, nil); err != nil {
		return "", fmt.Errorf("blobstore: put: %w", err)
	}
	if err := b.Set([]byte(metaPrefix+sum), meta, nil); err != nil {
		return "", fmt.Errorf("blobstore: put meta: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("blobstore: commit: %w", err)
	}
	return sum, nil
}

// Get returns the bytes stored under sum after re-checking their hash.
func (s *Store) Get(sum string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(blobPrefix + sum))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("blobstore: get %s: %w", sum, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", sum, err)
	}
	defer closer.Close()
	out := bytes.Clone(v)
	if checksum.Sum(out) != sum {
		return out, fmt.Errorf("blobstore: get %s: %w", sum, ErrCorrupt)
	}
	return out, nil
}

// Has reports whether sum is stored.
func (s *Store) Has(sum string) (bool, error) {
	_, closer, err := s.db.Get([]byte(blobPrefix + sum))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blobstore: has %s: %w", sum, err)
	}
	closer.Close()
	return true, nil
}

// Meta returns the metadata recorded for sum.
func (s *Store) Meta(sum string) (*Meta, error) {
	v, closer, err := s.db.Get([]byte(metaPrefix + sum))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("blobstore: meta %s: %w", sum, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: meta %s: %w", sum, err)
	}
	defer closer.Close()
	var m Meta
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("blobstore: decode meta %s: %w", sum, err)
	}
	return &m, nil
}

// Stats counts stored blobs and their total size.
func (s *Store) Stats() (count int, size int64, err error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(metaPrefix),
		UpperBound: []byte(metaPrefix + "\xff"),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("blobstore: stats: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), metaPrefix) {
			break
		}
		var m Meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		count++
		size += m.Size
	}
	return count, size, iter.Error()
}

// Origin returns the locator for a blob-backed item.
func Origin(sum string) string {
	return "blob:" + sum
}
