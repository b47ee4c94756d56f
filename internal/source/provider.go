// Package source reads mailbox exports from a corpus directory.
package source

import "time"

// Entry describes one .eml file in the corpus.
type Entry struct {
	Path     string    `json:"path"`
	Checksum string    `json:"checksum"`
	ModTime  time.Time `json:"mod_time"`
	Size     int64     `json:"size"`
}

// Provider is the interface for corpus file operations.
type Provider interface {
	// List returns every .eml file under dir (relative to the corpus root).
	List(dir string) ([]Entry, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Stat returns the entry for a single file.
	Stat(path string) (Entry, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
}
