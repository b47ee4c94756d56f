package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/tessera/internal/checksum"
)

// Ext is the file extension picked up from the corpus.
const Ext = ".eml"

// Dir implements Provider over a local directory.
type Dir struct {
	root string
}

// NewDir creates a provider rooted at root, which must exist.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("source: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("source: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source: root is not a directory: %s", abs)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute corpus root.
func (d *Dir) Root() string { return d.root }

// safePath rejects paths that escape the root.
func (d *Dir) safePath(rel string) (string, error) {
	if rel == "" {
		return d.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("source: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(d.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("source: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, d.root+string(os.PathSeparator)) && abs != d.root {
		return "", fmt.Errorf("source: path escapes corpus root: %s", rel)
	}
	return abs, nil
}

// List walks dir and returns every .eml file sorted by path.
func (d *Dir) List(dir string) ([]Entry, error) {
	base, err := d.safePath(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = filepath.WalkDir(base, func(p string, de fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if de.IsDir() || !isEML(de.Name()) {
			return nil
		}
		rel, _ := filepath.Rel(d.root, p)
		e, err := d.Stat(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source: list: %w", err)
	}
	return out, nil
}

// Stat reads path and returns its entry.
func (d *Dir) Stat(path string) (Entry, error) {
	abs, err := d.safePath(path)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Entry{}, fmt.Errorf("source: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Entry{}, fmt.Errorf("source: read %s: %w", path, err)
	}
	return Entry{
		Path:     filepath.ToSlash(path),
		Checksum: checksum.Sum(data),
		ModTime:  info.ModTime().UTC(),
		Size:     info.Size(),
	}, nil
}

// Read returns the raw bytes of a corpus file.
func (d *Dir) Read(path string) ([]byte, error) {
	abs, err := d.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", path, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file, fsync, rename.
func (d *Dir) Write(path string, content []byte) error {
	abs, err := d.safePath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("source: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tessera-tmp-*")
	if err != nil {
		return fmt.Errorf("source: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("source: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("source: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("source: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("source: rename: %w", err)
	}
	success = true
	return nil
}

// Provenance derives the source tag for a corpus path: the mailbox folder
// the export placed it in.
func Provenance(rel string) string {
	dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel)))
	if dir == "." || dir == "" {
		return "mailbox:/"
	}
	return "mailbox:" + dir
}

// Origin returns the locator for a corpus file.
func Origin(rel string) string {
	return "file:" + filepath.ToSlash(rel)
}

func isEML(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Ext) && !strings.HasPrefix(name, ".")
}
