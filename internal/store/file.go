package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"licensed/internal/license"
)

// document is the on-disk layout of licenses.json.
type document struct {
	Licenses []license.License `json:"licenses"`
}

// FileSnapshotter keeps the collection in a single JSON document that is
// replaced atomically on every save.
type FileSnapshotter struct {
	path string
	mu   sync.Mutex
}

// NewFileSnapshotter creates a snapshotter for path.
func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{path: path}
}

// Load reads the document. A missing file is an empty collection.
func (f *FileSnapshotter) Load(ctx context.Context) ([]license.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return doc.Licenses, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the document.
func (f *FileSnapshotter) Save(ctx context.Context, licenses []license.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if licenses == nil {
		licenses = []license.License{}
	}

	data, err := json.MarshalIndent(document{Licenses: licenses}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding licenses: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".licenses-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.path, err)
	}
	return nil
}

// Ping checks that the document directory is reachable.
func (f *FileSnapshotter) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

// Close is a no-op.
func (f *FileSnapshotter) Close() error { return nil }
