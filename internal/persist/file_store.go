package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore writes documents as owner-only JSON files replaced atomically.
// Params: base directory.
// Returns: file-backed document store.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates base directory when missing.
// Params: directory for documents.
// Returns: store or mkdir error.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("persist dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create persist dir %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns file location for document name.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads one document file.
// Params: document name.
// Returns: file body or ErrNotFound.
func (s *FileStore) Load(_ context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return body, nil
}

// Save writes temp file next to target then renames over it.
// Params: document name and body.
// Returns: write/sync/rename error.
func (s *FileStore) Save(_ context.Context, name string, body []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp for %s: %w", name, err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.Path(name)); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// Close releases file store resources.
func (s *FileStore) Close() error {
	return nil
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid document name %q", name)
	}
	return nil
}
