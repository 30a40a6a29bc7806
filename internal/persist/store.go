package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"opsisagent/internal/config"
)

// ErrNotFound indicates the document was never saved.
var ErrNotFound = errors.New("document not found")

// Store persists whole JSON documents by name.
// Params: document name and serialized body.
// Returns: backend persistence behavior.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, body []byte) error
	Close() error
}

// Open builds store for configured backend.
// Params: persistence config with defaults applied.
// Returns: ready store or setup error.
func Open(cfg config.PersistConfig) (Store, error) {
	switch cfg.Backend {
	case config.PersistBackendFile:
		return NewFileStore(cfg.Dir)
	case config.PersistBackendNATS:
		return NewNATSKVStore(cfg)
	case config.PersistBackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported persist backend %q", cfg.Backend)
	}
}

// LoadDocument reads and decodes one document.
// Params: store, document name, and destination pointer.
// Returns: found flag and read/decode error.
func LoadDocument(ctx context.Context, store Store, name string, dst any) (bool, error) {
	body, err := store.Load(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// SaveDocument encodes and writes one document.
// Params: store, document name, and value.
// Returns: encode/write error.
func SaveDocument(ctx context.Context, store Store, name string, value any) error {
	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return store.Save(ctx, name, body)
}
