package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"opsisagent/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSKVStore persists documents in one JetStream KV bucket, one key per document.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed document store.
type NATSKVStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSKVStore connects and opens (or creates) the document bucket.
// Params: persistence settings with URL list and bucket name.
// Returns: initialized store or setup error.
func NewNATSKVStore(cfg config.PersistConfig) (*NATSKVStore, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("opsis-agent-persist"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if err != nil {
		if !cfg.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open bucket %q: %w", cfg.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
	}
	return &NATSKVStore{nc: nc, kv: kv}, nil
}

// Load reads latest document revision.
// Params: document name.
// Returns: body or ErrNotFound.
func (s *NATSKVStore) Load(_ context.Context, name string) ([]byte, error) {
	entry, err := s.kv.Get(name)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	return entry.Value(), nil
}

// Save writes document unconditionally.
// Params: document name and body.
// Returns: put error.
func (s *NATSKVStore) Save(_ context.Context, name string, body []byte) error {
	if _, err := s.kv.Put(name, body); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// Close closes underlying NATS connection.
func (s *NATSKVStore) Close() error {
	s.nc.Close()
	return nil
}
