package persist

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process memory for tests and single-run tools.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	fail error
}

// NewMemoryStore creates empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// FailWrites makes every following Save return err (nil restores writes).
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Load returns copy of stored document.
// Params: document name.
// Returns: body or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.docs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

// Save stores copy of document body.
// Params: document name and body.
// Returns: injected failure, if any.
func (s *MemoryStore) Save(_ context.Context, name string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.docs[name] = append([]byte(nil), body...)
	return nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
