package trust

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NonceCache remembers accepted nonces until they can no longer pass the age check.
// Size bounds memory; it must exceed the peak number of accepted messages per TTL.
type NonceCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	ttl     time.Duration
}

// NewNonceCache creates bounded replay cache.
// Params: max entries and entry TTL (twice the message max age).
// Returns: cache or construction error.
func NewNonceCache(size int, ttl time.Duration) (*NonceCache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("nonce ttl must be >0")
	}
	entries, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("create nonce cache: %w", err)
	}
	return &NonceCache{entries: entries, ttl: ttl}, nil
}

// Seen reports whether nonce was accepted within TTL.
func (c *NonceCache) Seen(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(nonce, now)
}

// Record stores nonce unless it is already live.
// Params: nonce and acceptance time.
// Returns: false when nonce was already recorded (replay).
func (c *NonceCache) Record(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenLocked(nonce, now) {
		return false
	}
	c.entries.Add(nonce, now)
	return true
}

func (c *NonceCache) seenLocked(nonce string, now time.Time) bool {
	at, ok := c.entries.Peek(nonce)
	if !ok {
		return false
	}
	return now.Sub(at) < c.ttl
}

// Sweep drops expired nonces.
// Params: current time.
// Returns: number of removed entries.
func (c *NonceCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, nonce := range c.entries.Keys() {
		at, ok := c.entries.Peek(nonce)
		if ok && now.Sub(at) >= c.ttl {
			c.entries.Remove(nonce)
			removed++
		}
	}
	return removed
}

// Len returns number of tracked nonces.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
