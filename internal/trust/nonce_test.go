package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceCacheRecordAndSweep(t *testing.T) {
	t.Parallel()

	cache, err := NewNonceCache(8, 10*time.Minute)
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, cache.Record("a", start))
	assert.False(t, cache.Record("a", start.Add(time.Minute)))
	assert.True(t, cache.Seen("a", start.Add(9*time.Minute)))
	assert.True(t, cache.Record("b", start.Add(5*time.Minute)))

	removed := cache.Sweep(start.Add(11 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.False(t, cache.Seen("a", start.Add(11*time.Minute)))
	assert.True(t, cache.Seen("b", start.Add(11*time.Minute)))
	assert.Equal(t, 1, cache.Len())
}

func TestNonceCacheIsBounded(t *testing.T) {
	t.Parallel()

	cache, err := NewNonceCache(2, time.Hour)
	require.NoError(t, err)
	now := time.Now()
	cache.Record("a", now)
	cache.Record("b", now)
	cache.Record("c", now)
	assert.Equal(t, 2, cache.Len())
	assert.False(t, cache.Seen("a", now))
}

func TestNonceCacheRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := NewNonceCache(0, time.Minute)
	assert.Error(t, err)
	_, err = NewNonceCache(10, 0)
	assert.Error(t, err)
}
