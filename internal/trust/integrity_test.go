package trust

import (
	"context"
	"errors"
	"strings"
	"testing"

	"opsisagent/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runbookDoc = `{
  "id": "restart-spooler",
  "name": "Restart print spooler",
  "steps": [
    {"type": "stop_service", "target": "Spooler"},
    {"type": "start_service", "target": "Spooler"}
  ],
  "cached_at": "2026-03-01T11:00:00Z"
}`

func TestHashRunbookIgnoresVolatileFieldsAndKeyOrder(t *testing.T) {
	t.Parallel()

	first, err := HashRunbook([]byte(runbookDoc))
	require.NoError(t, err)
	second, err := HashRunbook([]byte(runbookDoc))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	reordered := `{"steps":[{"target":"Spooler","type":"stop_service"},{"type":"start_service","target":"Spooler"}],
		"name":"Restart print spooler","id":"restart-spooler","fetched_at":"yesterday","_nonce":"abc"}`
	third, err := HashRunbook([]byte(reordered))
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestIntegrityDetectsSingleByteChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	integrity := NewIntegrity(f.keyring, f.clock)
	ctx := context.Background()

	status, err := integrity.Verify(ctx, "restart-spooler", []byte(runbookDoc))
	require.NoError(t, err)
	assert.Equal(t, IntegrityNoStoredHash, status)

	_, err = integrity.Register(ctx, "restart-spooler", []byte(runbookDoc))
	require.NoError(t, err)

	status, err = integrity.Verify(ctx, "restart-spooler", []byte(runbookDoc))
	require.NoError(t, err)
	assert.Equal(t, IntegrityOK, status)

	tampered := strings.Replace(runbookDoc, "Spooler", "Spoolex", 1)
	status, err = integrity.Verify(ctx, "restart-spooler", []byte(tampered))
	require.NoError(t, err)
	assert.Equal(t, IntegrityHashMismatch, status)
}

func TestIntegrityManifestVersionsAndForget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	integrity := NewIntegrity(f.keyring, f.clock)
	ctx := context.Background()

	_, err := integrity.Register(ctx, "a", []byte(`{"id":"a","steps":[]}`))
	require.NoError(t, err)
	_, err = integrity.Register(ctx, "b", []byte(`{"id":"b","steps":[]}`))
	require.NoError(t, err)

	manifest, err := integrity.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.Version)
	assert.Len(t, manifest.Hashes, 2)
	assert.Equal(t, f.clock.Now().UTC(), manifest.UpdatedAt)

	require.NoError(t, integrity.Forget(ctx, "a"))
	require.NoError(t, integrity.Forget(ctx, "missing"))
	manifest, err = integrity.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.Version)
	assert.NotContains(t, manifest.Hashes, "a")
}

func TestIntegrityFailsWithoutVault(t *testing.T) {
	t.Parallel()

	f := newFixtureWith(t, nil, vault.Unavailable(errors.New("no backend")))
	integrity := NewIntegrity(f.keyring, f.clock)
	_, err := integrity.Register(context.Background(), "a", []byte(`{"id":"a"}`))
	assert.ErrorIs(t, err, ErrTrustUnavailable)
}
