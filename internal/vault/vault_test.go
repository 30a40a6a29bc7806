package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"opsisagent/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerVaultLifecycle(t *testing.T) {
	t.Parallel()

	v, capability := OpenInMemory("opsis-agent/")
	require.NoError(t, capability.Check())
	defer v.Close()

	ctx := context.Background()
	_, err := v.Get(ctx, "hmac_secret")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, v.Set(ctx, "hmac_secret", []byte("first")))
	got, err := v.Get(ctx, "hmac_secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	got[0] = 'X'
	again, err := v.Get(ctx, "hmac_secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), again, "callers must receive copies")

	require.NoError(t, v.Set(ctx, "hmac_secret", []byte("second")))
	again, err = v.Get(ctx, "hmac_secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), again)

	require.NoError(t, v.Delete(ctx, "hmac_secret"))
	_, err = v.Get(ctx, "hmac_secret")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerVaultRejectsBadInput(t *testing.T) {
	t.Parallel()

	v, capability := OpenInMemory("")
	require.True(t, capability.Available)
	defer v.Close()

	ctx := context.Background()
	assert.Error(t, v.Set(ctx, "", []byte("x")))
	assert.Error(t, v.Set(ctx, "a/b", []byte("x")))
	assert.Error(t, v.Set(ctx, "empty", nil))

	require.NoError(t, v.Close())
	_, err := v.Get(ctx, "anything")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenOnDiskPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.VaultConfig{
		Path:      filepath.Join(dir, "vault"),
		KeyFile:   filepath.Join(dir, "keys", "vault.key"),
		Namespace: "opsis-agent/",
	}

	v, capability := Open(cfg, nil)
	require.NoError(t, capability.Check())
	require.NoError(t, v.Set(context.Background(), "api_key", []byte("k-1")))
	require.NoError(t, v.Close())

	info, err := os.Stat(cfg.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, capability := Open(cfg, nil)
	require.NoError(t, capability.Check())
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("k-1"), got)
}

func TestOpenFailsLoudlyOnBadKeyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "vault.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("short"), 0o600))

	v, capability := Open(config.VaultConfig{Path: filepath.Join(dir, "vault"), KeyFile: keyFile}, nil)
	assert.Nil(t, v)
	assert.False(t, capability.Available)
	err := capability.Check()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestCapabilityCheck(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Available().Check())
	assert.ErrorIs(t, Capability{}.Check(), ErrUnavailable)
	assert.ErrorIs(t, Unavailable(errors.New("dll missing")).Check(), ErrUnavailable)
}
