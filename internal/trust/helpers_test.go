package trust

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"opsisagent/internal/clock"
	"opsisagent/internal/config"
	"opsisagent/internal/vault"

	"github.com/stretchr/testify/require"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

// mapVault is an in-process vault.Vault with switchable failures.
type mapVault struct {
	mu       sync.Mutex
	values   map[string][]byte
	writes   []string
	failSet  map[string]error
	getDelay time.Duration
}

func newMapVault() *mapVault {
	return &mapVault{values: make(map[string][]byte), failSet: make(map[string]error)}
}

func (v *mapVault) Get(ctx context.Context, name string) ([]byte, error) {
	if v.getDelay > 0 {
		select {
		case <-time.After(v.getDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	value, ok := v.values[name]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (v *mapVault) Set(_ context.Context, name string, secret []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failSet[name]; err != nil {
		return err
	}
	v.values[name] = append([]byte(nil), secret...)
	v.writes = append(v.writes, name)
	return nil
}

func (v *mapVault) Delete(_ context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, name)
	return nil
}

type fixture struct {
	vault    *mapVault
	keyring  *Keyring
	clock    *clock.Manual
	nonces   *NonceCache
	signer   *Signer
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := newMapVault()
	v.values["hmac_secret"] = append([]byte(nil), testSecret...)
	return newFixtureWith(t, v, vault.Available())
}

func newFixtureWith(t *testing.T, v *mapVault, capability vault.Capability) *fixture {
	t.Helper()
	cfg := config.TrustConfig{
		MaxAgeSec:      300,
		FutureSkewSec:  60,
		NonceCacheSize: 128,
		VaultTimeoutMS: 200,
		HMACSecretName: "hmac_secret",
		APIKeyName:     "api_key",
	}
	var backend vault.Vault
	if v != nil {
		backend = v
	}
	keyring := NewKeyring(backend, capability, cfg)
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	nonces, err := NewNonceCache(cfg.NonceCacheSize, 2*cfg.MaxAge())
	require.NoError(t, err)
	return &fixture{
		vault:    v,
		keyring:  keyring,
		clock:    clk,
		nonces:   nonces,
		signer:   NewSigner(keyring, clk),
		verifier: NewVerifier(keyring, nonces, clk, cfg),
	}
}

func requireReason(t *testing.T, err error, want RejectReason) {
	t.Helper()
	require.Error(t, err)
	reason, ok := ReasonOf(err)
	require.True(t, ok, "expected *Rejection, got %v", err)
	require.Equal(t, want, reason)
}

var errBoom = errors.New("boom")
