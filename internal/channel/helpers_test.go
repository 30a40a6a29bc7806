package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opsisagent/internal/clock"
	"opsisagent/internal/config"
	"opsisagent/internal/logging"
	"opsisagent/internal/metrics"
	"opsisagent/internal/trust"
	"opsisagent/internal/vault"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

type fixture struct {
	clock      *clock.Manual
	signer     *trust.Signer
	verifier   *trust.Verifier
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, capability := vault.OpenInMemory("opsis-agent/")
	require.True(t, capability.Available, "in-memory vault: %v", capability.Err)
	t.Cleanup(func() { _ = v.Close() })

	cfg := config.TrustConfig{
		MaxAgeSec:      300,
		FutureSkewSec:  60,
		NonceCacheSize: 128,
		VaultTimeoutMS: 2000,
		HMACSecretName: "hmac_secret",
		APIKeyName:     "api_key",
	}
	keyring := trust.NewKeyring(v, capability, cfg)
	require.NoError(t, keyring.Provision(context.Background(), testSecret, []byte("key-1")))

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	nonces, err := trust.NewNonceCache(cfg.NonceCacheSize, 2*cfg.MaxAge())
	require.NoError(t, err)
	schemas, err := NewSchemas()
	require.NoError(t, err)

	verifier := trust.NewVerifier(keyring, nonces, clk, cfg)
	m := metrics.NewMetrics()
	return &fixture{
		clock:      clk,
		signer:     trust.NewSigner(keyring, clk),
		verifier:   verifier,
		metrics:    m,
		dispatcher: NewDispatcher(verifier, schemas, m, logging.Discard()),
	}
}

func (f *fixture) signed(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	msg, err := f.signer.Sign(context.Background(), payload)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

type capturePublisher struct {
	mu   sync.Mutex
	ids  []string
	msgs [][]byte
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, msgID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, msgID)
	p.msgs = append(p.msgs, append([]byte(nil), body...))
	return nil
}
