package testutil

import (
	"bytes"
	"context"
	"testing"

	"opsisagent/internal/config"
	"opsisagent/internal/trust"
	"opsisagent/internal/vault"
)

// SharedSecret is the HMAC secret provisioned by ProvisionedKeyring.
var SharedSecret = bytes.Repeat([]byte{0x42}, 32)

// TrustConfig returns the verification settings used across package tests.
func TrustConfig() config.TrustConfig {
	return config.TrustConfig{
		MaxAgeSec:      300,
		FutureSkewSec:  60,
		NonceCacheSize: 128,
		VaultTimeoutMS: 2000,
		HMACSecretName: "hmac_secret",
		APIKeyName:     "api_key",
	}
}

// ProvisionedKeyring opens an in-memory vault holding SharedSecret and an API key.
// Params: test handle; the vault is closed on cleanup.
// Returns: keyring ready for signing and verification.
func ProvisionedKeyring(tb testing.TB) *trust.Keyring {
	tb.Helper()

	v, capability := vault.OpenInMemory("opsis-agent/")
	if err := capability.Check(); err != nil {
		tb.Fatalf("in-memory vault: %v", err)
	}
	tb.Cleanup(func() { _ = v.Close() })

	keyring := trust.NewKeyring(v, capability, TrustConfig())
	if err := keyring.Provision(context.Background(), SharedSecret, []byte("key-1")); err != nil {
		tb.Fatalf("provision keyring: %v", err)
	}
	return keyring
}
