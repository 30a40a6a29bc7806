package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsisagent/internal/config"
	"opsisagent/internal/vault"
)

// Keyring gives the trust layer bounded access to vault-held secrets.
// Params: vault backend, its load capability, timeout, and secret names.
// Returns: secret reads that fail as ErrTrustUnavailable, never with a default.
type Keyring struct {
	vault      vault.Vault
	capability vault.Capability
	timeout    time.Duration
	hmacName   string
	apiKeyName string
}

// NewKeyring binds vault and capability.
// Params: vault (may be nil when unavailable), capability, trust config.
// Returns: keyring.
func NewKeyring(v vault.Vault, capability vault.Capability, cfg config.TrustConfig) *Keyring {
	timeout := cfg.VaultTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hmacName := cfg.HMACSecretName
	if hmacName == "" {
		hmacName = "hmac_secret"
	}
	apiKeyName := cfg.APIKeyName
	if apiKeyName == "" {
		apiKeyName = "api_key"
	}
	return &Keyring{
		vault:      v,
		capability: capability,
		timeout:    timeout,
		hmacName:   hmacName,
		apiKeyName: apiKeyName,
	}
}

// Available reports whether secrets can be read at all.
// Params: none.
// Returns: nil or error wrapping ErrTrustUnavailable.
func (k *Keyring) Available() error {
	if k == nil || k.vault == nil {
		return fmt.Errorf("%w: no vault backend", ErrTrustUnavailable)
	}
	if err := k.capability.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrTrustUnavailable, err)
	}
	return nil
}

// HMACSecret returns the current signing secret.
// Params: ctx bounding the vault read.
// Returns: secret or ErrTrustUnavailable (including when never provisioned).
func (k *Keyring) HMACSecret(ctx context.Context) ([]byte, error) {
	secret, err := k.read(ctx, k.hmacName)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, fmt.Errorf("%w: hmac secret not provisioned", ErrTrustUnavailable)
		}
		return nil, err
	}
	return secret, nil
}

// APIKey returns the controller API key.
// Params: ctx bounding the vault read.
// Returns: key or ErrTrustUnavailable.
func (k *Keyring) APIKey(ctx context.Context) ([]byte, error) {
	key, err := k.read(ctx, k.apiKeyName)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, fmt.Errorf("%w: api key not provisioned", ErrTrustUnavailable)
		}
		return nil, err
	}
	return key, nil
}

// Provision stores initial secrets during enrolment.
// Params: ctx, HMAC secret, and optional API key.
// Returns: write error.
func (k *Keyring) Provision(ctx context.Context, hmacSecret, apiKey []byte) error {
	if len(hmacSecret) < minSecretBytes {
		return fmt.Errorf("hmac secret must be at least %d bytes", minSecretBytes)
	}
	if len(apiKey) > 0 {
		if err := k.write(ctx, k.apiKeyName, apiKey); err != nil {
			return err
		}
	}
	return k.write(ctx, k.hmacName, hmacSecret)
}

// read fetches one named value with the configured timeout.
// Vault not-found is returned as-is so callers can treat it as first use.
func (k *Keyring) read(ctx context.Context, name string) ([]byte, error) {
	if err := k.Available(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	type result struct {
		value []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := k.vault.Get(ctx, name)
		done <- result{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: vault read %s: %w", ErrTrustUnavailable, name, ctx.Err())
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, vault.ErrNotFound) {
				return nil, res.err
			}
			return nil, fmt.Errorf("%w: vault read %s: %w", ErrTrustUnavailable, name, res.err)
		}
		return res.value, nil
	}
}

// write stores one named value with the configured timeout.
func (k *Keyring) write(ctx context.Context, name string, value []byte) error {
	if err := k.Available(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- k.vault.Set(ctx, name, value)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: vault write %s: %w", ErrTrustUnavailable, name, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: vault write %s: %w", ErrTrustUnavailable, name, err)
		}
		return nil
	}
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
