package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"opsisagent/internal/clock"
	"opsisagent/internal/vault"
)

// IntegrityStatus is the outcome of checking a cached runbook.
type IntegrityStatus string

const (
	IntegrityOK           IntegrityStatus = "ok"
	IntegrityHashMismatch IntegrityStatus = "hash_mismatch"
	IntegrityNoStoredHash IntegrityStatus = "no_stored_hash"
)

const manifestSecretName = "runbook_manifest"

// volatileFields change between fetches without changing runbook meaning.
var volatileFields = map[string]struct{}{
	FieldSignature: {},
	FieldTimestamp: {},
	FieldNonce:     {},
	"cached_at":    {},
	"fetched_at":   {},
	"last_used":    {},
}

// Manifest maps runbook keys to SHA-256 content hashes.
type Manifest struct {
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Hashes    map[string]string `json:"hashes"`
}

// Integrity registers and verifies runbook hashes kept in the vault.
type Integrity struct {
	keyring *Keyring
	clock   clock.Clock
	mu      sync.Mutex
}

// NewIntegrity creates integrity checker.
func NewIntegrity(keyring *Keyring, clk clock.Clock) *Integrity {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Integrity{keyring: keyring, clock: clk}
}

// HashRunbook hashes canonical runbook JSON with volatile fields removed.
// Params: runbook JSON document.
// Returns: hex SHA-256 digest.
func HashRunbook(raw []byte) (string, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return "", err
	}
	canonical, err := encodeCanonical(stripVolatile(generic))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func stripVolatile(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			if _, skip := volatileFields[key]; skip {
				continue
			}
			out[key] = stripVolatile(nested)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, nested := range typed {
			out[i] = stripVolatile(nested)
		}
		return out
	default:
		return value
	}
}

// Register hashes runbook and rewrites the manifest with the new entry.
// Params: ctx, stable runbook key, runbook JSON.
// Returns: registered digest or trust/vault error.
func (i *Integrity) Register(ctx context.Context, key string, raw []byte) (string, error) {
	digest, err := HashRunbook(raw)
	if err != nil {
		return "", err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	manifest, err := i.loadManifest(ctx)
	if err != nil {
		return "", err
	}
	manifest.Hashes[key] = digest
	if err := i.storeManifest(ctx, manifest); err != nil {
		return "", err
	}
	return digest, nil
}

// Verify compares runbook against registered hash.
// Params: ctx, runbook key, runbook JSON.
// Returns: status; hash_mismatch must block execution of the cached copy.
func (i *Integrity) Verify(ctx context.Context, key string, raw []byte) (IntegrityStatus, error) {
	digest, err := HashRunbook(raw)
	if err != nil {
		return "", err
	}
	i.mu.Lock()
	manifest, err := i.loadManifest(ctx)
	i.mu.Unlock()
	if err != nil {
		return "", err
	}
	stored, ok := manifest.Hashes[key]
	if !ok {
		return IntegrityNoStoredHash, nil
	}
	if stored != digest {
		return IntegrityHashMismatch, nil
	}
	return IntegrityOK, nil
}

// Forget removes key from manifest.
func (i *Integrity) Forget(ctx context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	manifest, err := i.loadManifest(ctx)
	if err != nil {
		return err
	}
	if _, ok := manifest.Hashes[key]; !ok {
		return nil
	}
	delete(manifest.Hashes, key)
	return i.storeManifest(ctx, manifest)
}

// Manifest returns current manifest copy.
func (i *Integrity) Manifest(ctx context.Context) (Manifest, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loadManifest(ctx)
}

func (i *Integrity) loadManifest(ctx context.Context) (Manifest, error) {
	raw, err := i.keyring.read(ctx, manifestSecretName)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return Manifest{Hashes: make(map[string]string)}, nil
		}
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode integrity manifest: %w", err)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = make(map[string]string)
	}
	return manifest, nil
}

func (i *Integrity) storeManifest(ctx context.Context, manifest Manifest) error {
	manifest.Version++
	manifest.UpdatedAt = i.clock.Now().UTC()
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode integrity manifest: %w", err)
	}
	return i.keyring.write(ctx, manifestSecretName, raw)
}
