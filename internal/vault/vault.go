// Package vault stores agent credentials encrypted at rest.
//
// Secrets live in an AES-encrypted badger database keyed by a machine key
// file readable only by the agent user. Decrypted values are kept in
// memguard enclaves between reads.
package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"opsisagent/internal/badgerdb"
	"opsisagent/internal/config"

	"github.com/awnumar/memguard"
	"github.com/dgraph-io/badger/v4"
)

const machineKeySize = 32

var (
	// ErrNotFound indicates the named secret was never stored.
	ErrNotFound = errors.New("secret not found")
	// ErrUnavailable indicates the vault backend could not be loaded.
	ErrUnavailable = errors.New("credential vault unavailable")
	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("credential vault closed")
)

// Vault is the secure credential store consulted by the trust layer.
// Params: secret names within the agent namespace.
// Returns: stored secret bytes or typed errors.
type Vault interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, secret []byte) error
	Delete(ctx context.Context, name string) error
}

// Capability reports whether a vault backend loaded.
// Params: Available flag and load error.
// Returns: value checked at every trust entry point.
type Capability struct {
	Available bool
	Err       error
}

// Check converts capability into error.
// Params: none.
// Returns: nil when available, otherwise error wrapping ErrUnavailable.
func (c Capability) Check() error {
	if c.Available {
		return nil
	}
	if c.Err == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, c.Err)
}

// Available builds positive capability.
func Available() Capability {
	return Capability{Available: true}
}

// Unavailable builds negative capability from load error.
func Unavailable(err error) Capability {
	return Capability{Err: err}
}

// BadgerVault keeps secrets in an encrypted badger database.
type BadgerVault struct {
	db        *badgerdb.DB
	namespace string

	mu     sync.RWMutex
	cache  map[string]*memguard.Enclave
	closed bool
}

// Open loads the on-disk vault, creating its machine key on first use.
// Params: vault config and optional logger for badger internals.
// Returns: vault (nil when unavailable) and its capability.
func Open(cfg config.VaultConfig, logger *slog.Logger) (*BadgerVault, Capability) {
	if cfg.InMemory {
		return OpenInMemory(cfg.Namespace)
	}
	key, err := loadOrCreateMachineKey(cfg.KeyFile)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("machine key: %w", err))
	}

	db, err := badgerdb.Open(badgerdb.Config{
		Path:          cfg.Path,
		EncryptionKey: key,
		SyncWrites:    true,
		Logger:        logger,
	})
	if err != nil {
		return nil, Unavailable(err)
	}
	return newBadgerVault(db, cfg.Namespace), Available()
}

// OpenInMemory opens a process-local vault without at-rest storage.
// Params: namespace prefix.
// Returns: vault and its capability.
func OpenInMemory(namespace string) (*BadgerVault, Capability) {
	db, err := badgerdb.Open(badgerdb.Config{InMemory: true})
	if err != nil {
		return nil, Unavailable(err)
	}
	return newBadgerVault(db, namespace), Available()
}

func newBadgerVault(db *badgerdb.DB, namespace string) *BadgerVault {
	if namespace == "" {
		namespace = "opsis-agent/"
	}
	if !strings.HasSuffix(namespace, "/") {
		namespace += "/"
	}
	return &BadgerVault{
		db:        db,
		namespace: namespace,
		cache:     make(map[string]*memguard.Enclave),
	}
}

// Get returns a copy of the named secret.
// Params: secret name.
// Returns: secret bytes or ErrNotFound.
func (v *BadgerVault) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkSecretName(name); err != nil {
		return nil, err
	}
	v.mu.RLock()
	if v.closed {
		v.mu.RUnlock()
		return nil, ErrClosed
	}
	enclave, ok := v.cache[name]
	v.mu.RUnlock()
	if ok {
		return openEnclave(enclave)
	}

	var secret []byte
	err := v.db.ViewCtx(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(v.key(name))
		if err != nil {
			return err
		}
		secret, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read secret %q: %w", name, err)
	}

	out := append([]byte(nil), secret...)
	v.mu.Lock()
	if !v.closed {
		v.cache[name] = memguard.NewEnclave(secret)
	}
	v.mu.Unlock()
	return out, nil
}

// Set stores secret and refreshes enclave cache.
// Params: secret name and value (caller keeps ownership of the slice).
// Returns: write error.
func (v *BadgerVault) Set(ctx context.Context, name string, secret []byte) error {
	if err := checkSecretName(name); err != nil {
		return err
	}
	if len(secret) == 0 {
		return fmt.Errorf("secret %q must not be empty", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	value := append([]byte(nil), secret...)
	if err := v.db.UpdateCtx(ctx, func(txn *badger.Txn) error {
		return txn.Set(v.key(name), value)
	}); err != nil {
		return fmt.Errorf("write secret %q: %w", name, err)
	}
	v.cache[name] = memguard.NewEnclave(append([]byte(nil), value...))
	return nil
}

// Delete removes secret and its cached enclave.
// Params: secret name.
// Returns: delete error (missing secret is not an error).
func (v *BadgerVault) Delete(ctx context.Context, name string) error {
	if err := checkSecretName(name); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if err := v.db.UpdateCtx(ctx, func(txn *badger.Txn) error {
		return txn.Delete(v.key(name))
	}); err != nil {
		return fmt.Errorf("delete secret %q: %w", name, err)
	}
	delete(v.cache, name)
	return nil
}

// Close drops cached enclaves and closes database.
func (v *BadgerVault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.cache = nil
	return v.db.Close()
}

func (v *BadgerVault) key(name string) []byte {
	return []byte(v.namespace + name)
}

func openEnclave(enclave *memguard.Enclave) ([]byte, error) {
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open enclave: %w", err)
	}
	defer buf.Destroy()
	return append([]byte(nil), buf.Bytes()...), nil
}

func checkSecretName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}

// loadOrCreateMachineKey reads the 32-byte key file or creates it 0600.
// Params: key file path.
// Returns: key bytes or IO error.
func loadOrCreateMachineKey(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("key file path is required")
	}
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != machineKeySize {
			return nil, fmt.Errorf("key file %q has %d bytes, want %d", path, len(key), machineKeySize)
		}
		info, statErr := os.Stat(path)
		if statErr == nil && info.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("key file %q must not be readable by group or others", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file %q: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	key = make([]byte, machineKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create key file %q: %w", path, err)
	}
	if _, err := file.Write(key); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write key file %q: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close key file %q: %w", path, err)
	}
	return key, nil
}
