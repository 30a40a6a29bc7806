// Package badgerdb opens the embedded key-value databases used by the vault
// and the ticket history.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config describes one embedded database.
type Config struct {
	Path     string
	InMemory bool
	// EncryptionKey enables AES at-rest encryption (16, 24 or 32 bytes).
	EncryptionKey []byte
	SyncWrites    bool
	Logger        *slog.Logger
	GCInterval    time.Duration
	GCRatio       float64
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps badger with an optional value-log GC loop.
type DB struct {
	*badger.DB
	stop chan struct{}
	done chan struct{}
}

// Open opens database per config.
// Params: path or in-memory switch, encryption key, and logger.
// Returns: wrapped database or open error.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if len(cfg.EncryptionKey) > 0 {
		opts = opts.WithEncryptionKey(cfg.EncryptionKey).WithIndexCacheSize(16 << 20)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	wrapped := &DB{DB: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		wrapped.stop = make(chan struct{})
		wrapped.done = make(chan struct{})
		go wrapped.runGC(cfg.GCInterval, ratio, cfg.Logger)
	}
	return wrapped, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}

// Close stops GC loop and closes database.
func (d *DB) Close() error {
	if d.stop != nil {
		close(d.stop)
		<-d.done
	}
	return d.DB.Close()
}

// UpdateCtx runs fn in read-write transaction unless ctx is done.
func (d *DB) UpdateCtx(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.Update(fn)
}

// ViewCtx runs fn in read-only transaction unless ctx is done.
func (d *DB) ViewCtx(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.View(fn)
}
