package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sampleDoc struct {
	Version int      `json:"version"`
	Items   []string `json:"items"`
}

func TestFileStoreRoundTripAndPermissions(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested")
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	var missing sampleDoc
	found, err := LoadDocument(ctx, store, "state-tracker", &missing)
	if err != nil || found {
		t.Fatalf("expected missing document, found=%v err=%v", found, err)
	}

	if err := SaveDocument(ctx, store, "state-tracker", sampleDoc{Version: 1, Items: []string{"a"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := SaveDocument(ctx, store, "state-tracker", sampleDoc{Version: 1, Items: []string{"a", "b"}}); err != nil {
		t.Fatalf("save overwrite: %v", err)
	}

	var loaded sampleDoc
	found, err = LoadDocument(ctx, store, "state-tracker", &loaded)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if loaded.Version != 1 || len(loaded.Items) != 2 {
		t.Fatalf("unexpected document: %+v", loaded)
	}

	info, err := os.Stat(store.Path("state-tracker"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestFileStoreRejectsTraversalNames(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, name := range []string{"", "../etc", "a/b", `a\b`} {
		if err := store.Save(context.Background(), name, []byte("{}")); err == nil {
			t.Fatalf("expected name %q to be rejected", name)
		}
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := store.Save(context.Background(), "broken", []byte("{not json")); err != nil {
		t.Fatalf("save: %v", err)
	}
	var doc sampleDoc
	if _, err := LoadDocument(context.Background(), store, "broken", &doc); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestMemoryStoreFailWrites(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	boom := errors.New("disk full")
	store.FailWrites(boom)
	if err := store.Save(context.Background(), "doc", []byte("{}")); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	store.FailWrites(nil)
	if err := store.Save(context.Background(), "doc", []byte("{}")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
