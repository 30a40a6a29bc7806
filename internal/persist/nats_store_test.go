package persist

import (
	"context"
	"errors"
	"testing"

	"opsisagent/internal/config"
	"opsisagent/internal/testutil"
)

func TestNATSKVStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := Open(config.PersistConfig{
		Backend:            config.PersistBackendNATS,
		URL:                []string{url},
		Bucket:             "persist_test",
		AllowCreateBuckets: true,
	})
	if err != nil {
		t.Fatalf("open nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Load(ctx, "maintenance-windows"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := SaveDocument(ctx, store, "maintenance-windows", sampleDoc{Version: 1, Items: []string{"w1"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	var doc sampleDoc
	found, err := LoadDocument(ctx, store, "maintenance-windows", &doc)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if len(doc.Items) != 1 || doc.Items[0] != "w1" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}
