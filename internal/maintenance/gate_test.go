package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsisagent/internal/clock"
	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/logging"
	"opsisagent/internal/persist"
)

var gateStart = time.Date(2026, 3, 3, 22, 0, 0, 0, time.UTC)

func testConfig() config.MaintenanceConfig {
	return config.MaintenanceConfig{SweepIntervalSec: 30, RetentionDays: 7, Document: "maintenance-windows"}
}

func newTestGate(t *testing.T, store persist.Store, onExpire ExpiryFunc) (*Gate, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(gateStart)
	gate := New(context.Background(), testConfig(), Options{Store: store, Clock: clk, Logger: logging.Discard(), OnExpire: onExpire})
	return gate, clk
}

func window(id string, start, end time.Time, scope domain.MaintenanceScope) domain.MaintenanceWindow {
	return domain.MaintenanceWindow{
		ID:                  id,
		StartTime:           start,
		EndTime:             end,
		Scope:               scope,
		SuppressEscalation:  true,
		SuppressRemediation: true,
		Source:              domain.SourceTechnician,
	}
}

func TestServicesScopeMatchesOnlyListedService(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate, _ := newTestGate(t, nil, nil)
	_, err := gate.Add(ctx, window("w1", gateStart.Add(-time.Minute), gateStart.Add(time.Hour),
		domain.MaintenanceScope{Type: domain.ScopeServices, Services: []string{"Spooler"}}))
	if err != nil {
		t.Fatalf("add window: %v", err)
	}

	spooler := gate.IsUnderMaintenance(domain.CategoryService, "Spooler", "SERVICE_STOPPED_Spooler")
	if !spooler.Suppressed || spooler.Window == nil || spooler.Window.ID != "w1" {
		t.Fatalf("expected Spooler suppressed, got %+v", spooler)
	}
	if !spooler.SuppressesEscalation() || !spooler.SuppressesRemediation() {
		t.Fatalf("expected both suppression flags, got %+v", spooler)
	}
	if w32 := gate.IsUnderMaintenance(domain.CategoryService, "W32Time", "SERVICE_STOPPED_W32Time"); w32.Suppressed {
		t.Fatalf("W32Time must not be suppressed, got %+v", w32)
	}
}

func TestScopeTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scope    domain.MaintenanceScope
		category string
		service  string
		signal   string
		want     bool
	}{
		{name: "all", scope: domain.MaintenanceScope{Type: domain.ScopeAll}, category: domain.CategoryCPU, want: true},
		{name: "category match", scope: domain.MaintenanceScope{Type: domain.ScopeCategories, Categories: []string{"disk"}}, category: "Disk", want: true},
		{name: "category miss", scope: domain.MaintenanceScope{Type: domain.ScopeCategories, Categories: []string{"disk"}}, category: "cpu"},
		{name: "specific match", scope: domain.MaintenanceScope{Type: domain.ScopeSpecific, SignalIDs: []string{"DISK_LOW_C"}}, category: "disk", signal: "DISK_LOW_C", want: true},
		{name: "specific miss", scope: domain.MaintenanceScope{Type: domain.ScopeSpecific, SignalIDs: []string{"DISK_LOW_C"}}, category: "disk", signal: "DISK_LOW_D"},
		{name: "services without name", scope: domain.MaintenanceScope{Type: domain.ScopeServices, Services: []string{"Spooler"}}, category: "service"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gate, _ := newTestGate(t, nil, nil)
			if _, err := gate.Add(context.Background(), window("", gateStart, gateStart.Add(time.Hour), tt.scope)); err != nil {
				t.Fatalf("add window: %v", err)
			}
			if got := gate.IsUnderMaintenance(tt.category, tt.service, tt.signal); got.Suppressed != tt.want {
				t.Fatalf("suppressed=%v want %v (%+v)", got.Suppressed, tt.want, got)
			}
		})
	}
}

func TestWindowActiveOnlyWithinRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate, clk := newTestGate(t, nil, nil)
	all := domain.MaintenanceScope{Type: domain.ScopeAll}
	if _, err := gate.Add(ctx, window("later", gateStart.Add(time.Hour), gateStart.Add(2*time.Hour), all)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if gate.IsUnderMaintenance("cpu", "", "").Suppressed {
		t.Fatalf("future window must not suppress")
	}
	clk.Set(gateStart.Add(time.Hour))
	if !gate.IsUnderMaintenance("cpu", "", "").Suppressed {
		t.Fatalf("window start is inclusive")
	}
	clk.Set(gateStart.Add(2 * time.Hour))
	if !gate.IsUnderMaintenance("cpu", "", "").Suppressed {
		t.Fatalf("window end is inclusive")
	}
	clk.Set(gateStart.Add(2*time.Hour + time.Second))
	if gate.IsUnderMaintenance("cpu", "", "").Suppressed {
		t.Fatalf("expired window must not suppress")
	}
}

func TestAddValidatesWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate, _ := newTestGate(t, nil, nil)
	bad := []domain.MaintenanceWindow{
		window("end-before-start", gateStart, gateStart.Add(-time.Minute), domain.MaintenanceScope{Type: domain.ScopeAll}),
		window("no-services", gateStart, gateStart.Add(time.Hour), domain.MaintenanceScope{Type: domain.ScopeServices}),
		window("bad-scope", gateStart, gateStart.Add(time.Hour), domain.MaintenanceScope{Type: "host"}),
		{ID: "no-source", StartTime: gateStart, EndTime: gateStart.Add(time.Hour), Scope: domain.MaintenanceScope{Type: domain.ScopeAll}},
	}
	for _, w := range bad {
		if _, err := gate.Add(ctx, w); err == nil {
			t.Fatalf("expected validation error for %s", w.ID)
		}
	}

	added, err := gate.Add(ctx, window("", gateStart, gateStart.Add(time.Hour), domain.MaintenanceScope{Type: domain.ScopeAll}))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.ID == "" || added.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and created_at, got %+v", added)
	}
	if _, err := gate.Add(ctx, added); !errors.Is(err, ErrDuplicateWindow) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestSweepFiresExpiryOnceAndCollectsAfterRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persist.NewMemoryStore()
	var expiredIDs []string
	gate, clk := newTestGate(t, store, func(w domain.MaintenanceWindow) { expiredIDs = append(expiredIDs, w.ID) })
	all := domain.MaintenanceScope{Type: domain.ScopeAll}
	if _, err := gate.Add(ctx, window("short", gateStart, gateStart.Add(time.Minute), all)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := gate.Add(ctx, window("long", gateStart, gateStart.Add(48*time.Hour), all)); err != nil {
		t.Fatalf("add: %v", err)
	}

	clk.Advance(30 * time.Second)
	if expired, _ := gate.Sweep(ctx); len(expired) != 0 {
		t.Fatalf("nothing should expire yet, got %+v", expired)
	}
	clk.Advance(time.Minute)
	expired, removed := gate.Sweep(ctx)
	if len(expired) != 1 || expired[0].ID != "short" || removed != 0 {
		t.Fatalf("expected short to expire once, got %+v removed=%d", expired, removed)
	}
	clk.Advance(time.Minute)
	if expired, _ := gate.Sweep(ctx); len(expired) != 0 {
		t.Fatalf("expiry must fire once, got %+v", expired)
	}
	if len(expiredIDs) != 1 {
		t.Fatalf("callback fired %d times", len(expiredIDs))
	}
	if len(gate.List()) != 2 {
		t.Fatalf("expired windows stay until retention passes")
	}

	clk.Set(gateStart.Add(7*24*time.Hour + 2*time.Minute))
	_, removed = gate.Sweep(ctx)
	if removed != 1 || len(gate.List()) != 1 || gate.List()[0].ID != "long" {
		t.Fatalf("expected short collected, removed=%d list=%+v", removed, gate.List())
	}

	reloaded, _ := newTestGate(t, store, nil)
	if got := reloaded.List(); len(got) != 1 || got[0].ID != "long" {
		t.Fatalf("unexpected reloaded windows %+v", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate, _ := newTestGate(t, persist.NewMemoryStore(), nil)
	if _, err := gate.Add(ctx, window("w", gateStart, gateStart.Add(time.Hour), domain.MaintenanceScope{Type: domain.ScopeAll})); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := gate.Remove(ctx, "w"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := gate.Remove(ctx, "w"); !errors.Is(err, ErrWindowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if gate.IsUnderMaintenance("cpu", "", "").Suppressed {
		t.Fatalf("removed window must not suppress")
	}
}
