package state

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

var trackerStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testStateConfig() config.StateConfig {
	return config.StateConfig{
		FlapWindowSec:     600,
		FlapThreshold:     4,
		StablePeriodSec:   900,
		WarningToHighMin:  15,
		HighToCriticalMin: 30,
		HistoryCap:        20,
		Document:          "state-tracker",
	}
}

func newTestTracker(t *testing.T, cfg config.StateConfig, store persist.Store) (*Tracker, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(trackerStart)
	tracker := New(context.Background(), cfg, Options{Store: store, Clock: clk, Logger: logging.Discard()})
	return tracker, clk
}

func eventTypes(events []domain.StateEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, event := range events {
		out = append(out, event.Type)
	}
	return out
}

func TestCheckStateDeduplicatesRepeats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clk := newTestTracker(t, testStateConfig(), persist.NewMemoryStore())

	events := tracker.CheckState(ctx, "service:W32Time", "stopped")
	if len(events) != 1 || events[0].Type != domain.EventNewState || events[0].Severity != domain.LevelWarning {
		t.Fatalf("unexpected first events %+v", events)
	}

	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		if events := tracker.CheckState(ctx, "service:W32Time", "stopped"); len(events) != 0 {
			t.Fatalf("repeat %d emitted %+v", i, events)
		}
	}
	resource, ok := tracker.Get("service:W32Time")
	if !ok || resource.SignalCount != 4 || resource.CurrentState != "stopped" {
		t.Fatalf("unexpected resource %+v", resource)
	}
	if !resource.StateChangedAt.Equal(trackerStart) || !resource.LastSeenAt.Equal(trackerStart.Add(3*time.Minute)) {
		t.Fatalf("dedup must not move stateChangedAt: %+v", resource)
	}
}

func TestCheckStateTransitionResetsSignalCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clk := newTestTracker(t, testStateConfig(), nil)

	tracker.CheckState(ctx, "service:Spooler", "running")
	tracker.CheckState(ctx, "service:Spooler", "running")
	clk.Advance(time.Minute)
	events := tracker.CheckState(ctx, "service:Spooler", "stopped")
	if len(events) != 1 || events[0].Type != domain.EventStateChanged || events[0].FromState != "running" || events[0].ToState != "stopped" {
		t.Fatalf("unexpected change events %+v", events)
	}
	resource, _ := tracker.Get("service:Spooler")
	if resource.SignalCount != 1 || resource.PreviousState != "running" || resource.SeverityLevel != domain.LevelWarning {
		t.Fatalf("unexpected resource after transition %+v", resource)
	}
	if _, ok := resource.EscalationCheckpoints[domain.LevelWarning]; !ok {
		t.Fatalf("expected warning checkpoint")
	}
}

func TestFlapDetectionEmitsOnceAndClearsAfterStability(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clk := newTestTracker(t, testStateConfig(), persist.NewMemoryStore())
	id := "service:Dhcp"
	tracker.CheckState(ctx, id, "running")

	labels := []string{"stopped", "running", "stopped", "running", "stopped", "running"}
	var got []domain.EventType
	for _, label := range labels {
		clk.Advance(time.Minute)
		got = append(got, eventTypes(tracker.CheckState(ctx, id, label))...)
	}
	want := []domain.EventType{domain.EventStateChanged, domain.EventStateChanged, domain.EventStateChanged, domain.EventFlapping}
	if len(got) != len(want) {
		t.Fatalf("got events %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got events %v want %v", got, want)
		}
	}
	resource, _ := tracker.Get(id)
	if !resource.IsFlapping || resource.FlapDetectedAt == nil || resource.CurrentState != "running" {
		t.Fatalf("expected flapping resource with latest state committed: %+v", resource)
	}

	clk.Advance(10 * time.Minute)
	if events := tracker.CheckStability(ctx); len(events) != 0 {
		t.Fatalf("stability cleared too early: %+v", events)
	}
	clk.Advance(6 * time.Minute)
	events := tracker.CheckStability(ctx)
	if len(events) != 1 || events[0].Type != domain.EventFlapCleared {
		t.Fatalf("expected flap_cleared, got %+v", events)
	}
	resource, _ = tracker.Get(id)
	if resource.IsFlapping || len(resource.TransitionHistory) != 0 {
		t.Fatalf("expected cleared flap state %+v", resource)
	}

	clk.Advance(time.Minute)
	events = tracker.CheckState(ctx, id, "stopped")
	if len(events) != 1 || events[0].Type != domain.EventStateChanged {
		t.Fatalf("expected individual transitions again, got %+v", events)
	}
}

func TestTransitionHistoryNeverExceedsWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clk := newTestTracker(t, testStateConfig(), nil)
	id := "disk:C"
	tracker.CheckState(ctx, id, "normal")
	clk.Advance(time.Minute)
	tracker.CheckState(ctx, id, "low")
	clk.Advance(time.Minute)
	tracker.CheckState(ctx, id, "normal")

	clk.Advance(11 * time.Minute)
	events := tracker.CheckState(ctx, id, "low")
	if len(events) != 1 || events[0].Type != domain.EventStateChanged {
		t.Fatalf("old transitions must not count toward flapping: %+v", events)
	}
	resource, _ := tracker.Get(id)
	if len(resource.TransitionHistory) != 1 {
		t.Fatalf("expected pruned history, got %+v", resource.TransitionHistory)
	}

	clk.Advance(11 * time.Minute)
	tracker.CheckStability(ctx)
	resource, _ = tracker.Get(id)
	if len(resource.TransitionHistory) != 0 {
		t.Fatalf("stability sweep must prune stale history, got %+v", resource.TransitionHistory)
	}
}

func TestEscalateSeveritiesIsMonotonicAndIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clk := newTestTracker(t, testStateConfig(), persist.NewMemoryStore())
	tracker.CheckState(ctx, "service:W32Time", "stopped")
	tracker.CheckState(ctx, "cpu:total", "normal")

	clk.Advance(14 * time.Minute)
	if events := tracker.EscalateSeverities(ctx); len(events) != 0 {
		t.Fatalf("escalated too early: %+v", events)
	}

	clk.Advance(time.Minute)
	events := tracker.EscalateSeverities(ctx)
	if len(events) != 1 || events[0].Severity != domain.LevelHigh || events[0].PrevSeverity != domain.LevelWarning {
		t.Fatalf("expected high escalation, got %+v", events)
	}
	if again := tracker.EscalateSeverities(ctx); len(again) != 0 {
		t.Fatalf("second sweep without time advance emitted %+v", again)
	}

	clk.Advance(30 * time.Minute)
	events = tracker.EscalateSeverities(ctx)
	if len(events) != 1 || events[0].Severity != domain.LevelCritical {
		t.Fatalf("expected critical escalation, got %+v", events)
	}
	resource, _ := tracker.Get("service:W32Time")
	for _, level := range []domain.SeverityLevel{domain.LevelWarning, domain.LevelHigh, domain.LevelCritical} {
		if _, ok := resource.EscalationCheckpoints[level]; !ok {
			t.Fatalf("missing checkpoint %s in %+v", level, resource.EscalationCheckpoints)
		}
	}

	clk.Advance(time.Hour)
	if events := tracker.EscalateSeverities(ctx); len(events) != 0 {
		t.Fatalf("critical must be terminal, got %+v", events)
	}
	cpu, _ := tracker.Get("cpu:total")
	if cpu.SeverityLevel != domain.LevelInfo {
		t.Fatalf("healthy resource must stay info, got %s", cpu.SeverityLevel)
	}
}

func TestEscalateSeveritiesCascadesAndHonorsOverrides(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testStateConfig()
	cfg.Escalation = map[string]config.EscalationOverride{"disk": {WarningToHighMin: 5, HighToCriticalMin: 5}}
	tracker, clk := newTestTracker(t, cfg, nil)
	tracker.CheckState(ctx, "disk:C", "low")
	tracker.CheckState(ctx, "memory:total", "high")

	clk.Advance(10 * time.Minute)
	events := tracker.EscalateSeverities(ctx)
	if len(events) != 2 {
		t.Fatalf("expected disk to cascade to critical in one sweep, got %+v", events)
	}
	if events[0].ResourceID != "disk:C" || events[0].Severity != domain.LevelHigh || events[1].Severity != domain.LevelCritical {
		t.Fatalf("unexpected cascade %+v", events)
	}

	clk.Advance(40 * time.Minute)
	events = tracker.EscalateSeverities(ctx)
	if len(events) != 2 || events[0].ResourceID != "memory:total" {
		t.Fatalf("expected memory cascade with default ladder, got %+v", events)
	}
}

func TestFlappingResourceDoesNotEscalate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testStateConfig()
	cfg.FlapThreshold = 2
	tracker, clk := newTestTracker(t, cfg, nil)
	tracker.CheckState(ctx, "service:BITS", "stopped")
	tracker.CheckState(ctx, "service:BITS", "running")
	tracker.CheckState(ctx, "service:BITS", "stopped")

	clk.Advance(time.Hour)
	if events := tracker.EscalateSeverities(ctx); len(events) != 0 {
		t.Fatalf("flapping resource escalated: %+v", events)
	}
}

func TestFlappingResourceKeepsLatestStateWithoutEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testStateConfig()
	cfg.FlapThreshold = 2
	tracker, clk := newTestTracker(t, cfg, nil)
	id := "service:BITS"
	tracker.CheckState(ctx, id, "running")
	clk.Advance(time.Minute)
	tracker.CheckState(ctx, id, "stopped")
	clk.Advance(time.Minute)
	if events := tracker.CheckState(ctx, id, "running"); len(events) != 1 || events[0].Type != domain.EventFlapping {
		t.Fatalf("expected flapping event, got %+v", events)
	}

	clk.Advance(time.Minute)
	if events := tracker.CheckState(ctx, id, "stopped"); len(events) != 0 {
		t.Fatalf("flip while flapping must be silent, got %+v", events)
	}
	resource, _ := tracker.Get(id)
	if !resource.IsFlapping || resource.CurrentState != "stopped" || resource.PreviousState != "running" {
		t.Fatalf("expected flapping resource to track the latest observation: %+v", resource)
	}

	clk.Advance(time.Minute)
	tracker.CheckState(ctx, id, "running")
	resource, _ = tracker.Get(id)
	if resource.CurrentState != "running" || resource.SeverityLevel != domain.LevelInfo {
		t.Fatalf("healthy observation while flapping must reset severity: %+v", resource)
	}
}

func TestTrackerPersistsAndReloads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persist.NewMemoryStore()
	tracker, clk := newTestTracker(t, testStateConfig(), store)
	tracker.CheckState(ctx, "service:WinRM", "stopped")
	clk.Advance(20 * time.Minute)
	tracker.EscalateSeverities(ctx)

	reloaded, _ := newTestTracker(t, testStateConfig(), store)
	resource, ok := reloaded.Get("service:WinRM")
	if !ok || resource.SeverityLevel != domain.LevelHigh || resource.CurrentState != "stopped" {
		t.Fatalf("unexpected reloaded resource %+v ok=%v", resource, ok)
	}
	if events := reloaded.CheckState(ctx, "service:WinRM", "stopped"); len(events) != 0 {
		t.Fatalf("reloaded tracker must dedup, got %+v", events)
	}
}

func TestPersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persist.NewMemoryStore()
	store.FailWrites(errors.New("disk full"))
	tracker, _ := newTestTracker(t, testStateConfig(), store)

	events := tracker.CheckState(ctx, "service:EventLog", "stopped")
	if len(events) != 1 {
		t.Fatalf("expected event despite persist failure, got %+v", events)
	}
	if _, ok := tracker.Get("service:EventLog"); !ok {
		t.Fatalf("expected in-memory state after persist failure")
	}
	if _, err := store.Load(ctx, "state-tracker"); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("expected nothing persisted, got %v", err)
	}
}

func TestHealthScores(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clk := newTestTracker(t, testStateConfig(), nil)
	tracker.CheckState(ctx, "cpu:total", "normal")
	tracker.CheckState(ctx, "service:Spooler", "stopped")
	clk.Advance(16 * time.Minute)
	tracker.EscalateSeverities(ctx)
	tracker.CheckState(ctx, "disk:D", "low")

	scores := tracker.HealthScores()
	want := map[string]int{"cpu:total": 100, "service:Spooler": 40, "disk:D": 65}
	for id, score := range want {
		if scores[id] != score {
			t.Fatalf("score %s = %d want %d (all %v)", id, scores[id], score, scores)
		}
	}
	if snapshot := tracker.Snapshot(); len(snapshot) != 3 || snapshot[0].ResourceID != "cpu:total" {
		t.Fatalf("unexpected snapshot order %+v", snapshot)
	}
}
