package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"opsisagent/internal/clock"
	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/metrics"
	"opsisagent/internal/persist"
)

const documentVersion = 1

// document is the persisted tracker table.
type document struct {
	Version   int                              `json:"version"`
	SavedAt   time.Time                        `json:"savedAt"`
	Resources map[string]*domain.ResourceState `json:"resources"`
}

// Options carries tracker collaborators.
// Params: persistence store, clock, logger, metrics, and topology source.
// Returns: tracker wiring; nil fields fall back to no-op defaults.
type Options struct {
	Store    persist.Store
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Topology TopologySource
}

// Tracker owns per-resource state, flap detection, and severity escalation.
// Params: state config and collaborators.
// Returns: concurrent-safe tracker persisted on every mutation.
type Tracker struct {
	cfg     config.StateConfig
	store   persist.Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	resources map[string]*domain.ResourceState

	deps *dependencies
}

// New creates tracker and reloads persisted table.
// Params: ctx for the initial load, state config, and options.
// Returns: tracker; load failures are logged and start an empty table.
func New(ctx context.Context, cfg config.StateConfig, opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tracker{
		cfg:       cfg,
		store:     opts.Store,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		resources: make(map[string]*domain.ResourceState),
		deps:      newDependencies(opts.Topology),
	}
	t.load(ctx)
	return t
}

func (t *Tracker) load(ctx context.Context) {
	if t.store == nil {
		return
	}
	var doc document
	found, err := persist.LoadDocument(ctx, t.store, t.cfg.Document, &doc)
	if err != nil {
		t.logger.Warn("state table load failed, starting empty", "document", t.cfg.Document, "error", err)
		return
	}
	if !found {
		return
	}
	now := t.clock.Now()
	for id, resource := range doc.Resources {
		if resource == nil {
			continue
		}
		resource.ResourceID = id
		if resource.ResourceType == "" {
			resource.ResourceType = domain.ResourceType(id)
		}
		if resource.EscalationCheckpoints == nil {
			resource.EscalationCheckpoints = make(map[domain.SeverityLevel]time.Time)
		}
		t.pruneHistory(resource, now)
		t.resources[id] = resource
	}
	t.logger.Info("state table loaded", "document", t.cfg.Document, "resources", len(t.resources))
	t.metrics.SetFlapping(t.flappingLocked())
}

// CheckState records one observation for a resource.
// Params: ctx for persistence, resource ID, and observed state label.
// Returns: emitted events (empty on dedup or while flapping).
func (t *Tracker) CheckState(ctx context.Context, resourceID, observed string) []domain.StateEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	resource, ok := t.resources[resourceID]
	if !ok {
		resource = &domain.ResourceState{
			ResourceID:            resourceID,
			ResourceType:          domain.ResourceType(resourceID),
			CurrentState:          observed,
			StateChangedAt:        now,
			LastSeenAt:            now,
			SignalCount:           1,
			SeverityLevel:         domain.LevelInfo,
			EscalationCheckpoints: make(map[domain.SeverityLevel]time.Time),
		}
		if !domain.IsHealthyState(observed) {
			resource.SeverityLevel = domain.LevelWarning
			resource.EscalationCheckpoints[domain.LevelWarning] = now
		}
		t.resources[resourceID] = resource
		t.persistLocked(ctx)
		return t.emit(domain.StateEvent{
			Type:       domain.EventNewState,
			ResourceID: resourceID,
			ToState:    observed,
			Severity:   resource.SeverityLevel,
			At:         now,
		})
	}

	resource.LastSeenAt = now
	if resource.CurrentState == observed {
		resource.SignalCount++
		t.persistLocked(ctx)
		return nil
	}

	from := resource.CurrentState
	resource.TransitionHistory = append(resource.TransitionHistory, domain.Transition{At: now, From: from, To: observed})
	t.pruneHistory(resource, now)
	// Flapping only silences events; the state still follows observations so
	// health scores and parent-outage checks see the live value.
	t.commit(resource, observed, now)

	var events []domain.StateEvent
	switch {
	case resource.IsFlapping:
	case len(resource.TransitionHistory) >= t.cfg.FlapThreshold:
		resource.IsFlapping = true
		flapAt := now
		resource.FlapDetectedAt = &flapAt
		events = t.emit(domain.StateEvent{
			Type:        domain.EventFlapping,
			ResourceID:  resourceID,
			FromState:   from,
			ToState:     observed,
			Severity:    resource.SeverityLevel,
			Transitions: len(resource.TransitionHistory),
			At:          now,
		})
		t.logger.Warn("resource flapping", "resource_id", resourceID, "transitions", len(resource.TransitionHistory))
		t.metrics.SetFlapping(t.flappingLocked())
	default:
		events = t.emit(domain.StateEvent{
			Type:       domain.EventStateChanged,
			ResourceID: resourceID,
			FromState:  from,
			ToState:    observed,
			Severity:   resource.SeverityLevel,
			At:         now,
		})
	}
	t.persistLocked(ctx)
	return events
}

// commit applies a real transition: signalCount resets and severity follows health.
func (t *Tracker) commit(resource *domain.ResourceState, observed string, now time.Time) {
	wasHealthy := domain.IsHealthyState(resource.CurrentState)
	resource.PreviousState = resource.CurrentState
	resource.CurrentState = observed
	resource.StateChangedAt = now
	resource.SignalCount = 1

	switch {
	case domain.IsHealthyState(observed):
		resource.SeverityLevel = domain.LevelInfo
		resource.EscalationCheckpoints = make(map[domain.SeverityLevel]time.Time)
	case wasHealthy || resource.SeverityLevel == domain.LevelInfo:
		resource.SeverityLevel = domain.LevelWarning
		resource.EscalationCheckpoints = map[domain.SeverityLevel]time.Time{domain.LevelWarning: now}
	}
}

// EscalateSeverities promotes long-lived abnormal resources.
// Params: ctx for persistence.
// Returns: severity_escalated events; none when nothing aged past a rung.
func (t *Tracker) EscalateSeverities(ctx context.Context) []domain.StateEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var events []domain.StateEvent
	for _, id := range t.sortedIDsLocked() {
		resource := t.resources[id]
		if resource.IsFlapping || domain.IsHealthyState(resource.CurrentState) {
			continue
		}
		age := now.Sub(resource.StateChangedAt)
		warningToHigh, highToCritical := t.cfg.Ladder(resource.ResourceType)

		if resource.SeverityLevel == domain.LevelInfo {
			resource.SeverityLevel = domain.LevelWarning
			if resource.EscalationCheckpoints == nil {
				resource.EscalationCheckpoints = make(map[domain.SeverityLevel]time.Time)
			}
			resource.EscalationCheckpoints[domain.LevelWarning] = now
		}
		if resource.SeverityLevel == domain.LevelWarning && age >= warningToHigh {
			events = append(events, t.promote(resource, domain.LevelHigh, now)...)
		}
		if resource.SeverityLevel == domain.LevelHigh && age >= warningToHigh+highToCritical {
			events = append(events, t.promote(resource, domain.LevelCritical, now)...)
		}
	}
	if len(events) > 0 {
		t.persistLocked(ctx)
	}
	return events
}

func (t *Tracker) promote(resource *domain.ResourceState, level domain.SeverityLevel, now time.Time) []domain.StateEvent {
	prev := resource.SeverityLevel
	if level.Rank() <= prev.Rank() {
		return nil
	}
	resource.SeverityLevel = level
	if _, stamped := resource.EscalationCheckpoints[level]; !stamped {
		resource.EscalationCheckpoints[level] = now
	}
	t.logger.Info("severity escalated", "resource_id", resource.ResourceID, "from", prev, "to", level)
	return t.emit(domain.StateEvent{
		Type:         domain.EventSeverityEscalated,
		ResourceID:   resource.ResourceID,
		ToState:      resource.CurrentState,
		Severity:     level,
		PrevSeverity: prev,
		At:           now,
	})
}

// CheckStability clears flapping after a quiet period and prunes old history.
// Params: ctx for persistence.
// Returns: flap_cleared events.
func (t *Tracker) CheckStability(ctx context.Context) []domain.StateEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	changed := false
	var events []domain.StateEvent
	for _, id := range t.sortedIDsLocked() {
		resource := t.resources[id]
		if resource.IsFlapping {
			last := resource.StateChangedAt
			if n := len(resource.TransitionHistory); n > 0 {
				last = resource.TransitionHistory[n-1].At
			}
			if now.Sub(last) > t.cfg.StablePeriod() {
				resource.IsFlapping = false
				resource.FlapDetectedAt = nil
				resource.TransitionHistory = nil
				changed = true
				events = append(events, t.emit(domain.StateEvent{
					Type:       domain.EventFlapCleared,
					ResourceID: id,
					ToState:    resource.CurrentState,
					Severity:   resource.SeverityLevel,
					At:         now,
				})...)
				t.logger.Info("resource stable again", "resource_id", id, "state", resource.CurrentState)
				continue
			}
		}
		before := len(resource.TransitionHistory)
		t.pruneHistory(resource, now)
		if len(resource.TransitionHistory) != before {
			changed = true
		}
	}
	if changed {
		t.metrics.SetFlapping(t.flappingLocked())
		t.persistLocked(ctx)
	}
	return events
}

// Get returns copy of one resource state.
func (t *Tracker) Get(resourceID string) (domain.ResourceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	resource, ok := t.resources[resourceID]
	if !ok {
		return domain.ResourceState{}, false
	}
	return resource.Clone(), true
}

// Snapshot returns copies of all resource states sorted by ID.
func (t *Tracker) Snapshot() []domain.ResourceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ResourceState, 0, len(t.resources))
	for _, id := range t.sortedIDsLocked() {
		out = append(out, t.resources[id].Clone())
	}
	return out
}

// HealthScores maps resource severity to a 0-100 health score.
// Params: none.
// Returns: resource ID to score (critical 20, high 40, warning 65, else 100).
func (t *Tracker) HealthScores() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	scores := make(map[string]int, len(t.resources))
	for id, resource := range t.resources {
		scores[id] = healthScore(resource.SeverityLevel)
	}
	return scores
}

func healthScore(level domain.SeverityLevel) int {
	switch level {
	case domain.LevelCritical:
		return 20
	case domain.LevelHigh:
		return 40
	case domain.LevelWarning:
		return 65
	default:
		return 100
	}
}

// pruneHistory drops transitions older than the flap window and enforces the cap.
func (t *Tracker) pruneHistory(resource *domain.ResourceState, now time.Time) {
	window := t.cfg.FlapWindow()
	kept := resource.TransitionHistory[:0]
	for _, transition := range resource.TransitionHistory {
		if now.Sub(transition.At) <= window {
			kept = append(kept, transition)
		}
	}
	if t.cfg.HistoryCap > 0 && len(kept) > t.cfg.HistoryCap {
		kept = kept[len(kept)-t.cfg.HistoryCap:]
	}
	if len(kept) == 0 {
		resource.TransitionHistory = nil
		return
	}
	resource.TransitionHistory = kept
}

func (t *Tracker) sortedIDsLocked() []string {
	ids := make([]string, 0, len(t.resources))
	for id := range t.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) flappingLocked() int {
	count := 0
	for _, resource := range t.resources {
		if resource.IsFlapping {
			count++
		}
	}
	return count
}

func (t *Tracker) emit(event domain.StateEvent) []domain.StateEvent {
	t.metrics.IncTrackerEvent(string(event.Type))
	return []domain.StateEvent{event}
}

// persistLocked writes the whole table; failures leave memory authoritative.
func (t *Tracker) persistLocked(ctx context.Context) {
	if t.store == nil {
		return
	}
	doc := document{Version: documentVersion, SavedAt: t.clock.Now(), Resources: t.resources}
	if err := persist.SaveDocument(ctx, t.store, t.cfg.Document, doc); err != nil {
		t.metrics.IncPersistError(t.cfg.Document)
		t.logger.Warn("state table persist failed", "document", t.cfg.Document, "error", err)
	}
}
