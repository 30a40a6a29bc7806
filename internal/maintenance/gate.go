package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"opsisagent/internal/clock"
	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/metrics"
	"opsisagent/internal/persist"
)

const documentVersion = 1

var (
	// ErrWindowNotFound is returned by Remove for unknown IDs.
	ErrWindowNotFound = errors.New("maintenance window not found")
	// ErrDuplicateWindow is returned by Add when the ID is already present.
	ErrDuplicateWindow = errors.New("maintenance window already exists")
)

var windowValidate = validator.New()

// Result is the gate verdict for one detection.
// Params: suppression flag, matching window, and human-readable reason.
// Returns: decision input for escalation/remediation suppression.
type Result struct {
	Suppressed bool
	Window     *domain.MaintenanceWindow
	Reason     string
}

// SuppressesEscalation reports whether matching window blocks escalation.
func (r Result) SuppressesEscalation() bool {
	return r.Suppressed && r.Window != nil && r.Window.SuppressEscalation
}

// SuppressesRemediation reports whether matching window blocks local remediation.
func (r Result) SuppressesRemediation() bool {
	return r.Suppressed && r.Window != nil && r.Window.SuppressRemediation
}

// ExpiryFunc is called once for each window whose end passed since the last sweep.
type ExpiryFunc func(window domain.MaintenanceWindow)

type document struct {
	Version int                        `json:"version"`
	Windows []domain.MaintenanceWindow `json:"windows"`
}

// Options carries gate collaborators.
type Options struct {
	Store    persist.Store
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	OnExpire ExpiryFunc
}

// Gate decides whether detections fall inside a declared maintenance window.
// Params: maintenance config and collaborators.
// Returns: concurrent-safe gate persisted on every mutation.
type Gate struct {
	cfg      config.MaintenanceConfig
	store    persist.Store
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onExpire ExpiryFunc

	mu        sync.Mutex
	windows   []domain.MaintenanceWindow
	lastSweep time.Time
}

// New creates gate and reloads persisted windows.
// Params: ctx for load, maintenance config, options.
// Returns: gate; load failures are logged and start an empty list.
func New(ctx context.Context, cfg config.MaintenanceConfig, opts Options) *Gate {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	g := &Gate{
		cfg:      cfg,
		store:    opts.Store,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		onExpire: opts.OnExpire,
	}
	g.lastSweep = g.clock.Now()
	if g.store != nil {
		var doc document
		found, err := persist.LoadDocument(ctx, g.store, cfg.Document, &doc)
		switch {
		case err != nil:
			g.logger.Warn("maintenance windows load failed, starting empty", "document", cfg.Document, "error", err)
		case found:
			g.windows = doc.Windows
			g.logger.Info("maintenance windows loaded", "document", cfg.Document, "windows", len(doc.Windows))
		}
	}
	return g
}

// ValidateWindow checks window fields and scope shape.
// Params: window.
// Returns: validation error.
func ValidateWindow(window domain.MaintenanceWindow) error {
	if err := windowValidate.Struct(window); err != nil {
		return fmt.Errorf("invalid maintenance window: %w", err)
	}
	return nil
}

// IsUnderMaintenance scans active windows and returns first scope match.
// Params: issue category, optional service name, optional signal ID.
// Returns: suppression verdict.
func (g *Gate) IsUnderMaintenance(category, serviceName, signalID string) Result {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.windows {
		window := g.windows[i]
		if !window.ActiveAt(now) || !matches(window.Scope, category, serviceName, signalID) {
			continue
		}
		reason := window.Reason
		if reason == "" {
			reason = fmt.Sprintf("maintenance window %s (%s scope)", window.ID, window.Scope.Type)
		}
		return Result{Suppressed: true, Window: &window, Reason: reason}
	}
	return Result{}
}

func matches(scope domain.MaintenanceScope, category, serviceName, signalID string) bool {
	switch scope.Type {
	case domain.ScopeAll:
		return true
	case domain.ScopeServices:
		return serviceName != "" && containsFold(scope.Services, serviceName)
	case domain.ScopeCategories:
		return category != "" && containsFold(scope.Categories, category)
	case domain.ScopeSpecific:
		if signalID == "" {
			return false
		}
		for _, id := range scope.SignalIDs {
			if id == signalID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func containsFold(values []string, want string) bool {
	want = strings.TrimSpace(want)
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), want) {
			return true
		}
	}
	return false
}

// Add validates and stores a new window.
// Params: ctx for persistence and window (ID/CreatedAt filled when empty).
// Returns: stored window or validation/duplicate error.
func (g *Gate) Add(ctx context.Context, window domain.MaintenanceWindow) (domain.MaintenanceWindow, error) {
	if window.ID == "" {
		window.ID = uuid.NewString()
	}
	if window.CreatedAt.IsZero() {
		window.CreatedAt = g.clock.Now()
	}
	window.StartTime = window.StartTime.UTC()
	window.EndTime = window.EndTime.UTC()
	if err := ValidateWindow(window); err != nil {
		return domain.MaintenanceWindow{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.windows {
		if existing.ID == window.ID {
			return domain.MaintenanceWindow{}, fmt.Errorf("%w: %s", ErrDuplicateWindow, window.ID)
		}
	}
	g.windows = append(g.windows, window)
	g.persistLocked(ctx)
	g.logger.Info("maintenance window added", "window_id", window.ID, "scope", window.Scope.Type, "source", window.Source,
		"start", window.StartTime, "end", window.EndTime)
	return window, nil
}

// Remove deletes a window by ID.
// Params: ctx for persistence and window ID.
// Returns: ErrWindowNotFound for unknown IDs.
func (g *Gate) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, window := range g.windows {
		if window.ID != id {
			continue
		}
		g.windows = append(g.windows[:i], g.windows[i+1:]...)
		g.persistLocked(ctx)
		g.logger.Info("maintenance window removed", "window_id", id)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrWindowNotFound, id)
}

// List returns copy of all windows sorted by start time.
func (g *Gate) List() []domain.MaintenanceWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]domain.MaintenanceWindow(nil), g.windows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Sweep fires expiry callbacks and garbage-collects windows past retention.
// Params: ctx for persistence.
// Returns: windows that expired since the previous sweep and number removed.
func (g *Gate) Sweep(ctx context.Context) ([]domain.MaintenanceWindow, int) {
	now := g.clock.Now()
	cutoff := now.Add(-g.cfg.Retention())

	g.mu.Lock()
	since := g.lastSweep
	g.lastSweep = now

	var expired []domain.MaintenanceWindow
	kept := g.windows[:0]
	removed := 0
	for _, window := range g.windows {
		if !window.EndTime.Before(since) && now.After(window.EndTime) {
			expired = append(expired, window)
		}
		if window.EndTime.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, window)
	}
	g.windows = kept
	if removed > 0 {
		g.persistLocked(ctx)
	}
	g.mu.Unlock()

	for _, window := range expired {
		g.logger.Info("maintenance window expired", "window_id", window.ID, "end", window.EndTime)
		if g.onExpire != nil {
			g.onExpire(window)
		}
	}
	if removed > 0 {
		g.logger.Info("maintenance windows garbage-collected", "removed", removed)
	}
	return expired, removed
}

// Run sweeps on the configured interval until ctx is done.
// Params: ctx controlling loop lifetime.
// Returns: nil on cancellation.
func (g *Gate) Run(ctx context.Context) error {
	interval := g.cfg.SweepInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

func (g *Gate) persistLocked(ctx context.Context) {
	if g.store == nil {
		return
	}
	doc := document{Version: documentVersion, Windows: g.windows}
	if doc.Windows == nil {
		doc.Windows = []domain.MaintenanceWindow{}
	}
	if err := persist.SaveDocument(ctx, g.store, g.cfg.Document, doc); err != nil {
		g.metrics.IncPersistError(g.cfg.Document)
		g.logger.Warn("maintenance windows persist failed", "document", g.cfg.Document, "error", err)
	}
}
