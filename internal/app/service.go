package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"opsisagent/internal/channel"
	"opsisagent/internal/clock"
	"opsisagent/internal/confidence"
	"opsisagent/internal/config"
	"opsisagent/internal/decision"
	"opsisagent/internal/domain"
	"opsisagent/internal/executor"
	"opsisagent/internal/ingest"
	"opsisagent/internal/logging"
	"opsisagent/internal/maintenance"
	"opsisagent/internal/metrics"
	"opsisagent/internal/persist"
	"opsisagent/internal/playbook"
	"opsisagent/internal/rules"
	"opsisagent/internal/state"
	"opsisagent/internal/tickets"
	"opsisagent/internal/trust"
	"opsisagent/internal/vault"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable agent service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	clock      clock.Clock
	metrics    *metrics.Metrics
	store      persist.Store
	runbookFS  persist.Store
	vault      *vault.BadgerVault
	nonces     *trust.NonceCache
	tickets    *tickets.BadgerStore
	tracker    *state.Tracker
	gate       *maintenance.Gate
	manager    *Manager
	channel    *channel.NATSChannel
	dispatcher *channel.Dispatcher
	httpSrv    *http.Server
	adminToken string
	readyFlag  atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger.With("agent_id", cfg.Agent.ID),
		closeLog: closeLog,
		clock:    clk,
		metrics:  metrics.NewMetrics(),
	}
	if err := service.build(context.Background()); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// build wires every component in dependency order.
func (s *Service) build(ctx context.Context) error {
	cfg := s.cfg

	store, err := persist.Open(cfg.Persist)
	if err != nil {
		return fmt.Errorf("open persist backend: %w", err)
	}
	s.store = store

	vlt, capability := vault.Open(cfg.Vault, s.logger)
	var backend vault.Vault
	if vlt != nil {
		s.vault = vlt
		backend = vlt
	}
	if err := capability.Check(); err != nil {
		s.logger.Error("credential vault unavailable, controller commands will be refused", "error", err.Error())
	}
	keyring := trust.NewKeyring(backend, capability, cfg.Trust)

	nonces, err := trust.NewNonceCache(cfg.Trust.NonceCacheSize, 2*cfg.Trust.MaxAge())
	if err != nil {
		return err
	}
	s.nonces = nonces
	signer := trust.NewSigner(keyring, s.clock)
	verifier := trust.NewVerifier(keyring, nonces, s.clock, cfg.Trust)
	integrity := trust.NewIntegrity(keyring, s.clock)
	steps := trust.NewStepValidator()

	ticketStore, err := tickets.Open(cfg.Tickets, s.clock, s.logger)
	if err != nil {
		return err
	}
	s.tickets = ticketStore

	adjuster := confidence.New()
	aggregates, err := ticketStore.Aggregate(ctx)
	if err != nil {
		s.logger.Warn("ticket history replay failed, starting without history", "error", err.Error())
	} else {
		s.logger.Info("confidence history replayed", "signatures", adjuster.Seed(aggregates))
	}

	catalog, err := playbook.LoadCatalog(cfg.Playbooks.CatalogPath, steps)
	if err != nil {
		return err
	}
	runbookFS, err := persist.NewFileStore(cfg.Playbooks.RunbookDir)
	if err != nil {
		return fmt.Errorf("open runbook cache: %w", err)
	}
	s.runbookFS = runbookFS
	runbooks := playbook.NewRunbookCache(runbookFS, integrity, steps, s.logger)

	execBackend, err := executor.New(cfg.Executor, s.logger)
	if err != nil {
		return err
	}
	guarded := executor.NewGuarded(execBackend, steps, cfg.Executor, s.metrics, s.logger)

	engine := rules.New(cfg.Rules, catalog)
	orchestrator := decision.New(engine, adjuster, cfg.Decision)
	topology := state.NewSnapshotTopology()
	s.tracker = state.New(ctx, cfg.State, state.Options{
		Store:    store,
		Clock:    s.clock,
		Logger:   s.logger,
		Metrics:  s.metrics,
		Topology: topology,
	})
	s.gate = maintenance.New(ctx, cfg.Maintenance, maintenance.Options{
		Store:   store,
		Clock:   s.clock,
		Logger:  s.logger,
		Metrics: s.metrics,
		OnExpire: func(window domain.MaintenanceWindow) {
			if s.manager != nil {
				s.manager.WindowExpired(window)
			}
		},
	})

	deps := Deps{
		Rules:        engine,
		Adjuster:     adjuster,
		Orchestrator: orchestrator,
		Tracker:      s.tracker,
		Topology:     topology,
		Gate:         s.gate,
		Catalog:      catalog,
		Runbooks:     runbooks,
		Executor:     guarded,
		Tickets:      ticketStore,
		Rotator:      trust.NewRotator(keyring, signer),
		Metrics:      s.metrics,
		Logger:       s.logger,
		Clock:        s.clock,
	}

	if cfg.Channel.Enabled {
		ch, err := channel.DialNATS(cfg.Channel, cfg.Agent.ID, s.logger)
		if err != nil {
			return err
		}
		s.channel = ch
		schemas, err := channel.NewSchemas()
		if err != nil {
			return err
		}
		s.dispatcher = channel.NewDispatcher(verifier, schemas, s.metrics, s.logger)
		deps.Controller = channel.NewOutbound(ch, signer, cfg.Agent.ID, cfg.Channel, s.metrics, s.logger)
	}

	s.manager = NewManager(deps)
	if s.dispatcher != nil {
		s.manager.RegisterHandlers(s.dispatcher)
	}
	adminToken, err := maintenance.LoadOrCreateAdminToken(cfg.HTTP.AdminTokenFile)
	if err != nil {
		return fmt.Errorf("admin token: %w", err)
	}
	s.adminToken = adminToken
	s.buildHTTPServer()
	return nil
}

// Manager exposes the pipeline for embedding and tests.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	if s.channel != nil {
		if err := s.channel.SubscribeInbound(groupCtx, s.dispatcher); err != nil {
			_ = s.shutdown()
			return err
		}
		if s.cfg.Channel.MetricsSubjectEnabled {
			if err := s.channel.SubscribeMetrics(groupCtx, s.manager); err != nil {
				_ = s.shutdown()
				return err
			}
		}
	}

	group.Go(func() error {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return s.gate.Run(groupCtx) })
	group.Go(func() error { return s.tickets.Run(groupCtx, s.cfg.Tickets) })
	group.Go(every(groupCtx, seconds(s.cfg.Agent.SeveritySweepSec), func(ctx context.Context) {
		s.manager.SweepSeverities(ctx)
	}))
	group.Go(every(groupCtx, seconds(s.cfg.Agent.NonceSweepSec), func(context.Context) {
		if removed := s.nonces.Sweep(s.clock.Now()); removed > 0 {
			s.logger.Debug("nonce cache swept", "removed", removed, "remaining", s.nonces.Len())
		}
	}))
	group.Go(every(groupCtx, seconds(s.cfg.Agent.DependencyRefreshSec), func(ctx context.Context) {
		if err := s.tracker.RefreshDependencies(ctx); err != nil {
			s.logger.Warn("dependency refresh failed, keeping previous map", "error", err.Error())
		}
	}))

	s.readyFlag.Store(true)
	runErr := group.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// every runs fn on a fixed interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) func() error {
	return func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fn(ctx)
			}
		}
	}
}

func seconds(value int) time.Duration {
	if value <= 0 {
		value = 60
	}
	return time.Duration(value) * time.Second
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.logger.Error("channel close failed", "error", err.Error())
			markErr(fmt.Errorf("channel close: %w", err))
		}
		s.channel = nil
	}
	if s.tickets != nil {
		if err := s.tickets.Close(); err != nil {
			s.logger.Error("ticket store close failed", "error", err.Error())
			markErr(fmt.Errorf("ticket store close: %w", err))
		}
		s.tickets = nil
	}
	if s.vault != nil {
		if err := s.vault.Close(); err != nil {
			s.logger.Error("vault close failed", "error", err.Error())
			markErr(fmt.Errorf("vault close: %w", err))
		}
		s.vault = nil
	}
	if s.runbookFS != nil {
		_ = s.runbookFS.Close()
		s.runbookFS = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close failed", "error", err.Error())
			markErr(fmt.Errorf("store close: %w", err))
		}
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	_ = s.shutdown()
}

// buildHTTPServer wires health, readiness, metrics, stats and ingest endpoints.
func (s *Service) buildHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.MetricsPath, s.metrics.Handler())
	mux.Handle("/stats", statsHandler(s.manager))
	mux.Handle(s.cfg.HTTP.WindowsPath, maintenance.NewHTTPHandler(s.gate, s.adminToken, s.logger))

	if s.cfg.HTTP.Enabled {
		mux.Handle(s.cfg.HTTP.IngestPath, ingest.NewHTTPHandler(s.manager, s.cfg.HTTP.MaxBodyBytes, s.metrics))
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// statsHandler reports ticket statistics and resource health scores.
func statsHandler(manager *Manager) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stats, health, err := manager.Stats(request.Context())
		if err != nil {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(struct {
			tickets.Stats
			Health map[string]int `json:"health"`
		}{Stats: stats, Health: health})
	})
}
