// Package service assembles the aegis process: storage, cache, registry,
// executor, scheduler, hosted-tool manager and the webhook surface, with
// explicit init and shutdown so tests can inject alternates.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/aegisreview/aegis/internal/analyzer"
	"github.com/aegisreview/aegis/internal/cache"
	"github.com/aegisreview/aegis/internal/config"
	"github.com/aegisreview/aegis/internal/eventbus"
	"github.com/aegisreview/aegis/internal/executor"
	"github.com/aegisreview/aegis/internal/hosted"
	"github.com/aegisreview/aegis/internal/logging"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/registry"
	"github.com/aegisreview/aegis/internal/scheduler"
	"github.com/aegisreview/aegis/internal/selector"
	"github.com/aegisreview/aegis/internal/storage"
	"github.com/aegisreview/aegis/internal/telemetry"
	"github.com/aegisreview/aegis/internal/webhook"
	"github.com/aegisreview/aegis/internal/workspace"
)

// Options carries the injectable collaborators. Zero values select the
// production defaults.
type Options struct {
	Bus          eventbus.MessageBus
	Analyzers    map[string]executor.Analyzer
	RoleDefaults map[model.AgentRole]selector.Selection
	Universal    *selector.Selection
}

// Service is the assembled aegis process.
type Service struct {
	cfg        *config.Config
	log        *logging.Logger
	store      *storage.Store
	cache      *cache.Cache
	registry   *registry.Registry
	workspaces *workspace.Manager
	executor   *executor.Executor
	pipeline   *analyzer.Pipeline
	schedules  *scheduler.Store
	dispatcher *scheduler.Dispatcher
	cadencer   *scheduler.Cadencer
	hosted     *hosted.Manager
	handler    *webhook.Handler
	bus        eventbus.MessageBus
	tracing    *telemetry.TracerProvider

	httpServer *http.Server
	tickSub    eventbus.Subscription
}

// New wires a Service from configuration.
func New(cfg *config.Config, opts Options) (*Service, error) {
	log := logging.New("aegis", slog.LevelInfo)

	tracing, err := telemetry.NewTracerProvider("aegis")
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	c, err := cache.New(store, 256, cfg.CacheTTL, log)
	if err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewManager(filepath.Join(cfg.WorkspacesDir, "exec"))
	if err != nil {
		return nil, err
	}

	bus := opts.Bus
	if bus == nil {
		nb, err := eventbus.NewNATSBus(eventbus.Config{URL: cfg.EventBus.URL, Name: "aegis"})
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		bus = nb
	}

	exec := executor.New(cfg.MaxConcurrency, workspaces, opts.Analyzers,
		executor.WithDefaultTimeout(cfg.PerToolTimeout),
		executor.WithRunTimeout(cfg.RunTimeout),
		executor.WithLogger(log),
		executor.WithMiddleware(
			executor.Timeout(cfg.PerToolTimeout, nil),
			executor.Retry(executor.RetryConfig{
				MaxAttempts:  2,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2,
				Jitter:       0.2,
				Logger:       log,
			}),
		),
	)

	reg := registry.New()
	pipeline := analyzer.New(reg, exec, c, log)
	schedules := scheduler.NewStore(store)
	dispatcher := scheduler.NewDispatcher(schedules, bus, log)
	cadencer := scheduler.NewCadencer(schedules, nil)
	sel := selector.New(store, opts.RoleDefaults, opts.Universal)
	hostedMgr := hosted.NewManager(log)

	handler := webhook.NewHandler(store, schedules, dispatcher, cadencer, pipeline, sel,
		[]byte(cfg.HTTP.JWTSigningKey),
		filepath.Join(cfg.WorkspacesDir, "staging"),
		filepath.Join(cfg.WorkspacesDir, "checkouts"),
		log)

	return &Service{
		cfg:        cfg,
		log:        log,
		store:      store,
		cache:      c,
		registry:   reg,
		workspaces: workspaces,
		executor:   exec,
		pipeline:   pipeline,
		schedules:  schedules,
		dispatcher: dispatcher,
		cadencer:   cadencer,
		hosted:     hostedMgr,
		handler:    handler,
		bus:        bus,
		tracing:    tracing,
	}, nil
}

// Registry exposes the tool catalog so the embedding process can register
// its analyzers before Run.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Hosted exposes the hosted-tool manager for server registration.
func (s *Service) Hosted() *hosted.Manager { return s.hosted }

// Handler exposes the webhook surface, primarily for tests.
func (s *Service) Handler() *webhook.Handler { return s.handler }

// Run starts the hosted servers, the tick subscription, the dispatch loop
// and the HTTP listener, blocking until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if roles := s.registry.UnderprovisionedRoles(); len(roles) > 0 {
		return fmt.Errorf("roles registered with fewer than two tools: %v", roles)
	}
	if _, err := s.workspaces.Prune(); err != nil {
		s.log.Warn("pruning stale workspaces failed", "error", err.Error())
	}

	s.hosted.Start(ctx)

	sub, err := s.handler.SubscribeTicks(ctx, s.bus)
	if err != nil {
		return fmt.Errorf("subscribing to schedule ticks: %w", err)
	}
	s.tickSub = sub

	go func() {
		if err := s.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("dispatch loop stopped", "error", err.Error())
		}
	}()

	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the listener, subscriptions, hosted servers and storage.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
	if s.tickSub != nil {
		_ = s.tickSub.Unsubscribe()
	}
	s.hosted.Shutdown()
	_ = s.bus.Close()
	_ = s.tracing.Shutdown(ctx)
	return s.store.Close()
}
