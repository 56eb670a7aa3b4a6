// Package hosted manages the process-wide lifecycle of persistent
// hosted-server tools: one managed instance per tool id, health-monitored,
// restarted after a backoff on unexpected exit.
package hosted

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegisreview/aegis/internal/aerrors"
	"github.com/aegisreview/aegis/internal/logging"
)

// RestartBackoff is the pause before restarting a server that exited
// unexpectedly.
const RestartBackoff = 5 * time.Second

// HealthProbeTimeout bounds a single liveness probe.
const HealthProbeTimeout = 2 * time.Second

// Server is one hosted tool server process or connection.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	HealthCheck(ctx context.Context) error
	// Exited delivers once when the server terminates on its own. A Stop
	// initiated by the manager must not deliver.
	Exited() <-chan error
}

// ServerFactory builds a fresh Server instance, invoked on initial start and
// on every restart.
type ServerFactory func() Server

type managed struct {
	factory ServerFactory
	limiter *rate.Limiter

	mu      sync.Mutex
	current Server
	healthy bool
}

// Manager owns every persistent hosted tool in the process. It is created
// at service init and shut down explicitly; tests inject their own
// factories.
type Manager struct {
	log     *logging.Logger
	backoff time.Duration

	mu      sync.Mutex
	servers map[string]*managed
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates an empty Manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{log: log, backoff: RestartBackoff, servers: make(map[string]*managed)}
}

// Add registers a hosted tool. rps bounds outbound calls per second; zero
// means unlimited.
func (m *Manager) Add(toolID string, factory ServerFactory, rps float64) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[toolID] = &managed{factory: factory, limiter: limiter}
}

// Start launches every registered server and begins monitoring. It returns
// no error: a server that fails to start is retried by its monitor loop
// like any other exit.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	servers := make(map[string]*managed, len(m.servers))
	for id, s := range m.servers {
		servers[id] = s
	}
	m.mu.Unlock()

	for id, s := range servers {
		m.wg.Add(1)
		go func(id string, s *managed) {
			defer m.wg.Done()
			m.monitor(runCtx, id, s)
		}(id, s)
	}
}

// Shutdown stops monitoring and every running server.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		s.mu.Lock()
		if s.current != nil {
			_ = s.current.Stop()
			s.current = nil
			s.healthy = false
		}
		s.mu.Unlock()
	}
}

// Acquire blocks until the tool's rate limiter admits one call, then
// reports whether the tool is currently healthy.
func (m *Manager) Acquire(ctx context.Context, toolID string) error {
	m.mu.Lock()
	s, ok := m.servers[toolID]
	m.mu.Unlock()
	if !ok {
		return aerrors.New(aerrors.CodeToolUnavailable, "no hosted server registered").WithContext("toolId", toolID)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()
	if !healthy {
		return aerrors.New(aerrors.CodeToolUnavailable, "hosted server unhealthy").
			WithContext("toolId", toolID).WithRetryable(true)
	}
	return nil
}

// Healthy reports the last observed liveness of a hosted tool.
func (m *Manager) Healthy(toolID string) bool {
	m.mu.Lock()
	s, ok := m.servers[toolID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// monitor runs one server until ctx is cancelled, restarting after
// RestartBackoff whenever it exits on its own, and probing liveness between
// exits.
func (m *Manager) monitor(ctx context.Context, toolID string, s *managed) {
	for {
		if ctx.Err() != nil {
			return
		}
		server := s.factory()
		if err := server.Start(ctx); err != nil {
			if m.log != nil {
				m.log.Warn("hosted server failed to start", "tool_id", toolID, "error", err.Error())
			}
			if !sleepCtx(ctx, m.backoff) {
				return
			}
			continue
		}
		s.mu.Lock()
		s.current = server
		s.healthy = true
		s.mu.Unlock()

		exited := m.watch(ctx, toolID, s, server)
		s.mu.Lock()
		s.current = nil
		s.healthy = false
		s.mu.Unlock()
		if !exited {
			_ = server.Stop()
			return
		}
		if m.log != nil {
			m.log.Warn("hosted server exited, restarting", "tool_id", toolID, "backoff", m.backoff.String())
		}
		if !sleepCtx(ctx, m.backoff) {
			return
		}
	}
}

// watch probes the server until it exits (returns true) or ctx is cancelled
// (returns false).
func (m *Manager) watch(ctx context.Context, toolID string, s *managed, server Server) bool {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-server.Exited():
			if m.log != nil && err != nil {
				m.log.Warn("hosted server terminated", "tool_id", toolID, "error", err.Error())
			}
			return true
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
			err := server.HealthCheck(probeCtx)
			cancel()
			s.mu.Lock()
			s.healthy = err == nil
			s.mu.Unlock()
			if err != nil && m.log != nil {
				m.log.Warn("hosted server health probe failed", "tool_id", toolID, "error", err.Error())
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
