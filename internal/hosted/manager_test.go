package hosted

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	startErr  error
	healthErr error
	exited    chan error
	stopped   atomic.Bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{exited: make(chan error, 1)}
}

func (f *fakeServer) Start(context.Context) error       { return f.startErr }
func (f *fakeServer) Stop() error                       { f.stopped.Store(true); return nil }
func (f *fakeServer) HealthCheck(context.Context) error { return f.healthErr }
func (f *fakeServer) Exited() <-chan error              { return f.exited }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartMarksServerHealthy(t *testing.T) {
	m := NewManager(nil)
	m.backoff = 10 * time.Millisecond
	srv := newFakeServer()
	m.Add("llm-reviewer", func() Server { return srv }, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	waitFor(t, func() bool { return m.Healthy("llm-reviewer") })
	assert.NoError(t, m.Acquire(ctx, "llm-reviewer"))

	cancel()
	m.Shutdown()
}

func TestRestartAfterExit(t *testing.T) {
	m := NewManager(nil)
	m.backoff = 10 * time.Millisecond

	var starts atomic.Int64
	servers := make(chan *fakeServer, 4)
	m.Add("mcp-server", func() Server {
		s := newFakeServer()
		starts.Add(1)
		servers <- s
		return s
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	first := <-servers
	waitFor(t, func() bool { return m.Healthy("mcp-server") })

	first.exited <- errors.New("segfault")
	second := <-servers
	require.NotSame(t, first, second, "a fresh instance is built on restart")
	waitFor(t, func() bool { return starts.Load() >= 2 && m.Healthy("mcp-server") })

	cancel()
	m.Shutdown()
}

func TestAcquireUnknownTool(t *testing.T) {
	m := NewManager(nil)
	err := m.Acquire(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestAcquireUnhealthyTool(t *testing.T) {
	m := NewManager(nil)
	m.Add("down", func() Server { return newFakeServer() }, 0)
	// Never started: the server is registered but not healthy.
	err := m.Acquire(context.Background(), "down")
	assert.Error(t, err)
}

func TestShutdownStopsServers(t *testing.T) {
	m := NewManager(nil)
	m.backoff = 10 * time.Millisecond
	srv := newFakeServer()
	m.Add("tool", func() Server { return srv }, 0)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	waitFor(t, func() bool { return m.Healthy("tool") })

	cancel()
	m.Shutdown()
	assert.False(t, m.Healthy("tool"))
	assert.True(t, srv.stopped.Load())
}

func TestRateLimiterBoundsCallRate(t *testing.T) {
	m := NewManager(nil)
	m.backoff = 10 * time.Millisecond
	srv := newFakeServer()
	m.Add("limited", func() Server { return srv }, 5) // 5 calls/sec

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	waitFor(t, func() bool { return m.Healthy("limited") })

	start := time.Now()
	for i := 0; i < 8; i++ {
		require.NoError(t, m.Acquire(ctx, "limited"))
	}
	// Burst of 6 admits immediately; the remaining two wait ~1/5s each.
	assert.Greater(t, time.Since(start), 300*time.Millisecond)

	cancel()
	m.Shutdown()
}
