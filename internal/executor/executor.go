package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aegisreview/aegis/internal/logging"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/telemetry"
	"github.com/aegisreview/aegis/internal/workspace"
)

//go:generate mockgen -source=executor.go -destination=mock_analyzer.go -package=executor

// Analyzer is the external collaborator a registered Tool delegates to. Each
// concrete analyzer (linter, SAST scanner, LLM reviewer, ...) implements
// this against its own protocol.
type Analyzer interface {
	Run(ctx context.Context, t *model.Tool, workspacePath string) (*model.ToolResult, error)
}

// Strategy selects how a batch of tools is dispatched.
type Strategy string

const (
	// StrategyParallelAll executes primary and fallback concurrently,
	// bounded by maxConcurrency.
	StrategyParallelAll Strategy = "parallelAll"
	// StrategyPrimaryThenFallback runs the primary set concurrently and
	// invokes the fallback set only when more than half the primaries fail.
	StrategyPrimaryThenFallback Strategy = "primaryThenFallback"
	// StrategySequential runs one tool at a time, optionally failing fast.
	StrategySequential Strategy = "sequential"
)

// Selected is the tool set resolved for one run: a primary set and the
// fallbacks promoted when primaries fail.
type Selected struct {
	Primary  []*model.Tool
	Fallback []*model.Tool
}

// Progress is a snapshot of a run's state, delivered after each change.
type Progress struct {
	Total     int
	Completed int
	Failed    int
	InFlight  int
}

// ProgressState is the per-tool lifecycle stage a progress event reports.
// For any one tool, started always precedes succeeded or failed.
type ProgressState string

const (
	ToolStarted   ProgressState = "started"
	ToolSucceeded ProgressState = "succeeded"
	ToolFailed    ProgressState = "failed"
)

// ProgressEvent couples a per-tool state change with the run-wide counters
// at the instant of the change.
type ProgressEvent struct {
	ToolID   string
	State    ProgressState
	Progress Progress
}

// ProgressFunc receives serialized progress events. Callbacks run under the
// tracker lock, so they must not block.
type ProgressFunc func(ProgressEvent)

// RunOptions configures one Execute call.
type RunOptions struct {
	Strategy Strategy
	FailFast bool // sequential only
	Progress ProgressFunc
}

// Executor runs a batch of tools against a workspace with bounded
// concurrency.
type Executor struct {
	maxConcurrency int64
	defaultTimeout time.Duration
	runTimeout     time.Duration
	workspaces     *workspace.Manager
	analyzers      map[string]Analyzer
	invoke         Invoker
	logger         *logging.Logger
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithMiddleware wraps the base invocation with the given middleware chain.
func WithMiddleware(mw ...Middleware) Option {
	return func(e *Executor) {
		e.invoke = Chain(mw...)(e.invoke)
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithDefaultTimeout sets the per-tool deadline applied when a tool's
// requirements do not declare one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithRunTimeout bounds one Execute call end to end, on top of the per-tool
// deadlines.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Executor) { e.runTimeout = d }
}

// New creates an Executor bounded to maxConcurrency simultaneous tool runs.
func New(maxConcurrency int, workspaces *workspace.Manager, analyzers map[string]Analyzer, opts ...Option) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	e := &Executor{
		maxConcurrency: int64(maxConcurrency),
		defaultTimeout: 30 * time.Second,
		workspaces:     workspaces,
		analyzers:      analyzers,
	}
	e.invoke = e.baseInvoke
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute dispatches the selected tools under the requested strategy and
// returns exactly one ToolResult per attempted tool; no tool is silently
// dropped, and no tool's failure aborts its peers.
func (e *Executor) Execute(ctx context.Context, sel Selected, sourceDir string, opts RunOptions) []*model.ToolResult {
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	tr := newTracker(opts.Progress)

	switch opts.Strategy {
	case StrategyPrimaryThenFallback:
		tr.addTotal(len(sel.Primary))
		results := e.runBatch(ctx, sel.Primary, sourceDir, tr)
		failed := 0
		for _, r := range results {
			if !r.Success {
				failed++
			}
		}
		if len(sel.Primary) > 0 && failed*2 > len(sel.Primary) {
			tr.addTotal(len(sel.Fallback))
			results = append(results, e.runBatch(ctx, sel.Fallback, sourceDir, tr)...)
		}
		return results
	case StrategySequential:
		tools := append(append([]*model.Tool{}, sel.Primary...), sel.Fallback...)
		tr.addTotal(len(tools))
		return e.runSequential(ctx, tools, sourceDir, opts.FailFast, tr)
	default:
		tools := append(append([]*model.Tool{}, sel.Primary...), sel.Fallback...)
		tr.addTotal(len(tools))
		return e.runBatch(ctx, tools, sourceDir, tr)
	}
}

// runBatch fans tools out concurrently, bounded by the semaphore so no more
// than maxConcurrency executions are ever in flight.
func (e *Executor) runBatch(ctx context.Context, tools []*model.Tool, sourceDir string, tr *tracker) []*model.ToolResult {
	if len(tools) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(e.maxConcurrency)
	results := make([]*model.ToolResult, len(tools))
	var wg sync.WaitGroup

	for i, t := range tools {
		i, t := i, t
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = cancelledResult(t.ID, err)
			tr.started(t.ID)
			tr.finished(t.ID, false)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			tr.started(t.ID)
			results[i] = e.runOne(ctx, t, sourceDir)
			tr.finished(t.ID, results[i].Success)
		}()
	}
	wg.Wait()
	return results
}

// runSequential runs one tool at a time. With failFast, a failure stops
// attempting further tools; the remainder still yield results (cancelled) so
// the batch stays complete.
func (e *Executor) runSequential(ctx context.Context, tools []*model.Tool, sourceDir string, failFast bool, tr *tracker) []*model.ToolResult {
	results := make([]*model.ToolResult, 0, len(tools))
	stopped := false
	for _, t := range tools {
		if stopped || ctx.Err() != nil {
			results = append(results, cancelledResult(t.ID, context.Canceled))
			tr.started(t.ID)
			tr.finished(t.ID, false)
			continue
		}
		tr.started(t.ID)
		r := e.runOne(ctx, t, sourceDir)
		tr.finished(t.ID, r.Success)
		results = append(results, r)
		if failFast && !r.Success {
			stopped = true
		}
	}
	return results
}

func (e *Executor) baseInvoke(a *Attempt) (*model.ToolResult, error) {
	analyzer, ok := e.analyzers[a.Tool.ID]
	if !ok {
		return nil, &model.ToolError{Code: model.ErrCodeUnavailable, Message: "no analyzer registered for tool " + a.Tool.ID}
	}
	return analyzer.Run(ctxOf(a), a.Tool, a.Workspace)
}

// runOne materializes an isolated workspace, applies the per-tool deadline
// and runs the invocation chain, always producing a ToolResult and always
// releasing the workspace.
func (e *Executor) runOne(ctx context.Context, t *model.Tool, sourceDir string) *model.ToolResult {
	started := time.Now()
	ws, err := e.workspaces.Materialize(ctx, sourceDir, t.Requirements.Limits)
	if err != nil {
		return &model.ToolResult{ToolID: t.ID, Success: false, StartedAt: started,
			Error: &model.ToolError{Code: model.ErrCodeUnavailable, Message: err.Error()}}
	}
	defer ws.Release()

	timeout := t.Requirements.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	wsCtx, wsCancel := ws.Deadline(ctx)
	defer wsCancel()
	toolCtx, cancel := context.WithTimeout(wsCtx, timeout)
	defer cancel()

	result, err := e.runWithRecover(&Attempt{Context: toolCtx, Tool: t, Workspace: ws.Path, StartedAt: started, Number: 1})
	if result == nil && err == nil {
		// A tool that returns neither a result nor an error violates the
		// invocation contract.
		err = &model.ToolError{Code: model.ErrCodeMalformedOutput, Message: "tool returned no result"}
	}
	if result == nil {
		result = &model.ToolResult{ToolID: t.ID, StartedAt: started}
	}
	result.ToolID = t.ID
	result.StartedAt = started
	result.DurationMs = time.Since(started).Milliseconds()
	if err != nil && result.Error == nil {
		result.Success = false
		result.Error = toToolError(err, toolCtx)
	}
	result.ClearWorkspacePath()

	telemetry.RecordToolOutcome(t.ID, result.Success, time.Since(started).Seconds())
	if e.logger != nil {
		e.logger.ToolCompleted(t.ID, result.Success, result.DurationMs, len(result.Findings))
	}
	return result
}

func (e *Executor) runWithRecover(a *Attempt) (result *model.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.ToolError{Code: model.ErrCodePanic, Message: "tool panicked during execution"}
		}
	}()
	return e.invoke(a)
}

func cancelledResult(toolID string, cause error) *model.ToolResult {
	return &model.ToolResult{ToolID: toolID, Success: false,
		Error: &model.ToolError{Code: model.ErrCodeCancelled, Message: cause.Error(), Recoverable: true}}
}

// toToolError maps invocation errors onto the result error taxonomy. A
// deadline hit on the per-tool context becomes a recoverable TIMEOUT.
func toToolError(err error, toolCtx context.Context) *model.ToolError {
	if te, ok := err.(*model.ToolError); ok {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
		return &model.ToolError{Code: model.ErrCodeTimeout, Message: err.Error(), Recoverable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &model.ToolError{Code: model.ErrCodeCancelled, Message: err.Error(), Recoverable: true}
	}
	return &model.ToolError{Code: model.ErrCodeUnavailable, Message: err.Error()}
}

// tracker serializes progress accounting so callbacks observe start before
// finish for any one tool and counters never go backwards.
type tracker struct {
	mu sync.Mutex
	p  Progress
	fn ProgressFunc
}

func newTracker(fn ProgressFunc) *tracker {
	return &tracker{fn: fn}
}

func (t *tracker) addTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Total += n
}

func (t *tracker) started(toolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.InFlight++
	t.emit(toolID, ToolStarted)
}

func (t *tracker) finished(toolID string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.InFlight--
	t.p.Completed++
	state := ToolSucceeded
	if !success {
		t.p.Failed++
		state = ToolFailed
	}
	t.emit(toolID, state)
}

func (t *tracker) emit(toolID string, state ProgressState) {
	if t.fn == nil {
		return
	}
	t.fn(ProgressEvent{ToolID: toolID, State: state, Progress: t.p})
}
