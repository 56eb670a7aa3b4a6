package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/aegisreview/aegis/internal/consolidate"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/workspace"
)

type stubAnalyzer struct {
	fn func(ctx context.Context, t *model.Tool, workspacePath string) (*model.ToolResult, error)
}

func (s stubAnalyzer) Run(ctx context.Context, t *model.Tool, workspacePath string) (*model.ToolResult, error) {
	return s.fn(ctx, t, workspacePath)
}

func okAnalyzer(findings ...model.Finding) stubAnalyzer {
	return stubAnalyzer{fn: func(_ context.Context, t *model.Tool, _ string) (*model.ToolResult, error) {
		return &model.ToolResult{ToolID: t.ID, Success: true, Findings: findings}, nil
	}}
}

func failAnalyzer() stubAnalyzer {
	return stubAnalyzer{fn: func(_ context.Context, t *model.Tool, _ string) (*model.ToolResult, error) {
		return &model.ToolResult{ToolID: t.ID, Success: false,
			Error: &model.ToolError{Code: model.ErrCodeUnavailable, Message: "boom"}}, nil
	}}
}

func newTestExecutor(t *testing.T, maxConcurrency int, analyzers map[string]Analyzer, opts ...Option) (*Executor, string) {
	t.Helper()
	wm, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "main.go"), []byte("package main\n"), 0o644))
	return New(maxConcurrency, wm, analyzers, opts...), source
}

func tool(id string) *model.Tool {
	return &model.Tool{ID: id, Kind: model.KindInProcess, SupportedRoles: []model.AgentRole{model.RoleCodeQuality}}
}

func TestParallelAllCompleteness(t *testing.T) {
	analyzers := map[string]Analyzer{}
	var tools []*model.Tool
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		analyzers[id] = okAnalyzer()
		tools = append(tools, tool(id))
	}
	e, source := newTestExecutor(t, 10, analyzers)

	results := e.Execute(context.Background(), Selected{Primary: tools}, source, RunOptions{Strategy: StrategyParallelAll})

	require.Len(t, results, 5)
	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.Success)
	}
}

func TestConcurrencyBound(t *testing.T) {
	const bound = 2
	var inFlight, peak int64
	analyzers := map[string]Analyzer{}
	var tools []*model.Tool
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		analyzers[id] = stubAnalyzer{fn: func(_ context.Context, tl *model.Tool, _ string) (*model.ToolResult, error) {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return &model.ToolResult{ToolID: tl.ID, Success: true}, nil
		}}
		tools = append(tools, tool(id))
	}
	e, source := newTestExecutor(t, bound, analyzers)

	results := e.Execute(context.Background(), Selected{Primary: tools}, source, RunOptions{Strategy: StrategyParallelAll})

	require.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(bound))
}

func TestParallelWithOneTimeout(t *testing.T) {
	analyzers := map[string]Analyzer{}
	var tools []*model.Tool
	for i, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		if i == 2 {
			analyzers[id] = stubAnalyzer{fn: func(ctx context.Context, tl *model.Tool, _ string) (*model.ToolResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}}
		} else {
			analyzers[id] = okAnalyzer()
		}
		tl := tool(id)
		tl.Requirements.Timeout = 50 * time.Millisecond
		tools = append(tools, tl)
	}
	e, source := newTestExecutor(t, 10, analyzers)

	results := e.Execute(context.Background(), Selected{Primary: tools}, source, RunOptions{Strategy: StrategyParallelAll})
	require.Len(t, results, 5)

	var timedOut *model.ToolResult
	for _, r := range results {
		if r.ToolID == "t3" {
			timedOut = r
		}
	}
	require.NotNil(t, timedOut)
	assert.False(t, timedOut.Success)
	require.NotNil(t, timedOut.Error)
	assert.Equal(t, model.ErrCodeTimeout, timedOut.Error.Code)
	assert.True(t, timedOut.Error.Recoverable)

	consolidated := consolidate.Consolidate("quick", results)
	assert.Equal(t, 5.0, consolidated.Metrics["tools.total"])
	assert.Equal(t, 4.0, consolidated.Metrics["tools.succeeded"])
	assert.Equal(t, 1.0, consolidated.Metrics["tools.failed"])
	assert.InDelta(t, 0.8, consolidated.Metrics["tools.successRate"], 1e-9)
}

func TestPrimaryThenFallbackOnMajorityFailure(t *testing.T) {
	analyzers := map[string]Analyzer{
		"p1": failAnalyzer(),
		"p2": failAnalyzer(),
		"p3": failAnalyzer(),
		"p4": okAnalyzer(model.Finding{Kind: model.FindingIssue, Severity: model.SeverityLow, Category: "style", Message: "from p4"}),
		"f1": okAnalyzer(model.Finding{Kind: model.FindingIssue, Severity: model.SeverityMedium, Category: "style", Message: "from f1"}),
		"f2": okAnalyzer(model.Finding{Kind: model.FindingIssue, Severity: model.SeverityHigh, Category: "style", Message: "from f2"}),
	}
	sel := Selected{
		Primary:  []*model.Tool{tool("p1"), tool("p2"), tool("p3"), tool("p4")},
		Fallback: []*model.Tool{tool("f1"), tool("f2")},
	}
	e, source := newTestExecutor(t, 10, analyzers)

	results := e.Execute(context.Background(), sel, source, RunOptions{Strategy: StrategyPrimaryThenFallback})

	require.Len(t, results, 6, "all primaries attempted and both fallbacks invoked")
	consolidated := consolidate.Consolidate("comprehensive", results)
	messages := make(map[string]bool)
	for _, f := range consolidated.Findings {
		messages[f.Message] = true
	}
	assert.True(t, messages["from p4"], "surviving primary finding kept")
	assert.True(t, messages["from f1"])
	assert.True(t, messages["from f2"])
}

func TestPrimaryThenFallbackSkippedOnMinorityFailure(t *testing.T) {
	analyzers := map[string]Analyzer{
		"p1": okAnalyzer(),
		"p2": okAnalyzer(),
		"p3": failAnalyzer(),
		"f1": okAnalyzer(),
	}
	sel := Selected{
		Primary:  []*model.Tool{tool("p1"), tool("p2"), tool("p3")},
		Fallback: []*model.Tool{tool("f1")},
	}
	e, source := newTestExecutor(t, 10, analyzers)

	results := e.Execute(context.Background(), sel, source, RunOptions{Strategy: StrategyPrimaryThenFallback})

	assert.Len(t, results, 3, "one of three failing is not a majority")
}

func TestSequentialFailFastStillYieldsAllResults(t *testing.T) {
	analyzers := map[string]Analyzer{
		"a": okAnalyzer(),
		"b": failAnalyzer(),
		"c": okAnalyzer(),
	}
	sel := Selected{Primary: []*model.Tool{tool("a"), tool("b"), tool("c")}}
	e, source := newTestExecutor(t, 10, analyzers)

	results := e.Execute(context.Background(), sel, source, RunOptions{Strategy: StrategySequential, FailFast: true})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.False(t, results[2].Success)
	require.NotNil(t, results[2].Error)
	assert.Equal(t, model.ErrCodeCancelled, results[2].Error.Code)
}

func TestPanicYieldsFailedResult(t *testing.T) {
	analyzers := map[string]Analyzer{
		"bad": stubAnalyzer{fn: func(_ context.Context, _ *model.Tool, _ string) (*model.ToolResult, error) {
			panic("tool blew up")
		}},
	}
	e, source := newTestExecutor(t, 1, analyzers)

	results := e.Execute(context.Background(), Selected{Primary: []*model.Tool{tool("bad")}}, source, RunOptions{})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, model.ErrCodePanic, results[0].Error.Code)
}

func TestProgressOrderingAndCounters(t *testing.T) {
	analyzers := map[string]Analyzer{
		"good": okAnalyzer(),
		"bad":  failAnalyzer(),
	}
	sel := Selected{Primary: []*model.Tool{tool("good"), tool("bad")}}
	e, source := newTestExecutor(t, 10, analyzers)

	var mu sync.Mutex
	var events []ProgressEvent
	results := e.Execute(context.Background(), sel, source, RunOptions{
		Strategy: StrategyParallelAll,
		Progress: func(ev ProgressEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	require.Len(t, results, 2)

	started := make(map[string]int)
	for i, ev := range events {
		switch ev.State {
		case ToolStarted:
			started[ev.ToolID] = i
		case ToolSucceeded, ToolFailed:
			startIdx, ok := started[ev.ToolID]
			require.True(t, ok, "finish without start for %s", ev.ToolID)
			assert.Less(t, startIdx, i)
		}
		assert.LessOrEqual(t, ev.Progress.InFlight, 2)
		assert.GreaterOrEqual(t, ev.Progress.InFlight, 0)
	}
	last := events[len(events)-1]
	assert.Equal(t, 2, last.Progress.Total)
	assert.Equal(t, 2, last.Progress.Completed)
	assert.Equal(t, 1, last.Progress.Failed)
	assert.Equal(t, 0, last.Progress.InFlight)
}

func TestMalformedToolOutputIsWrapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mock := NewMockAnalyzer(ctrl)
	mock.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)

	e, source := newTestExecutor(t, 1, map[string]Analyzer{"odd": mock})
	results := e.Execute(context.Background(), Selected{Primary: []*model.Tool{tool("odd")}}, source, RunOptions{})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, model.ErrCodeMalformedOutput, results[0].Error.Code)
}

func TestCancellationStopsSchedulingNewTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	analyzers := map[string]Analyzer{"a": okAnalyzer(), "b": okAnalyzer()}
	sel := Selected{Primary: []*model.Tool{tool("a"), tool("b")}}
	e, source := newTestExecutor(t, 1, analyzers)

	results := e.Execute(ctx, sel, source, RunOptions{Strategy: StrategyParallelAll})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
	}
}
