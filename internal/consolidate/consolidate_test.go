package consolidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisreview/aegis/internal/model"
)

func finding(file string, line int, message string, sev model.Severity) model.Finding {
	return model.Finding{
		Kind:     model.FindingIssue,
		Severity: sev,
		Category: "correctness",
		Message:  message,
		File:     file,
		Line:     line,
	}
}

func TestDedupAcrossTools(t *testing.T) {
	// Two tools emit the same dedup key at different severities.
	a := &model.ToolResult{ToolID: "a", Success: true, Findings: []model.Finding{
		finding("x.ts", 10, "unused var", model.SeverityLow),
	}}
	b := &model.ToolResult{ToolID: "b", Success: true, Findings: []model.Finding{
		finding("x.ts", 10, "unused var", model.SeverityMedium),
	}}

	out := Consolidate("quick", []*model.ToolResult{a, b})

	require.Len(t, out.Findings, 1)
	assert.Equal(t, model.SeverityMedium, out.Findings[0].Severity)
}

func TestSeverityPreservingMerge(t *testing.T) {
	lower := finding("y.go", 3, "shadowed variable", model.SeverityMedium)
	higher := finding("y.go", 3, "shadowed variable", model.SeverityCritical)

	out := Dedup([]model.Finding{lower, higher})
	require.Len(t, out, 1)
	assert.GreaterOrEqual(t, out[0].Severity, lower.Severity)
	assert.GreaterOrEqual(t, out[0].Severity, higher.Severity)
}

func TestDedupTieKeepsEarlierArrival(t *testing.T) {
	first := finding("z.go", 7, "dup", model.SeverityHigh)
	first.RuleID = "first"
	second := finding("z.go", 7, "dup", model.SeverityHigh)
	second.RuleID = "second"

	out := Dedup([]model.Finding{first, second})
	require.Len(t, out, 1)
	assert.Equal(t, "first", out[0].RuleID)
}

func TestDedupIdempotence(t *testing.T) {
	in := []model.Finding{
		finding("a.go", 1, "one", model.SeverityLow),
		finding("a.go", 1, "one", model.SeverityHigh),
		finding("b.go", 2, "two", model.SeverityInfo),
		finding("", 0, "global note", model.SeverityInfo),
	}
	once := Dedup(in)
	twice := Dedup(once)
	assert.Equal(t, once, twice)
}

func TestGlobalFileSentinelInKey(t *testing.T) {
	f := finding("", 0, "repo-wide issue", model.SeverityInfo)
	assert.Contains(t, Key(f), model.GlobalFile)
}

func TestMetricNamespacingAndSummary(t *testing.T) {
	a := &model.ToolResult{ToolID: "lint", Success: true, Metrics: map[string]float64{"files": 3}}
	b := &model.ToolResult{ToolID: "sast", Success: true, Metrics: map[string]float64{"files": 7}}

	out := Consolidate("comprehensive", []*model.ToolResult{a, b})

	assert.Equal(t, 3.0, out.Metrics["lint.files"])
	assert.Equal(t, 7.0, out.Metrics["sast.files"])
	assert.Equal(t, 2.0, out.Metrics["tools.total"])
	assert.Equal(t, 2.0, out.Metrics["tools.succeeded"])
	assert.Equal(t, 0.0, out.Metrics["tools.failed"])
	assert.Equal(t, 1.0, out.Metrics["tools.successRate"])
}

func TestAllToolsFailedStillProducesResult(t *testing.T) {
	a := &model.ToolResult{ToolID: "a", Success: false, Error: &model.ToolError{Code: model.ErrCodeTimeout, Message: "deadline"}}
	b := &model.ToolResult{ToolID: "b", Success: false, Error: &model.ToolError{Code: model.ErrCodeUnavailable, Message: "spawn failed"}}

	out := Consolidate("quick", []*model.ToolResult{a, b})

	assert.Empty(t, out.Findings)
	require.Len(t, out.ToolsFailed, 2)
	assert.Equal(t, 0.0, out.Metrics["tools.successRate"])
}

func TestFindingsOrderedBySeverity(t *testing.T) {
	r := &model.ToolResult{ToolID: "a", Success: true, Findings: []model.Finding{
		finding("a.go", 1, "minor", model.SeverityLow),
		finding("b.go", 2, "major", model.SeverityCritical),
		finding("c.go", 3, "medium", model.SeverityMedium),
	}}

	out := Consolidate("quick", []*model.ToolResult{r})
	require.Len(t, out.Findings, 3)
	assert.Equal(t, model.SeverityCritical, out.Findings[0].Severity)
	assert.Equal(t, model.SeverityLow, out.Findings[2].Severity)
}

func TestRenderFixFillsPatch(t *testing.T) {
	f := finding("main.go", 5, "replace deprecated call", model.SeverityMedium)
	f.AutoFixable = true
	f.Fix = &model.Fix{
		Description: "use the context-aware variant",
		Before:      "db.Query(q)\n",
		After:       "db.QueryContext(ctx, q)\n",
	}
	r := &model.ToolResult{ToolID: "a", Success: true, Findings: []model.Finding{f}}

	out := Consolidate("quick", []*model.ToolResult{r})
	require.Len(t, out.Findings, 1)
	require.NotNil(t, out.Findings[0].Fix)
	assert.Contains(t, out.Findings[0].Fix.Patch, "-db.Query(q)")
	assert.Contains(t, out.Findings[0].Fix.Patch, "+db.QueryContext(ctx, q)")
}
