// Package analyzer exposes the three analysis pipelines -- quick,
// comprehensive and targeted -- sharing one executor and one cache.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aegisreview/aegis/internal/aerrors"
	"github.com/aegisreview/aegis/internal/cache"
	"github.com/aegisreview/aegis/internal/consolidate"
	"github.com/aegisreview/aegis/internal/executor"
	"github.com/aegisreview/aegis/internal/logging"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/registry"
	"github.com/aegisreview/aegis/internal/telemetry"
)

// Tier names.
const (
	TierQuick         = "quick"
	TierComprehensive = "comprehensive"
	TierTargeted      = "targeted"
)

// quickBudget bounds the quick tier end to end.
const quickBudget = 3 * time.Minute

// AllPerspectives is the full targeted sweep run by weekly and monthly
// schedule ticks.
var AllPerspectives = []model.AgentRole{
	model.RoleArchitecture,
	model.RoleCodeQuality,
	model.RoleSecurity,
	model.RoleDependencies,
	model.RolePatterns,
}

// Pipeline runs the three analysis tiers over an AnalysisContext.
type Pipeline struct {
	registry *registry.Registry
	executor *executor.Executor
	cache    *cache.Cache
	log      *logging.Logger
}

// New creates a Pipeline sharing the given registry, executor and cache.
func New(reg *registry.Registry, exec *executor.Executor, c *cache.Cache, log *logging.Logger) *Pipeline {
	return &Pipeline{registry: reg, executor: exec, cache: c, log: log}
}

// Quick analyzes only the PR diff with a minimal tool set selected for the
// languages present in the changed files. It never consults or writes the
// repository-level cache; the diff changes with every push.
func (p *Pipeline) Quick(ctx context.Context, ac *model.AnalysisContext, sourceDir string, progress executor.ProgressFunc) (*model.ConsolidatedResult, error) {
	if err := ac.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, quickBudget)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "analyzer.Quick")
	defer span.End()
	span.SetAttributes(telemetry.AttrTier.String(TierQuick), telemetry.AttrRepositoryID.String(ac.Repository.ID))

	tools := p.quickTools(ac)
	if len(tools) == 0 {
		return nil, aerrors.New(aerrors.CodeNoRegisteredTools, "no tools available for quick tier").
			WithContext("role", string(ac.AgentRole))
	}
	sel := selectTools(tools, ac.ToolOverrides)
	results := p.executor.Execute(ctx, sel, sourceDir, executor.RunOptions{
		Strategy: strategyFor(sel),
		Progress: progress,
	})
	return p.finish(ctx, TierQuick, ac, results), nil
}

// Comprehensive analyzes the whole repository plus the PR. A valid cached
// comprehensive record is reused without invoking any tool; otherwise the
// compatible tools run primary-then-fallback and the result is stored with
// the cache TTL.
func (p *Pipeline) Comprehensive(ctx context.Context, ac *model.AnalysisContext, sourceDir, fingerprint string, progress executor.ProgressFunc) (*model.ConsolidatedResult, error) {
	if err := ac.Validate(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, "analyzer.Comprehensive")
	defer span.End()
	span.SetAttributes(telemetry.AttrTier.String(TierComprehensive), telemetry.AttrRepositoryID.String(ac.Repository.ID))

	if cached, ok := p.cachedResult(ctx, ac.Repository.ID, TierComprehensive, fingerprint); ok {
		span.SetAttributes(telemetry.AttrCacheHit.Bool(true))
		return cached, nil
	}

	tools := p.registry.ToolsFor(ac.AgentRole, primaryLanguage(ac))
	if len(tools) == 0 {
		return nil, aerrors.New(aerrors.CodeNoRegisteredTools, "no tools available for comprehensive tier").
			WithContext("role", string(ac.AgentRole))
	}
	sel := selectTools(tools, ac.ToolOverrides)
	if len(ac.ToolOverrides) == 0 && len(tools) > 1 {
		// Without a stored resolution, the first half of the compatible
		// candidates runs as primary; the tail of the list is promoted
		// only on majority failure.
		half := (len(tools) + 1) / 2
		sel = executor.Selected{Primary: tools[:half], Fallback: tools[half:]}
	}
	results := p.executor.Execute(ctx, sel, sourceDir, executor.RunOptions{
		Strategy: executor.StrategyPrimaryThenFallback,
		Progress: progress,
	})
	result := p.finish(ctx, TierComprehensive, ac, results)
	p.store(ctx, ac.Repository.ID, TierComprehensive, fingerprint, result)
	return result, nil
}

// Targeted runs one or more named perspectives. Each perspective has its own
// cache key, so a targeted sweep composes individually cached perspectives
// and only computes the stale ones.
func (p *Pipeline) Targeted(ctx context.Context, ac *model.AnalysisContext, sourceDir, fingerprint string, perspectives []model.AgentRole, progress executor.ProgressFunc) (*model.ConsolidatedResult, error) {
	if err := ac.Validate(); err != nil {
		return nil, err
	}
	if len(perspectives) == 0 {
		perspectives = AllPerspectives
	}
	ctx, span := telemetry.StartSpan(ctx, "analyzer.Targeted")
	defer span.End()
	span.SetAttributes(telemetry.AttrTier.String(TierTargeted), telemetry.AttrRepositoryID.String(ac.Repository.ID))

	var (
		merged   []*model.ConsolidatedResult
		computed int
	)
	for _, perspective := range perspectives {
		analyzerKey := TierTargeted + ":" + string(perspective)
		if cached, ok := p.cachedResult(ctx, ac.Repository.ID, analyzerKey, fingerprint); ok {
			merged = append(merged, cached)
			continue
		}

		perspectiveCtx := *ac
		perspectiveCtx.AgentRole = perspective
		tools := p.registry.ToolsFor(perspective, primaryLanguage(ac))
		if len(tools) == 0 {
			continue
		}
		sel := selectTools(tools, ac.ToolOverrides)
		results := p.executor.Execute(ctx, sel, sourceDir, executor.RunOptions{
			Strategy: strategyFor(sel),
			Progress: progress,
		})
		result := p.finish(ctx, TierTargeted, &perspectiveCtx, results)
		p.store(ctx, ac.Repository.ID, analyzerKey, fingerprint, result)
		merged = append(merged, result)
		computed++
	}
	if len(merged) == 0 {
		return nil, aerrors.New(aerrors.CodeNoRegisteredTools, "no tools available for any requested perspective")
	}
	out := mergeResults(TierTargeted, merged)
	out.CacheHit = computed == 0
	return out, nil
}

// finish consolidates raw tool results and attaches the tier metadata: the
// repository score and issue distribution derived from the deduped findings.
func (p *Pipeline) finish(ctx context.Context, tier string, ac *model.AnalysisContext, results []*model.ToolResult) *model.ConsolidatedResult {
	result := consolidate.Consolidate(tier, results)
	result.Metrics["repository.score"] = RepositoryScore(result.Findings)
	for sev, n := range severityDistribution(result.Findings) {
		result.Metrics["findings."+sev] = float64(n)
	}
	for _, f := range result.Findings {
		telemetry.FindingsProducedTotal.WithLabelValues(f.Severity.String()).Inc()
	}
	if p.log != nil {
		p.log.RunConsolidated(ac.ID, len(result.Findings), len(result.ToolsSucceeded), len(result.ToolsFailed))
	}
	return result
}

// cachedResult reads and decodes a valid cached tier result. A cache hit
// represents a run that invoked zero tools, so the tool counters are reset
// for this run while the findings are served as cached.
func (p *Pipeline) cachedResult(ctx context.Context, repositoryID, analyzerKey, fingerprint string) (*model.ConsolidatedResult, bool) {
	cached, ok := p.cache.GetValid(ctx, repositoryID, analyzerKey, fingerprint)
	if !ok {
		return nil, false
	}
	var result model.ConsolidatedResult
	if err := json.Unmarshal(cached.AnalysisData, &result); err != nil {
		// A corrupt row is treated as a miss; the next store overwrites it.
		return nil, false
	}
	result.CacheHit = true
	if result.Metrics == nil {
		result.Metrics = make(map[string]float64)
	}
	result.Metrics["tools.total"] = 0
	result.Metrics["tools.succeeded"] = 0
	result.Metrics["tools.failed"] = 0
	result.Metrics["tools.successRate"] = 0
	result.ToolsSucceeded = nil
	result.ToolsFailed = nil
	return &result, true
}

// store writes a tier result to the cache. Cache unavailability never fails
// the run;
// writes happen only here, on successful completion of a tier, so a
// cancelled run cannot commit a partial result.
func (p *Pipeline) store(ctx context.Context, repositoryID, analyzerKey, fingerprint string, result *model.ConsolidatedResult) {
	data, err := json.Marshal(result)
	if err != nil {
		if p.log != nil {
			p.log.Warn("skipping cache write", "analyzer", analyzerKey, "error", err.Error())
		}
		return
	}
	if _, err := p.cache.Put(ctx, repositoryID, analyzerKey, fingerprint, data, nil, 0); err != nil {
		if p.log != nil {
			p.log.Warn("cache write failed, proceeding uncached", "analyzer", analyzerKey, "error", err.Error())
		}
	}
}

// selectTools orders the compatible candidates by the run's resolved tool
// configuration: the first named tool is the primary, later names form the
// fallback chain, and compatible tools left unnamed trail the fallbacks so
// selection can still degrade. Absent a resolution (or when it names no
// compatible tool) the whole candidate set runs as primary.
func selectTools(candidates []*model.Tool, overrides []string) executor.Selected {
	if len(overrides) == 0 {
		return executor.Selected{Primary: candidates}
	}
	byID := make(map[string]*model.Tool, len(candidates))
	for _, t := range candidates {
		byID[t.ID] = t
	}
	var named []*model.Tool
	taken := make(map[string]struct{}, len(overrides))
	for _, id := range overrides {
		if t, ok := byID[id]; ok {
			named = append(named, t)
			taken[id] = struct{}{}
		}
	}
	if len(named) == 0 {
		return executor.Selected{Primary: candidates}
	}
	fallbacks := named[1:]
	for _, t := range candidates {
		if _, ok := taken[t.ID]; !ok {
			fallbacks = append(fallbacks, t)
		}
	}
	return executor.Selected{Primary: named[:1], Fallback: fallbacks}
}

// strategyFor picks the dispatch strategy implied by a selection: a resolved
// primary/fallback split promotes fallbacks only on failure, a flat
// candidate set fans out in parallel.
func strategyFor(sel executor.Selected) executor.Strategy {
	if len(sel.Fallback) > 0 {
		return executor.StrategyPrimaryThenFallback
	}
	return executor.StrategyParallelAll
}

// quickTools selects the minimal set for the quick tier: tools matching the
// languages actually present in the diff, preferring the lightweight
// universal ones when any exist.
func (p *Pipeline) quickTools(ac *model.AnalysisContext) []*model.Tool {
	languages := []string{primaryLanguage(ac)}
	for _, f := range ac.PR.Files {
		languages = append(languages, f.Language)
	}
	var candidates []*model.Tool
	seen := make(map[string]struct{})
	for _, lang := range languages {
		for _, t := range p.registry.ToolsFor(ac.AgentRole, lang) {
			if _, ok := seen[t.ID]; !ok {
				seen[t.ID] = struct{}{}
				candidates = append(candidates, t)
			}
		}
	}
	var quick []*model.Tool
	for _, t := range candidates {
		if t.Universal() {
			quick = append(quick, t)
		}
	}
	if len(quick) > 0 {
		return quick
	}
	return candidates
}

// RepositoryScore derives the 0-100 health score from deduped findings by
// charging each finding against a severity weight.
func RepositoryScore(findings []model.Finding) float64 {
	score := 100.0
	for _, f := range findings {
		score -= severityWeight(f.Severity)
	}
	if score < 0 {
		return 0
	}
	return score
}

func severityWeight(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 20
	case model.SeverityHigh:
		return 10
	case model.SeverityMedium:
		return 5
	case model.SeverityLow:
		return 2
	default:
		return 0.5
	}
}

func severityDistribution(findings []model.Finding) map[string]int {
	dist := make(map[string]int)
	for _, f := range findings {
		dist[f.Severity.String()]++
	}
	return dist
}

// mergeResults folds per-perspective results into one, re-deduplicating
// across perspectives and summing durations.
func mergeResults(tier string, parts []*model.ConsolidatedResult) *model.ConsolidatedResult {
	out := &model.ConsolidatedResult{Tier: tier, Metrics: make(map[string]float64)}
	var findings []model.Finding
	for _, part := range parts {
		findings = append(findings, part.Findings...)
		out.ToolsSucceeded = append(out.ToolsSucceeded, part.ToolsSucceeded...)
		out.ToolsFailed = append(out.ToolsFailed, part.ToolsFailed...)
		out.TotalDurationMs += part.TotalDurationMs
	}
	out.Findings = consolidate.Dedup(findings)
	out.Metrics["tools.total"] = float64(len(out.ToolsSucceeded) + len(out.ToolsFailed))
	out.Metrics["tools.succeeded"] = float64(len(out.ToolsSucceeded))
	out.Metrics["tools.failed"] = float64(len(out.ToolsFailed))
	if total := out.Metrics["tools.total"]; total > 0 {
		out.Metrics["tools.successRate"] = out.Metrics["tools.succeeded"] / total
	}
	out.Metrics["repository.score"] = RepositoryScore(out.Findings)
	return out
}

func primaryLanguage(ac *model.AnalysisContext) string {
	counts := make(map[string]int)
	for _, f := range ac.PR.Files {
		counts[f.Language]++
	}
	best, bestCount := "", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	return best
}

// Fingerprint derives a stable content fingerprint for cache keys from the
// PR head or, absent one, the repository's refresh timestamp.
func Fingerprint(ac *model.AnalysisContext) string {
	if len(ac.PR.Commits) > 0 {
		return ac.PR.Commits[len(ac.PR.Commits)-1]
	}
	if !ac.Repository.LastMetadataRefreshAt.IsZero() {
		return fmt.Sprintf("meta-%d", ac.Repository.LastMetadataRefreshAt.Unix())
	}
	return "head"
}

