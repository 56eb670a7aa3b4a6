// Package consolidate fuses a batch of ToolResults into one
// ConsolidatedResult, deduplicating findings and computing run-level
// metrics.
package consolidate

import (
	"fmt"
	"sort"

	"github.com/aegisreview/aegis/internal/diffutil"
	"github.com/aegisreview/aegis/internal/model"
)

// Key computes the dedup key for a finding: (kind, category, file, line,
// message), substituting model.GlobalFile when File is empty and 0 when
// Line is unset.
func Key(f model.Finding) string {
	file := f.File
	if file == "" {
		file = model.GlobalFile
	}
	return fmt.Sprintf("%s|%s|%s|%d|%s", f.Kind, f.Category, file, f.Line, f.Message)
}

// Consolidate merges a batch of ToolResults into one ConsolidatedResult.
// Duplicate findings (by Key) are merged, keeping the highest severity and
// recording the fingerprint for reuse by a future cache read.
func Consolidate(tier string, results []*model.ToolResult) *model.ConsolidatedResult {
	out := &model.ConsolidatedResult{
		Metrics: make(map[string]float64),
		Tier:    tier,
	}

	seen := make(map[string]int) // key -> index into out.Findings
	var totalDuration int64

	for _, r := range results {
		if r == nil {
			continue
		}
		totalDuration += r.DurationMs
		if r.Success {
			out.ToolsSucceeded = append(out.ToolsSucceeded, r.ToolID)
		} else {
			out.ToolsFailed = append(out.ToolsFailed, model.ToolFailure{ToolID: r.ToolID, Error: r.Error})
		}
		for k, v := range r.Metrics {
			out.Metrics[namespacedMetric(r.ToolID, k)] = v
		}
		for _, f := range r.Findings {
			f.Fingerprint = Key(f)
			renderFix(&f)
			if idx, ok := seen[f.Fingerprint]; ok {
				// Retain the higher-severity finding in place; ties keep the
				// earlier arrival. Keeping the index preserves
				// the ordering guarantee.
				if f.Severity > out.Findings[idx].Severity {
					out.Findings[idx] = f
				}
				continue
			}
			seen[f.Fingerprint] = len(out.Findings)
			out.Findings = append(out.Findings, f)
		}
	}

	sort.SliceStable(out.Findings, func(i, j int) bool {
		return out.Findings[i].Severity > out.Findings[j].Severity
	})

	out.TotalDurationMs = totalDuration
	out.Metrics["tools.total"] = float64(len(out.ToolsSucceeded) + len(out.ToolsFailed))
	out.Metrics["tools.succeeded"] = float64(len(out.ToolsSucceeded))
	out.Metrics["tools.failed"] = float64(len(out.ToolsFailed))
	out.Metrics["tools.successRate"] = 0
	if total := out.Metrics["tools.total"]; total > 0 {
		out.Metrics["tools.successRate"] = out.Metrics["tools.succeeded"] / total
	}
	return out
}

func namespacedMetric(toolID, name string) string {
	return toolID + "." + name
}

// renderFix fills in a missing unified diff for auto-fixable findings whose
// tool supplied only the raw before/after content.
func renderFix(f *model.Finding) {
	if f.Fix == nil || f.Fix.Patch != "" || (f.Fix.Before == "" && f.Fix.After == "") {
		return
	}
	patch, err := diffutil.Unified(f.File, f.Fix.Before, f.Fix.After)
	if err != nil {
		return
	}
	f.Fix.Patch = patch
}

// Dedup collapses findings sharing a dedup key, keeping the higher severity
// and, on ties, the earlier arrival. Applying Dedup to its own output is a
// no-op, which keeps consolidation idempotent.
func Dedup(findings []model.Finding) []model.Finding {
	seen := make(map[string]int, len(findings))
	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		f.Fingerprint = Key(f)
		if idx, ok := seen[f.Fingerprint]; ok {
			if f.Severity > out[idx].Severity {
				out[idx] = f
			}
			continue
		}
		seen[f.Fingerprint] = len(out)
		out = append(out, f)
	}
	return out
}
