package model

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ToolKind distinguishes the two execution variants a Tool can take. The
// variant is a tag on one capability interface rather than an inheritance
// chain.
type ToolKind string

const (
	KindInProcess    ToolKind = "inProcess"
	KindHostedServer ToolKind = "hostedServer"
)

// ToolMode describes the lifecycle of a hosted-server tool.
type ToolMode string

const (
	ModePersistent ToolMode = "persistent"
	ModeOnDemand   ToolMode = "onDemand"
)

// AuthKind enumerates how a hosted tool authenticates outbound calls.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "apiKey"
	AuthOAuth  AuthKind = "oauth"
)

// ResourceLimits bounds what a single tool execution's workspace may consume.
// Expressed with Kubernetes-style quantities so limits like "500m" CPU or
// "512Mi" memory parse uniformly.
type ResourceLimits struct {
	CPU            resource.Quantity
	Memory         resource.Quantity
	Disk           resource.Quantity
	TimeoutSeconds int
}

// Requirements constrains when and how a Tool may be invoked.
type Requirements struct {
	MinFiles         int
	MaxFiles         int
	AllowedFileTypes []string
	Mode             ToolMode
	Timeout          time.Duration
	AuthKind         AuthKind
	Limits           ResourceLimits
}

// Tool is the catalog entry for a pluggable analyzer. Concrete analyzer
// implementations are external collaborators; this type is the
// contract the registry and executor operate on.
type Tool struct {
	ID                 string
	Kind               ToolKind
	Version            string
	Capabilities       []string
	Requirements       Requirements
	SupportedRoles     []AgentRole
	SupportedLanguages []string // empty means universal
}

// Universal reports whether this tool applies regardless of language.
func (t *Tool) Universal() bool {
	return len(t.SupportedLanguages) == 0
}

// SupportsLanguage reports whether the tool declares support for lang.
func (t *Tool) SupportsLanguage(lang string) bool {
	if t.Universal() {
		return true
	}
	for _, l := range t.SupportedLanguages {
		if l == lang || l == "*" {
			return true
		}
	}
	return false
}

// SupportsRole reports whether the tool declares support for role.
func (t *Tool) SupportsRole(role AgentRole) bool {
	for _, r := range t.SupportedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Severity is a total order: Critical > High > Medium > Low > Info.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	case SeverityLow:
		return "low"
	default:
		return "info"
	}
}

// ParseSeverity parses the wire representation of a severity.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// FindingKind classifies what a Finding represents.
type FindingKind string

const (
	FindingIssue      FindingKind = "issue"
	FindingSuggestion FindingKind = "suggestion"
	FindingInfo       FindingKind = "info"
	FindingMetric     FindingKind = "metric"
)

// Fix is an optional auto-fixable patch attached to a Finding. Tools may
// supply a ready unified diff in Patch, or the raw Before/After content for
// the consolidator to render one.
type Fix struct {
	Description string `json:"description"`
	Patch       string `json:"patch,omitempty"` // unified diff
	Before      string `json:"before,omitempty"`
	After       string `json:"after,omitempty"`
}

// Finding is a single observation produced by a tool.
type Finding struct {
	Kind        FindingKind `json:"kind"`
	Severity    Severity    `json:"severity"`
	Category    string      `json:"category"`
	Message     string      `json:"message"`
	File        string      `json:"file,omitempty"`
	Line        int         `json:"line,omitempty"`
	Column      int         `json:"column,omitempty"`
	RuleID      string      `json:"ruleId,omitempty"`
	AutoFixable bool        `json:"autoFixable,omitempty"`
	Fix         *Fix        `json:"fix,omitempty"`

	// Fingerprint is the precomputed dedup key (see internal/consolidate),
	// stored so re-reading a cached finding never needs to recompute it.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// GlobalFile is the sentinel used in the dedup key when a finding has no file.
const GlobalFile = "<global>"

// ToolError describes why a tool execution failed.
type ToolError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *ToolError) Error() string { return e.Code + ": " + e.Message }

const (
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeMalformedOutput = "MALFORMED_OUTPUT"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodePanic           = "PANIC"
)

// ToolResult is the outcome of one tool attempt. Every attempt yields exactly
// one ToolResult; no tool is silently dropped.
type ToolResult struct {
	ToolID        string             `json:"toolId"`
	Success       bool               `json:"success"`
	StartedAt     time.Time          `json:"startedAt"`
	DurationMs    int64              `json:"durationMs"`
	Findings      []Finding          `json:"findings,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Error         *ToolError         `json:"error,omitempty"`
	WorkspacePath string             `json:"-"` // informational only, cleared on serialization
	RetryCount    int                `json:"retryCount,omitempty"`
}

// ClearWorkspacePath blanks the informational workspace path before the
// result crosses the persistence boundary.
func (r *ToolResult) ClearWorkspacePath() {
	r.WorkspacePath = ""
}

// ToolFailure records a single attempt that did not succeed, alongside the
// tool's identity, for ConsolidatedResult.ToolsFailed.
type ToolFailure struct {
	ToolID string     `json:"toolId"`
	Error  *ToolError `json:"error,omitempty"`
}

// ConsolidatedResult is the fused output of a batch of tool attempts.
type ConsolidatedResult struct {
	Findings        []Finding          `json:"findings"`
	Metrics         map[string]float64 `json:"metrics"`
	ToolsSucceeded  []string           `json:"toolsSucceeded,omitempty"`
	ToolsFailed     []ToolFailure      `json:"toolsFailed,omitempty"`
	TotalDurationMs int64              `json:"totalDurationMs"`
	Tier            string             `json:"tier"`
	CacheHit        bool               `json:"cacheHit,omitempty"`
}
