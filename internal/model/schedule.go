package model

import "time"

// CachedAnalysis is one row of the append-mostly analysis cache. Only the
// newest row per (repositoryId, analyzer) is consulted for reads; prior rows
// are retained for audit.
type CachedAnalysis struct {
	ID             string
	RepositoryID   string
	Analyzer       string
	AnalysisData   []byte // JSON-encoded ConsolidatedResult or tier payload
	Metadata       map[string]string
	CachedUntil    time.Time
	ProducedAt     time.Time
}

// Valid reports whether the record is still usable at instant now.
func (c *CachedAnalysis) Valid(now time.Time) bool {
	return now.Before(c.CachedUntil)
}

// Cadence is the assigned recurrence frequency for automated analysis.
type Cadence string

const (
	CadenceEvery6h  Cadence = "every6h"
	CadenceDaily    Cadence = "daily"
	CadenceWeekly   Cadence = "weekly"
	CadenceMonthly  Cadence = "monthly"
	CadenceOnDemand Cadence = "onDemand"
)

// Priority ranks a schedule for operator attention.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityMinimal  Priority = "minimal"
)

// Schedule is the durable cadence assignment for one repository.
type Schedule struct {
	ID                   string
	RepositoryID         string
	Cadence              Cadence
	CronExpr             string
	Priority             Priority
	Reason               string
	MayBeDisabled        bool
	IsActive             bool
	EnabledTools         []string
	NotificationChannels []string
	LastRunAt            *time.Time
	NextRunAt            *time.Time
	ConsecutiveFailures  int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate enforces the two Schedule invariants.
func (s *Schedule) Validate() error {
	if s.Cadence == CadenceOnDemand {
		if s.CronExpr != "" {
			return &InvariantViolation{Rule: "cadence=onDemand implies cronExpr empty", Detail: s.CronExpr}
		}
		if s.IsActive {
			return &InvariantViolation{Rule: "cadence=onDemand implies isActive=false", Detail: s.RepositoryID}
		}
	}
	if s.Priority == PriorityCritical && s.MayBeDisabled {
		return &InvariantViolation{Rule: "priority=critical implies mayBeDisabled=false", Detail: s.RepositoryID}
	}
	return nil
}

// RunStatus is the terminal state of one scheduled execution.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunError   RunStatus = "error"
)

// ScheduleRun records one firing of a Schedule.
type ScheduleRun struct {
	ID             string
	ScheduleID     string
	Tier           string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         RunStatus
	FindingsCount  int
	CriticalCount  int
	DurationMs     int64
	Error          string
}
