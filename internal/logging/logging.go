// Package logging provides the structured JSON logger used across aegis,
// a thin wrapper over log/slog with helpers for the recurring events.
package logging

import (
	"log/slog"
	"os"
)

// Logger is a structured logger scoped to one aegis component.
type Logger struct {
	*slog.Logger
}

// New creates a component-scoped structured logger writing JSON to stdout.
func New(component string, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "aegis"),
	)
	return &Logger{Logger: logger}
}

// WithRun returns a logger scoped to one analysis run.
func (l *Logger) WithRun(runID, repositoryID string) *Logger {
	return &Logger{Logger: l.Logger.With(
		slog.String("run_id", runID),
		slog.String("repository_id", repositoryID),
	)}
}

// WithTool returns a logger scoped to one tool execution.
func (l *Logger) WithTool(toolID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("tool_id", toolID))}
}

// WithSchedule returns a logger scoped to one schedule.
func (l *Logger) WithSchedule(scheduleID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("schedule_id", scheduleID))}
}

// ToolStarted logs the start of a single tool attempt.
func (l *Logger) ToolStarted(toolID string, attempt int) {
	l.Debug("tool started", slog.String("tool_id", toolID), slog.Int("attempt", attempt))
}

// ToolCompleted logs the outcome of a single tool attempt.
func (l *Logger) ToolCompleted(toolID string, success bool, durationMs int64, findingCount int) {
	l.Info("tool completed",
		slog.String("tool_id", toolID),
		slog.Bool("success", success),
		slog.Int64("duration_ms", durationMs),
		slog.Int("finding_count", findingCount),
	)
}

// ToolRetrying logs a retry decision before backing off.
func (l *Logger) ToolRetrying(toolID string, attempt int, backoff string, cause error) {
	l.Warn("tool retrying",
		slog.String("tool_id", toolID),
		slog.Int("attempt", attempt),
		slog.String("backoff", backoff),
		slog.String("cause", cause.Error()),
	)
}

// CacheHit logs a cache lookup that satisfied a request without invoking tools.
func (l *Logger) CacheHit(repositoryID, analyzer string) {
	l.Debug("cache hit", slog.String("repository_id", repositoryID), slog.String("analyzer", analyzer))
}

// CacheMiss logs a cache lookup that required invoking tools.
func (l *Logger) CacheMiss(repositoryID, analyzer string) {
	l.Debug("cache miss", slog.String("repository_id", repositoryID), slog.String("analyzer", analyzer))
}

// ScheduleFired logs a schedule's cron expression matching the current tick.
func (l *Logger) ScheduleFired(scheduleID, cadence string) {
	l.Info("schedule fired", slog.String("schedule_id", scheduleID), slog.String("cadence", cadence))
}

// ScheduleEscalated logs a cadence escalation driven by repeated findings.
func (l *Logger) ScheduleEscalated(scheduleID, fromCadence, toCadence, reason string) {
	l.Warn("schedule escalated",
		slog.String("schedule_id", scheduleID),
		slog.String("from_cadence", fromCadence),
		slog.String("to_cadence", toCadence),
		slog.String("reason", reason),
	)
}

// WebhookReceived logs an inbound webhook delivery.
func (l *Logger) WebhookReceived(event, repositoryID string) {
	l.Info("webhook received", slog.String("event", event), slog.String("repository_id", repositoryID))
}

// RunConsolidated logs the final consolidation of a batch of tool results.
func (l *Logger) RunConsolidated(runID string, findingCount, toolsSucceeded, toolsFailed int) {
	l.Info("run consolidated",
		slog.String("run_id", runID),
		slog.Int("finding_count", findingCount),
		slog.Int("tools_succeeded", toolsSucceeded),
		slog.Int("tools_failed", toolsFailed),
	)
}
