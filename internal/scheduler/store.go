package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/storage"
)

// Store persists Schedules and their ScheduleRuns on the shared SQLite
// store.
type Store struct {
	db *storage.Store
}

// NewStore wraps a storage.Store for schedule persistence.
func NewStore(db *storage.Store) *Store { return &Store{db: db} }

// Upsert inserts or replaces a Schedule, enforcing its invariants first.
func (s *Store) Upsert(ctx context.Context, sched *model.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	if sched.ID == "" {
		sched.ID = ulid.Make().String()
	}
	tools, err := json.Marshal(sched.EnabledTools)
	if err != nil {
		return fmt.Errorf("marshaling enabled tools: %w", err)
	}
	channels, err := json.Marshal(sched.NotificationChannels)
	if err != nil {
		return fmt.Errorf("marshaling notification channels: %w", err)
	}
	now := time.Now()
	sched.UpdatedAt = now
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE repository_schedules SET cadence = ?, cron_expr = ?, priority = ?, reason = ?,
			may_be_disabled = ?, is_active = ?, enabled_tools = ?, notification_channels = ?,
			last_run_at = ?, next_run_at = ?, consecutive_failures = ?, updated_at = ?
		WHERE id = ?`,
		sched.Cadence, sched.CronExpr, sched.Priority, sched.Reason, sched.MayBeDisabled,
		sched.IsActive, string(tools), string(channels), sched.LastRunAt, sched.NextRunAt,
		sched.ConsecutiveFailures, sched.UpdatedAt, sched.ID)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO repository_schedules (id, repository_id, cadence, cron_expr, priority, reason, may_be_disabled,
			is_active, enabled_tools, notification_channels, last_run_at, next_run_at, consecutive_failures,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET
			cadence = excluded.cadence, cron_expr = excluded.cron_expr, priority = excluded.priority,
			reason = excluded.reason, may_be_disabled = excluded.may_be_disabled, is_active = excluded.is_active,
			enabled_tools = excluded.enabled_tools, notification_channels = excluded.notification_channels,
			last_run_at = excluded.last_run_at, next_run_at = excluded.next_run_at,
			consecutive_failures = excluded.consecutive_failures, updated_at = excluded.updated_at`,
		sched.ID, sched.RepositoryID, sched.Cadence, sched.CronExpr, sched.Priority, sched.Reason,
		sched.MayBeDisabled, sched.IsActive, string(tools), string(channels),
		sched.LastRunAt, sched.NextRunAt, sched.ConsecutiveFailures, sched.CreatedAt, sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting schedule: %w", err)
	}
	return nil
}

// Get returns the schedule for a repository, or nil when none exists.
func (s *Store) Get(ctx context.Context, repositoryID string) (*model.Schedule, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, repository_id, cadence, cron_expr, priority, reason, may_be_disabled, is_active,
			enabled_tools, notification_channels, last_run_at, next_run_at, consecutive_failures,
			created_at, updated_at
		FROM repository_schedules WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSchedule(rows)
}

// Active returns every schedule with IsActive = true, for the dispatch loop
// to evaluate on each tick.
func (s *Store) Active(ctx context.Context) ([]*model.Schedule, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, repository_id, cadence, cron_expr, priority, reason, may_be_disabled, is_active,
			enabled_tools, notification_channels, last_run_at, next_run_at, consecutive_failures,
			created_at, updated_at
		FROM repository_schedules WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("querying active schedules: %w", err)
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func scanSchedule(rows *sql.Rows) (*model.Schedule, error) {
	var (
		sched          model.Schedule
		toolsJSON      string
		channelsJSON   string
	)
	if err := rows.Scan(&sched.ID, &sched.RepositoryID, &sched.Cadence, &sched.CronExpr, &sched.Priority,
		&sched.Reason, &sched.MayBeDisabled, &sched.IsActive, &toolsJSON, &channelsJSON,
		&sched.LastRunAt, &sched.NextRunAt, &sched.ConsecutiveFailures, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsJSON), &sched.EnabledTools); err != nil {
		return nil, fmt.Errorf("unmarshaling enabled tools: %w", err)
	}
	if err := json.Unmarshal([]byte(channelsJSON), &sched.NotificationChannels); err != nil {
		return nil, fmt.Errorf("unmarshaling notification channels: %w", err)
	}
	return &sched, nil
}

// RecordRun inserts a ScheduleRun row.
func (s *Store) RecordRun(ctx context.Context, run *model.ScheduleRun) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO schedule_runs (id, schedule_id, tier, started_at, completed_at, status,
			findings_count, critical_count, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, run.Tier, run.StartedAt, run.CompletedAt, run.Status,
		run.FindingsCount, run.CriticalCount, run.DurationMs, run.Error)
	if err != nil {
		return fmt.Errorf("recording schedule run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs for a schedule, newest first,
// bounded to limit rows.
func (s *Store) RecentRuns(ctx context.Context, scheduleID string, limit int) ([]*model.ScheduleRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, schedule_id, tier, started_at, completed_at, status, findings_count, critical_count,
			duration_ms, error
		FROM schedule_runs WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying schedule runs: %w", err)
	}
	defer rows.Close()

	var out []*model.ScheduleRun
	for rows.Next() {
		var r model.ScheduleRun
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.Tier, &r.StartedAt, &r.CompletedAt, &r.Status,
			&r.FindingsCount, &r.CriticalCount, &r.DurationMs, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning schedule run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
