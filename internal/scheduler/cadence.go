package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisreview/aegis/internal/model"
)

// Canonical cron expressions for each assigned cadence, all UTC.
const (
	CronEvery6h      = "0 */6 * * *"
	CronDailyProd    = "0 2 * * *"
	CronDailyActive  = "0 3 * * *"
	CronWeeklyMonday = "0 3 * * 1"
	CronMonthlyFirst = "0 3 1 * *"
)

// ActivityMetrics summarizes recent repository activity for cadence
// assignment.
type ActivityMetrics struct {
	CommitsLastWeek  int
	CommitsLastMonth int
	ActiveDevs       int
	OpenPRs          int
	MergeFrequency   int
}

// Score weighs recent activity: weekly commits count four times, active
// developers ten, open PRs five, merge frequency three, monthly commits one.
func (a ActivityMetrics) Score() int {
	return 4*a.CommitsLastWeek + 1*a.CommitsLastMonth + 10*a.ActiveDevs + 5*a.OpenPRs + 3*a.MergeFrequency
}

// Assignment is the cadence decision for one repository after a run.
type Assignment struct {
	Cadence       model.Cadence
	CronExpr      string
	Priority      model.Priority
	Reason        string
	MayBeDisabled bool
	IsActive      bool
}

// AssignCadence evaluates the cadence rules top-down; the first matching
// rule wins. Critical findings pin a repository to the six-hour cadence,
// production repositories get the nightly slot, and everything else is
// placed by activity score.
func AssignCadence(repo *model.Repository, criticalFindings int, activity ActivityMetrics) Assignment {
	if criticalFindings > 0 {
		return Assignment{
			Cadence:       model.CadenceEvery6h,
			CronExpr:      CronEvery6h,
			Priority:      model.PriorityCritical,
			Reason:        fmt.Sprintf("%d critical findings require close monitoring", criticalFindings),
			MayBeDisabled: false,
			IsActive:      true,
		}
	}
	if repo != nil && repo.IsProduction {
		return Assignment{
			Cadence:       model.CadenceDaily,
			CronExpr:      CronDailyProd,
			Priority:      model.PriorityHigh,
			Reason:        "production repository",
			MayBeDisabled: true,
			IsActive:      true,
		}
	}

	score := activity.Score()
	switch {
	case score > 80:
		return Assignment{
			Cadence:       model.CadenceDaily,
			CronExpr:      CronDailyActive,
			Priority:      model.PriorityHigh,
			Reason:        fmt.Sprintf("high activity (score %d)", score),
			MayBeDisabled: true,
			IsActive:      true,
		}
	case score > 40:
		return Assignment{
			Cadence:       model.CadenceWeekly,
			CronExpr:      CronWeeklyMonday,
			Priority:      model.PriorityMedium,
			Reason:        fmt.Sprintf("moderate activity (score %d)", score),
			MayBeDisabled: true,
			IsActive:      true,
		}
	case score > 10:
		return Assignment{
			Cadence:       model.CadenceMonthly,
			CronExpr:      CronMonthlyFirst,
			Priority:      model.PriorityLow,
			Reason:        fmt.Sprintf("low activity (score %d)", score),
			MayBeDisabled: true,
			IsActive:      true,
		}
	default:
		return Assignment{
			Cadence:       model.CadenceOnDemand,
			CronExpr:      "",
			Priority:      model.PriorityMinimal,
			Reason:        fmt.Sprintf("inactive repository (score %d)", score),
			MayBeDisabled: true,
			IsActive:      false,
		}
	}
}

// cadenceFrequency orders cadences from least to most frequent, used to
// keep escalation monotone: rising critical counts never slow a schedule.
func cadenceFrequency(c model.Cadence) int {
	switch c {
	case model.CadenceEvery6h:
		return 4
	case model.CadenceDaily:
		return 3
	case model.CadenceWeekly:
		return 2
	case model.CadenceMonthly:
		return 1
	default:
		return 0
	}
}

// raisePriority moves a priority one level toward critical, used by the
// consecutive-failure policy. It never lowers.
func raisePriority(p model.Priority) model.Priority {
	switch p {
	case model.PriorityMinimal:
		return model.PriorityLow
	case model.PriorityLow:
		return model.PriorityMedium
	case model.PriorityMedium:
		return model.PriorityHigh
	default:
		return model.PriorityCritical
	}
}

// Cadencer assigns and adjusts schedules around analysis outcomes.
type Cadencer struct {
	store *Store
	clock func() time.Time
}

// NewCadencer creates a Cadencer over store. clock may be nil for wall time.
func NewCadencer(store *Store, clock func() time.Time) *Cadencer {
	if clock == nil {
		clock = time.Now
	}
	return &Cadencer{store: store, clock: clock}
}

// InitializeAutomaticSchedule creates the schedule implied by a first
// analysis outcome. It is a no-op when a schedule already exists for the
// repository; callers change cadence through AdjustAfterRun or Store.Upsert.
func (c *Cadencer) InitializeAutomaticSchedule(ctx context.Context, repo *model.Repository, criticalFindings int, activity ActivityMetrics) (*model.Schedule, error) {
	existing, err := c.store.Get(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	sched := c.apply(&model.Schedule{RepositoryID: repo.ID}, AssignCadence(repo, criticalFindings, activity))
	if err := c.store.Upsert(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// AdjustAfterRun re-evaluates the cadence rules on a completed run and
// persists the result. Escalation is monotone: when the critical count is
// non-zero the schedule never moves to a less frequent cadence.
func (c *Cadencer) AdjustAfterRun(ctx context.Context, repo *model.Repository, sched *model.Schedule, run *model.ScheduleRun, activity ActivityMetrics) (*model.Schedule, error) {
	next := AssignCadence(repo, run.CriticalCount, activity)
	if run.CriticalCount > 0 && cadenceFrequency(next.Cadence) < cadenceFrequency(sched.Cadence) {
		next.Cadence = sched.Cadence
		next.CronExpr = sched.CronExpr
	}

	if run.Status == model.RunSuccess {
		sched.ConsecutiveFailures = 0
	} else {
		sched.ConsecutiveFailures++
		// Three consecutive failures raise priority one level for operator
		// attention; the cadence itself is left alone.
		if sched.ConsecutiveFailures == 3 {
			next.Priority = raisePriority(sched.Priority)
			next.Reason = fmt.Sprintf("%d consecutive failed runs", sched.ConsecutiveFailures)
			next.Cadence = sched.Cadence
			next.CronExpr = sched.CronExpr
			next.IsActive = sched.IsActive
		}
	}
	if next.Priority == model.PriorityCritical {
		next.MayBeDisabled = false
	}

	sched = c.apply(sched, next)
	now := c.clock()
	sched.LastRunAt = &now
	if err := c.store.Upsert(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Pause deactivates a schedule unless it may not be disabled.
func (c *Cadencer) Pause(ctx context.Context, sched *model.Schedule) error {
	if !sched.MayBeDisabled {
		return &model.InvariantViolation{Rule: "priority=critical implies mayBeDisabled=false", Detail: sched.RepositoryID}
	}
	sched.IsActive = false
	return c.store.Upsert(ctx, sched)
}

// Resume reactivates a paused schedule, recomputing its next firing.
func (c *Cadencer) Resume(ctx context.Context, sched *model.Schedule) error {
	if sched.Cadence == model.CadenceOnDemand {
		return nil
	}
	sched.IsActive = true
	c.recomputeNextRun(sched)
	return c.store.Upsert(ctx, sched)
}

func (c *Cadencer) apply(sched *model.Schedule, a Assignment) *model.Schedule {
	sched.Cadence = a.Cadence
	sched.CronExpr = a.CronExpr
	sched.Priority = a.Priority
	sched.Reason = a.Reason
	sched.MayBeDisabled = a.MayBeDisabled
	sched.IsActive = a.IsActive
	c.recomputeNextRun(sched)
	return sched
}

// recomputeNextRun refreshes the precomputed next firing time from the
// canonical cron expression.
func (c *Cadencer) recomputeNextRun(sched *model.Schedule) {
	sched.NextRunAt = nil
	if sched.CronExpr == "" || !sched.IsActive {
		return
	}
	spec, err := ParseCron(sched.CronExpr)
	if err != nil {
		return
	}
	if next, ok := spec.Next(c.clock().UTC()); ok {
		sched.NextRunAt = &next
	}
}
