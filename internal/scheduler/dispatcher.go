package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aegisreview/aegis/internal/eventbus"
	"github.com/aegisreview/aegis/internal/logging"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/telemetry"
)

// EscalationRule maps a CadenceContext predicate to the cadence a schedule
// should move to when it matches, evaluated in order.
type EscalationRule struct {
	When        string
	ToCadence   model.Cadence
	Description string
}

// DefaultEscalationRules implements the adjustment loop's escalation policy:
// repeated critical findings across recent runs pull a repository onto the
// six-hour cadence even between per-run adjustments.
var DefaultEscalationRules = []EscalationRule{
	{When: "critical_findings >= 3", ToCadence: model.CadenceEvery6h, Description: "repeated critical findings"},
}

// FiredEvent is the payload published to eventbus.SubjectScheduleFired.
type FiredEvent struct {
	ScheduleID   string    `json:"scheduleId"`
	RepositoryID string    `json:"repositoryId"`
	Tier         string    `json:"tier"`
	FiredAt      time.Time `json:"firedAt"`
}

// Dispatcher owns the cron-like dispatch loop: it wakes once
// a minute, fires every active schedule whose nextRunAt has arrived, and
// publishes a FiredEvent rather than invoking tools directly, so the ticking
// clock is decoupled from the (possibly slow) webhook handler.
type Dispatcher struct {
	store *Store
	bus   eventbus.MessageBus
	log   *logging.Logger
	rules []EscalationRule
	clock func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{} // repositoryID -> dispatched, not yet completed
}

// NewDispatcher creates a Dispatcher over store, publishing fired events to bus.
func NewDispatcher(store *Store, bus eventbus.MessageBus, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		bus:      bus,
		log:      log,
		rules:    DefaultEscalationRules,
		clock:    time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := d.Tick(ctx, now.UTC()); err != nil {
				if d.log != nil {
					d.log.Error("dispatch tick failed", "error", err)
				}
			}
		}
	}
}

// Tick fires every active schedule due at instant now. A repository with a
// run still in flight is skipped, so one repository never has two
// overlapping runs.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	schedules, err := d.store.Active(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if sched.Cadence == model.CadenceOnDemand {
			continue
		}
		d.maybeEscalate(ctx, sched)

		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if !d.tryDispatch(sched.RepositoryID) {
			continue
		}
		if err := d.fire(ctx, sched, now); err != nil {
			d.clearDispatch(sched.RepositoryID)
			return err
		}
	}
	return nil
}

func (d *Dispatcher) fire(ctx context.Context, sched *model.Schedule, now time.Time) error {
	if d.log != nil {
		d.log.ScheduleFired(sched.ID, string(sched.Cadence))
	}
	telemetry.ScheduleRunsTotal.WithLabelValues("fired").Inc()

	payload, err := json.Marshal(FiredEvent{
		ScheduleID:   sched.ID,
		RepositoryID: sched.RepositoryID,
		Tier:         TierForCadence(sched.Cadence),
		FiredAt:      now,
	})
	if err != nil {
		return err
	}
	return d.bus.Publish(ctx, eventbus.SubjectScheduleFired, payload)
}

// CompleteRun records a finished run, releases the repository's dispatch
// slot and advances lastRunAt/nextRunAt from the canonical cron expression.
func (d *Dispatcher) CompleteRun(ctx context.Context, sched *model.Schedule, run *model.ScheduleRun) error {
	defer d.clearDispatch(sched.RepositoryID)

	if err := d.store.RecordRun(ctx, run); err != nil {
		return err
	}
	telemetry.ScheduleRunsTotal.WithLabelValues(string(run.Status)).Inc()

	now := d.clock().UTC()
	sched.LastRunAt = &now
	sched.NextRunAt = nil
	if sched.CronExpr != "" {
		if spec, err := ParseCron(sched.CronExpr); err == nil {
			if next, ok := spec.Next(now); ok {
				sched.NextRunAt = &next
			}
		}
	}
	return d.store.Upsert(ctx, sched)
}

// InFlight reports whether a repository currently has a dispatched,
// uncompleted run.
func (d *Dispatcher) InFlight(repositoryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[repositoryID]
	return ok
}

func (d *Dispatcher) tryDispatch(repositoryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[repositoryID]; ok {
		return false
	}
	d.inFlight[repositoryID] = struct{}{}
	return true
}

func (d *Dispatcher) clearDispatch(repositoryID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, repositoryID)
}

// maybeEscalate checks the schedule's recent run history against the
// escalation rules and persists a cadence change if one matches.
func (d *Dispatcher) maybeEscalate(ctx context.Context, sched *model.Schedule) {
	runs, err := d.store.RecentRuns(ctx, sched.ID, 5)
	if err != nil || len(runs) == 0 {
		return
	}
	criticalFindings := 0
	for _, r := range runs {
		criticalFindings += r.CriticalCount
	}
	cadenceCtx := CadenceContext{
		ConsecutiveFailures: sched.ConsecutiveFailures,
		CriticalFindings:    criticalFindings,
	}
	for _, rule := range d.rules {
		if !EvalWhen(rule.When, cadenceCtx) || sched.Cadence == rule.ToCadence {
			continue
		}
		from := sched.Cadence
		sched.Cadence = rule.ToCadence
		sched.CronExpr = CronEvery6h
		sched.Priority = model.PriorityCritical
		sched.MayBeDisabled = false
		sched.Reason = rule.Description
		if err := d.store.Upsert(ctx, sched); err == nil {
			telemetry.ScheduleEscalationsTotal.Inc()
			if d.log != nil {
				d.log.ScheduleEscalated(sched.ID, string(from), string(rule.ToCadence), rule.Description)
			}
		}
		return
	}
}

// TierForCadence maps a schedule's cadence onto the analysis tier its tick
// invokes: every6h runs quick, daily comprehensive, weekly and
// monthly the full targeted sweep.
func TierForCadence(c model.Cadence) string {
	switch c {
	case model.CadenceEvery6h:
		return "quick"
	case model.CadenceDaily:
		return "comprehensive"
	default:
		return "targeted"
	}
}
