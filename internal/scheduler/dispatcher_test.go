package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisreview/aegis/internal/eventbus"
	"github.com/aegisreview/aegis/internal/model"
)

type capturedTicks struct {
	mu     sync.Mutex
	events []FiredEvent
}

func (c *capturedTicks) subscribe(t *testing.T, bus eventbus.MessageBus) {
	t.Helper()
	_, err := bus.Subscribe(context.Background(), eventbus.SubjectScheduleFired, func(msg *eventbus.Message) []byte {
		var fired FiredEvent
		require.NoError(t, json.Unmarshal(msg.Data, &fired))
		c.mu.Lock()
		c.events = append(c.events, fired)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
}

func (c *capturedTicks) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func dueSchedule(t *testing.T, store *Store, repositoryID string, cadence model.Cadence, cronExpr string) *model.Schedule {
	t.Helper()
	due := time.Now().UTC().Add(-time.Minute)
	sched := &model.Schedule{
		RepositoryID: repositoryID,
		Cadence:      cadence,
		CronExpr:     cronExpr,
		Priority:     model.PriorityMedium,
		IsActive:     true,
		NextRunAt:    &due,
	}
	require.NoError(t, store.Upsert(context.Background(), sched))
	return sched
}

func TestTickFiresDueSchedules(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewMemoryBus()
	ticks := &capturedTicks{}
	ticks.subscribe(t, bus)
	d := NewDispatcher(store, bus, nil)

	dueSchedule(t, store, "repo-due", model.CadenceDaily, "0 2 * * *")

	notDue := time.Now().UTC().Add(time.Hour)
	future := &model.Schedule{RepositoryID: "repo-future", Cadence: model.CadenceDaily, CronExpr: "0 2 * * *",
		Priority: model.PriorityMedium, IsActive: true, NextRunAt: &notDue}
	require.NoError(t, store.Upsert(context.Background(), future))

	require.NoError(t, d.Tick(context.Background(), time.Now().UTC()))

	require.Equal(t, 1, ticks.count())
	assert.Equal(t, "repo-due", ticks.events[0].RepositoryID)
	assert.Equal(t, "comprehensive", ticks.events[0].Tier)
}

func TestTickCoalescesOverlappingRuns(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewMemoryBus()
	ticks := &capturedTicks{}
	ticks.subscribe(t, bus)
	d := NewDispatcher(store, bus, nil)

	sched := dueSchedule(t, store, "repo-slow", model.CadenceEvery6h, "0 */6 * * *")

	require.NoError(t, d.Tick(context.Background(), time.Now().UTC()))
	require.Equal(t, 1, ticks.count())
	require.True(t, d.InFlight("repo-slow"))

	// The run is still in flight on the next tick; it must not re-fire.
	require.NoError(t, d.Tick(context.Background(), time.Now().UTC()))
	assert.Equal(t, 1, ticks.count())

	completed := time.Now()
	run := &model.ScheduleRun{ScheduleID: sched.ID, Tier: "quick", StartedAt: completed.Add(-time.Second),
		CompletedAt: &completed, Status: model.RunSuccess}
	require.NoError(t, d.CompleteRun(context.Background(), sched, run))
	assert.False(t, d.InFlight("repo-slow"))
}

func TestCompleteRunRecordsAndAdvancesNextRun(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewMemoryBus()
	d := NewDispatcher(store, bus, nil)

	sched := dueSchedule(t, store, "repo-adv", model.CadenceDaily, "0 2 * * *")
	before := *sched.NextRunAt

	completed := time.Now()
	run := &model.ScheduleRun{ScheduleID: sched.ID, Tier: "comprehensive", StartedAt: completed.Add(-2 * time.Second),
		CompletedAt: &completed, Status: model.RunSuccess, FindingsCount: 3}
	require.NoError(t, d.CompleteRun(context.Background(), sched, run))

	require.NotNil(t, sched.LastRunAt)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(before), "next firing advances past the stale slot")

	runs, err := store.RecentRuns(context.Background(), sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunSuccess, runs[0].Status)
	assert.Equal(t, 3, runs[0].FindingsCount)
}

func TestDispatcherEscalatesOnRepeatedCriticals(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewMemoryBus()
	d := NewDispatcher(store, bus, nil)

	sched := dueSchedule(t, store, "repo-crit", model.CadenceWeekly, "0 3 * * 1")
	for i := 0; i < 3; i++ {
		completed := time.Now()
		run := &model.ScheduleRun{ScheduleID: sched.ID, Tier: "targeted", StartedAt: completed.Add(-time.Second),
			CompletedAt: &completed, Status: model.RunSuccess, FindingsCount: 2, CriticalCount: 1}
		require.NoError(t, store.RecordRun(context.Background(), run))
	}

	require.NoError(t, d.Tick(context.Background(), time.Now().UTC()))

	updated, err := store.Get(context.Background(), "repo-crit")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, model.CadenceEvery6h, updated.Cadence)
	assert.Equal(t, model.PriorityCritical, updated.Priority)
	assert.False(t, updated.MayBeDisabled)
}

func TestTickSkipsOnDemand(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewMemoryBus()
	ticks := &capturedTicks{}
	ticks.subscribe(t, bus)
	d := NewDispatcher(store, bus, nil)

	// An onDemand schedule is never active, so Active() already filters it;
	// a row that slipped through with a stale cadence is still skipped.
	sched := dueSchedule(t, store, "repo-ondemand", model.CadenceEvery6h, "0 */6 * * *")
	sched.Cadence = model.CadenceOnDemand
	sched.CronExpr = ""
	sched.IsActive = false
	require.NoError(t, store.Upsert(context.Background(), sched))

	require.NoError(t, d.Tick(context.Background(), time.Now().UTC()))
	assert.Equal(t, 0, ticks.count())
}
