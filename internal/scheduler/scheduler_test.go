package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/statestore"
)

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.Open(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewFloorsPollInterval(t *testing.T) {
	s := New(newTestStore(t), nil, time.Second, zap.NewNop())
	require.Equal(t, minPollInterval, s.pollInterval)

	s = New(newTestStore(t), nil, 0, zap.NewNop())
	require.Equal(t, defaultPollInterval, s.pollInterval)

	s = New(newTestStore(t), nil, 10*time.Minute, zap.NewNop())
	require.Equal(t, 10*time.Minute, s.pollInterval)
}

func TestBuildRunPayloadJob(t *testing.T) {
	sched := model.Schedule{ID: "sched-1", TemplateID: "tmpl-1", ConnectionID: "conn-1", Payload: model.RunPayload{WantDOCX: true}}
	job := BuildRunPayloadJob(sched)

	require.Equal(t, model.JobRunReport, job.Type)
	require.Equal(t, "tmpl-1", job.TemplateID)
	require.Equal(t, "sched-1", job.ScheduleID)
	require.True(t, job.Payload.WantDOCX)
	require.NotEmpty(t, job.CorrelationID)
}

func TestNextRunAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	got := nextRunAt(now, now, 30)
	require.Equal(t, now.Add(30*time.Minute), got)

	finishedLater := now.Add(2 * time.Minute)
	got = nextRunAt(now, finishedLater, 30)
	require.Equal(t, finishedLater.Add(30*time.Minute), got, "base must be max(now, finished)")

	got = nextRunAt(now, now, 0)
	require.Equal(t, now.Add(time.Minute), got, "intervalMinutes floors to 1")
}

// TestConsiderDispatchDateWindowGating covers spec §8 "Schedule Date-Window
// Gating" at the dispatcher level: a schedule outside its active window is
// never handed to DispatchFunc.
func TestConsiderDispatchDateWindowGating(t *testing.T) {
	store := newTestStore(t)
	var dispatched []string
	s := New(store, func(sched model.Schedule) (string, error) {
		dispatched = append(dispatched, sched.ID)
		return "job-1", nil
	}, time.Minute, zap.NewNop())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	outOfWindow := model.Schedule{
		ID: "sched-1", Active: true,
		StartDate: now.Add(24 * time.Hour), EndDate: now.Add(48 * time.Hour),
		NextRunAt: now.Add(24 * time.Hour), IntervalMinutes: 60,
	}
	s.considerDispatch(outOfWindow, now)
	require.Empty(t, dispatched)

	inWindow := model.Schedule{
		ID: "sched-2", Active: true,
		StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour),
		NextRunAt: now, IntervalMinutes: 60,
	}
	s.considerDispatch(inWindow, now)
	require.Equal(t, []string{"sched-2"}, dispatched)
}

func TestConsiderDispatchUpdatesScheduleAfterSuccess(t *testing.T) {
	store := newTestStore(t)
	s := New(store, func(sched model.Schedule) (string, error) {
		return "job-1", nil
	}, time.Minute, zap.NewNop())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := model.Schedule{
		ID: "sched-1", Active: true,
		StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour),
		NextRunAt: now, IntervalMinutes: 15,
	}
	_, err := store.UpsertSchedule(sched)
	require.NoError(t, err)

	s.considerDispatch(sched, now)

	got, found, err := store.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(model.JobQueued), got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	require.True(t, got.NextRunAt.After(now))
}

func TestConsiderDispatchRecordsFailure(t *testing.T) {
	store := newTestStore(t)
	s := New(store, func(sched model.Schedule) (string, error) {
		return "", assertError{}
	}, time.Minute, zap.NewNop())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := model.Schedule{
		ID: "sched-1", Active: true,
		StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour),
		NextRunAt: now, IntervalMinutes: 15,
	}
	_, err := store.UpsertSchedule(sched)
	require.NoError(t, err)

	s.considerDispatch(sched, now)

	got, _, err := store.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.Equal(t, string(model.JobFailed), got.LastRunStatus)
	require.Equal(t, "boom", got.LastRunError)
}

// TestConsiderDispatchCoalescesInFlight covers the "at most one in-flight
// dispatch per schedule id" invariant (spec §4.9/§5): a second due
// evaluation while the first dispatch attempt is still within its misfire
// grace window increments misfire_count instead of dispatching again.
func TestConsiderDispatchCoalescesInFlight(t *testing.T) {
	store := newTestStore(t)
	calls := 0
	s := New(store, func(sched model.Schedule) (string, error) {
		calls++
		return "job-1", nil
	}, time.Minute, zap.NewNop())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := model.Schedule{
		ID: "sched-1", Active: true,
		StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour),
		NextRunAt: now, IntervalMinutes: 15,
	}
	_, err := store.UpsertSchedule(sched)
	require.NoError(t, err)

	// Manually mark the schedule as already inflight, as tick() would leave
	// it mid-dispatch on another goroutine.
	s.inflight[sched.ID] = now

	s.considerDispatch(sched, now.Add(time.Second))
	require.Equal(t, 0, calls, "dispatch must not run again while still inflight within the grace window")

	got, _, err := store.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.MisfireCount)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
