// Package scheduler implements C11: the process-wide, interval-triggered,
// date-window-gated schedule dispatcher (spec §4.9). One polling goroutine
// walks every active schedule on a fixed tick and hands due ones to the job
// engine; coalescing ensures at most one in-flight dispatch per schedule.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/neurareport/core/internal/ids"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/statestore"
)

// DispatchFunc enqueues a run_report job for the given schedule, returning
// the new job's id.
type DispatchFunc func(sched model.Schedule) (jobID string, err error)

const (
	defaultPollInterval = 60 * time.Second
	minPollInterval     = 5 * time.Second
	misfireGrace        = 60 * time.Second
)

// Scheduler is the single, process-wide dispatcher described in spec §4.9.
type Scheduler struct {
	store        *statestore.Store
	dispatch     DispatchFunc
	pollInterval time.Duration
	log          *zap.Logger

	inflight map[string]time.Time // schedule id -> dispatch-attempt time
}

// New constructs a Scheduler. pollInterval is floored at 5s per spec §5; a
// zero value uses the spec's 60s default.
func New(store *statestore.Store, dispatch DispatchFunc, pollInterval time.Duration, log *zap.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	return &Scheduler{
		store:        store,
		dispatch:     dispatch,
		pollInterval: pollInterval,
		log:          log,
		inflight:     make(map[string]time.Time),
	}
}

// Run blocks, polling on the scheduler's interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// tick walks every active schedule once, dispatching due ones.
func (s *Scheduler) tick(now time.Time) {
	schedules, err := s.store.ListSchedules(true)
	if err != nil {
		s.log.Error("scheduler: list active schedules failed", zap.Error(err))
		return
	}
	for _, sched := range schedules {
		s.considerDispatch(sched, now)
	}
}

// considerDispatch evaluates and, if due, dispatches one schedule. It is
// unexported; the package's tests call it directly for deterministic,
// manually-clocked ticks without a real timer.
func (s *Scheduler) considerDispatch(sched model.Schedule, now time.Time) {
	if !sched.Due(now) {
		return
	}

	if attemptedAt, inflight := s.inflight[sched.ID]; inflight {
		if now.Sub(attemptedAt) < misfireGrace {
			// Coalesce: a prior dispatch attempt for this schedule is still
			// within its misfire grace window (spec §4.9/§5: "ensure at
			// most one in-flight run per schedule id").
			sched.MisfireCount++
			_, _ = s.store.UpsertSchedule(sched)
			return
		}
		delete(s.inflight, sched.ID)
	}

	s.inflight[sched.ID] = now
	defer delete(s.inflight, sched.ID)

	jobID, err := s.dispatch(sched)
	finish := time.Now().UTC()

	sched.LastRunAt = &finish
	sched.NextRunAt = nextRunAt(now, finish, sched.IntervalMinutes)
	if err != nil {
		sched.LastRunStatus = string(model.JobFailed)
		sched.LastRunError = err.Error()
	} else {
		sched.LastRunStatus = string(model.JobQueued)
		sched.LastRunError = ""
		s.log.Info("scheduler: dispatched", zap.String("schedule_id", sched.ID), zap.String("job_id", jobID))
	}

	if _, uerr := s.store.UpsertSchedule(sched); uerr != nil {
		s.log.Error("scheduler: persist dispatch result failed", zap.String("schedule_id", sched.ID), zap.Error(uerr))
	}
}

// nextRunAt computes next = max(now, last_finished) + interval (spec §3
// Schedule invariant).
func nextRunAt(now, finished time.Time, intervalMinutes int) time.Time {
	base := now
	if finished.After(base) {
		base = finished
	}
	if intervalMinutes < 1 {
		intervalMinutes = 1
	}
	return base.Add(time.Duration(intervalMinutes) * time.Minute)
}

// BuildRunPayloadJob constructs the run_report job spec.md §4.9 describes a
// dispatch as creating: "enqueue a job with a fully populated payload
// snapshot."
func BuildRunPayloadJob(sched model.Schedule) model.Job {
	return model.Job{
		Type:          model.JobRunReport,
		TemplateID:    sched.TemplateID,
		ConnectionID:  sched.ConnectionID,
		ScheduleID:    sched.ID,
		CorrelationID: ids.NewCorrelationID(),
		Payload:       sched.Payload,
	}
}
