// Package jobs implements C10: the bounded worker pool, per-job progress
// tracking, cooperative/forced cancellation, and restart recovery spec
// §4.8/§5 describe. The registry/tracker shape is modeled on
// server/registry.go's PipelineRegistry/PipelineState (mutex-guarded map of
// run -> state, a Cancel func per entry) generalized from "one HTTP-owned
// pipeline run" to "one queued/running/terminal Job row backed by the state
// store". Child-process PID tracking for forced cancellation is modeled on
// attractor/procutil's PID-liveness checks.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/neurareport/core/internal/attractor/procutil"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/neuraerr"
	"github.com/neurareport/core/internal/statestore"
)

// terminatePID sends SIGTERM to a tracked child process (spec §4.8 forced
// cancellation: "terminate any child processes tracked for that job").
func terminatePID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// RunFunc executes one job's payload. It must poll ctx at every safe point
// (spec §4.8 cooperative cancellation) and return neuraerr with
// CodeJobCancelled when ctx is done.
type RunFunc func(ctx context.Context, tracker *Tracker, job model.Job) (map[string]any, error)

// StepProgress is the static step->progress% table spec §4.8 describes for
// coarse progress propagation.
type StepProgress map[string]int

// Tracker wraps one job's execution, recording step transitions and
// progress against the state store atomically (spec §4.8's JobRunTracker).
type Tracker struct {
	store    *statestore.Store
	jobID    string
	progress StepProgress
	log      *zap.Logger
}

// StartStep marks a named step as running.
func (t *Tracker) StartStep(name, label string) error {
	return t.store.RecordJobStep(t.jobID, model.JobStep{Name: name, Label: label, Status: model.StepRunning})
}

// FinishStep marks a named step succeeded, propagating the static
// step->progress% value if one is configured for this step name.
func (t *Tracker) FinishStep(name, label string) error {
	if err := t.store.RecordJobStep(t.jobID, model.JobStep{Name: name, Label: label, Status: model.StepSucceeded, Progress: 100}); err != nil {
		return err
	}
	if pct, ok := t.progress[name]; ok {
		return t.store.RecordJobProgress(t.jobID, pct)
	}
	return nil
}

// FailStep marks a named step failed with err's message.
func (t *Tracker) FailStep(name, label string, err error) error {
	return t.store.RecordJobStep(t.jobID, model.JobStep{Name: name, Label: label, Status: model.StepFailed, Error: err.Error()})
}

// CheckCancelled is a cooperative cancellation checkpoint: callers invoke it
// between stages, between SELECTs, and before each renderer call (spec §5).
// It returns a neuraerr with CodeJobCancelled when the job's context has been
// cancelled.
func (t *Tracker) CheckCancelled(ctx context.Context, correlationID string) error {
	select {
	case <-ctx.Done():
		return neuraerr.New(neuraerr.CodeJobCancelled, correlationID, "job cancelled", ctx.Err())
	default:
		return nil
	}
}

// RegisterChildPID records a spawned child process (browser, rasterizer,
// PDF->DOCX converter) against this job so forced cancellation can terminate
// the tree (spec §4.8, §9 "subprocess supervision").
func (t *Tracker) RegisterChildPID(pid int) error {
	meta, err := t.store.GetJobMeta(t.jobID)
	if err != nil {
		return err
	}
	var pids []any
	if existing, ok := meta["child_pids"].([]any); ok {
		pids = existing
	}
	pids = append(pids, float64(pid))
	return t.store.SetJobMeta(t.jobID, map[string]any{"child_pids": pids})
}

// entry is one in-flight job's cancellation handle.
type entry struct {
	cancel context.CancelFunc
}

// Pool is the bounded worker pool of size max(NEURA_JOB_MAX_WORKERS, 1)
// (spec §4.8).
type Pool struct {
	store    *statestore.Store
	log      *zap.Logger
	progress StepProgress

	sem   chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
	inFlight map[string]*entry
}

// NewPool constructs a Pool with maxWorkers concurrent slots.
func NewPool(store *statestore.Store, log *zap.Logger, maxWorkers int, progress StepProgress) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		store:    store,
		log:      log,
		progress: progress,
		sem:      make(chan struct{}, maxWorkers),
		inFlight: make(map[string]*entry),
	}
}

// Submit enqueues job for execution by run and returns immediately; job.ID
// must already be a persisted, queued job (spec §4.8: "submission returns
// immediately with a queued job id").
func (p *Pool) Submit(job model.Job, run RunFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.inFlight[job.ID] = &entry{cancel: cancel}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, job.ID)
			p.mu.Unlock()
			cancel()
		}()

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			_ = p.store.RecordJobCompletion(job.ID, model.JobCancelled, nil, "cancelled before a worker slot became available")
			return
		}

		p.execute(ctx, job, run)
	}()
}

func (p *Pool) execute(ctx context.Context, job model.Job, run RunFunc) {
	if err := p.store.RecordJobStart(job.ID); err != nil {
		p.log.Error("jobs: record start failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	tracker := &Tracker{store: p.store, jobID: job.ID, progress: p.progress, log: p.log}
	result, err := run(ctx, tracker, job)

	if err != nil {
		var nerr neuraerr.Error
		if neuraerr.As(err, &nerr) && nerr.Code() == neuraerr.CodeJobCancelled {
			_ = p.store.RecordJobCompletion(job.ID, model.JobCancelled, nil, nerr.Error())
			return
		}
		_ = p.store.RecordJobCompletion(job.ID, model.JobFailed, nil, err.Error())
		return
	}
	_ = p.store.RecordJobCompletion(job.ID, model.JobSucceeded, result, "")
}

// Cancel requests cancellation of an in-flight job. If still queued (no
// worker slot claimed yet), it is marked cancelled immediately and never
// runs. If running, its context is cancelled (cooperative). A non-terminal
// job that is not in this pool is marked cancelled in the store directly. In
// every case, when force is true, any child PIDs registered for the job are
// also sent SIGTERM (spec §4.8/§5: forced cancellation terminates tracked
// child processes).
func (p *Pool) Cancel(jobID string, force bool) error {
	p.mu.Lock()
	e, ok := p.inFlight[jobID]
	p.mu.Unlock()
	if ok {
		e.cancel()
	} else {
		job, found, err := p.store.GetJob(jobID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("jobs: unknown job %s", jobID)
		}
		if job.Terminal() {
			return nil
		}
	}

	if force {
		meta, err := p.store.GetJobMeta(jobID)
		if err == nil {
			if pidsRaw, ok := meta["child_pids"].([]any); ok {
				for _, pidRaw := range pidsRaw {
					pid := int(toFloat(pidRaw))
					if pid > 0 && procutil.PIDAlive(pid) {
						_ = terminatePID(pid)
					}
				}
			}
		}
	}
	if !ok {
		return p.store.RecordJobCompletion(jobID, model.JobCancelled, nil, "cancelled before dispatch")
	}
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// Wait blocks until every submitted job has returned (used by tests and
// graceful shutdown).
func (p *Pool) Wait() {
	p.wg.Wait()
}

// RecoverAfterRestart implements spec §4.8's restart recovery sweep: jobs
// left in queued/running status when the process last exited are either
// requeued (if their serialized payload is complete) or terminally failed,
// capped at maxRecoveries.
func RecoverAfterRestart(store *statestore.Store, maxRecoveries int) ([]model.Job, error) {
	stale, err := store.ListJobs(statestore.JobFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("jobs: list active jobs for recovery: %w", err)
	}

	var recovered []model.Job
	count := 0
	for _, job := range stale {
		if maxRecoveries > 0 && count >= maxRecoveries {
			if err := store.RecordJobCompletion(job.ID, model.JobFailed, nil, "recovery cap reached; job not requeued"); err != nil {
				return recovered, err
			}
			continue
		}

		if job.Payload.TemplateID == "" {
			if err := store.RecordJobCompletion(job.ID, model.JobFailed, nil, "process restarted; no recoverable payload"); err != nil {
				return recovered, err
			}
			continue
		}

		if err := store.RecordJobCompletion(job.ID, model.JobFailed, nil, "Server restarted; job requeued"); err != nil {
			return recovered, err
		}

		newJob, err := store.CreateJob(model.Job{
			Type:         job.Type,
			TemplateID:   job.TemplateID,
			ConnectionID: job.ConnectionID,
			ScheduleID:   job.ScheduleID,
			Steps:        nil,
			Payload:      job.Payload,
			Meta:         map[string]any{"recovered_from": job.ID},
		})
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, newJob)
		count++
	}
	return recovered, nil
}
