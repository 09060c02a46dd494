package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neurareport/core/internal/jobs"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/scheduler"
)

// newServeCmd starts the long-lived process: a restart-recovery sweep
// followed by the schedule dispatcher, blocking until interrupted. `run`,
// `job`, and `schedule` are one-shot commands against the same state store;
// this is the only command that ticks scheduler.Scheduler.Run, so a schedule
// created via `schedule create` actually fires (spec §4.9).
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the restart-recovery sweep and the schedule dispatcher until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			recovered, err := jobs.RecoverAfterRestart(a.store, a.cfg.JobRecoveryMax)
			if err != nil {
				return fmt.Errorf("neurareport: restart recovery: %w", err)
			}
			for _, job := range recovered {
				a.log.Info("neurareport: resubmitting recovered job", zap.String("job_id", job.ID), zap.String("recovered_from", fmt.Sprint(job.Meta["recovered_from"])))
				a.pool.Submit(job, a.orch.Run)
			}

			sched := scheduler.New(a.store, a.dispatchSchedule, a.cfg.SchedulerPollInterval, a.log)
			a.log.Info("neurareport: serving", zap.Int("recovered_jobs", len(recovered)))
			sched.Run(ctx)
			a.pool.Wait()
			return nil
		},
	}
}

// dispatchSchedule satisfies scheduler.DispatchFunc: it enqueues a run_report
// job from the schedule's snapshot payload and hands it to the same job pool
// `run` uses.
func (a *app) dispatchSchedule(sched model.Schedule) (string, error) {
	job, err := a.store.CreateJob(scheduler.BuildRunPayloadJob(sched))
	if err != nil {
		return "", err
	}
	a.pool.Submit(job, a.orch.Run)
	return job.ID, nil
}
