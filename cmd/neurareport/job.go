package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"

	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/statestore"
)

// newJobCmd groups job-inspection subcommands (ls/status/cancel), the same
// "run <verb>" shape as kilroy's `attractor status`/`attractor stop` built on
// cobra's Command tree instead of a hand-rolled dispatch (spec §A).
func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect and control jobs."}
	cmd.AddCommand(newJobLsCmd())
	cmd.AddCommand(newJobStatusCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobLsCmd() *cobra.Command {
	var status string
	var templateID string
	var limit int

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List jobs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()

			jobsList, err := a.store.ListJobs(statestore.JobFilter{
				Status:     model.JobStatus(status),
				TemplateID: templateID,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			renderJobsTable(jobsList)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued|running|succeeded|failed|cancelled)")
	cmd.Flags().StringVar(&templateID, "template", "", "filter by template id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func renderJobsTable(jobsList []model.Job) {
	t := table.New(os.Stdout)
	t.SetHeaders("ID", "Type", "Template", "Status", "Progress", "Created")
	for _, j := range jobsList {
		t.AddRow(j.ID, string(j.Type), j.TemplateID, string(j.Status), strconv.Itoa(j.Progress)+"%", j.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	t.Render()
}

func newJobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's detailed status, including per-step progress.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()

			job, found, err := a.store.GetJob(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("neurareport: job %s not found", args[0])
			}
			fmt.Printf("id=%s type=%s status=%s progress=%d%%\n", job.ID, job.Type, job.Status, job.Progress)
			if job.Error != "" {
				fmt.Printf("error=%s\n", job.Error)
			}
			for _, step := range job.Steps {
				fmt.Printf("  [%s] %s (%d%%)%s\n", step.Status, step.Label, step.Progress, stepErrSuffix(step))
			}
			for k, v := range job.Result {
				fmt.Printf("  result.%s=%v\n", k, v)
			}
			return nil
		},
	}
}

func stepErrSuffix(step model.JobStep) string {
	if step.Error == "" {
		return ""
	}
	return fmt.Sprintf(" error=%s", step.Error)
}

func newJobCancelCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job (cooperative by default, --force sends SIGTERM to tracked child processes).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.pool.Cancel(args[0], force); err != nil {
				return err
			}
			fmt.Printf("job_id=%s cancel_requested=true force=%t\n", args[0], force)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "terminate tracked child processes instead of waiting for a cooperative checkpoint")
	return cmd
}
