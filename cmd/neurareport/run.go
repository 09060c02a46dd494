package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurareport/core/internal/model"
)

type runOptions struct {
	templateID   string
	connectionID string
	fromDate     string
	toDate       string
	batchIDs     []string
	keyValues    []string
	wantDOCX     bool
	wantXLSX     bool
	emailTo      []string
	emailSubject string
	emailBody    string
	wait         bool
	waitTimeout  time.Duration
}

// newRunCmd submits a run_report job and, by default, blocks until it
// reaches a terminal status -- the CLI's synchronous convenience wrapper
// around the async job engine (spec §4.8's "submission returns immediately
// with a queued job id" still holds; --wait=false surfaces just the id).
func newRunCmd() *cobra.Command {
	opts := &runOptions{wait: true, waitTimeout: 5 * time.Minute}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a report against a template and connection.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()
			return runReport(cmd.Context(), a, opts)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVar(&opts.templateID, "template", "", "template id (required)")
	f.StringVar(&opts.connectionID, "connection", "", "connection id (empty uses the fallback chain, spec §9)")
	f.StringVar(&opts.fromDate, "from", "", "report window start date (YYYY-MM-DD)")
	f.StringVar(&opts.toDate, "to", "", "report window end date (YYYY-MM-DD)")
	f.StringSliceVar(&opts.batchIDs, "batch", nil, "batch id filter, repeatable")
	f.StringSliceVar(&opts.keyValues, "key", nil, "key=value report parameter, repeatable")
	f.BoolVar(&opts.wantDOCX, "docx", false, "also render a DOCX artifact")
	f.BoolVar(&opts.wantXLSX, "xlsx", false, "also render an XLSX artifact")
	f.StringSliceVar(&opts.emailTo, "email-to", nil, "notify these addresses once the run completes")
	f.StringVar(&opts.emailSubject, "email-subject", "", "notification subject")
	f.StringVar(&opts.emailBody, "email-body", "", "notification body")
	f.BoolVar(&opts.wait, "wait", true, "block until the job reaches a terminal status")
	f.DurationVar(&opts.waitTimeout, "wait-timeout", 5*time.Minute, "how long --wait polls before giving up")
	//nolint:errcheck
	_ = cmd.MarkFlagRequired("template")

	return cmd
}

func parseKeyValues(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[k] = v
	}
	return out
}

func runReport(ctx context.Context, a *app, opts *runOptions) error {
	payload := model.RunPayload{
		TemplateID:   opts.templateID,
		ConnectionID: opts.connectionID,
		BatchIDs:     opts.batchIDs,
		KeyValues:    parseKeyValues(opts.keyValues),
		FromDate:     opts.fromDate,
		ToDate:       opts.toDate,
		WantDOCX:     opts.wantDOCX,
		WantXLSX:     opts.wantXLSX,
	}
	if len(opts.emailTo) > 0 {
		payload.Email = &model.EmailSettings{To: opts.emailTo, Subject: opts.emailSubject, Body: opts.emailBody}
	}

	job, err := a.store.CreateJob(model.Job{
		Type:         model.JobRunReport,
		TemplateID:   opts.templateID,
		ConnectionID: opts.connectionID,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("neurareport: create job: %w", err)
	}

	a.pool.Submit(job, a.orch.Run)
	fmt.Printf("job_id=%s status=%s\n", job.ID, job.Status)

	if !opts.wait {
		return nil
	}
	return waitForJob(ctx, a, job.ID, opts.waitTimeout)
}

func waitForJob(ctx context.Context, a *app, jobID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, found, err := a.store.GetJob(jobID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("neurareport: job %s disappeared while waiting", jobID)
			}
			if job.Terminal() {
				printJobOutcome(job)
				if job.Status == model.JobFailed || job.Status == model.JobCancelled {
					return fmt.Errorf("neurareport: job %s ended %s: %s", job.ID, job.Status, job.Error)
				}
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("neurareport: timed out after %s waiting for job %s (last status %s)", timeout, jobID, job.Status)
			}
		}
	}
}

func printJobOutcome(job model.Job) {
	fmt.Printf("job_id=%s status=%s progress=%d%%\n", job.ID, job.Status, job.Progress)
	for k, v := range job.Result {
		fmt.Printf("  %s: %v\n", k, v)
	}
}
