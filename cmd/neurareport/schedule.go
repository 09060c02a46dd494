package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/neurareport/core/internal/model"
)

// newScheduleCmd groups schedule management subcommands, the definition file
// loaded the way kilroy's engine.LoadRunConfigFile strict-decodes a YAML run
// config (SPEC_FULL.md §B: "gopkg.in/yaml.v3 is repurposed for the CLI's optional
// schedule-definition file format").
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage interval-triggered report schedules."}
	cmd.AddCommand(newScheduleCreateCmd())
	cmd.AddCommand(newScheduleLsCmd())
	cmd.AddCommand(newScheduleDeleteCmd())
	return cmd
}

// scheduleFile is the on-disk shape a schedule definition file decodes into
// before being translated to model.Schedule.
type scheduleFile struct {
	TemplateID      string         `yaml:"template_id"`
	ConnectionID    string         `yaml:"connection_id"`
	StartDate       string         `yaml:"start_date"`
	EndDate         string         `yaml:"end_date"`
	FrequencyLabel  string         `yaml:"frequency_label"`
	IntervalMinutes int            `yaml:"interval_minutes"`
	Active          bool           `yaml:"active"`
	BatchIDs        []string       `yaml:"batch_ids"`
	KeyValues       map[string]any `yaml:"key_values"`
	FromDate        string         `yaml:"from_date"`
	ToDate          string         `yaml:"to_date"`
	WantDOCX        bool           `yaml:"want_docx"`
	WantXLSX        bool           `yaml:"want_xlsx"`
}

func loadScheduleFile(path string) (*scheduleFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("neurareport: read schedule file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var sf scheduleFile
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("neurareport: parse schedule file %s: %w", path, err)
	}
	return &sf, nil
}

const dateLayout = "2006-01-02"

func newScheduleCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule from a YAML definition file.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("neurareport: --file is required")
			}
			sf, err := loadScheduleFile(file)
			if err != nil {
				return err
			}
			start, err := time.Parse(dateLayout, sf.StartDate)
			if err != nil {
				return fmt.Errorf("neurareport: start_date: %w", err)
			}
			end, err := time.Parse(dateLayout, sf.EndDate)
			if err != nil {
				return fmt.Errorf("neurareport: end_date: %w", err)
			}

			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.store.UpsertSchedule(model.Schedule{
				TemplateID:      sf.TemplateID,
				ConnectionID:    sf.ConnectionID,
				StartDate:       start,
				EndDate:         end,
				FrequencyLabel:  sf.FrequencyLabel,
				IntervalMinutes: sf.IntervalMinutes,
				NextRunAt:       start,
				Active:          sf.Active,
				Payload: model.RunPayload{
					TemplateID:   sf.TemplateID,
					ConnectionID: sf.ConnectionID,
					BatchIDs:     sf.BatchIDs,
					KeyValues:    sf.KeyValues,
					FromDate:     sf.FromDate,
					ToDate:       sf.ToDate,
					WantDOCX:     sf.WantDOCX,
					WantXLSX:     sf.WantXLSX,
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("schedule_id=%s next_run_at=%s\n", sched.ID, sched.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a schedule definition YAML file (required)")
	return cmd
}

func newScheduleLsCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List schedules.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()

			schedules, err := a.store.ListSchedules(activeOnly)
			if err != nil {
				return err
			}
			t := table.New(os.Stdout)
			t.SetHeaders("ID", "Template", "Active", "Frequency", "Next Run", "Last Status")
			for _, sc := range schedules {
				t.AddRow(sc.ID, sc.TemplateID, fmt.Sprintf("%t", sc.Active), sc.FrequencyLabel, sc.NextRunAt.Format(time.RFC3339), sc.LastRunStatus)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "only list active schedules")
	return cmd
}

func newScheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(devLog)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.store.DeleteSchedule(args[0]); err != nil {
				return err
			}
			fmt.Printf("schedule_id=%s deleted=true\n", args[0])
			return nil
		},
	}
}
