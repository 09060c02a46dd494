package statestore

import (
	"github.com/neurareport/core/internal/model"
)

// document is the single JSON-serialized state file, the ambient-state
// analogue of the teacher's run-state snapshot but covering the whole
// application rather than a single pipeline run (spec §3: "the state store
// persists ... as a single JSON document").
type document struct {
	Connections         map[string]model.Connection  `json:"connections"`
	Templates           map[string]model.Template     `json:"templates"`
	Jobs                map[string]model.Job          `json:"jobs"`
	JobIdempotencyIndex  map[string]string            `json:"job_idempotency_index"`
	Schedules           map[string]model.Schedule     `json:"schedules"`
	ReportRuns          map[string]model.ReportRun    `json:"report_runs"`
	SavedCharts         map[string]model.SavedChart   `json:"saved_charts"`
	LastUsedConnectionID string                       `json:"last_used_connection_id,omitempty"`
}

func newDocument() *document {
	return &document{
		Connections:         make(map[string]model.Connection),
		Templates:           make(map[string]model.Template),
		Jobs:                make(map[string]model.Job),
		JobIdempotencyIndex: make(map[string]string),
		Schedules:           make(map[string]model.Schedule),
		ReportRuns:          make(map[string]model.ReportRun),
		SavedCharts:         make(map[string]model.SavedChart),
	}
}
