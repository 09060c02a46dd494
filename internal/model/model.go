// Package model holds the typed records shared across NeuraReport's components:
// Connection, Template, Job, Schedule, ReportRun, RunPayload, and ArtifactManifest
// (spec.md §3). The source leans on untyped dicts for these; this package is the
// "dynamic typing -> typed model" conversion spec.md §9 calls for.
package model

import "time"

// ConnectionKind enumerates supported database kinds.
type ConnectionKind string

const (
	ConnectionPostgres ConnectionKind = "postgres"
	ConnectionSQLite   ConnectionKind = "sqlite"
	ConnectionMySQL    ConnectionKind = "mysql"
)

// ConnectionStatus reflects the last observed health of a Connection.
type ConnectionStatus string

const (
	ConnectionStatusUnknown ConnectionStatus = "unknown"
	ConnectionStatusOK      ConnectionStatus = "ok"
	ConnectionStatusError   ConnectionStatus = "error"
)

// Connection is a registered database the report engine can query (spec §3).
// The connection's secret is not a field of this record; it lives only in the
// state store's encrypted secrets side table.
type Connection struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        ConnectionKind    `json:"kind"`
	DatabasePath string           `json:"database_path"`
	Status      ConnectionStatus  `json:"status"`
	LastLatency time.Duration     `json:"last_latency_ns"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TemplateKind enumerates the two supported reference-document shapes.
type TemplateKind string

const (
	TemplatePDF   TemplateKind = "pdf"
	TemplateExcel TemplateKind = "excel"
)

// TemplateStatus tracks where a template sits in the five-stage pipeline.
type TemplateStatus string

const (
	TemplateDraft                       TemplateStatus = "draft"
	TemplateMappingPreviewed            TemplateStatus = "mapping_previewed"
	TemplateMappingCorrectionsPreviewed TemplateStatus = "mapping_corrections_previewed"
	TemplateApproved                    TemplateStatus = "approved"
	TemplatePending                     TemplateStatus = "pending"
)

// GeneratorMeta captures Stage 5's acceptance state (spec §3).
type GeneratorMeta struct {
	Dialect      string         `json:"dialect,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	NeedsUserFix []string       `json:"needs_user_fix,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Invalid      bool           `json:"invalid"`
}

// Template is the central pipeline entity (spec §3).
type Template struct {
	ID                string          `json:"id"`
	Kind              TemplateKind    `json:"kind"`
	Status            TemplateStatus  `json:"status"`
	ArtifactURLs      map[string]string `json:"artifact_urls"`
	Tags              []string        `json:"tags"`
	MappingKeys       []string        `json:"mapping_keys"`
	LastConnectionID  string          `json:"last_connection_id,omitempty"`
	Generator         GeneratorMeta   `json:"generator"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Dir returns the template's directory relative to the uploads root:
// <kind>/<id>, per spec §6's filesystem layout.
func (t Template) Dir() string {
	return string(t.Kind) + "/" + t.ID
}

// ArtifactManifest is the per-template-directory production record (spec §3).
type ArtifactManifest struct {
	Files          map[string]string `json:"files"`
	FileChecksums  map[string]string `json:"file_checksums"`
	ProducedAt     time.Time         `json:"produced_at"`
	Step           string            `json:"step"`
	Inputs         []string          `json:"inputs"`
	CorrelationID  string            `json:"correlation_id"`
}

// JobType enumerates the job kinds the engine dispatches.
type JobType string

const (
	JobRunReport JobType = "run_report"
	JobVerify    JobType = "verify"
	JobAutoMap   JobType = "auto_map"
)

// JobStatus is the job's monotonic lifecycle state (spec §3, §4.8).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// StepStatus mirrors JobStatus but scoped to a single named step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// JobStep is one named sub-unit of work within a job (spec §3, glossary "Step").
type JobStep struct {
	Name      string     `json:"name"`
	Label     string     `json:"label"`
	Status    StepStatus `json:"status"`
	Progress  int        `json:"progress"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Job is the async unit of work tracked by the job engine (spec §3, §4.8).
type Job struct {
	ID            string         `json:"id"`
	Type          JobType        `json:"type"`
	TemplateID    string         `json:"template_id"`
	ConnectionID  string         `json:"connection_id"`
	CorrelationID string         `json:"correlation_id"`
	ScheduleID    string         `json:"schedule_id,omitempty"`
	Status        JobStatus      `json:"status"`
	Progress      int            `json:"progress"`
	Steps         []JobStep      `json:"steps"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	Payload       RunPayload     `json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// Terminal reports whether the job has reached a write-once terminal status.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// RunPayload is the serialized request to execute a report (glossary "Run payload").
type RunPayload struct {
	TemplateID   string         `json:"template_id"`
	ConnectionID string         `json:"connection_id"`
	BatchIDs     []string       `json:"batch_ids,omitempty"`
	KeyValues    map[string]any `json:"key_values,omitempty"`
	FromDate     string         `json:"from_date,omitempty"`
	ToDate       string         `json:"to_date,omitempty"`
	WantDOCX     bool           `json:"want_docx"`
	WantXLSX     bool           `json:"want_xlsx"`
	Email        *EmailSettings `json:"email,omitempty"`
}

// EmailSettings configures the optional post-render notification.
type EmailSettings struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Schedule is an interval-triggered, date-window-gated dispatcher entry (spec §3, §4.9).
type Schedule struct {
	ID               string     `json:"id"`
	TemplateID       string     `json:"template_id"`
	ConnectionID     string     `json:"connection_id"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          time.Time  `json:"end_date"`
	FrequencyLabel   string     `json:"frequency_label"`
	IntervalMinutes  int        `json:"interval_minutes"`
	NextRunAt        time.Time  `json:"next_run_at"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus    string     `json:"last_run_status,omitempty"`
	LastRunError     string     `json:"last_run_error,omitempty"`
	LastRunArtifacts map[string]string `json:"last_run_artifacts,omitempty"`
	Active           bool       `json:"active"`
	MisfireCount     int        `json:"misfire_count"`
	Payload          RunPayload `json:"payload"`
}

// Due reports whether the schedule should dispatch at instant now, per the
// invariant in spec §8: start_date <= now <= end_date and now >= next_run_at.
func (s Schedule) Due(now time.Time) bool {
	if !s.Active {
		return false
	}
	if now.Before(s.StartDate) || now.After(s.EndDate) {
		return false
	}
	return !now.Before(s.NextRunAt)
}

// ReportRun is the historical record of a completed run (spec §3).
type ReportRun struct {
	ID           string            `json:"id"`
	TemplateID   string            `json:"template_id"`
	ConnectionID string            `json:"connection_id"`
	ScheduleID   string            `json:"schedule_id,omitempty"`
	Status       JobStatus         `json:"status"`
	ArtifactURLs map[string]string `json:"artifact_urls"`
	CreatedAt    time.Time         `json:"created_at"`
}

// SavedChart is the minimal record backing the state store's saved_charts key
// (SPEC_FULL.md §C.1). Chart rendering itself is out of scope.
type SavedChart struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	Title      string    `json:"title"`
	Spec       map[string]any `json:"spec"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
