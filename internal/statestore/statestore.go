// Package statestore implements C2: the application's single JSON state
// document (connections, templates, jobs, schedules, report runs, saved
// charts, last-used pointer), stored as plain JSON, plus a bbolt-backed
// encrypted secrets side table for connection credentials.
//
// Every mutator takes the store's mutex, re-reads the document from disk,
// applies its change, and writes it back atomically before releasing the
// lock -- the same "no long-lived in-memory copy drifting from disk" posture
// the teacher's runstate package uses for pipeline snapshots, just applied to
// the whole application's state rather than one run.
package statestore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/ids"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/neuraerr"
)

const stateFileName = "state.json"

// Store is the application's single state document plus secrets vault.
type Store struct {
	mu      sync.Mutex
	dir     string
	secrets *secretVault
}

// Open opens (creating if absent) the state store rooted at dir, deriving the
// secrets vault's AEAD key from secretKey (NEURA_STATE_SECRET; empty uses a
// generated key file under dir).
func Open(dir, secretKey string) (*Store, error) {
	vault, err := openSecretVault(dir, secretKey)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, secrets: vault}

	found, err := artifactstore.ReadJSON(dir, stateFileName, &document{})
	if err != nil {
		_ = vault.close()
		return nil, fmt.Errorf("statestore: read initial document: %w", err)
	}
	if !found {
		if err := artifactstore.WriteJSONAtomic(dir, stateFileName, newDocument()); err != nil {
			_ = vault.close()
			return nil, fmt.Errorf("statestore: write initial document: %w", err)
		}
	}
	return s, nil
}

// Close releases the secrets vault's bbolt handle.
func (s *Store) Close() error {
	return s.secrets.close()
}

func (s *Store) load() (*document, error) {
	doc := newDocument()
	found, err := artifactstore.ReadJSON(s.dir, stateFileName, doc)
	if err != nil {
		return nil, fmt.Errorf("statestore: load document: %w", err)
	}
	if !found {
		return newDocument(), nil
	}
	if doc.Connections == nil {
		doc.Connections = make(map[string]model.Connection)
	}
	if doc.Templates == nil {
		doc.Templates = make(map[string]model.Template)
	}
	if doc.Jobs == nil {
		doc.Jobs = make(map[string]model.Job)
	}
	if doc.JobIdempotencyIndex == nil {
		doc.JobIdempotencyIndex = make(map[string]string)
	}
	if doc.Schedules == nil {
		doc.Schedules = make(map[string]model.Schedule)
	}
	if doc.ReportRuns == nil {
		doc.ReportRuns = make(map[string]model.ReportRun)
	}
	if doc.SavedCharts == nil {
		doc.SavedCharts = make(map[string]model.SavedChart)
	}
	return doc, nil
}

func (s *Store) save(doc *document) error {
	return artifactstore.WriteJSONAtomic(s.dir, stateFileName, doc)
}

// mutate runs fn against the freshly loaded document under the store's lock,
// persisting the result unless fn returns an error.
func (s *Store) mutate(fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// view runs fn against the freshly loaded document under the store's lock,
// for read-only access.
func (s *Store) view(fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	return fn(doc)
}

// --- Connections ---------------------------------------------------------

// UpsertConnection stores conn's sanitized fields and, if secretPlain is
// non-empty, seals it into the secrets vault under conn.ID.
func (s *Store) UpsertConnection(conn model.Connection, secretPlain string) error {
	now := time.Now().UTC()
	err := s.mutate(func(doc *document) error {
		if conn.ID == "" {
			conn.ID = ids.NewULID()
			conn.CreatedAt = now
		} else if existing, ok := doc.Connections[conn.ID]; ok {
			conn.CreatedAt = existing.CreatedAt
		} else {
			conn.CreatedAt = now
		}
		conn.UpdatedAt = now
		doc.Connections[conn.ID] = conn
		return nil
	})
	if err != nil {
		return err
	}
	if secretPlain != "" {
		if err := s.secrets.put(conn.ID, secretPlain); err != nil {
			return fmt.Errorf("statestore: seal connection secret: %w", err)
		}
	}
	return nil
}

// GetConnection returns the sanitized connection record.
func (s *Store) GetConnection(id string) (model.Connection, bool, error) {
	var conn model.Connection
	var ok bool
	err := s.view(func(doc *document) error {
		conn, ok = doc.Connections[id]
		return nil
	})
	return conn, ok, err
}

// DecryptConnectionSecret returns the plaintext secret (e.g. a DSN password)
// for a connection, for use by connio when opening the actual database handle.
func (s *Store) DecryptConnectionSecret(id string) (string, bool, error) {
	return s.secrets.get(id)
}

// ListConnections returns all sanitized connection records, sorted by id.
func (s *Store) ListConnections() ([]model.Connection, error) {
	var out []model.Connection
	err := s.view(func(doc *document) error {
		out = make([]model.Connection, 0, len(doc.Connections))
		for _, c := range doc.Connections {
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// DeleteConnection removes a connection's record and secret, clearing the
// last-used pointer if it referenced this connection.
func (s *Store) DeleteConnection(id string) error {
	if err := s.mutate(func(doc *document) error {
		delete(doc.Connections, id)
		if doc.LastUsedConnectionID == id {
			doc.LastUsedConnectionID = ""
		}
		return nil
	}); err != nil {
		return err
	}
	return s.secrets.delete(id)
}

// SetLastUsedConnection records id as the most recently resolved connection
// (SPEC_FULL.md §C.2: the last-used pointer is set every time a connection is
// actually resolved for a run, not only on explicit selection).
func (s *Store) SetLastUsedConnection(id string) error {
	return s.mutate(func(doc *document) error {
		doc.LastUsedConnectionID = id
		return nil
	})
}

// GetLastUsedConnection returns the last-used connection id, if any.
func (s *Store) GetLastUsedConnection() (string, error) {
	var id string
	err := s.view(func(doc *document) error {
		id = doc.LastUsedConnectionID
		return nil
	})
	return id, err
}

// --- Templates ------------------------------------------------------------

// UpsertTemplate stores tmpl, stamping timestamps.
func (s *Store) UpsertTemplate(tmpl model.Template) error {
	now := time.Now().UTC()
	return s.mutate(func(doc *document) error {
		if existing, ok := doc.Templates[tmpl.ID]; ok {
			tmpl.CreatedAt = existing.CreatedAt
		} else {
			tmpl.CreatedAt = now
		}
		tmpl.UpdatedAt = now
		doc.Templates[tmpl.ID] = tmpl
		return nil
	})
}

// GetTemplate returns a template by id.
func (s *Store) GetTemplate(id string) (model.Template, bool, error) {
	var tmpl model.Template
	var ok bool
	err := s.view(func(doc *document) error {
		tmpl, ok = doc.Templates[id]
		return nil
	})
	return tmpl, ok, err
}

// ListTemplates returns all templates, optionally filtered by kind (empty
// string means no filter).
func (s *Store) ListTemplates(kind model.TemplateKind) ([]model.Template, error) {
	var out []model.Template
	err := s.view(func(doc *document) error {
		for _, t := range doc.Templates {
			if kind != "" && t.Kind != kind {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// DeleteTemplate removes a template's record. Callers are responsible for
// removing its artifact directory (via artifactstore) under the template lock.
func (s *Store) DeleteTemplate(id string) error {
	return s.mutate(func(doc *document) error {
		delete(doc.Templates, id)
		return nil
	})
}

// --- Jobs -------------------------------------------------------------------

// CreateJob inserts a new job. If idempotencyKey is non-empty and a job was
// already created with that key, the existing job is returned instead of a
// new one being created (SPEC_FULL.md §C.3).
func (s *Store) CreateJob(job model.Job) (model.Job, error) {
	now := time.Now().UTC()
	err := s.mutate(func(doc *document) error {
		if job.IdempotencyKey != "" {
			if existingID, ok := doc.JobIdempotencyIndex[job.IdempotencyKey]; ok {
				if existing, ok := doc.Jobs[existingID]; ok {
					job = existing
					return nil
				}
			}
		}
		if job.ID == "" {
			job.ID = ids.NewJobID()
		}
		if job.CorrelationID == "" {
			job.CorrelationID = ids.NewCorrelationID()
		}
		job.Status = model.JobQueued
		job.CreatedAt = now
		doc.Jobs[job.ID] = job
		if job.IdempotencyKey != "" {
			doc.JobIdempotencyIndex[job.IdempotencyKey] = job.ID
		}
		return nil
	})
	return job, err
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (model.Job, bool, error) {
	var job model.Job
	var ok bool
	err := s.view(func(doc *document) error {
		job, ok = doc.Jobs[id]
		return nil
	})
	return job, ok, err
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Type       model.JobType
	Status     model.JobStatus
	TemplateID string
	ActiveOnly bool
	Limit      int
}

// ListJobs returns jobs matching filter, most recently created first.
func (s *Store) ListJobs(filter JobFilter) ([]model.Job, error) {
	var out []model.Job
	err := s.view(func(doc *document) error {
		for _, j := range doc.Jobs {
			if filter.Type != "" && j.Type != filter.Type {
				continue
			}
			if filter.Status != "" && j.Status != filter.Status {
				continue
			}
			if filter.TemplateID != "" && j.TemplateID != filter.TemplateID {
				continue
			}
			if filter.ActiveOnly && j.Terminal() {
				continue
			}
			out = append(out, j)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}

// RecordJobStart transitions a queued job to running.
func (s *Store) RecordJobStart(id string) error {
	now := time.Now().UTC()
	return s.mutate(func(doc *document) error {
		job, ok := doc.Jobs[id]
		if !ok {
			return neuraerr.New(neuraerr.CodeMappingNotFound, "", "statestore: job not found: "+id, nil)
		}
		if job.Terminal() {
			return nil
		}
		job.Status = model.JobRunning
		job.StartedAt = &now
		doc.Jobs[id] = job
		return nil
	})
}

// RecordJobProgress updates a running job's overall progress percentage.
func (s *Store) RecordJobProgress(id string, progress int) error {
	return s.mutate(func(doc *document) error {
		job, ok := doc.Jobs[id]
		if !ok {
			return neuraerr.New(neuraerr.CodeMappingNotFound, "", "statestore: job not found: "+id, nil)
		}
		if job.Terminal() {
			return nil
		}
		job.Progress = progress
		doc.Jobs[id] = job
		return nil
	})
}

// RecordJobStep upserts one named step's status/progress/error within a job.
func (s *Store) RecordJobStep(id string, step model.JobStep) error {
	return s.mutate(func(doc *document) error {
		job, ok := doc.Jobs[id]
		if !ok {
			return neuraerr.New(neuraerr.CodeMappingNotFound, "", "statestore: job not found: "+id, nil)
		}
		if job.Terminal() {
			return nil
		}
		replaced := false
		for i := range job.Steps {
			if job.Steps[i].Name == step.Name {
				job.Steps[i] = step
				replaced = true
				break
			}
		}
		if !replaced {
			job.Steps = append(job.Steps, step)
		}
		doc.Jobs[id] = job
		return nil
	})
}

// RecordJobCompletion writes the job's terminal status, result, and error.
// Terminal statuses are write-once: a second call is a no-op (spec §4.8).
func (s *Store) RecordJobCompletion(id string, status model.JobStatus, result map[string]any, jobErr string) error {
	now := time.Now().UTC()
	return s.mutate(func(doc *document) error {
		job, ok := doc.Jobs[id]
		if !ok {
			return neuraerr.New(neuraerr.CodeMappingNotFound, "", "statestore: job not found: "+id, nil)
		}
		if job.Terminal() {
			return nil
		}
		job.Status = status
		job.Result = result
		job.Error = jobErr
		job.EndedAt = &now
		if status == model.JobSucceeded {
			job.Progress = 100
		}
		doc.Jobs[id] = job
		return nil
	})
}

// GetJobMeta returns a job's free-form meta map (e.g. child PID for
// cancellation bookkeeping).
func (s *Store) GetJobMeta(id string) (map[string]any, error) {
	var meta map[string]any
	err := s.view(func(doc *document) error {
		if job, ok := doc.Jobs[id]; ok {
			meta = job.Meta
		}
		return nil
	})
	return meta, err
}

// SetJobMeta merges keys into a job's meta map.
func (s *Store) SetJobMeta(id string, meta map[string]any) error {
	return s.mutate(func(doc *document) error {
		job, ok := doc.Jobs[id]
		if !ok {
			return neuraerr.New(neuraerr.CodeMappingNotFound, "", "statestore: job not found: "+id, nil)
		}
		if job.Meta == nil {
			job.Meta = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			job.Meta[k] = v
		}
		doc.Jobs[id] = job
		return nil
	})
}

// --- Schedules ---------------------------------------------------------------

// UpsertSchedule stores sched, assigning an id if absent.
func (s *Store) UpsertSchedule(sched model.Schedule) (model.Schedule, error) {
	err := s.mutate(func(doc *document) error {
		if sched.ID == "" {
			sched.ID = ids.NewScheduleID()
		}
		doc.Schedules[sched.ID] = sched
		return nil
	})
	return sched, err
}

// GetSchedule returns a schedule by id.
func (s *Store) GetSchedule(id string) (model.Schedule, bool, error) {
	var sched model.Schedule
	var ok bool
	err := s.view(func(doc *document) error {
		sched, ok = doc.Schedules[id]
		return nil
	})
	return sched, ok, err
}

// ListSchedules returns all schedules, active-only if requested.
func (s *Store) ListSchedules(activeOnly bool) ([]model.Schedule, error) {
	var out []model.Schedule
	err := s.view(func(doc *document) error {
		for _, sc := range doc.Schedules {
			if activeOnly && !sc.Active {
				continue
			}
			out = append(out, sc)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	return s.mutate(func(doc *document) error {
		delete(doc.Schedules, id)
		return nil
	})
}

// --- Report runs --------------------------------------------------------------

// CreateReportRun inserts a completed run's historical record.
func (s *Store) CreateReportRun(run model.ReportRun) (model.ReportRun, error) {
	err := s.mutate(func(doc *document) error {
		if run.ID == "" {
			run.ID = ids.NewRunID()
		}
		if run.CreatedAt.IsZero() {
			run.CreatedAt = time.Now().UTC()
		}
		doc.ReportRuns[run.ID] = run
		return nil
	})
	return run, err
}

// ListReportRuns returns runs for a template, most recent first.
func (s *Store) ListReportRuns(templateID string, limit int) ([]model.ReportRun, error) {
	var out []model.ReportRun
	err := s.view(func(doc *document) error {
		for _, r := range doc.ReportRuns {
			if templateID != "" && r.TemplateID != templateID {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// --- Saved charts --------------------------------------------------------------

// SaveChart upserts a saved chart record.
func (s *Store) SaveChart(chart model.SavedChart) (model.SavedChart, error) {
	now := time.Now().UTC()
	err := s.mutate(func(doc *document) error {
		if chart.ID == "" {
			chart.ID = ids.NewULID()
			chart.CreatedAt = now
		} else if existing, ok := doc.SavedCharts[chart.ID]; ok {
			chart.CreatedAt = existing.CreatedAt
		} else {
			chart.CreatedAt = now
		}
		chart.UpdatedAt = now
		doc.SavedCharts[chart.ID] = chart
		return nil
	})
	return chart, err
}

// ListCharts returns saved charts for a template.
func (s *Store) ListCharts(templateID string) ([]model.SavedChart, error) {
	var out []model.SavedChart
	err := s.view(func(doc *document) error {
		for _, c := range doc.SavedCharts {
			if templateID != "" && c.TemplateID != templateID {
				continue
			}
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// DeleteChart removes a saved chart.
func (s *Store) DeleteChart(id string) error {
	return s.mutate(func(doc *document) error {
		delete(doc.SavedCharts, id)
		return nil
	})
}
