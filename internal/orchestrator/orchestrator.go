// Package orchestrator implements C12: the report orchestrator that
// sequences schema validation -> template lock -> SQL execution -> render ->
// manifest -> optional notification (spec §4.10). It is the only component
// permitted to mutate a template directory at run time and the only place
// that translates internal errors into user-visible status codes (spec §7).
// Modeled on server/handlers.go's top-level request-to-pipeline sequencing,
// generalized from "run one attractor pipeline" to "run one report".
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/catalog"
	"github.com/neurareport/core/internal/connio"
	"github.com/neurareport/core/internal/contract"
	"github.com/neurareport/core/internal/email"
	"github.com/neurareport/core/internal/jobs"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/neuraerr"
	"github.com/neurareport/core/internal/render"
	"github.com/neurareport/core/internal/sqlengine"
	"github.com/neurareport/core/internal/statestore"
	"github.com/neurareport/core/internal/templatelock"
)

// Orchestrator holds every collaborator the report-run pipeline needs.
type Orchestrator struct {
	Store         *statestore.Store
	Artifacts     *artifactstore.Store
	CatalogCache  *catalog.Cache
	Collaborators render.Collaborators
	Email         email.Transport
	Log           *zap.Logger

	// DefaultDB/EnvDBPath back the db-path fallback chain's third rung
	// (spec §9 open question, resolved: fallback precedence is retained).
	DefaultDB string
	EnvDBPath string
}

// resolveDBPath implements spec §9's retained fallback precedence: explicit
// connection id -> last-used id -> env (NR_DEFAULT_DB/DB_PATH) -> latest
// record.
func (o *Orchestrator) resolveDBPath(explicitConnID, correlationID string) (model.Connection, string, error) {
	if explicitConnID != "" {
		conn, ok, err := o.Store.GetConnection(explicitConnID)
		if err != nil {
			return model.Connection{}, "", err
		}
		if ok {
			secret, _, _ := o.Store.DecryptConnectionSecret(conn.ID)
			_ = o.Store.SetLastUsedConnection(conn.ID)
			return conn, secret, nil
		}
	}

	if lastUsed, err := o.Store.GetLastUsedConnection(); err == nil && lastUsed != "" {
		conn, ok, err := o.Store.GetConnection(lastUsed)
		if err == nil && ok {
			secret, _, _ := o.Store.DecryptConnectionSecret(conn.ID)
			return conn, secret, nil
		}
	}

	if o.DefaultDB != "" || o.EnvDBPath != "" {
		path := o.DefaultDB
		if path == "" {
			path = o.EnvDBPath
		}
		conn := model.Connection{ID: "env-default", Kind: model.ConnectionSQLite, DatabasePath: path}
		return conn, "", nil
	}

	conns, err := o.Store.ListConnections()
	if err != nil {
		return model.Connection{}, "", err
	}
	if len(conns) == 0 {
		return model.Connection{}, "", neuraerr.New(neuraerr.CodeReportGenerationFailed, correlationID, "orchestrator: no connection resolvable (explicit, last-used, env, and catalog of connections are all empty)", nil)
	}
	latest := conns[0]
	for _, c := range conns {
		if c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	secret, _, _ := o.Store.DecryptConnectionSecret(latest.ID)
	_ = o.Store.SetLastUsedConnection(latest.ID)
	return latest, secret, nil
}

// generatorAssets is the persisted shape of generator/generator_assets.json
// (spec §6 filesystem layout).
type generatorAssets = contract.GeneratorAssets

// Run executes one report (spec §4.10's sequence). It satisfies
// jobs.RunFunc's signature so the job pool can dispatch run_report jobs
// directly to it.
func (o *Orchestrator) Run(ctx context.Context, tracker *jobs.Tracker, job model.Job) (map[string]any, error) {
	correlationID := job.CorrelationID

	if err := tracker.StartStep("dataLoad", "Resolving connection and template"); err != nil {
		return nil, err
	}

	tmpl, ok, err := o.Store.GetTemplate(job.TemplateID)
	if err != nil {
		return nil, err
	}
	if !ok {
		err := neuraerr.New(neuraerr.CodeInvalidTemplateID, correlationID, fmt.Sprintf("unknown template %s", job.TemplateID), nil)
		_ = tracker.FailStep("dataLoad", "Resolving connection and template", err)
		return nil, err
	}

	conn, secret, err := o.resolveDBPath(job.Payload.ConnectionID, correlationID)
	if err != nil {
		_ = tracker.FailStep("dataLoad", "Resolving connection and template", err)
		return nil, err
	}

	dir, err := o.Artifacts.EnsureTemplateDir(tmpl.Kind, tmpl.ID)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	runErr := withTemplateLockRun(dir, "reports_run", correlationID, func() error {
		var stepErr error
		result, stepErr = o.runLocked(ctx, tracker, tmpl, conn, secret, job, dir)
		return stepErr
	})
	if runErr != nil {
		return nil, runErr
	}

	if err := tracker.CheckCancelled(ctx, correlationID); err != nil {
		return nil, err
	}

	run := model.ReportRun{
		TemplateID:   tmpl.ID,
		ConnectionID: conn.ID,
		ScheduleID:   job.ScheduleID,
		Status:       model.JobSucceeded,
		ArtifactURLs: stringMap(result["artifact_urls"]),
	}
	if _, err := o.Store.CreateReportRun(run); err != nil {
		o.Log.Error("orchestrator: record report run failed", zap.Error(err))
	}

	if job.Payload.Email != nil && len(job.Payload.Email.To) > 0 && o.Email != nil {
		if err := tracker.StartStep("notify", "Sending notification email"); err != nil {
			return result, err
		}
		attachment := firstExistingAttachment(dir, result)
		ok, sendErr := o.Email.Send(ctx, job.Payload.Email.To, job.Payload.Email.Subject, job.Payload.Email.Body, attachment)
		if sendErr != nil || !ok {
			_ = tracker.FailStep("notify", "Sending notification email", fmt.Errorf("email send failed: %v (ok=%v)", sendErr, ok))
		} else {
			_ = tracker.FinishStep("notify", "Sending notification email")
		}
	}

	return result, nil
}

func (o *Orchestrator) runLocked(ctx context.Context, tracker *jobs.Tracker, tmpl model.Template, conn model.Connection, secret string, job model.Job, dir string) (map[string]any, error) {
	correlationID := job.CorrelationID

	var c contract.Contract
	found, err := artifactstore.ReadJSON(dir, "contract.json", &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, neuraerr.New(neuraerr.CodeInvalidContract, correlationID, "orchestrator: template has no contract.json; run the pipeline through Stage 4 first", nil)
	}
	c.ApplyDefaults()

	var assets generatorAssets
	foundAssets, err := artifactstore.ReadJSON(filepath.Join(dir, "generator"), "generator_assets.json", &assets)
	if err != nil {
		return nil, err
	}
	if !foundAssets {
		return nil, neuraerr.New(neuraerr.CodeInvalidContract, correlationID, "orchestrator: template has no generator assets; run the pipeline through Stage 5 first", nil)
	}
	if !assets.Accepted() {
		return nil, neuraerr.New(neuraerr.CodeInvalidContract, correlationID, "orchestrator: generator assets are not accepted (invalid or needs_user_fix pending)", nil)
	}

	db, err := connio.Open(conn, secret)
	if err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, err)
	}
	defer db.Close()

	cat, err := o.CatalogCache.GetOrIntrospect(ctx, db, conn.ID, "", conn.Kind)
	if err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, err)
	}
	if err := c.Validate(cat, nil, correlationID); err != nil {
		_ = tracker.FailStep("dataLoad", "Validating contract", err)
		return nil, err
	}
	_ = tracker.FinishStep("dataLoad", "Validating contract")

	if err := tracker.CheckCancelled(ctx, correlationID); err != nil {
		return nil, err
	}

	engineDB, err := sqlengine.Materialize(ctx, db, cat)
	if err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, err)
	}
	defer engineDB.Close()

	paramValues := buildParamValues(job.Payload)
	spec := sqlengine.ParamSpec{Required: assets.Params.Required, Optional: assets.Params.Optional}
	args, err := sqlengine.BindParams(spec, paramValues, correlationID)
	if err != nil {
		return nil, err
	}

	if err := tracker.StartStep("dataLoad", "Executing SQL entrypoints"); err != nil {
		return nil, err
	}
	headerRow, err := sqlengine.ExecuteOne(ctx, engineDB, assets.SQL.Header, args, correlationID)
	if err != nil {
		_ = tracker.FailStep("dataLoad", "Executing SQL entrypoints", err)
		return nil, err
	}
	if err := tracker.CheckCancelled(ctx, correlationID); err != nil {
		return nil, err
	}

	rowRows, err := sqlengine.ExecuteMany(ctx, engineDB, assets.SQL.Rows, args, correlationID)
	if err != nil {
		_ = tracker.FailStep("dataLoad", "Executing SQL entrypoints", err)
		return nil, err
	}
	if err := tracker.CheckCancelled(ctx, correlationID); err != nil {
		return nil, err
	}

	totalsRow, err := sqlengine.ExecuteOne(ctx, engineDB, assets.SQL.Totals, args, correlationID)
	if err != nil {
		_ = tracker.FailStep("dataLoad", "Executing SQL entrypoints", err)
		return nil, err
	}
	_ = tracker.FinishStep("dataLoad", "Executing SQL entrypoints")

	scalars := sqlengine.PositionThenName(headerRow, assets.OutputSchemas["header"], c.Tokens.Scalars)
	totals := sqlengine.PositionThenName(totalsRow, assets.OutputSchemas["totals"], c.Tokens.Totals)
	rowTokenCols := assets.OutputSchemas["rows"]
	var rowDicts []map[string]any
	for _, r := range rowRows {
		rowDicts = append(rowDicts, sqlengine.PositionThenName(r, rowTokenCols, c.Tokens.RowTokens))
	}

	scalars = sqlengine.ApplyFormatters(scalars, c.Formatters)
	totals = sqlengine.ApplyFormatters(totals, c.Formatters)
	for i, rd := range rowDicts {
		rowDicts[i] = sqlengine.ApplyFormatters(rd, c.Formatters)
	}

	if err := tracker.CheckCancelled(ctx, correlationID); err != nil {
		return nil, err
	}

	if err := tracker.StartStep("renderPdf", "Rendering output formats"); err != nil {
		return nil, err
	}

	var corrections struct {
		FinalTemplateHTML string `json:"final_template_html"`
	}
	foundCorrections, err := artifactstore.ReadJSON(dir, "stage_3_5.json", &corrections)
	if err != nil {
		return nil, err
	}
	templateHTML := corrections.FinalTemplateHTML
	if !foundCorrections || templateHTML == "" {
		data, _, rerr := readText(dir, "template_p1.html")
		if rerr != nil {
			return nil, rerr
		}
		templateHTML = data
	}

	filledHTML := render.Substitute(templateHTML, scalars, totals, rowDicts)

	ts := time.Now().UTC().Format("20060102T150405Z")
	htmlName := fmt.Sprintf("filled_%s.html", ts)
	if err := artifactstore.WriteTextAtomic(dir, htmlName, filledHTML); err != nil {
		return nil, err
	}

	outcomes := render.RenderBinaries(ctx, o.Collaborators, filepath.Join(dir, htmlName), false, 1.0, job.Payload.WantDOCX, job.Payload.WantXLSX, nil)

	files := map[string]string{"html": htmlName}
	artifactURLs := map[string]string{"html": htmlName}
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			o.Log.Warn("orchestrator: renderer format failed", zap.String("format", outcome.Format), zap.Error(outcome.Err))
			continue
		}
		name := fmt.Sprintf("filled_%s.%s", ts, outcome.Format)
		if err := artifactstore.WriteBytesAtomic(dir, name, outcome.Bytes); err != nil {
			o.Log.Error("orchestrator: write rendered artifact failed", zap.String("format", outcome.Format), zap.Error(err))
			continue
		}
		files[outcome.Format] = name
		artifactURLs[outcome.Format] = name
	}
	_ = tracker.FinishStep("renderPdf", "Rendering output formats")

	if err := tracker.StartStep("finalize", "Writing manifest"); err != nil {
		return nil, err
	}
	if _, err := artifactstore.WriteArtifactManifest(dir, files, "report_run", []string{"contract.json", "generator_assets.json"}, correlationID); err != nil {
		_ = tracker.FailStep("finalize", "Writing manifest", err)
		return nil, err
	}
	_ = tracker.FinishStep("finalize", "Writing manifest")

	return map[string]any{"artifact_urls": toAnyMap(artifactURLs)}, nil
}

func buildParamValues(payload model.RunPayload) map[string]any {
	values := make(map[string]any, len(payload.KeyValues)+2)
	for k, v := range payload.KeyValues {
		values[k] = v
	}
	if payload.FromDate != "" {
		values["from_date"] = payload.FromDate
	}
	if payload.ToDate != "" {
		values["to_date"] = payload.ToDate
	}
	return values
}

func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, vv := range raw {
		if s, ok := vv.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// firstExistingAttachment picks PDF -> DOCX -> XLSX -> HTML, first existing
// wins (spec §4.10).
func firstExistingAttachment(dir string, result map[string]any) []email.Attachment {
	urls, _ := result["artifact_urls"].(map[string]any)
	order := []struct{ key, mime string }{
		{"pdf", "application/pdf"},
		{"docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{"html", "text/html"},
	}
	for _, o := range order {
		if name, ok := urls[o.key].(string); ok && name != "" {
			data, found, err := readBytes(dir, name)
			if err != nil || !found {
				continue
			}
			return []email.Attachment{{Filename: name, MIMEType: o.mime, Data: data}}
		}
	}
	return nil
}

func readText(dir, name string) (string, bool, error) {
	data, found, err := readBytes(dir, name)
	return string(data), found, err
}

func readBytes(dir, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// withTemplateLockRun wraps templatelock.WithLock so the lock-file-on-disk
// discipline (spec §4.3) lives in exactly one place; it is a package-level
// var rather than a direct call so tests can substitute a no-op in package
// tests that exercise runLocked without a real filesystem.
var withTemplateLockRun = templatelock.WithLock
