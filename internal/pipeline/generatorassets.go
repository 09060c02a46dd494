package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/catalog"
	"github.com/neurareport/core/internal/contract"
	"github.com/neurareport/core/internal/model"
)

var generatorAssetsJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"dialect": map[string]any{"type": "string"},
		"sql": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"header": map[string]any{"type": "string"},
				"rows":   map[string]any{"type": "string"},
				"totals": map[string]any{"type": "string"},
			},
			"required": []any{"header", "rows", "totals"},
		},
		"output_schemas": map[string]any{"type": "object"},
		"params":         map[string]any{"type": "object"},
		"contract":       map[string]any{"type": "object"},
		"needs_user_fix": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"invalid":        map[string]any{"type": "boolean"},
	},
	"required": []any{"dialect", "sql", "output_schemas", "params", "contract"},
}

// GeneratorAssets runs Stage 5 / LLM Call 5 (spec §4.4 Stage 5): emits the
// three SQL entrypoints, their output_schemas, the params required/optional
// split, and an echoed contract, accepted only when invalid=false and
// needs_user_fix is empty.
func (d *Deps) GeneratorAssets(ctx context.Context, tmpl model.Template, cat *catalog.Catalog, c contract.Contract, overviewMD string, step5 step5Requirements, dialectHint, correlationID string) (*contract.GeneratorAssets, error) {
	dir, err := d.Artifacts.EnsureTemplateDir(tmpl.Kind, tmpl.ID)
	if err != nil {
		return nil, err
	}

	var result *contract.GeneratorAssets
	err = runWithLock(dir, "generator_assets", correlationID, func() error {
		var innerErr error
		result, innerErr = d.generatorAssetsLocked(ctx, dir, cat, c, overviewMD, step5, dialectHint, correlationID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deps) generatorAssetsLocked(ctx context.Context, dir string, cat *catalog.Catalog, c contract.Contract, overviewMD string, step5 step5Requirements, dialectHint, correlationID string) (*contract.GeneratorAssets, error) {
	systemPrompt := "You emit the SQL entrypoints that execute a report Contract: three SELECT statements (header, rows, " +
		"totals) in the requested dialect, an output_schemas object whose column order matches the contract's token order, " +
		"and a params.{required,optional} list. header must return exactly one row; rows must ORDER BY the contract's stable " +
		"row_order columns; totals must apply the same required filters as rows. Reshape rules of kind UNION_ALL must be " +
		"implemented as one SELECT per source column enumeration joined with UNION ALL, never a CASE expression. Respond as " +
		"JSON: {dialect, sql:{header,rows,totals}, output_schemas, params, contract, needs_user_fix, invalid}."
	userPrompt := fmt.Sprintf(
		"Dialect: %s\n\nOverview:\n%s\n\nStep 5 requirements:\n%v\n\nContract:\n%v\n\nCatalog columns:\n%s",
		dialectHint, overviewMD, step5, c, strings.Join(cat.QualifiedColumns(), ", "),
	)

	req := llmRequest(d, generatorAssetsJSONSchema, "neurareport_generator_assets", systemPrompt, userPrompt, correlationID)

	var out contract.GeneratorAssets
	resp, err := d.LLM.ValidateAndRetry(ctx, req, 3, func(content string) error {
		if err := d.Schema.ValidateJSON(generatorAssetsJSONSchema, []byte(extractJSON(content))); err != nil {
			return err
		}
		var candidate contract.GeneratorAssets
		if err := decodeInto(content, &candidate); err != nil {
			return err
		}
		return validateGeneratorAssets(candidate, correlationID)
	})
	if err != nil {
		return nil, &StageError{Stage: "generator_assets", Err: err}
	}
	if err := decodeInto(resp.Content, &out); err != nil {
		return nil, err
	}
	if err := validateGeneratorAssets(out, correlationID); err != nil {
		return nil, &StageError{Stage: "generator_assets", Err: err}
	}

	genDir := filepath.Join(dir, "generator")
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: generator_assets: mkdir generator dir: %w", err)
	}
	if err := artifactstore.WriteJSONAtomic(genDir, "generator_assets.json", out); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(genDir, "output_schemas.json", out.OutputSchemas); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteTextAtomic(genDir, "sql_pack.sql", sqlPack(out.SQL)); err != nil {
		return nil, err
	}

	files := map[string]string{
		"generator_assets": "generator/generator_assets.json",
		"output_schemas":   "generator/output_schemas.json",
		"sql_pack":         "generator/sql_pack.sql",
	}
	if _, err := artifactstore.WriteArtifactManifest(dir, files, "generator_assets", nil, correlationID); err != nil {
		return nil, err
	}

	return &out, nil
}

// validateGeneratorAssets enforces spec §4.4 Stage 5's acceptance criteria
// before the bundle is written to disk.
func validateGeneratorAssets(out contract.GeneratorAssets, correlationID string) error {
	if out.Invalid {
		return fmt.Errorf("generator_assets: invalid=true")
	}
	if len(out.NeedsUserFix) > 0 {
		return fmt.Errorf("generator_assets: needs_user_fix must be empty, got %v", out.NeedsUserFix)
	}
	if strings.TrimSpace(out.SQL.Header) == "" || strings.TrimSpace(out.SQL.Rows) == "" || strings.TrimSpace(out.SQL.Totals) == "" {
		return fmt.Errorf("generator_assets: header/rows/totals SQL must all be non-empty")
	}
	if err := out.ValidateOutputSchemaOrder(correlationID); err != nil {
		return err
	}
	if len(out.Contract.OrderBy.Rows) > 0 && !strings.Contains(strings.ToUpper(out.SQL.Rows), "ORDER BY") {
		return fmt.Errorf("generator_assets: rows SQL must ORDER BY the contract's stable row_order columns")
	}
	for _, rule := range out.Contract.ReshapeRules {
		if rule.Kind == "UNION_ALL" && !strings.Contains(strings.ToUpper(out.SQL.Rows), "UNION ALL") {
			return fmt.Errorf("generator_assets: reshape rule %q declares UNION_ALL but rows SQL has no UNION ALL", rule.Purpose)
		}
	}
	return nil
}

func sqlPack(sql contract.SQLEntrypoints) string {
	var b strings.Builder
	b.WriteString("-- header\n")
	b.WriteString(sql.Header)
	b.WriteString("\n\n-- rows\n")
	b.WriteString(sql.Rows)
	b.WriteString("\n\n-- totals\n")
	b.WriteString(sql.Totals)
	b.WriteString("\n")
	return b.String()
}
