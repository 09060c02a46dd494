package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/catalog"
	"github.com/neurareport/core/internal/contract"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/neuraerr"
	"github.com/neurareport/core/internal/render"
)

const mappingInlineMaxAttempts = 5

// AutoMapResult is Stage 2's output (spec §4.4 Stage 2).
type AutoMapResult struct {
	HTML                string
	Mapping             map[string]string
	TokenSamples        map[string]string
	ConstantReplacements map[string]string
	KeyTokens           []string
	Cached              bool
}

type autoMapLLMOutput struct {
	Mapping      map[string]string `json:"mapping"`
	TokenSamples map[string]string `json:"token_samples"`
	Meta         struct {
		KeyTokens []string `json:"key_tokens"`
	} `json:"meta"`
}

var autoMapJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"mapping":       map[string]any{"type": "object"},
		"token_samples": map[string]any{"type": "object"},
		"meta": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key_tokens": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
	},
	"required": []any{"mapping", "token_samples"},
}

var reportFilterCuePattern = regexp.MustCompile(`(?i)(^|_)(from_date|to_date|date_window|page_info|page_number|page_count|batch_id)(_|$)`)

// AutoMap runs Stage 2 (spec §4.4 Stage 2): proposes a token->binding mapping
// against the introspected catalog, applies the report-filter coercion
// heuristic, and inlines any token the LLM leaves unmapped as a literal
// constant -- never for row_* tokens, which must always be mapped.
func (d *Deps) AutoMap(ctx context.Context, tmpl model.Template, cat *catalog.Catalog, dbSignature string, correlationID string) (*AutoMapResult, error) {
	dir, err := d.Artifacts.EnsureTemplateDir(tmpl.Kind, tmpl.ID)
	if err != nil {
		return nil, err
	}

	var result *AutoMapResult
	err = runWithLock(dir, "auto_map", correlationID, func() error {
		var innerErr error
		result, innerErr = d.autoMapLocked(ctx, dir, cat, dbSignature, correlationID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deps) autoMapLocked(ctx context.Context, dir string, cat *catalog.Catalog, dbSignature, correlationID string) (*AutoMapResult, error) {
	htmlRaw, err := readText(dir, "template_p1.html")
	if err != nil {
		return nil, err
	}
	var schema VerifySchema
	if _, err := artifactstore.ReadJSON(dir, "schema_ext.json", &schema); err != nil {
		return nil, err
	}

	pdfBytes, err := readBytes(dir, "source.pdf")
	if err != nil {
		return nil, err
	}
	catalogSHA, err := cat.SHA256()
	if err != nil {
		return nil, err
	}
	schemaSHA, err := computeCacheKey(map[string]any{"schema": schema})
	if err != nil {
		return nil, err
	}

	cacheKey, err := computeCacheKey(map[string]any{
		"pdf_sha":      sha256Hex(pdfBytes),
		"db_signature": dbSignature,
		"html_sha":     sha256Hex([]byte(htmlRaw)),
		"prompt_version": PromptVersion,
		"catalog_sha":  catalogSHA,
		"schema_sha":   schemaSHA,
	})
	if err != nil {
		return nil, err
	}

	if existingKey, found, err := loadCacheKey(dir, "mapping_cache.json"); err == nil && found && existingKey == cacheKey {
		cached, err := loadCachedAutoMap(dir)
		if err == nil {
			cached.Cached = true
			return cached, nil
		}
	}

	tokens := render.ExtractTokens(htmlRaw)
	systemPrompt := "You map every {token} in an HTML report template to a SQL binding. " +
		"Allowed mapping values: a catalog \"table.column\" entry, one of UNRESOLVED/INPUT_SAMPLE/REPORT_SELECTED, " +
		"PARAM:<name>, or a SQL expression referencing only catalog columns. " +
		"Respond as JSON: {mapping, token_samples, meta:{key_tokens}}."
	userPrompt := fmt.Sprintf(
		"Template HTML:\n%s\n\nCatalog columns:\n%s\n\nSchema:\nscalars=%v row_tokens=%v totals=%v\n\n"+
			"Every token below must be keyed in token_samples with a non-empty literal (or NOT_VISIBLE/UNREADABLE): %v",
		htmlRaw, strings.Join(cat.QualifiedColumns(), ", "), schema.Scalars, schema.RowTokens, schema.Totals, tokens,
	)

	req := llmRequest(d, autoMapJSONSchema, "neurareport_auto_map", systemPrompt, userPrompt, correlationID)

	var out autoMapLLMOutput
	resp, err := d.LLM.ValidateAndRetry(ctx, req, mappingInlineMaxAttempts, func(content string) error {
		if err := d.Schema.ValidateJSON(autoMapJSONSchema, []byte(extractJSON(content))); err != nil {
			return err
		}
		var candidate autoMapLLMOutput
		if err := decodeInto(content, &candidate); err != nil {
			return err
		}
		return validateAutoMapOutput(candidate, tokens, cat)
	})
	if err != nil {
		return nil, &StageError{Stage: "auto_map", Err: err}
	}
	if err := decodeInto(resp.Content, &out); err != nil {
		return nil, err
	}

	applyReportFilterCoercion(out.Mapping)

	constants, err := constantInlineSet(tokens, out.Mapping, out.TokenSamples)
	if err != nil {
		return nil, neuraerr.New(neuraerr.CodeMappingLLMInvalid, correlationID, err.Error(), nil)
	}
	finalHTML := render.InlineConstants(htmlRaw, constants)

	if err := validateTokenSubset(tokens, render.ExtractTokens(finalHTML), constants); err != nil {
		return nil, neuraerr.New(neuraerr.CodeMappingLLMInvalid, correlationID, err.Error(), nil)
	}

	if err := artifactstore.WriteTextAtomic(dir, "template_p1.html", finalHTML); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(dir, "mapping_step3.json", out.Mapping); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(dir, "mapping_pdf_labels.json", out.TokenSamples); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(dir, "mapping_keys.json", out.Meta.KeyTokens); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(dir, "constant_replacements.json", constants); err != nil {
		return nil, err
	}
	if err := writeCacheKey(dir, "mapping_cache.json", cacheKey); err != nil {
		return nil, err
	}

	files := map[string]string{
		"template":    "template_p1.html",
		"mapping":     "mapping_step3.json",
		"labels":      "mapping_pdf_labels.json",
		"keys":        "mapping_keys.json",
		"constants":   "constant_replacements.json",
	}
	if _, err := artifactstore.WriteArtifactManifest(dir, files, "auto_map", []string{cacheKey}, correlationID); err != nil {
		return nil, err
	}

	return &AutoMapResult{
		HTML:                 finalHTML,
		Mapping:               out.Mapping,
		TokenSamples:          out.TokenSamples,
		ConstantReplacements:  constants,
		KeyTokens:             out.Meta.KeyTokens,
	}, nil
}

func loadCachedAutoMap(dir string) (*AutoMapResult, error) {
	htmlRaw, err := readText(dir, "template_p1.html")
	if err != nil {
		return nil, err
	}
	var mapping map[string]string
	if _, err := artifactstore.ReadJSON(dir, "mapping_step3.json", &mapping); err != nil {
		return nil, err
	}
	var labels map[string]string
	if _, err := artifactstore.ReadJSON(dir, "mapping_pdf_labels.json", &labels); err != nil {
		return nil, err
	}
	var keys []string
	if _, err := artifactstore.ReadJSON(dir, "mapping_keys.json", &keys); err != nil {
		return nil, err
	}
	var constants map[string]string
	if _, err := artifactstore.ReadJSON(dir, "constant_replacements.json", &constants); err != nil {
		return nil, err
	}
	return &AutoMapResult{HTML: htmlRaw, Mapping: mapping, TokenSamples: labels, ConstantReplacements: constants, KeyTokens: keys}, nil
}

// validateAutoMapOutput enforces spec §4.4 Stage 2's structural checks before
// accepting a candidate response: token_samples coverage and mapping-value
// allow-list shapes (catalog columns are checked loosely here; the full
// contract.ClassifyBinding/catalog.Allows check happens again at Contract
// Build, spec §4.5).
func validateAutoMapOutput(out autoMapLLMOutput, tokens []string, cat *catalog.Catalog) error {
	for _, tok := range tokens {
		sample, ok := out.TokenSamples[tok]
		if !ok || strings.TrimSpace(sample) == "" {
			return fmt.Errorf("auto_map: token %q missing a non-empty token_samples literal", tok)
		}
	}
	for token, binding := range out.Mapping {
		if !mappingValueAllowed(binding, cat) {
			return fmt.Errorf("auto_map: mapping[%s]=%q is not an allow-listed binding", token, binding)
		}
	}
	return nil
}

var autoMapLiteralAllowList = map[string]bool{"UNRESOLVED": true, "INPUT_SAMPLE": true, "REPORT_SELECTED": true}

func mappingValueAllowed(value string, cat *catalog.Catalog) bool {
	value = strings.TrimSpace(value)
	if autoMapLiteralAllowList[value] {
		return true
	}
	switch contract.ClassifyBinding(value) {
	case contract.BindingParam, contract.BindingDataset:
		return true
	case contract.BindingTableColumn:
		return cat == nil || cat.Allows(value)
	case contract.BindingExpression:
		return true // SQL-keyword expressions are re-checked against the catalog at Contract Build.
	default:
		return false
	}
}

// applyReportFilterCoercion rewrites mapping entries whose token name
// resembles a date-window or page-info filter to the literal REPORT_SELECTED
// (spec §4.4 Stage 2's report-filter heuristic).
func applyReportFilterCoercion(mapping map[string]string) {
	for token := range mapping {
		if reportFilterCuePattern.MatchString(token) {
			mapping[token] = "REPORT_SELECTED"
		}
	}
}

// constantInlineSet computes which HTML tokens should be inlined as literal
// constants: present in the template but absent from mapping, never a
// row_*-prefixed token (spec §4.4 Stage 2).
func constantInlineSet(tokens []string, mapping map[string]string, samples map[string]string) (map[string]string, error) {
	constants := make(map[string]string)
	for _, tok := range tokens {
		if _, mapped := mapping[tok]; mapped {
			continue
		}
		if strings.HasPrefix(tok, "row_") {
			return nil, fmt.Errorf("auto_map: row token %q left unmapped cannot be treated as a constant", tok)
		}
		literal, ok := samples[tok]
		if !ok {
			return nil, fmt.Errorf("auto_map: unmapped token %q has no token_samples literal to inline", tok)
		}
		constants[tok] = literal
	}
	return constants, nil
}

// validateTokenSubset enforces spec §8's invariant: after Auto-Map, the
// template's token set must be a subset of what it was before, and the
// removed tokens must equal exactly the constant set.
func validateTokenSubset(before, after []string, constants map[string]string) error {
	afterSet := make(map[string]bool, len(after))
	for _, t := range after {
		afterSet[t] = true
	}
	var removed []string
	for _, t := range before {
		if !afterSet[t] {
			removed = append(removed, t)
		}
	}
	if len(afterSet) > len(before) {
		return fmt.Errorf("auto_map: token set grew after mapping, which violates the non-increasing invariant")
	}
	beforeSet := make(map[string]bool, len(before))
	for _, t := range before {
		beforeSet[t] = true
	}
	for _, t := range after {
		if !beforeSet[t] {
			return fmt.Errorf("auto_map: token %q appeared after mapping, which violates the subset invariant", t)
		}
	}
	sort.Strings(removed)
	var constantNames []string
	for name := range constants {
		constantNames = append(constantNames, name)
	}
	sort.Strings(constantNames)
	if strings.Join(removed, ",") != strings.Join(constantNames, ",") {
		return fmt.Errorf("auto_map: removed tokens %v do not equal the constant set %v", removed, constantNames)
	}
	return nil
}
