package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/catalog"
	"github.com/neurareport/core/internal/contract"
	"github.com/neurareport/core/internal/model"
)

// step5Requirements is the handoff contract Build emits for Generator Assets
// (spec §4.4 Stage 4: "key_tokens must appear in step5_requirements.parameters.required").
type step5Requirements struct {
	Parameters contract.Params `json:"parameters"`
	Notes      string          `json:"notes,omitempty"`
}

// contractValidation is the structured self-report of Stage 4's own
// consistency check against the schema and catalog (spec §4.4 Stage 4).
type contractValidation struct {
	UnknownTokens  []string `json:"unknown_tokens"`
	UnknownColumns []string `json:"unknown_columns"`
}

type contractBuildLLMOutput struct {
	OverviewMD        string              `json:"overview_md"`
	Step5Requirements step5Requirements   `json:"step5_requirements"`
	Contract          contract.Contract   `json:"contract"`
	Validation        contractValidation  `json:"validation"`
}

var contractBuildJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"overview_md": map[string]any{"type": "string"},
		"step5_requirements": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"required": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"optional": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
			},
		},
		"contract": map[string]any{"type": "object"},
		"validation": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"unknown_tokens":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"unknown_columns": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
	},
	"required": []any{"overview_md", "step5_requirements", "contract", "validation"},
}

// ContractBuildResult is Stage 4's output.
type ContractBuildResult struct {
	OverviewMD        string
	Step5Requirements step5Requirements
	Contract          contract.Contract
}

// ContractBuild runs Stage 4 / LLM Call 4 (spec §4.4 Stage 4): derives the
// typed Contract bridging template tokens to SQL bindings, requiring
// validation.unknown_tokens/unknown_columns to both be empty and keyTokens to
// round-trip into both step5_requirements.parameters.required and the
// contract's own mapping before the result is accepted.
func (d *Deps) ContractBuild(ctx context.Context, tmpl model.Template, cat *catalog.Catalog, userInput string, keyTokens []string, dialectHint string, correlationID string) (*ContractBuildResult, error) {
	dir, err := d.Artifacts.EnsureTemplateDir(tmpl.Kind, tmpl.ID)
	if err != nil {
		return nil, err
	}

	var result *ContractBuildResult
	err = runWithLock(dir, "contract_build", correlationID, func() error {
		var innerErr error
		result, innerErr = d.contractBuildLocked(ctx, dir, cat, userInput, keyTokens, dialectHint, correlationID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deps) contractBuildLocked(ctx context.Context, dir string, cat *catalog.Catalog, userInput string, keyTokens []string, dialectHint, correlationID string) (*ContractBuildResult, error) {
	finalHTML, err := readText(dir, "template_p1.html")
	if err != nil {
		return nil, err
	}
	pageSummary, err := readText(dir, "page_summary.txt")
	if err != nil {
		return nil, err
	}
	var schema VerifySchema
	if _, err := artifactstore.ReadJSON(dir, "schema_ext.json", &schema); err != nil {
		return nil, err
	}
	var automapMapping map[string]string
	if _, err := artifactstore.ReadJSON(dir, "mapping_step3.json", &automapMapping); err != nil {
		return nil, err
	}

	systemPrompt := "You build the typed Contract bridging a report template's tokens to SQL bindings. Every schema " +
		"token must be covered by the contract's mapping. Respond as JSON: {overview_md, step5_requirements, contract, validation}. " +
		"validation.unknown_tokens and validation.unknown_columns must both be empty for an accepted contract."
	userPrompt := fmt.Sprintf(
		"Final HTML:\n%s\n\nPage summary:\n%s\n\nSchema: scalars=%v row_tokens=%v totals=%v\n\n"+
			"Auto-map proposal:\n%v\n\nUser instructions:\n%s\n\nCatalog columns:\n%s\n\nSQL dialect: %s\n\nKey tokens (must be PARAM:<name> bound): %v",
		finalHTML, pageSummary, schema.Scalars, schema.RowTokens, schema.Totals, automapMapping, userInput,
		strings.Join(cat.QualifiedColumns(), ", "), dialectHint, keyTokens,
	)

	req := llmRequest(d, contractBuildJSONSchema, "neurareport_contract_build", systemPrompt, userPrompt, correlationID)

	var out contractBuildLLMOutput
	resp, err := d.LLM.ValidateAndRetry(ctx, req, 3, func(content string) error {
		if err := d.Schema.ValidateJSON(contractBuildJSONSchema, []byte(extractJSON(content))); err != nil {
			return err
		}
		var candidate contractBuildLLMOutput
		if err := decodeInto(content, &candidate); err != nil {
			return err
		}
		return validateContractBuildOutput(candidate, keyTokens)
	})
	if err != nil {
		return nil, &StageError{Stage: "contract_build", Err: err}
	}
	if err := decodeInto(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Contract.ApplyDefaults()
	if err := out.Contract.Validate(cat, keyTokens, correlationID); err != nil {
		return nil, &StageError{Stage: "contract_build", Err: err}
	}

	if err := artifactstore.WriteTextAtomic(dir, "overview.md", out.OverviewMD); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(dir, "step5_requirements.json", out.Step5Requirements); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(dir, "contract.json", out.Contract); err != nil {
		return nil, err
	}

	files := map[string]string{
		"overview":   "overview.md",
		"step5":      "step5_requirements.json",
		"contract":   "contract.json",
	}
	if _, err := artifactstore.WriteArtifactManifest(dir, files, "contract_build", nil, correlationID); err != nil {
		return nil, err
	}

	return &ContractBuildResult{OverviewMD: out.OverviewMD, Step5Requirements: out.Step5Requirements, Contract: out.Contract}, nil
}

// validateContractBuildOutput enforces the acceptance gate spec §4.4 Stage 4
// describes before Contract.Validate's deeper structural pass runs.
func validateContractBuildOutput(out contractBuildLLMOutput, keyTokens []string) error {
	if len(out.Validation.UnknownTokens) > 0 {
		sort.Strings(out.Validation.UnknownTokens)
		return fmt.Errorf("contract_build: validation.unknown_tokens must be empty, got %v", out.Validation.UnknownTokens)
	}
	if len(out.Validation.UnknownColumns) > 0 {
		sort.Strings(out.Validation.UnknownColumns)
		return fmt.Errorf("contract_build: validation.unknown_columns must be empty, got %v", out.Validation.UnknownColumns)
	}
	for _, kt := range keyTokens {
		found := false
		for _, req := range out.Step5Requirements.Parameters.Required {
			if req == kt {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("contract_build: key token %q must appear in step5_requirements.parameters.required", kt)
		}
		binding, ok := out.Contract.Mapping[kt]
		if !ok || contract.ClassifyBinding(binding) != contract.BindingParam {
			return fmt.Errorf("contract_build: key token %q must map to PARAM:<name> in the contract, got %q", kt, binding)
		}
	}
	return nil
}
