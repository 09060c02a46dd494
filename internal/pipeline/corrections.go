package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/model"
)

const correctionsMaxAttempts = 2

// CorrectionsResult is Stage 3's output (spec §4.4 Stage 3).
type CorrectionsResult struct {
	FinalHTML   string
	PageSummary string
	Cached      bool
}

type correctionsLLMOutput struct {
	FinalTemplateHTML string `json:"final_template_html"`
	PageSummary       string `json:"page_summary"`
}

var correctionsJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"final_template_html": map[string]any{"type": "string"},
		"page_summary":        map[string]any{"type": "string"},
	},
	"required": []any{"final_template_html", "page_summary"},
}

var dataRegionPattern = regexp.MustCompile(`data-region\s*=\s*"([^"]*)"`)

// Corrections runs Stage 3 (spec §4.4 Stage 3): applies free-form user
// instructions to the mapped template, re-validating that the correction
// preserves every structural DOM invariant the renderer depends on.
func (d *Deps) Corrections(ctx context.Context, tmpl model.Template, userInput, correlationID string) (*CorrectionsResult, error) {
	dir, err := d.Artifacts.EnsureTemplateDir(tmpl.Kind, tmpl.ID)
	if err != nil {
		return nil, err
	}

	var result *CorrectionsResult
	err = runWithLock(dir, "corrections", correlationID, func() error {
		var innerErr error
		result, innerErr = d.correctionsLocked(ctx, dir, userInput, correlationID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deps) correctionsLocked(ctx context.Context, dir, userInput, correlationID string) (*CorrectionsResult, error) {
	preHTML, err := readText(dir, "template_p1.html")
	if err != nil {
		return nil, err
	}
	var mapping map[string]string
	if _, err := artifactstore.ReadJSON(dir, "mapping_step3.json", &mapping); err != nil {
		return nil, err
	}
	var schema VerifySchema
	if _, err := artifactstore.ReadJSON(dir, "schema_ext.json", &schema); err != nil {
		return nil, err
	}
	var labels map[string]string
	if _, err := artifactstore.ReadJSON(dir, "mapping_pdf_labels.json", &labels); err != nil {
		return nil, err
	}

	mappingSHA, err := computeCacheKey(map[string]any{"mapping": mapping})
	if err != nil {
		return nil, err
	}
	cacheKey, err := computeCacheKey(map[string]any{
		"template_pre_sha": sha256Hex([]byte(preHTML)),
		"mapping_sha":      mappingSHA,
		"user_input_sha":   sha256Hex([]byte(userInput)),
		"model":            d.Model,
		"prompt_version":   PromptVersion,
	})
	if err != nil {
		return nil, err
	}

	if existingKey, found, err := loadCacheKey(dir, "corrections_cache.json"); err == nil && found && existingKey == cacheKey {
		finalHTML, herr := readText(dir, "template_p1.html")
		summary, serr := readText(dir, "page_summary.txt")
		if herr == nil && serr == nil {
			return &CorrectionsResult{FinalHTML: finalHTML, PageSummary: summary, Cached: true}, nil
		}
	}

	before := domInvariants(preHTML)

	systemPrompt := "You apply a user's free-form correction request to an HTML report template without breaking its " +
		"structure: the number of BLOCK_REPEAT regions, <tbody> elements, row prototypes per tbody, and data-region " +
		"attributes must stay exactly the same, and no example/sample value may be left as a literal. " +
		"Respond as JSON: {final_template_html, page_summary}. page_summary must be non-empty prose describing the " +
		"business content, the inlined constants, and any unresolved data."
	userPrompt := fmt.Sprintf("Current template HTML:\n%s\n\nMapping:\n%v\n\nUser instructions:\n%s", preHTML, mapping, userInput)

	req := llmRequest(d, correctionsJSONSchema, "neurareport_corrections", systemPrompt, userPrompt, correlationID)

	var out correctionsLLMOutput
	resp, err := d.LLM.ValidateAndRetry(ctx, req, correctionsMaxAttempts, func(content string) error {
		if err := d.Schema.ValidateJSON(correctionsJSONSchema, []byte(extractJSON(content))); err != nil {
			return err
		}
		var candidate correctionsLLMOutput
		if err := decodeInto(content, &candidate); err != nil {
			return err
		}
		if strings.TrimSpace(candidate.PageSummary) == "" {
			return fmt.Errorf("corrections: page_summary must be non-empty")
		}
		after := domInvariants(candidate.FinalTemplateHTML)
		if err := before.diff(after); err != nil {
			return err
		}
		return checkNoSampleLeak(candidate.FinalTemplateHTML, labels, mapping)
	})
	if err != nil {
		return nil, &StageError{Stage: "corrections", Err: err}
	}
	if err := decodeInto(resp.Content, &out); err != nil {
		return nil, err
	}

	if err := artifactstore.WriteTextAtomic(dir, "template_p1.html", out.FinalTemplateHTML); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteTextAtomic(dir, "page_summary.txt", out.PageSummary); err != nil {
		return nil, err
	}
	stage35 := struct {
		FinalTemplateHTML string `json:"final_template_html"`
		PageSummary       string `json:"page_summary"`
	}{FinalTemplateHTML: out.FinalTemplateHTML, PageSummary: out.PageSummary}
	if err := artifactstore.WriteJSONAtomic(dir, "stage_3_5.json", stage35); err != nil {
		return nil, err
	}
	if err := writeCacheKey(dir, "corrections_cache.json", cacheKey); err != nil {
		return nil, err
	}

	files := map[string]string{"template": "template_p1.html", "page_summary": "page_summary.txt", "stage_3_5": "stage_3_5.json"}
	if _, err := artifactstore.WriteArtifactManifest(dir, files, "corrections", []string{cacheKey}, correlationID); err != nil {
		return nil, err
	}

	return &CorrectionsResult{FinalHTML: out.FinalTemplateHTML, PageSummary: out.PageSummary}, nil
}

// domStructure captures the DOM invariants spec §4.4 Stage 3 requires to
// survive a correction pass unchanged.
type domStructure struct {
	repeatMarkers int
	tbodyCount    int
	rowsPerTbody  []int
	dataRegions   []string
}

func domInvariants(htmlDoc string) domStructure {
	s := domStructure{
		repeatMarkers: strings.Count(htmlDoc, "<!--BEGIN:BLOCK_REPEAT"),
		tbodyCount:    strings.Count(strings.ToLower(htmlDoc), "<tbody"),
	}

	lower := strings.ToLower(htmlDoc)
	for _, block := range splitOnTag(lower, "<tbody") {
		s.rowsPerTbody = append(s.rowsPerTbody, strings.Count(block, "<tr"))
	}

	for _, m := range dataRegionPattern.FindAllStringSubmatch(htmlDoc, -1) {
		s.dataRegions = append(s.dataRegions, m[1])
	}
	sort.Strings(s.dataRegions)
	return s
}

// splitOnTag splits text into the chunks following each occurrence of tag
// (tag itself included at the start of each chunk), used to scope a per-tbody
// row count.
func splitOnTag(text, tag string) []string {
	var out []string
	idx := 0
	for {
		next := strings.Index(text[idx:], tag)
		if next < 0 {
			break
		}
		start := idx + next
		end := strings.Index(text[start+len(tag):], "</tbody")
		if end < 0 {
			out = append(out, text[start:])
			break
		}
		out = append(out, text[start:start+len(tag)+end])
		idx = start + len(tag)
	}
	return out
}

func (before domStructure) diff(after domStructure) error {
	if before.repeatMarkers != after.repeatMarkers {
		return fmt.Errorf("corrections: BLOCK_REPEAT marker count changed (%d -> %d)", before.repeatMarkers, after.repeatMarkers)
	}
	if before.tbodyCount != after.tbodyCount {
		return fmt.Errorf("corrections: <tbody> count changed (%d -> %d)", before.tbodyCount, after.tbodyCount)
	}
	if len(before.rowsPerTbody) != len(after.rowsPerTbody) {
		return fmt.Errorf("corrections: tbody count mismatch while comparing row prototypes")
	}
	for i := range before.rowsPerTbody {
		if before.rowsPerTbody[i] != after.rowsPerTbody[i] {
			return fmt.Errorf("corrections: row-prototype count in tbody #%d changed (%d -> %d)", i, before.rowsPerTbody[i], after.rowsPerTbody[i])
		}
	}
	if strings.Join(before.dataRegions, ",") != strings.Join(after.dataRegions, ",") {
		return fmt.Errorf("corrections: data-region attribute set changed (%v -> %v)", before.dataRegions, after.dataRegions)
	}
	return nil
}

// checkNoSampleLeak ensures no token_samples literal (other than a value the
// mapping has deliberately inlined as a constant) survives verbatim in the
// corrected HTML as free text (spec §4.4 Stage 3: "sample values must not
// appear as literals").
func checkNoSampleLeak(finalHTML string, labels map[string]string, mapping map[string]string) error {
	for token, sample := range labels {
		if sample == "" || sample == "NOT_VISIBLE" || sample == "UNREADABLE" {
			continue
		}
		if _, mapped := mapping[token]; !mapped {
			continue // unmapped tokens are legitimately inlined as constants.
		}
		if strings.Contains(finalHTML, sample) {
			return fmt.Errorf("corrections: sample value %q for mapped token %q leaked into the template as a literal", sample, token)
		}
	}
	return nil
}
