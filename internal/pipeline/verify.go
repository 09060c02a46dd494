package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/ids"
	"github.com/neurareport/core/internal/llm"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/neuraerr"
)

// VerifySchema is Stage 1's schema JSON shape (spec §4.4 Stage 1).
type VerifySchema struct {
	Scalars   []string `json:"scalars"`
	RowTokens []string `json:"row_tokens"`
	Totals    []string `json:"totals"`
	Notes     string   `json:"notes"`
}

type verifyLLMOutput struct {
	HTML   string       `json:"html"`
	Schema VerifySchema `json:"schema"`
}

var verifyJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"html": map[string]any{"type": "string"},
		"schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scalars":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"row_tokens": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"totals":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"notes":      map[string]any{"type": "string"},
			},
			"required": []any{"scalars", "row_tokens", "totals"},
		},
	},
	"required": []any{"html", "schema"},
}

var fixPassJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind":        map[string]any{"type": "string", "enum": []any{"full_html", "css_patch"}},
		"html":        map[string]any{"type": "string"},
		"css_patch":   map[string]any{"type": "string"},
	},
	"required": []any{"kind"},
}

// VerifyResult is what Stage 1 returns to the caller after persisting every
// artifact the manifest lists.
type VerifyResult struct {
	Template model.Template
	HTML     string
	Schema   VerifySchema
	SSIM     float64
}

// Verify runs Stage 1 (spec §4.4): rasterize the reference document's first
// page, ask the LLM for a standalone HTML template plus an extracted token
// schema, render that HTML back to an image, and score the round-trip with
// SSIM against the original, optionally running one corrective "fix" pass.
func (d *Deps) Verify(ctx context.Context, templateID string, kind model.TemplateKind, pdfBytes []byte, correlationID string) (*VerifyResult, error) {
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	if templateID == "" {
		templateID = ids.NewTemplateUUID()
	}
	if !ids.ValidTemplateID(templateID) {
		return nil, neuraerr.New(neuraerr.CodeInvalidTemplateID, correlationID, ids.FormatValidationError(templateID).Error(), nil)
	}
	if d.Config.MaxVerifyPDFBytes > 0 && int64(len(pdfBytes)) > d.Config.MaxVerifyPDFBytes {
		return nil, neuraerr.Validationf(neuraerr.CodeInvalidTemplateID, correlationID, "verify: upload exceeds NEURA_MAX_VERIFY_PDF_BYTES (%d > %d)", len(pdfBytes), d.Config.MaxVerifyPDFBytes)
	}

	dir, err := templateDirFor(d, kind, templateID)
	if err != nil {
		return nil, err
	}

	var result *VerifyResult
	err = runWithLock(dir, "verify", correlationID, func() error {
		var innerErr error
		result, innerErr = d.verifyLocked(ctx, dir, templateID, kind, pdfBytes, correlationID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deps) verifyLocked(ctx context.Context, dir string, templateID string, kind model.TemplateKind, pdfBytes []byte, correlationID string) (*VerifyResult, error) {
	if err := artifactstore.WriteBytesAtomic(dir, "source.pdf", pdfBytes); err != nil {
		return nil, err
	}
	sourcePath := dirJoin(dir, "source.pdf")

	if d.Rasterizer == nil {
		return nil, fmt.Errorf("pipeline: verify: no PDF rasterizer collaborator configured")
	}
	dpi := d.Config.PDFDPI
	if dpi <= 0 {
		dpi = 400
	}
	refPNG, err := d.Rasterizer.Rasterize(ctx, sourcePath, 1, dpi)
	if err != nil {
		return nil, fmt.Errorf("pipeline: verify: rasterize reference page: %w", err)
	}
	if err := artifactstore.WriteBytesAtomic(dir, "reference_p1.png", refPNG); err != nil {
		return nil, err
	}

	systemPrompt := "You convert a scanned report page into a standalone HTML template. " +
		"Use {token} placeholders for every distinct value. Wrap repeating row regions between " +
		"<!--BEGIN:BLOCK_REPEAT name=\"...\"--> and <!--END:BLOCK_REPEAT--> markers, with exactly one " +
		"<tbody><tr> prototype row per repeat region. Respond as JSON: {html, schema:{scalars, row_tokens, totals, notes}}."
	userPrompt := "Reference page image attached (first page, rasterized at " + fmt.Sprint(dpi) + " dpi). Produce the HTML template and token schema now."

	req := llmRequest(d, verifyJSONSchema, "neurareport_verify", systemPrompt, userPrompt, correlationID)
	resp, err := d.LLM.ValidateAndRetry(ctx, req, 2, func(content string) error {
		if err := d.Schema.ValidateJSON(verifyJSONSchema, []byte(extractJSON(content))); err != nil {
			return err
		}
		var out verifyLLMOutput
		if err := decodeInto(content, &out); err != nil {
			return err
		}
		return validateVerifyOutput(out)
	})
	if err != nil {
		return nil, err
	}

	var out verifyLLMOutput
	if err := decodeInto(resp.Content, &out); err != nil {
		return nil, err
	}

	if err := artifactstore.WriteTextAtomic(dir, "template_p1.html", out.HTML); err != nil {
		return nil, err
	}
	if err := artifactstore.WriteJSONAtomic(dir, "schema_ext.json", out.Schema); err != nil {
		return nil, err
	}

	renderPNG, ssim, err := d.renderAndScore(ctx, dir, out.HTML, refPNG)
	if err != nil {
		return nil, err
	}

	if d.Config.VerifyFixHTMLEnabled && d.Config.MaxFixPasses > 0 && ssim < d.Config.PhotocopyTargetSSIM {
		fixedHTML, fixedPNG, fixedSSIM, err := d.runFixPass(ctx, dir, out.HTML, refPNG, correlationID)
		if err == nil && fixedSSIM > ssim {
			out.HTML = fixedHTML
			renderPNG = fixedPNG
			ssim = fixedSSIM
			if err := artifactstore.WriteTextAtomic(dir, "template_p1.html", out.HTML); err != nil {
				return nil, err
			}
		}
	}

	if err := artifactstore.WriteBytesAtomic(dir, "render_p1.png", renderPNG); err != nil {
		return nil, err
	}

	files := map[string]string{
		"source":    "source.pdf",
		"reference": "reference_p1.png",
		"template":  "template_p1.html",
		"render":    "render_p1.png",
		"schema":    "schema_ext.json",
	}
	if _, err := artifactstore.WriteArtifactManifest(dir, files, "verify", nil, correlationID); err != nil {
		return nil, err
	}

	tmpl := model.Template{
		ID:     templateID,
		Kind:   kind,
		Status: model.TemplateDraft,
		ArtifactURLs: map[string]string{
			"template": "template_p1.html",
			"schema":   "schema_ext.json",
		},
	}
	if err := d.Store.UpsertTemplate(tmpl); err != nil {
		return nil, err
	}
	stored, _, err := d.Store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	return &VerifyResult{Template: stored, HTML: out.HTML, Schema: out.Schema, SSIM: ssim}, nil
}

func validateVerifyOutput(out verifyLLMOutput) error {
	if strings.TrimSpace(out.HTML) == "" {
		return fmt.Errorf("verify: html must not be empty")
	}
	beginCount := strings.Count(out.HTML, "<!--BEGIN:BLOCK_REPEAT")
	endCount := strings.Count(out.HTML, "<!--END:BLOCK_REPEAT")
	if beginCount != endCount {
		return fmt.Errorf("verify: mismatched BEGIN/END:BLOCK_REPEAT marker counts (%d vs %d)", beginCount, endCount)
	}
	if len(out.Schema.Scalars) == 0 && len(out.Schema.RowTokens) == 0 && len(out.Schema.Totals) == 0 {
		return fmt.Errorf("verify: schema must declare at least one of scalars/row_tokens/totals")
	}
	return nil
}

// renderAndScore renders candidateHTML via the headless browser collaborator
// and scores it against refPNG with SSIM.
func (d *Deps) renderAndScore(ctx context.Context, dir, candidateHTML string, refPNG []byte) ([]byte, float64, error) {
	if d.Browser == nil {
		return nil, 0, fmt.Errorf("pipeline: verify: no headless browser collaborator configured")
	}
	htmlPath := dirJoin(dir, "template_p1.html")
	if err := artifactstore.WriteTextAtomic(dir, "template_p1.html", candidateHTML); err != nil {
		return nil, 0, err
	}
	renderPNG, err := d.Browser.RenderPNG(ctx, htmlPath, 1240, 1754) // A4 @150dpi-ish fixed viewport
	if err != nil {
		return nil, 0, fmt.Errorf("pipeline: verify: render candidate html: %w", err)
	}
	score, err := ssimScore(refPNG, renderPNG)
	if err != nil {
		return renderPNG, 0, nil // SSIM failure isn't fatal; treat as 0 and let the fix pass try.
	}
	return renderPNG, score, nil
}

// runFixPass runs the optional corrective pass (budget <= 1 iteration, spec
// §4.4 Stage 1): the LLM may return a full HTML replacement or a CSS patch
// merged into the existing <style> block.
func (d *Deps) runFixPass(ctx context.Context, dir, currentHTML string, refPNG []byte, correlationID string) (string, []byte, float64, error) {
	systemPrompt := "You are fixing a rendered HTML report template so it visually matches a reference image more closely. " +
		"Respond as JSON: {kind: \"full_html\"|\"css_patch\", html?, css_patch?}."
	userPrompt := "Current HTML:\n" + currentHTML + "\n\nReference image attached. Improve visual fidelity."

	req := llmRequest(d, fixPassJSONSchema, "neurareport_verify_fix", systemPrompt, userPrompt, correlationID)
	resp, err := d.LLM.ValidateAndRetry(ctx, req, 1, func(content string) error {
		if err := d.Schema.ValidateJSON(fixPassJSONSchema, []byte(extractJSON(content))); err != nil {
			return err
		}
		var out struct {
			Kind string `json:"kind"`
		}
		return decodeInto(content, &out)
	})
	if err != nil {
		return "", nil, 0, err
	}

	var out struct {
		Kind     string `json:"kind"`
		HTML     string `json:"html"`
		CSSPatch string `json:"css_patch"`
	}
	if err := decodeInto(resp.Content, &out); err != nil {
		return "", nil, 0, err
	}

	fixedHTML := currentHTML
	switch out.Kind {
	case "full_html":
		if strings.TrimSpace(out.HTML) != "" {
			fixedHTML = out.HTML
		}
	case "css_patch":
		fixedHTML = mergeCSSPatch(currentHTML, out.CSSPatch)
	}

	renderPNG, score, err := d.renderAndScore(ctx, dir, fixedHTML, refPNG)
	if err != nil {
		return "", nil, 0, err
	}
	return fixedHTML, renderPNG, score, nil
}

// mergeCSSPatch appends patch content into the document's existing <style>
// block (spec §4.4 Stage 1: "on patch responses, merge into the existing
// <style>").
func mergeCSSPatch(htmlDoc, patch string) string {
	idx := strings.Index(htmlDoc, "</style>")
	if idx < 0 {
		return strings.Replace(htmlDoc, "</head>", "<style>"+patch+"</style></head>", 1)
	}
	return htmlDoc[:idx] + patch + htmlDoc[idx:]
}

// ssimScore computes a simplified single-channel structural similarity index
// between two PNG-encoded images, resizing nothing (both are expected to
// share dimensions from the shared rasterize/render pipeline; mismatched
// dimensions are compared over their shared bounding box).
func ssimScore(aPNG, bPNG []byte) (float64, error) {
	imgA, err := png.Decode(bytes.NewReader(aPNG))
	if err != nil {
		return 0, fmt.Errorf("ssim: decode reference: %w", err)
	}
	imgB, err := png.Decode(bytes.NewReader(bPNG))
	if err != nil {
		return 0, fmt.Errorf("ssim: decode candidate: %w", err)
	}
	return grayscaleSSIM(imgA, imgB), nil
}

func grayscaleSSIM(a, b image.Image) float64 {
	boundsA := a.Bounds()
	boundsB := b.Bounds()
	w := min(boundsA.Dx(), boundsB.Dx())
	h := min(boundsA.Dy(), boundsB.Dy())
	if w == 0 || h == 0 {
		return 0
	}

	const C1 = 6.5025
	const C2 = 58.5225

	var sumA, sumB, sumA2, sumB2, sumAB float64
	n := float64(w * h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ga := grayAt(a, boundsA.Min.X+x, boundsA.Min.Y+y)
			gb := grayAt(b, boundsB.Min.X+x, boundsB.Min.Y+y)
			sumA += ga
			sumB += gb
			sumA2 += ga * ga
			sumB2 += gb * gb
			sumAB += ga * gb
		}
	}
	meanA := sumA / n
	meanB := sumB / n
	varA := sumA2/n - meanA*meanA
	varB := sumB2/n - meanB*meanB
	covAB := sumAB/n - meanA*meanB

	numerator := (2*meanA*meanB + C1) * (2*covAB + C2)
	denominator := (meanA*meanA + meanB*meanB + C1) * (varA + varB + C2)
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

func grayAt(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	return 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
}

func llmRequest(d *Deps, schema map[string]any, schemaName, systemPrompt, userPrompt, correlationID string) llm.Request {
	return llm.Request{
		Model:          d.Model,
		Messages:       messagesFor(systemPrompt, userPrompt),
		JSONSchemaName: schemaName,
		JSONSchema:     schema,
		CorrelationID:  correlationID,
	}
}
