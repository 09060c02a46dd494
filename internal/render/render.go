// Package render implements C9: deterministic token substitution into the
// template's HTML, row-prototype expansion for repeat regions, and the
// delegation interfaces spec §6 requires for the external collaborators that
// turn HTML into binary formats (headless browser, PDF rasterizer, PDF->DOCX
// converter, HTML->DOCX/XLSX exporters). Substitution itself stays on stdlib
// regexp/strings -- DESIGN.md's call: every binary-format renderer is an
// explicit external collaborator, so this package's job is the interface
// contract and the substitution DOM-walk, not a bundled rendering engine.
package render

import (
	"context"
	"fmt"
	"html"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// token matches both {token} and {{ token }} spellings (spec §4.7, §9 open
// question: both spellings are retained).
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}|\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// blockRepeatPattern finds one row-repeat region delimited by the verify
// stage's markers (spec §4.4 Stage 1): <!--BEGIN:BLOCK_REPEAT...--> ...
// <!--END:BLOCK_REPEAT-->.
var blockRepeatPattern = regexp.MustCompile(`(?s)<!--BEGIN:BLOCK_REPEAT[^>]*-->(.*?)<!--END:BLOCK_REPEAT-->`)

// tbodyRowPattern captures a <tbody>...<tr>...</tr>...</tbody> prototype --
// exactly one <tr> is expected per repeat region per spec §4.4 Stage 1.
var tbodyRowPattern = regexp.MustCompile(`(?s)(<tbody[^>]*>)(.*?)(<tr[^>]*>.*?</tr>)(.*?)(</tbody>)`)

// PageTokenNames is the set of placeholders that receive placeholder spans
// instead of a substituted value -- the PDF renderer fills them in after
// pagination is known (spec §4.7).
var PageTokenNames = map[string]string{
	"page_number": "nr-page-number",
	"page_count":  "nr-page-count",
}

// Substitute replaces every {token}/{{ token }} occurrence in htmlDoc.
// scalars and totals substitute once (direct replacement); row tokens (the
// keys of each entry in rows) substitute once per row, expanding the row
// prototype found inside a BLOCK_REPEAT region into one clone per row dict
// (spec §4.7). Page-number/page-count tokens are left as placeholder spans
// for the PDF renderer. If rows is empty, the prototype row is dropped
// entirely rather than expanded (spec §4.6 zero-row failure semantics).
func Substitute(htmlDoc string, scalars map[string]any, totals map[string]any, rows []map[string]any) string {
	merged := make(map[string]any, len(scalars)+len(totals))
	for k, v := range scalars {
		merged[k] = v
	}
	for k, v := range totals {
		merged[k] = v
	}

	out := blockRepeatPattern.ReplaceAllStringFunc(htmlDoc, func(region string) string {
		inner := blockRepeatPattern.FindStringSubmatch(region)[1]
		return expandRows(inner, rows)
	})

	return substituteScalarTokens(out, merged)
}

// expandRows clones the region's single <tr> prototype once per row,
// substituting that row's own tokens into the clone. If rows is empty, only
// the prototype row is dropped; the tbody wrapper and the markup around the
// row are kept.
func expandRows(region string, rows []map[string]any) string {
	m := tbodyRowPattern.FindStringSubmatch(region)
	if m == nil {
		// No <tbody><tr> prototype found; substitute row tokens directly
		// against the first row if present, else drop the region.
		if len(rows) == 0 {
			return ""
		}
		return substituteScalarTokens(region, rows[0])
	}
	open, before, prototype, after, close := m[1], m[2], m[3], m[4], m[5]

	if len(rows) == 0 {
		return open + before + after + close
	}

	var b strings.Builder
	b.WriteString(open)
	b.WriteString(before)
	for _, row := range rows {
		b.WriteString(substituteScalarTokens(prototype, row))
	}
	b.WriteString(after)
	b.WriteString(close)
	return b.String()
}

// ExtractTokens returns every distinct {token}/{{ token }} name found in
// htmlDoc, in first-occurrence order (spec §4.4 Stage 2 needs the template's
// full token set to validate mapping coverage and constant-inlining
// invariants).
func ExtractTokens(htmlDoc string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range tokenPattern.FindAllStringSubmatch(htmlDoc, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// InlineConstants substitutes each name in constants directly into htmlDoc as
// literal text (HTML-escaped), the same replacement substituteScalarTokens
// performs for a rendered run, but applied once at Auto-Map time to tokens
// the mapping leaves unmapped (spec §4.4 Stage 2: "its literal from
// token_samples is substituted into the HTML").
func InlineConstants(htmlDoc string, constants map[string]string) string {
	values := make(map[string]any, len(constants))
	for k, v := range constants {
		values[k] = v
	}
	return substituteScalarTokens(htmlDoc, values)
}

func substituteScalarTokens(text string, values map[string]any) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if span, ok := PageTokenNames[name]; ok {
			return fmt.Sprintf(`<span class="%s"></span>`, span)
		}
		v, ok := values[name]
		if !ok {
			return match
		}
		return html.EscapeString(stringifyValue(v))
	})
}

func stringifyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// ColumnHint supplements the HTML->DOCX fallback with an explicit column-width
// hint (SPEC_FULL.md §C.4). Hints are supplied by the caller through
// ExportRequest; this package does not derive them from the HTML's <col> tags.
type ColumnHint struct {
	Index      int
	WidthRatio float64
}

// ExportRequest is the common shape every binary-format exporter receives.
type ExportRequest struct {
	HTMLPath    string
	Landscape   bool
	Scale       float64 // (0.1, 2.0]
	ColumnHints []ColumnHint
}

// HeadlessBrowser is the required contract for the HTML->PNG/PDF collaborator
// (spec §6).
type HeadlessBrowser interface {
	RenderPNG(ctx context.Context, htmlPath string, width, height int) ([]byte, error)
	RenderPDF(ctx context.Context, req ExportRequest) ([]byte, error)
}

// PDFRasterizer is the required contract for PDF page -> PNG at a
// configurable dpi (spec §6).
type PDFRasterizer interface {
	Rasterize(ctx context.Context, pdfPath string, page, dpi int) ([]byte, error)
}

// PDFToDOCXConverter converts a rendered PDF to DOCX with a hard external
// timeout (spec §4.7, §6).
type PDFToDOCXConverter interface {
	Convert(ctx context.Context, pdfPath string, pageRange string) ([]byte, error)
}

// HTMLDocxExporter is the fallback path when PDFToDOCXConverter times out or
// fails: a structured-table export straight from HTML (spec §4.7).
type HTMLDocxExporter interface {
	Export(ctx context.Context, req ExportRequest) ([]byte, error)
}

// HTMLXLSXExporter exports the first data table in the HTML to XLSX (spec §6).
type HTMLXLSXExporter interface {
	Export(ctx context.Context, req ExportRequest) ([]byte, error)
}

// Collaborators bundles every external renderer contract; any may be nil, in
// which case the corresponding format is skipped (reported as a
// RendererPartial result rather than failing the whole run, per spec §4.7).
type Collaborators struct {
	Browser      HeadlessBrowser
	PDF2DOCX     PDFToDOCXConverter
	HTMLDocx     HTMLDocxExporter
	HTMLXLSX     HTMLXLSXExporter
	PDF2DOCXWait time.Duration // default 120s, spec §5
}

// Outcome records one format's render result independently, so a caller can
// report a partial artifact set (spec §4.7).
type Outcome struct {
	Format string
	Bytes  []byte
	Err    error
}

// RenderBinaries runs the HTML->PDF->DOCX/XLSX pipeline, recording each
// format's success independently. htmlPath must already contain the
// substituted HTML written to disk (the headless browser and exporters all
// take a file path, not a string, per spec §6's contracts).
func RenderBinaries(ctx context.Context, c Collaborators, htmlPath string, landscape bool, scale float64, wantDOCX, wantXLSX bool, columnHints []ColumnHint) []Outcome {
	var outcomes []Outcome
	req := ExportRequest{HTMLPath: htmlPath, Landscape: landscape, Scale: scale, ColumnHints: columnHints}

	var pdfBytes []byte
	if c.Browser != nil {
		b, err := c.Browser.RenderPDF(ctx, req)
		outcomes = append(outcomes, Outcome{Format: "pdf", Bytes: b, Err: err})
		if err == nil {
			pdfBytes = b
		}
	} else {
		outcomes = append(outcomes, Outcome{Format: "pdf", Err: fmt.Errorf("render: no headless browser collaborator configured")})
	}

	if wantDOCX {
		outcomes = append(outcomes, renderDOCX(ctx, c, req, pdfBytes))
	}

	if wantXLSX {
		if c.HTMLXLSX != nil {
			b, err := c.HTMLXLSX.Export(ctx, req)
			outcomes = append(outcomes, Outcome{Format: "xlsx", Bytes: b, Err: err})
		} else {
			outcomes = append(outcomes, Outcome{Format: "xlsx", Err: fmt.Errorf("render: no HTML->XLSX collaborator configured")})
		}
	}

	return outcomes
}

// writeTempPDF stages in-memory PDF bytes to disk for PDFToDOCXConverter.Convert,
// which is specified to take a file path (spec §4.7, §6) -- RenderBinaries never
// has a final on-disk PDF artifact at this point, only the bytes the headless
// browser returned.
func writeTempPDF(pdfBytes []byte) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "neurareport-render-*.pdf")
	if err != nil {
		return "", nil, fmt.Errorf("render: create temp pdf: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(pdfBytes); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("render: write temp pdf: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func renderDOCX(ctx context.Context, c Collaborators, req ExportRequest, pdfBytes []byte) Outcome {
	timeout := c.PDF2DOCXWait
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	if c.PDF2DOCX != nil && len(pdfBytes) > 0 {
		pdfPath, cleanup, err := writeTempPDF(pdfBytes)
		if err != nil {
			return Outcome{Format: "docx", Err: fmt.Errorf("render: stage pdf for conversion: %w", err)}
		}
		defer cleanup()

		convertCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		b, err := c.PDF2DOCX.Convert(convertCtx, pdfPath, "")
		if err == nil {
			return Outcome{Format: "docx", Bytes: b}
		}
		// Timeout or failure: fall through to the HTML->DOCX exporter
		// (spec §4.7).
	}

	if c.HTMLDocx != nil {
		b, err := c.HTMLDocx.Export(ctx, req)
		return Outcome{Format: "docx", Bytes: b, Err: err}
	}

	return Outcome{Format: "docx", Err: fmt.Errorf("render: docx conversion and fallback exporter both unavailable")}
}
