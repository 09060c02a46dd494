// Package sqlengine implements C8: the SQL resolver & executor. Source
// catalog tables are materialized into an in-memory modernc.org/sqlite
// database (so CTEs, window functions, and NULLIF are available regardless
// of the source driver's dialect, per spec §4.6), then the contract's three
// entrypoints -- header, rows, totals -- run against that materialized view
// with bound parameters.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/neurareport/core/internal/catalog"
	"github.com/neurareport/core/internal/neuraerr"
)

// Materialize copies every catalog table's rows from src into a fresh
// in-memory sqlite database and returns the new handle. The caller owns the
// returned *sql.DB and must Close it.
func Materialize(ctx context.Context, src *sql.DB, cat *catalog.Catalog) (*sql.DB, error) {
	dst, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("sqlengine: open in-memory engine: %w", err)
	}

	tables := make([]string, 0, len(cat.Tables))
	for t := range cat.Tables {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		if err := materializeTable(ctx, src, dst, table, cat.Tables[table]); err != nil {
			dst.Close()
			return nil, err
		}
	}
	return dst, nil
}

func materializeTable(ctx context.Context, src, dst *sql.DB, table string, columns []string) error {
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = `"` + c + `"`
	}
	createCols := make([]string, len(columns))
	for i, c := range columns {
		createCols[i] = `"` + c + `" ANY`
	}
	createSQL := fmt.Sprintf(`CREATE TABLE "%s" (%s)`, table, strings.Join(createCols, ", "))
	if _, err := dst.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("sqlengine: create materialized table %s: %w", table, err)
	}

	selectSQL := fmt.Sprintf(`SELECT %s FROM "%s"`, strings.Join(quotedCols, ", "), table)
	rows, err := src.QueryContext(ctx, selectSQL)
	if err != nil {
		return fmt.Errorf("sqlengine: read source table %s: %w", table, err)
	}
	defer rows.Close()

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, table, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
	stmt, err := dst.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("sqlengine: prepare insert for %s: %w", table, err)
	}
	defer stmt.Close()

	scanDest := make([]any, len(columns))
	scanPtrs := make([]any, len(columns))
	for i := range scanDest {
		scanPtrs[i] = &scanDest[i]
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return fmt.Errorf("sqlengine: scan source row from %s: %w", table, err)
		}
		if _, err := stmt.ExecContext(ctx, scanDest...); err != nil {
			return fmt.Errorf("sqlengine: insert materialized row into %s: %w", table, err)
		}
	}
	return rows.Err()
}

// ParamSpec declares which named parameters a run requires vs. may omit
// (spec §4.6 step 1).
type ParamSpec struct {
	Required []string
	Optional []string
}

// BindParams validates a run's supplied parameter values against spec: every
// required parameter must be present and non-null; optional ones may be
// omitted. Returns the full set of sql.Named args for execution (optional
// params that are absent are bound as SQL NULL, relying on the generated
// SQL's "WHERE :param IS NULL OR expr = :param" guard per spec §4.6).
func BindParams(spec ParamSpec, values map[string]any, correlationID string) ([]any, error) {
	var missing []string
	for _, name := range spec.Required {
		v, ok := values[name]
		if !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, neuraerr.Validationf(neuraerr.CodeInvalidContract, correlationID,
			"sqlengine: missing required parameters: %s", strings.Join(missing, ", "))
	}

	args := make([]any, 0, len(spec.Required)+len(spec.Optional))
	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, spec.Required...), spec.Optional...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		args = append(args, sql.Named(name, values[name]))
	}
	return args, nil
}

// Row is one executed row's column->value map.
type Row map[string]any

// ExecuteOne runs querySQL expecting exactly one result row (header/totals
// entrypoints per spec §4.6 steps 2 and 4).
func ExecuteOne(ctx context.Context, db *sql.DB, querySQL string, args []any, correlationID string) (Row, error) {
	rows, err := db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, fmt.Errorf("sqlengine: execute: %w", err))
	}
	defer rows.Close()

	result, more, err := scanOneOrMore(rows)
	if err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, err)
	}
	if result == nil {
		return nil, neuraerr.New(neuraerr.CodeReportGenerationFailed, correlationID, "sqlengine: query returned zero rows, exactly one expected", nil)
	}
	if more {
		return nil, neuraerr.New(neuraerr.CodeReportGenerationFailed, correlationID, "sqlengine: query returned more than one row, exactly one expected", nil)
	}
	return result, nil
}

func scanOneOrMore(rows *sql.Rows) (Row, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("sqlengine: columns: %w", err)
	}
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRow(rows, cols)
	if err != nil {
		return nil, false, err
	}
	more := rows.Next()
	return row, more, rows.Err()
}

func scanRow(rows *sql.Rows, cols []string) (Row, error) {
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("sqlengine: scan row: %w", err)
	}
	row := make(Row, len(cols))
	for i, c := range cols {
		row[c] = dest[i]
	}
	return row, nil
}

// ExecuteMany runs querySQL and returns every resulting row, in order (the
// rows entrypoint per spec §4.6 step 3). Zero rows is a valid, non-error
// result (spec §4.6 failure semantics: the prototype is dropped, not an
// error).
func ExecuteMany(ctx context.Context, db *sql.DB, querySQL string, args []any, correlationID string) ([]Row, error) {
	rows, err := db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, fmt.Errorf("sqlengine: execute: %w", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, err)
	}

	var out []Row
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, neuraerr.Wrap(neuraerr.CodeReportGenerationFailed, correlationID, err)
	}
	return out, nil
}

// PositionThenName maps a row's scanned columns onto the declared output
// schema's column order first, falling back to name-based lookup, per spec
// §4.6 step 2: "map projected columns to scalar tokens by position-then-name,
// treating output_schemas.header as authoritative."
func PositionThenName(row Row, outputColumns []string, tokens []string) map[string]any {
	out := make(map[string]any, len(tokens))
	for i, token := range tokens {
		if i < len(outputColumns) {
			if v, ok := row[outputColumns[i]]; ok {
				out[token] = v
				continue
			}
		}
		if v, ok := row[token]; ok {
			out[token] = v
		}
	}
	return out
}

// ApplyFormatters renders raw stored values through spec §4.6 step 5's
// formatter DSL (e.g. "percent(2)", "date(YYYY-MM-DD)") without mutating the
// stored values themselves -- callers pass a copy they intend to render.
func ApplyFormatters(values map[string]any, formatters map[string]string) map[string]any {
	if len(formatters) == 0 {
		return values
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for token, spec := range formatters {
		raw, ok := out[token]
		if !ok || raw == nil {
			continue
		}
		out[token] = formatValue(raw, spec)
	}
	return out
}

func formatValue(raw any, spec string) any {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), "(")
	arg = strings.TrimSuffix(arg, ")")

	switch name {
	case "percent":
		digits, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			digits = 0
		}
		f, ok := toFloat(raw)
		if !ok {
			return raw
		}
		return strconv.FormatFloat(f*100, 'f', digits, 64) + "%"
	case "date":
		layout := goLayoutFromTokens(strings.TrimSpace(arg))
		switch v := raw.(type) {
		case time.Time:
			return v.Format(layout)
		case string:
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				parsed, err = time.Parse("2006-01-02", v)
			}
			if err != nil {
				return raw
			}
			return parsed.Format(layout)
		default:
			return raw
		}
	default:
		return raw
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// goLayoutFromTokens translates a small subset of the spec's human-readable
// date format tokens (YYYY-MM-DD, etc.) into Go's reference-time layout.
func goLayoutFromTokens(tokens string) string {
	layout := tokens
	replacements := []struct{ from, to string }{
		{"YYYY", "2006"}, {"MM", "01"}, {"DD", "02"},
		{"HH", "15"}, {"mm", "04"}, {"ss", "05"},
	}
	for _, r := range replacements {
		layout = strings.ReplaceAll(layout, r.from, r.to)
	}
	if layout == tokens && tokens == "" {
		return "2006-01-02"
	}
	return layout
}
