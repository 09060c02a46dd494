package sqlengine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/neurareport/core/internal/catalog"
)

func openSourceDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE orders (id INTEGER, customer_id INTEGER, total REAL);
		INSERT INTO orders VALUES (1, 10, 100.0), (2, 10, 50.0), (3, 11, 25.0);
	`)
	require.NoError(t, err)
	return db
}

func TestMaterializeCopiesRows(t *testing.T) {
	src := openSourceDB(t)
	cat := &catalog.Catalog{Tables: map[string][]string{"orders": {"id", "customer_id", "total"}}}

	dst, err := Materialize(context.Background(), src, cat)
	require.NoError(t, err)
	defer dst.Close()

	var count int
	require.NoError(t, dst.QueryRow(`SELECT COUNT(*) FROM "orders"`).Scan(&count))
	require.Equal(t, 3, count)
}

func TestExecuteOneAndExecuteMany(t *testing.T) {
	src := openSourceDB(t)
	cat := &catalog.Catalog{Tables: map[string][]string{"orders": {"id", "customer_id", "total"}}}
	dst, err := Materialize(context.Background(), src, cat)
	require.NoError(t, err)
	defer dst.Close()

	args, err := BindParams(ParamSpec{Required: []string{"customer_id"}}, map[string]any{"customer_id": int64(10)}, "corr-1")
	require.NoError(t, err)

	header, err := ExecuteOne(context.Background(), dst,
		`SELECT COUNT(*) AS n FROM "orders" WHERE "customer_id" = :customer_id`, args, "corr-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, header["n"])

	rows, err := ExecuteMany(context.Background(), dst,
		`SELECT "id", "total" FROM "orders" WHERE "customer_id" = :customer_id ORDER BY "id"`, args, "corr-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.EqualValues(t, 1, rows[0]["id"])
}

func TestExecuteOneRejectsZeroOrManyRows(t *testing.T) {
	src := openSourceDB(t)
	cat := &catalog.Catalog{Tables: map[string][]string{"orders": {"id", "customer_id", "total"}}}
	dst, err := Materialize(context.Background(), src, cat)
	require.NoError(t, err)
	defer dst.Close()

	_, err = ExecuteOne(context.Background(), dst, `SELECT * FROM "orders" WHERE "id" = 999`, nil, "corr-1")
	require.Error(t, err)

	_, err = ExecuteOne(context.Background(), dst, `SELECT * FROM "orders"`, nil, "corr-1")
	require.Error(t, err)
}

// TestBindParamsReportFilterCoercion covers spec §8 "Report-Filter
// Coercion": missing required params are rejected, and optional params
// absent from the supplied values are bound as NULL rather than omitted.
func TestBindParamsReportFilterCoercion(t *testing.T) {
	spec := ParamSpec{Required: []string{"start_date"}, Optional: []string{"region"}}

	_, err := BindParams(spec, map[string]any{}, "corr-1")
	require.Error(t, err)

	args, err := BindParams(spec, map[string]any{"start_date": "2026-01-01"}, "corr-1")
	require.NoError(t, err)
	require.Len(t, args, 2)

	named := args[1].(sql.NamedArg)
	require.Equal(t, "region", named.Name)
	require.Nil(t, named.Value)
}

func TestBindParamsRejectsNullRequired(t *testing.T) {
	spec := ParamSpec{Required: []string{"start_date"}}
	_, err := BindParams(spec, map[string]any{"start_date": nil}, "corr-1")
	require.Error(t, err)
}

func TestPositionThenName(t *testing.T) {
	row := Row{"col_a": "hello", "token_b": "world"}
	out := PositionThenName(row, []string{"col_a"}, []string{"token_a", "token_b"})
	require.Equal(t, "hello", out["token_a"])
	require.Equal(t, "world", out["token_b"])
}

// TestApplyFormattersConstantInlining covers spec §8 "Constant Inlining":
// formatters render stored raw values without mutating the caller's map,
// so the unformatted constant survives for any downstream consumer that
// needs the original value.
func TestApplyFormattersConstantInlining(t *testing.T) {
	values := map[string]any{"rate": 0.4567, "label": "fixed"}
	out := ApplyFormatters(values, map[string]string{"rate": "percent(1)"})

	require.Equal(t, "45.7%", out["rate"])
	require.Equal(t, "fixed", out["label"])
	require.Equal(t, 0.4567, values["rate"], "input map must not be mutated")
}

func TestApplyFormattersDate(t *testing.T) {
	out := ApplyFormatters(map[string]any{"d": "2026-03-05"}, map[string]string{"d": "date(YYYY-MM-DD)"})
	require.Equal(t, "2026-03-05", out["d"])

	out2 := ApplyFormatters(map[string]any{"d": time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)}, map[string]string{"d": "date(MM/DD/YYYY)"})
	require.Equal(t, "03/05/2026", out2["d"])
}

func TestApplyFormattersNoFormattersReturnsInputUnchanged(t *testing.T) {
	values := map[string]any{"a": 1}
	out := ApplyFormatters(values, nil)
	require.Equal(t, values, out)
}
