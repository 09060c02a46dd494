package schemaval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateJSONAcceptsMatchingDocument(t *testing.T) {
	v := New()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	err := v.ValidateJSON(schema, []byte(`{"name": "alpha"}`))
	require.NoError(t, err)
}

func TestValidateJSONRejectsMissingRequiredField(t *testing.T) {
	v := New()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	err := v.ValidateJSON(schema, []byte(`{}`))
	require.Error(t, err)
}

func TestValidateJSONRejectsMalformedRaw(t *testing.T) {
	v := New()
	err := v.ValidateJSON(map[string]any{"type": "object"}, []byte(`not json`))
	require.Error(t, err)
}

func TestCompileCachesBySchemaHash(t *testing.T) {
	v := New()
	schema := map[string]any{"type": "object"}

	_, keyA, err := v.compile(schema)
	require.NoError(t, err)
	_, keyB, err := v.compile(schema)
	require.NoError(t, err)
	require.Equal(t, keyA, keyB)
	require.Len(t, v.schemas, 1)

	_, keyC, err := v.compile(map[string]any{"type": "string"})
	require.NoError(t, err)
	require.NotEqual(t, keyA, keyC)
	require.Len(t, v.schemas, 2)
}

func TestCompileNilSchemaDefaultsToObject(t *testing.T) {
	v := New()
	schema, _, err := v.compile(nil)
	require.NoError(t, err)
	require.NoError(t, schema.Validate(map[string]any{"anything": "goes"}))
}

func TestCanonicalSHA256Deterministic(t *testing.T) {
	a, err := CanonicalSHA256(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := CanonicalSHA256(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCanonicalSHA256Nil(t *testing.T) {
	got, err := CanonicalSHA256(nil)
	require.NoError(t, err)
	require.Equal(t, "74234e98afe7498fb5daf1f36ac2d78acc339464f950703b8c019892f982b90b", got)
}
