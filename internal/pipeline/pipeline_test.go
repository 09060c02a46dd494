package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurareport/core/internal/artifactstore"
)

func TestComputeCacheKeyDeterministic(t *testing.T) {
	in := map[string]any{"b": 2, "a": 1}
	k1, err := computeCacheKey(in)
	require.NoError(t, err)
	k2, err := computeCacheKey(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := computeCacheKey(map[string]any{"a": 1, "b": 3})
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestWriteAndLoadCacheKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeCacheKey(dir, "verify_cache.json", "abc123"))

	key, found, err := loadCacheKey(dir, "verify_cache.json")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "abc123", key)
}

func TestLoadCacheKeyMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, found, err := loadCacheKey(dir, "missing.json")
	require.NoError(t, err)
	require.False(t, found)
}

func TestExtractJSONStripsMarkdownFence(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"a\":1}\n```\nThanks."
	require.Equal(t, `{"a":1}`, extractJSON(raw))
}

func TestExtractJSONPassesThroughBareObject(t *testing.T) {
	raw := `{"a":1,"b":[1,2,3]}`
	require.Equal(t, raw, extractJSON(raw))
}

func TestExtractJSONNoBracesReturnsOriginal(t *testing.T) {
	raw := "no json here"
	require.Equal(t, raw, extractJSON(raw))
}

func TestDecodeIntoStructuredOutput(t *testing.T) {
	var out struct {
		A int `json:"a"`
	}
	require.NoError(t, decodeInto("```json\n{\"a\":7}\n```", &out))
	require.Equal(t, 7, out.A)
}

func TestDecodeIntoInvalidJSON(t *testing.T) {
	var out map[string]any
	require.Error(t, decodeInto("not json", &out))
}

func TestReadBytesAndReadText(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, artifactstore.WriteTextAtomic(dir, "notes.txt", "hello"))

	text, err := readText(dir, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", text)

	raw, err := readBytes(dir, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), raw)
}

func TestReadBytesMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := readBytes(dir, "nope.txt")
	require.Error(t, err)
}

func TestSQLDialectHint(t *testing.T) {
	require.Equal(t, "postgres", sqlDialectHint("postgres"))
	require.Equal(t, "mysql", sqlDialectHint("mysql"))
	require.Equal(t, "sqlite", sqlDialectHint("sqlite"))
	require.Equal(t, "sqlite", sqlDialectHint("unknown"))
}

func TestDirJoin(t *testing.T) {
	require.Equal(t, filepath.Join("a", "b"), dirJoin("a", "b"))
}

func TestStageErrorUnwrap(t *testing.T) {
	se := &StageError{Stage: "verify", Err: errTest}
	require.Equal(t, errTest, se.Unwrap())
	require.Contains(t, se.Error(), "verify")
}

var errTest = testSentinelError("boom")

type testSentinelError string

func (e testSentinelError) Error() string { return string(e) }
