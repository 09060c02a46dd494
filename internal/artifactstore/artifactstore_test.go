package artifactstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurareport/core/internal/model"
)

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	type doc struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	in := doc{A: 1, B: "x"}
	require.NoError(t, WriteJSONAtomic(dir, "x.json", in))

	var out doc
	found, err := ReadJSON(dir, "x.json", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, in, out)

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadJSONMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	var out map[string]any
	found, err := ReadJSON(dir, "missing.json", &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTemplateDirRejectsEscape(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	_, err = s.TemplateDir(model.TemplatePDF, "../../etc")
	require.Error(t, err)
}

func TestWriteArtifactManifestAndVerify(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	dir, err := s.EnsureTemplateDir(model.TemplatePDF, "monthly-sales")
	require.NoError(t, err)

	require.NoError(t, WriteTextAtomic(dir, "template_p1.html", "<html></html>"))

	m, err := WriteArtifactManifest(dir, map[string]string{"html": "template_p1.html"}, "verify", nil, "cid_1")
	require.NoError(t, err)
	require.NoError(t, VerifyManifest(dir, m))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Equal(t, m.FileChecksums, loaded.FileChecksums)

	// Corrupting the file should break verification.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "template_p1.html"), []byte("tampered"), 0o644))
	require.Error(t, VerifyManifest(dir, loaded))
}

func TestLoadManifestMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Nil(t, m)
}
