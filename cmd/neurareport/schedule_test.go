package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadScheduleFileParsesKnownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.yaml")
	content := `
template_id: monthly-sales
connection_id: conn_1
start_date: "2026-01-01"
end_date: "2026-12-31"
frequency_label: monthly
interval_minutes: 43200
active: true
batch_ids: ["b1", "b2"]
key_values:
  region: us-east
from_date: "2026-01-01"
to_date: "2026-01-31"
want_docx: true
want_xlsx: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sf, err := loadScheduleFile(path)
	require.NoError(t, err)
	require.Equal(t, "monthly-sales", sf.TemplateID)
	require.Equal(t, "conn_1", sf.ConnectionID)
	require.Equal(t, 43200, sf.IntervalMinutes)
	require.True(t, sf.Active)
	require.Equal(t, []string{"b1", "b2"}, sf.BatchIDs)
	require.Equal(t, "us-east", sf.KeyValues["region"])
	require.True(t, sf.WantDOCX)
	require.False(t, sf.WantXLSX)
}

func TestLoadScheduleFileRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.yaml")
	content := "template_id: t1\nbogus_field: nope\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := loadScheduleFile(path)
	require.Error(t, err)
}

func TestLoadScheduleFileMissingPath(t *testing.T) {
	_, err := loadScheduleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
