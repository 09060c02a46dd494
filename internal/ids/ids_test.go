package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewULIDMonotonicAndUnique(t *testing.T) {
	a := NewULID()
	b := NewULID()
	require.NotEqual(t, a, b)
	require.Less(t, a, b)
}

func TestValidTemplateID(t *testing.T) {
	require.True(t, ValidTemplateID(NewTemplateUUID()))
	require.True(t, ValidTemplateID("monthly-sales"))
	require.True(t, ValidTemplateID("abc"))
	require.False(t, ValidTemplateID("ab"))
	require.False(t, ValidTemplateID("Monthly-Sales"))
	require.False(t, ValidTemplateID(""))
}

func TestPrefixedIDs(t *testing.T) {
	require.Contains(t, NewJobID(), "job_")
	require.Contains(t, NewRunID(), "run_")
	require.Contains(t, NewScheduleID(), "sched_")
	require.Contains(t, NewCorrelationID(), "cid_")
}
