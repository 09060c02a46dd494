package neuraerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClassification(t *testing.T) {
	err := New(CodeTemplateLocked, "cid_1", "template busy", nil)
	require.Equal(t, KindLockConflict, err.Kind())
	require.Equal(t, 409, err.StatusHint())
	require.False(t, err.Retryable())
	require.Contains(t, err.Error(), "cid_1")
}

func TestWrapPreservesExisting(t *testing.T) {
	inner := New(CodeMappingLLMInvalid, "cid_2", "bad schema", nil)
	wrapped := Wrap(CodeReportGenerationFailed, "cid_3", inner)
	require.Equal(t, CodeMappingLLMInvalid, wrapped.Code())
}

func TestWrapClassifiesPlainError(t *testing.T) {
	wrapped := Wrap(CodeReportGenerationFailed, "cid_4", errors.New("boom"))
	require.Equal(t, CodeReportGenerationFailed, wrapped.Code())
	require.Equal(t, KindSQLExecution, wrapped.Kind())
}
