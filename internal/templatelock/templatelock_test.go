package templatelock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	acq, err := Acquire(dir, "reports_run", "cid_1")
	require.NoError(t, err)
	require.NoError(t, acq.Release())

	// Re-acquiring after release must succeed.
	acq2, err := Acquire(dir, "reports_run", "cid_2")
	require.NoError(t, err)
	require.NoError(t, acq2.Release())
}

func TestAcquireFailsFastWhenHeld(t *testing.T) {
	dir := t.TempDir()
	acq, err := Acquire(dir, "pipeline_verify", "cid_holder")
	require.NoError(t, err)
	defer acq.Release()

	_, err = Acquire(dir, "reports_run", "cid_contender")
	require.Error(t, err)
	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	require.Equal(t, "cid_holder", lockErr.HeldBy.CorrelationID)
}

func TestWithLockReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	err := WithLock(dir, "reason", "cid", func() error { return boom })
	require.ErrorIs(t, err, boom)

	acq, err := Acquire(dir, "reason2", "cid2")
	require.NoError(t, err)
	require.NoError(t, acq.Release())
}
