package jobctl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/jobctl"
)

func TestCancelFlag(t *testing.T) {
	f := jobctl.NewCancelFlag(context.Background())
	require.False(t, f.IsSet())
	require.NoError(t, f.Check())

	f.Set()
	require.True(t, f.IsSet())
	require.ErrorIs(t, f.Check(), gomperr.ErrCancelled)

	select {
	case <-f.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
}

func TestCancelFlagFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	f := jobctl.NewCancelFlag(parent)
	cancel()
	require.True(t, f.IsSet())
}

func TestLockSingleEntry(t *testing.T) {
	l := jobctl.NewLock()

	release, err := l.Acquire("job-1")
	require.NoError(t, err)
	require.NotNil(t, l.State())
	require.Equal(t, "job-1", l.State().JobID)

	_, err = l.Acquire("job-2")
	require.ErrorIs(t, err, gomperr.ErrBusy)

	release()
	require.Nil(t, l.State())

	release2, err := l.Acquire("job-3")
	require.NoError(t, err)
	release2()
	release2() // idempotent
	require.Nil(t, l.State())
}
