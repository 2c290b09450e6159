package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusSucceeded, false},
		{JobStatusQueued, JobStatusFailed, false},
		{JobStatusQueued, JobStatusCancelled, false},
		{JobStatusRunning, JobStatusSucceeded, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusSucceeded, JobStatusRunning, false},
		{JobStatusFailed, JobStatusQueued, false},
		{JobStatusCancelled, JobStatusRunning, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCheckTransitionErrors(t *testing.T) {
	t.Parallel()

	err := CheckTransition("job-1", JobStatusSucceeded, JobStatusFailed)
	require.True(t, errors.Is(err, ErrJobTerminal))

	err = CheckTransition("job-1", JobStatusQueued, JobStatusFailed)
	require.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, CheckTransition("job-1", JobStatusQueued, JobStatusRunning))
}

func TestCountersDominates(t *testing.T) {
	t.Parallel()

	prev := JobCounters{PagesCrawled: 2, Errors: 1}
	require.True(t, JobCounters{PagesCrawled: 2, Errors: 1}.Dominates(prev))
	require.True(t, JobCounters{PagesCrawled: 3, Errors: 1, FacesIndexed: 4}.Dominates(prev))
	require.False(t, JobCounters{PagesCrawled: 1, Errors: 5}.Dominates(prev))
}
