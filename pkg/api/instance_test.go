package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to InstanceStatus
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusWaiting, true},
		{StatusWaiting, StatusRunning, true},
		{StatusPaused, StatusRunning, true},
		{StatusSuspended, StatusRunning, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPending, StatusWaiting, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusFailed, false},
		{StatusTimedOut, StatusCancelled, false},
		{StatusPaused, StatusCompleted, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestInstanceStatus_CancelReachableFromEveryNonTerminal(t *testing.T) {
	for _, s := range []InstanceStatus{StatusPending, StatusRunning, StatusWaiting, StatusPaused, StatusSuspended} {
		require.True(t, s.CanTransitionTo(StatusCancelled), "cancel from %s", s)
		require.False(t, s.IsTerminal())
	}
	for _, s := range []InstanceStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		require.True(t, s.IsTerminal())
	}
}

func TestStateData_MergeIsShallowAndCopies(t *testing.T) {
	base := StateData{"a": 1, "nested": map[string]any{"x": 1}}
	merged := base.Merge(StateData{"b": 2, "nested": "replaced"})

	require.Equal(t, StateData{"a": 1, "b": 2, "nested": "replaced"}, merged)
	require.Equal(t, map[string]any{"x": 1}, base["nested"], "base must not be modified")

	var empty StateData
	require.NotNil(t, empty.Clone())
}

func TestPermanent(t *testing.T) {
	require.Nil(t, Permanent(nil))

	cause := errors.New("invalid address")
	err := fmt.Errorf("send: %w", Permanent(cause))
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, cause)
	require.False(t, IsPermanent(cause))
}

func TestNodeType_TaskType(t *testing.T) {
	tt, ok := NodeHumanTask.TaskType()
	require.True(t, ok)
	require.Equal(t, TaskHumanTask, tt)

	_, ok = NodeSubprocess.TaskType()
	require.False(t, ok)
	require.True(t, NodeJoinGateway.IsSynchronous())
	require.False(t, NodeType("LOOP").Valid())
}
