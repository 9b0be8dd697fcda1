package nodeflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/pkg/api"
)

type lead struct {
	Email string `json:"email"`
	Score int    `json:"score"`
}

type qualification struct {
	Qualified bool   `json:"qualified"`
	Reason    string `json:"reason,omitempty"`
}

func qualify(ctx context.Context, l lead) (qualification, error) {
	if l.Email == "" {
		return qualification{}, errors.New("lead has no email")
	}
	return qualification{Qualified: l.Score >= 50, Reason: "score"}, nil
}

func TestTypedExecutor_DecodesInputAndEncodesOutput(t *testing.T) {
	exec := TypedExecutor(qualify)

	out, err := exec.Execute(context.Background(), api.ActionRequest{
		Task:  &api.WorkflowTask{ID: "task-1"},
		Input: api.StateData{"email": "ana@example.com", "score": 72, "source": "web"},
	})
	require.NoError(t, err)
	assert.Equal(t, api.StateData{"qualified": true, "reason": "score"}, out)
}

func TestTypedExecutor_PassesThroughExecutorErrors(t *testing.T) {
	_, err := TypedExecutor(qualify).Execute(context.Background(), api.ActionRequest{
		Task:  &api.WorkflowTask{ID: "task-1"},
		Input: api.StateData{"score": 10},
	})
	require.Error(t, err)
	assert.False(t, api.IsPermanent(err), "executor errors stay retryable")
}

func TestTypedExecutor_WrongInputIsPermanent(t *testing.T) {
	_, err := TypedExecutor(qualify).Execute(context.Background(), api.ActionRequest{
		Task:  &api.WorkflowTask{ID: "task-1"},
		Input: api.StateData{"score": "high"},
	})
	require.Error(t, err)
	assert.True(t, api.IsPermanent(err))
	assert.Contains(t, err.Error(), "TypedExecutor: expected input of type")
}

func TestTypedExecutor_NonObjectOutputIsPermanent(t *testing.T) {
	exec := TypedExecutor(func(ctx context.Context, l lead) (int, error) { return l.Score, nil })

	_, err := exec.Execute(context.Background(), api.ActionRequest{
		Task:  &api.WorkflowTask{ID: "task-1"},
		Input: api.StateData{"score": 10},
	})
	require.Error(t, err)
	assert.True(t, api.IsPermanent(err))
}

func TestNewRegistry_HasBuiltins(t *testing.T) {
	reg := NewRegistry(nil)

	for _, task := range []*api.WorkflowTask{
		{Type: api.TaskAction, SubType: "assign"},
		{Type: api.TaskAction, SubType: "log"},
		{Type: api.TaskWait},
	} {
		_, ok := reg.Lookup(task)
		assert.True(t, ok, "expected executor for %s/%s", task.Type, task.SubType)
	}
}
