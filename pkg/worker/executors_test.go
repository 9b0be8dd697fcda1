package worker

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/pkg/api"
)

func TestAssignExecutor_WritesConfiguredValues(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			eng := factory(t)
			deploy(t, eng, "assign", api.WorkflowNode{
				Type:    api.NodeAction,
				SubType: SubTypeAssign,
				Config:  api.StateData{"assign": map[string]any{"stage": "qualified"}},
			})
			id := start(t, eng, "assign", api.StateData{"stage": "new"})

			reg := NewRegistry()
			RegisterBuiltins(reg, nil)
			processed, err := New(eng, reg).ProcessOne(context.Background())
			require.NoError(t, err)
			require.True(t, processed)

			inst, err := eng.GetInstance(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, "qualified", inst.StateData["stage"])
		})
	}
}

func TestAssignExecutor_RejectsNonObject(t *testing.T) {
	_, err := AssignExecutor().Execute(context.Background(), api.ActionRequest{
		Task:  &api.WorkflowTask{ID: "task-1"},
		Input: api.StateData{"assign": "stage=qualified"},
	})
	require.Error(t, err)
	assert.True(t, api.IsPermanent(err))
}

func TestAssignExecutor_NoAssignIsNoop(t *testing.T) {
	out, err := AssignExecutor().Execute(context.Background(), api.ActionRequest{
		Task:  &api.WorkflowTask{ID: "task-1"},
		Input: api.StateData{"email": "ana@example.com"},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLogExecutor_LogsMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	_, err := LogExecutor(logger).Execute(context.Background(), api.ActionRequest{
		Task:  &api.WorkflowTask{ID: "task-1", InstanceID: "inst-1", NodeID: "note"},
		Input: api.StateData{"message": "lead reached review"},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "lead reached review")
	assert.Contains(t, buf.String(), "instance_id=inst-1")
}
