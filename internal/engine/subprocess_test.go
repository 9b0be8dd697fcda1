package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/pkg/api"
)

// deployParent deploys a child workflow with one action and a parent that
// runs it as a subprocess.
func (h *harness) deployParent(childKey string) {
	h.t.Helper()
	h.deploy(api.WorkflowDefinition{Key: "child"},
		[]api.WorkflowNode{trigger("start"), action("lookup", "company_lookup"), end("done")},
		[]api.WorkflowTransition{always("t1", "start", "lookup"), always("t2", "lookup", "done")})
	h.deploy(api.WorkflowDefinition{Key: "parent"},
		[]api.WorkflowNode{
			trigger("start"),
			{ID: "sub", Type: api.NodeSubprocess, SubprocessKey: childKey, Config: api.StateData{"depth": "full"}},
			end("done"),
		},
		[]api.WorkflowTransition{always("t1", "start", "sub"), always("t2", "sub", "done")})
}

func (h *harness) child(parentID string) *api.WorkflowInstance {
	h.t.Helper()
	children, err := h.engine.ListInstances(h.ctx, api.InstanceFilter{ParentInstanceID: parentID})
	require.NoError(h.t, err)
	require.Len(h.t, children, 1)
	return children[0]
}

func TestSubprocessCompletesParent(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			h.deployParent("child")
			id := h.start("parent", api.StateData{"domain": "acme.test"})

			assert.Equal(t, api.StatusWaiting, h.instance(id).Status)
			sub := h.node(id, "sub")
			child := h.child(id)
			assert.Equal(t, sub.ChildInstanceID, child.ID)
			assert.Equal(t, sub.ID, child.ParentNodeInstanceID)
			assert.Equal(t, "lead-1", child.EntityID)
			assert.Equal(t, api.StatusRunning, child.Status)

			task := h.claim(QueueDefault, "w1")
			assert.Equal(t, child.ID, task.InstanceID)
			assert.Equal(t, "acme.test", task.InputData["domain"])
			assert.Equal(t, "full", task.InputData["depth"])
			h.report(task, api.Succeeded(), api.StateData{"company": "Acme"})

			assert.Equal(t, api.StatusCompleted, h.instance(child.ID).Status)
			assert.Equal(t, api.NodeCompleted, h.node(id, "sub").Status)
			inst := h.instance(id)
			require.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, "Acme", inst.StateData["company"])
		})
	}
}

func TestSubprocessFailureFailsParent(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deployParent("child")
	id := h.start("parent", nil)

	h.report(h.claim(QueueDefault, "w1"), api.DeadLettered(errors.New("no such company")), nil)

	child := h.child(id)
	assert.Equal(t, api.StatusFailed, child.Status)

	sub := h.node(id, "sub")
	assert.Equal(t, api.NodeFailed, sub.Status)
	assert.Equal(t, api.ReasonSubprocessFailure, sub.FailureReason)

	inst := h.instance(id)
	assert.Equal(t, api.StatusFailed, inst.Status)
	assert.Equal(t, api.ReasonSubprocessFailure, inst.FailureReason)
	assert.Contains(t, inst.ErrorMessage, "no such company")
}

func TestCancellingParentCancelsChild(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deployParent("child")
	id := h.start("parent", nil)
	child := h.child(id)

	require.NoError(t, h.engine.CancelInstance(h.ctx, id, "lead merged"))

	assert.Equal(t, api.StatusCancelled, h.instance(id).Status)
	assert.Equal(t, api.StatusCancelled, h.instance(child.ID).Status)
	tasks := h.tasks(child.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, api.TaskCancelled, tasks[0].Status)
}

func TestUnknownSubprocessFailsParent(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deployParent("does-not-exist")
	id := h.start("parent", nil)

	inst := h.instance(id)
	assert.Equal(t, api.StatusFailed, inst.Status)
	assert.Equal(t, api.ReasonSubprocessFailure, inst.FailureReason)
	assert.Equal(t, api.NodeFailed, h.node(id, "sub").Status)
}
