package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/pkg/api"
)

func TestForkJoinWaitsForEveryBranch(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			h.forkJoin("fan", false, 0)
			id := h.start("fan", nil)

			fork := h.node(id, "fork")
			assert.Equal(t, 2, fork.BranchCount)
			assert.Empty(t, fork.ForkGeneration)
			for _, branch := range []string{"a", "b"} {
				ni := h.node(id, branch)
				assert.Equal(t, fork.ID, ni.ForkGeneration, branch)
				assert.Equal(t, api.NodeWaiting, ni.Status, branch)
			}

			first := h.claim(QueueDefault, "w1")
			h.report(first, api.Succeeded(), api.StateData{first.SubType: true})

			join := h.node(id, "join")
			assert.Equal(t, api.NodeWaiting, join.Status)
			assert.Len(t, join.IncomingCompletions, 1)
			assert.Equal(t, api.StatusRunning, h.instance(id).Status)
			assert.Empty(t, h.nodes(id, "done"))

			second := h.claim(QueueDefault, "w2")
			h.report(second, api.Succeeded(), api.StateData{second.SubType: true})

			join = h.node(id, "join")
			assert.Equal(t, api.NodeCompleted, join.Status)
			assert.Len(t, join.IncomingCompletions, 2)
			assert.Empty(t, join.SkippedBranches)
			assert.Equal(t, fork.ID, join.ForkGeneration)

			assert.Empty(t, h.node(id, "done").ForkGeneration)
			inst := h.instance(id)
			require.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, true, inst.StateData["enrich"])
			assert.Equal(t, true, inst.StateData["score"])
			assert.True(t, h.hasLog(id, "join_completed"))
		})
	}
}

func TestFailedBranchFailsStrictJoin(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			h.forkJoin("fan", false, 0)
			id := h.start("fan", nil)

			failed := h.claim(QueueDefault, "w1")
			h.report(failed, api.Failed(errors.New("enrichment API down")), nil)

			inst := h.instance(id)
			if inst.Status != api.StatusFailed {
				t.Fatalf("expected FAILED, got %q", inst.Status)
			}
			assert.Equal(t, api.ReasonBranchFailed, inst.FailureReason)

			join := h.node(id, "join")
			assert.Equal(t, api.NodeFailed, join.Status)
			assert.Equal(t, api.ReasonBranchFailed, join.FailureReason)

			assert.Equal(t, api.NodeFailed, h.node(id, failed.NodeID).Status)
			for _, task := range h.tasks(id) {
				if task.ID == failed.ID {
					assert.Equal(t, api.TaskDeadLetter, task.Status)
					continue
				}
				assert.Equal(t, api.TaskCancelled, task.Status)
				assert.Equal(t, api.NodeCancelled, h.node(id, task.NodeID).Status)
			}
			assert.Empty(t, h.nodes(id, "done"))
		})
	}
}

func TestFailureTolerantJoinSkipsFailedBranch(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			h.forkJoin("fan", true, 0)
			id := h.start("fan", nil)

			failed := h.claim(QueueDefault, "w1")
			h.report(failed, api.Failed(errors.New("timeout calling vendor")), nil)

			assert.Equal(t, api.NodeSkipped, h.node(id, failed.NodeID).Status)
			assert.Equal(t, api.StatusRunning, h.instance(id).Status)
			assert.True(t, h.hasLog(id, "branch_skipped"))

			h.report(h.claim(QueueDefault, "w1"), api.Succeeded(), nil)

			join := h.node(id, "join")
			assert.Equal(t, api.NodeCompleted, join.Status)
			assert.Len(t, join.SkippedBranches, 1)
			assert.Len(t, join.IncomingCompletions, 1)
			assert.Equal(t, api.StatusCompleted, h.instance(id).Status)
		})
	}
}

func TestNestedForksJoinInnermostFirst(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deploy(api.WorkflowDefinition{Key: "nested"},
		[]api.WorkflowNode{
			trigger("start"),
			{ID: "outer", Type: api.NodeParallelGateway},
			{ID: "x", Type: api.NodeCondition},
			{ID: "inner", Type: api.NodeParallelGateway},
			action("p", "p"),
			action("q", "q"),
			{ID: "inner-join", Type: api.NodeJoinGateway},
			{ID: "y", Type: api.NodeCondition},
			action("z", "z"),
			{ID: "outer-join", Type: api.NodeJoinGateway},
			end("done"),
		},
		[]api.WorkflowTransition{
			always("t01", "start", "outer"),
			always("t02", "outer", "x"),
			always("t03", "outer", "z"),
			always("t04", "x", "inner"),
			always("t05", "inner", "p"),
			always("t06", "inner", "q"),
			always("t07", "p", "inner-join"),
			always("t08", "q", "inner-join"),
			always("t09", "inner-join", "y"),
			always("t10", "y", "outer-join"),
			always("t11", "z", "outer-join"),
			always("t12", "outer-join", "done"),
		})
	id := h.start("nested", nil)

	outer := h.node(id, "outer")
	inner := h.node(id, "inner")
	assert.Equal(t, outer.ID, inner.ForkGeneration)
	assert.Equal(t, outer.ID, inner.ParentGeneration)
	assert.Equal(t, inner.ID, h.node(id, "p").ForkGeneration)
	assert.Equal(t, outer.ID, h.node(id, "z").ForkGeneration)
	require.Len(t, h.tasks(id), 3)

	for range 3 {
		h.report(h.claim(QueueDefault, "w1"), api.Succeeded(), nil)
	}

	innerJoin := h.node(id, "inner-join")
	assert.Equal(t, inner.ID, innerJoin.ForkGeneration)
	assert.Equal(t, outer.ID, innerJoin.ParentGeneration)
	assert.Len(t, innerJoin.IncomingCompletions, 2)
	assert.Equal(t, outer.ID, h.node(id, "y").ForkGeneration)

	outerJoin := h.node(id, "outer-join")
	assert.Equal(t, outer.ID, outerJoin.ForkGeneration)
	assert.Len(t, outerJoin.IncomingCompletions, 2)
	assert.Empty(t, h.node(id, "done").ForkGeneration)
	assert.Equal(t, api.StatusCompleted, h.instance(id).Status)
}

func TestJoinOutsideForkPassesThrough(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deploy(api.WorkflowDefinition{Key: "plain"},
		[]api.WorkflowNode{trigger("start"), {ID: "join", Type: api.NodeJoinGateway}, end("done")},
		[]api.WorkflowTransition{always("t1", "start", "join"), always("t2", "join", "done")})

	id := h.start("plain", nil)
	assert.Equal(t, api.NodeCompleted, h.node(id, "join").Status)
	assert.Equal(t, api.StatusCompleted, h.instance(id).Status)
}
