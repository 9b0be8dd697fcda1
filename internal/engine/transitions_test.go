package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/pkg/api"
)

// deployRouting deploys start -> check -> one of several end nodes.
func (h *harness) deployRouting(key string) {
	h.t.Helper()
	h.deploy(api.WorkflowDefinition{Key: key},
		[]api.WorkflowNode{
			trigger("start"),
			{ID: "check", Type: api.NodeCondition},
			end("hot"), end("warm-eu"), end("warm"), end("cold-us"), end("other"),
		},
		[]api.WorkflowTransition{
			always("t0", "start", "check"),
			{ID: "t1", SourceNodeID: "check", TargetNodeID: "hot", Priority: 1,
				ConditionType: api.ConditionFieldMatch, ConditionExpression: "score >= 80"},
			{ID: "t2", SourceNodeID: "check", TargetNodeID: "warm-eu", Priority: 2,
				ConditionType: api.ConditionExpression, ConditionExpression: `score >= 50 and region == "EU"`},
			{ID: "t3", SourceNodeID: "check", TargetNodeID: "warm", Priority: 3,
				ConditionType: api.ConditionAny, Conditions: []string{"score >= 50", "vip == true"}},
			{ID: "t4", SourceNodeID: "check", TargetNodeID: "cold-us", Priority: 4,
				ConditionType: api.ConditionAll, Conditions: []string{"score < 50", `region == "US"`}},
			{ID: "t5", SourceNodeID: "check", TargetNodeID: "other", IsDefault: true,
				ConditionType: api.ConditionAlways},
		})
}

func TestTransitionSelection(t *testing.T) {
	cases := []struct {
		name  string
		input api.StateData
		want  string
	}{
		{"field match wins first", api.StateData{"score": 90, "region": "EU"}, "hot"},
		{"expression", api.StateData{"score": 60, "region": "EU"}, "warm-eu"},
		{"any by score", api.StateData{"score": 60, "region": "US"}, "warm"},
		{"any by flag", api.StateData{"score": 10, "vip": true}, "warm"},
		{"all", api.StateData{"score": 10, "region": "US"}, "cold-us"},
		{"default", api.StateData{"score": 10, "region": "EU"}, "other"},
	}

	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			h := factory(t)
			h.deployRouting("route")

			for _, tc := range cases {
				id := h.start("route", tc.input)
				inst := h.instance(id)
				require.Equal(t, api.StatusCompleted, inst.Status, tc.name)
				assert.Equal(t, tc.want, inst.CurrentNodeID, tc.name)
				assert.Len(t, h.nodes(id, tc.want), 1, tc.name)
			}
		})
	}
}

func TestNoMatchingTransitionFailsInstance(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deploy(api.WorkflowDefinition{Key: "strict"},
		[]api.WorkflowNode{trigger("start"), {ID: "check", Type: api.NodeCondition}, end("done")},
		[]api.WorkflowTransition{
			always("t0", "start", "check"),
			{ID: "t1", SourceNodeID: "check", TargetNodeID: "done",
				ConditionType: api.ConditionFieldMatch, ConditionExpression: "approved == true"},
		})

	id := h.start("strict", api.StateData{"approved": false})

	inst := h.instance(id)
	require.Equal(t, api.StatusFailed, inst.Status)
	assert.Equal(t, api.ReasonNoMatchingTransition, inst.FailureReason)
	assert.Contains(t, inst.ErrorMessage, "check")

	check := h.node(id, "check")
	assert.Equal(t, api.NodeCompleted, check.Status)
	assert.True(t, check.Routed)
	assert.Empty(t, check.TransitionTakenID)
}

func TestConditionErrorFallsBackToDefault(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deploy(api.WorkflowDefinition{Key: "broken"},
		[]api.WorkflowNode{trigger("start"), {ID: "check", Type: api.NodeCondition}, end("yes"), end("no")},
		[]api.WorkflowTransition{
			always("t0", "start", "check"),
			{ID: "t1", SourceNodeID: "check", TargetNodeID: "yes",
				ConditionType: api.ConditionExpression, ConditionExpression: "score >="},
			{ID: "t2", SourceNodeID: "check", TargetNodeID: "no", IsDefault: true,
				ConditionType: api.ConditionAlways},
		})

	id := h.start("broken", api.StateData{"score": 99})

	assert.Equal(t, api.StatusCompleted, h.instance(id).Status)
	assert.Equal(t, "t2", h.node(id, "check").TransitionTakenID)
	assert.True(t, h.hasLog(id, "condition_error"))
}

func TestUserChoiceRoutesHumanDecision(t *testing.T) {
	h := newInMemoryHarness(t)
	h.deploy(api.WorkflowDefinition{Key: "approval"},
		[]api.WorkflowNode{
			trigger("start"),
			{ID: "review", Type: api.NodeHumanTask, SubType: "approve_discount"},
			end("approved"), end("rejected"),
		},
		[]api.WorkflowTransition{
			always("t0", "start", "review"),
			{ID: "t1", SourceNodeID: "review", TargetNodeID: "approved",
				ConditionType: api.ConditionUserChoice, TransitionKey: "approve"},
			{ID: "t2", SourceNodeID: "review", TargetNodeID: "rejected",
				ConditionType: api.ConditionUserChoice, TransitionKey: "reject"},
		})

	approved := h.start("approval", nil)
	rejected := h.start("approval", nil)
	assert.Equal(t, api.StatusWaiting, h.instance(approved).Status)

	for _, id := range []string{approved, rejected} {
		choice := "approve"
		if id == rejected {
			choice = "reject"
		}
		tasks := h.tasks(id)
		require.Len(t, tasks, 1)
		assert.Equal(t, QueueHuman, tasks[0].QueueName)

		task, err := h.engine.ClaimTask(h.ctx, tasks[0].ID, "manager")
		require.NoError(t, err)
		h.report(task, api.Succeeded(), api.StateData{"choice": choice})
	}

	assert.Equal(t, "approved", h.instance(approved).CurrentNodeID)
	assert.Equal(t, "rejected", h.instance(rejected).CurrentNodeID)
	assert.Equal(t, api.StatusCompleted, h.instance(rejected).Status)
}
