package nodeflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/pkg/api"
)

func leadIntake() *WorkflowBuilder {
	return NewWorkflow("lead-intake", "Lead").
		Named("Lead intake").
		Trigger("start", WithTriggerType("LeadCreated")).
		Action("score", "score_lead", WithRetry(Retry(2).WithExponentialBackoff(1500*time.Millisecond).Policy())).
		HumanTask("review", "qualify_lead", WithFormSchema(StateData{"fields": []any{"decision"}})).
		End("won").
		End("lost").
		Connect("start", "score").
		ConnectWhen("score", "review", "score >= 50").
		Otherwise("score", "lost").
		ConnectChoice("review", "won", "accept").
		ConnectChoice("review", "lost", "reject")
}

func TestWorkflowBuilder_Build(t *testing.T) {
	def, v, err := leadIntake().Build()
	require.NoError(t, err)

	assert.Equal(t, "lead-intake", def.Key)
	assert.Equal(t, "Lead intake", def.Name)
	assert.Equal(t, "Lead", def.EntityType)
	assert.Equal(t, "lead-intake", v.DefinitionKey)
	require.Len(t, v.Nodes, 5)
	require.Len(t, v.Transitions, 6)

	start := v.Nodes[0]
	assert.True(t, start.IsStartNode)
	assert.Equal(t, api.NodeTrigger, start.Type)
	assert.Equal(t, "LeadCreated", start.TriggerType)

	score := v.Nodes[1]
	assert.Equal(t, "score_lead", score.SubType)
	assert.Equal(t, 2, score.RetryCount)
	assert.Equal(t, 2, score.RetryDelaySeconds, "delay rounds up to whole seconds")
	assert.True(t, score.UseExponentialBackoff)

	assert.True(t, v.Nodes[3].IsEndNode)

	for i, tr := range v.Transitions {
		assert.Equal(t, i+1, tr.Priority, "transitions keep declaration order")
	}
	assert.Equal(t, api.ConditionFieldMatch, v.Transitions[1].ConditionType)
	assert.True(t, v.Transitions[2].IsDefault)
	assert.Equal(t, api.ConditionUserChoice, v.Transitions[3].ConditionType)
	assert.Equal(t, "accept", v.Transitions[3].TransitionKey)
}

func TestWorkflowBuilder_NodeOptions(t *testing.T) {
	cfg := StateData{"template": "welcome"}
	_, v, err := NewWorkflow("options", "Lead").
		TimeoutAfter(90*time.Minute).
		Trigger("start").
		Action("mail", "send_email",
			WithTimeout(90*time.Second),
			WithQueue("email"),
			WithPriority(3),
			WithConfig(cfg),
			WithName("Send welcome mail")).
		Parallel("fork", WithJoin("join")).
		Wait("pause", 1500*time.Millisecond).
		LLMAction("summary", "summarize").
		Join("join", FailureTolerant()).
		Subprocess("child", "enrichment").
		End("done").
		Connect("start", "mail").
		Connect("mail", "fork").
		Connect("fork", "pause").
		Connect("fork", "summary").
		Connect("pause", "join").
		Connect("summary", "join").
		Connect("join", "child").
		Connect("child", "done").
		Build()
	require.NoError(t, err)

	cfg["template"] = "changed"

	mail := v.Nodes[1]
	assert.Equal(t, 2, mail.TimeoutMinutes)
	assert.Equal(t, "email", mail.QueueName)
	assert.Equal(t, 3, mail.Priority)
	assert.Equal(t, "welcome", mail.Config["template"], "config is copied")
	assert.Equal(t, "Send welcome mail", mail.Name)

	assert.Equal(t, "join", v.Nodes[2].JoinNodeID)
	assert.Equal(t, 2, v.Nodes[3].WaitSeconds)
	assert.Equal(t, api.NodeLLMAction, v.Nodes[4].Type)
	assert.True(t, v.Nodes[5].FailureTolerant)
	assert.Equal(t, "enrichment", v.Nodes[6].SubprocessKey)
}

func TestWorkflowBuilder_TimeoutRoundsUpToHours(t *testing.T) {
	def, _, err := NewWorkflow("timeout", "Lead").
		TimeoutAfter(90*time.Minute).
		Trigger("start").End("done").Connect("start", "done").
		Build()
	require.NoError(t, err)
	assert.Equal(t, 2, def.DefaultTimeoutHours)
}

func TestWorkflowBuilder_BuildRejectsInvalidGraph(t *testing.T) {
	_, _, err := NewWorkflow("broken", "Lead").
		Trigger("start").
		Action("orphan", "noop").
		End("done").
		Connect("start", "done").
		Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidGraph))
	assert.Contains(t, err.Error(), "orphan")
}

func TestWorkflowBuilder_PanicsOnEmptyIDs(t *testing.T) {
	assert.Panics(t, func() { NewWorkflow("", "Lead") })
	assert.Panics(t, func() { NewWorkflow("k", "Lead").Action("", "noop") })
	assert.Panics(t, func() { NewWorkflow("k", "Lead").Connect("", "done") })
}

func TestWorkflowBuilder_DeployPublishesNewVersions(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	leadIntake().MustDeploy(ctx, eng)
	require.NoError(t, leadIntake().Deploy(ctx, eng))

	def, err := eng.GetDefinition(ctx, "lead-intake")
	require.NoError(t, err)
	assert.Equal(t, 2, def.CurrentVersion)
	assert.Equal(t, api.DefinitionActive, def.Status)
}
