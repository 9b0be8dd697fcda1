package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/pkg/api"
)

func node(id string, typ api.NodeType) api.WorkflowNode {
	return api.WorkflowNode{ID: id, Key: id, Type: typ, IsEndNode: typ == api.NodeEnd}
}

func edge(id, from, to string) api.WorkflowTransition {
	return api.WorkflowTransition{ID: id, SourceNodeID: from, TargetNodeID: to, ConditionType: api.ConditionAlways}
}

func linear() api.WorkflowVersion {
	start := node("start", api.NodeTrigger)
	start.IsStartNode = true
	return api.WorkflowVersion{
		DefinitionKey: "lead",
		VersionNumber: 1,
		Nodes:         []api.WorkflowNode{start, node("send", api.NodeAction), node("end", api.NodeEnd)},
		Transitions:   []api.WorkflowTransition{edge("t1", "start", "send"), edge("t2", "send", "end")},
	}
}

func TestCompile_Linear(t *testing.T) {
	g, err := Compile(linear())
	require.NoError(t, err)
	require.Equal(t, "start", g.Start().ID)
	require.Len(t, g.Outgoing("start"), 1)
	require.True(t, g.IsEnd("end"))
	require.False(t, g.IsEnd("send"))
}

func TestCompile_RejectsInvalidGraphs(t *testing.T) {
	cases := map[string]func(v *api.WorkflowVersion){
		"no start node": func(v *api.WorkflowVersion) {
			v.Nodes[0].IsStartNode = false
		},
		"two start nodes": func(v *api.WorkflowVersion) {
			v.Nodes[1].IsStartNode = true
		},
		"unreachable node": func(v *api.WorkflowVersion) {
			v.Nodes = append(v.Nodes, node("orphan", api.NodeEnd))
		},
		"dead end": func(v *api.WorkflowVersion) {
			v.Transitions = v.Transitions[:1]
		},
		"unknown target": func(v *api.WorkflowVersion) {
			v.Transitions[1].TargetNodeID = "missing"
		},
		"unknown node type": func(v *api.WorkflowVersion) {
			v.Nodes[1].Type = "SCRIPT"
		},
		"empty expression": func(v *api.WorkflowVersion) {
			v.Transitions[1].ConditionType = api.ConditionExpression
		},
		"user choice without key": func(v *api.WorkflowVersion) {
			v.Transitions[1].ConditionType = api.ConditionUserChoice
		},
		"two defaults": func(v *api.WorkflowVersion) {
			a := edge("d1", "send", "end")
			a.IsDefault = true
			b := edge("d2", "send", "end")
			b.IsDefault = true
			v.Transitions = append(v.Transitions, a, b)
		},
		"subprocess without key": func(v *api.WorkflowVersion) {
			v.Nodes[1].Type = api.NodeSubprocess
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := linear()
			mutate(&v)
			_, err := Compile(v)
			require.Error(t, err)
			require.True(t, errors.Is(err, api.ErrInvalidGraph))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Problems)
		})
	}
}

func TestCompile_OrdersByPriorityAndSeparatesDefault(t *testing.T) {
	v := linear()
	v.Nodes = append(v.Nodes, node("vip", api.NodeAction), node("other", api.NodeAction))
	v.Transitions = []api.WorkflowTransition{
		edge("t1", "start", "send"),
		{ID: "b", SourceNodeID: "send", TargetNodeID: "other", ConditionType: api.ConditionExpression, ConditionExpression: "x", Priority: 5},
		{ID: "a", SourceNodeID: "send", TargetNodeID: "vip", ConditionType: api.ConditionExpression, ConditionExpression: "y", Priority: 1},
		{ID: "d", SourceNodeID: "send", TargetNodeID: "end", ConditionType: api.ConditionAlways, IsDefault: true},
		edge("t3", "vip", "end"),
		edge("t4", "other", "end"),
	}

	g, err := Compile(v)
	require.NoError(t, err)

	out := g.Outgoing("send")
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].ID)
	require.Equal(t, "b", out[1].ID)

	def, ok := g.Default("send")
	require.True(t, ok)
	require.Equal(t, "d", def.ID)
	require.Len(t, g.Branches("send"), 3)
}

func forkJoin() api.WorkflowVersion {
	start := node("start", api.NodeTrigger)
	start.IsStartNode = true
	return api.WorkflowVersion{
		DefinitionKey: "onboarding",
		VersionNumber: 1,
		Nodes: []api.WorkflowNode{
			start,
			node("fork", api.NodeParallelGateway),
			node("a", api.NodeAction),
			node("b1", api.NodeAction),
			node("b2", api.NodeAction),
			node("join", api.NodeJoinGateway),
			node("end", api.NodeEnd),
		},
		Transitions: []api.WorkflowTransition{
			edge("t0", "start", "fork"),
			edge("t1", "fork", "a"),
			edge("t2", "fork", "b1"),
			edge("t3", "b1", "b2"),
			edge("t4", "a", "join"),
			edge("t5", "b2", "join"),
			edge("t6", "join", "end"),
		},
	}
}

func TestCompile_ResolvesJoin(t *testing.T) {
	g, err := Compile(forkJoin())
	require.NoError(t, err)

	join, ok := g.JoinFor("fork")
	require.True(t, ok)
	require.Equal(t, "join", join)
}

func TestCompile_NestedForksResolveInnermostJoin(t *testing.T) {
	v := forkJoin()
	// Replace branch "a" with an inner fork/join.
	v.Nodes = append(v.Nodes,
		node("inner", api.NodeParallelGateway),
		node("x", api.NodeAction),
		node("y", api.NodeAction),
		node("innerJoin", api.NodeJoinGateway),
	)
	v.Transitions[1] = edge("t1", "fork", "inner")
	v.Transitions = append(v.Transitions,
		edge("i1", "inner", "x"),
		edge("i2", "inner", "y"),
		edge("i3", "x", "innerJoin"),
		edge("i4", "y", "innerJoin"),
		edge("i5", "innerJoin", "a"),
	)

	g, err := Compile(v)
	require.NoError(t, err)

	inner, ok := g.JoinFor("inner")
	require.True(t, ok)
	require.Equal(t, "innerJoin", inner)

	outer, ok := g.JoinFor("fork")
	require.True(t, ok)
	require.Equal(t, "join", outer)
}

func TestCompile_ExplicitJoinMustBeJoinGateway(t *testing.T) {
	v := forkJoin()
	v.Nodes[1].JoinNodeID = "end"
	_, err := Compile(v)
	require.ErrorIs(t, err, api.ErrInvalidGraph)

	v = forkJoin()
	v.Nodes[1].JoinNodeID = "join"
	g, err := Compile(v)
	require.NoError(t, err)
	join, _ := g.JoinFor("fork")
	require.Equal(t, "join", join)
}

func TestCompile_ParallelGatewayNeedsTwoBranches(t *testing.T) {
	v := forkJoin()
	v.Nodes = []api.WorkflowNode{v.Nodes[0], v.Nodes[1], v.Nodes[2], v.Nodes[5], v.Nodes[6]}
	v.Transitions = []api.WorkflowTransition{
		edge("t0", "start", "fork"),
		edge("t1", "fork", "a"),
		edge("t4", "a", "join"),
		edge("t6", "join", "end"),
	}
	_, err := Compile(v)
	require.ErrorIs(t, err, api.ErrInvalidGraph)
}
