package engine

import (
	"fmt"

	"github.com/petrijr/nodeflow/pkg/api"
)

// route evaluates the outgoing transitions of a completed or skipped node
// instance and returns the activations they lead to.
func (r *run) route(ni *api.WorkflowNodeInstance) ([]activation, error) {
	node, ok := r.graph.Node(ni.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %q", api.ErrInvalidGraph, ni.NodeID)
	}
	if r.graph.IsEnd(node.ID) {
		return nil, r.endBranch(ni)
	}

	if node.Type == api.NodeParallelGateway {
		branches := r.graph.Branches(node.ID)
		next := make([]activation, 0, len(branches))
		for _, t := range branches {
			next = append(next, activation{nodeID: t.TargetNodeID, generation: ni.ID, from: ni})
		}
		ni.Routed = true
		r.saveNode(ni)
		return next, nil
	}

	generation := enclosingGeneration(ni)

	t, ok := r.selectTransition(ni)
	ni.Routed = true
	if !ok {
		r.saveNode(ni)
		return nil, r.terminate(api.StatusFailed, api.ReasonNoMatchingTransition,
			fmt.Sprintf("%v from node %s", api.ErrNoMatchingTransition, node.ID))
	}

	ni.TransitionTakenID = t.ID
	r.saveNode(ni)
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		Level:          api.LogDebug,
		Event:          "transition_taken",
		Message:        node.ID + " -> " + t.TargetNodeID,
		Details:        api.StateData{"transition_id": t.ID},
	})
	return []activation{{nodeID: t.TargetNodeID, generation: generation, from: ni}}, nil
}

// selectTransition returns the first guarded transition that matches, in
// priority order, falling back to the node's default transition.
func (r *run) selectTransition(ni *api.WorkflowNodeInstance) (api.WorkflowTransition, bool) {
	for _, t := range r.graph.Outgoing(ni.NodeID) {
		if r.matches(t, ni) {
			return t, true
		}
	}
	return r.graph.Default(ni.NodeID)
}

func (r *run) matches(t api.WorkflowTransition, ni *api.WorkflowNodeInstance) bool {
	switch t.ConditionType {
	case api.ConditionAlways:
		return true
	case api.ConditionExpression:
		return r.evaluate(r.e.expressions, t, t.ConditionExpression)
	case api.ConditionFieldMatch:
		return r.evaluate(r.e.fields, t, t.ConditionExpression)
	case api.ConditionAny:
		for _, expr := range t.Conditions {
			if r.evaluate(r.e.expressions, t, expr) {
				return true
			}
		}
		return false
	case api.ConditionAll:
		for _, expr := range t.Conditions {
			if !r.evaluate(r.e.expressions, t, expr) {
				return false
			}
		}
		return len(t.Conditions) > 0
	case api.ConditionUserChoice:
		choice, ok := ni.OutputData["choice"]
		return ok && fmt.Sprint(choice) == t.TransitionKey
	default:
		return false
	}
}

// evaluate runs one guard. Evaluation errors count as a non-match.
func (r *run) evaluate(ev api.ConditionEvaluator, t api.WorkflowTransition, expr string) bool {
	ok, err := ev.Evaluate(r.ctx, expr, r.inst.StateData)
	if err != nil {
		r.log(api.WorkflowLog{
			Level:   api.LogWarning,
			Event:   "condition_error",
			Message: err.Error(),
			Details: api.StateData{"transition_id": t.ID, "expression": expr},
		})
		return false
	}
	return ok
}
