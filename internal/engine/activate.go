package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/nodeflow/pkg/api"
)

// activation is a pending entry into a node.
type activation struct {
	nodeID string
	// generation is the fork generation the node is entered in.
	generation string
	// from is the node instance whose transition led here.
	from *api.WorkflowNodeInstance
	// skipped marks a failed branch arriving at a failure-tolerant join.
	skipped bool
}

// activate enters nodes breadth first until every branch waits on external
// work, ends, or the instance reaches a terminal status.
func (r *run) activate(queue ...activation) error {
	for len(queue) > 0 {
		if r.inst.Status.IsTerminal() {
			return nil
		}
		a := queue[0]
		queue = queue[1:]

		next, err := r.enter(a)
		if err != nil {
			return err
		}
		queue = append(queue, next...)
	}
	return nil
}

func (r *run) enter(a activation) ([]activation, error) {
	node, ok := r.graph.Node(a.nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %q", api.ErrInvalidGraph, a.nodeID)
	}

	switch node.Type {
	case api.NodeTrigger, api.NodeCondition, api.NodeEnd:
		ni := r.newNodeInstance(node, a.generation, api.NodeRunning)
		r.insertNode(ni)
		return r.completeNode(ni, nil)

	case api.NodeParallelGateway:
		ni := r.newNodeInstance(node, a.generation, api.NodeRunning)
		ni.BranchCount = len(r.graph.Branches(node.ID))
		ni.ParentGeneration = a.generation
		r.insertNode(ni)
		return r.completeNode(ni, nil)

	case api.NodeJoinGateway:
		return r.arrive(node, a)

	case api.NodeAction, api.NodeHumanTask, api.NodeWait, api.NodeLLMAction:
		return nil, r.dispatch(node, a.generation)

	case api.NodeSubprocess:
		return nil, r.invokeSubprocess(node, a.generation)

	default:
		return nil, fmt.Errorf("%w: node %q has unknown type %q", api.ErrInvalidGraph, node.ID, node.Type)
	}
}

func (r *run) newNodeInstance(node *api.WorkflowNode, generation string, status api.NodeInstanceStatus) *api.WorkflowNodeInstance {
	r.inst.LastSequence++
	r.inst.CurrentNodeID = node.ID
	ni := &api.WorkflowNodeInstance{
		ID:                uuid.NewString(),
		InstanceID:        r.inst.ID,
		NodeID:            node.ID,
		NodeType:          node.Type,
		Status:            status,
		ExecutionSequence: r.inst.LastSequence,
		ForkGeneration:    generation,
		StartedAt:         r.now,
	}
	if node.TimeoutMinutes > 0 {
		ni.TimeoutAt = r.now.Add(time.Duration(node.TimeoutMinutes) * time.Minute)
	}
	return ni
}

// completeNode records a successful node outcome, merges output into the
// instance state and routes onward unless the instance is held.
func (r *run) completeNode(ni *api.WorkflowNodeInstance, output api.StateData) ([]activation, error) {
	ni.Status = api.NodeCompleted
	ni.CompletedAt = r.now
	if len(output) > 0 {
		ni.OutputData = output.Clone()
		r.inst.StateData = r.inst.StateData.Merge(output)
	}
	return r.finishNode(ni)
}

// skipNode records a discarded node; it routes like a completion.
func (r *run) skipNode(ni *api.WorkflowNodeInstance) ([]activation, error) {
	ni.Status = api.NodeSkipped
	ni.CompletedAt = r.now
	return r.finishNode(ni)
}

func (r *run) finishNode(ni *api.WorkflowNodeInstance) ([]activation, error) {
	r.finishedNode(ni)
	if r.inst.Status.IsHeld() {
		r.log(api.WorkflowLog{
			NodeInstanceID: ni.ID,
			Level:          api.LogDebug,
			Event:          "routing_deferred",
			Message:        "instance is " + string(r.inst.Status) + ", routing deferred",
		})
		return nil, nil
	}
	return r.route(ni)
}

// endBranch closes a branch at an end node and completes the instance once
// nothing else is active.
func (r *run) endBranch(ni *api.WorkflowNodeInstance) error {
	ni.Routed = true
	r.saveNode(ni)
	active, err := r.activeNodes()
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}
	return r.completeInstance()
}

// failNode fails a node instance and propagates the failure: to the join of
// the enclosing fork generation when there is one, otherwise to the instance.
func (r *run) failNode(ni *api.WorkflowNodeInstance, reason api.FailureReason, message string) error {
	ni.Status = api.NodeFailed
	ni.CompletedAt = r.now
	ni.FailureReason = reason
	ni.ErrorMessage = message
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		Level:          api.LogError,
		Event:          "node_failed",
		Message:        message,
		Details:        api.StateData{"node_id": ni.NodeID, "reason": string(reason)},
	})

	if generation := enclosingGeneration(ni); generation != "" {
		handled, err := r.failBranch(ni, generation, reason, message)
		if err != nil || handled {
			return err
		}
	}

	r.finishedNode(ni)
	return r.terminate(api.StatusFailed, reason, message)
}

// enclosingGeneration is the fork generation a node instance's outcome
// belongs to. A join closing a fork is keyed by that fork's generation but
// reports to the generation around it.
func enclosingGeneration(ni *api.WorkflowNodeInstance) string {
	if ni.NodeType == api.NodeJoinGateway && ni.BranchCount > 0 {
		return ni.ParentGeneration
	}
	return ni.ForkGeneration
}
