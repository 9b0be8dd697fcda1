package engine

import (
	"slices"

	"github.com/petrijr/nodeflow/pkg/api"
)

// arrive records a branch reaching a join gateway. The join node instance of
// a fork generation is created by the first arrival and completes exactly
// once, when every forked branch has completed or been skipped.
func (r *run) arrive(node *api.WorkflowNode, a activation) ([]activation, error) {
	gw, err := r.forkOf(node.ID, a.generation)
	if err != nil {
		return nil, err
	}
	if gw == nil {
		// Not closing any open fork: the join is a plain pass-through.
		ni := r.newNodeInstance(node, a.generation, api.NodeRunning)
		r.insertNode(ni)
		return r.completeNode(ni, nil)
	}

	join, err := r.openJoin(node, gw)
	if err != nil || join == nil {
		return nil, err
	}

	var branch string
	if a.from != nil {
		branch = a.from.ID
	}
	if slices.Contains(join.IncomingCompletions, branch) || slices.Contains(join.SkippedBranches, branch) {
		return nil, nil
	}
	if a.skipped {
		join.SkippedBranches = append(join.SkippedBranches, branch)
	} else {
		join.IncomingCompletions = append(join.IncomingCompletions, branch)
	}

	if join.Arrivals() < join.BranchCount {
		r.saveNode(join)
		return nil, nil
	}
	r.log(api.WorkflowLog{
		NodeInstanceID: join.ID,
		Level:          api.LogDebug,
		Event:          "join_completed",
		Message:        "all branches arrived",
		Details: api.StateData{
			"completed": len(join.IncomingCompletions),
			"skipped":   len(join.SkippedBranches),
		},
	})
	return r.completeNode(join, nil)
}

// forkOf walks up the fork generations starting at generation and returns
// the parallel gateway node instance closed by joinID, or nil.
func (r *run) forkOf(joinID, generation string) (*api.WorkflowNodeInstance, error) {
	for generation != "" {
		gw, err := r.nodeInstance(generation)
		if err != nil {
			return nil, err
		}
		if j, ok := r.graph.JoinFor(gw.NodeID); ok && j == joinID {
			return gw, nil
		}
		generation = gw.ParentGeneration
	}
	return nil, nil
}

// openJoin returns the active join node instance for the gateway's
// generation, creating it on first use. It returns nil once the join of that
// generation already finished.
func (r *run) openJoin(node *api.WorkflowNode, gw *api.WorkflowNodeInstance) (*api.WorkflowNodeInstance, error) {
	generation := gw.ID
	existing, err := r.listNodes(api.NodeInstanceFilter{
		InstanceID:     r.inst.ID,
		NodeID:         node.ID,
		ForkGeneration: &generation,
	})
	if err != nil {
		return nil, err
	}
	for _, ni := range existing {
		if ni.Status.IsActive() {
			return ni, nil
		}
	}
	if len(existing) > 0 {
		return nil, nil
	}

	join := r.newNodeInstance(node, generation, api.NodeWaiting)
	join.BranchCount = gw.BranchCount
	join.ParentGeneration = gw.ParentGeneration
	r.insertNode(join)
	return join, nil
}

// failBranch applies the join policy to a node that failed inside fork
// generation. It reports false when no join closes the fork.
func (r *run) failBranch(ni *api.WorkflowNodeInstance, generation string, reason api.FailureReason, message string) (bool, error) {
	gw, err := r.nodeInstance(generation)
	if err != nil {
		return false, err
	}
	joinID, ok := r.graph.JoinFor(gw.NodeID)
	if !ok {
		return false, nil
	}
	joinNode, _ := r.graph.Node(joinID)

	if joinNode.FailureTolerant {
		ni.Status = api.NodeSkipped
		ni.Routed = true
		r.finishedNode(ni)
		r.log(api.WorkflowLog{
			NodeInstanceID: ni.ID,
			Level:          api.LogWarning,
			Event:          "branch_skipped",
			Message:        "failed branch counted as skipped by " + joinID,
			Details:        api.StateData{"reason": string(reason)},
		})
		next, err := r.enter(activation{nodeID: joinID, generation: generation, from: ni, skipped: true})
		if err != nil {
			return true, err
		}
		return true, r.activate(next...)
	}

	r.finishedNode(ni)

	join, err := r.openJoin(joinNode, gw)
	if err != nil {
		return true, err
	}
	if join != nil {
		join.Status = api.NodeFailed
		join.CompletedAt = r.now
		join.FailureReason = api.ReasonBranchFailed
		join.ErrorMessage = message
		r.finishedNode(join)
	}
	return true, r.terminate(api.StatusFailed, api.ReasonBranchFailed, message)
}
