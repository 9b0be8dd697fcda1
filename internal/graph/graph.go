// Package graph compiles workflow versions into validated, index-based
// graphs the engine can walk without repeated lookups.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/petrijr/nodeflow/pkg/api"
)

// ValidationError lists every problem found in a version.
type ValidationError struct {
	DefinitionKey string
	VersionNumber int
	Problems      []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s v%d: %s", api.ErrInvalidGraph, e.DefinitionKey, e.VersionNumber,
		strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return api.ErrInvalidGraph }

// Graph is an immutable, compiled workflow version. Nodes and transitions are
// stored in slices and referenced by index.
type Graph struct {
	DefinitionKey string
	VersionNumber int

	nodes       []api.WorkflowNode
	transitions []api.WorkflowTransition

	index    map[string]int
	out      [][]int // guarded transitions per node, evaluation order
	fallback []int   // default transition per node, -1 when absent
	start    int
	joins    map[int]int // parallel gateway -> join
}

// Compile validates v and builds its graph.
func Compile(v api.WorkflowVersion) (*Graph, error) {
	g := &Graph{
		DefinitionKey: v.DefinitionKey,
		VersionNumber: v.VersionNumber,
		nodes:         append([]api.WorkflowNode(nil), v.Nodes...),
		transitions:   append([]api.WorkflowTransition(nil), v.Transitions...),
		index:         make(map[string]int, len(v.Nodes)),
		start:         -1,
		joins:         make(map[int]int),
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(g.nodes) == 0 {
		addf("version has no nodes")
	}

	for i, n := range g.nodes {
		if n.ID == "" {
			addf("node %d has no id", i)
			continue
		}
		if _, dup := g.index[n.ID]; dup {
			addf("duplicate node id %q", n.ID)
			continue
		}
		g.index[n.ID] = i
		if !n.Type.Valid() {
			addf("node %q has unknown type %q", n.ID, n.Type)
		}
		if n.IsStartNode {
			if g.start >= 0 {
				addf("node %q is a second start node", n.ID)
			} else {
				g.start = i
			}
		}
		if n.Type == api.NodeSubprocess && n.SubprocessKey == "" {
			addf("subprocess node %q has no subprocess key", n.ID)
		}
		if n.RetryCount < 0 || n.RetryDelaySeconds < 0 || n.TimeoutMinutes < 0 || n.WaitSeconds < 0 {
			addf("node %q has a negative execution policy value", n.ID)
		}
	}
	if len(g.nodes) > 0 && g.start < 0 {
		addf("version has no start node")
	}

	g.out = make([][]int, len(g.nodes))
	g.fallback = make([]int, len(g.nodes))
	for i := range g.fallback {
		g.fallback[i] = -1
	}

	seenTransitions := make(map[string]bool, len(g.transitions))
	for i, t := range g.transitions {
		if t.ID == "" {
			addf("transition %d has no id", i)
		} else if seenTransitions[t.ID] {
			addf("duplicate transition id %q", t.ID)
		}
		seenTransitions[t.ID] = true

		src, okSrc := g.index[t.SourceNodeID]
		if !okSrc {
			addf("transition %q references unknown source %q", t.ID, t.SourceNodeID)
		}
		if _, ok := g.index[t.TargetNodeID]; !ok {
			addf("transition %q references unknown target %q", t.ID, t.TargetNodeID)
		}
		if !t.ConditionType.Valid() {
			addf("transition %q has unknown condition type %q", t.ID, t.ConditionType)
		}
		switch t.ConditionType {
		case api.ConditionExpression, api.ConditionFieldMatch:
			if strings.TrimSpace(t.ConditionExpression) == "" {
				addf("transition %q has an empty expression", t.ID)
			}
		case api.ConditionAny, api.ConditionAll:
			if len(t.Conditions) == 0 {
				addf("transition %q has no conditions", t.ID)
			}
		case api.ConditionUserChoice:
			if t.TransitionKey == "" {
				addf("user choice transition %q has no transition key", t.ID)
			}
		}
		if !okSrc {
			continue
		}
		if t.IsDefault {
			if g.fallback[src] >= 0 {
				addf("node %q has more than one default transition", t.SourceNodeID)
			} else {
				g.fallback[src] = i
			}
			continue
		}
		g.out[src] = append(g.out[src], i)
	}

	for i := range g.out {
		edges := g.out[i]
		sort.SliceStable(edges, func(a, b int) bool {
			ta, tb := g.transitions[edges[a]], g.transitions[edges[b]]
			if ta.Priority != tb.Priority {
				return ta.Priority < tb.Priority
			}
			return ta.ID < tb.ID
		})
	}

	for i, n := range g.nodes {
		if n.ID == "" {
			continue
		}
		edges := g.outDegree(i)
		if isEnd(n) {
			if edges > 0 {
				addf("end node %q has outgoing transitions", n.ID)
			}
			continue
		}
		if edges == 0 {
			addf("node %q has no outgoing transitions and is not an end node", n.ID)
		}
		if n.Type == api.NodeParallelGateway && edges < 2 {
			addf("parallel gateway %q needs at least two branches", n.ID)
		}
	}

	if g.start >= 0 {
		reached := g.distancesFrom(g.start)
		for i, n := range g.nodes {
			if _, ok := reached[i]; !ok && n.ID != "" {
				addf("node %q is unreachable from the start node", n.ID)
			}
		}
	}

	if len(problems) == 0 {
		for i, n := range g.nodes {
			if n.Type != api.NodeParallelGateway {
				continue
			}
			if n.JoinNodeID != "" {
				j, ok := g.index[n.JoinNodeID]
				if !ok || g.nodes[j].Type != api.NodeJoinGateway {
					addf("parallel gateway %q names %q which is not a join gateway", n.ID, n.JoinNodeID)
					continue
				}
				g.joins[i] = j
				continue
			}
			if j, ok := g.nearestJoin(i); ok {
				g.joins[i] = j
			}
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{
			DefinitionKey: v.DefinitionKey,
			VersionNumber: v.VersionNumber,
			Problems:      problems,
		}
	}
	return g, nil
}

func isEnd(n api.WorkflowNode) bool {
	return n.IsEndNode || n.Type == api.NodeEnd
}

func (g *Graph) outDegree(i int) int {
	n := len(g.out[i])
	if g.fallback[i] >= 0 {
		n++
	}
	return n
}

func (g *Graph) targets(i int) []int {
	res := make([]int, 0, g.outDegree(i))
	for _, t := range g.out[i] {
		if j, ok := g.index[g.transitions[t].TargetNodeID]; ok {
			res = append(res, j)
		}
	}
	if f := g.fallback[i]; f >= 0 {
		if j, ok := g.index[g.transitions[f].TargetNodeID]; ok {
			res = append(res, j)
		}
	}
	return res
}

// distancesFrom returns BFS hop counts from node i to every reachable node.
func (g *Graph) distancesFrom(i int) map[int]int {
	dist := map[int]int{i: 0}
	queue := []int{i}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.targets(cur) {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// nearestJoin picks the join gateway reachable from every branch of the
// gateway at index i with the smallest worst-case distance.
func (g *Graph) nearestJoin(i int) (int, bool) {
	var branches []map[int]int
	for _, target := range g.targets(i) {
		branches = append(branches, g.distancesFrom(target))
	}

	best, bestDist := -1, 0
	for j, n := range g.nodes {
		if n.Type != api.NodeJoinGateway {
			continue
		}
		worst := 0
		reachable := true
		for _, dist := range branches {
			d, ok := dist[j]
			if !ok {
				reachable = false
				break
			}
			worst = max(worst, d)
		}
		if !reachable {
			continue
		}
		if best < 0 || worst < bestDist || (worst == bestDist && n.ID < g.nodes[best].ID) {
			best, bestDist = j, worst
		}
	}
	return best, best >= 0
}

// Start returns the start node.
func (g *Graph) Start() *api.WorkflowNode {
	return &g.nodes[g.start]
}

// Node looks up a node by ID.
func (g *Graph) Node(id string) (*api.WorkflowNode, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.nodes[i], true
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []api.WorkflowNode {
	return g.nodes
}

// Outgoing returns the guarded transitions of a node in evaluation order:
// ascending priority, ties broken by transition ID. Default transitions are
// not included.
func (g *Graph) Outgoing(nodeID string) []api.WorkflowTransition {
	i, ok := g.index[nodeID]
	if !ok {
		return nil
	}
	res := make([]api.WorkflowTransition, 0, len(g.out[i]))
	for _, t := range g.out[i] {
		res = append(res, g.transitions[t])
	}
	return res
}

// Default returns the default transition of a node, if any.
func (g *Graph) Default(nodeID string) (api.WorkflowTransition, bool) {
	i, ok := g.index[nodeID]
	if !ok || g.fallback[i] < 0 {
		return api.WorkflowTransition{}, false
	}
	return g.transitions[g.fallback[i]], true
}

// Branches returns every outgoing transition of a node, default included.
// Parallel gateways take all of them.
func (g *Graph) Branches(nodeID string) []api.WorkflowTransition {
	res := g.Outgoing(nodeID)
	if t, ok := g.Default(nodeID); ok {
		res = append(res, t)
	}
	return res
}

// JoinFor returns the join gateway that closes the given parallel gateway.
func (g *Graph) JoinFor(gatewayID string) (string, bool) {
	i, ok := g.index[gatewayID]
	if !ok {
		return "", false
	}
	j, ok := g.joins[i]
	if !ok {
		return "", false
	}
	return g.nodes[j].ID, true
}

// IsEnd reports whether the node terminates its branch.
func (g *Graph) IsEnd(nodeID string) bool {
	n, ok := g.Node(nodeID)
	return ok && isEnd(*n)
}
