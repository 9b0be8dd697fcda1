package nodeflow

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/nodeflow/internal/graph"
	"github.com/petrijr/nodeflow/pkg/api"
)

// WorkflowBuilder provides a fluent API for defining workflow graphs:
//
//	wf := nodeflow.NewWorkflow("lead-intake", "Lead").
//	    Trigger("start", nodeflow.WithTriggerType("LeadCreated")).
//	    Action("enrich", "company_lookup", nodeflow.WithRetry(nodeflow.Retry(3).Policy())).
//	    HumanTask("review", "qualify_lead").
//	    End("done").
//	    Connect("start", "enrich").
//	    Connect("enrich", "review").
//	    Connect("review", "done")
//
//	if err := wf.Deploy(ctx, engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Transitions are numbered in the order they are added and guarded
// transitions leaving the same node are evaluated in that order.
type WorkflowBuilder struct {
	def         api.WorkflowDefinition
	nodes       []api.WorkflowNode
	transitions []api.WorkflowTransition
}

// NodeOption customizes a node added through a WorkflowBuilder.
type NodeOption func(*api.WorkflowNode)

// NewWorkflow creates a builder for the definition key bound to entityType.
func NewWorkflow(key, entityType string) *WorkflowBuilder {
	if key == "" {
		panic("nodeflow: workflow key must not be empty")
	}
	return &WorkflowBuilder{
		def: api.WorkflowDefinition{Key: key, Name: key, EntityType: entityType},
	}
}

// Key returns the definition key.
func (b *WorkflowBuilder) Key() string {
	return b.def.Key
}

// Named sets the display name of the definition.
func (b *WorkflowBuilder) Named(name string) *WorkflowBuilder {
	b.def.Name = name
	return b
}

// MaxConcurrent limits the number of unfinished instances; 0 is unlimited.
func (b *WorkflowBuilder) MaxConcurrent(n int) *WorkflowBuilder {
	b.def.MaxConcurrentInstances = n
	return b
}

// TimeoutAfter sets the default instance deadline, rounded up to whole hours.
func (b *WorkflowBuilder) TimeoutAfter(d time.Duration) *WorkflowBuilder {
	b.def.DefaultTimeoutHours = int((d + time.Hour - 1) / time.Hour)
	return b
}

func (b *WorkflowBuilder) node(id string, typ api.NodeType, subType string, opts []NodeOption) *WorkflowBuilder {
	if id == "" {
		panic(fmt.Sprintf("nodeflow: %s node id must not be empty", typ))
	}
	n := api.WorkflowNode{ID: id, Key: id, Name: id, Type: typ, SubType: subType}
	for _, opt := range opts {
		opt(&n)
	}
	b.nodes = append(b.nodes, n)
	return b
}

// Trigger adds the start node.
func (b *WorkflowBuilder) Trigger(id string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeTrigger, "", append([]NodeOption{func(n *api.WorkflowNode) { n.IsStartNode = true }}, opts...))
}

// Condition adds a routing-only node.
func (b *WorkflowBuilder) Condition(id string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeCondition, "", opts)
}

// Action adds an automated node executed by the worker registered for subType.
func (b *WorkflowBuilder) Action(id, subType string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeAction, subType, opts)
}

// HumanTask adds a node completed by a person through the human queue.
func (b *WorkflowBuilder) HumanTask(id, subType string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeHumanTask, subType, opts)
}

// LLMAction adds an automated node dispatched to the LLM queue.
func (b *WorkflowBuilder) LLMAction(id, subType string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeLLMAction, subType, opts)
}

// Wait adds a timer node that completes once d has passed. d is rounded up
// to whole seconds.
func (b *WorkflowBuilder) Wait(id string, d time.Duration, opts ...NodeOption) *WorkflowBuilder {
	secs := int((max(d, 0) + time.Second - 1) / time.Second)
	return b.node(id, api.NodeWait, "", append([]NodeOption{func(n *api.WorkflowNode) { n.WaitSeconds = secs }}, opts...))
}

// Parallel adds a gateway that activates every outgoing branch.
func (b *WorkflowBuilder) Parallel(id string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeParallelGateway, "", opts)
}

// Join adds a gateway that waits for every branch of its fork.
func (b *WorkflowBuilder) Join(id string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeJoinGateway, "", opts)
}

// Subprocess adds a node that runs the definition key as a child instance.
func (b *WorkflowBuilder) Subprocess(id, key string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeSubprocess, "", append([]NodeOption{func(n *api.WorkflowNode) { n.SubprocessKey = key }}, opts...))
}

// End adds a terminal node.
func (b *WorkflowBuilder) End(id string, opts ...NodeOption) *WorkflowBuilder {
	return b.node(id, api.NodeEnd, "", append([]NodeOption{func(n *api.WorkflowNode) { n.IsEndNode = true }}, opts...))
}

func (b *WorkflowBuilder) edge(t api.WorkflowTransition) *WorkflowBuilder {
	if t.SourceNodeID == "" || t.TargetNodeID == "" {
		panic("nodeflow: transition endpoints must not be empty")
	}
	seq := len(b.transitions) + 1
	t.ID = fmt.Sprintf("t%d", seq)
	t.Priority = seq
	b.transitions = append(b.transitions, t)
	return b
}

// Connect adds an unconditional transition.
func (b *WorkflowBuilder) Connect(from, to string) *WorkflowBuilder {
	return b.edge(api.WorkflowTransition{SourceNodeID: from, TargetNodeID: to, ConditionType: api.ConditionAlways})
}

// ConnectIf adds a transition guarded by a Lua expression over the state.
func (b *WorkflowBuilder) ConnectIf(from, to, expr string) *WorkflowBuilder {
	return b.edge(api.WorkflowTransition{
		SourceNodeID: from, TargetNodeID: to,
		ConditionType: api.ConditionExpression, ConditionExpression: expr,
	})
}

// ConnectWhen adds a transition guarded by a field match such as
// `lead.score >= 50`.
func (b *WorkflowBuilder) ConnectWhen(from, to, match string) *WorkflowBuilder {
	return b.edge(api.WorkflowTransition{
		SourceNodeID: from, TargetNodeID: to,
		ConditionType: api.ConditionFieldMatch, ConditionExpression: match,
	})
}

// ConnectAny adds a transition taken when any expression holds.
func (b *WorkflowBuilder) ConnectAny(from, to string, exprs ...string) *WorkflowBuilder {
	return b.edge(api.WorkflowTransition{
		SourceNodeID: from, TargetNodeID: to,
		ConditionType: api.ConditionAny, Conditions: exprs,
	})
}

// ConnectAll adds a transition taken when every expression holds.
func (b *WorkflowBuilder) ConnectAll(from, to string, exprs ...string) *WorkflowBuilder {
	return b.edge(api.WorkflowTransition{
		SourceNodeID: from, TargetNodeID: to,
		ConditionType: api.ConditionAll, Conditions: exprs,
	})
}

// ConnectChoice adds a transition taken when a person picks choice on the
// human task from.
func (b *WorkflowBuilder) ConnectChoice(from, to, choice string) *WorkflowBuilder {
	return b.edge(api.WorkflowTransition{
		SourceNodeID: from, TargetNodeID: to,
		ConditionType: api.ConditionUserChoice, TransitionKey: choice,
	})
}

// Otherwise adds the default transition of from, taken when no guarded
// transition matches.
func (b *WorkflowBuilder) Otherwise(from, to string) *WorkflowBuilder {
	return b.edge(api.WorkflowTransition{
		SourceNodeID: from, TargetNodeID: to,
		ConditionType: api.ConditionAlways, IsDefault: true,
	})
}

// Build validates the graph and returns the definition and its version.
func (b *WorkflowBuilder) Build() (WorkflowDefinition, WorkflowVersion, error) {
	v := api.WorkflowVersion{
		DefinitionKey: b.def.Key,
		Nodes:         append([]api.WorkflowNode(nil), b.nodes...),
		Transitions:   append([]api.WorkflowTransition(nil), b.transitions...),
	}
	if _, err := graph.Compile(v); err != nil {
		return WorkflowDefinition{}, WorkflowVersion{}, err
	}
	return b.def, v, nil
}

// Deploy builds the workflow and publishes it on eng as a new version.
func (b *WorkflowBuilder) Deploy(ctx context.Context, eng Engine) error {
	def, v, err := b.Build()
	if err != nil {
		return err
	}
	return Deploy(ctx, eng, def, v)
}

// MustDeploy is like Deploy but panics on error.
// Useful for initialization in main().
func (b *WorkflowBuilder) MustDeploy(ctx context.Context, eng Engine) {
	if err := b.Deploy(ctx, eng); err != nil {
		panic(err)
	}
}

// WithRetry sets the node's retry policy.
func WithRetry(p RetryPolicy) NodeOption {
	return func(n *api.WorkflowNode) {
		n.RetryCount = p.MaxRetries
		n.RetryDelaySeconds = p.delaySeconds()
		n.UseExponentialBackoff = p.Exponential
	}
}

// WithTimeout fails the node if it is still open after d, rounded up to
// whole minutes.
func WithTimeout(d time.Duration) NodeOption {
	return func(n *api.WorkflowNode) {
		n.TimeoutMinutes = int((max(d, 0) + time.Minute - 1) / time.Minute)
	}
}

// WithQueue dispatches the node's tasks to queue instead of the default for
// its type.
func WithQueue(queue string) NodeOption {
	return func(n *api.WorkflowNode) { n.QueueName = queue }
}

// WithPriority orders the node's tasks within their queue; lower values are
// claimed first.
func WithPriority(p int) NodeOption {
	return func(n *api.WorkflowNode) { n.Priority = p }
}

// WithConfig merges static input over the state handed to the node's task
// or subprocess.
func WithConfig(cfg StateData) NodeOption {
	return func(n *api.WorkflowNode) { n.Config = cfg.Clone() }
}

// WithFormSchema attaches the form a person fills in for a human task.
func WithFormSchema(schema StateData) NodeOption {
	return func(n *api.WorkflowNode) { n.FormSchema = schema.Clone() }
}

// WithTriggerType makes the start node respond to trigger events of type t.
func WithTriggerType(t string) NodeOption {
	return func(n *api.WorkflowNode) { n.TriggerType = t }
}

// WithJoin pins the join gateway that closes a parallel gateway.
func WithJoin(joinID string) NodeOption {
	return func(n *api.WorkflowNode) { n.JoinNodeID = joinID }
}

// FailureTolerant lets a join count failed branches as skipped.
func FailureTolerant() NodeOption {
	return func(n *api.WorkflowNode) { n.FailureTolerant = true }
}

// WithName sets the display name of a node.
func WithName(name string) NodeOption {
	return func(n *api.WorkflowNode) { n.Name = name }
}
