package api

import (
	"time"
)

// NodeType identifies how the engine activates a workflow node.
type NodeType string

const (
	NodeTrigger         NodeType = "TRIGGER"
	NodeCondition       NodeType = "CONDITION"
	NodeAction          NodeType = "ACTION"
	NodeHumanTask       NodeType = "HUMAN_TASK"
	NodeWait            NodeType = "WAIT"
	NodeParallelGateway NodeType = "PARALLEL_GATEWAY"
	NodeJoinGateway     NodeType = "JOIN_GATEWAY"
	NodeSubprocess      NodeType = "SUBPROCESS"
	NodeLLMAction       NodeType = "LLM_ACTION"
	NodeEnd             NodeType = "END"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTrigger, NodeCondition, NodeAction, NodeHumanTask, NodeWait,
		NodeParallelGateway, NodeJoinGateway, NodeSubprocess, NodeLLMAction, NodeEnd:
		return true
	default:
		return false
	}
}

// IsSynchronous reports whether the engine completes nodes of this type
// inline, without dispatching a task or a child instance.
func (t NodeType) IsSynchronous() bool {
	switch t {
	case NodeTrigger, NodeCondition, NodeParallelGateway, NodeJoinGateway, NodeEnd:
		return true
	default:
		return false
	}
}

// TaskType returns the queue task type for dispatched node types. The second
// result is false for node types that never produce a task.
func (t NodeType) TaskType() (TaskType, bool) {
	switch t {
	case NodeAction:
		return TaskAction, true
	case NodeHumanTask:
		return TaskHumanTask, true
	case NodeWait:
		return TaskWait, true
	case NodeLLMAction:
		return TaskLLMAction, true
	default:
		return "", false
	}
}

// ConditionType selects how a transition's guard is evaluated.
type ConditionType string

const (
	ConditionAlways     ConditionType = "ALWAYS"
	ConditionExpression ConditionType = "EXPRESSION"
	ConditionFieldMatch ConditionType = "FIELD_MATCH"
	ConditionAny        ConditionType = "ANY"
	ConditionAll        ConditionType = "ALL"
	ConditionUserChoice ConditionType = "USER_CHOICE"
)

// Valid reports whether c is one of the known condition types.
func (c ConditionType) Valid() bool {
	switch c {
	case ConditionAlways, ConditionExpression, ConditionFieldMatch,
		ConditionAny, ConditionAll, ConditionUserChoice:
		return true
	default:
		return false
	}
}

// DefinitionStatus is the lifecycle state of a WorkflowDefinition.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "DRAFT"
	DefinitionActive     DefinitionStatus = "ACTIVE"
	DefinitionPaused     DefinitionStatus = "PAUSED"
	DefinitionArchived   DefinitionStatus = "ARCHIVED"
	DefinitionDeprecated DefinitionStatus = "DEPRECATED"
)

// VersionStatus is the lifecycle state of a WorkflowVersion.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "DRAFT"
	VersionActive     VersionStatus = "ACTIVE"
	VersionDeprecated VersionStatus = "DEPRECATED"
)

// WorkflowDefinition is the named, versioned container of a workflow graph
// bound to one entity type.
type WorkflowDefinition struct {
	ID         string
	Key        string
	Name       string
	EntityType string
	Status     DefinitionStatus

	// CurrentVersion is the version new instances are started on.
	// Zero until the first version is published.
	CurrentVersion int

	// MaxConcurrentInstances limits non-terminal instances; 0 is unlimited.
	MaxConcurrentInstances int

	// DefaultTimeoutHours sets the instance deadline; 0 disables it.
	DefaultTimeoutHours int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowVersion is one immutable revision of a definition's graph.
type WorkflowVersion struct {
	DefinitionKey string
	VersionNumber int
	Status        VersionStatus
	Nodes         []WorkflowNode
	Transitions   []WorkflowTransition
	PublishedAt   time.Time
}

// WorkflowNode is a vertex of the workflow graph.
type WorkflowNode struct {
	ID      string
	Key     string
	Name    string
	Type    NodeType
	SubType string

	IsStartNode bool
	IsEndNode   bool

	TimeoutMinutes        int
	RetryCount            int
	RetryDelaySeconds     int
	UseExponentialBackoff bool

	QueueName string
	Priority  int

	// Config is static input merged over the instance state when the node
	// dispatches a task or starts a subprocess.
	Config     StateData
	FormSchema StateData

	// TriggerType matches TriggerEvent.TriggerType on start trigger nodes.
	TriggerType string
	// WaitSeconds delays the timer task of a Wait node.
	WaitSeconds int
	// SubprocessKey names the definition a Subprocess node starts.
	SubprocessKey string
	// FailureTolerant lets a join count failed branches as skipped.
	FailureTolerant bool
	// JoinNodeID pins the join that closes a parallel gateway.
	JoinNodeID string
}

// WorkflowTransition is a directed, guarded edge of the workflow graph.
type WorkflowTransition struct {
	ID                  string
	TransitionKey       string
	SourceNodeID        string
	TargetNodeID        string
	ConditionType       ConditionType
	ConditionExpression string
	// Conditions holds the expressions combined by ANY and ALL guards.
	Conditions []string
	// Priority orders evaluation; lower values are evaluated first.
	Priority  int
	IsDefault bool
}

// TriggerEvent is an external signal that may start workflow instances.
type TriggerEvent struct {
	// DefinitionKey restricts the event to one definition when set.
	DefinitionKey string
	EntityType    string
	EntityID      string
	TriggerType   string
	InputData     StateData
}
