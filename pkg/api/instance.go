package api

import (
	"maps"
	"time"
)

// StateData is the JSON-compatible key/value document carried by instances,
// node instances and tasks.
type StateData map[string]any

// Clone returns a shallow copy of s. A nil StateData clones to an empty map.
func (s StateData) Clone() StateData {
	out := make(StateData, len(s))
	maps.Copy(out, s)
	return out
}

// Merge returns a copy of s with the top-level keys of other written over it.
func (s StateData) Merge(other StateData) StateData {
	out := s.Clone()
	maps.Copy(out, other)
	return out
}

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "PENDING"
	StatusRunning   InstanceStatus = "RUNNING"
	StatusWaiting   InstanceStatus = "WAITING"
	StatusPaused    InstanceStatus = "PAUSED"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusFailed    InstanceStatus = "FAILED"
	StatusCancelled InstanceStatus = "CANCELLED"
	StatusTimedOut  InstanceStatus = "TIMED_OUT"
	StatusSuspended InstanceStatus = "SUSPENDED"
)

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusRunning: {StatusWaiting, StatusPaused, StatusSuspended, StatusCompleted,
		StatusFailed, StatusCancelled, StatusTimedOut},
	StatusWaiting: {StatusRunning, StatusPaused, StatusSuspended, StatusCompleted,
		StatusFailed, StatusCancelled, StatusTimedOut},
	StatusPaused:    {StatusRunning, StatusSuspended, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusSuspended: {StatusRunning, StatusPaused, StatusFailed, StatusCancelled, StatusTimedOut},
}

// IsTerminal reports whether no further transitions are possible.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// IsHeld reports whether routing is deferred until the instance is resumed.
func (s InstanceStatus) IsHeld() bool {
	return s == StatusPaused || s == StatusSuspended
}

// CanTransitionTo reports whether the instance state machine allows moving
// from s to next. Staying in the same state is always allowed.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NodeInstanceStatus is the state of one activation of a node.
type NodeInstanceStatus string

const (
	NodePending   NodeInstanceStatus = "PENDING"
	NodeRunning   NodeInstanceStatus = "RUNNING"
	NodeWaiting   NodeInstanceStatus = "WAITING"
	NodeCompleted NodeInstanceStatus = "COMPLETED"
	NodeFailed    NodeInstanceStatus = "FAILED"
	NodeSkipped   NodeInstanceStatus = "SKIPPED"
	NodeCancelled NodeInstanceStatus = "CANCELLED"
	NodeRetrying  NodeInstanceStatus = "RETRYING"
)

// IsActive reports whether the node instance still awaits an outcome.
func (s NodeInstanceStatus) IsActive() bool {
	switch s {
	case NodePending, NodeRunning, NodeWaiting, NodeRetrying:
		return true
	default:
		return false
	}
}

// TaskType identifies the kind of work a queued task represents.
type TaskType string

const (
	TaskAction    TaskType = "ACTION"
	TaskHumanTask TaskType = "HUMAN_TASK"
	TaskWait      TaskType = "WAIT"
	TaskLLMAction TaskType = "LLM_ACTION"
)

// TaskStatus is the queue state of a WorkflowTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskLocked     TaskStatus = "LOCKED"
	TaskRunning    TaskStatus = "RUNNING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskRetrying   TaskStatus = "RETRYING"
	TaskDeadLetter TaskStatus = "DEAD_LETTER"
	TaskDiscarded  TaskStatus = "DISCARDED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// IsFinal reports whether the task will never be delivered again.
func (s TaskStatus) IsFinal() bool {
	switch s {
	case TaskCompleted, TaskDeadLetter, TaskDiscarded, TaskCancelled:
		return true
	default:
		return false
	}
}

// FailureReason classifies why a node instance or instance failed.
type FailureReason string

const (
	ReasonNoMatchingTransition FailureReason = "NoMatchingTransition"
	ReasonTimeout              FailureReason = "Timeout"
	ReasonDeadLetter           FailureReason = "DeadLetter"
	ReasonRetriesExhausted     FailureReason = "RetriesExhausted"
	ReasonSubprocessFailure    FailureReason = "SubprocessFailure"
	ReasonBranchFailed         FailureReason = "BranchFailed"
	ReasonCancelled            FailureReason = "Cancelled"
	ReasonInvalidGraph         FailureReason = "InvalidGraph"
)

// WorkflowInstance is one execution of a workflow version for an entity.
type WorkflowInstance struct {
	ID            string
	DefinitionKey string
	VersionNumber int
	EntityType    string
	EntityID      string
	Status        InstanceStatus

	StateData StateData
	InputData StateData

	CurrentNodeID string
	// LastSequence is the highest ExecutionSequence handed out so far.
	LastSequence int
	RetryCount   int

	TimeoutAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	IsCancelled   bool
	CancelReason  string
	ErrorMessage  string
	FailureReason FailureReason

	ParentInstanceID     string
	ParentNodeInstanceID string

	// Revision is incremented by every successful store update.
	Revision int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowNodeInstance records one activation of a node within an instance.
type WorkflowNodeInstance struct {
	ID                string
	InstanceID        string
	NodeID            string
	NodeType          NodeType
	Status            NodeInstanceStatus
	ExecutionSequence int

	// ForkGeneration is the ID of the innermost parallel gateway node
	// instance whose branch this activation belongs to.
	ForkGeneration string
	// ParentGeneration is the generation enclosing a gateway's own fork.
	ParentGeneration string
	// BranchCount is set on parallel gateway activations.
	BranchCount int
	// IncomingCompletions and SkippedBranches are set on join activations.
	IncomingCompletions []string
	SkippedBranches     []string

	TransitionTakenID string
	// Routed is set once outgoing transitions have been evaluated.
	Routed bool

	InputData       StateData
	OutputData      StateData
	RetryCount      int
	ChildInstanceID string

	StartedAt     time.Time
	TimeoutAt     time.Time
	CompletedAt   time.Time
	ErrorMessage  string
	FailureReason FailureReason

	Revision int64
}

// Arrivals is the number of branches a join has accounted for.
func (n *WorkflowNodeInstance) Arrivals() int {
	return len(n.IncomingCompletions) + len(n.SkippedBranches)
}

// WorkflowTask is a unit of queued work produced by a dispatched node.
type WorkflowTask struct {
	ID             string
	InstanceID     string
	NodeInstanceID string
	NodeID         string
	Type           TaskType
	SubType        string
	Status         TaskStatus
	QueueName      string
	Priority       int

	InputData  StateData
	OutputData StateData
	FormSchema StateData

	ScheduledAt time.Time

	LockedByWorkerID string
	LockExpiresAt    time.Time
	PickedAt         time.Time

	RetryCount            int
	MaxRetries            int
	NextRetryAt           time.Time
	RetryDelaySeconds     int
	UseExponentialBackoff bool

	IsDeadLetter     bool
	DeadLetterReason string
	DeadLetterAt     time.Time

	// Attempts counts deliveries, including lease expiries.
	Attempts    int
	LastError   string
	CompletedAt time.Time

	Revision  int64
	CreatedAt time.Time
}

// LogLevel is the severity of a WorkflowLog entry.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// Rank orders levels from least to most severe.
func (l LogLevel) Rank() int {
	switch l {
	case LogDebug:
		return 0
	case LogInfo:
		return 1
	case LogWarning:
		return 2
	case LogError:
		return 3
	case LogCritical:
		return 4
	default:
		return -1
	}
}

// WorkflowLog is an append-only audit record.
type WorkflowLog struct {
	ID             string
	InstanceID     string
	NodeInstanceID string
	TaskID         string
	Level          LogLevel
	Event          string
	Message        string
	Details        StateData
	At             time.Time
}

// InstanceState is the externally visible summary of an instance.
type InstanceState struct {
	InstanceID    string
	DefinitionKey string
	VersionNumber int
	Status        InstanceStatus
	CurrentNodeID string
	ActiveNodeIDs []string
	StateData     StateData
	FailureReason FailureReason
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// InstanceFilter selects instances. Zero-valued fields match everything.
type InstanceFilter struct {
	DefinitionKey    string
	EntityType       string
	EntityID         string
	ParentInstanceID string
	Statuses         []InstanceStatus
	// TimeoutBefore matches instances with a deadline earlier than it.
	TimeoutBefore time.Time
	Limit         int
}

// NodeInstanceFilter selects node instances of one instance, or of all
// instances when InstanceID is empty.
type NodeInstanceFilter struct {
	InstanceID     string
	NodeID         string
	ForkGeneration *string
	Statuses       []NodeInstanceStatus
	TimeoutBefore  time.Time
}

// TaskFilter selects tasks. Zero-valued fields match everything.
type TaskFilter struct {
	InstanceID     string
	NodeInstanceID string
	QueueName      string
	Type           TaskType
	Statuses       []TaskStatus
	// RetryDueBefore matches tasks whose NextRetryAt is not after it.
	RetryDueBefore time.Time
	// LeaseExpiredBefore matches tasks whose lease ended before it.
	LeaseExpiredBefore time.Time
	Limit              int
}

// SweepResult counts what one scheduler pass changed.
type SweepResult struct {
	RetriesPromoted   int
	LeasesReleased    int
	NodesTimedOut     int
	InstancesTimedOut int
}
