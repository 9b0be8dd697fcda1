package api

import (
	"context"
	"time"
)

// Engine is the orchestration API used by triggers, workers and operators.
type Engine interface {
	// RegisterDefinition stores a new definition in DRAFT state.
	RegisterDefinition(ctx context.Context, def WorkflowDefinition) error

	// PublishVersion validates the version's graph, makes it the current
	// version of its definition and activates the definition. The previously
	// active version is deprecated; instances bound to it keep running.
	PublishVersion(ctx context.Context, version WorkflowVersion) error

	// GetDefinition looks up a definition by key.
	GetDefinition(ctx context.Context, key string) (*WorkflowDefinition, error)

	// SetDefinitionStatus pauses, archives or re-activates a definition.
	SetDefinitionStatus(ctx context.Context, key string, status DefinitionStatus) error

	// StartInstance creates an instance of the definition's active version
	// and runs it until it waits on external work or finishes.
	StartInstance(ctx context.Context, definitionKey, entityType, entityID string, input StateData, opts ...StartOption) (string, error)

	// HandleTrigger starts one instance per active definition whose start
	// trigger matches the event.
	HandleTrigger(ctx context.Context, ev TriggerEvent) ([]string, error)

	// CancelInstance cancels the instance, its open node instances and tasks,
	// and its open child instances.
	CancelInstance(ctx context.Context, instanceID, reason string) error

	// PauseInstance defers routing of the instance until ResumeInstance.
	PauseInstance(ctx context.Context, instanceID string) error

	// SuspendInstance places an administrative hold on the instance.
	SuspendInstance(ctx context.Context, instanceID, reason string) error

	// ResumeInstance returns a paused or suspended instance to RUNNING and
	// routes any work that completed while it was held.
	ResumeInstance(ctx context.Context, instanceID string) error

	// ClaimNextTask leases the next claimable task of the queue to the
	// worker. It returns nil without error when nothing is claimable.
	ClaimNextTask(ctx context.Context, queueName, workerID string) (*WorkflowTask, error)

	// ClaimTask leases one specific task to the worker.
	ClaimTask(ctx context.Context, taskID, workerID string) (*WorkflowTask, error)

	// ReportTaskResult records the outcome of a leased task. Reporting on a
	// task that is already final is a no-op.
	ReportTaskResult(ctx context.Context, taskID, workerID string, result TaskResult, output StateData) error

	GetInstanceState(ctx context.Context, instanceID string) (*InstanceState, error)
	GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
	ListNodeInstances(ctx context.Context, instanceID string) ([]*WorkflowNodeInstance, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*WorkflowTask, error)
	ListLogs(ctx context.Context, instanceID string) ([]*WorkflowLog, error)

	// Sweep promotes due retries, releases expired leases and expires
	// overdue node instances and instances.
	Sweep(ctx context.Context) (SweepResult, error)
}

// StartOptions tunes a single StartInstance call.
type StartOptions struct {
	// Timeout overrides the definition's DefaultTimeoutHours when positive.
	Timeout time.Duration

	ParentInstanceID     string
	ParentNodeInstanceID string
}

// StartOption mutates StartOptions.
type StartOption func(*StartOptions)

// WithInstanceTimeout sets the instance deadline relative to its creation.
func WithInstanceTimeout(d time.Duration) StartOption {
	return func(o *StartOptions) {
		o.Timeout = d
	}
}

// WithParent links a child instance to the subprocess node that started it.
func WithParent(instanceID, nodeInstanceID string) StartOption {
	return func(o *StartOptions) {
		o.ParentInstanceID = instanceID
		o.ParentNodeInstanceID = nodeInstanceID
	}
}
