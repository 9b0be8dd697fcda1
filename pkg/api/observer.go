package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; they are invoked while the
// engine holds the instance lock.
type Observer interface {
	// OnInstanceStarted is called once when an instance enters RUNNING for
	// the first time.
	OnInstanceStarted(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceFinished is called when an instance reaches a terminal status.
	OnInstanceFinished(ctx context.Context, inst *WorkflowInstance)

	// OnNodeStarted is called when a node is activated.
	OnNodeStarted(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance)

	// OnNodeFinished is called when a node instance leaves the active states.
	OnNodeFinished(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance)

	// OnTaskClaimed is called after a worker acquired a task lease.
	OnTaskClaimed(ctx context.Context, task *WorkflowTask)

	// OnTaskReported is called after a task result was applied. d is the
	// time between the claim and the report.
	OnTaskReported(ctx context.Context, task *WorkflowTask, result TaskResult, d time.Duration)

	// OnTaskDeadLettered is called when a task is moved to the dead-letter state.
	OnTaskDeadLettered(ctx context.Context, task *WorkflowTask)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance)  {}
func (NoopObserver) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnNodeStarted(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
}
func (NoopObserver) OnNodeFinished(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
}
func (NoopObserver) OnTaskClaimed(ctx context.Context, task *WorkflowTask) {}
func (NoopObserver) OnTaskReported(ctx context.Context, task *WorkflowTask, result TaskResult, d time.Duration) {
}
func (NoopObserver) OnTaskDeadLettered(ctx context.Context, task *WorkflowTask) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceFinished(ctx, inst)
	}
}

func (c *CompositeObserver) OnNodeStarted(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
	for _, o := range c.observers {
		o.OnNodeStarted(ctx, inst, node)
	}
}

func (c *CompositeObserver) OnNodeFinished(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
	for _, o := range c.observers {
		o.OnNodeFinished(ctx, inst, node)
	}
}

func (c *CompositeObserver) OnTaskClaimed(ctx context.Context, task *WorkflowTask) {
	for _, o := range c.observers {
		o.OnTaskClaimed(ctx, task)
	}
}

func (c *CompositeObserver) OnTaskReported(ctx context.Context, task *WorkflowTask, result TaskResult, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskReported(ctx, task, result, d)
	}
}

func (c *CompositeObserver) OnTaskDeadLettered(ctx context.Context, task *WorkflowTask) {
	for _, o := range c.observers {
		o.OnTaskDeadLettered(ctx, task)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance, node and task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_started",
		slog.String("definition", inst.DefinitionKey),
		slog.Int("version", inst.VersionNumber),
		slog.String("instance_id", inst.ID),
		slog.String("entity_id", inst.EntityID),
	)
}

func (o *LoggingObserver) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {
	level := slog.LevelInfo
	if inst.Status != StatusCompleted {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "instance_finished",
		slog.String("definition", inst.DefinitionKey),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
		slog.String("reason", string(inst.FailureReason)),
	)
}

func (o *LoggingObserver) OnNodeStarted(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
	o.Logger.DebugContext(ctx, "node_started",
		slog.String("instance_id", inst.ID),
		slog.String("node", node.NodeID),
		slog.String("node_type", string(node.NodeType)),
		slog.Int("sequence", node.ExecutionSequence),
	)
}

func (o *LoggingObserver) OnNodeFinished(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
	level := slog.LevelDebug
	if node.Status == NodeFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_finished",
		slog.String("instance_id", inst.ID),
		slog.String("node", node.NodeID),
		slog.String("status", string(node.Status)),
		slog.String("reason", string(node.FailureReason)),
	)
}

func (o *LoggingObserver) OnTaskClaimed(ctx context.Context, task *WorkflowTask) {
	o.Logger.DebugContext(ctx, "task_claimed",
		slog.String("task_id", task.ID),
		slog.String("queue", task.QueueName),
		slog.String("worker", task.LockedByWorkerID),
		slog.Int("attempts", task.Attempts),
	)
}

func (o *LoggingObserver) OnTaskReported(ctx context.Context, task *WorkflowTask, result TaskResult, d time.Duration) {
	level := slog.LevelDebug
	if result.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "task_reported",
		slog.String("task_id", task.ID),
		slog.String("instance_id", task.InstanceID),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("retry_count", task.RetryCount),
		slog.Duration("duration", d),
		slog.String("error", result.Error),
	)
}

func (o *LoggingObserver) OnTaskDeadLettered(ctx context.Context, task *WorkflowTask) {
	o.Logger.ErrorContext(ctx, "task_dead_lettered",
		slog.String("task_id", task.ID),
		slog.String("instance_id", task.InstanceID),
		slog.String("reason", task.DeadLetterReason),
		slog.Bool("critical", true),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	instancesCancelled atomic.Int64
	tasksClaimed       atomic.Int64
	tasksSucceeded     atomic.Int64
	tasksRetried       atomic.Int64
	tasksDeadLettered  atomic.Int64
	totalTaskDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	InstancesCancelled int64
	ActiveInstances    int64

	TasksClaimed      int64
	TasksSucceeded    int64
	TasksRetried      int64
	TasksDeadLettered int64
	AvgTaskDuration   time.Duration
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {
	switch inst.Status {
	case StatusCompleted:
		m.instancesCompleted.Add(1)
	case StatusCancelled:
		m.instancesCancelled.Add(1)
	default:
		m.instancesFailed.Add(1)
	}
}

func (m *BasicMetrics) OnTaskClaimed(ctx context.Context, task *WorkflowTask) {
	m.tasksClaimed.Add(1)
}

func (m *BasicMetrics) OnTaskReported(ctx context.Context, task *WorkflowTask, result TaskResult, d time.Duration) {
	switch result.Outcome {
	case OutcomeSuccess:
		// Only successful deliveries count toward the average duration.
		m.tasksSucceeded.Add(1)
		m.totalTaskDuration.Add(d.Nanoseconds())
	case OutcomeRetry:
		m.tasksRetried.Add(1)
	}
}

func (m *BasicMetrics) OnTaskDeadLettered(ctx context.Context, task *WorkflowTask) {
	m.tasksDeadLettered.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	cancelled := m.instancesCancelled.Load()
	succeeded := m.tasksSucceeded.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:   started,
		InstancesCompleted: completed,
		InstancesFailed:    failed,
		InstancesCancelled: cancelled,
		ActiveInstances:    started - completed - failed - cancelled,
		TasksClaimed:       m.tasksClaimed.Load(),
		TasksSucceeded:     succeeded,
		TasksRetried:       m.tasksRetried.Load(),
		TasksDeadLettered:  m.tasksDeadLettered.Load(),
		AvgTaskDuration:    avg,
	}
}
