package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/nodeflow/internal/engine"
	"github.com/petrijr/nodeflow/pkg/api"
)

// Default queues polled by a worker when Config.Queues is empty. Human tasks
// are claimed through a HumanInbox instead.
var DefaultQueues = []string{engine.QueueDefault, engine.QueueTimers, engine.QueueLLM}

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultWorkerID     = "worker"
)

// Registry maps task sub types to executors. A task whose sub type has no
// executor falls back to the executor registered for its task type.
type Registry struct {
	mu     sync.RWMutex
	bySub  map[string]api.ActionExecutor
	byType map[api.TaskType]api.ActionExecutor
}

// NewRegistry returns a registry that already completes Wait tasks.
func NewRegistry() *Registry {
	r := &Registry{
		bySub:  make(map[string]api.ActionExecutor),
		byType: make(map[api.TaskType]api.ActionExecutor),
	}
	r.RegisterType(api.TaskWait, WaitExecutor())
	return r
}

// Register binds exec to a sub type, replacing any previous binding.
func (r *Registry) Register(subType string, exec api.ActionExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySub[subType] = exec
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(subType string, fn func(ctx context.Context, req api.ActionRequest) (api.StateData, error)) {
	r.Register(subType, api.ExecutorFunc(fn))
}

// RegisterType binds exec to every task of taskType without a sub type
// executor.
func (r *Registry) RegisterType(taskType api.TaskType, exec api.ActionExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[taskType] = exec
}

// Lookup returns the executor for task.
func (r *Registry) Lookup(task *api.WorkflowTask) (api.ActionExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.bySub[task.SubType]; ok && task.SubType != "" {
		return exec, true
	}
	exec, ok := r.byType[task.Type]
	return exec, ok
}

// Config tunes a Worker.
type Config struct {
	// WorkerID identifies the worker in task leases.
	WorkerID string
	// Queues are polled in order on every pass.
	Queues []string
	// PollInterval is how long Run sleeps after a pass found nothing.
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = DefaultWorkerID
	}
	if len(c.Queues) == 0 {
		c.Queues = slices.Clone(DefaultQueues)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker claims tasks from the engine, runs their executors and reports the
// outcome.
type Worker struct {
	engine   api.Engine
	registry *Registry
	cfg      Config
}

// New creates a Worker with default configuration.
func New(engine api.Engine, registry *Registry) *Worker {
	return NewWithConfig(engine, registry, Config{})
}

// NewWithConfig creates a Worker with explicit configuration.
func NewWithConfig(engine api.Engine, registry *Registry, cfg Config) *Worker {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Worker{
		engine:   engine,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// ID returns the worker ID used for leases.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// ProcessOne claims and executes at most one task from the configured queues.
// Returns (processed, error):
//   - processed == false, err == nil: no queue had a claimable task
//   - processed == true: a task was executed and its result reported
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	for _, queue := range w.cfg.Queues {
		task, err := w.engine.ClaimNextTask(ctx, queue, w.cfg.WorkerID)
		if err != nil {
			return false, fmt.Errorf("claim from %s: %w", queue, err)
		}
		if task == nil {
			continue
		}
		return true, w.execute(ctx, task)
	}
	return false, nil
}

func (w *Worker) execute(ctx context.Context, task *api.WorkflowTask) error {
	log := w.cfg.Logger.With(
		slog.String("worker_id", w.cfg.WorkerID),
		slog.String("task_id", task.ID),
		slog.String("sub_type", task.SubType))

	var (
		result api.TaskResult
		output api.StateData
	)
	exec, ok := w.registry.Lookup(task)
	if !ok {
		result = api.DeadLettered(fmt.Errorf("no executor for %s task %q", task.Type, task.SubType))
	} else {
		var err error
		output, err = run(ctx, exec, task)
		if err != nil && ctx.Err() != nil {
			// Shutting down: leave the lease to expire so another worker
			// picks the task up.
			return ctx.Err()
		}
		result = resultOf(err)
	}

	if result.Outcome != api.OutcomeSuccess {
		log.Warn("task did not succeed",
			slog.String("outcome", string(result.Outcome)),
			slog.String("error", result.Error))
	}

	err := w.engine.ReportTaskResult(ctx, task.ID, w.cfg.WorkerID, result, output)
	if errors.Is(err, api.ErrLeaseConflict) {
		log.Info("task result dropped, lease lost", slog.Any("error", err))
		return nil
	}
	return err
}

// run calls the executor and turns a panic into a retryable error.
func run(ctx context.Context, exec api.ActionExecutor, task *api.WorkflowTask) (out api.StateData, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: executor panic: %v", api.ErrTaskExecution, p)
		}
	}()
	return exec.Execute(ctx, api.ActionRequest{Task: task, Input: task.InputData})
}

// resultOf maps an executor error onto the task result reported to the
// engine.
func resultOf(err error) api.TaskResult {
	switch {
	case err == nil:
		return api.Succeeded()
	case errors.Is(err, api.ErrDiscard):
		return api.Discarded()
	case api.IsPermanent(err):
		return api.DeadLettered(err)
	default:
		return api.Failed(err)
	}
}

// Run processes tasks until ctx is done, sleeping PollInterval whenever a
// pass finds nothing. Processing errors are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.cfg.Logger.Error("worker pass failed",
				slog.String("worker_id", w.cfg.WorkerID),
				slog.Any("error", err))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}
