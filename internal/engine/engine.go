package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/nodeflow/internal/condition"
	"github.com/petrijr/nodeflow/internal/definition"
	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/internal/taskqueue"
	"github.com/petrijr/nodeflow/pkg/api"
)

const (
	DefaultLeaseDuration = 5 * time.Minute
	DefaultMaxBackoff    = time.Hour
)

// Default queue names per task type, used when a node names no queue.
const (
	QueueDefault = "default"
	QueueHuman   = "human"
	QueueTimers  = "timers"
	QueueLLM     = "llm"
)

// engineImpl drives workflow instances over pluggable stores and a task queue.
//
// Mutations of one instance are serialized by a per-instance lock and guarded
// by the stores' revision checks. Work that touches other instances (starting
// a child, notifying a parent, cascading a cancellation) is deferred until
// the lock is released.
type engineImpl struct {
	defs      *definition.Registry
	instances persistence.InstanceStore
	logs      persistence.LogStore
	queue     taskqueue.Queue

	observer api.Observer
	logger   *slog.Logger
	clock    api.Clock

	expressions api.ConditionEvaluator
	fields      api.ConditionEvaluator

	lease      time.Duration
	maxBackoff time.Duration

	locks *keyedMutex
}

// Config describes how to construct an engine. Zero fields take defaults:
// in-memory stores and queue, no-op observer, slog.Default, the system
// clock, the Lua and gjson evaluators, DefaultLeaseDuration and
// DefaultMaxBackoff.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
	Logger      *slog.Logger
	Clock       api.Clock

	ExpressionEvaluator api.ConditionEvaluator
	FieldEvaluator      api.ConditionEvaluator

	LeaseDuration time.Duration
	MaxBackoff    time.Duration
}

// NewInMemoryEngine returns an engine whose state lives in process memory.
func NewInMemoryEngine() api.Engine {
	return NewEngineWithConfig(Config{})
}

// NewEngine returns an engine over p with an in-memory task queue.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewSQLiteEngine keeps definitions, instances, logs and tasks in db.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return newSQLEngine(db, persistence.SQLite)
}

// NewPostgresEngine keeps definitions, instances, logs and tasks in db.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	return newSQLEngine(db, persistence.Postgres)
}

func newSQLEngine(db *sql.DB, dialect persistence.Dialect) (api.Engine, error) {
	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLQueue(db, dialect)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: store,
			Instances:   store,
			Logs:        store,
		},
		Queue: queue,
	}), nil
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	p := cfg.Persistence
	if p.Definitions == nil && p.Instances == nil && p.Logs == nil {
		p = persistence.NewInMemoryPersistence()
	}
	if p.Definitions == nil || p.Instances == nil {
		mem := persistence.NewInMemoryStore()
		if p.Definitions == nil {
			p.Definitions = mem
		}
		if p.Instances == nil {
			p.Instances = mem
		}
	}
	if p.Logs == nil {
		p.Logs = persistence.NoopLogStore{}
	}
	queue := cfg.Queue
	if queue == nil {
		queue = taskqueue.NewInMemoryQueue()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = api.SystemClock{}
	}
	expressions := cfg.ExpressionEvaluator
	if expressions == nil {
		expressions = condition.NewLuaEvaluator()
	}
	fields := cfg.FieldEvaluator
	if fields == nil {
		fields = condition.NewFieldMatcher()
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	return &engineImpl{
		defs:        definition.NewRegistry(p.Definitions, clock),
		instances:   p.Instances,
		logs:        p.Logs,
		queue:       queue,
		observer:    obs,
		logger:      logger,
		clock:       clock,
		expressions: expressions,
		fields:      fields,
		lease:       lease,
		maxBackoff:  maxBackoff,
		locks:       newKeyedMutex(),
	}
}

//
// Definitions
//

func (e *engineImpl) RegisterDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	return e.defs.Register(ctx, &def)
}

func (e *engineImpl) PublishVersion(ctx context.Context, version api.WorkflowVersion) error {
	_, err := e.defs.Publish(ctx, &version)
	if err != nil {
		return err
	}
	e.logger.Info("version_published",
		slog.String("definition_key", version.DefinitionKey),
		slog.Int("version", version.VersionNumber))
	return nil
}

func (e *engineImpl) GetDefinition(ctx context.Context, key string) (*api.WorkflowDefinition, error) {
	return e.defs.Get(ctx, key)
}

func (e *engineImpl) SetDefinitionStatus(ctx context.Context, key string, status api.DefinitionStatus) error {
	return e.defs.SetStatus(ctx, key, status)
}

//
// Queries
//

func (e *engineImpl) GetInstance(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	return inst, nil
}

func (e *engineImpl) GetInstanceState(ctx context.Context, instanceID string) (*api.InstanceState, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	active, err := e.instances.ListNodeInstances(ctx, api.NodeInstanceFilter{
		InstanceID: instanceID,
		Statuses:   activeNodeStatuses,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(active))
	for _, ni := range active {
		if !slices.Contains(ids, ni.NodeID) {
			ids = append(ids, ni.NodeID)
		}
	}
	return &api.InstanceState{
		InstanceID:    inst.ID,
		DefinitionKey: inst.DefinitionKey,
		VersionNumber: inst.VersionNumber,
		Status:        inst.Status,
		CurrentNodeID: inst.CurrentNodeID,
		ActiveNodeIDs: ids,
		StateData:     inst.StateData,
		FailureReason: inst.FailureReason,
		ErrorMessage:  inst.ErrorMessage,
		StartedAt:     inst.StartedAt,
		CompletedAt:   inst.CompletedAt,
	}, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(ctx, filter)
}

func (e *engineImpl) ListNodeInstances(ctx context.Context, instanceID string) ([]*api.WorkflowNodeInstance, error) {
	return e.instances.ListNodeInstances(ctx, api.NodeInstanceFilter{InstanceID: instanceID})
}

func (e *engineImpl) ListTasks(ctx context.Context, filter api.TaskFilter) ([]*api.WorkflowTask, error) {
	return e.queue.List(ctx, filter)
}

func (e *engineImpl) ListLogs(ctx context.Context, instanceID string) ([]*api.WorkflowLog, error) {
	return e.logs.ListLogs(ctx, instanceID)
}

var (
	activeNodeStatuses = []api.NodeInstanceStatus{
		api.NodePending, api.NodeRunning, api.NodeWaiting, api.NodeRetrying,
	}
	openTaskStatuses = []api.TaskStatus{
		api.TaskPending, api.TaskLocked, api.TaskRunning, api.TaskRetrying,
	}
	openInstanceStatuses = []api.InstanceStatus{
		api.StatusPending, api.StatusRunning, api.StatusWaiting, api.StatusPaused, api.StatusSuspended,
	}
)

var _ api.Engine = (*engineImpl)(nil)

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
