package nodeflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/nodeflow/internal/engine"
	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/internal/taskqueue"
	"github.com/petrijr/nodeflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowVersion      = api.WorkflowVersion
	WorkflowNode         = api.WorkflowNode
	WorkflowTransition   = api.WorkflowTransition
	WorkflowInstance     = api.WorkflowInstance
	WorkflowNodeInstance = api.WorkflowNodeInstance
	WorkflowTask         = api.WorkflowTask
	WorkflowLog          = api.WorkflowLog
	InstanceState        = api.InstanceState
	InstanceFilter       = api.InstanceFilter
	TaskFilter           = api.TaskFilter
	TriggerEvent         = api.TriggerEvent
	StateData            = api.StateData
	InstanceStatus       = api.InstanceStatus
	ActionExecutor       = api.ActionExecutor
	ActionRequest        = api.ActionRequest
	ExecutorFunc         = api.ExecutorFunc
	StartOption          = api.StartOption
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithInstanceTimeout  = api.WithInstanceTimeout
	Permanent            = api.Permanent
	ErrDiscard           = api.ErrDiscard
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusPaused    = api.StatusPaused
	StatusSuspended = api.StatusSuspended
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
	StatusTimedOut  = api.StatusTimedOut
)

// Queue names the engine dispatches to.
const (
	QueueDefault = engine.QueueDefault
	QueueHuman   = engine.QueueHuman
	QueueTimers  = engine.QueueTimers
	QueueLLM     = engine.QueueLLM
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewEngineWithConfig(engine.Config{Observer: obs})
}

// NewSQLiteEngine returns an Engine that keeps definitions, instances,
// history and tasks in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return newSQLEngine(db, persistence.SQLite, obs)
}

// NewPostgresEngine returns an Engine that keeps everything in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return newSQLEngine(db, persistence.Postgres, obs)
}

// NewSQLEngineWithRedisQueue keeps definitions, instances and history in db
// and the task queue in Redis under prefix.
func NewSQLEngineWithRedisQueue(db *sql.DB, postgres bool, client *redis.Client, prefix string) (Engine, error) {
	dialect := persistence.SQLite
	if postgres {
		dialect = persistence.Postgres
	}
	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Definitions: store, Instances: store, Logs: store},
		Queue:       taskqueue.NewRedisQueue(client, prefix),
	}), nil
}

func newSQLEngine(db *sql.DB, dialect persistence.Dialect, obs Observer) (Engine, error) {
	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLQueue(db, dialect)
	if err != nil {
		return nil, err
	}
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Definitions: store, Instances: store, Logs: store},
		Queue:       queue,
		Observer:    obs,
	}), nil
}

// Convenience helpers that just forward to the underlying Engine.

// Deploy registers def, unless it already exists, and publishes version as
// its new current version.
func Deploy(ctx context.Context, eng Engine, def WorkflowDefinition, version WorkflowVersion) error {
	if _, err := eng.GetDefinition(ctx, def.Key); err != nil {
		if err := eng.RegisterDefinition(ctx, def); err != nil {
			return err
		}
	}
	version.DefinitionKey = def.Key
	return eng.PublishVersion(ctx, version)
}

// Start starts an instance of the definition's active version.
func Start(ctx context.Context, eng Engine, key, entityType, entityID string, input StateData, opts ...StartOption) (string, error) {
	return eng.StartInstance(ctx, key, entityType, entityID, input, opts...)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// GetState returns the externally visible summary of an instance.
func GetState(ctx context.Context, eng Engine, id string) (*InstanceState, error) {
	return eng.GetInstanceState(ctx, id)
}

// ListInstances lists workflow instances matching filter.
func ListInstances(ctx context.Context, eng Engine, filter InstanceFilter) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, filter)
}

// Cancel cancels an instance together with its open work and children.
func Cancel(ctx context.Context, eng Engine, id, reason string) error {
	return eng.CancelInstance(ctx, id, reason)
}
