package nodeflow

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/nodeflow/internal/engine"
	"github.com/petrijr/nodeflow/pkg/worker"
)

// WorkerBundle wires together a durable Engine, a worker pool consuming its
// queues and the scheduler that sweeps timers, retries and leases.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Engine    Engine
	Registry  *Registry
	Pool      *worker.Pool
	Scheduler *engine.Scheduler
}

// NewSQLiteBundle constructs a durable Engine, worker pool and scheduler
// sharing the same SQLite database. Definitions, instances, history and
// queued tasks are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:nodeflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := nodeflow.NewSQLiteBundle(db, worker.Config{}, 4)
//	bundle.Registry.RegisterFunc("send_email", sendEmail)
//	// deploy workflows on bundle.Engine
//	go bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg worker.Config, concurrency int) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	return NewBundle(eng, cfg, concurrency, 0), nil
}

// NewBundle runs concurrency workers and a scheduler sweeping every sweep
// against eng. A non-positive sweep uses the scheduler default.
func NewBundle(eng Engine, cfg worker.Config, concurrency int, sweep time.Duration) *WorkerBundle {
	reg := NewRegistry(cfg.Logger)
	return &WorkerBundle{
		Engine:    eng,
		Registry:  reg,
		Pool:      worker.NewPool(eng, reg, cfg, concurrency),
		Scheduler: engine.NewScheduler(eng, sweep, cfg.Logger),
	}
}

// Run runs the pool and the scheduler until ctx is done.
func (b *WorkerBundle) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Pool.Run(ctx) })
	g.Go(func() error { return b.Scheduler.Run(ctx) })
	return g.Wait()
}
