package nodeflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/nodeflow/internal/engine"
	"github.com/petrijr/nodeflow/pkg/worker"
)

// ErrRunnerStarted is returned by LocalRunner.Start when it is already running.
var ErrRunnerStarted = errors.New("nodeflow: LocalRunner already started")

// LocalRunner bundles an in-memory Engine, an executor Registry, a sweep
// scheduler and a worker pool to provide a simple "local runner" for
// development and debugging.
//
// Typical usage:
//
//	runner := nodeflow.NewLocalRunner()
//	runner.Registry.RegisterFunc("send_email", sendEmail)
//	nodeflow.NewWorkflow("welcome", "Lead").
//	    Trigger("start").Action("mail", "send_email").End("done").
//	    Connect("start", "mail").Connect("mail", "done").
//	    MustDeploy(ctx, runner.Engine)
//
//	_ = runner.Start(ctx, 2)
//	id, _ := nodeflow.Start(ctx, runner.Engine, "welcome", "Lead", "lead-1", input)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Registry holds the executors the workers run.
	Registry *Registry

	// SweepInterval is how often timers, retries and leases are swept.
	SweepInterval time.Duration

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration

	Logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and a
// registry with the built-in executors.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithEngine(NewInMemoryEngine())
}

// NewLocalRunnerWithEngine runs workers and the scheduler against eng.
func NewLocalRunnerWithEngine(eng Engine) *LocalRunner {
	return &LocalRunner{
		Engine:        eng,
		Registry:      NewRegistry(nil),
		SweepInterval: time.Second,
		PollInterval:  50 * time.Millisecond,
		Logger:        slog.Default(),
	}
}

// Start runs concurrency workers on the default, timers and LLM queues and
// one sweep scheduler until Stop is called or ctx is done.
//
// If Start is called more than once without Stop, it returns ErrRunnerStarted.
func (r *LocalRunner) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrRunnerStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := worker.NewPool(r.Engine, r.Registry, worker.Config{
		WorkerID:     "local",
		PollInterval: r.PollInterval,
		Logger:       r.Logger,
	}, concurrency)
	scheduler := engine.NewScheduler(r.Engine, r.SweepInterval, r.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			r.Logger.Error("local runner stopped", slog.Any("error", err))
		}
	}()

	r.cancel = cancel
	r.done = done
	return nil
}

// Stop cancels the workers and the scheduler started by Start and waits for
// them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunUntilFinished starts an instance and waits until it reaches a terminal
// status or ctx is done. The runner must be started.
func (r *LocalRunner) RunUntilFinished(ctx context.Context, key, entityType, entityID string, input StateData) (*WorkflowInstance, error) {
	id, err := r.Engine.StartInstance(ctx, key, entityType, entityID, input)
	if err != nil {
		return nil, err
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = worker.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		inst, err := r.Engine.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}
