package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/nodeflow/pkg/api"
)

// DefaultSweepInterval is how often a Scheduler sweeps when none is set.
const DefaultSweepInterval = 5 * time.Second

// Scheduler calls Engine.Sweep on a fixed interval.
type Scheduler struct {
	engine   api.Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler returns a scheduler for engine. A non-positive interval uses
// DefaultSweepInterval and a nil logger uses slog.Default.
func NewScheduler(engine api.Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: engine, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.engine.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
