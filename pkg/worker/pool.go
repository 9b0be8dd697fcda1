package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/nodeflow/pkg/api"
)

// Pool runs several workers sharing one registry and configuration. Worker
// IDs are derived from Config.WorkerID.
type Pool struct {
	workers []*Worker
}

// NewPool creates size workers. A size below one creates a single worker.
func NewPool(engine api.Engine, registry *Registry, cfg Config, size int) *Pool {
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	size = max(size, 1)

	p := &Pool{workers: make([]*Worker, 0, size)}
	for i := range size {
		wcfg := cfg
		wcfg.WorkerID = fmt.Sprintf("%s-%d", cfg.WorkerID, i+1)
		p.workers = append(p.workers, NewWithConfig(engine, registry, wcfg))
	}
	return p
}

// Workers returns the pool members.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run runs every worker until ctx is done and waits for all of them to stop.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
