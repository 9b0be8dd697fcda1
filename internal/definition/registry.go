// Package definition registers workflow definitions, publishes their versions
// and resolves the compiled graph new instances run on.
package definition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/nodeflow/internal/graph"
	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/pkg/api"
)

// ErrKeyRequired is returned when registering a definition without a key.
var ErrKeyRequired = errors.New("definition key is required")

type graphKey struct {
	key     string
	version int
}

// Resolved pairs a definition with the compiled graph of a version.
type Resolved struct {
	Definition *api.WorkflowDefinition
	Version    int
	Graph      *graph.Graph
}

// Registry is the definition store used by the engine. Published versions are
// immutable, so compiled graphs are cached per (key, version).
type Registry struct {
	store persistence.DefinitionStore
	clock api.Clock

	mu     sync.RWMutex
	graphs map[graphKey]*graph.Graph
}

// NewRegistry wraps store. A nil clock uses the system clock.
func NewRegistry(store persistence.DefinitionStore, clock api.Clock) *Registry {
	if clock == nil {
		clock = api.SystemClock{}
	}
	return &Registry{
		store:  store,
		clock:  clock,
		graphs: make(map[graphKey]*graph.Graph),
	}
}

// Register creates def in Draft status. Key is required; ID is generated
// when empty.
func (r *Registry) Register(ctx context.Context, def *api.WorkflowDefinition) error {
	if def.Key == "" {
		return ErrKeyRequired
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Status == "" {
		def.Status = api.DefinitionDraft
	}
	now := r.clock.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.CurrentVersion = 0

	err := r.store.CreateDefinition(ctx, def)
	if errors.Is(err, persistence.ErrAlreadyExists) {
		return fmt.Errorf("%w: %s", api.ErrDefinitionExists, def.Key)
	}
	return err
}

// Get returns the stored definition.
func (r *Registry) Get(ctx context.Context, key string) (*api.WorkflowDefinition, error) {
	def, err := r.store.GetDefinition(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("definition %q: %w", key, err)
	}
	return def, nil
}

// List returns every stored definition.
func (r *Registry) List(ctx context.Context) ([]*api.WorkflowDefinition, error) {
	return r.store.ListDefinitions(ctx)
}

// Versions returns the versions of key in ascending order.
func (r *Registry) Versions(ctx context.Context, key string) ([]*api.WorkflowVersion, error) {
	return r.store.ListVersions(ctx, key)
}

// Publish validates v, stores it as the Active version of its definition and
// deprecates the previously active one. A zero VersionNumber takes the next
// free number. A Draft definition becomes Active.
func (r *Registry) Publish(ctx context.Context, v *api.WorkflowVersion) (*graph.Graph, error) {
	def, err := r.Get(ctx, v.DefinitionKey)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.ListVersions(ctx, v.DefinitionKey)
	if err != nil {
		return nil, err
	}
	if v.VersionNumber == 0 {
		v.VersionNumber = 1
		if n := len(existing); n > 0 {
			v.VersionNumber = existing[n-1].VersionNumber + 1
		}
	}
	for _, prev := range existing {
		if prev.VersionNumber == v.VersionNumber {
			return nil, fmt.Errorf("%w: %s v%d", api.ErrVersionExists, v.DefinitionKey, v.VersionNumber)
		}
	}

	g, err := graph.Compile(*v)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	for _, prev := range existing {
		if prev.Status != api.VersionActive {
			continue
		}
		prev.Status = api.VersionDeprecated
		if err := r.store.SaveVersion(ctx, prev); err != nil {
			return nil, fmt.Errorf("deprecate %s v%d: %w", prev.DefinitionKey, prev.VersionNumber, err)
		}
	}

	v.Status = api.VersionActive
	v.PublishedAt = now
	if err := r.store.SaveVersion(ctx, v); err != nil {
		return nil, err
	}

	def.CurrentVersion = v.VersionNumber
	if def.Status == api.DefinitionDraft {
		def.Status = api.DefinitionActive
	}
	def.UpdatedAt = now
	if err := r.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.graphs[graphKey{v.DefinitionKey, v.VersionNumber}] = g
	r.mu.Unlock()
	return g, nil
}

// SetStatus changes the lifecycle status of a definition. Activating requires
// a published version.
func (r *Registry) SetStatus(ctx context.Context, key string, status api.DefinitionStatus) error {
	def, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	switch status {
	case api.DefinitionActive:
		if def.CurrentVersion == 0 {
			return fmt.Errorf("%w: %s has no published version", api.ErrInvalidTransition, key)
		}
	case api.DefinitionDraft:
		if def.CurrentVersion != 0 {
			return fmt.Errorf("%w: %s is already published", api.ErrInvalidTransition, key)
		}
	case api.DefinitionPaused, api.DefinitionArchived, api.DefinitionDeprecated:
	default:
		return fmt.Errorf("%w: unknown definition status %q", api.ErrInvalidTransition, status)
	}
	def.Status = status
	def.UpdatedAt = r.clock.Now()
	return r.store.UpdateDefinition(ctx, def)
}

// Graph returns the compiled graph of a published version.
func (r *Registry) Graph(ctx context.Context, key string, version int) (*graph.Graph, error) {
	gk := graphKey{key, version}
	r.mu.RLock()
	g, ok := r.graphs[gk]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	v, err := r.store.GetVersion(ctx, key, version)
	if err != nil {
		return nil, fmt.Errorf("definition %q version %d: %w", key, version, err)
	}
	g, err = graph.Compile(*v)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.graphs[gk] = g
	r.mu.Unlock()
	return g, nil
}

// Resolve returns the active definition for key and the graph of its current
// version. Definitions that are not Active return ErrDefinitionNotActive.
func (r *Registry) Resolve(ctx context.Context, key string) (*Resolved, error) {
	def, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if def.Status != api.DefinitionActive || def.CurrentVersion == 0 {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrDefinitionNotActive, key, def.Status)
	}
	g, err := r.Graph(ctx, key, def.CurrentVersion)
	if err != nil {
		return nil, err
	}
	return &Resolved{Definition: def, Version: def.CurrentVersion, Graph: g}, nil
}

// ResolveTrigger returns every Active definition for entityType whose start
// node is a Trigger accepting triggerType. A start trigger without a
// TriggerType accepts any event.
func (r *Registry) ResolveTrigger(ctx context.Context, entityType, triggerType string) ([]*Resolved, error) {
	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Resolved
	for _, def := range defs {
		if def.Status != api.DefinitionActive || def.CurrentVersion == 0 {
			continue
		}
		if def.EntityType != "" && def.EntityType != entityType {
			continue
		}
		g, err := r.Graph(ctx, def.Key, def.CurrentVersion)
		if err != nil {
			return nil, err
		}
		start := g.Start()
		if start.Type != api.NodeTrigger {
			continue
		}
		if start.TriggerType != "" && start.TriggerType != triggerType {
			continue
		}
		out = append(out, &Resolved{Definition: def, Version: def.CurrentVersion, Graph: g})
	}
	return out, nil
}
