package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/nodeflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// DefinitionStore, InstanceStore and LogStore backed by maps.
// Records are copied on the way in and out.
type InMemoryStore struct {
	mu            sync.RWMutex
	definitions   map[string]*api.WorkflowDefinition
	versions      map[string]map[int]*api.WorkflowVersion
	instances     map[string]*api.WorkflowInstance
	nodeInstances map[string]*api.WorkflowNodeInstance
	logs          map[string][]*api.WorkflowLog
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions:   make(map[string]*api.WorkflowDefinition),
		versions:      make(map[string]map[int]*api.WorkflowVersion),
		instances:     make(map[string]*api.WorkflowInstance),
		nodeInstances: make(map[string]*api.WorkflowNodeInstance),
		logs:          make(map[string][]*api.WorkflowLog),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ DefinitionStore = (*InMemoryStore)(nil)
	_ InstanceStore   = (*InMemoryStore)(nil)
	_ LogStore        = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) CreateDefinition(ctx context.Context, def *api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[def.Key]; ok {
		return ErrAlreadyExists
	}
	cp := *def
	s.definitions[def.Key] = &cp
	return nil
}

func (s *InMemoryStore) UpdateDefinition(ctx context.Context, def *api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[def.Key]; !ok {
		return ErrDefinitionNotFound
	}
	cp := *def
	s.definitions[def.Key] = &cp
	return nil
}

func (s *InMemoryStore) GetDefinition(ctx context.Context, key string) (*api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[key]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	cp := *def
	return &cp, nil
}

func (s *InMemoryStore) ListDefinitions(ctx context.Context) ([]*api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) SaveVersion(ctx context.Context, v *api.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNumber := s.versions[v.DefinitionKey]
	if byNumber == nil {
		byNumber = make(map[int]*api.WorkflowVersion)
		s.versions[v.DefinitionKey] = byNumber
	}
	byNumber[v.VersionNumber] = cloneVersion(v)
	return nil
}

func (s *InMemoryStore) GetVersion(ctx context.Context, definitionKey string, number int) (*api.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[definitionKey][number]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return cloneVersion(v), nil
}

func (s *InMemoryStore) ListVersions(ctx context.Context, definitionKey string) ([]*api.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.WorkflowVersion, 0, len(s.versions[definitionKey]))
	for _, v := range s.versions[definitionKey] {
		out = append(out, cloneVersion(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrAlreadyExists
	}
	inst.Revision = 1
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if cur.Revision != inst.Revision {
		return ErrConcurrentUpdate
	}
	inst.Revision++
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowInstance
	for _, inst := range s.instances {
		if MatchInstance(inst, filter) {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) CreateNodeInstance(ctx context.Context, n *api.WorkflowNodeInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodeInstances[n.ID]; ok {
		return ErrAlreadyExists
	}
	n.Revision = 1
	s.nodeInstances[n.ID] = cloneNodeInstance(n)
	return nil
}

func (s *InMemoryStore) UpdateNodeInstance(ctx context.Context, n *api.WorkflowNodeInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.nodeInstances[n.ID]
	if !ok {
		return ErrNodeInstanceNotFound
	}
	if cur.Revision != n.Revision {
		return ErrConcurrentUpdate
	}
	n.Revision++
	s.nodeInstances[n.ID] = cloneNodeInstance(n)
	return nil
}

func (s *InMemoryStore) GetNodeInstance(ctx context.Context, id string) (*api.WorkflowNodeInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodeInstances[id]
	if !ok {
		return nil, ErrNodeInstanceNotFound
	}
	return cloneNodeInstance(n), nil
}

func (s *InMemoryStore) ListNodeInstances(ctx context.Context, filter api.NodeInstanceFilter) ([]*api.WorkflowNodeInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowNodeInstance
	for _, n := range s.nodeInstances {
		if MatchNodeInstance(n, filter) {
			out = append(out, cloneNodeInstance(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].ExecutionSequence < out[j].ExecutionSequence
	})
	return out, nil
}

func (s *InMemoryStore) Commit(ctx context.Context, inst *api.WorkflowInstance, nodes []NodeWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if cur.Revision != inst.Revision {
		return ErrConcurrentUpdate
	}
	for _, w := range nodes {
		existing, ok := s.nodeInstances[w.Node.ID]
		switch {
		case w.Create && ok:
			return ErrAlreadyExists
		case !w.Create && !ok:
			return ErrNodeInstanceNotFound
		case !w.Create && existing.Revision != w.Node.Revision:
			return ErrConcurrentUpdate
		}
	}

	bumpRevisions(inst, nodes)
	for _, w := range nodes {
		s.nodeInstances[w.Node.ID] = cloneNodeInstance(w.Node)
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InMemoryStore) AppendLog(ctx context.Context, entry *api.WorkflowLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.logs[entry.InstanceID] = append(s.logs[entry.InstanceID], &cp)
	return nil
}

func (s *InMemoryStore) ListLogs(ctx context.Context, instanceID string) ([]*api.WorkflowLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[instanceID]
	out := make([]*api.WorkflowLog, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
