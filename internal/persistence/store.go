package persistence

import (
	"context"
	"errors"
	"slices"

	"github.com/petrijr/nodeflow/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a workflow definition is not found.
	ErrDefinitionNotFound = api.ErrDefinitionNotFound

	// ErrVersionNotFound is returned when a workflow version is not found.
	ErrVersionNotFound = errors.New("workflow version not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrNodeInstanceNotFound is returned when a node instance is not found.
	ErrNodeInstanceNotFound = errors.New("node instance not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConcurrentUpdate is returned when an update carries a stale Revision.
	ErrConcurrentUpdate = api.ErrConcurrentUpdate
)

// DefinitionStore handles storage of workflow definitions and their versions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *api.WorkflowDefinition) error
	UpdateDefinition(ctx context.Context, def *api.WorkflowDefinition) error
	GetDefinition(ctx context.Context, key string) (*api.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*api.WorkflowDefinition, error)

	// SaveVersion inserts or replaces a version, keyed by definition key and
	// version number.
	SaveVersion(ctx context.Context, v *api.WorkflowVersion) error
	GetVersion(ctx context.Context, definitionKey string, number int) (*api.WorkflowVersion, error)
	// ListVersions returns versions in ascending version order.
	ListVersions(ctx context.Context, definitionKey string) ([]*api.WorkflowVersion, error)
}

// InstanceStore handles storage of workflow instances and node instances.
//
// Updates are compare-and-swap on Revision: the update only applies when the
// stored revision equals the caller's, and the caller's Revision is then
// incremented. A mismatch returns ErrConcurrentUpdate.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error)

	CreateNodeInstance(ctx context.Context, n *api.WorkflowNodeInstance) error
	UpdateNodeInstance(ctx context.Context, n *api.WorkflowNodeInstance) error
	GetNodeInstance(ctx context.Context, id string) (*api.WorkflowNodeInstance, error)
	// ListNodeInstances returns matches ordered by ExecutionSequence.
	ListNodeInstances(ctx context.Context, filter api.NodeInstanceFilter) ([]*api.WorkflowNodeInstance, error)

	// Commit applies the node instance writes and the instance update as one
	// unit. Every update is compare-and-swap on Revision; when any write fails
	// nothing is applied and no caller Revision changes.
	Commit(ctx context.Context, inst *api.WorkflowInstance, nodes []NodeWrite) error
}

// NodeWrite is one node instance write of a Commit.
type NodeWrite struct {
	Node   *api.WorkflowNodeInstance
	Create bool
}

func bumpRevisions(inst *api.WorkflowInstance, nodes []NodeWrite) {
	for _, w := range nodes {
		if w.Create {
			w.Node.Revision = 1
		} else {
			w.Node.Revision++
		}
	}
	inst.Revision++
}

// LogStore is an append-only history of WorkflowLog records.
type LogStore interface {
	AppendLog(ctx context.Context, entry *api.WorkflowLog) error
	// ListLogs returns the entries of an instance in append order.
	ListLogs(ctx context.Context, instanceID string) ([]*api.WorkflowLog, error)
}

// NoopLogStore discards all log entries.
type NoopLogStore struct{}

func (NoopLogStore) AppendLog(ctx context.Context, entry *api.WorkflowLog) error { return nil }
func (NoopLogStore) ListLogs(ctx context.Context, instanceID string) ([]*api.WorkflowLog, error) {
	return nil, nil
}

// MatchInstance reports whether inst satisfies filter. Stores that cannot
// push a filter down to their backend use it to post-filter.
func MatchInstance(inst *api.WorkflowInstance, filter api.InstanceFilter) bool {
	if filter.DefinitionKey != "" && inst.DefinitionKey != filter.DefinitionKey {
		return false
	}
	if filter.EntityType != "" && inst.EntityType != filter.EntityType {
		return false
	}
	if filter.EntityID != "" && inst.EntityID != filter.EntityID {
		return false
	}
	if filter.ParentInstanceID != "" && inst.ParentInstanceID != filter.ParentInstanceID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, inst.Status) {
		return false
	}
	if !filter.TimeoutBefore.IsZero() && (inst.TimeoutAt.IsZero() || !inst.TimeoutAt.Before(filter.TimeoutBefore)) {
		return false
	}
	return true
}

// MatchNodeInstance reports whether n satisfies filter.
func MatchNodeInstance(n *api.WorkflowNodeInstance, filter api.NodeInstanceFilter) bool {
	if filter.InstanceID != "" && n.InstanceID != filter.InstanceID {
		return false
	}
	if filter.NodeID != "" && n.NodeID != filter.NodeID {
		return false
	}
	if filter.ForkGeneration != nil && n.ForkGeneration != *filter.ForkGeneration {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, n.Status) {
		return false
	}
	if !filter.TimeoutBefore.IsZero() && (n.TimeoutAt.IsZero() || !n.TimeoutAt.Before(filter.TimeoutBefore)) {
		return false
	}
	return true
}

func cloneInstance(inst *api.WorkflowInstance) *api.WorkflowInstance {
	cp := *inst
	cp.StateData = inst.StateData.Clone()
	cp.InputData = inst.InputData.Clone()
	return &cp
}

func cloneNodeInstance(n *api.WorkflowNodeInstance) *api.WorkflowNodeInstance {
	cp := *n
	cp.IncomingCompletions = slices.Clone(n.IncomingCompletions)
	cp.SkippedBranches = slices.Clone(n.SkippedBranches)
	cp.InputData = n.InputData.Clone()
	cp.OutputData = n.OutputData.Clone()
	return &cp
}

func cloneVersion(v *api.WorkflowVersion) *api.WorkflowVersion {
	cp := *v
	cp.Nodes = slices.Clone(v.Nodes)
	cp.Transitions = slices.Clone(v.Transitions)
	return &cp
}
