package taskqueue

import (
	"context"
	"slices"
	"sync"

	"github.com/petrijr/nodeflow/pkg/api"
)

// InMemoryQueue is a Queue held in process memory. It is safe for concurrent
// use and copies tasks on the way in and out.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]*api.WorkflowTask
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{tasks: make(map[string]*api.WorkflowTask)}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, task *api.WorkflowTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[task.ID]; ok {
		return ErrTaskExists
	}
	task.Revision = 1
	q.tasks[task.ID] = cloneTask(task)
	return nil
}

func (q *InMemoryQueue) Get(ctx context.Context, id string) (*api.WorkflowTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (q *InMemoryQueue) Update(ctx context.Context, task *api.WorkflowTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if cur.Revision != task.Revision {
		return ErrConcurrentUpdate
	}
	task.Revision++
	q.tasks[task.ID] = cloneTask(task)
	return nil
}

func (q *InMemoryQueue) Claim(ctx context.Context, req ClaimRequest) (*api.WorkflowTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *api.WorkflowTask
	if req.TaskID != "" {
		t, ok := q.tasks[req.TaskID]
		if !ok {
			return nil, ErrTaskNotFound
		}
		if Claimable(t, req.Now) {
			best = t
		}
	} else {
		for _, t := range q.tasks {
			if t.QueueName != req.QueueName || !Claimable(t, req.Now) {
				continue
			}
			if best == nil || claimOrder(t, best) < 0 {
				best = t
			}
		}
	}
	if best == nil {
		return nil, ErrNoTask
	}

	ApplyClaim(best, req)
	best.Revision++
	return cloneTask(best), nil
}

func (q *InMemoryQueue) List(ctx context.Context, filter api.TaskFilter) ([]*api.WorkflowTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*api.WorkflowTask
	for _, t := range q.tasks {
		if Match(t, filter) {
			out = append(out, cloneTask(t))
		}
	}
	slices.SortFunc(out, func(a, b *api.WorkflowTask) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return claimOrder(a, b)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len returns the number of stored tasks in any status.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
