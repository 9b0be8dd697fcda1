// Package taskqueue stores workflow tasks and hands them to workers under a
// time-bounded lease.
package taskqueue

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/petrijr/nodeflow/pkg/api"
)

var (
	// ErrNoTask is returned by Claim when nothing is claimable.
	ErrNoTask = errors.New("no claimable task")

	ErrTaskNotFound     = api.ErrTaskNotFound
	ErrConcurrentUpdate = api.ErrConcurrentUpdate
	ErrTaskExists       = errors.New("task already exists")
)

// ClaimRequest describes one lease acquisition.
type ClaimRequest struct {
	// QueueName restricts the claim to one queue. Ignored when TaskID is set.
	QueueName string
	// TaskID claims a specific task instead of the next one in line.
	TaskID   string
	WorkerID string
	Now      time.Time
	Lease    time.Duration
}

// Queue is the task store shared by the engine and workers.
//
// Claim is the only operation that must be atomic across processes: two
// concurrent claims never return the same task while its lease is valid.
// Update uses optimistic concurrency on WorkflowTask.Revision.
type Queue interface {
	Enqueue(ctx context.Context, task *api.WorkflowTask) error
	Get(ctx context.Context, id string) (*api.WorkflowTask, error)
	Update(ctx context.Context, task *api.WorkflowTask) error
	Claim(ctx context.Context, req ClaimRequest) (*api.WorkflowTask, error)
	List(ctx context.Context, filter api.TaskFilter) ([]*api.WorkflowTask, error)
}

// Claimable reports whether task can be leased at now: it is scheduled, and
// either pending, due for retry, or held under an expired lease.
func Claimable(task *api.WorkflowTask, now time.Time) bool {
	if task.ScheduledAt.After(now) {
		return false
	}
	switch task.Status {
	case api.TaskPending:
		return true
	case api.TaskRetrying:
		return !task.NextRetryAt.After(now)
	case api.TaskLocked, api.TaskRunning:
		return task.LockExpiresAt.Before(now)
	default:
		return false
	}
}

// ApplyClaim moves task into the leased state for req.
func ApplyClaim(task *api.WorkflowTask, req ClaimRequest) {
	task.Status = api.TaskLocked
	task.LockedByWorkerID = req.WorkerID
	task.LockExpiresAt = req.Now.Add(req.Lease)
	task.PickedAt = req.Now
	task.NextRetryAt = time.Time{}
	task.Attempts++
}

// Match reports whether task satisfies filter.
func Match(task *api.WorkflowTask, filter api.TaskFilter) bool {
	if filter.InstanceID != "" && task.InstanceID != filter.InstanceID {
		return false
	}
	if filter.NodeInstanceID != "" && task.NodeInstanceID != filter.NodeInstanceID {
		return false
	}
	if filter.QueueName != "" && task.QueueName != filter.QueueName {
		return false
	}
	if filter.Type != "" && task.Type != filter.Type {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, task.Status) {
		return false
	}
	if !filter.RetryDueBefore.IsZero() && (task.NextRetryAt.IsZero() || task.NextRetryAt.After(filter.RetryDueBefore)) {
		return false
	}
	if !filter.LeaseExpiredBefore.IsZero() &&
		(task.LockExpiresAt.IsZero() || !task.LockExpiresAt.Before(filter.LeaseExpiredBefore)) {
		return false
	}
	return true
}

// claimOrder sorts claimable tasks: lower priority value first, then the
// earliest scheduled, then by ID.
func claimOrder(a, b *api.WorkflowTask) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func cloneTask(t *api.WorkflowTask) *api.WorkflowTask {
	c := *t
	c.InputData = t.InputData.Clone()
	c.OutputData = t.OutputData.Clone()
	c.FormSchema = t.FormSchema.Clone()
	return &c
}
