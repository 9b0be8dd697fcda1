package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/nodeflow/pkg/api"
)

// Sweep runs one maintenance pass against the clock: due retries go back to
// Pending, expired leases are released, and overdue node instances and
// instances time out.
func (e *engineImpl) Sweep(ctx context.Context) (api.SweepResult, error) {
	var res api.SweepResult
	now := e.clock.Now()

	n, err := e.promoteRetries(ctx, now)
	res.RetriesPromoted = n
	if err != nil {
		return res, err
	}
	if res.LeasesReleased, err = e.releaseLeases(ctx, now); err != nil {
		return res, err
	}
	if res.NodesTimedOut, err = e.expireNodes(ctx, now); err != nil {
		return res, err
	}
	if res.InstancesTimedOut, err = e.expireInstances(ctx, now); err != nil {
		return res, err
	}

	if res != (api.SweepResult{}) {
		e.logger.Info("sweep",
			slog.Int("retries_promoted", res.RetriesPromoted),
			slog.Int("leases_released", res.LeasesReleased),
			slog.Int("nodes_timed_out", res.NodesTimedOut),
			slog.Int("instances_timed_out", res.InstancesTimedOut))
	}
	return res, nil
}

func (e *engineImpl) promoteRetries(ctx context.Context, now time.Time) (int, error) {
	due, err := e.queue.List(ctx, api.TaskFilter{
		Statuses:       []api.TaskStatus{api.TaskRetrying},
		RetryDueBefore: now,
	})
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, t := range due {
		t.Status = api.TaskPending
		t.NextRetryAt = time.Time{}
		err := e.queue.Update(ctx, t)
		if errors.Is(err, api.ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// releaseLeases returns tasks whose worker went silent to Pending and their
// node instances to Waiting.
func (e *engineImpl) releaseLeases(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.queue.List(ctx, api.TaskFilter{
		Statuses:           []api.TaskStatus{api.TaskLocked, api.TaskRunning},
		LeaseExpiredBefore: now,
	})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, t := range expired {
		done := false
		err := e.withInstance(ctx, t.InstanceID, func(r *run) error {
			done = false
			task, err := r.task(t.ID)
			if err != nil {
				return err
			}
			if (task.Status != api.TaskLocked && task.Status != api.TaskRunning) || !task.LockExpiresAt.Before(now) {
				return nil
			}
			worker := task.LockedByWorkerID
			task.Status = api.TaskPending
			task.LockedByWorkerID = ""
			task.LockExpiresAt = time.Time{}
			r.putTask(task)
			done = true

			ni, err := r.nodeInstance(task.NodeInstanceID)
			if err != nil {
				return err
			}
			if ni.Status == api.NodeRunning {
				ni.Status = api.NodeWaiting
				r.saveNode(ni)
			}
			r.log(api.WorkflowLog{
				NodeInstanceID: ni.ID,
				TaskID:         task.ID,
				Level:          api.LogWarning,
				Event:          "lease_expired",
				Message:        "lease of " + worker + " expired",
			})
			return nil
		})
		if err != nil {
			return released, err
		}
		if done {
			released++
		}
	}
	return released, nil
}

func (e *engineImpl) expireNodes(ctx context.Context, now time.Time) (int, error) {
	overdue, err := e.instances.ListNodeInstances(ctx, api.NodeInstanceFilter{
		Statuses:      activeNodeStatuses,
		TimeoutBefore: now,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range overdue {
		done := false
		err := e.withInstance(ctx, candidate.InstanceID, func(r *run) error {
			ni, err := r.nodeInstance(candidate.ID)
			if err != nil {
				return err
			}
			done = !r.inst.Status.IsTerminal() && ni.Status.IsActive() && ni.TimeoutAt.Before(now)
			if !done {
				return nil
			}
			return r.timeoutNode(ni)
		})
		if err != nil {
			return expired, err
		}
		if done {
			expired++
		}
	}
	return expired, nil
}

// timeoutNode cancels the open work of an overdue node instance and fails it.
func (r *run) timeoutNode(ni *api.WorkflowNodeInstance) error {
	tasks, err := r.listTasks(api.TaskFilter{
		NodeInstanceID: ni.ID,
		Statuses:       openTaskStatuses,
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		r.cancelTask(t)
	}
	if ni.ChildInstanceID != "" {
		childID, parentID := ni.ChildInstanceID, r.inst.ID
		r.later(func(ctx context.Context) error {
			return r.e.cancelChild(ctx, childID, parentID)
		})
	}
	msg := fmt.Sprintf("%v: node %s exceeded its deadline %s", api.ErrTimeout, ni.NodeID, ni.TimeoutAt.Format(time.RFC3339))
	return r.failNode(ni, api.ReasonTimeout, msg)
}

func (e *engineImpl) expireInstances(ctx context.Context, now time.Time) (int, error) {
	overdue, err := e.instances.ListInstances(ctx, api.InstanceFilter{
		Statuses:      openInstanceStatuses,
		TimeoutBefore: now,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range overdue {
		done := false
		err := e.withInstance(ctx, candidate.ID, func(r *run) error {
			done = !r.inst.Status.IsTerminal() && !r.inst.TimeoutAt.IsZero() && r.inst.TimeoutAt.Before(now)
			if !done {
				return nil
			}
			msg := fmt.Sprintf("%v: instance exceeded its deadline %s", api.ErrTimeout, r.inst.TimeoutAt.Format(time.RFC3339))
			return r.terminate(api.StatusTimedOut, api.ReasonTimeout, msg)
		})
		if err != nil {
			return expired, err
		}
		if done {
			expired++
		}
	}
	return expired, nil
}
