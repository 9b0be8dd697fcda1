package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/nodeflow/internal/taskqueue"
	"github.com/petrijr/nodeflow/pkg/api"
)

func queueFor(node *api.WorkflowNode) string {
	if node.QueueName != "" {
		return node.QueueName
	}
	switch node.Type {
	case api.NodeHumanTask:
		return QueueHuman
	case api.NodeWait:
		return QueueTimers
	case api.NodeLLMAction:
		return QueueLLM
	default:
		return QueueDefault
	}
}

// dispatch parks the node instance in Waiting and enqueues its task.
func (r *run) dispatch(node *api.WorkflowNode, generation string) error {
	taskType, ok := node.Type.TaskType()
	if !ok {
		return fmt.Errorf("%w: node %q of type %s has no task type", api.ErrInvalidGraph, node.ID, node.Type)
	}

	input := r.inst.StateData.Merge(node.Config)
	ni := r.newNodeInstance(node, generation, api.NodeWaiting)
	ni.InputData = input
	r.insertNode(ni)

	scheduled := r.now
	if node.Type == api.NodeWait && node.WaitSeconds > 0 {
		scheduled = scheduled.Add(time.Duration(node.WaitSeconds) * time.Second)
	}
	task := &api.WorkflowTask{
		ID:                    uuid.NewString(),
		InstanceID:            r.inst.ID,
		NodeInstanceID:        ni.ID,
		NodeID:                node.ID,
		Type:                  taskType,
		SubType:               node.SubType,
		Status:                api.TaskPending,
		QueueName:             queueFor(node),
		Priority:              node.Priority,
		InputData:             input,
		FormSchema:            node.FormSchema,
		ScheduledAt:           scheduled,
		MaxRetries:            node.RetryCount,
		RetryDelaySeconds:     node.RetryDelaySeconds,
		UseExponentialBackoff: node.UseExponentialBackoff,
		CreatedAt:             r.now,
	}
	r.enqueue(task)
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		TaskID:         task.ID,
		Level:          api.LogDebug,
		Event:          "task_enqueued",
		Message:        "task queued on " + task.QueueName,
		Details:        api.StateData{"type": string(task.Type), "sub_type": task.SubType},
	})
	return nil
}

// invokeSubprocess parks the node instance and starts the child once the
// parent's lock is released.
func (r *run) invokeSubprocess(node *api.WorkflowNode, generation string) error {
	ni := r.newNodeInstance(node, generation, api.NodeWaiting)
	ni.InputData = r.inst.StateData.Merge(node.Config)
	ni.ChildInstanceID = uuid.NewString()
	r.insertNode(ni)
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		Level:          api.LogInfo,
		Event:          "subprocess_started",
		Message:        "starting " + node.SubprocessKey,
		Details:        api.StateData{"child_instance_id": ni.ChildInstanceID},
	})

	parent := *r.inst
	key := node.SubprocessKey
	r.later(func(ctx context.Context) error {
		return r.e.startChild(ctx, &parent, ni, key)
	})
	return nil
}

//
// Claims
//

func (e *engineImpl) ClaimNextTask(ctx context.Context, queueName, workerID string) (*api.WorkflowTask, error) {
	for {
		task, err := e.queue.Claim(ctx, taskqueue.ClaimRequest{
			QueueName: queueName,
			WorkerID:  workerID,
			Now:       e.clock.Now(),
			Lease:     e.lease,
		})
		if errors.Is(err, taskqueue.ErrNoTask) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		accepted, err := e.acceptClaim(ctx, task)
		if err != nil {
			return nil, err
		}
		if accepted != nil {
			return accepted, nil
		}
	}
}

func (e *engineImpl) ClaimTask(ctx context.Context, taskID, workerID string) (*api.WorkflowTask, error) {
	task, err := e.queue.Claim(ctx, taskqueue.ClaimRequest{
		TaskID:   taskID,
		WorkerID: workerID,
		Now:      e.clock.Now(),
		Lease:    e.lease,
	})
	if errors.Is(err, taskqueue.ErrNoTask) {
		return nil, fmt.Errorf("%w: task %s is not claimable", api.ErrLeaseConflict, taskID)
	}
	if err != nil {
		return nil, err
	}
	accepted, err := e.acceptClaim(ctx, task)
	if err != nil {
		return nil, err
	}
	if accepted == nil {
		return nil, fmt.Errorf("%w: task %s belongs to a finished node", api.ErrLeaseConflict, taskID)
	}
	return accepted, nil
}

// acceptClaim moves a freshly leased task to Running, or cancels it when its
// instance or node instance no longer accepts results. It returns nil for a
// cancelled task and for a lease lost before the claim was accepted.
func (e *engineImpl) acceptClaim(ctx context.Context, claimed *api.WorkflowTask) (*api.WorkflowTask, error) {
	var accepted *api.WorkflowTask
	err := e.withInstance(ctx, claimed.InstanceID, func(r *run) error {
		accepted = nil
		task, err := r.task(claimed.ID)
		if err != nil {
			return err
		}
		if task.Status != api.TaskLocked || task.LockedByWorkerID != claimed.LockedByWorkerID {
			return nil
		}
		ni, err := r.nodeInstance(task.NodeInstanceID)
		if err != nil {
			return err
		}
		if r.inst.Status.IsTerminal() || r.inst.IsCancelled || !ni.Status.IsActive() {
			r.cancelTask(task)
			return nil
		}

		task.Status = api.TaskRunning
		r.putTask(task)

		ni.Status = api.NodeRunning
		ni.RetryCount = task.RetryCount
		r.saveNode(ni)
		r.emit(func() { r.e.observer.OnTaskClaimed(r.ctx, task) })
		r.log(api.WorkflowLog{
			NodeInstanceID: ni.ID,
			TaskID:         task.ID,
			Level:          api.LogDebug,
			Event:          "task_claimed",
			Message:        "task claimed by " + task.LockedByWorkerID,
			Details:        api.StateData{"attempt": task.Attempts, "retry_count": task.RetryCount},
		})
		accepted = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

//
// Results
//

func (e *engineImpl) ReportTaskResult(ctx context.Context, taskID, workerID string, result api.TaskResult, output api.StateData) error {
	task, err := e.queue.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsFinal() {
		return nil
	}

	return e.withInstance(ctx, task.InstanceID, func(r *run) error {
		task, err := r.task(taskID)
		if err != nil {
			return err
		}
		if task.Status.IsFinal() {
			return nil
		}
		if task.LockedByWorkerID != workerID || (task.Status != api.TaskLocked && task.Status != api.TaskRunning) {
			return fmt.Errorf("%w: task %s is %s, held by %q", api.ErrLeaseConflict, taskID, task.Status, task.LockedByWorkerID)
		}

		ni, err := r.nodeInstance(task.NodeInstanceID)
		if err != nil {
			return err
		}
		if r.inst.Status.IsTerminal() || !ni.Status.IsActive() {
			r.cancelTask(task)
			return nil
		}

		switch result.Outcome {
		case api.OutcomeSuccess:
			err = r.succeed(task, ni, output)
		case api.OutcomeRetry:
			err = r.retry(task, ni, result.Error)
		case api.OutcomeDeadLetter:
			err = r.deadLetter(task, ni, api.ReasonDeadLetter, result.Error)
		case api.OutcomeDiscard:
			err = r.discard(task, ni)
		default:
			err = fmt.Errorf("unknown task outcome %q", result.Outcome)
		}
		if err != nil {
			return err
		}
		took := r.now.Sub(task.PickedAt)
		r.emit(func() { r.e.observer.OnTaskReported(r.ctx, task, result, took) })
		return nil
	})
}

func (r *run) succeed(task *api.WorkflowTask, ni *api.WorkflowNodeInstance, output api.StateData) error {
	task.Status = api.TaskCompleted
	task.OutputData = output
	task.CompletedAt = r.now
	r.putTask(task)
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		TaskID:         task.ID,
		Level:          api.LogInfo,
		Event:          "task_completed",
		Message:        "task completed",
		Details:        api.StateData{"attempt": task.Attempts},
	})
	next, err := r.completeNode(ni, output)
	if err != nil {
		return err
	}
	return r.activate(next...)
}

func (r *run) retry(task *api.WorkflowTask, ni *api.WorkflowNodeInstance, message string) error {
	task.LastError = message
	next := task.RetryCount + 1
	if next > task.MaxRetries {
		return r.deadLetter(task, ni, api.ReasonRetriesExhausted, message)
	}

	task.RetryCount = next
	delay := backoff(task, r.e.maxBackoff)
	task.Status = api.TaskRetrying
	task.NextRetryAt = r.now.Add(delay)
	task.LockedByWorkerID = ""
	task.LockExpiresAt = time.Time{}
	r.putTask(task)

	ni.Status = api.NodeRetrying
	ni.RetryCount = next
	ni.ErrorMessage = message
	r.saveNode(ni)
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		TaskID:         task.ID,
		Level:          api.LogWarning,
		Event:          "task_retry_scheduled",
		Message:        message,
		Details: api.StateData{
			"retry_count": next,
			"max_retries": task.MaxRetries,
			"delay":       delay.String(),
		},
	})
	return nil
}

// backoff is the delay before retry number task.RetryCount.
func backoff(task *api.WorkflowTask, limit time.Duration) time.Duration {
	d := time.Duration(task.RetryDelaySeconds) * time.Second
	if task.UseExponentialBackoff {
		for i := 1; i < task.RetryCount && d < limit; i++ {
			d *= 2
		}
	}
	return min(d, limit)
}

func (r *run) deadLetter(task *api.WorkflowTask, ni *api.WorkflowNodeInstance, reason api.FailureReason, message string) error {
	task.Status = api.TaskDeadLetter
	task.IsDeadLetter = true
	task.DeadLetterReason = string(reason)
	task.DeadLetterAt = r.now
	task.CompletedAt = r.now
	if message != "" {
		task.LastError = message
	}
	r.putTask(task)
	r.emit(func() { r.e.observer.OnTaskDeadLettered(r.ctx, task) })
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		TaskID:         task.ID,
		Level:          api.LogCritical,
		Event:          "task_dead_lettered",
		Message:        message,
		Details: api.StateData{
			"reason":      string(reason),
			"retry_count": task.RetryCount,
			"attempts":    task.Attempts,
		},
	})

	msg := fmt.Sprintf("%v: %s", api.ErrDeadLetter, reason)
	if message != "" {
		msg += ": " + message
	}
	ni.RetryCount = task.RetryCount
	return r.failNode(ni, reason, msg)
}

func (r *run) discard(task *api.WorkflowTask, ni *api.WorkflowNodeInstance) error {
	task.Status = api.TaskDiscarded
	task.CompletedAt = r.now
	r.putTask(task)
	r.log(api.WorkflowLog{
		NodeInstanceID: ni.ID,
		TaskID:         task.ID,
		Level:          api.LogInfo,
		Event:          "task_discarded",
		Message:        "task discarded",
	})
	next, err := r.skipNode(ni)
	if err != nil {
		return err
	}
	return r.activate(next...)
}

// cancelTask cancels an open task. A task claimed concurrently since the run
// read it is still cancelled once the run commits.
func (r *run) cancelTask(task *api.WorkflowTask) {
	if task.Status.IsFinal() {
		return
	}
	task.Status = api.TaskCancelled
	task.CompletedAt = r.now
	r.putTask(task)
}
