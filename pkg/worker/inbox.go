package worker

import (
	"context"

	"github.com/petrijr/nodeflow/internal/engine"
	"github.com/petrijr/nodeflow/pkg/api"
)

// HumanInbox lets people pick up and complete human tasks. Claiming a task
// leases it to the user like any worker lease.
type HumanInbox struct {
	engine api.Engine
	queue  string
}

// NewHumanInbox returns an inbox over the engine's human task queue.
func NewHumanInbox(eng api.Engine) *HumanInbox {
	return &HumanInbox{engine: eng, queue: engine.QueueHuman}
}

// NewHumanInboxForQueue returns an inbox over a custom queue.
func NewHumanInboxForQueue(eng api.Engine, queue string) *HumanInbox {
	return &HumanInbox{engine: eng, queue: queue}
}

// Pending lists the open human tasks nobody holds.
func (h *HumanInbox) Pending(ctx context.Context) ([]*api.WorkflowTask, error) {
	return h.engine.ListTasks(ctx, api.TaskFilter{
		QueueName: h.queue,
		Type:      api.TaskHumanTask,
		Statuses:  []api.TaskStatus{api.TaskPending},
	})
}

// Assigned lists the human tasks currently leased to user.
func (h *HumanInbox) Assigned(ctx context.Context, user string) ([]*api.WorkflowTask, error) {
	tasks, err := h.engine.ListTasks(ctx, api.TaskFilter{
		QueueName: h.queue,
		Type:      api.TaskHumanTask,
		Statuses:  []api.TaskStatus{api.TaskLocked, api.TaskRunning},
	})
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.LockedByWorkerID == user {
			out = append(out, t)
		}
	}
	return out, nil
}

// Claim leases the task to user.
func (h *HumanInbox) Claim(ctx context.Context, taskID, user string) (*api.WorkflowTask, error) {
	return h.engine.ClaimTask(ctx, taskID, user)
}

// Complete submits the form data of a claimed task.
func (h *HumanInbox) Complete(ctx context.Context, taskID, user string, form api.StateData) error {
	return h.engine.ReportTaskResult(ctx, taskID, user, api.Succeeded(), form)
}

// Choose completes a claimed task with a decision. The choice is stored under
// "choice" in the output, where USER_CHOICE transitions look for it.
func (h *HumanInbox) Choose(ctx context.Context, taskID, user, choice string, form api.StateData) error {
	out := form.Clone()
	out["choice"] = choice
	return h.Complete(ctx, taskID, user, out)
}

// Dismiss discards a claimed task; its node is skipped.
func (h *HumanInbox) Dismiss(ctx context.Context, taskID, user string) error {
	return h.engine.ReportTaskResult(ctx, taskID, user, api.Discarded(), nil)
}
