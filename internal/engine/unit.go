package engine

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/internal/taskqueue"
	"github.com/petrijr/nodeflow/pkg/api"
)

// A run stages its writes and reads through them. Node instances reach the
// store together with the instance row in one Commit; tasks, history entries
// and observer callbacks follow only once that commit succeeded.

type taskWrite struct {
	task   *api.WorkflowTask
	create bool
}

func (r *run) insertNode(ni *api.WorkflowNodeInstance) {
	r.stageNode(ni, true)
	r.emit(func() { r.e.observer.OnNodeStarted(r.ctx, r.inst, ni) })
}

func (r *run) saveNode(ni *api.WorkflowNodeInstance) {
	r.stageNode(ni, false)
}

// finishedNode saves ni and reports it to the observer.
func (r *run) finishedNode(ni *api.WorkflowNodeInstance) {
	r.saveNode(ni)
	r.emit(func() { r.e.observer.OnNodeFinished(r.ctx, r.inst, ni) })
}

func (r *run) stageNode(ni *api.WorkflowNodeInstance, create bool) {
	if w, ok := r.nodes[ni.ID]; ok {
		w.Node = ni
		return
	}
	r.nodes[ni.ID] = &persistence.NodeWrite{Node: ni, Create: create}
	r.nodeOrder = append(r.nodeOrder, ni.ID)
}

// nodeInstance returns the run's copy of a node instance. Repeated reads of
// one ID within a run return the same value.
func (r *run) nodeInstance(id string) (*api.WorkflowNodeInstance, error) {
	if w, ok := r.nodes[id]; ok {
		return w.Node, nil
	}
	if ni, ok := r.loaded[id]; ok {
		return ni, nil
	}
	ni, err := r.e.instances.GetNodeInstance(r.ctx, id)
	if err != nil {
		return nil, err
	}
	r.loaded[id] = ni
	return ni, nil
}

// listNodes is ListNodeInstances over the store with this run's writes
// applied, ordered by ExecutionSequence.
func (r *run) listNodes(filter api.NodeInstanceFilter) ([]*api.WorkflowNodeInstance, error) {
	stored, err := r.e.instances.ListNodeInstances(r.ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*api.WorkflowNodeInstance, 0, len(stored))
	for _, ni := range stored {
		if _, ok := r.nodes[ni.ID]; ok {
			continue
		}
		if cached, ok := r.loaded[ni.ID]; ok {
			ni = cached
		} else {
			r.loaded[ni.ID] = ni
		}
		out = append(out, ni)
	}
	for _, id := range r.nodeOrder {
		if ni := r.nodes[id].Node; persistence.MatchNodeInstance(ni, filter) {
			out = append(out, ni)
		}
	}
	slices.SortStableFunc(out, func(a, b *api.WorkflowNodeInstance) int {
		return cmp.Compare(a.ExecutionSequence, b.ExecutionSequence)
	})
	return out, nil
}

func (r *run) enqueue(task *api.WorkflowTask) {
	r.stageTask(task, true)
}

func (r *run) putTask(task *api.WorkflowTask) {
	r.stageTask(task, false)
}

func (r *run) stageTask(task *api.WorkflowTask, create bool) {
	if w, ok := r.tasks[task.ID]; ok {
		w.task = task
		return
	}
	r.tasks[task.ID] = &taskWrite{task: task, create: create}
	r.taskOrder = append(r.taskOrder, task.ID)
}

func (r *run) task(id string) (*api.WorkflowTask, error) {
	if w, ok := r.tasks[id]; ok {
		return w.task, nil
	}
	return r.e.queue.Get(r.ctx, id)
}

func (r *run) listTasks(filter api.TaskFilter) ([]*api.WorkflowTask, error) {
	stored, err := r.e.queue.List(r.ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*api.WorkflowTask, 0, len(stored))
	for _, t := range stored {
		if _, ok := r.tasks[t.ID]; !ok {
			out = append(out, t)
		}
	}
	for _, id := range r.taskOrder {
		if t := r.tasks[id].task; taskqueue.Match(t, filter) {
			out = append(out, t)
		}
	}
	return out, nil
}

// emit queues an observer callback until the run is committed.
func (r *run) emit(fn func()) {
	r.events = append(r.events, fn)
}

func (r *run) nodeWrites() []persistence.NodeWrite {
	out := make([]persistence.NodeWrite, 0, len(r.nodeOrder))
	for _, id := range r.nodeOrder {
		out = append(out, *r.nodes[id])
	}
	return out
}

// checkTasks fails with ErrConcurrentUpdate when a task this run changes was
// written by someone else since the run read it.
func (r *run) checkTasks() error {
	for _, id := range r.taskOrder {
		w := r.tasks[id]
		if w.create {
			continue
		}
		cur, err := r.e.queue.Get(r.ctx, id)
		if err != nil {
			return err
		}
		if cur.Revision != w.task.Revision {
			return fmt.Errorf("task %s: %w", id, api.ErrConcurrentUpdate)
		}
	}
	return nil
}

// applyTasks writes the staged tasks after the instance commit. The instance
// already reflects them, so a task written concurrently since checkTasks is
// overwritten unless it reached a final status.
func (r *run) applyTasks() error {
	var errs []error
	for _, id := range r.taskOrder {
		w := r.tasks[id]
		if w.create {
			if err := r.e.queue.Enqueue(r.ctx, w.task); err != nil {
				errs = append(errs, fmt.Errorf("enqueue task %s: %w", id, err))
			}
			continue
		}
		err := r.e.queue.Update(r.ctx, w.task)
		if errors.Is(err, api.ErrConcurrentUpdate) {
			err = r.overwriteTask(w.task)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("update task %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *run) overwriteTask(task *api.WorkflowTask) error {
	cur, err := r.e.queue.Get(r.ctx, task.ID)
	if err != nil {
		return err
	}
	if cur.Status.IsFinal() {
		return nil
	}
	task.Revision = cur.Revision
	return r.e.queue.Update(r.ctx, task)
}
