package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/nodeflow/internal/graph"
	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/pkg/api"
)

// run is one serialized mutation of an instance. Writes are staged on the
// run and reach the stores in commit.
type run struct {
	e     *engineImpl
	ctx   context.Context
	inst  *api.WorkflowInstance
	graph *graph.Graph
	now   time.Time

	initial api.InstanceStatus

	nodes     map[string]*persistence.NodeWrite
	nodeOrder []string
	loaded    map[string]*api.WorkflowNodeInstance
	tasks     map[string]*taskWrite
	taskOrder []string
	logs      []api.WorkflowLog
	events    []func()
	after     []func(context.Context) error

	// published holds task write errors that happened after the instance
	// commit; the run itself is durable at that point.
	published error
}

// maxRunAttempts bounds how often a run is replayed after losing a revision
// race.
const maxRunAttempts = 3

// withInstance runs fn under the instance lock and commits its writes. A run
// that loses a revision race wrote nothing and is replayed against fresh
// state. Side effects fn queued on other instances run after the lock is
// released.
func (e *engineImpl) withInstance(ctx context.Context, instanceID string, fn func(r *run) error) error {
	unlock := e.locks.Lock(instanceID)
	var (
		r   *run
		err error
	)
	for range maxRunAttempts {
		r, err = e.load(ctx, instanceID)
		if err == nil {
			err = fn(r)
		}
		if err == nil {
			err = r.commit()
		}
		if !errors.Is(err, api.ErrConcurrentUpdate) {
			break
		}
		e.logger.DebugContext(ctx, "instance run replayed",
			slog.String("instance_id", instanceID),
			slog.Any("error", err))
	}
	unlock()
	if err != nil {
		return err
	}
	return errors.Join(r.published, r.flush(ctx))
}

func (e *engineImpl) load(ctx context.Context, instanceID string) (*run, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	g, err := e.defs.Graph(ctx, inst.DefinitionKey, inst.VersionNumber)
	if err != nil {
		return nil, err
	}
	return &run{
		e:       e,
		ctx:     ctx,
		inst:    inst,
		graph:   g,
		now:     e.clock.Now(),
		initial: inst.Status,
		nodes:   make(map[string]*persistence.NodeWrite),
		loaded:  make(map[string]*api.WorkflowNodeInstance),
		tasks:   make(map[string]*taskWrite),
	}, nil
}

// later queues fn to run after the instance lock is released.
func (r *run) later(fn func(context.Context) error) {
	r.after = append(r.after, fn)
}

func (r *run) flush(ctx context.Context) error {
	var errs []error
	for _, fn := range r.after {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// commit writes the instance row and the staged node instances atomically,
// then the staged tasks, history and observer callbacks. Nothing is written
// when it returns an error.
func (r *run) commit() error {
	if err := r.settle(); err != nil {
		return err
	}
	if err := r.checkTasks(); err != nil {
		return err
	}
	r.inst.UpdatedAt = r.now
	if err := r.e.instances.Commit(r.ctx, r.inst, r.nodeWrites()); err != nil {
		return fmt.Errorf("commit instance %s: %w", r.inst.ID, err)
	}

	r.published = r.applyTasks()
	for _, entry := range r.logs {
		r.e.appendLog(r.ctx, entry)
	}
	for _, fn := range r.events {
		fn()
	}
	if !r.initial.IsTerminal() && r.inst.Status.IsTerminal() {
		r.finished()
	}
	return nil
}

// settle moves a live instance between Running and Waiting. An instance is
// Waiting while every active node instance waits on something outside the
// worker pool: a person, a timer, a join or a child instance.
func (r *run) settle() error {
	if r.inst.Status != api.StatusRunning && r.inst.Status != api.StatusWaiting {
		return nil
	}
	active, err := r.activeNodes()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	next := api.StatusWaiting
	for _, ni := range active {
		switch ni.NodeType {
		case api.NodeHumanTask, api.NodeWait, api.NodeJoinGateway, api.NodeSubprocess:
		default:
			next = api.StatusRunning
		}
	}
	return r.setStatus(next)
}

func (r *run) setStatus(next api.InstanceStatus) error {
	cur := r.inst.Status
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: instance %s cannot move from %s to %s",
			api.ErrInvalidTransition, r.inst.ID, cur, next)
	}
	r.inst.Status = next
	if next == api.StatusRunning && r.inst.StartedAt.IsZero() {
		r.inst.StartedAt = r.now
	}
	if next.IsTerminal() && r.inst.CompletedAt.IsZero() {
		r.inst.CompletedAt = r.now
	}
	return nil
}

// finished runs once when the instance reached a terminal status in this run.
func (r *run) finished() {
	inst := r.inst
	r.e.observer.OnInstanceFinished(r.ctx, inst)

	if inst.ParentInstanceID != "" {
		child := *inst
		r.later(func(ctx context.Context) error {
			return r.e.notifyParent(ctx, &child)
		})
	}
	if inst.Status != api.StatusCompleted {
		id := inst.ID
		r.later(func(ctx context.Context) error {
			return r.e.cancelChildren(ctx, id)
		})
	}
}

func (r *run) activeNodes() ([]*api.WorkflowNodeInstance, error) {
	return r.listNodes(api.NodeInstanceFilter{
		InstanceID: r.inst.ID,
		Statuses:   activeNodeStatuses,
	})
}

func (r *run) completeInstance() error {
	if err := r.setStatus(api.StatusCompleted); err != nil {
		return err
	}
	r.log(api.WorkflowLog{Level: api.LogInfo, Event: "instance_completed", Message: "instance completed"})
	return nil
}

// terminate ends the instance in status and cancels its open work.
func (r *run) terminate(status api.InstanceStatus, reason api.FailureReason, message string) error {
	if r.inst.Status.IsTerminal() {
		return nil
	}
	if err := r.cancelOpenWork(); err != nil {
		return err
	}
	if err := r.setStatus(status); err != nil {
		return err
	}
	r.inst.FailureReason = reason
	r.inst.ErrorMessage = message

	event := "instance_failed"
	switch status {
	case api.StatusCancelled:
		event = "instance_cancelled"
	case api.StatusTimedOut:
		event = "instance_timed_out"
	}
	r.log(api.WorkflowLog{
		Level:   api.LogError,
		Event:   event,
		Message: message,
		Details: api.StateData{"reason": string(reason)},
	})
	return nil
}

func (r *run) cancelOpenWork() error {
	active, err := r.activeNodes()
	if err != nil {
		return err
	}
	for _, ni := range active {
		ni.Status = api.NodeCancelled
		ni.CompletedAt = r.now
		ni.FailureReason = api.ReasonCancelled
		r.finishedNode(ni)
	}

	tasks, err := r.listTasks(api.TaskFilter{
		InstanceID: r.inst.ID,
		Statuses:   openTaskStatuses,
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		r.cancelTask(t)
	}
	return nil
}

//
// Lifecycle
//

type startRequest struct {
	id            string
	definitionKey string
	entityType    string
	entityID      string
	input         api.StateData
	opts          api.StartOptions
}

func (e *engineImpl) StartInstance(ctx context.Context, definitionKey, entityType, entityID string, input api.StateData, opts ...api.StartOption) (string, error) {
	req := startRequest{
		id:            uuid.NewString(),
		definitionKey: definitionKey,
		entityType:    entityType,
		entityID:      entityID,
		input:         input,
	}
	for _, opt := range opts {
		opt(&req.opts)
	}
	return e.startInstance(ctx, req)
}

func (e *engineImpl) startInstance(ctx context.Context, req startRequest) (string, error) {
	resolved, err := e.defs.Resolve(ctx, req.definitionKey)
	if err != nil {
		return "", err
	}
	def := resolved.Definition

	unlock := e.locks.Lock("def:" + def.Key)
	if def.MaxConcurrentInstances > 0 {
		open, err := e.instances.ListInstances(ctx, api.InstanceFilter{
			DefinitionKey: def.Key,
			Statuses:      openInstanceStatuses,
		})
		if err != nil {
			unlock()
			return "", err
		}
		if len(open) >= def.MaxConcurrentInstances {
			unlock()
			return "", fmt.Errorf("%w: %s has %d open instances", api.ErrConcurrencyLimit, def.Key, len(open))
		}
	}

	now := e.clock.Now()
	inst := &api.WorkflowInstance{
		ID:                   req.id,
		DefinitionKey:        def.Key,
		VersionNumber:        resolved.Version,
		EntityType:           req.entityType,
		EntityID:             req.entityID,
		Status:               api.StatusPending,
		StateData:            req.input.Clone(),
		InputData:            req.input.Clone(),
		ParentInstanceID:     req.opts.ParentInstanceID,
		ParentNodeInstanceID: req.opts.ParentNodeInstanceID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	switch {
	case req.opts.Timeout > 0:
		inst.TimeoutAt = now.Add(req.opts.Timeout)
	case def.DefaultTimeoutHours > 0:
		inst.TimeoutAt = now.Add(time.Duration(def.DefaultTimeoutHours) * time.Hour)
	}
	err = e.instances.CreateInstance(ctx, inst)
	unlock()
	if err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}

	err = e.withInstance(ctx, inst.ID, func(r *run) error {
		if err := r.setStatus(api.StatusRunning); err != nil {
			return err
		}
		r.emit(func() { r.e.observer.OnInstanceStarted(ctx, r.inst) })
		r.log(api.WorkflowLog{
			Level:   api.LogInfo,
			Event:   "instance_started",
			Message: "instance started",
			Details: api.StateData{"version": r.inst.VersionNumber, "entity_id": r.inst.EntityID},
		})
		return r.activate(activation{nodeID: r.graph.Start().ID})
	})
	if err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

func (e *engineImpl) HandleTrigger(ctx context.Context, ev api.TriggerEvent) ([]string, error) {
	var keys []string
	if ev.DefinitionKey != "" {
		keys = []string{ev.DefinitionKey}
	} else {
		matches, err := e.defs.ResolveTrigger(ctx, ev.EntityType, ev.TriggerType)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			keys = append(keys, m.Definition.Key)
		}
	}

	var (
		ids  []string
		errs []error
	)
	for _, key := range keys {
		id, err := e.StartInstance(ctx, key, ev.EntityType, ev.EntityID, ev.InputData)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s on %s: %w", ev.TriggerType, key, err))
			continue
		}
		ids = append(ids, id)
	}
	e.logger.Debug("trigger_handled",
		slog.String("trigger_type", ev.TriggerType),
		slog.String("entity_type", ev.EntityType),
		slog.Int("started", len(ids)))
	return ids, errors.Join(errs...)
}

func (e *engineImpl) CancelInstance(ctx context.Context, instanceID, reason string) error {
	return e.withInstance(ctx, instanceID, func(r *run) error {
		if r.inst.Status.IsTerminal() {
			return fmt.Errorf("%w: instance %s is already %s", api.ErrInvalidTransition, instanceID, r.inst.Status)
		}
		r.inst.IsCancelled = true
		r.inst.CancelReason = reason
		msg := "instance cancelled"
		if reason != "" {
			msg += ": " + reason
		}
		return r.terminate(api.StatusCancelled, api.ReasonCancelled, msg)
	})
}

func (e *engineImpl) PauseInstance(ctx context.Context, instanceID string) error {
	return e.hold(ctx, instanceID, api.StatusPaused, "")
}

func (e *engineImpl) SuspendInstance(ctx context.Context, instanceID, reason string) error {
	return e.hold(ctx, instanceID, api.StatusSuspended, reason)
}

func (e *engineImpl) hold(ctx context.Context, instanceID string, status api.InstanceStatus, reason string) error {
	return e.withInstance(ctx, instanceID, func(r *run) error {
		if err := r.setStatus(status); err != nil {
			return err
		}
		r.log(api.WorkflowLog{
			Level:   api.LogInfo,
			Event:   "instance_held",
			Message: "instance " + string(status),
			Details: api.StateData{"reason": reason},
		})
		return nil
	})
}

func (e *engineImpl) ResumeInstance(ctx context.Context, instanceID string) error {
	return e.withInstance(ctx, instanceID, func(r *run) error {
		if !r.inst.Status.IsHeld() {
			return fmt.Errorf("%w: instance %s is %s, not held", api.ErrInvalidTransition, instanceID, r.inst.Status)
		}
		if err := r.setStatus(api.StatusRunning); err != nil {
			return err
		}
		r.log(api.WorkflowLog{Level: api.LogInfo, Event: "instance_resumed", Message: "instance resumed"})

		nodes, err := r.listNodes(api.NodeInstanceFilter{
			InstanceID: r.inst.ID,
			Statuses:   []api.NodeInstanceStatus{api.NodeCompleted, api.NodeSkipped},
		})
		if err != nil {
			return err
		}
		for _, ni := range nodes {
			if ni.Routed {
				continue
			}
			if r.inst.Status.IsTerminal() {
				break
			}
			next, err := r.route(ni)
			if err != nil {
				return err
			}
			if err := r.activate(next...); err != nil {
				return err
			}
		}
		return nil
	})
}

//
// Subprocesses
//

func (e *engineImpl) startChild(ctx context.Context, parent *api.WorkflowInstance, ni *api.WorkflowNodeInstance, key string) error {
	_, err := e.startInstance(ctx, startRequest{
		id:            ni.ChildInstanceID,
		definitionKey: key,
		entityType:    parent.EntityType,
		entityID:      parent.EntityID,
		input:         ni.InputData,
		opts: api.StartOptions{
			ParentInstanceID:     parent.ID,
			ParentNodeInstanceID: ni.ID,
		},
	})
	if err == nil {
		return nil
	}
	e.logger.Warn("subprocess_start_failed",
		slog.String("instance_id", parent.ID),
		slog.String("subprocess", key),
		slog.Any("error", err))

	return e.withInstance(ctx, parent.ID, func(r *run) error {
		cur, err := r.nodeInstance(ni.ID)
		if err != nil {
			return err
		}
		if r.inst.Status.IsTerminal() || !cur.Status.IsActive() {
			return nil
		}
		return r.failNode(cur, api.ReasonSubprocessFailure,
			fmt.Sprintf("%v: start %s: %v", api.ErrSubprocessFailure, key, err))
	})
}

// notifyParent maps a finished child instance onto its subprocess node.
func (e *engineImpl) notifyParent(ctx context.Context, child *api.WorkflowInstance) error {
	return e.withInstance(ctx, child.ParentInstanceID, func(r *run) error {
		ni, err := r.nodeInstance(child.ParentNodeInstanceID)
		if err != nil {
			return err
		}
		if r.inst.Status.IsTerminal() || !ni.Status.IsActive() || ni.ChildInstanceID != child.ID {
			return nil
		}
		if child.Status == api.StatusCompleted {
			next, err := r.completeNode(ni, child.StateData)
			if err != nil {
				return err
			}
			return r.activate(next...)
		}
		msg := fmt.Sprintf("%v: child %s ended %s", api.ErrSubprocessFailure, child.ID, child.Status)
		if child.ErrorMessage != "" {
			msg += ": " + child.ErrorMessage
		}
		return r.failNode(ni, api.ReasonSubprocessFailure, msg)
	})
}

func (e *engineImpl) cancelChildren(ctx context.Context, parentID string) error {
	children, err := e.instances.ListInstances(ctx, api.InstanceFilter{
		ParentInstanceID: parentID,
		Statuses:         openInstanceStatuses,
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, child := range children {
		errs = append(errs, e.cancelChild(ctx, child.ID, parentID))
	}
	return errors.Join(errs...)
}

func (e *engineImpl) cancelChild(ctx context.Context, childID, parentID string) error {
	err := e.CancelInstance(ctx, childID, "parent "+parentID+" ended")
	if errors.Is(err, api.ErrInvalidTransition) || errors.Is(err, api.ErrInstanceNotFound) {
		return nil
	}
	return err
}
