package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/internal/taskqueue"
	"github.com/petrijr/nodeflow/internal/testutil"
	"github.com/petrijr/nodeflow/pkg/api"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *engineImpl
	clock   *testutil.FakeClock
	metrics *api.BasicMetrics
}

type engineFactory func(t *testing.T) *harness

var backends = map[string]engineFactory{
	"in-memory": newInMemoryHarness,
	"sqlite":    newSQLiteHarness,
	"redis":     newRedisQueueHarness,
}

func newInMemoryHarness(t *testing.T) *harness {
	t.Helper()
	return newHarness(t, persistence.NewInMemoryPersistence(), taskqueue.NewInMemoryQueue())
}

func newSQLiteHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.OpenSQLite(t)
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return newHarness(t, persistence.Persistence{
		Definitions: store,
		Instances:   store,
		Logs:        store,
	}, queue)
}

// newRedisQueueHarness keeps tasks in an in-process Redis and everything else
// in memory.
func newRedisQueueHarness(t *testing.T) *harness {
	t.Helper()
	_, client := testutil.NewMiniRedis(t)
	return newHarness(t, persistence.NewInMemoryPersistence(), taskqueue.NewRedisQueue(client, "nodeflow:"))
}

func newHarness(t *testing.T, p persistence.Persistence, queue taskqueue.Queue) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(epoch)
	metrics := &api.BasicMetrics{}
	eng := newEngine(Config{
		Persistence: p,
		Queue:       queue,
		Observer:    metrics,
		Clock:       clock,
		MaxBackoff:  10 * time.Minute,
	})
	return &harness{
		t:       t,
		ctx:     context.Background(),
		engine:  eng,
		clock:   clock,
		metrics: metrics,
	}
}

// deploy registers def and publishes one version with the given graph.
func (h *harness) deploy(def api.WorkflowDefinition, nodes []api.WorkflowNode, transitions []api.WorkflowTransition) {
	h.t.Helper()
	if def.EntityType == "" {
		def.EntityType = "Lead"
	}
	if err := h.engine.RegisterDefinition(h.ctx, def); err != nil {
		h.t.Fatalf("RegisterDefinition(%s) failed: %v", def.Key, err)
	}
	err := h.engine.PublishVersion(h.ctx, api.WorkflowVersion{
		DefinitionKey: def.Key,
		Nodes:         nodes,
		Transitions:   transitions,
	})
	if err != nil {
		h.t.Fatalf("PublishVersion(%s) failed: %v", def.Key, err)
	}
}

func (h *harness) start(key string, input api.StateData, opts ...api.StartOption) string {
	h.t.Helper()
	id, err := h.engine.StartInstance(h.ctx, key, "Lead", "lead-1", input, opts...)
	if err != nil {
		h.t.Fatalf("StartInstance(%s) failed: %v", key, err)
	}
	return id
}

func (h *harness) claim(queue, worker string) *api.WorkflowTask {
	h.t.Helper()
	task, err := h.engine.ClaimNextTask(h.ctx, queue, worker)
	if err != nil {
		h.t.Fatalf("ClaimNextTask(%s) failed: %v", queue, err)
	}
	if task == nil {
		h.t.Fatalf("ClaimNextTask(%s) returned no task", queue)
	}
	return task
}

func (h *harness) report(task *api.WorkflowTask, result api.TaskResult, output api.StateData) {
	h.t.Helper()
	if err := h.engine.ReportTaskResult(h.ctx, task.ID, task.LockedByWorkerID, result, output); err != nil {
		h.t.Fatalf("ReportTaskResult(%s) failed: %v", task.ID, err)
	}
}

func (h *harness) instance(id string) *api.WorkflowInstance {
	h.t.Helper()
	inst, err := h.engine.GetInstance(h.ctx, id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) task(id string) *api.WorkflowTask {
	h.t.Helper()
	task, err := h.engine.queue.Get(h.ctx, id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) tasks(instanceID string) []*api.WorkflowTask {
	h.t.Helper()
	tasks, err := h.engine.ListTasks(h.ctx, api.TaskFilter{InstanceID: instanceID})
	require.NoError(h.t, err)
	return tasks
}

// nodes returns the node instances of nodeID, in execution order.
func (h *harness) nodes(instanceID, nodeID string) []*api.WorkflowNodeInstance {
	h.t.Helper()
	all, err := h.engine.ListNodeInstances(h.ctx, instanceID)
	require.NoError(h.t, err)
	var out []*api.WorkflowNodeInstance
	for _, ni := range all {
		if ni.NodeID == nodeID {
			out = append(out, ni)
		}
	}
	return out
}

func (h *harness) node(instanceID, nodeID string) *api.WorkflowNodeInstance {
	h.t.Helper()
	ns := h.nodes(instanceID, nodeID)
	require.Len(h.t, ns, 1, "node instances of %s", nodeID)
	return ns[0]
}

func (h *harness) hasLog(instanceID, event string) bool {
	h.t.Helper()
	logs, err := h.engine.ListLogs(h.ctx, instanceID)
	require.NoError(h.t, err)
	for _, l := range logs {
		if l.Event == event {
			return true
		}
	}
	return false
}

//
// Graph builders
//

func trigger(id string) api.WorkflowNode {
	return api.WorkflowNode{ID: id, Type: api.NodeTrigger, IsStartNode: true}
}

func end(id string) api.WorkflowNode {
	return api.WorkflowNode{ID: id, Type: api.NodeEnd, IsEndNode: true}
}

func action(id, subType string) api.WorkflowNode {
	return api.WorkflowNode{ID: id, Type: api.NodeAction, SubType: subType}
}

func always(id, from, to string) api.WorkflowTransition {
	return api.WorkflowTransition{ID: id, SourceNodeID: from, TargetNodeID: to, ConditionType: api.ConditionAlways}
}

// linear deploys start -> work -> done with work configured by configure.
func (h *harness) linear(key string, configure func(n *api.WorkflowNode)) {
	h.t.Helper()
	work := action("work", "send_email")
	if configure != nil {
		configure(&work)
	}
	h.deploy(api.WorkflowDefinition{Key: key},
		[]api.WorkflowNode{trigger("start"), work, end("done")},
		[]api.WorkflowTransition{always("t1", "start", "work"), always("t2", "work", "done")})
}

// forkJoin deploys start -> fork -> {a, b} -> join -> done.
func (h *harness) forkJoin(key string, tolerant bool, retries int) {
	h.t.Helper()
	h.fanOut(key, func(n *api.WorkflowNode) {
		switch n.Type {
		case api.NodeJoinGateway:
			n.FailureTolerant = tolerant
		case api.NodeAction:
			n.RetryCount = retries
		}
	})
}

// fanOut deploys the forkJoin graph with every node passed through configure.
func (h *harness) fanOut(key string, configure func(n *api.WorkflowNode)) {
	h.t.Helper()
	nodes := []api.WorkflowNode{
		trigger("start"),
		{ID: "fork", Type: api.NodeParallelGateway},
		action("a", "enrich"),
		action("b", "score"),
		{ID: "join", Type: api.NodeJoinGateway},
		end("done"),
	}
	for i := range nodes {
		configure(&nodes[i])
	}
	h.deploy(api.WorkflowDefinition{Key: key}, nodes,
		[]api.WorkflowTransition{
			always("t0", "start", "fork"),
			always("t1", "fork", "a"),
			always("t2", "fork", "b"),
			always("t3", "a", "join"),
			always("t4", "b", "join"),
			always("t5", "join", "done"),
		})
}
