package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts       int
	finishes     int
	nodeStarts   int
	nodeFinishes int
	claims       int
	reports      int
	deadLetters  int

	lastInstance *WorkflowInstance
	lastResult   TaskResult
	lastDuration time.Duration
}

func (o *testObserver) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastInstance = inst
}

func (o *testObserver) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishes++
	o.lastInstance = inst
}

func (o *testObserver) OnNodeStarted(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodeStarts++
}

func (o *testObserver) OnNodeFinished(ctx context.Context, inst *WorkflowInstance, node *WorkflowNodeInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodeFinishes++
}

func (o *testObserver) OnTaskClaimed(ctx context.Context, task *WorkflowTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claims++
}

func (o *testObserver) OnTaskReported(ctx context.Context, task *WorkflowTask, result TaskResult, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports++
	o.lastResult = result
	o.lastDuration = d
}

func (o *testObserver) OnTaskDeadLettered(ctx context.Context, task *WorkflowTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadLetters++
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	return h
}

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestInstance() *WorkflowInstance {
	return &WorkflowInstance{
		ID:            "inst-123",
		DefinitionKey: "lead-intake",
		VersionNumber: 2,
		Status:        StatusRunning,
	}
}

func newTestTask() *WorkflowTask {
	return &WorkflowTask{
		ID:               "task-1",
		InstanceID:       "inst-123",
		QueueName:        "default",
		LockedByWorkerID: "w1",
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	task := newTestTask()
	var o Observer = NoopObserver{}

	o.OnInstanceStarted(ctx, inst)
	o.OnInstanceFinished(ctx, inst)
	o.OnNodeStarted(ctx, inst, &WorkflowNodeInstance{})
	o.OnNodeFinished(ctx, inst, &WorkflowNodeInstance{})
	o.OnTaskClaimed(ctx, task)
	o.OnTaskReported(ctx, task, Succeeded(), time.Second)
	o.OnTaskDeadLettered(ctx, task)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	task := newTestTask()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	result := Failed(errors.New("boom"))
	co.OnInstanceStarted(ctx, inst)
	co.OnInstanceFinished(ctx, inst)
	co.OnNodeStarted(ctx, inst, &WorkflowNodeInstance{})
	co.OnNodeFinished(ctx, inst, &WorkflowNodeInstance{})
	co.OnTaskClaimed(ctx, task)
	co.OnTaskReported(ctx, task, result, 2*time.Second)
	co.OnTaskDeadLettered(ctx, task)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.finishes != 1 || o.nodeStarts != 1 || o.nodeFinishes != 1 ||
			o.claims != 1 || o.reports != 1 || o.deadLetters != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastInstance != inst {
			t.Fatalf("observer %d instance mismatch", i+1)
		}
		if o.lastResult != result || o.lastDuration != 2*time.Second {
			t.Fatalf("observer %d report mismatch: %+v %v", i+1, o.lastResult, o.lastDuration)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnInstanceStarted_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnInstanceStarted(ctx, inst)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "instance_started" {
		t.Fatalf("expected message instance_started, got %q", rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["definition"] != inst.DefinitionKey {
		t.Fatalf("expected definition=%q, got %v", inst.DefinitionKey, attrs["definition"])
	}
	if attrs["instance_id"] != inst.ID {
		t.Fatalf("expected instance_id=%q, got %v", inst.ID, attrs["instance_id"])
	}
}

func TestLoggingObserver_OnInstanceFinished_LevelDependsOnStatus(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	done := newTestInstance()
	done.Status = StatusCompleted
	o.OnInstanceFinished(ctx, done)

	failed := newTestInstance()
	failed.Status = StatusTimedOut
	failed.FailureReason = ReasonTimeout
	o.OnInstanceFinished(ctx, failed)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelInfo {
		t.Fatalf("expected completed record LevelInfo, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelError {
		t.Fatalf("expected timed out record LevelError, got %v", h.records[1].Level)
	}
	attrs := attrsToMap(h.records[1])
	if attrs["reason"] != string(ReasonTimeout) {
		t.Fatalf("expected reason=Timeout, got %v", attrs["reason"])
	}
}

func TestLoggingObserver_OnTaskReported_WarnsOnFailure(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	task := newTestTask()

	o.OnTaskReported(ctx, task, Succeeded(), time.Second)
	o.OnTaskReported(ctx, task, Failed(errors.New("smtp down")), time.Second)

	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelWarn {
		t.Fatalf("expected failure LevelWarn, got %v", h.records[1].Level)
	}
	if attrsToMap(h.records[1])["error"] != "smtp down" {
		t.Fatalf("expected error attribute on failure record")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_InstanceCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.OnInstanceStarted(ctx, newTestInstance())
	}
	for _, status := range []InstanceStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		inst := newTestInstance()
		inst.Status = status
		m.OnInstanceFinished(ctx, inst)
	}

	snap := m.Snapshot()
	if snap.InstancesStarted != 4 {
		t.Fatalf("InstancesStarted=%d, want 4", snap.InstancesStarted)
	}
	if snap.InstancesCompleted != 1 || snap.InstancesFailed != 1 || snap.InstancesCancelled != 1 {
		t.Fatalf("unexpected terminal counters: %+v", snap)
	}
	if snap.ActiveInstances != 1 {
		t.Fatalf("ActiveInstances=%d, want 1", snap.ActiveInstances)
	}
	if snap.AvgTaskDuration != 0 {
		t.Fatalf("AvgTaskDuration=%v, want 0", snap.AvgTaskDuration)
	}
}

func TestBasicMetrics_OnTaskReported_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	task := newTestTask()

	m.OnTaskClaimed(ctx, task)
	m.OnTaskReported(ctx, task, Succeeded(), 1*time.Second)
	m.OnTaskReported(ctx, task, Succeeded(), 3*time.Second)
	m.OnTaskReported(ctx, task, Failed(errors.New("fail")), 10*time.Second)
	m.OnTaskDeadLettered(ctx, task)

	snap := m.Snapshot()
	if snap.TasksSucceeded != 2 || snap.TasksRetried != 1 || snap.TasksDeadLettered != 1 || snap.TasksClaimed != 1 {
		t.Fatalf("unexpected task counters: %+v", snap)
	}
	if snap.AvgTaskDuration != 2*time.Second {
		t.Fatalf("AvgTaskDuration=%v, want 2s", snap.AvgTaskDuration)
	}
}

//
// OtelMetrics
//

func TestOtelMetrics_RecordsWithoutError(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	m, err := NewOtelMetrics(meter)
	if err != nil {
		t.Fatalf("NewOtelMetrics: %v", err)
	}

	ctx := context.Background()
	var o Observer = m
	o.OnInstanceStarted(ctx, newTestInstance())
	o.OnInstanceFinished(ctx, newTestInstance())
	o.OnTaskClaimed(ctx, newTestTask())
	o.OnTaskReported(ctx, newTestTask(), Succeeded(), time.Second)
	o.OnTaskDeadLettered(ctx, newTestTask())
}
