package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OtelMetrics exports engine events as OpenTelemetry instruments.
type OtelMetrics struct {
	NoopObserver

	instancesStarted  metric.Int64Counter
	instancesFinished metric.Int64Counter
	tasksClaimed      metric.Int64Counter
	tasksReported     metric.Int64Counter
	tasksDeadLettered metric.Int64Counter
	taskDuration      metric.Float64Histogram
}

// NewOtelMetrics creates the instruments on meter. A nil meter uses the
// global meter provider.
func NewOtelMetrics(meter metric.Meter) (*OtelMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("nodeflow")
	}

	m := &OtelMetrics{}
	var err error
	if m.instancesStarted, err = meter.Int64Counter("nodeflow.instances.started",
		metric.WithDescription("Workflow instances started"),
	); err != nil {
		return nil, err
	}
	if m.instancesFinished, err = meter.Int64Counter("nodeflow.instances.finished",
		metric.WithDescription("Workflow instances that reached a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.tasksClaimed, err = meter.Int64Counter("nodeflow.tasks.claimed",
		metric.WithDescription("Task leases granted to workers"),
	); err != nil {
		return nil, err
	}
	if m.tasksReported, err = meter.Int64Counter("nodeflow.tasks.reported",
		metric.WithDescription("Task results reported by workers"),
	); err != nil {
		return nil, err
	}
	if m.tasksDeadLettered, err = meter.Int64Counter("nodeflow.tasks.dead_lettered",
		metric.WithDescription("Tasks moved to the dead-letter state"),
	); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram("nodeflow.task.duration_seconds",
		metric.WithDescription("Time between task claim and result report"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OtelMetrics) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	m.instancesStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", inst.DefinitionKey),
	))
}

func (m *OtelMetrics) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {
	m.instancesFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", inst.DefinitionKey),
		attribute.String("status", string(inst.Status)),
	))
}

func (m *OtelMetrics) OnTaskClaimed(ctx context.Context, task *WorkflowTask) {
	m.tasksClaimed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", task.QueueName),
	))
}

func (m *OtelMetrics) OnTaskReported(ctx context.Context, task *WorkflowTask, result TaskResult, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("queue", task.QueueName),
		attribute.String("outcome", string(result.Outcome)),
	)
	m.tasksReported.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *OtelMetrics) OnTaskDeadLettered(ctx context.Context, task *WorkflowTask) {
	m.tasksDeadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", task.QueueName),
	))
}
