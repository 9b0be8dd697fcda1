package api

import (
	"context"
	"time"
)

// Clock supplies the current time to the engine, dispatcher and scheduler.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// ConditionEvaluator decides whether a transition guard holds for the given
// instance state.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expression string, state StateData) (bool, error)
}

// ActionRequest is what an ActionExecutor receives for one task delivery.
type ActionRequest struct {
	Task  *WorkflowTask
	Input StateData
}

// ActionExecutor runs the work behind a task sub type.
//
// Returning an error schedules a retry, Permanent(err) dead-letters the task
// and ErrDiscard discards it.
type ActionExecutor interface {
	Execute(ctx context.Context, req ActionRequest) (StateData, error)
}

// ExecutorFunc adapts a function to the ActionExecutor interface.
type ExecutorFunc func(ctx context.Context, req ActionRequest) (StateData, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ActionRequest) (StateData, error) {
	return f(ctx, req)
}

// TaskOutcome is what a worker reports for a task delivery.
type TaskOutcome string

const (
	OutcomeSuccess    TaskOutcome = "SUCCESS"
	OutcomeRetry      TaskOutcome = "RETRY"
	OutcomeDeadLetter TaskOutcome = "DEAD_LETTER"
	OutcomeDiscard    TaskOutcome = "DISCARD"
)

// TaskResult is passed to Engine.ReportTaskResult.
type TaskResult struct {
	Outcome TaskOutcome
	Error   string
}

// Succeeded reports a successful task execution.
func Succeeded() TaskResult {
	return TaskResult{Outcome: OutcomeSuccess}
}

// Failed reports a retryable failure.
func Failed(err error) TaskResult {
	return TaskResult{Outcome: OutcomeRetry, Error: errString(err)}
}

// DeadLettered reports a failure that must not be retried.
func DeadLettered(err error) TaskResult {
	return TaskResult{Outcome: OutcomeDeadLetter, Error: errString(err)}
}

// Discarded reports that the task should be dropped.
func Discarded() TaskResult {
	return TaskResult{Outcome: OutcomeDiscard}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
