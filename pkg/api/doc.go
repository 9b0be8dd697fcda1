// Package api contains the core types shared by the nodeflow engine, its
// stores and its workers.
//
// Most users interact with the higher-level nodeflow package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom stores, executors and integrations.
//
// # Definitions
//
// A WorkflowDefinition is bound to one entity type and owns a sequence of
// immutable WorkflowVersions. A version is a directed graph of WorkflowNodes
// joined by guarded WorkflowTransitions. Publishing a version validates the
// graph and makes it the version new instances start on.
//
// # Runtime records
//
// A WorkflowInstance executes one version for one entity. Every node
// activation is recorded as a WorkflowNodeInstance with a strictly
// increasing ExecutionSequence. Nodes that need external work (actions,
// human tasks, timers, LLM calls) produce WorkflowTasks, which workers lease
// from named queues and report back through Engine.ReportTaskResult.
//
// # Ports
//
// The engine consumes a Clock, ConditionEvaluators for transition guards and,
// on the worker side, ActionExecutors keyed by node sub type.
//
// # Observability
//
// The Observer interface receives instance, node and task lifecycle events.
// LoggingObserver writes them to log/slog, BasicMetrics keeps in-memory
// counters and OtelMetrics records OpenTelemetry instruments. Observers can be
// combined with NewCompositeObserver.
package api
