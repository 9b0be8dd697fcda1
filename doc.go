// Package nodeflow provides an embeddable, graph-based workflow engine for Go.
//
// Workflows are directed graphs of typed nodes bound to a business entity
// type such as a Lead or an Order. The engine walks an instance through its
// graph, routes along guarded transitions and hands every unit of work that
// is not pure routing to a task queue. Workers and people lease tasks from
// those queues and report the outcome back.
//
// # Core Concepts
//
//  1. Engine
//  2. WorkflowBuilder
//  3. Workers and executors
//  4. LocalRunner
//
// # Engine
//
// The Engine stores definitions and their immutable versions, owns instance
// state and history, and provides APIs to:
//   - publish versions and start instances, directly or from trigger events
//   - lease tasks and report their results
//   - pause, suspend, resume and cancel instances
//   - sweep expired leases, due retries and overdue nodes
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// and the task queue can be moved to Redis with NewSQLEngineWithRedisQueue.
//
// # WorkflowBuilder
//
// WorkflowBuilder is the fluent API used to define graphs. It supports
// actions, human tasks, LLM actions, timers, parallel forks and joins,
// subprocesses and conditional routing by Lua expression, field match or a
// person's choice:
//
//	nodeflow.NewWorkflow("lead-intake", "Lead").
//	    Trigger("start", nodeflow.WithTriggerType("LeadCreated")).
//	    Action("score", "score_lead").
//	    HumanTask("review", "qualify_lead").
//	    End("won").
//	    End("lost").
//	    Connect("start", "score").
//	    ConnectWhen("score", "review", "score >= 50").
//	    Otherwise("score", "lost").
//	    ConnectChoice("review", "won", "accept").
//	    ConnectChoice("review", "lost", "reject")
//
// Publishing a new version never disturbs running instances; each instance
// stays on the version it was started on.
//
// # Workers and executors
//
// An ActionExecutor implements one action sub type. Workers from pkg/worker
// look executors up in a Registry by sub type, run them and report the
// result. Return an error wrapped with Permanent to dead-letter a task at
// once, or ErrDiscard to skip the node. TypedExecutor adapts functions over
// plain structs.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, a worker pool and the sweep
// scheduler into a single process-local helper useful for development and
// unit testing. It is not crash-durable; WorkerBundle provides the same
// wiring over SQLite.
package nodeflow
