// Package worker provides the background workers that execute nodeflow tasks.
//
// A Worker polls one or more engine queues, leases the next claimable task,
// runs the ActionExecutor registered for the task's sub type and reports the
// outcome back to the engine. Workers are stateless: every lease, retry and
// dead-letter decision lives in the engine, so any number of workers can
// share the same queues.
//
// # Executors
//
// Executors are looked up in a Registry, first by the task's SubType and then
// by its TaskType. NewRegistry pre-registers an executor for Wait tasks,
// which the engine only releases once their timer is due.
//
// The error an executor returns decides the reported outcome:
//
//   - nil reports success and the returned StateData becomes node output
//   - api.ErrDiscard discards the task and skips its node
//   - an error marked with api.Permanent dead-letters the task at once
//   - any other error, or a panic, is retried by the engine's policy
//
// A task whose lease was lost while it executed (the engine answers
// api.ErrLeaseConflict) is dropped without error; another worker owns it.
//
// # Pools and human tasks
//
// Pool runs several workers with derived IDs under one errgroup. HumanInbox
// gives people the same claim and report cycle for the human task queue and
// records USER_CHOICE decisions under the "choice" output key.
package worker
