// Package engine runs deployment jobs: one project, in one environment,
// with one playbook.
//
// # Overview
//
// A Job is created from a project.Catalog and executed with a Build, which
// carries the per-run inputs (parameters, host restrictions, skip tags) and
// the collaborators the engine drives (host runner, resource operators,
// confirmer, recorder, workspace, telemetry).
//
// Execution proceeds in this order:
//
//  1. The project's "when" predicates are evaluated; if one is false the
//     build is skipped.
//  2. The playbook instance is selected from the build parameters and the
//     requested scene is compiled into plays.
//  3. Required parameters are resolved so that missing input fails early.
//  4. Setup hooks run front to back.
//  5. Plays run in order under the resource scheduler. A play runs on its
//     selected hosts in batches sized by its serial fraction; every host
//     runs the whole task tree, with retries.
//  6. Teardown hooks run back to front for every setup that completed.
//
// # Resources
//
// Plays and tasks may require named resources. RunScheduled acquires a
// resource just before the first payload that needs it and releases it right
// after the last one, so a sequence holds each lock for the shortest span
// that covers its users. Keys are served by a ResourceOperator; MemoryLocks
// is used when none is configured.
//
// # Exit signals
//
// Task bodies may return Exit(ExitTask|ExitPlay|ExitPlaybook, reason) to end
// a construct early. Exit signals are not failures: they are never retried
// and are absorbed by the construct they name.
//
// # Errors
//
// Failures are reported as *EngineError values classified as transient,
// conflict, permanent or cancelled. Classify maps any error to one.
package engine
