// Package stores persists build history. It includes a SQLite store with
// WAL mode and embedded migrations holding builds, their play and host
// results, the event timeline and the queue of scheduled downstream builds.
//
// The store plugs into the engine in three places: Recorder appends engine
// events, the store itself implements engine.Scheduler, and DirWorkspace
// provides per-build scratch directories.
package stores
