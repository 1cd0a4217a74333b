package engine

import (
	"context"

	"github.com/openfroyo/rollout/pkg/model"
)

// HostRunner executes commands on target hosts. It backs the ssh and upload
// primitives task bodies see.
type HostRunner interface {
	// Run executes command on host.
	Run(ctx context.Context, host model.HostInfo, command string) (model.CommandResult, error)

	// Upload copies a local file to a path on host.
	Upload(ctx context.Context, host model.HostInfo, local, remote string) error
}

// ResourceOperator takes and gives back advisory resource locks.
type ResourceOperator interface {
	// Acquire blocks until key is held or ctx ends.
	Acquire(ctx context.Context, key string) error

	// Release gives key back. Releasing a key that is not held is an error.
	Release(ctx context.Context, key string) error
}

// Confirmer gates sequential host execution on a human decision.
type Confirmer interface {
	// Confirm is asked before play runs on host. Returning false stops the
	// play without failing it.
	Confirm(ctx context.Context, play, host string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, play, host string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, play, host string) (bool, error) {
	return f(ctx, play, host)
}

// Recorder receives the build timeline. Recording failures are logged and
// never fail a build.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error { return f(ctx, event) }

// Workspace prepares and removes the scratch directory of a build.
type Workspace interface {
	Prepare(ctx context.Context, buildID string) (string, error)
	Cleanup(ctx context.Context, dir string) error
}

// Scheduler enqueues downstream builds.
type Scheduler interface {
	// Schedule queues req and returns the new build ID.
	Schedule(ctx context.Context, req ScheduleRequest) (string, error)
}

// ScheduleRequest describes a downstream build.
type ScheduleRequest struct {
	Project  string         `json:"project"`
	Env      string         `json:"env"`
	Playbook string         `json:"playbook"`
	Params   map[string]any `json:"params,omitempty"`
	Parent   string         `json:"parent,omitempty"`
}
