package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/rollout/pkg/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// QueueStatus is the state of a queued build.
type QueueStatus string

const (
	QueueStatusQueued  QueueStatus = "queued"
	QueueStatusClaimed QueueStatus = "claimed"
)

// Build is one row of the build history.
type Build struct {
	ID         string           `json:"id"`
	Project    string           `json:"project"`
	Env        string           `json:"env"`
	Playbook   string           `json:"playbook"`
	Status     engine.RunStatus `json:"status"`
	ParentID   *string          `json:"parent_id,omitempty"`
	Params     map[string]any   `json:"params,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Error      *string          `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// BuildFilter narrows ListBuilds. Empty fields match everything.
type BuildFilter struct {
	Project string
	Env     string
	Status  engine.RunStatus
}

// Event is a recorded timeline event.
type Event struct {
	ID        int64            `json:"id"`
	EventID   string           `json:"event_id"`
	BuildID   string           `json:"build_id"`
	Type      engine.EventType `json:"type"`
	Level     string           `json:"level"`
	Play      *string          `json:"play,omitempty"`
	Host      *string          `json:"host,omitempty"`
	Task      *string          `json:"task,omitempty"`
	Resource  *string          `json:"resource,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Message   string           `json:"message"`
	Details   *string          `json:"details,omitempty"` // JSON blob
	Timestamp time.Time        `json:"timestamp"`
}

// QueuedBuild is a downstream build waiting to run.
type QueuedBuild struct {
	ID         string         `json:"id"`
	Project    string         `json:"project"`
	Env        string         `json:"env"`
	Playbook   string         `json:"playbook"`
	Params     map[string]any `json:"params,omitempty"`
	ParentID   *string        `json:"parent_id,omitempty"`
	Status     QueueStatus    `json:"status"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	ClaimedAt  *time.Time     `json:"claimed_at,omitempty"`
}

// Request converts the queued build back to a schedule request.
func (q *QueuedBuild) Request() engine.ScheduleRequest {
	req := engine.ScheduleRequest{
		Project:  q.Project,
		Env:      q.Env,
		Playbook: q.Playbook,
		Params:   q.Params,
	}
	if q.ParentID != nil {
		req.Parent = *q.ParentID
	}
	return req
}

// Store defines the interface for the build history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Build operations
	CreateBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, id string) (*Build, error)
	SaveResult(ctx context.Context, result *engine.BuildResult) error
	ListBuilds(ctx context.Context, filter BuildFilter, limit, offset int) ([]*Build, error)
	ListPlayResults(ctx context.Context, buildID string) ([]engine.PlayResult, error)
	DeleteBuild(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, buildID string, level *string, limit, offset int) ([]*Event, error)

	// Queue operations
	engine.Scheduler
	ClaimNext(ctx context.Context) (*QueuedBuild, error)
	ListQueued(ctx context.Context, limit int) ([]*QueuedBuild, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
