package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/telemetry"
	"github.com/openfroyo/rollout/pkg/vars"
)

// Event represents a timeline event during a build.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	BuildID  string `json:"build_id"`
	Project  string `json:"project,omitempty"`
	Env      string `json:"env,omitempty"`
	Playbook string `json:"playbook,omitempty"`
	Play     string `json:"play,omitempty"`
	Host     string `json:"host,omitempty"`
	Task     string `json:"task,omitempty"`
	Resource string `json:"resource,omitempty"`

	// Attempt is the 1-based attempt number for retry events.
	Attempt int `json:"attempt,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the severity level (info, warning, error).
	Level string `json:"level"`

	// Details contains additional event-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Build bundles everything one execution of a job needs from outside the
// engine. Every field is optional: a build without a Runner fails on the
// first ssh call, and a build without operators takes in-memory locks.
type Build struct {
	// ID identifies the build. NewBuildID is used when empty.
	ID string

	// Params are the user parameter values, keyed by dotted name.
	Params map[string]any

	// Servers restricts non-retired hosts to these names when set.
	Servers []string

	// Retire names hosts to treat as retired for this build.
	Retire []string

	// SkipTags skips every task carrying one of these tags.
	SkipTags []string

	// Scene limits the playbook to a named subset of plays.
	Scene string

	Workspace Workspace
	Runner    HostRunner

	// Operators maps operator names, as referenced by a play's
	// resourceOperators, to implementations. DefaultOperator serves keys no
	// play maps.
	Operators       map[string]ResourceOperator
	DefaultOperator ResourceOperator

	Confirmer Confirmer
	Recorder  Recorder
	Scheduler Scheduler

	Authorizer vars.Authorizer
	Decrypter  vars.Decrypter

	Logger    *zerolog.Logger
	Telemetry *telemetry.Telemetry
}

// NewBuildID returns a fresh build identifier.
func NewBuildID() string {
	return uuid.New().String()
}

// BuildResult summarizes a finished build.
type BuildResult struct {
	ID         string       `json:"id"`
	Project    string       `json:"project"`
	Env        string       `json:"env"`
	Playbook   string       `json:"playbook"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Plays      []PlayResult `json:"plays"`
	Error      string       `json:"error,omitempty"`
}

// Duration returns how long the build ran.
func (r *BuildResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// PlayResult is the outcome of one play.
type PlayResult struct {
	Name   string       `json:"name"`
	Status UnitStatus   `json:"status"`
	Hosts  []HostResult `json:"hosts,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// HostResult is the outcome of one play on one host.
type HostResult struct {
	Host     string     `json:"host"`
	Retired  bool       `json:"retired,omitempty"`
	Status   UnitStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
