package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a build.
type RunStatus string

const (
	// RunStatusPending indicates the build is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the build is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the build completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the build failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the build was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusExited indicates the playbook ended early through an exit signal.
	RunStatusExited RunStatus = "exited"

	// RunStatusSkipped indicates the project's conditions did not hold and
	// nothing ran.
	RunStatusSkipped RunStatus = "skipped"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusExited || s == RunStatusSkipped
}

// IsActive returns true if the build is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusExited, RunStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// statusFor maps the outcome of a build to its final status.
func statusFor(err error) RunStatus {
	switch {
	case err == nil:
		return RunStatusSucceeded
	case IsExit(err, ExitPlaybook):
		return RunStatusExited
	case isCancelled(err):
		return RunStatusCancelled
	}
	return RunStatusFailed
}

// UnitStatus is the outcome of one play, host or task.
type UnitStatus string

const (
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
	UnitStatusExited    UnitStatus = "exited"
)

// IsTerminal returns true if the unit has finished.
func (s UnitStatus) IsTerminal() bool {
	return s != UnitStatusRunning
}

// Validate checks if the unit status is valid.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusRunning, UnitStatusSucceeded, UnitStatusFailed,
		UnitStatusSkipped, UnitStatusExited:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

func unitStatusFor(err error) UnitStatus {
	switch {
	case err == nil:
		return UnitStatusSucceeded
	case isExitSignal(err):
		return UnitStatusExited
	}
	return UnitStatusFailed
}

// EventType represents the type of event in the build timeline.
type EventType string

const (
	EventTypeBuildStarted   EventType = "build_started"
	EventTypeBuildCompleted EventType = "build_completed"
	EventTypeBuildFailed    EventType = "build_failed"

	EventTypeHookStarted EventType = "hook_started"
	EventTypeHookFailed  EventType = "hook_failed"

	EventTypePlayStarted   EventType = "play_started"
	EventTypePlayCompleted EventType = "play_completed"
	EventTypePlayFailed    EventType = "play_failed"
	EventTypePlaySkipped   EventType = "play_skipped"

	EventTypeHostStarted   EventType = "host_started"
	EventTypeHostCompleted EventType = "host_completed"
	EventTypeHostFailed    EventType = "host_failed"

	EventTypeTaskRetry   EventType = "task_retry"
	EventTypeTaskSkipped EventType = "task_skipped"

	EventTypeResourceAcquired EventType = "resource_acquired"
	EventTypeResourceReleased EventType = "resource_released"

	// EventTypeWarning carries a failure that was logged instead of raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeBuildFailed, EventTypePlayFailed, EventTypeHostFailed, EventTypeHookFailed:
		return "error"
	case EventTypeWarning, EventTypeTaskRetry:
		return "warning"
	default:
		return "info"
	}
}
