package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a dropped SSH session, a lock held by another build.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource lock could not be taken.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, an abstract variable, access denied.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled marks a build stopped by its context.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Play is the play being executed when the error occurred.
	Play string `json:"play,omitempty"`

	// Host is the target host, if applicable.
	Host string `json:"host,omitempty"`

	// Task is the task path, if applicable.
	Task string `json:"task,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	where := ""
	switch {
	case e.Play != "" && e.Host != "":
		where = fmt.Sprintf(" (play=%s, host=%s)", e.Play, e.Host)
	case e.Play != "":
		where = fmt.Sprintf(" (play=%s)", e.Play)
	case e.Host != "":
		where = fmt.Sprintf(" (host=%s)", e.Host)
	}
	if e.Task != "" {
		where += fmt.Sprintf(" [task %s]", e.Task)
	}
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, where)
	}
	return fmt.Sprintf("[%s] %s%s: %s", e.Class, e.Message, where, e.Err.Error())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithPlay adds play context to an error.
func (e *EngineError) WithPlay(play string) *EngineError {
	e.Play = play
	return e
}

// WithHost adds host context to an error.
func (e *EngineError) WithHost(host string) *EngineError {
	e.Host = host
	return e
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(path string) *EngineError {
	e.Task = path
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether a task or host attempt that failed with err may
// run again. Every failure retries except exit signals and cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !isExitSignal(err) && !isCancelled(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeResolution       = "RESOLUTION_ERROR"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeNoHosts          = "NO_ELIGIBLE_HOSTS"
	ErrCodeLock             = "LOCK_FAILED"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodeConnection       = "CONNECTION_FAILED"
	ErrCodeHookFailed       = "HOOK_FAILED"
	ErrCodeWorkspace        = "WORKSPACE_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"
)

// Classify turns any error into an EngineError so that callers can report a
// class and code. Exit signals and nil are returned as nil.
func Classify(err error) *EngineError {
	if err == nil || isExitSignal(err) {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	switch {
	case isCancelled(err):
		return &EngineError{Class: ErrorClassCancelled, Message: "build cancelled", Code: ErrCodeCancelled, Err: err}
	case model.IsConfigError(err):
		return NewPermanentError("invalid configuration", err).WithCode(ErrCodeValidation)
	case errors.Is(err, vars.ErrAccessDenied):
		return NewPermanentError("variable access denied", err).WithCode(ErrCodePermissionDenied)
	case isResolutionError(err):
		return NewPermanentError("variable resolution failed", err).WithCode(ErrCodeResolution)
	case isAuthFailure(err):
		return NewPermanentError("host rejected credentials", err).WithCode(ErrCodeConnection)
	}
	return NewTransientError("execution failed", err).WithCode(ErrCodeTaskFailed)
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isAuthFailure reports transport errors a retry cannot fix.
func isAuthFailure(err error) bool {
	var te interface{ AuthFailure() bool }
	return errors.As(err, &te) && te.AuthFailure()
}

func isResolutionError(err error) bool {
	var re *vars.ResolveError
	return errors.As(err, &re)
}

// ExitScope is the construct an exit signal terminates.
type ExitScope int

const (
	ExitTask ExitScope = iota
	ExitPlay
	ExitPlaybook
)

func (s ExitScope) String() string {
	switch s {
	case ExitTask:
		return "task"
	case ExitPlay:
		return "play"
	case ExitPlaybook:
		return "playbook"
	}
	return fmt.Sprintf("ExitScope(%d)", int(s))
}

// ExitSignal is a deliberate early termination, not a failure. It unwinds
// through retry loops unchanged and is absorbed by the construct it names.
type ExitSignal struct {
	Scope  ExitScope
	Reason string
}

func (e *ExitSignal) Error() string {
	if e.Reason == "" {
		return "exit " + e.Scope.String()
	}
	return fmt.Sprintf("exit %s: %s", e.Scope, e.Reason)
}

// Exit returns an exit signal for scope. Task bodies return it to stop early.
func Exit(scope ExitScope, reason string) error {
	return &ExitSignal{Scope: scope, Reason: reason}
}

// IsExit reports whether err is an exit signal for exactly scope.
func IsExit(err error, scope ExitScope) bool {
	var sig *ExitSignal
	return errors.As(err, &sig) && sig.Scope == scope
}

func isExitSignal(err error) bool {
	var sig *ExitSignal
	return errors.As(err, &sig)
}
