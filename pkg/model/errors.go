package model

import (
	"errors"
	"fmt"
)

// Configuration error causes. They are fatal and reported while the model is
// built, never retried.
var (
	ErrDuplicate          = errors.New("duplicate declaration")
	ErrNotFound           = errors.New("not declared")
	ErrInvalidInheritance = errors.New("invalid inheritance")
	ErrCycle              = errors.New("inheritance cycle")
)

// ConfigError describes a configuration error for one declared object.
type ConfigError struct {
	// Kind is the object kind: environment, host, group, project, playbook,
	// play, task or job.
	Kind   string
	Name   string
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %q: %v: %s", e.Kind, e.Name, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError with a formatted detail.
func NewConfigError(kind, name string, cause error, format string, args ...any) *ConfigError {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &ConfigError{Kind: kind, Name: name, Err: cause, Detail: detail}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
