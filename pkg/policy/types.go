package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks resolution.
	SeverityWarning Severity = "warning"

	// SeverityError blocks resolution of the variable.
	SeverityError Severity = "error"

	// SeverityCritical blocks resolution of the variable.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies access.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// deny set of the module's package.
	Rego string `json:"rego" yaml:"-"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Variable is the dotted name of the variable being resolved.
	Variable string `json:"variable,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one
// variable access.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Variable VariableInput `json:"variable"`
	Env      EnvInput      `json:"env"`
}

// VariableInput describes the variable being resolved.
type VariableInput struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`

	// Kind is the variant name: value, lazy, encrypted, parameter, ...
	Kind string `json:"kind"`
}

// EnvInput describes the environment the variable is resolved in.
type EnvInput struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}
