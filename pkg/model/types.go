// Package model holds the immutable declarations that the configuration
// front end produces and the rest of rollout builds on.
package model

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/vars"
)

// EnvironmentInfo declares one environment.
type EnvironmentInfo struct {
	Name        string                   `json:"name" validate:"required"`
	Abstracted  bool                     `json:"abstract,omitempty"`
	Description string                   `json:"description,omitempty"`
	Class       vars.Class               `json:"class,omitempty" validate:"omitempty,oneof=prod test local"`
	Parents     []string                 `json:"parents,omitempty" validate:"dive,required"`
	Vars        []vars.Variable          `json:"-"`
	Labels      map[string]string        `json:"labels,omitempty"`
	Hosts       map[string]HostInfo      `json:"hosts,omitempty" validate:"dive"`
	HostGroups  map[string]HostGroupInfo `json:"hostGroups,omitempty" validate:"dive"`
}

// HostInfo declares one target host.
type HostInfo struct {
	Name        string            `json:"name" validate:"required"`
	User        string            `json:"user,omitempty"`
	Port        int               `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Channel     string            `json:"channel,omitempty" validate:"omitempty,oneof=ssh local"`
	Retired     bool              `json:"retired,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
}

// HostGroupInfo declares a named host group.
type HostGroupInfo struct {
	Name            string   `json:"name" validate:"required"`
	Description     string   `json:"description,omitempty"`
	Hosts           []string `json:"hosts,omitempty"`
	HostsRetired    []string `json:"hostsRetired,omitempty"`
	Inherits        []string `json:"inherits,omitempty"`
	InheritsRetired []string `json:"inheritsRetired,omitempty"`
}

// QueryInfo is the declarative form of an environment query. Every set
// field must match; an empty query matches everything.
type QueryInfo struct {
	Names        []string          `json:"names,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Classes      []vars.Class      `json:"classes,omitempty"`
	DescendantOf []string          `json:"descendantOf,omitempty"`
	Any          []QueryInfo       `json:"any,omitempty"`
	Not          *QueryInfo        `json:"not,omitempty"`
}

// ProjectOverrideInfo replaces project variables in matching environments.
type ProjectOverrideInfo struct {
	Query QueryInfo       `json:"query"`
	Vars  []vars.Variable `json:"-"`
}

// ProjectInfo declares a deployable project.
type ProjectInfo struct {
	Name         string                `json:"name" validate:"required"`
	Key          string                `json:"key,omitempty"`
	Description  string                `json:"description,omitempty"`
	Abstracted   bool                  `json:"abstract,omitempty"`
	Parents      []string              `json:"parents,omitempty"`
	ActiveInEnv  *QueryInfo            `json:"activeInEnv,omitempty"`
	Vars         []vars.Variable       `json:"-"`
	Overrides    []ProjectOverrideInfo `json:"overrides,omitempty"`
	Playbook     string                `json:"playbook,omitempty"`
	When         []Predicate           `json:"-"`
	IncludeInEnv *QueryInfo            `json:"includeInEnv,omitempty"`
	ExcludeInEnv *QueryInfo            `json:"excludeInEnv,omitempty"`
	// Sharing exports project variables to other projects: local name ->
	// name under the "shared.<key>" prefix.
	Sharing map[string]string `json:"sharing,omitempty"`
}

// PlaybookInfo declares a playbook. ParameterSpecs pins parameter values
// that distinguish instances sharing the same name.
type PlaybookInfo struct {
	Name           string              `json:"name" validate:"required"`
	Description    string              `json:"description,omitempty"`
	Parents        []string            `json:"parents,omitempty"`
	ParameterSpecs map[string]any      `json:"parameterSpecs,omitempty"`
	ActiveInEnv    *QueryInfo          `json:"activeInEnv,omitempty"`
	Vars           []vars.Variable     `json:"-"`
	Plays          []PlayInfo          `json:"plays" validate:"dive"`
	Scenes         map[string][]string `json:"scenes,omitempty"`
	Hooks          []HookInfo          `json:"-"`
}

// HookInfo pairs a setup action with its teardown.
type HookInfo struct {
	Name     string
	Setup    HookFunc
	Teardown HookFunc
}

// PlayInfo declares a play: a task tree run against a host selection.
type PlayInfo struct {
	Name              string            `json:"name" validate:"required"`
	Hosts             string            `json:"hosts,omitempty"`
	Tasks             []TaskInfo        `json:"tasks" validate:"dive"`
	Vars              []vars.Variable   `json:"-"`
	Serial            float64           `json:"serial,omitempty" validate:"min=0,max=1"`
	When              []Predicate       `json:"-"`
	IncludeOnlyInEnv  *QueryInfo        `json:"includeOnlyInEnv,omitempty"`
	ExcludedInEnv     *QueryInfo        `json:"excludedInEnv,omitempty"`
	Retries           int               `json:"retries,omitempty" validate:"min=0"`
	AlwaysRun         bool              `json:"alwaysRun,omitempty"`
	ResourceOperators map[string]string `json:"resourceOperators,omitempty"`
	ResourcesRequired []string          `json:"resourcesRequired,omitempty"`
}

// TaskInfo declares a task. Children run after the body, in order, or in
// reverse order when Reverse is set.
type TaskInfo struct {
	Path                string      `json:"path" validate:"required"`
	Body                TaskFunc    `json:"-"`
	When                []Predicate `json:"-"`
	Tags                []string    `json:"tags,omitempty"`
	Retries             int         `json:"retries,omitempty" validate:"min=0"`
	IncludeRetiredHosts bool        `json:"includeRetiredHosts,omitempty"`
	OnlyRetiredHosts    bool        `json:"onlyRetiredHosts,omitempty"`
	Reverse             bool        `json:"reverse,omitempty"`
	ResourcesRequired   []string    `json:"resourcesRequired,omitempty"`
	IncludeInEnv        *QueryInfo  `json:"includeInEnv,omitempty"`
	ExcludeInEnv        *QueryInfo  `json:"excludeInEnv,omitempty"`
	Children            []TaskInfo  `json:"children,omitempty" validate:"dive"`
}

// CommandResult is the outcome of a remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Evaluator resolves variables against one scope.
type Evaluator interface {
	Env() vars.Environment
	Resolve(name string) (any, error)
	Concrete(name string) (any, error)
	Logger() zerolog.Logger
}

// ExecContext is what task bodies and task predicates see: an evaluator
// bound to one target host.
type ExecContext interface {
	Evaluator
	Host() HostInfo
	Retired() bool
	Set(name string, value any)
	// Append adds value to the cascading list name for this host.
	Append(name string, value any) error
	// Put binds key in the cascading map name for this host.
	Put(name, key string, value any) error
	SSH(ctx context.Context, command string) (CommandResult, error)
	Upload(ctx context.Context, local, remote string) error
}

// TaskFunc is a task body.
type TaskFunc func(ctx context.Context, x ExecContext) error

// Predicate is a "when" condition. Task predicates receive an ExecContext.
type Predicate func(x Evaluator) (bool, error)

// HookFunc is a playbook setup or teardown action.
type HookFunc func(ctx context.Context, x Evaluator) error
