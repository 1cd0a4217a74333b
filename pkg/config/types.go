package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/rollout/pkg/inventory"
	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/project"
)

// The *Doc types mirror the model document as written in CUE. Variables,
// conditions and script bodies are read from the CUE value directly and
// compiled by the loader; everything else is decoded into these structs.

// EnvironmentDoc is one entry of the environments struct, keyed by name.
type EnvironmentDoc struct {
	Abstract    bool                    `json:"abstract,omitempty"`
	Description string                  `json:"description,omitempty"`
	Class       string                  `json:"class,omitempty"`
	Parents     []string                `json:"parents,omitempty"`
	Labels      map[string]string       `json:"labels,omitempty"`
	Hosts       map[string]HostDoc      `json:"hosts,omitempty"`
	HostGroups  map[string]HostGroupDoc `json:"hostGroups,omitempty"`
}

// HostDoc declares a host, keyed by name.
type HostDoc struct {
	User        string            `json:"user,omitempty"`
	Port        int               `json:"port,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Retired     bool              `json:"retired,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
}

// HostGroupDoc declares a host group, keyed by name.
type HostGroupDoc struct {
	Description     string   `json:"description,omitempty"`
	Hosts           []string `json:"hosts,omitempty"`
	HostsRetired    []string `json:"hostsRetired,omitempty"`
	Inherits        []string `json:"inherits,omitempty"`
	InheritsRetired []string `json:"inheritsRetired,omitempty"`
}

// ProjectDoc declares a project, keyed by name.
type ProjectDoc struct {
	Key          string            `json:"key,omitempty"`
	Description  string            `json:"description,omitempty"`
	Abstract     bool              `json:"abstract,omitempty"`
	Parents      []string          `json:"parents,omitempty"`
	Playbook     string            `json:"playbook,omitempty"`
	ActiveInEnv  *model.QueryInfo  `json:"activeInEnv,omitempty"`
	IncludeInEnv *model.QueryInfo  `json:"includeInEnv,omitempty"`
	ExcludeInEnv *model.QueryInfo  `json:"excludeInEnv,omitempty"`
	When         []string          `json:"when,omitempty"`
	Sharing      map[string]string `json:"sharing,omitempty"`
}

// PlaybookDoc declares a playbook instance.
type PlaybookDoc struct {
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Parents        []string            `json:"parents,omitempty"`
	ParameterSpecs map[string]any      `json:"-"`
	ActiveInEnv    *model.QueryInfo    `json:"activeInEnv,omitempty"`
	Hooks          []HookDoc           `json:"hooks,omitempty"`
	Plays          []PlayDoc           `json:"plays"`
	Scenes         map[string][]string `json:"scenes,omitempty"`
}

// HookDoc pairs setup and teardown scripts.
type HookDoc struct {
	Name     string `json:"name"`
	Setup    string `json:"setup,omitempty"`
	Teardown string `json:"teardown,omitempty"`
}

// PlayDoc declares a play.
type PlayDoc struct {
	Name              string            `json:"name"`
	Hosts             string            `json:"hosts,omitempty"`
	Serial            float64           `json:"serial,omitempty"`
	Retries           int               `json:"retries,omitempty"`
	AlwaysRun         bool              `json:"alwaysRun,omitempty"`
	When              []string          `json:"when,omitempty"`
	IncludeOnlyInEnv  *model.QueryInfo  `json:"includeOnlyInEnv,omitempty"`
	ExcludedInEnv     *model.QueryInfo  `json:"excludedInEnv,omitempty"`
	ResourceOperators map[string]string `json:"resourceOperators,omitempty"`
	ResourcesRequired []string          `json:"resourcesRequired,omitempty"`
	Tasks             []TaskDoc         `json:"tasks"`
}

// TaskDoc declares a task and its children.
type TaskDoc struct {
	Path                string           `json:"path"`
	Body                string           `json:"body,omitempty"`
	When                []string         `json:"when,omitempty"`
	Tags                []string         `json:"tags,omitempty"`
	Retries             int              `json:"retries,omitempty"`
	IncludeRetiredHosts bool             `json:"includeRetiredHosts,omitempty"`
	OnlyRetiredHosts    bool             `json:"onlyRetiredHosts,omitempty"`
	Reverse             bool             `json:"reverse,omitempty"`
	ResourcesRequired   []string         `json:"resourcesRequired,omitempty"`
	IncludeInEnv        *model.QueryInfo `json:"includeInEnv,omitempty"`
	ExcludeInEnv        *model.QueryInfo `json:"excludeInEnv,omitempty"`
	Children            []TaskDoc        `json:"children,omitempty"`
}

// Model is the result of loading model files: declarations ready for
// inventory.NewRegistry and project.NewCatalog.
type Model struct {
	Environments []model.EnvironmentInfo
	Projects     []model.ProjectInfo
	Playbooks    []model.PlaybookInfo

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string

	// LoadedAt is when the model was loaded.
	LoadedAt time.Time
}

// Catalog builds the environment registry and the project catalog.
func (m *Model) Catalog() (*project.Catalog, error) {
	reg, err := inventory.NewRegistry(m.Environments)
	if err != nil {
		return nil, err
	}
	return project.NewCatalog(reg, m.Projects, m.Playbooks)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path of the error (e.g. "environments.prod.vars").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found while loading.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	switch len(es) {
	case 0:
		return "no validation errors"
	case 1:
		return es[0].Error()
	}
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = "  " + e.Error()
	}
	return fmt.Sprintf("%d validation errors:\n%s", len(es), strings.Join(lines, "\n"))
}
