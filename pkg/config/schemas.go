package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation. Schemas are compiled in
// the loader's CUE context so they can be unified with loaded values.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in model
// schema registered as "model".
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("model", builtinModelSchema); err != nil {
		return nil, err
	}

	return sr, nil
}

// RegisterSchema registers a CUE schema with the given name. The schema
// must define #Document.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	doc := val.LookupPath(cue.ParsePath("#Document"))
	if !doc.Exists() {
		return fmt.Errorf("schema %s does not define #Document", name)
	}

	sr.schemas[name] = doc
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with the named schema and checks the result is
// concrete. The unified value is returned so schema defaults are visible.
func (sr *SchemaRegistry) Apply(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}

	return unified, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinModelSchema describes a model document. Variable blocks are open:
// their keys are dotted variable names and their values are either plain
// data or a single "$"-prefixed directive.
const builtinModelSchema = `
#Class: "prod" | "test" | "local"

#Query: {
	names?: [...string]
	labels?: {[string]: string}
	classes?: [...#Class]
	descendantOf?: [...string]
	any?: [...#Query]
	not?: #Query
}

#Host: {
	user?:        string
	port?:        int & >0 & <65536
	channel?:     "ssh" | "local"
	retired?:     bool
	labels?: {[string]: string}
	description?: string
}

#HostGroup: {
	description?: string
	hosts?: [...string]
	hostsRetired?: [...string]
	inherits?: [...string]
	inheritsRetired?: [...string]
}

#Environment: {
	abstract?:    bool
	description?: string
	class?:       #Class
	parents?: [...string]
	labels?: {[string]: string}
	vars?: {...}
	hosts?: {[string]: #Host}
	hostGroups?: {[string]: #HostGroup}
}

#Override: {
	query: #Query
	vars: {...}
}

#Project: {
	key?:         string
	description?: string
	abstract?:    bool
	parents?: [...string]
	playbook?:     string
	activeInEnv?:  #Query
	includeInEnv?: #Query
	excludeInEnv?: #Query
	when?: [...string]
	vars?: {...}
	overrides?: [...#Override]
	sharing?: {[string]: string}
}

#Task: {
	path:  string
	body?: string
	when?: [...string]
	tags?: [...string]
	retries?:             int & >=0
	includeRetiredHosts?: bool
	onlyRetiredHosts?:    bool
	reverse?:             bool
	resourcesRequired?: [...string]
	includeInEnv?: #Query
	excludeInEnv?: #Query
	children?: [...#Task]
}

#Play: {
	name:       string
	hosts?:     string
	serial?:    number & >=0 & <=1
	retries?:   int & >=0
	alwaysRun?: bool
	when?: [...string]
	includeOnlyInEnv?: #Query
	excludedInEnv?:    #Query
	resourceOperators?: {[string]: string}
	resourcesRequired?: [...string]
	vars?: {...}
	tasks: [...#Task]
}

#Hook: {
	name:      string
	setup?:    string
	teardown?: string
}

#Playbook: {
	name:         string
	description?: string
	parents?: [...string]
	parameterSpecs?: {...}
	activeInEnv?: #Query
	vars?: {...}
	hooks?: [...#Hook]
	plays: [...#Play]
	scenes?: {[string]: [...string]}
}

#Document: {
	environments?: {[string]: #Environment}
	projects?: {[string]: #Project}
	playbooks?: [...#Playbook]
	...
}
`
