package inventory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/rollout/pkg/graph"
	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// DefaultClass is used when no environment in a chain declares a class.
const DefaultClass = vars.ClassTest

// Environment is a materialized environment: its own declaration merged with
// every ancestor's labels, hosts and host groups.
type Environment struct {
	info       model.EnvironmentInfo
	class      vars.Class
	descending []*Environment
	labels     map[string]string
	hosts      map[string]*Host
	hostNames  []string
	groups     map[string]*HostGroup
	groupGraph *graph.Graph
	vars       *vars.Table
}

func (e *Environment) Name() string        { return e.info.Name }
func (e *Environment) Abstracted() bool    { return e.info.Abstracted }
func (e *Environment) Description() string { return e.info.Description }
func (e *Environment) Class() vars.Class   { return e.class }

// Info returns the declaration this environment was built from.
func (e *Environment) Info() model.EnvironmentInfo { return e.info }

// Descending returns the ancestor chain, root-most first, ending with e.
func (e *Environment) Descending() []*Environment {
	return append([]*Environment(nil), e.descending...)
}

// InheritsFrom reports whether name is e or one of its ancestors.
func (e *Environment) InheritsFrom(name string) bool {
	for _, a := range e.descending {
		if a.info.Name == name {
			return true
		}
	}
	return false
}

// Labels returns the merged labels. Nearer declarations win.
func (e *Environment) Labels() map[string]string {
	out := make(map[string]string, len(e.labels))
	for k, v := range e.labels {
		out[k] = v
	}
	return out
}

// Hosts returns every host visible in e, sorted by name.
func (e *Environment) Hosts() []*Host {
	out := make([]*Host, 0, len(e.hostNames))
	for _, n := range e.hostNames {
		out = append(out, e.hosts[n])
	}
	return out
}

// Host looks a host up by name.
func (e *Environment) Host(name string) (*Host, bool) {
	h, ok := e.hosts[name]
	return h, ok
}

// Groups returns every host group visible in e, sorted by name.
func (e *Environment) Groups() []*HostGroup {
	out := make([]*HostGroup, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Group looks a host group up by name.
func (e *Environment) Group(name string) (*HostGroup, bool) {
	g, ok := e.groups[name]
	return g, ok
}

// GroupGraph returns the host group inheritance graph of e.
func (e *Environment) GroupGraph() *graph.Graph { return e.groupGraph }

// Vars returns the variables declared directly on e.
func (e *Environment) Vars() *vars.Table { return e.vars }

// Scope layers the variables of every environment in the chain, root-most
// first.
func (e *Environment) Scope() *vars.Layered {
	tables := make([]*vars.Table, 0, len(e.descending))
	for _, a := range e.descending {
		tables = append(tables, a.vars)
	}
	return vars.NewLayered(tables...)
}

func (e *Environment) String() string { return e.info.Name }

// Registry validates environment declarations and materializes environments
// on demand, each exactly once.
type Registry struct {
	mu    sync.Mutex
	infos map[string]model.EnvironmentInfo
	order []string
	graph *graph.Graph
	built map[string]*Environment
}

// NewRegistry validates the declarations: names must be unique, parents
// must exist, be abstract and be listed once, and inheritance must be
// acyclic.
func NewRegistry(infos []model.EnvironmentInfo) (*Registry, error) {
	r := &Registry{
		infos: make(map[string]model.EnvironmentInfo, len(infos)),
		graph: graph.New(),
		built: make(map[string]*Environment),
	}

	for _, info := range infos {
		if _, dup := r.infos[info.Name]; dup {
			return nil, model.NewConfigError("environment", info.Name, model.ErrDuplicate, "")
		}
		r.infos[info.Name] = info
		r.order = append(r.order, info.Name)
		r.graph.AddNode(info.Name)
	}

	for _, name := range r.order {
		info := r.infos[name]
		seen := make(map[string]bool, len(info.Parents))
		for _, p := range info.Parents {
			parent, ok := r.infos[p]
			if !ok {
				return nil, model.NewConfigError("environment", name, model.ErrNotFound, "parent %q", p)
			}
			if seen[p] {
				return nil, model.NewConfigError("environment", name, model.ErrInvalidInheritance, "already inherits %q", p)
			}
			if !parent.Abstracted {
				return nil, model.NewConfigError("environment", name, model.ErrInvalidInheritance,
					"parent %q is not abstract", p)
			}
			seen[p] = true
			r.graph.AddEdge(p, name)
		}
	}

	if err := r.graph.DetectCycles(); err != nil {
		var ce *graph.CycleError
		if errors.As(err, &ce) {
			return nil, model.NewConfigError("environment", ce.Cycle[0], model.ErrCycle, "%s", err.Error())
		}
		return nil, err
	}
	return r, nil
}

// Names returns the declared environment names in declaration order.
func (r *Registry) Names() []string { return append([]string(nil), r.order...) }

// Graph returns the environment inheritance graph.
func (r *Registry) Graph() *graph.Graph { return r.graph }

// Get returns the materialized environment called name.
func (r *Registry) Get(name string) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.materialize(name)
}

// All materializes every environment in declaration order.
func (r *Registry) All() ([]*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Environment, 0, len(r.order))
	for _, name := range r.order {
		env, err := r.materialize(name)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Select returns the concrete environments matched by q.
func (r *Registry) Select(q Query) ([]*Environment, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}
	var out []*Environment
	for _, env := range all {
		if !env.Abstracted() && q.Matches(env) {
			out = append(out, env)
		}
	}
	return out, nil
}

// materialize visits parents before the environment itself and skips
// environments already built. r.mu must be held.
func (r *Registry) materialize(name string) (*Environment, error) {
	if env, ok := r.built[name]; ok {
		return env, nil
	}
	info, ok := r.infos[name]
	if !ok {
		return nil, model.NewConfigError("environment", name, model.ErrNotFound, "")
	}

	parents := make([]*Environment, 0, len(info.Parents))
	for _, p := range info.Parents {
		parent, err := r.materialize(p)
		if err != nil {
			return nil, err
		}
		parents = append(parents, parent)
	}

	env, err := buildEnvironment(info, parents)
	if err != nil {
		return nil, err
	}
	r.built[name] = env
	return env, nil
}

func buildEnvironment(info model.EnvironmentInfo, parents []*Environment) (*Environment, error) {
	env := &Environment{
		info:   info,
		labels: make(map[string]string),
		hosts:  make(map[string]*Host),
		vars:   vars.NewTable(),
	}
	for _, v := range info.Vars {
		env.vars.Put(v)
	}

	seen := make(map[string]bool)
	for _, p := range parents {
		for _, a := range p.descending {
			if !seen[a.info.Name] {
				seen[a.info.Name] = true
				env.descending = append(env.descending, a)
			}
		}
	}
	env.descending = append(env.descending, env)

	// The nearest declared class wins; defaults are not inherited.
	for i := len(env.descending) - 1; env.class == "" && i >= 0; i-- {
		env.class = env.descending[i].info.Class
	}
	if env.class == "" {
		env.class = DefaultClass
	}

	hostInfos := make(map[string]model.HostInfo)
	groupInfos := make(map[string]model.HostGroupInfo)
	for _, a := range env.descending {
		for k, v := range a.info.Labels {
			env.labels[k] = v
		}
		for key, h := range a.info.Hosts {
			if h.Name == "" {
				h.Name = key
			}
			hostInfos[h.Name] = h
		}
		for key, g := range a.info.HostGroups {
			if g.Name == "" {
				g.Name = key
			}
			groupInfos[g.Name] = g
		}
	}

	for name, h := range hostInfos {
		env.hosts[name] = newHost(h)
		env.hostNames = append(env.hostNames, name)
	}
	sort.Strings(env.hostNames)

	groups, g, err := buildGroups(env, groupInfos)
	if err != nil {
		return nil, fmt.Errorf("environment %q: %w", info.Name, err)
	}
	env.groups = groups
	env.groupGraph = g
	return env, nil
}
