package project

import (
	"errors"
	"sort"
	"sync"

	"github.com/openfroyo/rollout/pkg/graph"
	"github.com/openfroyo/rollout/pkg/inventory"
	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// SharedPrefix is the namespace under which projects see variables other
// projects export through their sharing declarations.
const SharedPrefix = "shared"

type override struct {
	query inventory.Query
	table *vars.Table
}

// Project is a deployable unit with per-environment variables.
type Project struct {
	info      model.ProjectInfo
	catalog   *Catalog
	lineage   []*Project
	base      *vars.Table
	overrides []override
	active    inventory.Query
	include   inventory.Query
	exclude   inventory.Query

	scopes sync.Map // environment name -> *vars.Layered
}

func (p *Project) Name() string            { return p.info.Name }
func (p *Project) Abstracted() bool        { return p.info.Abstracted }
func (p *Project) Description() string     { return p.info.Description }
func (p *Project) Info() model.ProjectInfo { return p.info }

// Key is the short identifier used for shared variables. It defaults to the
// project name.
func (p *Project) Key() string {
	if p.info.Key != "" {
		return p.info.Key
	}
	return p.info.Name
}

// Lineage returns the project's ancestors, root-most first, ending with p.
func (p *Project) Lineage() []*Project {
	return append([]*Project(nil), p.lineage...)
}

// PlaybookName is the playbook this project runs, inherited from the nearest
// ancestor that names one.
func (p *Project) PlaybookName() string {
	for i := len(p.lineage) - 1; i >= 0; i-- {
		if name := p.lineage[i].info.Playbook; name != "" {
			return name
		}
	}
	return ""
}

// When returns the project's run conditions, inherited conditions first.
func (p *Project) When() []model.Predicate {
	var out []model.Predicate
	for _, a := range p.lineage {
		out = append(out, a.info.When...)
	}
	return out
}

// ActiveIn reports whether the project deploys to env: it must be concrete,
// matched by its activeInEnv query and include filter, and not excluded.
func (p *Project) ActiveIn(env *inventory.Environment) bool {
	if p.info.Abstracted || env.Abstracted() {
		return false
	}
	if !p.active.Matches(env) || !p.include.Matches(env) {
		return false
	}
	return p.exclude == nil || !p.exclude.Matches(env)
}

// VarsFor returns the project's variables as seen in env. Layers, from root
// to most specific: the environment chain's own variables, variables shared
// by other projects, then for each project ancestor its base variables
// followed by the overrides it consumes while walking env's ancestor chain
// from the most general environment to env itself. An override is consumed
// by the first environment it matches and applied exactly once. The result
// is memoized per environment; evaluating one environment never affects
// another.
func (p *Project) VarsFor(env *inventory.Environment) *vars.Layered {
	if cached, ok := p.scopes.Load(env.Name()); ok {
		return cached.(*vars.Layered)
	}

	layers := env.Scope().Layers()
	layers = append(layers, p.catalog.sharedTable(p, env))
	chain := env.Descending()
	for _, ancestor := range p.lineage {
		layers = append(layers, ancestor.base)
		remaining := append([]override(nil), ancestor.overrides...)
		for _, e := range chain {
			kept := remaining[:0]
			for _, o := range remaining {
				if o.query.Matches(e) {
					layers = append(layers, o.table)
					continue
				}
				kept = append(kept, o)
			}
			remaining = kept
		}
	}

	scope := vars.NewLayered(layers...)
	actual, _ := p.scopes.LoadOrStore(env.Name(), scope)
	return actual.(*vars.Layered)
}

// Playbook returns the playbook instance this project runs for params.
func (p *Project) Playbook(params map[string]any) (*Playbook, error) {
	name := p.PlaybookName()
	if name == "" {
		return nil, model.NewConfigError("project", p.info.Name, model.ErrNotFound, "no playbook declared")
	}
	return p.catalog.Playbook(name, params)
}

// Parameters lists the user parameters visible to the project in env.
func (p *Project) Parameters(env *inventory.Environment) ([]Parameter, error) {
	return CollectParameters(env, p.VarsFor(env))
}

// Catalog holds every project and playbook declaration and the playbook
// instances created so far.
type Catalog struct {
	registry *inventory.Registry
	projects map[string]*Project
	order    []string

	decls   map[string][]model.PlaybookInfo
	pbGraph *graph.Graph

	mu        sync.Mutex
	instances map[string][]*Playbook
}

// NewCatalog validates project and playbook declarations against reg.
func NewCatalog(reg *inventory.Registry, projects []model.ProjectInfo, playbooks []model.PlaybookInfo) (*Catalog, error) {
	c := &Catalog{
		registry:  reg,
		projects:  make(map[string]*Project, len(projects)),
		decls:     make(map[string][]model.PlaybookInfo),
		pbGraph:   graph.New(),
		instances: make(map[string][]*Playbook),
	}
	if err := c.addPlaybooks(playbooks); err != nil {
		return nil, err
	}
	if err := c.addProjects(projects); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) addPlaybooks(playbooks []model.PlaybookInfo) error {
	for _, pb := range playbooks {
		for _, existing := range c.decls[pb.Name] {
			if sameBinding(existing.ParameterSpecs, pb.ParameterSpecs) {
				return model.NewConfigError("playbook", pb.Name, model.ErrDuplicate, "same parameter specs declared twice")
			}
		}
		c.decls[pb.Name] = append(c.decls[pb.Name], pb)
		c.pbGraph.AddNode(pb.Name)
		seen := make(map[string]bool)
		for _, play := range pb.Plays {
			if seen[play.Name] {
				return model.NewConfigError("play", play.Name, model.ErrDuplicate, "playbook %q", pb.Name)
			}
			seen[play.Name] = true
		}
	}
	for name, decls := range c.decls {
		for _, d := range decls {
			for _, parent := range d.Parents {
				if _, ok := c.decls[parent]; !ok {
					return model.NewConfigError("playbook", name, model.ErrNotFound, "parent %q", parent)
				}
				c.pbGraph.AddEdge(parent, name)
			}
		}
	}
	return cycleError("playbook", c.pbGraph)
}

func (c *Catalog) addProjects(projects []model.ProjectInfo) error {
	g := graph.New()
	infos := make(map[string]model.ProjectInfo, len(projects))
	for _, info := range projects {
		if _, dup := infos[info.Name]; dup {
			return model.NewConfigError("project", info.Name, model.ErrDuplicate, "")
		}
		infos[info.Name] = info
		c.order = append(c.order, info.Name)
		g.AddNode(info.Name)
	}
	for _, name := range c.order {
		seen := make(map[string]bool)
		for _, parent := range infos[name].Parents {
			pinfo, ok := infos[parent]
			if !ok {
				return model.NewConfigError("project", name, model.ErrNotFound, "parent %q", parent)
			}
			if seen[parent] {
				return model.NewConfigError("project", name, model.ErrInvalidInheritance, "already inherits %q", parent)
			}
			if !pinfo.Abstracted {
				return model.NewConfigError("project", name, model.ErrInvalidInheritance, "parent %q is not abstract", parent)
			}
			seen[parent] = true
			g.AddEdge(parent, name)
		}
	}
	if err := cycleError("project", g); err != nil {
		return err
	}

	order, err := g.TopoOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		p := newProject(c, infos[name])
		for _, a := range g.Lineage(name) {
			if a == name {
				p.lineage = append(p.lineage, p)
				continue
			}
			p.lineage = append(p.lineage, c.projects[a])
		}
		c.projects[name] = p
		if !p.Abstracted() {
			if pb := p.PlaybookName(); pb != "" {
				if _, ok := c.decls[pb]; !ok {
					return model.NewConfigError("project", name, model.ErrNotFound, "playbook %q", pb)
				}
			}
		}
	}
	return nil
}

func newProject(c *Catalog, info model.ProjectInfo) *Project {
	p := &Project{
		info:    info,
		catalog: c,
		base:    vars.NewTable(info.Vars...),
		active:  inventory.CompileQuery(info.ActiveInEnv),
		include: inventory.CompileQuery(info.IncludeInEnv),
	}
	if info.ExcludeInEnv != nil {
		p.exclude = inventory.CompileQuery(info.ExcludeInEnv)
	}
	for i := range info.Overrides {
		o := info.Overrides[i]
		p.overrides = append(p.overrides, override{
			query: inventory.CompileQuery(&o.Query),
			table: vars.NewTable(o.Vars...),
		})
	}
	return p
}

func cycleError(kind string, g *graph.Graph) error {
	err := g.DetectCycles()
	if err == nil {
		return nil
	}
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return model.NewConfigError(kind, ce.Cycle[0], model.ErrCycle, "%s", err.Error())
	}
	return err
}

// Registry returns the environment registry the catalog was built against.
func (c *Catalog) Registry() *inventory.Registry { return c.registry }

// Project looks a project up by name.
func (c *Catalog) Project(name string) (*Project, error) {
	p, ok := c.projects[name]
	if !ok {
		return nil, model.NewConfigError("project", name, model.ErrNotFound, "")
	}
	return p, nil
}

// Projects returns every project in declaration order.
func (c *Catalog) Projects() []*Project {
	out := make([]*Project, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.projects[name])
	}
	return out
}

// ActiveIn returns the concrete projects that deploy to env.
func (c *Catalog) ActiveIn(env *inventory.Environment) []*Project {
	var out []*Project
	for _, p := range c.Projects() {
		if p.ActiveIn(env) {
			out = append(out, p)
		}
	}
	return out
}

// PlaybookNames lists the declared playbook names, sorted.
func (c *Catalog) PlaybookNames() []string {
	out := make([]string, 0, len(c.decls))
	for name := range c.decls {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Playbook returns the first existing instance of the named playbook that
// params satisfy, scanning in creation order. When none does, a new
// instance is built from the first declaration params fit, cached and
// returned.
func (c *Catalog) Playbook(name string, params map[string]any) (*Playbook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, inst := range c.instances[name] {
		if inst.satisfiedBy(params) {
			return inst, nil
		}
	}

	decls, ok := c.decls[name]
	if !ok {
		return nil, model.NewConfigError("playbook", name, model.ErrNotFound, "")
	}
	for _, decl := range decls {
		if !declFits(decl, params) {
			continue
		}
		lineage := make([]model.PlaybookInfo, 0)
		for _, a := range c.pbGraph.Lineage(name) {
			if a == name {
				lineage = append(lineage, decl)
				continue
			}
			lineage = append(lineage, c.decls[a][0])
		}
		inst := newPlaybook(decl, lineage, params)
		c.instances[name] = append(c.instances[name], inst)
		return inst, nil
	}
	return nil, model.NewConfigError("playbook", name, model.ErrNotFound, "no declaration accepts the supplied parameters")
}

// Instances returns how many instances of the named playbook exist.
func (c *Catalog) Instances(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances[name])
}

// sharedTable exposes, under shared.<key>.<name>, the variables every other
// project exports. Each one resolves lazily in the exporting project's own
// scope for env.
func (c *Catalog) sharedTable(self *Project, env *inventory.Environment) *vars.Table {
	t := vars.NewTable()
	for _, other := range c.Projects() {
		if other == self || len(other.info.Sharing) == 0 {
			continue
		}
		locals := make([]string, 0, len(other.info.Sharing))
		for local := range other.info.Sharing {
			locals = append(locals, local)
		}
		sort.Strings(locals)
		for _, local := range locals {
			exporter := other
			source := vars.ParseName(local)
			name := vars.NewName(SharedPrefix, other.Key()).Join(vars.ParseName(other.info.Sharing[local]))
			t.Set(name, vars.Lazy(func(rc *vars.Context) (any, error) {
				return rc.Fork(exporter.VarsFor(env)).ResolveName(source)
			}).WithID("shared:"+exporter.Name()))
		}
	}
	return t
}
