package project

import (
	"fmt"
	"sort"

	"github.com/openfroyo/rollout/pkg/inventory"
	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// Playbook is one instance of a playbook declaration, bound to the values of
// the parameters its declaration is keyed by.
type Playbook struct {
	decl   model.PlaybookInfo
	bound  map[string]any
	vars   *vars.Table
	params *vars.Table
	plays  []model.PlayInfo
	hooks  []model.HookInfo
	scenes map[string][]string
	active inventory.Query
}

func (p *Playbook) Name() string        { return p.decl.Name }
func (p *Playbook) Description() string { return p.decl.Description }

// Bound returns the parameter values this instance was created for.
func (p *Playbook) Bound() map[string]any {
	out := make(map[string]any, len(p.bound))
	for k, v := range p.bound {
		out[k] = v
	}
	return out
}

// Plays returns the plays in execution order, inherited plays first.
func (p *Playbook) Plays() []model.PlayInfo {
	return append([]model.PlayInfo(nil), p.plays...)
}

// Hooks returns the setup/teardown pairs, inherited hooks first.
func (p *Playbook) Hooks() []model.HookInfo {
	return append([]model.HookInfo(nil), p.hooks...)
}

// Scenes lists the scene names, sorted.
func (p *Playbook) Scenes() []string {
	out := make([]string, 0, len(p.scenes))
	for name := range p.scenes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Scene returns the plays of a named scene in scene order. The empty name
// selects every play.
func (p *Playbook) Scene(name string) ([]model.PlayInfo, error) {
	if name == "" {
		return p.Plays(), nil
	}
	names, ok := p.scenes[name]
	if !ok {
		return nil, model.NewConfigError("scene", name, model.ErrNotFound, "playbook %q", p.decl.Name)
	}
	out := make([]model.PlayInfo, 0, len(names))
	for _, n := range names {
		play, ok := p.play(n)
		if !ok {
			return nil, model.NewConfigError("play", n, model.ErrNotFound, "scene %q of playbook %q", name, p.decl.Name)
		}
		out = append(out, play)
	}
	return out, nil
}

func (p *Playbook) play(name string) (model.PlayInfo, bool) {
	for _, play := range p.plays {
		if play.Name == name {
			return play, true
		}
	}
	return model.PlayInfo{}, false
}

// ActiveIn reports whether the playbook may run in env.
func (p *Playbook) ActiveIn(env *inventory.Environment) bool {
	return p.active.Matches(env)
}

// Scope layers the playbook variables and its bound parameters over base.
func (p *Playbook) Scope(base *vars.Layered) *vars.Layered {
	return base.With(p.vars, p.params)
}

// declFits reports whether the fixed spec values of decl agree with params.
// Specs without a fixed value accept anything.
func declFits(decl model.PlaybookInfo, params map[string]any) bool {
	for key, want := range decl.ParameterSpecs {
		if want == nil {
			continue
		}
		if got, ok := params[key]; ok && fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// bindFor picks the values of the spec parameters from params, falling back
// to the declared spec value. Parameters the declaration is not keyed by are
// ignored.
func bindFor(decl model.PlaybookInfo, params map[string]any) map[string]any {
	bound := make(map[string]any, len(decl.ParameterSpecs))
	for key, spec := range decl.ParameterSpecs {
		if v, ok := params[key]; ok {
			bound[key] = v
		} else {
			bound[key] = spec
		}
	}
	return bound
}

func sameBinding(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if (av == nil) != (bv == nil) || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// satisfiedBy reports whether this instance serves params.
func (p *Playbook) satisfiedBy(params map[string]any) bool {
	return declFits(p.decl, params) && sameBinding(p.bound, bindFor(p.decl, params))
}

// newPlaybook instantiates decl. lineage holds the declarations of decl's
// ancestors, root-most first, ending with decl.
func newPlaybook(decl model.PlaybookInfo, lineage []model.PlaybookInfo, params map[string]any) *Playbook {
	p := &Playbook{
		decl:   decl,
		bound:  bindFor(decl, params),
		vars:   vars.NewTable(),
		params: vars.NewTable(),
		scenes: make(map[string][]string),
		active: inventory.CompileQuery(decl.ActiveInEnv),
	}

	index := make(map[string]int)
	for _, d := range lineage {
		for _, v := range d.Vars {
			p.vars.Put(v)
		}
		for _, play := range d.Plays {
			if i, ok := index[play.Name]; ok {
				p.plays[i] = play
				continue
			}
			index[play.Name] = len(p.plays)
			p.plays = append(p.plays, play)
		}
		p.hooks = append(p.hooks, d.Hooks...)
		for name, plays := range d.Scenes {
			p.scenes[name] = append([]string(nil), plays...)
		}
	}

	keys := make([]string, 0, len(p.bound))
	for k := range p.bound {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if p.bound[k] != nil {
			p.params.SetValue(k, p.bound[k])
		}
	}
	return p
}
