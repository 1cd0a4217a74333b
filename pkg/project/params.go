package project

import (
	"sort"

	"github.com/openfroyo/rollout/pkg/vars"
)

// Parameter describes a user-configurable build input for presentation by a
// UI or CLI.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Choices     []any  `json:"choices,omitempty" yaml:"choices,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
	Hidden      bool   `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Order       int    `json:"order" yaml:"order"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// CollectParameters lists every user parameter visible in scope, sorted by
// order and then name. Defaults are resolved as plain data in env.
func CollectParameters(env vars.Environment, scope *vars.Layered) ([]Parameter, error) {
	rc := vars.NewContext(env, scope)

	var out []Parameter
	for _, name := range scope.Names() {
		v, ok := scope.Lookup(name)
		if !ok {
			continue
		}
		p, ok := vars.AsParam(v)
		if !ok {
			continue
		}
		param := Parameter{
			Name:        name.String(),
			Choices:     p.AllowedValues(),
			Required:    p.IsRequired(),
			Hidden:      p.IsHidden(),
			Order:       p.Position(),
			Description: p.Description(),
		}
		if def := p.Default(); def != nil {
			value, err := rc.Concrete(def.WithName(name.Child("default")))
			if err != nil {
				return nil, err
			}
			param.Default = value
		}
		param.Type = vars.TypeName(param.Default)
		out = append(out, param)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
