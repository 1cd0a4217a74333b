package vars

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// UserParam is a build input supplied from outside, keyed by the variable's
// dotted name in Context.Params. Supplied values are coerced to the type of
// the default.
type UserParam struct {
	meta
	def         Variable
	required    bool
	choices     []any
	hidden      bool
	order       int
	description string
}

// ParamOption configures a UserParam.
type ParamOption func(*UserParam)

// Required makes the parameter fail when no value is supplied and there is
// no default.
func Required() ParamOption { return func(p *UserParam) { p.required = true } }

// Choices restricts supplied values to the given set.
func Choices(values ...any) ParamOption {
	return func(p *UserParam) { p.choices = append([]any(nil), values...) }
}

// Hidden keeps the parameter out of interactive listings.
func Hidden() ParamOption { return func(p *UserParam) { p.hidden = true } }

// Order sets the display position of the parameter.
func Order(n int) ParamOption { return func(p *UserParam) { p.order = n } }

// Description documents the parameter for listings.
func Description(s string) ParamOption { return func(p *UserParam) { p.description = s } }

// Parameter declares a user parameter. def may be nil.
func Parameter(def Variable, opts ...ParamOption) Variable {
	p := UserParam{def: def}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p UserParam) WithName(n Name) Variable  { p.name = n; return p }
func (p UserParam) WithID(id string) Variable { p.id = id; return p }

func (p UserParam) Default() Variable    { return p.def }
func (p UserParam) IsRequired() bool     { return p.required }
func (p UserParam) IsHidden() bool       { return p.hidden }
func (p UserParam) Position() int        { return p.order }
func (p UserParam) Description() string  { return p.description }
func (p UserParam) AllowedValues() []any { return append([]any(nil), p.choices...) }

// AsParam returns v as a user parameter if it is one.
func AsParam(v Variable) (UserParam, bool) {
	p, ok := v.(UserParam)
	return p, ok
}

func (p UserParam) get(rc *Context) (any, error) {
	supplied, ok := rc.Params[p.name.String()]
	if !ok {
		switch {
		case p.def != nil:
			return rc.eval(p.def)
		case p.required:
			return nil, fmt.Errorf("%w: required parameter %s was not supplied", ErrMissing, p.name)
		}
		return nil, nil
	}

	// The default only hints the type here. One that cannot resolve, such
	// as an abstract placeholder, leaves the supplied value as is.
	var like any
	if p.def != nil {
		if def, err := rc.eval(p.def); err == nil {
			like = def
		}
	}
	value, err := Coerce(supplied, like)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", p.name, err)
	}
	if len(p.choices) > 0 && !containsValue(p.choices, value) {
		return nil, fmt.Errorf("%w: %v not in %v", ErrInvalidChoice, value, p.choices)
	}
	return value, nil
}

// Coerce converts a supplied value to the dynamic type of like. Values with
// no usable type hint are returned unchanged.
func Coerce(value, like any) (any, error) {
	if like == nil || value == nil {
		return value, nil
	}
	switch like.(type) {
	case bool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("cannot use %q as a boolean", v)
			}
			return b, nil
		}
	case int:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != float64(int(v)) {
				return nil, fmt.Errorf("cannot use %v as an integer", v)
			}
			return int(v), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("cannot use %q as an integer", v)
			}
			return n, nil
		}
	case float64:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot use %q as a number", v)
			}
			return f, nil
		}
	case string:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	case []any, []string:
		if s, ok := value.(string); ok {
			var out []any
			for _, part := range strings.Split(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out, nil
		}
	}
	return value, nil
}

// TypeName names the type of a parameter default for listings.
func TypeName(value any) string {
	switch value.(type) {
	case nil:
		return "string"
	case bool:
		return "bool"
	case int, int64:
		return "int"
	case float64:
		return "number"
	case string:
		return "string"
	case []any, []string, *ListView:
		return "list"
	case map[string]any, *MapView:
		return "map"
	}
	return reflect.TypeOf(value).String()
}

func containsValue(choices []any, value any) bool {
	for _, c := range choices {
		if reflect.DeepEqual(c, value) || fmt.Sprint(c) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}
