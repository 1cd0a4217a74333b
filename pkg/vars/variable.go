package vars

import (
	"fmt"
)

// Variable is a named, resolvable value. The set of implementations is closed
// to this package; use the constructors below to build one.
//
// Variables are values: WithName and WithID return modified copies and never
// change the receiver, so one unbound definition can be bound under many
// paths.
type Variable interface {
	Name() Name
	ID() string
	WithName(name Name) Variable
	WithID(id string) Variable

	get(rc *Context) (any, error)
}

type meta struct {
	name Name
	id   string
}

func (m meta) Name() Name { return m.name }
func (m meta) ID() string { return m.id }

// Named binds v to the dotted path name.
func Named(name string, v Variable) Variable {
	return v.WithName(ParseName(name))
}

// Describe renders a variable for diagnostics.
func Describe(v Variable) string {
	if v == nil {
		return "<nil>"
	}
	kind := Kind(v)
	switch {
	case v.ID() != "" && !v.Name().IsZero():
		return fmt.Sprintf("%s %s (%s)", kind, v.Name(), v.ID())
	case !v.Name().IsZero():
		return fmt.Sprintf("%s %s", kind, v.Name())
	}
	return kind
}

// Kind names the variant of v.
func Kind(v Variable) string {
	switch x := v.(type) {
	case simple:
		return "value"
	case lazy:
		return "lazy"
	case cached:
		return "cached"
	case abstract:
		return "abstract"
	case encrypted:
		return "encrypted"
	case transform:
		return "transform"
	case filter:
		return "filter"
	case UserParam:
		return "parameter"
	case Cascade:
		if x.keyed {
			return "cascade-map"
		}
		return "cascade-list"
	case marker:
		return x.kind.String()
	}
	return "unknown"
}

// simple wraps a concrete value.
type simple struct {
	meta
	value any
}

// Value returns a variable that resolves to v.
func Value(v any) Variable { return simple{value: v} }

func (v simple) WithName(n Name) Variable  { v.name = n; return v }
func (v simple) WithID(id string) Variable { v.id = id; return v }
func (v simple) get(*Context) (any, error) { return v.value, nil }

// LazyFunc computes a value against the current resolution context.
type LazyFunc func(rc *Context) (any, error)

type lazy struct {
	meta
	fn LazyFunc
}

// Lazy returns a variable computed on every resolution.
func Lazy(fn LazyFunc) Variable { return lazy{fn: fn} }

// Ref returns a lazy variable that resolves another name in the current scope.
func Ref(name string) Variable {
	target := ParseName(name)
	return lazy{fn: func(rc *Context) (any, error) {
		return rc.ResolveName(target)
	}}
}

func (v lazy) WithName(n Name) Variable  { v.name = n; return v }
func (v lazy) WithID(id string) Variable { v.id = id; return v }

func (v lazy) get(rc *Context) (any, error) {
	if v.fn == nil {
		return nil, nil
	}
	return v.fn(rc)
}

// cached memoizes its backend under the variable's own name.
type cached struct {
	meta
	backend Variable
}

// Cached memoizes backend in the context cache. An unnamed variable or a
// context without a cache always recomputes.
func Cached(backend Variable) Variable { return cached{backend: backend} }

func (v cached) WithName(n Name) Variable  { v.name = n; return v }
func (v cached) WithID(id string) Variable { v.id = id; return v }

func (v cached) get(rc *Context) (any, error) {
	if v.name.IsZero() || rc.Cache == nil {
		return rc.eval(v.backend)
	}
	if value, ok := rc.Cache.Get(v.name); ok {
		return value, nil
	}
	value, err := rc.eval(v.backend)
	if err != nil {
		return nil, err
	}
	rc.Cache.Put(v.name, value)
	rc.Logger.Trace().Str("var", v.name.String()).Msg("cached variable computed")
	return value, nil
}

type abstract struct {
	meta
}

// Abstract declares a variable that a more specific scope must override.
func Abstract() Variable { return abstract{} }

func (v abstract) WithName(n Name) Variable  { v.name = n; return v }
func (v abstract) WithID(id string) Variable { v.id = id; return v }
func (v abstract) get(*Context) (any, error) { return nil, ErrAbstract }

type encrypted struct {
	meta
	inner Variable
}

// Encrypted decrypts the string value of inner with the key that belongs to
// the active environment's class.
func Encrypted(inner Variable) Variable { return encrypted{inner: inner} }

func (v encrypted) WithName(n Name) Variable  { v.name = n; return v }
func (v encrypted) WithID(id string) Variable { v.id = id; return v }

func (v encrypted) get(rc *Context) (any, error) {
	if rc.Env == nil {
		return nil, ErrNoEnvironment
	}
	if rc.Decrypter == nil {
		return nil, ErrNoDecrypter
	}
	raw, err := rc.eval(v.inner)
	if err != nil {
		return nil, err
	}
	cipher, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("encrypted value must be a string, got %T", raw)
	}
	return rc.Decrypter.Decrypt(rc.Env.Class(), cipher)
}

// TransformFunc maps a resolved value to a new one.
type TransformFunc func(value any) (any, error)

type transform struct {
	meta
	inner Variable
	fn    TransformFunc
}

// Transform applies fn to the resolved value of inner.
func Transform(inner Variable, fn TransformFunc) Variable {
	return transform{inner: inner, fn: fn}
}

func (v transform) WithName(n Name) Variable  { v.name = n; return v }
func (v transform) WithID(id string) Variable { v.id = id; return v }

func (v transform) get(rc *Context) (any, error) {
	value, err := rc.eval(v.inner)
	if err != nil {
		return nil, err
	}
	return v.fn(value)
}

// KeepFunc decides whether a resolved collection entry is kept.
type KeepFunc func(value any) bool

type filter struct {
	meta
	inner Variable
	keep  KeepFunc
	keyed bool
}

// FilterList lazily drops list entries for which keep returns false.
func FilterList(inner Variable, keep KeepFunc) Variable {
	return filter{inner: inner, keep: keep}
}

// FilterMap lazily drops map entries for which keep returns false.
func FilterMap(inner Variable, keep KeepFunc) Variable {
	return filter{inner: inner, keep: keep, keyed: true}
}

func (v filter) WithName(n Name) Variable  { v.name = n; return v }
func (v filter) WithID(id string) Variable { v.id = id; return v }

func (v filter) get(rc *Context) (any, error) {
	value, err := rc.eval(v.inner)
	if err != nil {
		return nil, err
	}
	if v.keyed {
		m, err := asMapView(rc, v.name, value)
		if err != nil {
			return nil, err
		}
		return m.filtered(v.keep), nil
	}
	l, err := asListView(rc, v.name, value)
	if err != nil {
		return nil, err
	}
	return l.filtered(v.keep), nil
}
