package vars

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// Class selects the key material used for encrypted values.
type Class string

const (
	ClassProd  Class = "prod"
	ClassTest  Class = "test"
	ClassLocal Class = "local"
)

// ParseClass validates a class name. The empty string is accepted and
// means "inherit".
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case "", ClassProd, ClassTest, ClassLocal:
		return Class(s), nil
	}
	return "", fmt.Errorf("unknown environment class %q", s)
}

// Environment is the part of an environment that resolution needs.
type Environment interface {
	Name() string
	Class() Class
}

// Decrypter turns ciphertext into plaintext with the key for class.
type Decrypter interface {
	Decrypt(class Class, ciphertext string) (string, error)
}

// DecrypterFunc adapts a function to Decrypter.
type DecrypterFunc func(class Class, ciphertext string) (string, error)

func (f DecrypterFunc) Decrypt(class Class, ciphertext string) (string, error) {
	return f(class, ciphertext)
}

// Authorizer decides whether a variable may be resolved.
type Authorizer interface {
	Allow(env Environment, v Variable) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(env Environment, v Variable) bool

func (f AuthorizerFunc) Allow(env Environment, v Variable) bool { return f(env, v) }

// AllOf allows a variable only if every non-nil authorizer does.
func AllOf(authorizers ...Authorizer) Authorizer {
	return AuthorizerFunc(func(env Environment, v Variable) bool {
		for _, a := range authorizers {
			if a != nil && !a.Allow(env, v) {
				return false
			}
		}
		return true
	})
}

// Cache memoizes resolved values by variable name. Implementations are not
// required to be safe for concurrent writers.
type Cache interface {
	Get(name Name) (any, bool)
	Put(name Name, value any)
}

// MapCache is the default Cache.
type MapCache map[Name]any

// NewMapCache returns an empty MapCache.
func NewMapCache() MapCache { return make(MapCache) }

func (c MapCache) Get(name Name) (any, bool) {
	v, ok := c[name]
	return v, ok
}

func (c MapCache) Put(name Name, value any) { c[name] = value }

// Scope is the chain of tables that name lookups and cascades search.
type Scope interface {
	// Lookup finds the most specific variable bound to name.
	Lookup(name Name) (Variable, bool)
	// Entries lists every variable registered under the repeatable path,
	// root-most scope first.
	Entries(path Name) []Variable
}

// EntriesOf lists the contributions registered for the collection name in
// where.
func EntriesOf(name Name, where Scope) []Variable {
	if where == nil {
		return nil
	}
	return where.Entries(Repeatable(name))
}

// Context carries everything a single evaluation needs. A Context is owned by
// one execution unit at a time; use Fork to give a concurrent unit its own.
type Context struct {
	Env        Environment
	Authorizer Authorizer
	Cache      Cache
	Params     map[string]any
	Where      Scope
	Decrypter  Decrypter
	Logger     zerolog.Logger

	stack []Name
}

// NewContext returns a context over where with a fresh cache.
func NewContext(env Environment, where Scope) *Context {
	return &Context{
		Env:    env,
		Cache:  NewMapCache(),
		Params: map[string]any{},
		Where:  where,
		Logger: zerolog.Nop(),
	}
}

// Fork returns a context sharing the environment, authorizer, parameters and
// decrypter of rc, with its own cache and the given scope.
func (rc *Context) Fork(where Scope) *Context {
	out := &Context{
		Env:        rc.Env,
		Authorizer: rc.Authorizer,
		Params:     rc.Params,
		Where:      where,
		Decrypter:  rc.Decrypter,
		Logger:     rc.Logger,
	}
	if rc.Cache != nil {
		out.Cache = NewMapCache()
	}
	return out
}

// Resolve authorizes and resolves v.
func (rc *Context) Resolve(v Variable) (any, error) {
	if v == nil {
		return nil, annotate(Name{}, ErrMissing)
	}
	if rc.Authorizer != nil && !rc.Authorizer.Allow(rc.Env, v) {
		rc.Logger.Debug().Str("var", v.Name().String()).Msg("variable access denied")
		return nil, annotate(v.Name(), fmt.Errorf("%w: %s", ErrAccessDenied, Describe(v)))
	}
	return rc.eval(v)
}

// eval dispatches to the variant, tracking the path chain for cycle
// detection and error annotation.
func (rc *Context) eval(v Variable) (any, error) {
	if v == nil {
		return nil, nil
	}
	name := v.Name()
	if !name.IsZero() {
		for _, n := range rc.stack {
			if n == name {
				return nil, annotate(name, ErrCycle)
			}
		}
		rc.stack = append(rc.stack, name)
		defer func() { rc.stack = rc.stack[:len(rc.stack)-1] }()
	}
	value, err := v.get(rc)
	if err != nil {
		return nil, annotate(name, err)
	}
	return value, nil
}

// Lookup finds the variable bound to name in the current scope.
func (rc *Context) Lookup(name Name) (Variable, bool) {
	if rc.Where == nil {
		return nil, false
	}
	return rc.Where.Lookup(name)
}

// ResolveName resolves the variable bound to name. When name itself is not
// bound, the longest bound prefix is resolved and the remaining segments
// index into the resulting collection.
func (rc *Context) ResolveName(name Name) (any, error) {
	if v, ok := rc.Lookup(name); ok {
		return rc.Resolve(v)
	}
	segs := name.Segments()
	for i := len(segs) - 1; i > 0; i-- {
		prefix := NewName(segs[:i]...)
		v, ok := rc.Lookup(prefix)
		if !ok {
			continue
		}
		value, err := rc.Resolve(v)
		if err != nil {
			return nil, err
		}
		return rc.navigate(name, value, segs[i:])
	}
	return nil, annotate(name, ErrMissing)
}

func (rc *Context) navigate(name Name, value any, rest []string) (any, error) {
	for _, seg := range rest {
		switch c := value.(type) {
		case *MapView:
			next, ok, err := c.Get(seg)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, annotate(name, ErrMissing)
			}
			value = next
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, annotate(name, ErrMissing)
			}
			value = next
		case *ListView, []any:
			values, err := rc.listValues(c)
			if err != nil {
				return nil, err
			}
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(values) {
				return nil, annotate(name, ErrMissing)
			}
			value = values[i]
		default:
			return nil, annotate(name, ErrMissing)
		}
	}
	return value, nil
}

func (rc *Context) listValues(value any) ([]any, error) {
	if l, ok := value.(*ListView); ok {
		return l.Values()
	}
	return value.([]any), nil
}

// Concrete resolves v and converts every nested view into plain data.
func (rc *Context) Concrete(v Variable) (any, error) {
	value, err := rc.Resolve(v)
	if err != nil {
		return nil, err
	}
	return rc.concrete(value)
}

// ConcreteName is Concrete for the variable bound to name.
func (rc *Context) ConcreteName(name Name) (any, error) {
	value, err := rc.ResolveName(name)
	if err != nil {
		return nil, err
	}
	return rc.concrete(value)
}

// ConcreteValue converts an already resolved value into plain data.
func (rc *Context) ConcreteValue(value any) (any, error) {
	return rc.concrete(value)
}

func (rc *Context) concrete(value any) (any, error) {
	switch v := value.(type) {
	case Variable:
		return rc.Concrete(v)
	case *ListView:
		values, err := v.Values()
		if err != nil {
			return nil, err
		}
		return rc.concreteSlice(values)
	case *MapView:
		keys, values, err := v.Entries()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(keys))
		for i, key := range keys {
			c, err := rc.concrete(values[i])
			if err != nil {
				return nil, err
			}
			out[key] = c
		}
		return out, nil
	case []any:
		return rc.concreteSlice(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, x := range v {
			c, err := rc.concrete(x)
			if err != nil {
				return nil, err
			}
			out[key] = c
		}
		return out, nil
	}
	return value, nil
}

func (rc *Context) concreteSlice(values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, x := range values {
		c, err := rc.concrete(x)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// ResolveAs resolves name to plain data and asserts its type.
func ResolveAs[T any](rc *Context, name string) (T, error) {
	var zero T
	value, err := rc.ConcreteName(ParseName(name))
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	out, ok := value.(T)
	if !ok {
		return zero, annotate(ParseName(name), fmt.Errorf("expected %T, got %T", zero, value))
	}
	return out, nil
}
