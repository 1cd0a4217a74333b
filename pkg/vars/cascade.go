package vars

import (
	"fmt"
	"sort"
	"strconv"
)

// Entry pairs a map key with its variable.
type Entry struct {
	Key string
	Var Variable
}

// KV builds an Entry.
func KV(key string, v Variable) Entry { return Entry{Key: key, Var: v} }

// Cascade is a list or map whose value is its own local entries followed by
// every append or expand marker registered under its path anywhere in the
// scope chain.
type Cascade struct {
	meta
	keyed   bool
	items   []Variable
	entries []Entry
}

// CascadeList declares a cascading list with the given local items.
func CascadeList(items ...Variable) Cascade {
	return Cascade{items: append([]Variable(nil), items...)}
}

// CascadeMap declares a cascading map with the given local entries.
func CascadeMap(entries ...Entry) Cascade {
	return Cascade{keyed: true, entries: append([]Entry(nil), entries...)}
}

func (c Cascade) WithName(n Name) Variable  { c.name = n; return c }
func (c Cascade) WithID(id string) Variable { c.id = id; return c }

// IsMap reports whether c is a cascading map.
func (c Cascade) IsMap() bool { return c.keyed }

// Add registers item as one more trailing list element.
func (c Cascade) Add(w *Table, item Variable) {
	w.Put(marker{meta: meta{name: Repeatable(c.name)}, kind: markAppend, index: -1, item: item})
}

// Set registers item at index i, replacing whatever an earlier registration
// or local item put there. An index past the end appends.
func (c Cascade) Set(w *Table, i int, item Variable) {
	w.Put(marker{meta: meta{name: Repeatable(c.name)}, kind: markAppend, index: i, item: item})
}

// AddAll registers every element of source (a list-valued variable).
func (c Cascade) AddAll(w *Table, source Variable) {
	w.Put(marker{meta: meta{name: Repeatable(c.name)}, kind: markExpand, item: source})
}

// Put registers item under key.
func (c Cascade) Put(w *Table, key string, item Variable) {
	w.Put(marker{meta: meta{name: Repeatable(c.name)}, kind: markAppend, key: key, index: -1, item: item})
}

// PutAll registers every entry of source (a map-valued variable).
func (c Cascade) PutAll(w *Table, source Variable) {
	c.AddAll(w, source)
}

// AsCascade returns v as a cascade if it is one.
func AsCascade(v Variable) (Cascade, bool) {
	c, ok := v.(Cascade)
	return c, ok
}

func (c Cascade) get(rc *Context) (any, error) {
	var registered []Variable
	if rc.Where != nil && !c.name.IsZero() {
		registered = EntriesOf(c.name, rc.Where)
	}
	if c.keyed {
		return c.resolveMap(rc, registered)
	}
	return c.resolveList(rc, registered)
}

func (c Cascade) resolveList(rc *Context, registered []Variable) (any, error) {
	items := make([]Variable, 0, len(c.items)+len(registered))
	items = append(items, c.items...)
	for _, r := range registered {
		m, ok := r.(marker)
		if !ok {
			items = append(items, r)
			continue
		}
		switch m.kind {
		case markAppend:
			if m.index >= 0 && m.index < len(items) {
				items[m.index] = m.item
			} else {
				items = append(items, m.item)
			}
		case markExpand:
			value, err := rc.eval(m.item)
			if err != nil {
				return nil, err
			}
			src, err := asListView(rc, m.item.Name(), value)
			if err != nil {
				return nil, err
			}
			kept, err := src.kept()
			if err != nil {
				return nil, err
			}
			items = append(items, kept...)
		}
	}
	for i, item := range items {
		items[i] = item.WithName(c.name.Child(strconv.Itoa(i)))
	}
	return &ListView{rc: rc, name: c.name, items: items}, nil
}

func (c Cascade) resolveMap(rc *Context, registered []Variable) (any, error) {
	view := &MapView{rc: rc, name: c.name, index: make(map[string]int)}
	for _, e := range c.entries {
		view.put(e.Key, e.Var)
	}
	for _, r := range registered {
		m, ok := r.(marker)
		if !ok {
			m = marker{kind: markExpand, item: r}
		}
		switch m.kind {
		case markAppend:
			view.put(m.key, m.item)
		case markExpand:
			value, err := rc.eval(m.item)
			if err != nil {
				return nil, err
			}
			src, err := asMapView(rc, m.item.Name(), value)
			if err != nil {
				return nil, err
			}
			keys, items, err := src.kept()
			if err != nil {
				return nil, err
			}
			for i, key := range keys {
				view.put(key, items[i])
			}
		}
	}
	for i, key := range view.keys {
		view.items[i] = view.items[i].WithName(c.name.Child(key))
	}
	return view, nil
}

type markerKind int

const (
	markAppend markerKind = iota
	markExpand
)

func (k markerKind) String() string {
	if k == markExpand {
		return "expandable"
	}
	return "appended"
}

// marker records a contribution to a cascade. Markers are never resolvable on
// their own.
type marker struct {
	meta
	kind  markerKind
	index int
	key   string
	item  Variable
}

// Appended is a list marker that adds item to the cascade bound to the same
// path.
func Appended(item Variable) Variable {
	return marker{kind: markAppend, index: -1, item: item}
}

// AppendedAt is a list marker that places item at index i.
func AppendedAt(i int, item Variable) Variable {
	return marker{kind: markAppend, index: i, item: item}
}

// AppendedKey is a map marker that puts item under key.
func AppendedKey(key string, item Variable) Variable {
	return marker{kind: markAppend, index: -1, key: key, item: item}
}

// Expandable is a marker that splices every element or key of source.
func Expandable(source Variable) Variable {
	return marker{kind: markExpand, item: source}
}

func (m marker) WithName(n Name) Variable  { m.name = n; return m }
func (m marker) WithID(id string) Variable { m.id = id; return m }
func (m marker) get(*Context) (any, error) { return nil, ErrMarker }

// ListView is the live value of a list variable. Elements are resolved only
// when read.
type ListView struct {
	rc    *Context
	name  Name
	items []Variable
	keep  []KeepFunc
}

// Items returns the element variables before filtering.
func (l *ListView) Items() []Variable { return append([]Variable(nil), l.items...) }

// Values resolves every element, applying any filters.
func (l *ListView) Values() ([]any, error) {
	out := make([]any, 0, len(l.items))
	for _, item := range l.items {
		value, err := l.rc.Resolve(item)
		if err != nil {
			return nil, err
		}
		if l.accepts(value) {
			out = append(out, value)
		}
	}
	return out, nil
}

// Len resolves the view and counts the kept elements.
func (l *ListView) Len() (int, error) {
	values, err := l.Values()
	return len(values), err
}

func (l *ListView) accepts(value any) bool {
	for _, keep := range l.keep {
		if !keep(value) {
			return false
		}
	}
	return true
}

// kept returns the element variables that pass the filters. Elements of an
// unfiltered view are not resolved.
func (l *ListView) kept() ([]Variable, error) {
	if len(l.keep) == 0 {
		return l.items, nil
	}
	out := make([]Variable, 0, len(l.items))
	for _, item := range l.items {
		value, err := l.rc.Resolve(item)
		if err != nil {
			return nil, err
		}
		if l.accepts(value) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (l *ListView) filtered(keep KeepFunc) *ListView {
	out := *l
	out.keep = append(append([]KeepFunc(nil), l.keep...), keep)
	return &out
}

// MapView is the live value of a map variable. Keys keep insertion order.
type MapView struct {
	rc    *Context
	name  Name
	keys  []string
	items []Variable
	index map[string]int
	keep  []KeepFunc
}

func (m *MapView) put(key string, v Variable) {
	if i, ok := m.index[key]; ok {
		m.items[i] = v
		return
	}
	m.index[key] = len(m.keys)
	m.keys = append(m.keys, key)
	m.items = append(m.items, v)
}

// Keys returns the keys in insertion order, before filtering.
func (m *MapView) Keys() []string { return append([]string(nil), m.keys...) }

// Lookup returns the entry variable for key.
func (m *MapView) Lookup(key string) (Variable, bool) {
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.items[i], true
}

// Get resolves a single key. Filtered entries report ok=false.
func (m *MapView) Get(key string) (any, bool, error) {
	v, ok := m.Lookup(key)
	if !ok {
		return nil, false, nil
	}
	value, err := m.rc.Resolve(v)
	if err != nil || !m.accepts(value) {
		return nil, false, err
	}
	return value, true, nil
}

// Entries resolves the map in key order, applying any filters.
func (m *MapView) Entries() ([]string, []any, error) {
	keys := make([]string, 0, len(m.keys))
	values := make([]any, 0, len(m.keys))
	for i, key := range m.keys {
		value, err := m.rc.Resolve(m.items[i])
		if err != nil {
			return nil, nil, err
		}
		if m.accepts(value) {
			keys = append(keys, key)
			values = append(values, value)
		}
	}
	return keys, values, nil
}

func (m *MapView) accepts(value any) bool {
	for _, keep := range m.keep {
		if !keep(value) {
			return false
		}
	}
	return true
}

// kept returns the keys and entry variables that pass the filters.
func (m *MapView) kept() ([]string, []Variable, error) {
	if len(m.keep) == 0 {
		return m.keys, m.items, nil
	}
	var keys []string
	var items []Variable
	for i, key := range m.keys {
		value, err := m.rc.Resolve(m.items[i])
		if err != nil {
			return nil, nil, err
		}
		if m.accepts(value) {
			keys = append(keys, key)
			items = append(items, m.items[i])
		}
	}
	return keys, items, nil
}

func (m *MapView) filtered(keep KeepFunc) *MapView {
	out := *m
	out.keep = append(append([]KeepFunc(nil), m.keep...), keep)
	return &out
}

func asListView(rc *Context, name Name, value any) (*ListView, error) {
	switch v := value.(type) {
	case *ListView:
		return v, nil
	case []any:
		items := make([]Variable, len(v))
		for i, x := range v {
			items[i] = Value(x)
		}
		return &ListView{rc: rc, name: name, items: items}, nil
	case []string:
		items := make([]Variable, len(v))
		for i, x := range v {
			items[i] = Value(x)
		}
		return &ListView{rc: rc, name: name, items: items}, nil
	case nil:
		return &ListView{rc: rc, name: name}, nil
	}
	return nil, fmt.Errorf("%w: expected a list, got %T", ErrNotACollection, value)
}

func asMapView(rc *Context, name Name, value any) (*MapView, error) {
	switch v := value.(type) {
	case *MapView:
		return v, nil
	case map[string]any:
		view := &MapView{rc: rc, name: name, index: make(map[string]int, len(v))}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			view.put(k, Value(v[k]))
		}
		return view, nil
	case nil:
		return &MapView{rc: rc, name: name, index: map[string]int{}}, nil
	}
	return nil, fmt.Errorf("%w: expected a map, got %T", ErrNotACollection, value)
}
