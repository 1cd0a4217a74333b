package vars

import "sort"

// Table is an ordered set of variable bindings for one scope. Plain names
// hold one variable each (last put wins); repeatable names keep every
// registration in order.
type Table struct {
	order   []Name
	vars    map[Name]Variable
	repeats map[Name][]Variable
}

// NewTable returns a table holding vs, which must already be named.
func NewTable(vs ...Variable) *Table {
	t := &Table{vars: make(map[Name]Variable), repeats: make(map[Name][]Variable)}
	for _, v := range vs {
		t.Put(v)
	}
	return t
}

// Put binds v under its own name.
func (t *Table) Put(v Variable) {
	name := v.Name()
	if name.IsRepeatable() {
		t.repeats[name] = append(t.repeats[name], v)
		return
	}
	if _, ok := t.vars[name]; !ok {
		t.order = append(t.order, name)
	}
	t.vars[name] = v
}

// Set binds v under name, renaming a copy of v.
func (t *Table) Set(name Name, v Variable) {
	t.Put(v.WithName(name))
}

// SetValue binds a plain value under the dotted name.
func (t *Table) SetValue(name string, value any) {
	t.Set(ParseName(name), Value(value))
}

// Get returns the variable bound to name.
func (t *Table) Get(name Name) (Variable, bool) {
	v, ok := t.vars[name]
	return v, ok
}

// Markers returns the registrations under a repeatable path.
func (t *Table) Markers(path Name) []Variable {
	return append([]Variable(nil), t.repeats[Repeatable(path)]...)
}

// Names lists plain names in first-bound order.
func (t *Table) Names() []Name {
	return append([]Name(nil), t.order...)
}

// Variables lists plain bindings in first-bound order.
func (t *Table) Variables() []Variable {
	out := make([]Variable, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, t.vars[n])
	}
	return out
}

// Len counts the plain bindings and registrations.
func (t *Table) Len() int {
	n := len(t.vars)
	for _, r := range t.repeats {
		n += len(r)
	}
	return n
}

// Merge puts every binding of other into t.
func (t *Table) Merge(other *Table) {
	if other == nil {
		return
	}
	for _, n := range other.order {
		t.Put(other.vars[n])
	}
	paths := make([]Name, 0, len(other.repeats))
	for p := range other.repeats {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	for _, p := range paths {
		t.repeats[p] = append(t.repeats[p], other.repeats[p]...)
	}
}

// Clone returns an independent copy of t.
func (t *Table) Clone() *Table {
	out := NewTable()
	out.Merge(t)
	return out
}

// Layered is a scope chain: read-only tables ordered root-most first plus one
// writable table for bindings made at this scope.
type Layered struct {
	layers   []*Table
	writable *Table
}

// NewLayered builds a scope over layers with an empty writable table.
func NewLayered(layers ...*Table) *Layered {
	out := &Layered{writable: NewTable()}
	for _, l := range layers {
		if l != nil {
			out.layers = append(out.layers, l)
		}
	}
	return out
}

// With returns a child scope: the receiver's layers and writable table
// become read-only ancestors of the given layers.
func (l *Layered) With(layers ...*Table) *Layered {
	all := make([]*Table, 0, len(l.layers)+1+len(layers))
	all = append(all, l.layers...)
	all = append(all, l.writable)
	all = append(all, layers...)
	return NewLayered(all...)
}

// WithWritable returns a scope over the same layers that writes to w.
func (l *Layered) WithWritable(w *Table) *Layered {
	return &Layered{layers: l.layers, writable: w}
}

// Writable is the table that declarations at this scope go to.
func (l *Layered) Writable() *Table { return l.writable }

// Layers returns the read-only tables, root-most first.
func (l *Layered) Layers() []*Table { return append([]*Table(nil), l.layers...) }

// Lookup checks the writable table, then layers from most specific to root.
func (l *Layered) Lookup(name Name) (Variable, bool) {
	if v, ok := l.writable.Get(name); ok {
		return v, true
	}
	for i := len(l.layers) - 1; i >= 0; i-- {
		if v, ok := l.layers[i].Get(name); ok {
			return v, true
		}
	}
	return nil, false
}

// Entries merges registrations root-most first, writable last.
func (l *Layered) Entries(path Name) []Variable {
	var out []Variable
	for _, t := range l.layers {
		out = append(out, t.Markers(path)...)
	}
	return append(out, l.writable.Markers(path)...)
}

// Names lists every plain name visible from this scope, sorted.
func (l *Layered) Names() []Name {
	seen := make(map[Name]bool)
	var out []Name
	add := func(t *Table) {
		for _, n := range t.order {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	for _, t := range l.layers {
		add(t)
	}
	add(l.writable)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
