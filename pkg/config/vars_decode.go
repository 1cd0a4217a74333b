package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/openfroyo/rollout/pkg/vars"
)

// Variable blocks map dotted names to values. A value is plain data unless
// it is a struct with a single "$"-prefixed field, which selects a variant:
//
//	"db.host":    "db-1"
//	"db.url":     {$lazy: "'postgres://' + var('db.host')"}
//	"db.port":    {$param: {default: 5432, choices: [5432, 6432]}}
//	"db.replica": {$ref: "db.host"}
//	"packages":   {$list: ["curl", "git"]}
//	"packages":   {$append: "vim"}
//
// $append, $appendAt, $put and $expand contribute to a list or map declared
// in an enclosing scope and are only allowed at the top of a block.

// decodeVars decodes a vars block in declaration order.
func (cp *CUEParser) decodeVars(path string, block cue.Value) ([]vars.Variable, error) {
	if !block.Exists() {
		return nil, nil
	}
	iter, err := block.Fields()
	if err != nil {
		return nil, err
	}

	var out []vars.Variable
	var errs ValidationErrors
	for iter.Next() {
		name := iter.Selector().Unquoted()
		if err := vars.ValidateName(name); err != nil {
			errs = append(errs, ValidationError{Path: path + ".vars", Message: err.Error()})
			continue
		}
		decoded, err := cp.decodeVar(path+"."+name, name, iter.Value())
		if err != nil {
			errs = append(errs, ValidationError{Path: path + ".vars." + name, Message: err.Error()})
			continue
		}
		out = append(out, decoded...)
	}
	if len(errs) > 0 {
		return out, errs
	}
	return out, nil
}

// decodeVar decodes one top-level entry. Contributions to a cascade may
// yield several markers.
func (cp *CUEParser) decodeVar(path, name string, v cue.Value) ([]vars.Variable, error) {
	key, arg, ok := directive(v)
	if !ok {
		decoded, err := cp.decodeVariable(path, v)
		if err != nil {
			return nil, err
		}
		return []vars.Variable{vars.Named(name, decoded)}, nil
	}

	repeat := name + "." + vars.Wildcard
	switch key {
	case "$append":
		item, err := cp.decodeVariable(path, arg)
		if err != nil {
			return nil, err
		}
		return []vars.Variable{vars.Named(repeat, vars.Appended(item))}, nil

	case "$appendAt":
		idx, err := arg.LookupPath(cue.ParsePath("index")).Int64()
		if err != nil {
			return nil, fmt.Errorf("$appendAt: index: %w", err)
		}
		item, err := cp.decodeVariable(path, arg.LookupPath(cue.ParsePath("value")))
		if err != nil {
			return nil, err
		}
		return []vars.Variable{vars.Named(repeat, vars.AppendedAt(int(idx), item))}, nil

	case "$put":
		iter, err := arg.Fields()
		if err != nil {
			return nil, fmt.Errorf("$put: %w", err)
		}
		var out []vars.Variable
		for iter.Next() {
			k := iter.Selector().Unquoted()
			item, err := cp.decodeVariable(path+"."+k, iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, vars.Named(repeat, vars.AppendedKey(k, item)))
		}
		return out, nil

	case "$expand":
		source, err := cp.decodeVariable(path, arg)
		if err != nil {
			return nil, err
		}
		return []vars.Variable{vars.Named(repeat, vars.Expandable(source))}, nil
	}

	decoded, err := cp.decodeVariable(path, v)
	if err != nil {
		return nil, err
	}
	return []vars.Variable{vars.Named(name, decoded)}, nil
}

// decodeVariable decodes an unbound variable definition.
func (cp *CUEParser) decodeVariable(path string, v cue.Value) (vars.Variable, error) {
	if !v.Exists() {
		return nil, fmt.Errorf("value is missing")
	}
	key, arg, ok := directive(v)
	if !ok {
		plain, err := decodeAny(v)
		if err != nil {
			return nil, err
		}
		return vars.Value(plain), nil
	}

	switch key {
	case "$ref":
		target, err := arg.String()
		if err != nil {
			return nil, fmt.Errorf("$ref: %w", err)
		}
		if err := vars.ValidateName(target); err != nil {
			return nil, fmt.Errorf("$ref: %w", err)
		}
		return vars.Ref(target), nil

	case "$lazy":
		src, err := arg.String()
		if err != nil {
			return nil, fmt.Errorf("$lazy: %w", err)
		}
		fn, err := cp.starlarkEvaluator.Lazy(path, src)
		if err != nil {
			return nil, err
		}
		return vars.Lazy(fn), nil

	case "$cached":
		backend, err := cp.decodeVariable(path, arg)
		if err != nil {
			return nil, err
		}
		return vars.Cached(backend), nil

	case "$encrypted":
		ciphertext, err := arg.String()
		if err != nil {
			return nil, fmt.Errorf("$encrypted: %w", err)
		}
		return vars.Encrypted(vars.Value(ciphertext)), nil

	case "$abstract":
		return vars.Abstract(), nil

	case "$param":
		return cp.decodeParam(path, arg)

	case "$list":
		list, err := arg.List()
		if err != nil {
			return nil, fmt.Errorf("$list: %w", err)
		}
		var items []vars.Variable
		for i := 0; list.Next(); i++ {
			item, err := cp.decodeVariable(fmt.Sprintf("%s.%d", path, i), list.Value())
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return vars.CascadeList(items...), nil

	case "$map":
		iter, err := arg.Fields()
		if err != nil {
			return nil, fmt.Errorf("$map: %w", err)
		}
		var entries []vars.Entry
		for iter.Next() {
			k := iter.Selector().Unquoted()
			item, err := cp.decodeVariable(path+"."+k, iter.Value())
			if err != nil {
				return nil, err
			}
			entries = append(entries, vars.KV(k, item))
		}
		return vars.CascadeMap(entries...), nil

	case "$transform":
		inner, err := cp.decodeVariable(path, arg.LookupPath(cue.ParsePath("value")))
		if err != nil {
			return nil, err
		}
		src, err := arg.LookupPath(cue.ParsePath("expr")).String()
		if err != nil {
			return nil, fmt.Errorf("$transform: expr: %w", err)
		}
		fn, err := cp.starlarkEvaluator.Transform(path, src)
		if err != nil {
			return nil, err
		}
		return vars.Transform(inner, fn), nil

	case "$append", "$appendAt", "$put", "$expand":
		return nil, fmt.Errorf("%s is only allowed at the top of a vars block", key)
	}
	return nil, fmt.Errorf("unknown directive %s", key)
}

func (cp *CUEParser) decodeParam(path string, arg cue.Value) (vars.Variable, error) {
	var opts []vars.ParamOption
	var def vars.Variable

	if arg.Kind() != cue.StructKind {
		return nil, fmt.Errorf("$param: expected a struct")
	}
	if d := arg.LookupPath(cue.ParsePath("default")); d.Exists() {
		var err error
		if def, err = cp.decodeVariable(path, d); err != nil {
			return nil, err
		}
	}
	if r := arg.LookupPath(cue.ParsePath("required")); r.Exists() {
		if required, err := r.Bool(); err != nil {
			return nil, fmt.Errorf("$param: required: %w", err)
		} else if required {
			opts = append(opts, vars.Required())
		}
	}
	if h := arg.LookupPath(cue.ParsePath("hidden")); h.Exists() {
		if hidden, err := h.Bool(); err != nil {
			return nil, fmt.Errorf("$param: hidden: %w", err)
		} else if hidden {
			opts = append(opts, vars.Hidden())
		}
	}
	if o := arg.LookupPath(cue.ParsePath("order")); o.Exists() {
		n, err := o.Int64()
		if err != nil {
			return nil, fmt.Errorf("$param: order: %w", err)
		}
		opts = append(opts, vars.Order(int(n)))
	}
	if d := arg.LookupPath(cue.ParsePath("description")); d.Exists() {
		s, err := d.String()
		if err != nil {
			return nil, fmt.Errorf("$param: description: %w", err)
		}
		opts = append(opts, vars.Description(s))
	}
	if c := arg.LookupPath(cue.ParsePath("choices")); c.Exists() {
		raw, err := decodeAny(c)
		if err != nil {
			return nil, fmt.Errorf("$param: choices: %w", err)
		}
		choices, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("$param: choices must be a list")
		}
		opts = append(opts, vars.Choices(choices...))
	}
	return vars.Parameter(def, opts...), nil
}

// directive reports whether v is a single-field struct naming a variant.
func directive(v cue.Value) (string, cue.Value, bool) {
	if v.IncompleteKind() != cue.StructKind {
		return "", cue.Value{}, false
	}
	iter, err := v.Fields()
	if err != nil || !iter.Next() {
		return "", cue.Value{}, false
	}
	key, arg := iter.Selector().Unquoted(), iter.Value()
	if !strings.HasPrefix(key, "$") || iter.Next() {
		return "", cue.Value{}, false
	}
	return key, arg, true
}
