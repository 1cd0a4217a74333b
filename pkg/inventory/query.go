package inventory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// Query is a boolean match over environments.
type Query interface {
	Matches(env *Environment) bool
	String() string
}

type query struct {
	desc string
	fn   func(*Environment) bool
}

func (q query) Matches(env *Environment) bool { return q.fn(env) }
func (q query) String() string                { return q.desc }

// Everything matches every environment.
func Everything() Query {
	return query{desc: "*", fn: func(*Environment) bool { return true }}
}

// MatchName matches environments with one of the given names.
func MatchName(names ...string) Query {
	set := toSet(names)
	return query{
		desc: "name in " + fmtList(names),
		fn:   func(e *Environment) bool { return set[e.Name()] },
	}
}

// MatchLabel matches environments whose merged labels carry key=value.
func MatchLabel(key, value string) Query {
	return query{
		desc: fmt.Sprintf("label %s=%s", key, value),
		fn: func(e *Environment) bool {
			v, ok := e.labels[key]
			return ok && v == value
		},
	}
}

// MatchClass matches environments of the given classes.
func MatchClass(classes ...vars.Class) Query {
	set := make(map[vars.Class]bool, len(classes))
	names := make([]string, 0, len(classes))
	for _, c := range classes {
		set[c] = true
		names = append(names, string(c))
	}
	return query{
		desc: "class in " + fmtList(names),
		fn:   func(e *Environment) bool { return set[e.Class()] },
	}
}

// MatchDescendantOf matches environments that are, or inherit from, one of
// the given environments.
func MatchDescendantOf(names ...string) Query {
	return query{
		desc: "descendant of " + fmtList(names),
		fn: func(e *Environment) bool {
			for _, n := range names {
				if e.InheritsFrom(n) {
					return true
				}
			}
			return false
		},
	}
}

// All matches when every query matches.
func All(qs ...Query) Query {
	if len(qs) == 1 {
		return qs[0]
	}
	descs := make([]string, len(qs))
	for i, q := range qs {
		descs[i] = q.String()
	}
	return query{
		desc: "(" + strings.Join(descs, " and ") + ")",
		fn: func(e *Environment) bool {
			for _, q := range qs {
				if !q.Matches(e) {
					return false
				}
			}
			return true
		},
	}
}

// Any matches when at least one query matches.
func Any(qs ...Query) Query {
	descs := make([]string, len(qs))
	for i, q := range qs {
		descs[i] = q.String()
	}
	return query{
		desc: "(" + strings.Join(descs, " or ") + ")",
		fn: func(e *Environment) bool {
			for _, q := range qs {
				if q.Matches(e) {
					return true
				}
			}
			return false
		},
	}
}

// Not negates q.
func Not(q Query) Query {
	return query{
		desc: "not " + q.String(),
		fn:   func(e *Environment) bool { return !q.Matches(e) },
	}
}

// CompileQuery turns a declarative query into a Query. A nil query matches
// everything.
func CompileQuery(info *model.QueryInfo) Query {
	if info == nil {
		return Everything()
	}
	var parts []Query
	if len(info.Names) > 0 {
		parts = append(parts, MatchName(info.Names...))
	}
	if len(info.Labels) > 0 {
		keys := make([]string, 0, len(info.Labels))
		for k := range info.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, MatchLabel(k, info.Labels[k]))
		}
	}
	if len(info.Classes) > 0 {
		parts = append(parts, MatchClass(info.Classes...))
	}
	if len(info.DescendantOf) > 0 {
		parts = append(parts, MatchDescendantOf(info.DescendantOf...))
	}
	if len(info.Any) > 0 {
		alts := make([]Query, len(info.Any))
		for i := range info.Any {
			alts[i] = CompileQuery(&info.Any[i])
		}
		parts = append(parts, Any(alts...))
	}
	if info.Not != nil {
		parts = append(parts, Not(CompileQuery(info.Not)))
	}
	if len(parts) == 0 {
		return Everything()
	}
	return All(parts...)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func fmtList(items []string) string {
	return "[" + strings.Join(items, ",") + "]"
}
