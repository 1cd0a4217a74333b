package inventory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/rollout/pkg/model"
)

// Selection is a host picked by a selector, with its retirement as seen by
// the selecting groups.
type Selection struct {
	Host    *Host
	Retired bool
}

type termKind int

const (
	termAll termKind = iota
	termGroup
	termHost
	termLabels
)

type term struct {
	kind   termKind
	name   string
	labels map[string]string
}

// Selector picks hosts from an environment. The syntax is a "|"-separated
// list of alternatives; each alternative is a ","-separated list of terms
// that must all hold:
//
//	all                    every host
//	group:web              the exclusive hosts of group web
//	host:web-1             one host
//	role=api,zone=a        hosts carrying every label
//
// An empty expression selects every host.
type Selector struct {
	expr string
	alts [][]term
}

// ParseSelector parses a host selection expression.
func ParseSelector(expr string) (*Selector, error) {
	s := &Selector{expr: strings.TrimSpace(expr)}
	if s.expr == "" {
		s.alts = [][]term{{{kind: termAll}}}
		return s, nil
	}
	for _, alt := range strings.Split(s.expr, "|") {
		var terms []term
		labels := parseSelector(alt)
		for _, raw := range strings.Split(alt, ",") {
			raw = strings.TrimSpace(raw)
			switch {
			case raw == "":
				return nil, fmt.Errorf("selector %q: empty term", expr)
			case raw == "all":
				terms = append(terms, term{kind: termAll})
			case strings.HasPrefix(raw, "group:"):
				terms = append(terms, term{kind: termGroup, name: strings.TrimPrefix(raw, "group:")})
			case strings.HasPrefix(raw, "host:"):
				terms = append(terms, term{kind: termHost, name: strings.TrimPrefix(raw, "host:")})
			case strings.Contains(raw, "="):
			default:
				return nil, fmt.Errorf("selector %q: unknown term %q", expr, raw)
			}
		}
		if len(labels) > 0 {
			terms = append(terms, term{kind: termLabels, labels: labels})
		}
		s.alts = append(s.alts, terms)
	}
	return s, nil
}

func (s *Selector) String() string {
	if s.expr == "" {
		return "all"
	}
	return s.expr
}

// Select evaluates the selector in env. The result is sorted by host name.
// A host picked by several alternatives is retired only if every one of
// them sees it retired.
func (s *Selector) Select(env *Environment) ([]Selection, error) {
	merged := make(map[string]Selection)
	for _, alt := range s.alts {
		picked, err := s.selectAlt(env, alt)
		if err != nil {
			return nil, err
		}
		for name, sel := range picked {
			if cur, ok := merged[name]; ok {
				sel.Retired = cur.Retired && sel.Retired
			}
			merged[name] = sel
		}
	}

	out := make([]Selection, 0, len(merged))
	for _, sel := range merged {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host.Name < out[j].Host.Name })
	return out, nil
}

// selectAlt intersects the terms of one alternative. Group terms decide
// retirement when present; otherwise the host's own flag is used.
func (s *Selector) selectAlt(env *Environment, terms []term) (map[string]Selection, error) {
	var current map[string]Selection
	groupSeen := false

	for _, t := range terms {
		next := make(map[string]Selection)
		switch t.kind {
		case termAll:
			for _, h := range env.Hosts() {
				next[h.Name] = Selection{Host: h, Retired: h.Retired}
			}
		case termHost:
			h, ok := env.Host(t.name)
			if !ok {
				return nil, model.NewConfigError("host", t.name, model.ErrNotFound, "selector %q in environment %q", s.expr, env.Name())
			}
			next[h.Name] = Selection{Host: h, Retired: h.Retired}
		case termGroup:
			g, ok := env.Group(t.name)
			if !ok {
				return nil, model.NewConfigError("group", t.name, model.ErrNotFound, "selector %q in environment %q", s.expr, env.Name())
			}
			for _, gh := range g.Exclusive() {
				next[gh.Host.Name] = Selection{Host: gh.Host, Retired: gh.Retired}
			}
		case termLabels:
			for _, h := range env.Hosts() {
				if matchesLabels(h.Labels, t.labels) {
					next[h.Name] = Selection{Host: h, Retired: h.Retired}
				}
			}
		}

		if current == nil {
			current = next
			groupSeen = t.kind == termGroup
			continue
		}
		for name, sel := range current {
			n, ok := next[name]
			if !ok {
				delete(current, name)
				continue
			}
			switch {
			case t.kind == termGroup && groupSeen:
				sel.Retired = sel.Retired || n.Retired
			case t.kind == termGroup:
				sel.Retired = n.Retired
			}
			current[name] = sel
		}
		if t.kind == termGroup {
			groupSeen = true
		}
	}
	return current, nil
}

// parseSelector collects the key=value terms of an alternative.
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	pairs := strings.Split(selector, ",")
	for _, pair := range pairs {
		if strings.Contains(pair, ":") {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			labels[key] = value
		}
	}

	return labels
}

// matchesLabels checks if host labels match the selector labels.
func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	if len(selectorLabels) == 0 {
		return true
	}

	for key, value := range selectorLabels {
		hostValue, ok := hostLabels[key]
		if !ok || hostValue != value {
			return false
		}
	}

	return true
}
