package inventory

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/openfroyo/rollout/pkg/graph"
	"github.com/openfroyo/rollout/pkg/model"
)

// DefaultSSHPort is used for hosts that do not declare a port.
const DefaultSSHPort = 22

// Host is a deployment target.
type Host struct {
	Name        string
	User        string
	Port        int
	Channel     string
	Retired     bool
	Labels      map[string]string
	Description string
}

func newHost(info model.HostInfo) *Host {
	h := &Host{
		Name:        info.Name,
		User:        info.User,
		Port:        info.Port,
		Channel:     info.Channel,
		Retired:     info.Retired,
		Labels:      make(map[string]string, len(info.Labels)),
		Description: info.Description,
	}
	if h.Port == 0 {
		h.Port = DefaultSSHPort
	}
	if h.Channel == "" {
		h.Channel = "ssh"
	}
	for k, v := range info.Labels {
		h.Labels[k] = v
	}
	return h
}

// Address returns host:port.
func (h *Host) Address() string {
	return net.JoinHostPort(h.Name, strconv.Itoa(h.Port))
}

// Info converts the host back to its declaration form.
func (h *Host) Info() model.HostInfo {
	labels := make(map[string]string, len(h.Labels))
	for k, v := range h.Labels {
		labels[k] = v
	}
	return model.HostInfo{
		Name:        h.Name,
		User:        h.User,
		Port:        h.Port,
		Channel:     h.Channel,
		Retired:     h.Retired,
		Labels:      labels,
		Description: h.Description,
	}
}

// GroupHost is a host as seen through a group, with the group's view of its
// retirement.
type GroupHost struct {
	Host    *Host
	Retired bool
}

// HostGroup is a named host set that can inherit other groups, either
// normally or with every inherited host forced retired.
type HostGroup struct {
	info            model.HostGroupInfo
	env             *Environment
	inherits        []*HostGroup
	inheritsRetired []*HostGroup
	downstream      []*HostGroup

	inclusiveOnce sync.Once
	inclusive     []GroupHost
	exclusiveOnce sync.Once
	exclusive     []GroupHost
}

func (g *HostGroup) Name() string        { return g.info.Name }
func (g *HostGroup) Description() string { return g.info.Description }

// Downstream returns the groups that normally inherit g.
func (g *HostGroup) Downstream() []*HostGroup {
	return append([]*HostGroup(nil), g.downstream...)
}

// Inclusive returns the group's own merge: normally inherited groups, then
// retired-inherited groups with every host retired, then the group's own
// hosts. Later insertions overwrite earlier ones by host name. The result is
// sorted by host name and computed once.
func (g *HostGroup) Inclusive() []GroupHost {
	g.inclusiveOnce.Do(func() {
		set := newHostSet()
		for _, parent := range g.inherits {
			for _, gh := range parent.Inclusive() {
				set.put(gh)
			}
		}
		for _, parent := range g.inheritsRetired {
			for _, gh := range parent.Inclusive() {
				set.put(GroupHost{Host: gh.Host, Retired: true})
			}
		}
		for _, name := range g.info.Hosts {
			h := g.env.hosts[name]
			set.put(GroupHost{Host: h, Retired: h.Retired})
		}
		for _, name := range g.info.HostsRetired {
			set.put(GroupHost{Host: g.env.hosts[name], Retired: true})
		}
		g.inclusive = set.sorted()
	})
	return g.inclusive
}

// Exclusive returns the inclusive hosts of g, with each host's retirement
// combined with the exclusive view of every downstream group that also
// claims it: a host stays retired only if every source agrees. Computed
// once.
func (g *HostGroup) Exclusive() []GroupHost {
	g.exclusiveOnce.Do(func() {
		set := newHostSet()
		for _, gh := range g.Inclusive() {
			set.put(gh)
		}
		for _, d := range g.downstream {
			for _, gh := range d.Exclusive() {
				set.and(gh)
			}
		}
		g.exclusive = set.sorted()
	})
	return g.exclusive
}

// Active returns the non-retired hosts of the exclusive set.
func (g *HostGroup) Active() []*Host {
	var out []*Host
	for _, gh := range g.Exclusive() {
		if !gh.Retired {
			out = append(out, gh.Host)
		}
	}
	return out
}

type hostSet struct {
	entries map[string]GroupHost
}

func newHostSet() *hostSet { return &hostSet{entries: make(map[string]GroupHost)} }

func (s *hostSet) put(gh GroupHost) { s.entries[gh.Host.Name] = gh }

// and lowers the retirement of a host already in the set when gh claims it
// active. Hosts not in the set are ignored.
func (s *hostSet) and(gh GroupHost) {
	cur, ok := s.entries[gh.Host.Name]
	if !ok {
		return
	}
	cur.Retired = cur.Retired && gh.Retired
	s.entries[gh.Host.Name] = cur
}

func (s *hostSet) sorted() []GroupHost {
	out := make([]GroupHost, 0, len(s.entries))
	for _, gh := range s.entries {
		out = append(out, gh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host.Name < out[j].Host.Name })
	return out
}

// buildGroups wires the merged group declarations of env and validates every
// host and group reference.
func buildGroups(env *Environment, infos map[string]model.HostGroupInfo) (map[string]*HostGroup, *graph.Graph, error) {
	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make(map[string]*HostGroup, len(infos))
	g := graph.New()
	for _, name := range names {
		groups[name] = &HostGroup{info: infos[name], env: env}
		g.AddNode(name)
	}

	for _, name := range names {
		group := groups[name]
		for _, h := range append(append([]string(nil), group.info.Hosts...), group.info.HostsRetired...) {
			if _, ok := env.hosts[h]; !ok {
				return nil, nil, model.NewConfigError("group", name, model.ErrNotFound, "host %q", h)
			}
		}
		for _, p := range group.info.Inherits {
			parent, ok := groups[p]
			if !ok {
				return nil, nil, model.NewConfigError("group", name, model.ErrNotFound, "inherited group %q", p)
			}
			group.inherits = append(group.inherits, parent)
			g.AddEdge(p, name)
		}
		for _, p := range group.info.InheritsRetired {
			parent, ok := groups[p]
			if !ok {
				return nil, nil, model.NewConfigError("group", name, model.ErrNotFound, "retired group %q", p)
			}
			group.inheritsRetired = append(group.inheritsRetired, parent)
			g.AddEdgeKind(p, name, graph.EdgeRetired)
		}
	}

	if err := g.DetectCycles(); err != nil {
		var ce *graph.CycleError
		if errors.As(err, &ce) {
			return nil, nil, model.NewConfigError("group", ce.Cycle[0], model.ErrCycle, "%s", err.Error())
		}
		return nil, nil, fmt.Errorf("group graph: %w", err)
	}

	for _, name := range names {
		for _, child := range g.Children(name, graph.EdgeInherit) {
			groups[name].downstream = append(groups[name].downstream, groups[child])
		}
	}
	return groups, g, nil
}
