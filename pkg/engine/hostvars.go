package engine

import (
	"sort"
	"sync"

	"github.com/openfroyo/rollout/pkg/vars"
)

// HostVars holds the variables each host sets while a playbook runs. A
// host's table is created on first use and written only by that host's own
// execution unit, so values set in one play are visible to later plays on
// the same host.
type HostVars struct {
	tables sync.Map // host name -> *vars.Table
}

// NewHostVars returns an empty store.
func NewHostVars() *HostVars {
	return &HostVars{}
}

// For returns the table of host, creating it when needed.
func (h *HostVars) For(host string) *vars.Table {
	if t, ok := h.tables.Load(host); ok {
		return t.(*vars.Table)
	}
	t, _ := h.tables.LoadOrStore(host, vars.NewTable())
	return t.(*vars.Table)
}

// Hosts lists the hosts that have a table, sorted.
func (h *HostVars) Hosts() []string {
	var out []string
	h.tables.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}
