package core

import (
	"sort"

	"pkt.systems/tabjump/schema"
)

// registry is the set of tabs believed to host a live agent. The belief can be
// stale in both directions; callers hold the coordinator mutex.
type registry struct {
	tabs map[schema.TabID]struct{}
}

func newRegistry() *registry {
	return &registry{tabs: make(map[schema.TabID]struct{})}
}

func (r *registry) add(id schema.TabID) bool {
	if id == "" {
		return false
	}
	if _, ok := r.tabs[id]; ok {
		return false
	}
	r.tabs[id] = struct{}{}
	return true
}

func (r *registry) remove(id schema.TabID) bool {
	if _, ok := r.tabs[id]; !ok {
		return false
	}
	delete(r.tabs, id)
	return true
}

func (r *registry) has(id schema.TabID) bool {
	_, ok := r.tabs[id]
	return ok
}

func (r *registry) list() []schema.TabID {
	out := make([]schema.TabID, 0, len(r.tabs))
	for id := range r.tabs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
