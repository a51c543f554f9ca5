package agent

import "pkt.systems/tabjump/schema"

// overlay is the per-agent title state. The displayed title is always
// recomputed from it and never patched in place.
type overlay struct {
	baseTitle string
	tabNumber int
	active    bool
}

func (o overlay) title() string {
	if !o.active {
		return o.baseTitle
	}
	n := o.tabNumber
	if n <= 0 {
		n = 1
	}
	return schema.DecorateTitle(n, o.baseTitle)
}
