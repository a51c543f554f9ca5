package chromehost

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"pkt.systems/tabjump/schema"
)

const pageType = "page"

// tracker turns CDP target notifications into tab lifecycle events. Only
// page targets are tabs; workers, iframes and extension pages are ignored.
type tracker struct {
	mu     sync.Mutex
	pages  map[target.ID]pageState
	order  []target.ID
	active target.ID
}

type pageState struct {
	url   string
	title string
}

func newTracker() *tracker {
	return &tracker{pages: make(map[target.ID]pageState)}
}

// seed records the pages that already exist when the host connects.
func (t *tracker) seed(infos []*target.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, info := range infos {
		if info == nil || info.Type != pageType {
			continue
		}
		if _, ok := t.pages[info.TargetID]; !ok {
			t.order = append(t.order, info.TargetID)
		}
		t.pages[info.TargetID] = pageState{url: info.URL, title: info.Title}
	}
	if t.active == "" && len(t.order) > 0 {
		t.active = t.order[0]
	}
}

func (t *tracker) created(info *target.Info) (schema.HostEvent, bool) {
	if info == nil || info.Type != pageType {
		return schema.HostEvent{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[info.TargetID]; ok {
		return schema.HostEvent{}, false
	}
	t.pages[info.TargetID] = pageState{url: info.URL, title: info.Title}
	t.order = append(t.order, info.TargetID)
	return schema.HostEvent{Type: schema.HostTabCreated, TabID: schema.TabID(info.TargetID), URL: info.URL}, true
}

func (t *tracker) destroyed(id target.ID) (schema.HostEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[id]; !ok {
		return schema.HostEvent{}, false
	}
	delete(t.pages, id)
	for i, cur := range t.order {
		if cur == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if t.active == id {
		t.active = ""
	}
	return schema.HostEvent{Type: schema.HostTabRemoved, TabID: schema.TabID(id)}, true
}

// changed reports an updated event when the page committed a navigation to a
// new URL. Title-only changes are recorded silently.
func (t *tracker) changed(info *target.Info) (schema.HostEvent, bool) {
	if info == nil || info.Type != pageType {
		return schema.HostEvent{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.pages[info.TargetID]
	if !ok {
		t.order = append(t.order, info.TargetID)
	}
	t.pages[info.TargetID] = pageState{url: info.URL, title: info.Title}
	if ok && prev.url == info.URL {
		return schema.HostEvent{}, false
	}
	return schema.HostEvent{
		Type:   schema.HostTabUpdated,
		TabID:  schema.TabID(info.TargetID),
		Status: schema.StatusComplete,
		URL:    info.URL,
	}, true
}

// focused marks id as the active tab. It reports false for unknown pages and
// for a tab that is already active.
func (t *tracker) focused(id target.ID) (schema.HostEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[id]; !ok || t.active == id {
		return schema.HostEvent{}, false
	}
	t.active = id
	return schema.HostEvent{Type: schema.HostTabActivated, TabID: schema.TabID(id)}, true
}

func (t *tracker) activeID() target.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *tracker) known(id target.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pages[id]
	return ok
}

func (t *tracker) url(id target.ID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pages[id].url
}

// rank returns the first-seen position of each known page.
func (t *tracker) rank() map[target.ID]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[target.ID]int, len(t.order))
	for i, id := range t.order {
		out[id] = i
	}
	return out
}

// windowTabs keeps the page targets in window, ordered by rank. Pages the
// tracker has never seen sort after known ones, by target id.
func windowTabs(infos []*target.Info, windows map[target.ID]int, window int, active target.ID, rank map[target.ID]int) []schema.Tab {
	tabs := make([]schema.Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != pageType {
			continue
		}
		if windows[info.TargetID] != window {
			continue
		}
		tabs = append(tabs, schema.Tab{
			ID:       schema.TabID(info.TargetID),
			URL:      info.URL,
			Title:    info.Title,
			Active:   info.TargetID == active,
			WindowID: window,
		})
	}
	sort.SliceStable(tabs, func(i, j int) bool {
		ri, iok := rank[target.ID(tabs[i].ID)]
		rj, jok := rank[target.ID(tabs[j].ID)]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return tabs[i].ID < tabs[j].ID
		}
	})
	return tabs
}
