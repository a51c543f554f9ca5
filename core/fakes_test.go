package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/tabjump/schema"
)

type fakeHost struct {
	mu        sync.Mutex
	tabs      []schema.Tab
	activated []schema.TabID
	injected  []schema.TabID
	injectErr error
	gate      chan struct{}
	link      *fakeLink
	events    chan schema.HostEvent
}

func newFakeHost(link *fakeLink, tabs ...schema.Tab) *fakeHost {
	return &fakeHost{tabs: tabs, link: link, events: make(chan schema.HostEvent, 16)}
}

func (h *fakeHost) ListTabs(context.Context) ([]schema.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.Tab(nil), h.tabs...), nil
}

func (h *fakeHost) ActivateTab(_ context.Context, id schema.TabID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.tabs {
		h.tabs[i].Active = h.tabs[i].ID == id
	}
	h.activated = append(h.activated, id)
	return nil
}

func (h *fakeHost) InjectAgent(ctx context.Context, id schema.TabID) error {
	h.mu.Lock()
	gate := h.gate
	h.injected = append(h.injected, id)
	err := h.injectErr
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	if h.link != nil {
		h.link.revive(id)
	}
	return nil
}

func (h *fakeHost) Subscribe() (<-chan schema.HostEvent, func()) {
	return h.events, func() {}
}

func (h *fakeHost) remove(id schema.TabID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.tabs[:0]
	for _, tab := range h.tabs {
		if tab.ID != id {
			out = append(out, tab)
		}
	}
	h.tabs = out
}

func (h *fakeHost) injections() []schema.TabID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.TabID(nil), h.injected...)
}

func (h *fakeHost) activations() []schema.TabID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.TabID(nil), h.activated...)
}

type sentMessage struct {
	tab     schema.TabID
	msg     schema.Message
	request bool
}

type fakeLink struct {
	mu    sync.Mutex
	dead  map[schema.TabID]bool
	stuck map[schema.TabID]bool
	sent  []sentMessage
}

func newFakeLink() *fakeLink {
	return &fakeLink{dead: make(map[schema.TabID]bool), stuck: make(map[schema.TabID]bool)}
}

func (l *fakeLink) Request(_ context.Context, id schema.TabID, msg schema.Message) error {
	return l.record(id, msg, true)
}

func (l *fakeLink) Notify(_ context.Context, id schema.TabID, msg schema.Message) error {
	return l.record(id, msg, false)
}

func (l *fakeLink) record(id schema.TabID, msg schema.Message, request bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentMessage{tab: id, msg: msg, request: request})
	if l.dead[id] {
		return schema.ErrAgentUnavailable
	}
	return nil
}

func (l *fakeLink) kill(id schema.TabID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead[id] = true
}

// stick keeps the agent dead even after reinjection.
func (l *fakeLink) stick(id schema.TabID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead[id] = true
	l.stuck[id] = true
}

func (l *fakeLink) revive(id schema.TabID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stuck[id] {
		delete(l.dead, id)
	}
}

func (l *fakeLink) messages(id schema.TabID) []schema.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []schema.Message
	for _, s := range l.sent {
		if s.tab == id {
			out = append(out, s.msg)
		}
	}
	return out
}

func (l *fakeLink) all() []sentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentMessage(nil), l.sent...)
}

func (l *fakeLink) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}

// immediateConfig runs every delay at zero so tests only wait on goroutines.
func immediateConfig() schema.CoordinatorConfig {
	return schema.CoordinatorConfig{
		StartupGrace:    -1,
		PostInjectDelay: -1,
		RetryDelay:      -1,
		Debounce: schema.DebounceConfig{
			Created:   -1,
			Removed:   -1,
			Updated:   -1,
			Activated: -1,
		},
	}
}

func newTestCoordinator(t *testing.T, host *fakeHost, link *fakeLink, cfg schema.CoordinatorConfig) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, CoordinatorDeps{Host: host, Link: link})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errInjectDenied = errors.New("inject denied")

func webTab(id, title string) schema.Tab {
	return schema.Tab{ID: schema.TabID(id), URL: "https://example.com/" + id, Title: title}
}
