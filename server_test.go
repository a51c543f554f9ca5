package tabjump

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/tabjump/agent"
	"pkt.systems/tabjump/internal/wire"
	"pkt.systems/tabjump/schema"
)

type pageDoc struct {
	mu       sync.Mutex
	title    string
	listener agent.Listener
}

func (d *pageDoc) Ready(context.Context) error { return nil }

func (d *pageDoc) Title(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title, nil
}

func (d *pageDoc) SetTitle(_ context.Context, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.title = title
	return nil
}

func (d *pageDoc) Attach(l agent.Listener) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = l
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listener = nil
	}, nil
}

func (d *pageDoc) currentTitle() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title
}

func (d *pageDoc) input() agent.Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener
}

// pageHost runs real agents over the socket against in-memory documents.
type pageHost struct {
	socket string
	events chan schema.HostEvent

	mu        sync.Mutex
	tabs      []schema.Tab
	docs      map[schema.TabID]*pageDoc
	agents    []*agent.Agent
	activated []schema.TabID
	gen       int
}

func newPageHost(socket string, titles ...string) *pageHost {
	h := &pageHost{
		socket: socket,
		events: make(chan schema.HostEvent, 16),
		docs:   make(map[schema.TabID]*pageDoc),
	}
	for i, title := range titles {
		id := schema.TabID(fmt.Sprintf("tab-%d", i+1))
		h.tabs = append(h.tabs, schema.Tab{ID: id, URL: "https://example.com/" + title, Title: title, Active: i == 0})
		h.docs[id] = &pageDoc{title: title}
	}
	return h
}

func (h *pageHost) ListTabs(context.Context) ([]schema.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.Tab(nil), h.tabs...), nil
}

func (h *pageHost) ActivateTab(_ context.Context, id schema.TabID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated = append(h.activated, id)
	return nil
}

func (h *pageHost) InjectAgent(ctx context.Context, id schema.TabID) error {
	h.mu.Lock()
	doc := h.docs[id]
	h.gen++
	gen := schema.Generation(fmt.Sprintf("%026d", h.gen))
	h.mu.Unlock()
	if doc == nil {
		return schema.ErrTabNotFound
	}
	client, err := wire.Dial(ctx, h.socket, id, gen)
	if err != nil {
		return err
	}
	ag, err := agent.New(schema.AgentConfig{}, agent.Deps{Document: doc, Link: client, TabID: id, Generation: gen})
	if err != nil {
		return err
	}
	go func() {
		if err := client.Serve(context.Background(), ag); err != nil {
			ag.Fail(err)
		}
	}()
	if err := ag.Start(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.agents = append(h.agents, ag)
	h.mu.Unlock()
	return nil
}

func (h *pageHost) Subscribe() (<-chan schema.HostEvent, func()) {
	return h.events, func() {}
}

func (h *pageHost) activations() []schema.TabID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.TabID(nil), h.activated...)
}

func (h *pageHost) agentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func immediateTiming() schema.CoordinatorConfig {
	return schema.CoordinatorConfig{
		StartupGrace:    -1,
		PostInjectDelay: -1,
		RetryDelay:      -1,
		Debounce:        schema.DebounceConfig{Created: -1, Removed: -1, Updated: -1, Activated: -1},
	}
}

func startTestServer(t *testing.T, titles ...string) (*pageHost, Server, string) {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "tabjump.sock")
	host := newPageHost(socket, titles...)
	srv, err := New(ServerConfig{
		Wire:        wire.ServerConfig{SocketPath: socket, PidPath: filepath.Join(dir, "tabjump.pid")},
		Coordinator: immediateTiming(),
	}, ServerDeps{Host: host})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	waitFor(t, "startup injection", func() bool { return host.agentCount() == len(titles) })
	return host, srv, socket
}

func TestNewRequiresHost(t *testing.T) {
	if _, err := New(ServerConfig{Wire: wire.ServerConfig{SocketPath: "x.sock"}}, ServerDeps{}); err == nil {
		t.Fatalf("expected error without host")
	}
	if _, err := New(ServerConfig{}, ServerDeps{Host: newPageHost("")}); err == nil {
		t.Fatalf("expected error without socket path")
	}
}

func TestModifierOverlayAcrossTabs(t *testing.T) {
	host, _, _ := startTestServer(t, "Alpha", "Beta", "Gamma")
	first := host.docs["tab-1"]
	waitFor(t, "listener attached", func() bool { return first.input() != nil })

	first.input().KeyDown(agent.KeyEvent{Key: "Meta", Meta: true})
	want := map[schema.TabID]string{"tab-1": "[1] Alpha", "tab-2": "[2] Beta", "tab-3": "[3] Gamma"}
	for id, title := range want {
		doc := host.docs[id]
		waitFor(t, "overlay on "+string(id), func() bool { return doc.currentTitle() == title })
	}

	if !first.input().KeyDown(agent.KeyEvent{Key: "3", Meta: true}) {
		t.Fatalf("expected modifier+digit to be suppressed")
	}
	waitFor(t, "switch to tab 3", func() bool {
		got := host.activations()
		return len(got) == 1 && got[0] == "tab-3"
	})

	first.input().KeyUp(agent.KeyEvent{Key: "Meta"})
	for id, title := range map[schema.TabID]string{"tab-1": "Alpha", "tab-2": "Beta", "tab-3": "Gamma"} {
		doc := host.docs[id]
		waitFor(t, "overlay hidden on "+string(id), func() bool { return doc.currentTitle() == title })
	}
}

func TestShortcutCommandActivatesTab(t *testing.T) {
	host, _, socket := startTestServer(t, "Alpha", "Beta")
	if err := wire.SendCommand(context.Background(), socket, "switch-to-tab-2"); err != nil {
		t.Fatalf("send command: %v", err)
	}
	waitFor(t, "activation", func() bool {
		got := host.activations()
		return len(got) == 1 && got[0] == "tab-2"
	})
	if err := wire.SendCommand(context.Background(), socket, "switch-to-tab-9"); err != nil {
		t.Fatalf("send command: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := host.activations(); len(got) != 1 {
		t.Fatalf("out-of-range command must be ignored, got %v", got)
	}
}

func TestServerStopsWhenSocketRemoved(t *testing.T) {
	_, srv, socket := startTestServer(t, "Alpha")
	if err := os.Remove(socket); err != nil {
		t.Fatalf("remove socket: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case err := <-done:
		if !errors.Is(err, wire.ErrSocketRemoved) {
			t.Fatalf("expected ErrSocketRemoved, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	_, srv, _ := startTestServer(t, "Alpha")
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}
