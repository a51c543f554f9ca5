// Package chromehost implements the tab host over the Chrome DevTools
// Protocol. Page targets are tabs; agents run in the daemon and drive their
// page through a per-target CDP session.
package chromehost

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/oklog/ulid/v2"
	"pkt.systems/pslog"
	"pkt.systems/tabjump/agent"
	"pkt.systems/tabjump/core"
	"pkt.systems/tabjump/internal/eventbus"
	"pkt.systems/tabjump/internal/logx"
	"pkt.systems/tabjump/internal/wire"
	"pkt.systems/tabjump/schema"
)

// DefaultTimeout bounds browser startup and each page command.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned by operations on a closed host.
var ErrClosed = errors.New("chromehost closed")

// Config configures the browser connection and the agents the host injects.
type Config struct {
	// RemoteURL is a DevTools endpoint of a running browser. Empty launches one.
	RemoteURL string
	Headless  bool
	ExecPath  string
	Timeout   time.Duration

	// SocketPath is the coordinator socket agents dial.
	SocketPath     string
	RequestTimeout time.Duration
	Agent          schema.AgentConfig
}

// Host is a core.Host backed by a Chrome instance.
type Host struct {
	cfg  Config
	bus  *eventbus.Bus
	log  pslog.Logger
	tabs *tracker

	baseCtx       context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	ownsBrowser   bool

	genMu   sync.Mutex
	entropy io.Reader

	mu       sync.Mutex
	sessions map[target.ID]*session
	closed   bool
}

var _ core.Host = (*Host)(nil)

// New connects to (or launches) the browser and starts tracking its tabs.
// Events are published on bus. ctx carries the logger for the host's lifetime.
func New(ctx context.Context, cfg Config, bus *eventbus.Bus) (*Host, error) {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return nil, errors.New("socket path is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Agent = schema.NormalizeAgentConfig(cfg.Agent)
	log := pslog.Ctx(ctx)
	h := &Host{
		cfg:      cfg,
		bus:      bus,
		log:      log,
		tabs:     newTracker(),
		baseCtx:  context.WithoutCancel(ctx),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		sessions: make(map[target.ID]*session),
	}

	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, h.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		log.Info("chromehost connecting to remote browser", "url", cfg.RemoteURL)
	} else {
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts, chromedp.Flag("headless", cfg.Headless))
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		allocCtx, h.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		h.ownsBrowser = true
		log.Info("chromehost launching browser", "headless", cfg.Headless, "exec", cfg.ExecPath)
	}
	h.browserCtx, h.browserCancel = chromedp.NewContext(allocCtx)
	chromedp.ListenBrowser(h.browserCtx, h.onBrowserEvent)

	// Targets allocates the browser without opening a tab. The allocation is
	// bound to the context it runs with, so it gets no deadline.
	type listing struct {
		infos []*target.Info
		err   error
	}
	started := make(chan listing, 1)
	go func() {
		infos, err := chromedp.Targets(h.browserCtx)
		started <- listing{infos, err}
	}()
	var infos []*target.Info
	select {
	case res := <-started:
		if res.err != nil {
			h.shutdown()
			return nil, fmt.Errorf("start browser: %w", res.err)
		}
		infos = res.infos
	case <-time.After(cfg.Timeout):
		h.shutdown()
		return nil, fmt.Errorf("start browser: timed out after %v", cfg.Timeout)
	case <-ctx.Done():
		h.shutdown()
		return nil, ctx.Err()
	}

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := target.SetDiscoverTargets(true).Do(h.exec(discoverCtx)); err != nil {
		h.shutdown()
		return nil, fmt.Errorf("discover targets: %w", err)
	}
	h.tabs.seed(infos)
	log.Info("chromehost ready", "tabs", len(h.tabs.rank()))
	return h, nil
}

// exec binds ctx to the browser-level CDP executor.
func (h *Host) exec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(h.browserCtx).Browser)
}

// Subscribe returns the host's tab event stream.
func (h *Host) Subscribe() (<-chan schema.HostEvent, func()) {
	return h.bus.Subscribe()
}

// ListTabs returns the page targets sharing a window with the active tab.
func (h *Host) ListTabs(ctx context.Context) ([]schema.Tab, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	infos, err := target.GetTargets().Do(h.exec(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	rank := h.tabs.rank()
	active := h.tabs.activeID()
	windows := make(map[target.ID]int, len(infos))
	first := target.ID("")
	for _, info := range infos {
		if info == nil || info.Type != pageType {
			continue
		}
		window, _, err := browser.GetWindowForTarget().WithTargetID(info.TargetID).Do(h.exec(ctx))
		if err != nil {
			// Headless shells have no windows; everything shares window 0.
			logx.WithTab(ctx, schema.TabID(info.TargetID)).Trace("chromehost window lookup failed", "err", err)
		}
		windows[info.TargetID] = int(window)
		if first == "" || earlier(rank, info.TargetID, first) {
			first = info.TargetID
		}
	}
	if _, ok := windows[active]; !ok {
		active = first
	}
	return windowTabs(infos, windows, windows[active], active, rank), nil
}

func earlier(rank map[target.ID]int, a, b target.ID) bool {
	ra, aok := rank[a]
	rb, bok := rank[b]
	if aok && bok {
		return ra < rb
	}
	return aok && !bok
}

// ActivateTab brings id to the front.
func (h *Host) ActivateTab(ctx context.Context, id schema.TabID) error {
	if h.isClosed() {
		return ErrClosed
	}
	tid := target.ID(id)
	if !h.tabs.known(tid) {
		return fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	if err := target.ActivateTarget(tid).Do(h.exec(ctx)); err != nil {
		return fmt.Errorf("activate %s: %w", id, err)
	}
	if ev, ok := h.tabs.focused(tid); ok {
		h.bus.Publish(ev)
	}
	return nil
}

// InjectAgent starts a new agent generation in tab id. It returns once the
// agent is active or failed to start; a previous generation is torn down.
func (h *Host) InjectAgent(ctx context.Context, id schema.TabID) error {
	if h.isClosed() {
		return ErrClosed
	}
	tid := target.ID(id)
	if !h.tabs.known(tid) {
		return fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	s, err := h.attach(ctx, tid)
	if err != nil {
		return err
	}
	gen := h.newGeneration()
	log := logx.WithAgent(ctx, id, gen)

	doc := newDocument(s, gen, h.cfg.Timeout)
	script, err := listenerScript(string(gen), h.cfg.Agent.Modifiers)
	if err != nil {
		return err
	}
	var installed bool
	if err := doc.run(ctx, chromedp.Evaluate(script, &installed)); err != nil {
		return fmt.Errorf("install listeners in %s: %w", id, err)
	}

	client, err := wire.Dial(ctx, h.cfg.SocketPath, id, gen)
	if err != nil {
		return fmt.Errorf("connect agent %s: %w", id, err)
	}
	client.SetRequestTimeout(h.cfg.RequestTimeout)
	ag, err := agent.New(h.cfg.Agent, agent.Deps{
		Document:   doc,
		Link:       client,
		Logger:     h.log,
		TabID:      id,
		Generation: gen,
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	s.install(gen, doc, ag, client)
	go h.serveAgent(ag, client)

	startCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()
	if err := ag.Start(startCtx); err != nil {
		s.retire(gen)
		return fmt.Errorf("start agent in %s: %w", id, err)
	}
	log.Debug("chromehost agent injected")
	return nil
}

func (h *Host) serveAgent(ag *agent.Agent, client *wire.Client) {
	tab, gen := ag.TabID(), ag.Generation()
	ctx, cancel := context.WithCancel(logx.ContextWithAgentLogger(h.baseCtx, logx.WithAgent(h.baseCtx, tab, gen), tab, gen))
	defer cancel()
	go func() {
		select {
		case <-ag.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := client.Serve(ctx, ag); err != nil {
		ag.Fail(err)
	}
}

// attach returns the session for id, attaching on first use. Concurrent
// callers share one attach attempt.
func (h *Host) attach(ctx context.Context, id target.ID) (*session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := h.sessions[id]
	if !ok {
		s = newSession(h.browserCtx, id, h.log)
		h.sessions[id] = s
		go func() {
			s.start(h.onFocus, h.onLoaded)
			if s.err != nil {
				h.forget(id, s)
			}
		}()
	}
	h.mu.Unlock()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(h.cfg.Timeout):
		return nil, fmt.Errorf("attach %s: timed out after %v", id, h.cfg.Timeout)
	}
	if s.err != nil {
		return nil, fmt.Errorf("attach %s: %w", id, s.err)
	}
	return s, nil
}

// forget drops the session for id if it is still s and releases its target.
func (h *Host) forget(id target.ID, s *session) {
	h.mu.Lock()
	if h.sessions[id] == s {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	s.cancel()
}

func (h *Host) session(id target.ID) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

func (h *Host) newGeneration() schema.Generation {
	h.genMu.Lock()
	defer h.genMu.Unlock()
	return schema.Generation(ulid.MustNew(ulid.Now(), h.entropy).String())
}

func (h *Host) onFocus(id target.ID) {
	if ev, ok := h.tabs.focused(id); ok {
		h.bus.Publish(ev)
	}
}

// onLoaded reports a finished navigation of an attached tab, reloads of the
// same URL included.
func (h *Host) onLoaded(id target.ID) {
	if !h.tabs.known(id) {
		return
	}
	h.bus.Publish(schema.HostEvent{
		Type:   schema.HostTabUpdated,
		TabID:  schema.TabID(id),
		Status: schema.StatusComplete,
		URL:    h.tabs.url(id),
	})
}

// onBrowserEvent runs on the CDP event goroutine; session work is handed off.
func (h *Host) onBrowserEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		if out, ok := h.tabs.created(ev.TargetInfo); ok {
			h.bus.Publish(out)
		}
	case *target.EventTargetDestroyed:
		if out, ok := h.tabs.destroyed(ev.TargetID); ok {
			if s := h.session(ev.TargetID); s != nil {
				go h.forget(ev.TargetID, s)
			}
			h.bus.Publish(out)
		}
	case *target.EventTargetInfoChanged:
		out, ok := h.tabs.changed(ev.TargetInfo)
		if !ok {
			return
		}
		// Attached sessions report their own navigations once loaded.
		if s := h.session(ev.TargetInfo.TargetID); s != nil && s.attached() {
			return
		}
		h.bus.Publish(out)
	}
}

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close tears down every agent. A launched browser is shut down; a remote
// browser is left running with its tabs open.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		ag, client := s.agent, s.client
		s.mu.Unlock()
		if ag != nil {
			ag.Teardown()
		}
		if client != nil {
			_ = client.Close()
		}
	}
	if h.ownsBrowser {
		h.shutdown()
	}
	h.bus.Close()
	h.log.Info("chromehost closed", "sessions", len(sessions))
	return nil
}

// shutdown cancels the browser contexts. Cancelling an attached page context
// closes its tab, so this is reserved for browsers the host launched.
func (h *Host) shutdown() {
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
}
