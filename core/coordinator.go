package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabjump/internal/logx"
	"pkt.systems/tabjump/schema"
)

// Coordinator owns tab numbering for one window. It tracks which tabs run an
// agent, turns shortcut commands into tab activations and fans numbering and
// overlay commands out to agents. Every delivery is best-effort.
type Coordinator struct {
	cfg    schema.CoordinatorConfig
	host   Host
	link   AgentLink
	logger pslog.Logger

	mu       sync.Mutex
	agents   *registry
	inflight map[schema.TabID]*injectCall
	baseCtx  context.Context

	refresh *debouncer
	sends   sync.WaitGroup
}

type injectCall struct {
	done chan struct{}
	ok   bool
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(cfg schema.CoordinatorConfig, deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Host == nil {
		return nil, errors.New("host dependency is required")
	}
	if deps.Link == nil {
		return nil, errors.New("agent link dependency is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	c := &Coordinator{
		cfg:      schema.NormalizeCoordinatorConfig(cfg),
		host:     deps.Host,
		link:     deps.Link,
		logger:   logger,
		agents:   newRegistry(),
		inflight: make(map[schema.TabID]*injectCall),
		baseCtx:  pslog.ContextWithLogger(context.Background(), logger),
	}
	c.refresh = newDebouncer(func() {
		c.RefreshAllTabs(c.context())
	})
	return c, nil
}

// Run processes host lifecycle events until ctx is done. It performs the
// startup injection pass in the background.
func (c *Coordinator) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	events, cancel := c.host.Subscribe()
	defer cancel()

	var startup sync.WaitGroup
	startup.Add(1)
	go func() {
		defer startup.Done()
		c.Startup(ctx)
	}()

	c.logger.Info("coordinator run start")
	defer func() {
		c.refresh.Stop()
		startup.Wait()
		c.sends.Wait()
		c.logger.Info("coordinator run stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				c.logger.Warn("coordinator host events closed")
				return nil
			}
			c.HandleHostEvent(ctx, ev)
		}
	}
}

// Startup waits the grace delay, injects an agent into every injectable tab,
// waits for all injections to settle and then refreshes once.
func (c *Coordinator) Startup(ctx context.Context) {
	log := logx.Ctx(ctx)
	if !sleepCtx(ctx, c.cfg.StartupGrace) {
		return
	}
	tabs, err := c.host.ListTabs(ctx)
	if err != nil {
		log.Warn("coordinator startup list tabs failed", "err", err)
		return
	}
	var wg sync.WaitGroup
	injected := 0
	for _, tab := range tabs {
		if !c.injectable(tab) {
			continue
		}
		injected++
		wg.Add(1)
		go func(id schema.TabID) {
			defer wg.Done()
			c.EnsureAgentInjected(ctx, id)
		}(tab.ID)
	}
	wg.Wait()
	log.Info("coordinator startup injection settled", "tabs", len(tabs), "injectable", injected)
	if !sleepCtx(ctx, c.cfg.PostInjectDelay) {
		return
	}
	c.RefreshAllTabs(ctx)
}

// HandleHostEvent reacts to a tab lifecycle event.
func (c *Coordinator) HandleHostEvent(ctx context.Context, ev schema.HostEvent) {
	log := logx.WithTab(ctx, ev.TabID)
	switch ev.Type {
	case schema.HostTabCreated:
		c.ScheduleRefresh(c.cfg.Debounce.Created)
	case schema.HostTabRemoved:
		c.forget(ev.TabID)
		c.ScheduleRefresh(c.cfg.Debounce.Removed)
	case schema.HostTabUpdated:
		if ev.Status != schema.StatusComplete || !Injectable(ev.URL, c.cfg.AllowSchemes, c.cfg.DenySchemes) {
			return
		}
		// Navigation replaced the document, so the previous agent is gone.
		c.forget(ev.TabID)
		c.ScheduleRefresh(c.cfg.Debounce.Updated)
	case schema.HostTabActivated:
		c.ScheduleRefresh(c.cfg.Debounce.Activated)
	default:
		log.Debug("coordinator host event ignored", "type", ev.Type)
		return
	}
	log.Debug("coordinator host event", "type", ev.Type)
}

// ScheduleRefresh requests a RefreshAllTabs after delay, replacing any pending one.
func (c *Coordinator) ScheduleRefresh(delay time.Duration) {
	c.refresh.Trigger(delay)
}

// OnShortcutCommand handles a global shortcut command such as "switch-to-tab-3".
// Malformed commands are ignored.
func (c *Coordinator) OnShortcutCommand(ctx context.Context, commandID string) {
	n, err := ParseShortcutCommand(commandID, c.cfg.CommandPrefix)
	if err != nil {
		logx.Ctx(ctx).Debug("coordinator command ignored", "command", commandID)
		return
	}
	c.SwitchToTab(ctx, n)
}

// SwitchToTab activates the n-th tab (1-based) of the current window. Out of
// range numbers are a no-op.
func (c *Coordinator) SwitchToTab(ctx context.Context, n int) {
	log := logx.Ctx(ctx)
	tabs, err := c.host.ListTabs(ctx)
	if err != nil {
		log.Warn("coordinator switch list tabs failed", "err", err)
		return
	}
	if n < 1 || n > len(tabs) {
		log.Debug("coordinator switch out of range", "tab_number", n, "tabs", len(tabs))
		return
	}
	target := tabs[n-1]
	if err := c.host.ActivateTab(ctx, target.ID); err != nil {
		logx.WithTab(ctx, target.ID).Warn("coordinator activate failed", "tab_number", n, "err", err)
		return
	}
	logx.WithTab(ctx, target.ID).Debug("coordinator activated tab", "tab_number", n)
}

// OnAgentReady records that an agent announced itself for tabID.
func (c *Coordinator) OnAgentReady(tabID schema.TabID) {
	c.mu.Lock()
	added := c.agents.add(tabID)
	c.mu.Unlock()
	if added {
		c.logger.With("tab", tabID).Debug("coordinator agent ready")
	}
}

// OnAgentSwitchRequest handles a digit shortcut forwarded by an agent.
func (c *Coordinator) OnAgentSwitchRequest(ctx context.Context, n int) {
	c.SwitchToTab(ctx, n)
}

// OnModifierPressed shows the overlay on every injectable tab.
func (c *Coordinator) OnModifierPressed(ctx context.Context) {
	c.broadcast(ctx, func(index, _ int, tab schema.Tab) schema.Message {
		return schema.ShowNumber(index, schema.CleanTitle(tab.Title))
	})
}

// OnModifierReleased hides the overlay on every injectable tab.
func (c *Coordinator) OnModifierReleased(ctx context.Context) {
	c.broadcast(ctx, func(int, int, schema.Tab) schema.Message {
		return schema.HideNumber()
	})
}

// HandleAgentMessage dispatches a request sent by the agent in tabID.
func (c *Coordinator) HandleAgentMessage(ctx context.Context, tabID schema.TabID, msg schema.Message) (schema.Response, error) {
	switch msg.Action {
	case schema.ActionSwitchToTab:
		c.OnAgentSwitchRequest(ctx, msg.TabNumber)
	case schema.ActionContentScriptReady:
		c.OnAgentReady(tabID)
	case schema.ActionCommandPressed:
		c.OnModifierPressed(ctx)
	case schema.ActionCommandReleased:
		c.OnModifierReleased(ctx)
	default:
		logx.WithMessage(logx.WithTab(ctx, tabID), msg).Debug("coordinator agent message rejected")
		return schema.Response{}, schema.ErrUnknownAction
	}
	return schema.OK, nil
}

// RefreshAllTabs pushes the current numbering to every injectable tab. A tab
// whose agent does not answer gets one reinjection and one delayed retry.
func (c *Coordinator) RefreshAllTabs(ctx context.Context) {
	log := logx.Ctx(ctx)
	tabs, err := c.host.ListTabs(ctx)
	if err != nil {
		log.Warn("coordinator refresh list tabs failed", "err", err)
		return
	}
	total := len(tabs)
	for i, tab := range tabs {
		if !c.injectable(tab) {
			continue
		}
		msg := schema.UpdateTabNumber(i+1, total, schema.CleanTitle(tab.Title), tab.Active)
		c.deliver(ctx, tab.ID, msg)
	}
	log.Debug("coordinator refresh sent", "tabs", total)
}

// EnsureAgentInjected reports whether tabID has an agent, injecting one when
// the registry has none. Concurrent callers for the same tab share one attempt.
func (c *Coordinator) EnsureAgentInjected(ctx context.Context, tabID schema.TabID) bool {
	c.mu.Lock()
	if c.agents.has(tabID) {
		c.mu.Unlock()
		return true
	}
	if call, ok := c.inflight[tabID]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.ok
		case <-ctx.Done():
			return false
		}
	}
	call := &injectCall{done: make(chan struct{})}
	c.inflight[tabID] = call
	c.mu.Unlock()

	err := c.host.InjectAgent(ctx, tabID)

	c.mu.Lock()
	delete(c.inflight, tabID)
	if err == nil {
		c.agents.add(tabID)
	}
	c.mu.Unlock()
	call.ok = err == nil
	close(call.done)

	log := logx.WithTab(ctx, tabID)
	if err != nil {
		log.Debug("coordinator inject failed", "err", err)
	} else {
		log.Debug("coordinator inject ok")
	}
	return call.ok
}

// HasAgent reports whether tabID is believed to run an agent.
func (c *Coordinator) HasAgent(tabID schema.TabID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agents.has(tabID)
}

// Agents lists the tabs believed to run an agent, sorted by id.
func (c *Coordinator) Agents() []schema.TabID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agents.list()
}

func (c *Coordinator) forget(tabID schema.TabID) {
	c.mu.Lock()
	removed := c.agents.remove(tabID)
	c.mu.Unlock()
	if removed {
		c.logger.With("tab", tabID).Debug("coordinator agent forgotten")
	}
}

func (c *Coordinator) injectable(tab schema.Tab) bool {
	return tab.ID != "" && Injectable(tab.URL, c.cfg.AllowSchemes, c.cfg.DenySchemes)
}

func (c *Coordinator) broadcast(ctx context.Context, build func(index, total int, tab schema.Tab) schema.Message) {
	tabs, err := c.host.ListTabs(ctx)
	if err != nil {
		logx.Ctx(ctx).Warn("coordinator broadcast list tabs failed", "err", err)
		return
	}
	total := len(tabs)
	for i, tab := range tabs {
		if !c.injectable(tab) {
			continue
		}
		msg := build(i+1, total, tab)
		c.sends.Add(1)
		go func(id schema.TabID) {
			defer c.sends.Done()
			if err := c.link.Notify(ctx, id, msg); err != nil {
				logx.WithMessage(logx.WithTab(ctx, id), msg).Debug("coordinator notify dropped", "err", err)
			}
		}(tab.ID)
	}
}

func (c *Coordinator) deliver(ctx context.Context, tabID schema.TabID, msg schema.Message) {
	c.sends.Add(1)
	go func() {
		defer c.sends.Done()
		log := logx.WithMessage(logx.WithTab(ctx, tabID), msg)
		err := c.link.Request(ctx, tabID, msg)
		if err == nil {
			return
		}
		log.Debug("coordinator delivery failed", "err", err)
		if !c.EnsureAgentInjected(ctx, tabID) {
			return
		}
		c.sends.Add(1)
		time.AfterFunc(c.cfg.RetryDelay, func() {
			defer c.sends.Done()
			if err := c.link.Request(ctx, tabID, msg); err != nil {
				log.Debug("coordinator retry dropped", "err", err)
			}
		})
	}()
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
