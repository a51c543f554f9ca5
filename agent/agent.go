package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabjump/internal/logx"
	"pkt.systems/tabjump/schema"
)

// State is the agent lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrTornDown is returned by operations on an agent that was torn down.
	ErrTornDown = errors.New("agent torn down")
	// ErrNotStarted is returned for messages that arrive before Start completed.
	ErrNotStarted = errors.New("agent not started")
)

const outboxSize = 32

// Agent owns the title overlay and modifier tracking for one document
// instance. A navigated document gets a new Agent.
type Agent struct {
	doc    Document
	link   Link
	logger pslog.Logger
	tabID  schema.TabID
	gen    schema.Generation
	mods   map[string]bool

	renderMu sync.Mutex

	mu       sync.Mutex
	state    State
	starting bool
	overlay  overlay
	held     bool
	detach   func()

	ctx    context.Context
	cancel context.CancelFunc
	outbox chan schema.Message
	done   chan struct{}
}

// New constructs an agent in the uninitialized state.
func New(cfg schema.AgentConfig, deps Deps) (*Agent, error) {
	if deps.Document == nil {
		return nil, errors.New("document dependency is required")
	}
	if deps.Link == nil {
		return nil, errors.New("link dependency is required")
	}
	cfg = schema.NormalizeAgentConfig(cfg)
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if deps.TabID != "" {
		logger = logger.With("tab", deps.TabID)
	}
	if deps.Generation != "" {
		logger = logger.With("generation", deps.Generation)
	}
	mods := make(map[string]bool, len(cfg.Modifiers))
	for _, m := range cfg.Modifiers {
		mods[m] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logx.ContextWithAgentLogger(ctx, logger, deps.TabID, deps.Generation)
	a := &Agent{
		doc:     deps.Document,
		link:    deps.Link,
		logger:  logger,
		tabID:   deps.TabID,
		gen:     deps.Generation,
		mods:    mods,
		overlay: overlay{tabNumber: 1},
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan schema.Message, outboxSize),
		done:    make(chan struct{}),
	}
	go a.sendLoop()
	return a, nil
}

// Start waits for the document, captures its title, attaches listeners and
// announces the agent to the coordinator. Starting an active agent is a no-op.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.state == StateTornDown:
		a.mu.Unlock()
		return ErrTornDown
	case a.state == StateActive, a.starting:
		a.mu.Unlock()
		return nil
	}
	a.starting = true
	a.mu.Unlock()

	if err := a.doc.Ready(ctx); err != nil {
		a.abortStart(err)
		return fmt.Errorf("wait for document: %w", err)
	}
	title, err := a.doc.Title(ctx)
	if err != nil {
		a.abortStart(err)
		return fmt.Errorf("read title: %w", err)
	}
	detach, err := a.doc.Attach(a)
	if err != nil {
		a.abortStart(err)
		return fmt.Errorf("attach listeners: %w", err)
	}

	a.mu.Lock()
	a.starting = false
	if a.state == StateTornDown {
		a.mu.Unlock()
		detach()
		return ErrTornDown
	}
	base := schema.CleanTitle(title)
	a.overlay.baseTitle = base
	a.detach = detach
	a.state = StateActive
	a.mu.Unlock()

	a.logger.Debug("agent active", "title", base)
	a.emit(schema.Message{Action: schema.ActionContentScriptReady})
	return nil
}

func (a *Agent) abortStart(err error) {
	a.mu.Lock()
	a.starting = false
	a.mu.Unlock()
	if errors.Is(err, schema.ErrContextInvalidated) {
		a.Teardown()
	}
}

// State returns the lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the agent is torn down.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// TabID returns the tab the agent lives in.
func (a *Agent) TabID() schema.TabID { return a.tabID }

// Generation returns the agent instance id.
func (a *Agent) Generation() schema.Generation { return a.gen }

// HandleMessage applies a coordinator message to the overlay. Document I/O
// runs outside a.mu so key events are never queued behind a title write;
// renderMu keeps the writes in state order.
func (a *Agent) HandleMessage(ctx context.Context, msg schema.Message) (schema.Response, error) {
	if err := a.checkActive(); err != nil {
		return schema.Response{}, err
	}
	switch msg.Action {
	case schema.ActionUpdateTabNumber, schema.ActionShowNumber, schema.ActionHideNumber:
	default:
		return schema.Response{}, schema.ErrUnknownAction
	}

	base := msg.OriginalTitle
	if base == "" && msg.Action != schema.ActionHideNumber {
		current, err := a.doc.Title(ctx)
		if err != nil {
			a.logger.Debug("agent read title failed", "err", err)
		} else {
			base = schema.CleanTitle(current)
		}
	}

	a.renderMu.Lock()
	a.mu.Lock()
	if a.state != StateActive {
		a.mu.Unlock()
		a.renderMu.Unlock()
		return schema.Response{}, ErrTornDown
	}
	render := false
	switch msg.Action {
	case schema.ActionUpdateTabNumber:
		a.setNumberLocked(msg.TabNumber, base)
		render = a.overlay.active
	case schema.ActionShowNumber:
		a.setNumberLocked(msg.TabNumber, base)
		a.overlay.active = true
		render = true
	case schema.ActionHideNumber:
		render = a.overlay.active
		a.overlay.active = false
	}
	title := a.overlay.title()
	a.mu.Unlock()

	var err error
	if render {
		err = a.doc.SetTitle(ctx, title)
	}
	a.renderMu.Unlock()
	if err != nil {
		logx.WithMessage(a.logger, msg).Debug("agent title update failed", "err", err)
		if errors.Is(err, schema.ErrContextInvalidated) {
			a.Teardown()
			return schema.Response{}, err
		}
	}
	return schema.OK, nil
}

func (a *Agent) checkActive() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateTornDown:
		return ErrTornDown
	case StateUninitialized:
		return ErrNotStarted
	}
	return nil
}

// setNumberLocked applies tab number and base title, falling back to 1 and
// keeping the previous base when none could be determined.
func (a *Agent) setNumberLocked(n int, base string) {
	a.overlay.tabNumber = n
	if a.overlay.tabNumber <= 0 {
		a.overlay.tabNumber = 1
	}
	if base != "" {
		a.overlay.baseTitle = base
	}
}

// Title returns the title the overlay currently renders.
func (a *Agent) Title() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overlay.title()
}

func (a *Agent) modifier(ev KeyEvent) bool {
	return (a.mods["meta"] && ev.Meta) ||
		(a.mods["ctrl"] && ev.Ctrl) ||
		(a.mods["alt"] && ev.Alt) ||
		(a.mods["shift"] && ev.Shift)
}

// KeyDown tracks the modifier edge and forwards modifier+digit presses. It
// reports whether the key's default action must be suppressed.
func (a *Agent) KeyDown(ev KeyEvent) bool {
	mod := a.modifier(ev)
	var out []schema.Message
	prevent := false

	a.mu.Lock()
	if a.state != StateActive {
		a.mu.Unlock()
		return false
	}
	if mod && !a.held {
		a.held = true
		out = append(out, schema.Message{Action: schema.ActionCommandPressed})
	}
	if n, ok := digit(ev.Key); mod && ok {
		prevent = true
		out = append(out, schema.SwitchToTab(n))
	}
	a.mu.Unlock()

	a.emit(out...)
	return prevent
}

// KeyUp emits one commandReleased when the modifier is no longer held.
func (a *Agent) KeyUp(ev KeyEvent) {
	if a.modifier(ev) {
		return
	}
	a.release()
}

// Blur synthesizes a release when focus leaves while the modifier is held.
func (a *Agent) Blur() {
	a.release()
}

func (a *Agent) release() {
	a.mu.Lock()
	if a.state != StateActive || !a.held {
		a.mu.Unlock()
		return
	}
	a.held = false
	a.mu.Unlock()
	a.emit(schema.Message{Action: schema.ActionCommandReleased})
}

// Fail tears the agent down when err reports an invalidated context.
func (a *Agent) Fail(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, schema.ErrContextInvalidated) {
		a.logger.Info("agent context invalidated")
		a.Teardown()
		return
	}
	a.logger.Debug("agent runtime error", "err", err)
}

// Teardown detaches listeners, restores the base title and makes the agent
// inert. It is one-way and idempotent.
func (a *Agent) Teardown() {
	a.mu.Lock()
	if a.state == StateTornDown {
		a.mu.Unlock()
		return
	}
	a.state = StateTornDown
	a.held = false
	detach := a.detach
	a.detach = nil
	restore := a.overlay.active
	a.overlay.active = false
	base := a.overlay.baseTitle
	a.mu.Unlock()

	if detach != nil {
		detach()
	}
	if restore {
		a.renderMu.Lock()
		err := a.doc.SetTitle(context.Background(), base)
		a.renderMu.Unlock()
		if err != nil {
			a.logger.Debug("agent restore title failed", "err", err)
		}
	}
	a.cancel()
	close(a.done)
	a.logger.Debug("agent torn down")
}

func (a *Agent) emit(msgs ...schema.Message) {
	for _, msg := range msgs {
		select {
		case a.outbox <- msg:
		case <-a.done:
			return
		}
	}
}

// sendLoop delivers agent requests in order.
func (a *Agent) sendLoop() {
	for {
		select {
		case <-a.done:
			return
		case msg := <-a.outbox:
			err := a.link.Send(a.ctx, msg)
			if err == nil {
				continue
			}
			log := logx.WithMessage(a.logger, msg)
			if errors.Is(err, schema.ErrContextInvalidated) {
				log.Info("agent link invalidated", "err", err)
				a.Teardown()
				return
			}
			log.Debug("agent send failed", "err", err)
		}
	}
}

func digit(key string) (int, bool) {
	if len(key) != 1 || key[0] < '1' || key[0] > '9' {
		return 0, false
	}
	return int(key[0] - '0'), true
}
