package chromehost

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
	"pkt.systems/tabjump/agent"
	"pkt.systems/tabjump/internal/wire"
	"pkt.systems/tabjump/schema"
)

const inputQueue = 64

// session is the host's attachment to one page target. It outlives agent
// generations; only the target going away ends it.
type session struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
	log    pslog.Logger
	inputs chan input
	ready  chan struct{}
	err    error
	loaded func(target.ID)

	mu          sync.Mutex
	navigated   bool
	gen         schema.Generation
	doc         *document
	agent       *agent.Agent
	client      *wire.Client
	listener    agent.Listener
	listenerGen schema.Generation
}

func newSession(ctx context.Context, id target.ID, log pslog.Logger) *session {
	tabCtx, cancel := chromedp.NewContext(ctx, chromedp.WithTargetID(id))
	return &session{
		id:     id,
		ctx:    tabCtx,
		cancel: cancel,
		log:    log.With("tab", schema.TabID(id)),
		inputs: make(chan input, inputQueue),
		ready:  make(chan struct{}),
	}
}

// start attaches to the target and exposes the input binding. The first Run
// binds the CDP session to s.ctx, so it must not carry a deadline. onLoaded
// runs when a new main-frame document finished loading.
func (s *session) start(onFocus, onLoaded func(target.ID)) {
	defer close(s.ready)
	s.loaded = onLoaded
	if err := chromedp.Run(s.ctx); err != nil {
		s.err = err
		return
	}
	chromedp.ListenTarget(s.ctx, s.onEvent)
	if err := chromedp.Run(s.ctx, runtime.AddBinding(bindingName)); err != nil {
		s.err = err
		return
	}
	go s.pump(onFocus)
	go func() {
		<-s.ctx.Done()
		s.retire("")
	}()
	s.log.Debug("chromehost attached")
}

// attached reports whether start completed successfully.
func (s *session) attached() bool {
	select {
	case <-s.ready:
		return s.err == nil
	default:
		return false
	}
}

// onEvent runs on the CDP event goroutine and must not block or issue commands.
func (s *session) onEvent(ev any) {
	switch ev := ev.(type) {
	case *page.EventFrameNavigated:
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			s.committed()
		}
	case *page.EventLoadEventFired:
		s.loadFired()
	case *runtime.EventBindingCalled:
		if ev.Name == bindingName {
			s.queue(ev.Payload)
		}
	}
}

// committed handles a main-frame navigation, reloads included. The listener
// script died with the old document, so the live generation is retired.
func (s *session) committed() {
	s.mu.Lock()
	s.navigated = true
	gen, doc := s.gen, s.doc
	s.mu.Unlock()
	if doc != nil {
		doc.invalidate()
	}
	if gen != "" {
		go s.retire(gen)
	}
}

// loadFired reports a finished load that followed a navigation commit.
func (s *session) loadFired() {
	s.mu.Lock()
	navigated := s.navigated
	s.navigated = false
	s.mu.Unlock()
	if navigated && s.loaded != nil {
		s.loaded(s.id)
	}
}

func (s *session) queue(payload string) {
	in, err := parseInput(payload)
	if err != nil {
		s.log.Debug("chromehost bad input", "err", err)
		return
	}
	select {
	case s.inputs <- in:
	default:
		s.log.Trace("chromehost input dropped", "type", in.Type)
	}
}

func (s *session) pump(onFocus func(target.ID)) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inputs:
			if in.Type == inputFocus {
				onFocus(s.id)
				continue
			}
			s.deliver(in)
		}
	}
}

func (s *session) deliver(in input) {
	s.mu.Lock()
	l := s.listener
	current := s.listenerGen
	s.mu.Unlock()
	if l == nil || schema.Generation(in.Gen) != current {
		return
	}
	switch in.Type {
	case inputKeyDown:
		// The page script already suppressed modifier+digit.
		l.KeyDown(in.keyEvent())
	case inputKeyUp:
		l.KeyUp(in.keyEvent())
	case inputBlur:
		l.Blur()
	}
}

func (s *session) listen(gen schema.Generation, l agent.Listener) func() {
	s.mu.Lock()
	s.listener = l
	s.listenerGen = gen
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.listenerGen == gen {
			s.listener = nil
			s.listenerGen = ""
		}
	}
}

func (s *session) current() schema.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// install makes gen the live generation and retires the previous one.
func (s *session) install(gen schema.Generation, doc *document, ag *agent.Agent, client *wire.Client) {
	s.mu.Lock()
	prevDoc, prevAgent, prevClient := s.doc, s.agent, s.client
	s.gen, s.doc, s.agent, s.client = gen, doc, ag, client
	s.mu.Unlock()
	if prevAgent != nil {
		prevAgent.Teardown()
	}
	if prevDoc != nil {
		prevDoc.invalidate()
	}
	if prevClient != nil {
		_ = prevClient.Close()
	}
}

// retire ends generation gen after its document went away. An empty gen
// retires whatever generation is live.
func (s *session) retire(gen schema.Generation) {
	s.mu.Lock()
	if s.gen == "" || (gen != "" && s.gen != gen) {
		s.mu.Unlock()
		return
	}
	doc, ag, client := s.doc, s.agent, s.client
	retired := s.gen
	s.gen, s.doc, s.agent, s.client = "", nil, nil, nil
	s.mu.Unlock()

	if doc != nil {
		doc.invalidate()
	}
	if ag != nil {
		ag.Fail(schema.ErrContextInvalidated)
	}
	if client != nil {
		_ = client.Close()
	}
	s.log.Debug("chromehost generation retired", "generation", retired)
}
