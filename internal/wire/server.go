package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
	"pkt.systems/tabjump/internal/logx"
	"pkt.systems/tabjump/schema"
)

// ServerConfig configures the coordinator side of the socket.
type ServerConfig struct {
	SocketPath     string
	PidPath        string
	RequestTimeout time.Duration
}

// Server accepts agent and command connections on a unix socket and routes
// coordinator messages to the newest agent generation of each tab.
type Server struct {
	cfg ServerConfig

	// OnAgentMessage handles a request sent by an agent.
	OnAgentMessage func(ctx context.Context, tabID schema.TabID, msg schema.Message) (schema.Response, error)
	// OnCommand handles a shortcut command.
	OnCommand func(ctx context.Context, commandID string)

	seq atomic.Uint64

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	agents map[schema.TabID]*serverConn

	readyOnce sync.Once
	ready     chan struct{}
}

type serverConn struct {
	*conn
	tabID schema.TabID
	gen   schema.Generation
}

// NewServer constructs a server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = schema.DefaultRequestTimeout
	}
	return &Server{
		cfg:    cfg,
		conns:  make(map[*serverConn]struct{}),
		agents: make(map[schema.TabID]*serverConn),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// SocketPath returns the configured socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ListenAndServe claims the pidfile, listens on the socket and serves until
// ctx ends or the socket file is removed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	if strings.TrimSpace(s.cfg.SocketPath) == "" {
		return errors.New("socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if s.cfg.PidPath != "" {
		if err := claimPidfile(s.cfg.PidPath); err != nil {
			return err
		}
		defer func() { _ = os.Remove(s.cfg.PidPath) }()
	}
	// Safe once the pidfile is ours.
	_ = os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	defer func() { _ = os.Remove(s.cfg.SocketPath) }()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("watch socket: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(s.cfg.SocketPath)); err != nil {
		_ = ln.Close()
		return fmt.Errorf("watch socket dir: %w", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	go func() {
		errCh <- s.watchSocket(serveCtx, watcher)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.acceptLoop(serveCtx, ln, &wg)
	}()

	s.readyOnce.Do(func() { close(s.ready) })
	log.Info("wire server listening", "socket", s.cfg.SocketPath)

	var result error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		result = err
	}
	cancel()
	_ = ln.Close()
	s.closeAll()
	wg.Wait()
	if result != nil {
		log.Warn("wire server stopped", "err", result)
	} else {
		log.Info("wire server stopped")
	}
	return result
}

func (s *Server) watchSocket(ctx context.Context, watcher *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.cfg.SocketPath) {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return ErrSocketRemoved
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			pslog.Ctx(ctx).Warn("wire socket watch error", "err", err)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			pslog.Ctx(ctx).Debug("wire accept failed", "err", err)
			continue
		}
		sc := &serverConn{conn: newConn(nc)}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, sc)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, sc *serverConn) {
	defer s.drop(sc)
	err := sc.readLoop(func(env Envelope) {
		s.handleEnvelope(ctx, sc, env)
	})
	if sc.tabID != "" {
		logx.WithAgent(ctx, sc.tabID, sc.gen).Debug("wire agent disconnected", "err", err)
	}
}

func (s *Server) handleEnvelope(ctx context.Context, sc *serverConn, env Envelope) {
	switch env.Kind {
	case KindHello:
		s.bind(ctx, sc, env.TabID, env.Generation)
	case KindResponse:
		sc.resolve(env)
	case KindRequest:
		if sc.tabID == "" && env.TabID != "" {
			s.bind(ctx, sc, env.TabID, env.Generation)
		}
		if env.Message == nil {
			return
		}
		s.handleAgentRequest(ctx, sc, env)
	case KindCommand:
		pslog.Ctx(ctx).Debug("wire command received", "command", env.Command)
		if s.OnCommand != nil {
			s.OnCommand(ctx, env.Command)
		}
		if env.Seq != 0 {
			ok := schema.OK
			_ = sc.write(Envelope{Kind: KindResponse, Seq: env.Seq, Response: &ok})
		}
	}
}

func (s *Server) handleAgentRequest(ctx context.Context, sc *serverConn, env Envelope) {
	msg := *env.Message
	tabID := sc.tabID
	reqCtx := logx.ContextWithAgentLogger(ctx, logx.WithAgent(ctx, tabID, sc.gen), tabID, sc.gen)
	reply := Envelope{Kind: KindResponse, Seq: env.Seq}
	if s.OnAgentMessage == nil {
		reply.Error = schema.ErrUnknownAction.Error()
	} else if resp, err := s.OnAgentMessage(reqCtx, tabID, msg); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Response = &resp
	}
	if env.Seq == 0 {
		return
	}
	if err := sc.write(reply); err != nil {
		logx.WithMessage(logx.Ctx(reqCtx), msg).Debug("wire reply failed", "err", err)
	}
}

// bind attaches a connection to a tab. Generations are ULIDs, so a lexically
// smaller generation is an older agent and never displaces a newer one.
func (s *Server) bind(ctx context.Context, sc *serverConn, tabID schema.TabID, gen schema.Generation) {
	if tabID == "" {
		return
	}
	s.mu.Lock()
	sc.tabID = tabID
	sc.gen = gen
	current, ok := s.agents[tabID]
	var currentGen schema.Generation
	if ok {
		currentGen = current.gen
	}
	replace := !ok || current == sc || currentGen <= gen
	if replace {
		s.agents[tabID] = sc
	}
	s.mu.Unlock()
	log := logx.WithAgent(ctx, tabID, gen)
	if replace {
		log.Debug("wire agent bound")
	} else {
		log.Debug("wire superseded agent ignored", "current", currentGen)
	}
}

func (s *Server) drop(sc *serverConn) {
	sc.close()
	s.mu.Lock()
	delete(s.conns, sc)
	if sc.tabID != "" && s.agents[sc.tabID] == sc {
		delete(s.agents, sc.tabID)
	}
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}
}

func (s *Server) agent(tabID schema.TabID) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[tabID]
}

// Connected reports whether an agent connection is bound to tabID.
func (s *Server) Connected(tabID schema.TabID) bool {
	return s.agent(tabID) != nil
}

// Generation returns the generation currently bound to tabID.
func (s *Server) Generation(tabID schema.TabID) (schema.Generation, bool) {
	sc := s.agent(tabID)
	if sc == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sc.gen, true
}

// Request delivers msg to the tab's agent and waits for its acknowledgement.
func (s *Server) Request(ctx context.Context, tabID schema.TabID, msg schema.Message) error {
	sc := s.agent(tabID)
	if sc == nil {
		return schema.ErrAgentUnavailable
	}
	seq := s.seq.Add(1)
	ch := sc.expect(seq)
	defer sc.forget(seq)
	if err := sc.write(Envelope{Kind: KindRequest, Seq: seq, TabID: tabID, Message: &msg}); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrAgentUnavailable, err)
	}
	env, err := sc.await(ctx, ch, s.cfg.RequestTimeout)
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return schema.ErrAgentTimeout
	case errors.Is(err, ErrClosed):
		return schema.ErrAgentUnavailable
	case err != nil:
		return err
	}
	if err := responseError(env); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrAgentUnavailable, err)
	}
	return nil
}

// Notify delivers msg without waiting for an answer.
func (s *Server) Notify(_ context.Context, tabID schema.TabID, msg schema.Message) error {
	sc := s.agent(tabID)
	if sc == nil {
		return schema.ErrAgentUnavailable
	}
	if err := sc.write(Envelope{Kind: KindRequest, TabID: tabID, Message: &msg}); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrAgentUnavailable, err)
	}
	return nil
}

// claimPidfile writes our pid unless a live process already owns the file.
func claimPidfile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pid > 0 && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("%w with pid %d", ErrAlreadyRunning, pid)
		}
		_ = os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
