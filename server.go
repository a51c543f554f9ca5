package tabjump

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabjump/core"
	"pkt.systems/tabjump/internal/chromehost"
	"pkt.systems/tabjump/internal/eventbus"
	"pkt.systems/tabjump/internal/wire"
	"pkt.systems/tabjump/schema"
)

// Server composes the agent socket, the browser host and the coordinator.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Wire        wire.ServerConfig
	Coordinator schema.CoordinatorConfig
	Browser     chromehost.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	// Host replaces the browser host. When nil, WithBrowser must be set.
	Host core.Host
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableBrowser bool
}

// WithBrowser connects to (or launches) Chrome as the tab host.
func WithBrowser() ServerOption {
	return func(o *serverOptions) { o.enableBrowser = true }
}

// New constructs a composable tabjump server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if deps.Host == nil && !options.enableBrowser {
		return nil, errors.New("no tab host configured")
	}
	if cfg.Wire.SocketPath == "" {
		return nil, errors.New("socket path is required")
	}
	cfg.Browser.SocketPath = cfg.Wire.SocketPath
	if cfg.Browser.RequestTimeout <= 0 {
		cfg.Browser.RequestTimeout = cfg.Wire.RequestTimeout
	}
	return &compositeServer{
		cfg:     cfg,
		options: options,
		host:    deps.Host,
		wire:    wire.NewServer(cfg.Wire),
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	wire    *wire.Server
	logger  pslog.Logger

	mu      sync.Mutex
	host    core.Host
	coord   *core.Coordinator
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	done    chan struct{}
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"browser", s.options.enableBrowser,
		"socket", s.cfg.Wire.SocketPath,
		"pidfile", s.cfg.Wire.PidPath,
		"remote_url", s.cfg.Browser.RemoteURL,
	)

	s.wire.OnAgentMessage = s.onAgentMessage
	s.wire.OnCommand = s.onCommand
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := s.wire.ListenAndServe(s.ctx); err != nil {
			log.Error("wire server failed", "err", err)
			s.errCh <- err
		}
	}()
	select {
	case <-s.wire.Ready():
	case err := <-s.errCh:
		s.cancel()
		workers.Wait()
		close(s.done)
		return err
	}

	host := s.host
	if host == nil {
		bus := eventbus.New(log)
		browserHost, err := chromehost.New(s.ctx, s.cfg.Browser, bus)
		if err != nil {
			log.Error("browser host failed", "err", err)
			s.cancel()
			workers.Wait()
			close(s.done)
			return err
		}
		host = browserHost
	}
	coord, err := core.NewCoordinator(s.cfg.Coordinator, core.CoordinatorDeps{
		Host:   host,
		Link:   s.wire,
		Logger: log,
	})
	if err != nil {
		s.cancel()
		workers.Wait()
		closeHost(host, s.host == nil)
		close(s.done)
		return err
	}
	s.mu.Lock()
	ownsHost := s.host == nil
	s.host = host
	s.coord = coord
	s.mu.Unlock()

	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := coord.Run(s.ctx); err != nil {
			log.Error("coordinator failed", "err", err)
			s.errCh <- err
		}
	}()
	go func() {
		workers.Wait()
		closeHost(host, ownsHost)
		close(s.done)
	}()
	return nil
}

func closeHost(host core.Host, owned bool) {
	if !owned {
		return
	}
	if closer, ok := host.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (s *compositeServer) coordinator() *core.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord
}

func (s *compositeServer) onAgentMessage(ctx context.Context, tabID schema.TabID, msg schema.Message) (schema.Response, error) {
	coord := s.coordinator()
	if coord == nil {
		return schema.Response{}, schema.ErrAgentUnavailable
	}
	return coord.HandleAgentMessage(ctx, tabID, msg)
}

func (s *compositeServer) onCommand(ctx context.Context, commandID string) {
	if coord := s.coordinator(); coord != nil {
		coord.OnShortcutCommand(ctx, commandID)
	}
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	done := s.done
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		<-done
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	done := s.done
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
