package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabjump/schema"
)

// Handler applies coordinator messages on the agent side.
type Handler interface {
	HandleMessage(ctx context.Context, msg schema.Message) (schema.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg schema.Message) (schema.Response, error)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg schema.Message) (schema.Response, error) {
	return f(ctx, msg)
}

// Client is one agent generation's connection to the coordinator.
type Client struct {
	*conn
	tabID   schema.TabID
	gen     schema.Generation
	timeout time.Duration
	seq     atomic.Uint64
}

// Dial connects to the coordinator socket and announces tabID and generation.
func Dial(ctx context.Context, socketPath string, tabID schema.TabID, gen schema.Generation) (*Client, error) {
	if tabID == "" {
		return nil, errors.New("tab id is required")
	}
	nc, err := dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    newConn(nc),
		tabID:   tabID,
		gen:     gen,
		timeout: schema.DefaultRequestTimeout,
	}
	if err := c.write(Envelope{Kind: KindHello, TabID: tabID, Generation: gen}); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func dial(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return nc, nil
}

// SetRequestTimeout changes how long Send waits for an answer.
func (c *Client) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Send delivers an agent request and waits for the coordinator's answer. A
// lost connection reports schema.ErrContextInvalidated.
func (c *Client) Send(ctx context.Context, msg schema.Message) error {
	seq := c.seq.Add(1)
	ch := c.expect(seq)
	defer c.forget(seq)
	if err := c.write(Envelope{Kind: KindRequest, Seq: seq, TabID: c.tabID, Generation: c.gen, Message: &msg}); err != nil {
		if errors.Is(err, ErrClosed) {
			return schema.ErrContextInvalidated
		}
		return err
	}
	env, err := c.await(ctx, ch, c.timeout)
	if errors.Is(err, ErrClosed) {
		return schema.ErrContextInvalidated
	}
	if err != nil {
		return err
	}
	return responseError(env)
}

// Serve reads coordinator frames and applies requests to h until ctx ends or
// the connection drops. Requests with a seq are answered with h's response.
func (c *Client) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, c.close)
	defer stop()
	log := pslog.Ctx(ctx)
	err := c.readLoop(func(env Envelope) {
		switch env.Kind {
		case KindResponse:
			c.resolve(env)
		case KindRequest:
			if env.Message == nil {
				return
			}
			reply := Envelope{Kind: KindResponse, Seq: env.Seq, TabID: c.tabID, Generation: c.gen}
			resp, herr := h.HandleMessage(ctx, *env.Message)
			if env.Seq == 0 {
				return
			}
			if herr != nil {
				reply.Error = herr.Error()
			} else {
				reply.Response = &resp
			}
			if werr := c.write(reply); werr != nil {
				log.Debug("wire client reply failed", "err", werr)
			}
		}
	})
	c.close()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %v", schema.ErrContextInvalidated, err)
}

// Close drops the connection.
func (c *Client) Close() error {
	c.close()
	return nil
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// SendCommand delivers a shortcut command id to a running coordinator.
func SendCommand(ctx context.Context, socketPath, commandID string) error {
	nc, err := dial(ctx, socketPath)
	if err != nil {
		return err
	}
	c := newConn(nc)
	defer c.close()
	ch := c.expect(1)
	go func() {
		_ = c.readLoop(func(env Envelope) {
			if env.Kind == KindResponse {
				c.resolve(env)
			}
		})
		c.close()
	}()
	if err := c.write(Envelope{Kind: KindCommand, Seq: 1, Command: commandID}); err != nil {
		return err
	}
	env, err := c.await(ctx, ch, schema.DefaultRequestTimeout)
	if err != nil {
		return fmt.Errorf("command %q: %w", commandID, err)
	}
	return responseError(env)
}
