package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"pkt.systems/tabjump/schema"
)

// Kind identifies an envelope on the socket.
type Kind string

const (
	// KindHello binds a connection to a tab and agent generation.
	KindHello Kind = "hello"
	// KindRequest carries a message. Seq 0 means no answer is expected.
	KindRequest Kind = "request"
	// KindResponse answers the request with the same seq.
	KindResponse Kind = "response"
	// KindCommand carries a host shortcut command id.
	KindCommand Kind = "command"
)

// Envelope is one newline-delimited JSON frame.
type Envelope struct {
	Kind       Kind              `json:"kind"`
	Seq        uint64            `json:"seq,omitempty"`
	TabID      schema.TabID      `json:"tab_id,omitempty"`
	Generation schema.Generation `json:"generation,omitempty"`
	Message    *schema.Message   `json:"message,omitempty"`
	Response   *schema.Response  `json:"response,omitempty"`
	Command    string            `json:"command,omitempty"`
	Error      string            `json:"error,omitempty"`
}

const (
	writeTimeout   = time.Second
	maxFrameSize   = 1024 * 1024
	initialBufSize = 64 * 1024
)

var (
	// ErrSocketRemoved is reported when the listening socket file disappears.
	ErrSocketRemoved = errors.New("socket removed")
	// ErrRequestTimeout is returned when the coordinator does not answer in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrAlreadyRunning is returned when a live daemon owns the pidfile.
	ErrAlreadyRunning = errors.New("daemon already running")
)

// conn wraps a socket with serialized writes and a pending-request table.
type conn struct {
	nc  net.Conn
	wmu sync.Mutex

	pmu     sync.Mutex
	pending map[uint64]chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(nc net.Conn) *conn {
	return &conn{
		nc:      nc,
		pending: make(map[uint64]chan Envelope),
		closed:  make(chan struct{}),
	}
}

func (c *conn) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (c *conn) expect(seq uint64) chan Envelope {
	ch := make(chan Envelope, 1)
	c.pmu.Lock()
	c.pending[seq] = ch
	c.pmu.Unlock()
	return ch
}

func (c *conn) forget(seq uint64) {
	c.pmu.Lock()
	delete(c.pending, seq)
	c.pmu.Unlock()
}

// resolve hands a response to its waiter. Late responses are dropped.
func (c *conn) resolve(env Envelope) bool {
	c.pmu.Lock()
	ch, ok := c.pending[env.Seq]
	delete(c.pending, env.Seq)
	c.pmu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
	})
}

// readLoop decodes frames until the connection fails. Malformed frames are skipped.
func (c *conn) readLoop(fn func(Envelope)) error {
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, initialBufSize), maxFrameSize)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		fn(env)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// await waits for the response to seq.
func (c *conn) await(ctx context.Context, ch chan Envelope, timeout time.Duration) (Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-c.closed:
		return Envelope{}, ErrClosed
	case <-timer.C:
		return Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func responseError(env Envelope) error {
	if env.Error != "" {
		return errors.New(env.Error)
	}
	if env.Response == nil || !env.Response.Success {
		return errors.New("request not acknowledged")
	}
	return nil
}
