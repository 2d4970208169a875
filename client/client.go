// Package client implements the client RPC engine: one outbound connection
// over which many calls are outstanding at once, each correlated with its
// response by id.
//
// A Client is single-use. Once the connection is gone, whether through
// Disconnect or because the transport failed, every pending call has failed
// with ErrConnectionClosed and the Client refuses further work. Nothing is
// retried or reconnected automatically.
package client

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"campus-rpc/message"
	"campus-rpc/transport"
)

const (
	ErrTimeout          = errors.ConstError("call timed out")
	ErrConnectionClosed = errors.ConstError("connection closed")
	ErrNotConnected     = errors.ConstError("not connected")
	ErrAlreadyConnected = errors.ConstError("already connected")
	ErrClosed           = errors.ConstError("client closed")
	ErrCancelled        = errors.ConstError("call cancelled")
)

// DefaultTimeout bounds every call unless WithTimeout says otherwise.
const DefaultTimeout = 10 * time.Second

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateClosed
)

// Client is the RPC engine. It is safe for concurrent use.
type Client struct {
	timeout      time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	maxFrameSize int

	mu        sync.Mutex
	state     state
	transport *transport.ClientTransport
	pending   map[string]*Call
	session   *message.Session
	closeErr  error
	done      chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the clock that drives call deadlines.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMaxFrameSize bounds inbound frames.
func WithMaxFrameSize(n int) Option {
	return func(c *Client) { c.maxFrameSize = n }
}

// New returns an unconnected Client.
func New(opts ...Option) *Client {
	c := &Client{
		timeout: DefaultTimeout,
		clock:   clock.WallClock,
		logger:  zap.NewNop(),
		pending: make(map[string]*Call),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials host:port. Calls are rejected with ErrNotConnected until it
// succeeds. A failed Connect may be retried; a Client that has been
// disconnected may not.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	return c.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

func (c *Client) dial(ctx context.Context, addr string) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateConnecting, stateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = stateConnecting
	c.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		// Disconnect won the race.
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.state = stateIdle
		return errors.Annotatef(err, "connecting to %s", addr)
	}

	c.logger = c.logger.With(zap.String("server", addr))
	t := transport.NewClientTransport(conn, c.deliver, transport.Options{
		MaxFrameSize: c.maxFrameSize,
		WriteTimeout: c.timeout,
		Logger:       c.logger,
	})
	c.transport = t
	c.state = stateConnected
	go c.watch(t)
	c.logger.Debug("connected")
	return nil
}

// Go issues a call and returns immediately. The call completes exactly once:
// with the matching response, or with ErrTimeout, ErrCancelled or
// ErrConnectionClosed.
func (c *Client) Go(uri string, params map[string]string) (*Call, error) {
	c.mu.Lock()
	switch c.state {
	case stateConnected:
	case stateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	req := message.NewRequest(uri, params, c.clock.Now())
	call := newCall(c, req)
	c.pending[req.ID] = call
	call.timer = c.clock.AfterFunc(c.timeout, func() {
		if c.finish(req.ID, nil, ErrTimeout) {
			c.logger.Debug("call timed out", zap.String("id", req.ID), zap.String("uri", uri))
		}
	})
	t := c.transport
	c.mu.Unlock()

	if err := t.Send(req); err != nil {
		c.logger.Info("send failed", zap.String("id", req.ID), zap.Error(err))
		if !c.finish(req.ID, nil, ErrConnectionClosed) {
			// The deadline fired while the write was stuck.
			return call, nil
		}
		return nil, ErrConnectionClosed
	}
	return call, nil
}

// Call issues a call and waits for it. If ctx ends first the call is
// cancelled and ctx's error returned.
func (c *Client) Call(ctx context.Context, uri string, params map[string]string) (*message.Response, error) {
	call, err := c.Go(uri, params)
	if err != nil {
		return nil, err
	}
	select {
	case <-call.Done():
	case <-ctx.Done():
		if call.Cancel() {
			return nil, ctx.Err()
		}
		<-call.Done()
	}
	return call.Result()
}

// deliver runs on the transport's read goroutine.
func (c *Client) deliver(resp *message.Response) {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	if resp.Session != nil {
		c.session = resp.Session.Clone()
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("discarding response with no waiter", zap.String("id", resp.ID), zap.String("status", string(resp.Status)))
		return
	}
	call.complete(resp, nil)
}

// finish completes the pending call with id if it is still pending. Removal
// from the map decides which completion wins.
func (c *Client) finish(id string, resp *message.Response, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		call.complete(resp, err)
	}
	return ok
}

func (c *Client) watch(t *transport.ClientTransport) {
	<-t.Dead()
	if err := t.Err(); err != nil {
		c.logger.Info("connection lost", zap.Error(err))
	}
	c.shutdown()
}

// shutdown moves the client to its terminal state and fails every pending
// call. Only the first caller does any work.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	t := c.transport
	pending := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	for _, call := range pending {
		call.complete(nil, ErrConnectionClosed)
	}
	if len(pending) > 0 {
		c.logger.Debug("failed pending calls", zap.Int("count", len(pending)))
	}

	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	close(c.done)
}

// Disconnect closes the connection and fails every pending call with
// ErrConnectionClosed. It is idempotent and returns once all of that is done.
func (c *Client) Disconnect() error {
	c.shutdown()
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed once the client is dead.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Session returns the session most recently announced by the server, or nil.
func (c *Client) Session() *message.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
