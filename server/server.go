// Package server implements the RPC server: accept loop, per-connection
// session ownership, dispatch through the middleware chain and router, and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → connHandler.serve (one goroutine per connection)
//	  → for each frame, in order: codec.DecodeRequest → ConnState.Stamp
//	    → middleware chain → router.Dispatch → ConnState.Apply → write response
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"campus-rpc/middleware"
	"campus-rpc/protocol"
	"campus-rpc/registry"
	"campus-rpc/router"
	"campus-rpc/stats"
)

const (
	// DefaultMaxConnections bounds concurrently served connections.
	DefaultMaxConnections = 1024

	// DefaultWriteTimeout bounds a single response write.
	DefaultWriteTimeout = 10 * time.Second
)

// ErrServerClosed is returned by Serve after Shutdown.
const ErrServerClosed = errors.ConstError("server closed")

// Server accepts connections and serves requests through a Router.
type Server struct {
	router      *router.Router
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware chain around router.Dispatch, built in Serve

	stats        *stats.Stats
	clock        clock.Clock
	logger       *zap.Logger
	maxFrameSize int
	writeTimeout time.Duration
	maxConns     int64
	sem          *semaphore.Weighted

	reg         registry.Registry
	serviceName string
	instance    registry.ServiceInstance
	leaseTTL    int64
	advertised  bool

	ctx    context.Context // cancelled when shutdown starts
	cancel context.CancelFunc

	connCtx    context.Context // handed to handlers, cancelled when shutdown gives up waiting
	connCancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]*connHandler
	shutdown bool
	nextID   atomic.Uint64
	wg       sync.WaitGroup // connection goroutines
	ready    chan struct{}  // closed once listening
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock used for session timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithStats sets the diagnostics sink. By default each server has its own.
func WithStats(st *stats.Stats) Option {
	return func(s *Server) { s.stats = st }
}

// WithMaxConnections bounds concurrently served connections. The accept loop
// waits while the bound is reached.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = int64(n)
		}
	}
}

// WithMaxFrameSize bounds the size of an incoming frame.
func WithMaxFrameSize(n int) Option {
	return func(s *Server) { s.maxFrameSize = n }
}

// WithWriteTimeout bounds each response write. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithRegistry advertises the server under serviceName while it serves.
// An instance without address advertises the listener address.
func WithRegistry(reg registry.Registry, serviceName string, instance registry.ServiceInstance, ttl int64) Option {
	return func(s *Server) {
		s.reg = reg
		s.serviceName = serviceName
		s.instance = instance
		s.leaseTTL = ttl
	}
}

// NewServer creates a server dispatching through r.
func NewServer(r *router.Router, opts ...Option) *Server {
	s := &Server{
		router:       r,
		clock:        clock.WallClock,
		logger:       zap.NewNop(),
		maxFrameSize: protocol.DefaultMaxFrameSize,
		writeTimeout: DefaultWriteTimeout,
		maxConns:     DefaultMaxConnections,
		conns:        make(map[uint64]*connHandler),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = stats.New(s.clock)
	}
	s.sem = semaphore.NewWeighted(s.maxConns)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.connCtx, s.connCancel = context.WithCancel(context.Background())
	return s
}

// Use registers a middleware. Middlewares run in the order they are added and
// must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", address)
	}
	return s.ServeListener(l)
}

// ServeListener serves connections accepted from l until Shutdown, after
// which it returns nil.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server already serving")
	}
	s.listener = l
	s.handler = middleware.Chain(s.middlewares...)(s.router.Dispatch)
	s.mu.Unlock()

	if s.reg != nil {
		if err := s.advertise(l.Addr()); err != nil {
			_ = l.Close()
			return errors.Trace(err)
		}
	}
	close(s.ready)
	s.logger.Info("serving", zap.String("addr", l.Addr().String()), zap.Int("routes", len(s.router.Routes())))

	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			// Only cancelled by Shutdown.
			return nil
		}
		conn, err := l.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.closing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("temporary accept failure", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return errors.Annotate(err, "accept")
		}
		if !s.track(conn) {
			s.sem.Release(1)
			_ = conn.Close()
			return nil
		}
	}
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// track registers conn and starts its goroutine. It refuses once shutdown has
// begun, which keeps wg.Add from racing with wg.Wait.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	id := s.nextID.Add(1)
	h := s.newConnHandler(id, conn)
	s.conns[id] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.untrack(id)
		h.serve(s.connCtx)
	}()
	return true
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) advertise(addr net.Addr) error {
	instance := s.instance
	if instance.Addr == "" {
		instance.Addr = addr.String()
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.reg.Register(ctx, s.serviceName, instance, s.leaseTTL); err != nil {
		return errors.Annotatef(err, "registering %s at %s", s.serviceName, instance.Addr)
	}
	s.mu.Lock()
	s.instance = instance
	s.advertised = true
	s.mu.Unlock()
	s.logger.Info("registered", zap.String("service", s.serviceName), zap.String("addr", instance.Addr))
	return nil
}

// Ready is closed once the server is listening and advertised.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns the diagnostics sink.
func (s *Server) Stats() *stats.Stats {
	return s.stats
}

// ResetStats zeroes the counters.
func (s *Server) ResetStats() {
	s.stats.Reset()
}

// Snapshot returns the current counters.
func (s *Server) Snapshot() stats.Snapshot {
	return s.stats.Snapshot()
}

// RouteTable lists the routes served.
func (s *Server) RouteTable() []stats.RouteInfo {
	routes := s.router.Routes()
	out := make([]stats.RouteInfo, 0, len(routes))
	for _, r := range routes {
		out = append(out, stats.RouteInfo{URI: r.URI, Role: r.Role, Description: r.Description})
	}
	return out
}

// Connections describes the live connections ordered by id.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	handlers := make([]*connHandler, 0, len(s.conns))
	for _, h := range s.conns {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	out := make([]ConnInfo, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h.state.Info())
	}
	sortConnInfo(out)
	return out
}

// Shutdown stops the server:
//  1. Deregister from the registry so clients stop discovering it
//  2. Stop accepting connections
//  3. Let each connection answer its in-flight request, then close it
//  4. Wait for connection goroutines, forcing them closed after timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listener := s.listener
	advertised, instance := s.advertised, s.instance
	handlers := make([]*connHandler, 0, len(s.conns))
	for _, h := range s.conns {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if advertised {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.reg.Deregister(ctx, s.serviceName, instance.Addr); err != nil {
			s.logger.Warn("deregistration failed", zap.Error(err))
		}
		cancel()
	}

	s.cancel()
	if listener != nil {
		_ = listener.Close()
	}
	for _, h := range handlers {
		h.stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.connCancel()
		s.logger.Info("server stopped")
		return nil
	case <-time.After(timeout):
		s.connCancel()
		for _, h := range handlers {
			_ = h.conn.Close()
		}
		return errors.Errorf("timeout waiting for %d connection(s) to finish", len(handlers))
	}
}
