// Package transport multiplexes many outstanding requests over one client
// connection.
//
// Writers share the connection under a mutex; each frame is complete and
// self-delimited, so frames from concurrent callers never interleave. One
// read goroutine decodes every inbound frame and hands it to the owner, which
// correlates it by id.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → deliver(resp)
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"campus-rpc/codec"
	"campus-rpc/message"
	"campus-rpc/protocol"
)

// DeliverFunc receives every decoded response. It runs on the read goroutine
// and must not block.
type DeliverFunc func(*message.Response)

// Options configures a ClientTransport.
type Options struct {
	// MaxFrameSize bounds inbound frames; zero selects the protocol default.
	MaxFrameSize int
	// WriteTimeout bounds each frame write. A writer queued behind a stalled
	// one waits at most that long before the transport dies. Zero disables it.
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// ClientTransport owns a connection until Close or until the connection
// fails, whichever comes first.
type ClientTransport struct {
	conn    net.Conn
	timeout time.Duration
	reader  *protocol.Reader
	writer  *protocol.Writer
	sending sync.Mutex
	deliver DeliverFunc
	logger  *zap.Logger
	tomb    tomb.Tomb
}

// NewClientTransport starts reading from conn immediately.
func NewClientTransport(conn net.Conn, deliver DeliverFunc, opts Options) *ClientTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:    conn,
		timeout: opts.WriteTimeout,
		reader:  protocol.NewReader(conn, opts.MaxFrameSize),
		writer:  protocol.NewWriter(conn),
		deliver: deliver,
		logger:  logger,
	}
	t.tomb.Go(t.recvLoop)
	return t
}

// Send encodes req and writes it as one frame. A write failure, including a
// write that outlives WriteTimeout, is fatal to the transport: the connection
// is closed and Dead fires.
func (t *ClientTransport) Send(req *message.Request) error {
	frame, err := codec.EncodeRequest(req)
	if err != nil {
		return errors.Trace(err)
	}

	var deadline time.Time
	if t.timeout > 0 {
		deadline = time.Now().Add(t.timeout)
	}
	t.sending.Lock()
	_ = t.conn.SetWriteDeadline(deadline)
	err = t.writer.WriteFrame(frame)
	t.sending.Unlock()
	if err != nil {
		err = errors.Annotatef(err, "writing request %s", req.ID)
		t.tomb.Kill(err)
		_ = t.conn.Close()
		return err
	}
	return nil
}

func (t *ClientTransport) recvLoop() error {
	for {
		frame, err := t.reader.ReadFrame()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			t.logger.Warn("dropping oversized response frame")
			continue
		}
		if err != nil {
			select {
			case <-t.tomb.Dying():
				return nil
			default:
			}
			return errors.Annotate(err, "reading response")
		}

		resp, err := codec.DecodeResponse(frame)
		if err != nil {
			t.logger.Warn("dropping malformed response frame", zap.Error(err), zap.Int("size", len(frame)))
			continue
		}
		t.deliver(resp)
	}
}

// Dead is closed once the read loop has exited.
func (t *ClientTransport) Dead() <-chan struct{} {
	return t.tomb.Dead()
}

// Err returns why the transport died, nil after a clean Close, or
// tomb.ErrStillAlive while it is running.
func (t *ClientTransport) Err() error {
	return t.tomb.Err()
}

// Close closes the connection and waits for the read loop to exit.
func (t *ClientTransport) Close() error {
	t.tomb.Kill(nil)
	err := t.conn.Close()
	_ = t.tomb.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.Trace(err)
}
