package server

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"campus-rpc/codec"
	"campus-rpc/message"
	"campus-rpc/protocol"
)

// connHandler serves one accepted connection.
//
// Frames are read and dispatched one at a time on the connection's own
// goroutine, so requests from one client are answered in arrival order and the
// writer needs no lock. A slow handler delays only this connection.
type connHandler struct {
	srv    *Server
	conn   net.Conn
	state  *ConnState
	reader *protocol.Reader
	writer *protocol.Writer
	logger *zap.Logger
}

func (s *Server) newConnHandler(id uint64, conn net.Conn) *connHandler {
	remote := conn.RemoteAddr().String()
	return &connHandler{
		srv:    s,
		conn:   conn,
		state:  NewConnState(id, remote, s.clock.Now(), s.router.Policy().Idle()),
		reader: protocol.NewReader(conn, s.maxFrameSize),
		writer: protocol.NewWriter(conn),
		logger: s.logger.With(zap.Uint64("conn", id), zap.String("remote", remote)),
	}
}

// serve runs the read loop until the peer goes away or the server stops.
func (h *connHandler) serve(ctx context.Context) {
	h.srv.stats.ConnectionOpened()
	h.logger.Debug("connection opened")
	defer func() {
		h.state.Close(h.srv.clock.Now())
		_ = h.conn.Close()
		h.srv.stats.ConnectionClosed()
		h.logger.Debug("connection closed")
	}()

	for {
		frame, err := h.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				h.srv.stats.FrameRejected()
				h.logger.Warn("dropping oversized frame")
				continue
			}
			if isClosedConn(err) {
				return
			}
			h.logger.Info("read failed", zap.Error(err))
			return
		}
		if err := h.handleFrame(ctx, frame); err != nil {
			h.logger.Info("write failed", zap.Error(err))
			return
		}
	}
}

// handleFrame decodes, dispatches and answers one frame. Undecodable frames
// are dropped without a reply. Only write failures are returned.
func (h *connHandler) handleFrame(ctx context.Context, frame []byte) error {
	req, err := codec.DecodeRequest(frame)
	if err != nil {
		h.srv.stats.FrameRejected()
		h.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("size", len(frame)))
		return nil
	}

	if err := h.state.Stamp(req, h.srv.clock.Now()); err != nil {
		return errors.Trace(err)
	}
	h.srv.stats.RequestReceived(req.URI)

	resp := h.srv.handler(ctx, req)
	if resp == nil {
		resp = message.NewResponse(message.StatusInternalError, "no response produced")
	}
	resp.ID = req.ID
	if resp.Timestamp.IsZero() {
		resp.Timestamp = h.srv.clock.Now()
	}

	resp, body, err := h.encode(resp)
	if err != nil {
		return errors.Trace(err)
	}
	// Only a session change the client will see is adopted.
	h.state.Apply(resp)

	return h.write(resp, body)
}

// encode serializes resp. A response that cannot be encoded is replaced by
// an INTERNAL_ERROR without session, which is what gets sent.
func (h *connHandler) encode(resp *message.Response) (*message.Response, []byte, error) {
	body, err := codec.EncodeResponse(resp)
	if err == nil {
		return resp, body, nil
	}
	h.logger.Error("cannot encode response", zap.String("id", resp.ID), zap.Error(err))
	fallback := message.NewResponse(message.StatusInternalError, "response could not be encoded")
	fallback.ID = resp.ID
	fallback.Timestamp = h.srv.clock.Now()
	if body, err = codec.EncodeResponse(fallback); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return fallback, body, nil
}

func (h *connHandler) write(resp *message.Response, body []byte) error {
	if h.srv.writeTimeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(h.srv.writeTimeout))
	}
	if err := h.writer.WriteFrame(body); err != nil {
		return errors.Annotatef(err, "writing response %s", resp.ID)
	}
	h.srv.stats.ResponseSent(resp.Status)
	return nil
}

// stop makes the read loop return once the in-flight request, if any, has
// been answered.
func (h *connHandler) stop() {
	_ = h.conn.SetReadDeadline(time.Now())
}

func isClosedConn(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
