package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/internal/protocol"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// DialFunc opens the outbound socket for a Connect.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

func defaultDial(ctx context.Context, address string) (net.Conn, error) {
	return shared.DialTCP(ctx, address, 0)
}

// remoteConn is the destination socket of the current relay and the
// goroutine that turns its reads into ResponseResult messages.
type remoteConn struct {
	conn net.Conn
	dest string

	stopping     atomic.Bool
	sentTerminal atomic.Bool
	writeFailed  bool
	done         chan struct{}
}

func (r *remoteConn) readLoop(s tunnel.Session) {
	defer close(r.done)
	bp := shared.GetRelayBuffer()
	defer shared.PutRelayBuffer(bp)
	buf := *bp

	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			if r.stopping.Load() {
				return
			}
			if serr := s.Send(protocol.ResponseData(buf[:n]).Encode()); serr != nil {
				return
			}
			metrics.RecordBytes(0, int64(n))
		}
		if err != nil {
			if r.stopping.Load() {
				return
			}
			msg := protocol.ResponseError(err.Error())
			if remoteEOF(err) {
				msg = protocol.ResponseClosed()
			}
			r.sentTerminal.Store(true)
			s.Send(msg.Encode())
			return
		}
	}
}

// finished reports, without blocking, whether the reader has ended or is
// sending its terminal result.
func (r *remoteConn) finished() bool {
	if r.sentTerminal.Load() {
		return true
	}
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// stop closes the socket and waits for the reader, so nothing it sends can
// follow a message written after stop returns.
func (r *remoteConn) stop() {
	r.stopping.Store(true)
	r.conn.Close()
	<-r.done
}

// sessionHandler runs the per-tunnel state machine: idle until a Connect,
// relaying until Disconnect or the destination closes, then idle again.
type sessionHandler struct {
	s              tunnel.Session
	user           string
	connectTimeout time.Duration
	dial           DialFunc
	logger         *slog.Logger

	uses int
	cur  *remoteConn
}

func (h *sessionHandler) serve(ctx context.Context) {
	defer h.s.Close()
	defer h.release()

	for {
		raw, err := h.s.Receive()
		if err != nil {
			if !errors.Is(err, tunnel.ErrClosed) {
				h.logger.Debug("tunnel receive failed", "error", err)
			}
			return
		}
		if h.cur != nil && h.cur.finished() {
			h.release()
		}

		msg, err := protocol.DecodeClientMessage(raw)
		if err != nil {
			shared.LogProtocolError(h.logger, "", "decode", err)
			return
		}

		switch msg.Type {
		case protocol.MsgConnect:
			if h.cur != nil {
				h.logger.Debug("connect while relaying, dropping current destination", "dest", h.cur.dest)
				h.release()
			}
			if err := h.connect(ctx, msg.Dest); err != nil {
				h.logger.Debug("send connect result failed", "error", err)
				return
			}
		case protocol.MsgRequest:
			if h.cur == nil {
				h.logger.Debug("request without destination ignored", "bytes", len(msg.Data))
				continue
			}
			if err := h.write(msg.Data); err != nil {
				return
			}
		case protocol.MsgDisconnect:
			if h.cur == nil {
				h.logger.Debug("disconnect without destination ignored")
				continue
			}
			if err := h.disconnect(); err != nil {
				return
			}
		}
	}
}

func (h *sessionHandler) connect(ctx context.Context, dest string) error {
	d, err := protocol.ParseDestination(dest)
	if err != nil {
		metrics.RecordServerDial("error")
		h.logger.Warn("invalid connect destination", "dest", dest, "error", err)
		return h.s.Send(protocol.ConnectError(err.Error()).Encode())
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	conn, err := h.dial(dialCtx, d.DialAddress())
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			metrics.RecordServerDial("timeout")
			h.logger.Info("connect timed out", "dest", dest, "timeout", h.connectTimeout)
			return h.s.Send(protocol.ConnectTimedOut().Encode())
		}
		metrics.RecordServerDial("error")
		h.logger.Info("connect failed", "dest", dest, "error", err)
		return h.s.Send(protocol.ConnectError(err.Error()).Encode())
	}

	metrics.RecordServerDial("ok")
	h.uses++
	h.logger.Info("connected", "dest", dest, "use", h.uses)
	shared.LogTargetf("%s -> %s #%d", h.user, dest, h.uses)

	if err := h.s.Send(protocol.ConnectOK().Encode()); err != nil {
		conn.Close()
		return err
	}
	r := &remoteConn{conn: conn, dest: dest, done: make(chan struct{})}
	h.cur = r
	go r.readLoop(h.s)
	return nil
}

// write applies one Request. Only the first socket write failure is
// reported; later requests for the same destination are dropped.
func (h *sessionHandler) write(data []byte) error {
	if h.cur.writeFailed {
		return nil
	}
	if _, err := h.cur.conn.Write(data); err != nil {
		h.cur.writeFailed = true
		h.logger.Debug("remote write failed", "dest", h.cur.dest, "error", err)
		return h.s.Send(protocol.RequestFailed(err.Error()).Encode())
	}
	metrics.RecordBytes(int64(len(data)), 0)
	return nil
}

// disconnect ends the current destination and acknowledges with exactly
// one Closed, unless the reader already sent its own terminal result.
func (h *sessionHandler) disconnect() error {
	r := h.cur
	h.cur = nil
	r.stop()
	h.logger.Debug("disconnected", "dest", r.dest)
	if r.sentTerminal.Load() {
		return nil
	}
	return h.s.Send(protocol.ResponseClosed().Encode())
}

func (h *sessionHandler) release() {
	if h.cur != nil {
		h.cur.stop()
		h.cur = nil
	}
}

// remoteEOF reports an orderly end of the destination stream. Resets and
// aborts are reported to the client as errors.
func remoteEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
