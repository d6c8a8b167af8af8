package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dan-v/geotunnel/pkg/shared"
)

const (
	quicCodeNormal       quic.ApplicationErrorCode = 0
	quicCodeUnauthorized quic.ApplicationErrorCode = 1
)

// QUICConfig is shared by the dialing and listening sides.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       shared.QUICIdleTimeout,
		HandshakeIdleTimeout: shared.QUICHandshakeTimeout,
		KeepAlivePeriod:      shared.QUICKeepAlive,
	}
}

// QUICSession is a Session over one bidirectional QUIC stream framed with
// the shared control frames.
type QUICSession struct {
	*pump
	conn      quic.Connection
	stream    quic.Stream
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newQUICSession(conn quic.Connection, stream quic.Stream, id string) *QUICSession {
	s := &QUICSession{pump: newPump(id), conn: conn, stream: stream}
	go s.readLoop()
	return s
}

func (s *QUICSession) readLoop() {
	for {
		f, err := shared.ReadFrame(s.stream)
		if err != nil {
			if errors.Is(err, io.EOF) || shared.IsClosedConnError(err) {
				err = ErrClosed
			}
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) && appErr.ErrorCode == quicCodeNormal {
				err = ErrClosed
			}
			s.fail(err)
			return
		}
		switch f.Op {
		case shared.OpData:
			if !s.deliver(f.Payload) {
				return
			}
		case shared.OpPing:
			s.writeMu.Lock()
			err := shared.WritePong(s.stream, f.Nonce)
			s.writeMu.Unlock()
			if err != nil {
				s.fail(err)
				return
			}
		case shared.OpPong:
			s.deliverPong(f.Nonce)
		case shared.OpShutdown:
			s.fail(ErrClosed)
			s.conn.CloseWithError(quicCodeNormal, "shutdown")
			return
		default:
			s.fail(fmt.Errorf("unexpected frame %02x on established tunnel", f.Op))
			s.conn.CloseWithError(quicCodeNormal, "protocol error")
			return
		}
	}
}

func (s *QUICSession) Send(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.WriteData(s.stream, msg)
}

func (s *QUICSession) Probe(ctx context.Context) error {
	return s.probe(ctx, func(nonce uint64) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return shared.WritePing(s.stream, nonce)
	})
}

func (s *QUICSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = shared.WriteShutdown(s.stream)
		s.writeMu.Unlock()
		s.stream.Close()
		err = s.conn.CloseWithError(quicCodeNormal, "closed")
		s.fail(ErrClosed)
	})
	return err
}

func (s *QUICSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

var _ Session = (*QUICSession)(nil)

// QUICDialer opens one QUIC connection per session.
type QUICDialer struct {
	cfg      DialConfig
	addr     string
	host     string
	timeout  time.Duration
	quicConf *quic.Config
}

// NewQUICDialer accepts "quic://host[:port]".
func NewQUICDialer(cfg DialConfig) (*QUICDialer, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "quic" {
		return nil, fmt.Errorf("quic transport needs a quic:// server url, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("server url %q has no host", cfg.ServerURL)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(shared.DefaultQUICPort)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, fmt.Errorf("invalid server port %q", port)
	}
	host := u.Hostname()
	if cfg.ServerIP != "" {
		host = cfg.ServerIP
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = shared.TunnelHandshakeTimeout
	}
	return &QUICDialer{
		cfg:      cfg,
		addr:     net.JoinHostPort(host, port),
		host:     u.Hostname(),
		timeout:  timeout,
		quicConf: QUICConfig(),
	}, nil
}

// Dial connects, opens the tunnel stream and authenticates on it.
func (d *QUICDialer) Dial(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tlsConf := shared.ClientTLSConfig(d.host, d.cfg.Insecure, shared.QUICALPN)
	conn, err := quic.DialAddr(ctx, d.addr, tlsConf, d.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", d.addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(quicCodeNormal, "")
		return nil, fmt.Errorf("open tunnel stream: %w", err)
	}

	if err := shared.WriteAuth(stream, d.cfg.User.Token(time.Now())); err != nil {
		conn.CloseWithError(quicCodeNormal, "")
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(deadline)
	}
	f, err := shared.ReadFrame(stream)
	if err != nil {
		conn.CloseWithError(quicCodeNormal, "")
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.ErrorCode == quicCodeUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, appErr.ErrorMessage)
		}
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	if f.Op != shared.OpAuthOK {
		conn.CloseWithError(quicCodeNormal, "")
		return nil, fmt.Errorf("%w: unexpected reply %02x", ErrAuthFailed, f.Op)
	}
	stream.SetReadDeadline(time.Time{})
	return newQUICSession(conn, stream, shared.NewConnID("quic")), nil
}

// AcceptQUIC waits for the tunnel stream on an accepted connection and
// checks its auth frame. On failure the connection is closed.
func AcceptQUIC(ctx context.Context, conn quic.Connection, v Verifier) (*QUICSession, string, error) {
	ctx, cancel := context.WithTimeout(ctx, shared.TunnelHandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(quicCodeNormal, "")
		return nil, "", fmt.Errorf("accept tunnel stream: %w", err)
	}
	stream.SetReadDeadline(time.Now().Add(shared.TunnelHandshakeTimeout))
	f, err := shared.ReadFrame(stream)
	if err != nil {
		conn.CloseWithError(quicCodeNormal, "")
		return nil, "", fmt.Errorf("read auth frame: %w", err)
	}
	if f.Op != shared.OpAuth {
		conn.CloseWithError(quicCodeUnauthorized, "auth required")
		return nil, "", fmt.Errorf("%w: first frame %02x", ErrAuthFailed, f.Op)
	}
	user, err := v.Verify(string(f.Payload))
	if err != nil {
		conn.CloseWithError(quicCodeUnauthorized, "unauthorized")
		return nil, "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := shared.WriteAuthOK(stream); err != nil {
		conn.CloseWithError(quicCodeNormal, "")
		return nil, "", err
	}
	stream.SetReadDeadline(time.Time{})
	return newQUICSession(conn, stream, shared.NewConnID("quic")), user, nil
}
