package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dan-v/geotunnel/internal/auth"
	"github.com/dan-v/geotunnel/pkg/shared"
)

const wsControlTimeout = 5 * time.Second

// WSSession is a Session over one websocket connection. Protocol messages
// travel as binary frames; the probe uses websocket ping/pong frames.
type WSSession struct {
	*pump
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSSession wraps an established websocket and starts its reader.
func NewWSSession(conn *websocket.Conn, id string) *WSSession {
	s := &WSSession{pump: newPump(id), conn: conn}
	conn.SetPongHandler(func(appData string) error {
		if len(appData) == 8 {
			s.deliverPong(binary.BigEndian.Uint64([]byte(appData)))
		}
		return nil
	})
	go s.readLoop()
	return s
}

func (s *WSSession) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				shared.IsClosedConnError(err) {
				err = ErrClosed
			}
			s.fail(err)
			return
		}
		if mt != websocket.BinaryMessage {
			s.fail(fmt.Errorf("unexpected websocket message type %d", mt))
			s.conn.Close()
			return
		}
		if !s.deliver(data) {
			return
		}
	}
}

func (s *WSSession) Send(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (s *WSSession) Probe(ctx context.Context) error {
	return s.probe(ctx, func(nonce uint64) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], nonce)
		deadline := time.Now().Add(wsControlTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		return s.conn.WriteControl(websocket.PingMessage, buf[:], deadline)
	})
}

func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
		s.fail(ErrClosed)
	})
	return err
}

func (s *WSSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// WSDialer opens authenticated websocket tunnels.
type WSDialer struct {
	cfg    DialConfig
	url    string
	dialer *websocket.Dialer
}

// NewWSDialer validates the ws:// or wss:// server URL. An empty port
// defaults to 80 or 443; ServerIP replaces the host for the TCP dial while
// the URL host is still sent as Host and TLS server name.
func NewWSDialer(cfg DialConfig) (*WSDialer, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	var defaultPort string
	switch u.Scheme {
	case "ws":
		defaultPort = "80"
	case "wss":
		defaultPort = "443"
	default:
		return nil, fmt.Errorf("server url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("server url %q has no host", cfg.ServerURL)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, fmt.Errorf("invalid server port %q", port)
	}

	dialAddr := net.JoinHostPort(u.Hostname(), port)
	if cfg.ServerIP != "" {
		dialAddr = net.JoinHostPort(cfg.ServerIP, port)
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = shared.TunnelHandshakeTimeout
	}
	netDialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	return &WSDialer{
		cfg: cfg,
		url: u.String(),
		dialer: &websocket.Dialer{
			NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return netDialer.DialContext(ctx, network, dialAddr)
			},
			TLSClientConfig:  shared.ClientTLSConfig(u.Hostname(), cfg.Insecure),
			HandshakeTimeout: timeout,
			ReadBufferSize:   shared.RelayBufferSize * 2,
			WriteBufferSize:  shared.RelayBufferSize * 2,
		},
	}, nil
}

// Dial performs the upgrade with a fresh bearer token.
func (d *WSDialer) Dial(ctx context.Context) (Session, error) {
	header := http.Header{}
	for k, v := range d.cfg.Headers {
		header.Set(k, v)
	}
	header.Set("Authorization", d.cfg.User.BearerHeader())

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("%w: server answered %s", ErrAuthFailed, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	return NewWSSession(conn, shared.NewConnID("ws")), nil
}

// Upgrader accepts websocket tunnels on the server side.
type Upgrader struct {
	upgrader websocket.Upgrader
}

func NewUpgrader() *Upgrader {
	return &Upgrader{upgrader: websocket.Upgrader{
		HandshakeTimeout: shared.TunnelHandshakeTimeout,
		ReadBufferSize:   shared.RelayBufferSize * 2,
		WriteBufferSize:  shared.RelayBufferSize * 2,
		CheckOrigin:      func(*http.Request) bool { return true },
	}}
}

// IsUpgrade reports whether r asks for a websocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Upgrade completes the handshake. Authentication must already have been
// checked by the caller.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*WSSession, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSSession(conn, shared.NewConnID("ws")), nil
}

var _ Session = (*WSSession)(nil)

// Verifier checks a bearer token and returns the user name.
type Verifier interface {
	Verify(token string) (string, error)
}

var _ Verifier = (*auth.Verifier)(nil)
