// Package server is the remote end of the tunnel. It authenticates tunnels
// arriving over websocket or QUIC and runs one session state machine per
// tunnel, dialing destinations on the client's behalf.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dan-v/geotunnel/internal/auth"
	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/internal/stun"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

var ErrNoUsers = errors.New("at least one user is required")

const notFoundPage = `<!DOCTYPE html>
<html>
<head><title>404 Not Found</title></head>
<body>
<center><h1>404 Not Found</h1></center>
<hr><center>nginx</center>
</body>
</html>
`

// Config holds the listener and session settings.
type Config struct {
	Address        string
	Port           int
	Path           string
	UseSSL         bool
	PublicKeyPath  string
	PrivateKeyPath string
	Users          []auth.User
	ConnectTimeout time.Duration
	// QUICPort enables the QUIC listener when positive.
	QUICPort   int
	STUNServer string
}

// Server accepts tunnels and tracks the live sessions so shutdown can close
// them.
type Server struct {
	cfg      Config
	verifier *auth.Verifier
	upgrader *tunnel.Upgrader
	dial     DialFunc
	stun     stun.Client
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[tunnel.Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New validates cfg and builds a server. dial may be nil for plain TCP.
func New(cfg Config, dial DialFunc, logger *slog.Logger) (*Server, error) {
	if len(cfg.Users) == 0 {
		return nil, ErrNoUsers
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = shared.RemoteConnectTimeout
	}
	if dial == nil {
		dial = defaultDial
	}
	if logger == nil {
		logger = shared.Component("server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		verifier: auth.NewVerifier(cfg.Users),
		upgrader: tunnel.NewUpgrader(),
		dial:     dial,
		stun:     stun.New(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[tunnel.Session]struct{}),
	}, nil
}

// ServeHTTP upgrades authenticated tunnel requests on the configured path
// and answers everything else with a plain 404 page.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path || !tunnel.IsUpgrade(r) {
		notFound(w)
		return
	}
	user, err := s.verifier.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		metrics.RecordAuthFailure()
		shared.LogProtocolError(s.logger, r.RemoteAddr, "auth", err)
		notFound(w)
		return
	}
	sess, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		shared.LogProtocolError(s.logger, r.RemoteAddr, "upgrade", err)
		return
	}
	s.handle(sess, user)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Content-Length", strconv.Itoa(len(notFoundPage)))
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(notFoundPage))
}

// handle runs one tunnel to completion.
func (s *Server) handle(sess tunnel.Session, user string) {
	if !s.track(sess) {
		sess.Close()
		return
	}
	defer s.untrack(sess)

	metrics.IncrementServerSessions()
	defer metrics.DecrementServerSessions()

	logger := s.logger.With("session", sess.ID(), "user", user, "client", sess.RemoteAddr().String())
	logger.Info("tunnel opened")
	h := &sessionHandler{
		s:              sess,
		user:           user,
		connectTimeout: s.cfg.ConnectTimeout,
		dial:           s.dial,
		logger:         logger,
	}
	h.serve(s.ctx)
	logger.Info("tunnel closed", "uses", h.uses)
}

func (s *Server) track(sess tunnel.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess tunnel.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions is the number of live tunnels.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr, err := shared.ResolvePreferIPv4(ctx, s.cfg.Address, s.cfg.Port)
	if err != nil {
		return shared.NewProxyError(shared.ErrorConfig, "resolve listen address", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	scheme := "ws"
	if s.cfg.UseSSL {
		tlsCfg, err := shared.LoadServerTLSConfig(s.cfg.PublicKeyPath, s.cfg.PrivateKeyPath)
		if err != nil {
			ln.Close()
			return shared.NewProxyError(shared.ErrorConfig, "load tls", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
		scheme = "wss"
	}

	httpSrv := &http.Server{Handler: s, ReadHeaderTimeout: shared.TunnelHandshakeTimeout}
	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	shared.LogNetworkf("Listening for tunnels on %s://%s%s", scheme, addr, s.cfg.Path)

	var quicLn *quic.Listener
	if s.cfg.QUICPort > 0 {
		host, _, _ := net.SplitHostPort(addr)
		quicLn, err = s.listenQUIC(net.JoinHostPort(host, strconv.Itoa(s.cfg.QUICPort)))
		if err != nil {
			httpSrv.Close()
			return err
		}
		go s.serveQUIC(quicLn)
	}

	s.announce(ctx, scheme)

	select {
	case <-ctx.Done():
	case err = <-errCh:
		s.logger.Error("tunnel listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shared.ShutdownGracePeriod)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	if quicLn != nil {
		quicLn.Close()
	}
	s.Close()
	return err
}

func (s *Server) listenQUIC(addr string) (*quic.Listener, error) {
	var (
		tlsCfg *tls.Config
		err    error
	)
	if s.cfg.UseSSL {
		tlsCfg, err = shared.LoadServerTLSConfig(s.cfg.PublicKeyPath, s.cfg.PrivateKeyPath, shared.QUICALPN)
	} else {
		tlsCfg, err = shared.GenerateTLSConfig(shared.TLSConfigOptions{
			Organization: "geotunnel server",
			NextProtos:   []string{shared.QUICALPN},
		})
	}
	if err != nil {
		return nil, shared.NewProxyError(shared.ErrorConfig, "quic tls", err)
	}
	ln, err := quic.ListenAddr(addr, tlsCfg, tunnel.QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	shared.LogNetworkf("Listening for tunnels on quic://%s", addr)
	return ln, nil
}

func (s *Server) serveQUIC(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(s.ctx)
		if err != nil {
			s.logger.Debug("quic listener stopped", "error", err)
			return
		}
		go func() {
			sess, user, err := tunnel.AcceptQUIC(s.ctx, conn, s.verifier)
			if err != nil {
				if errors.Is(err, tunnel.ErrAuthFailed) {
					metrics.RecordAuthFailure()
				}
				shared.LogProtocolError(s.logger, conn.RemoteAddr().String(), "quic auth", err)
				return
			}
			s.handle(sess, user)
		}()
	}
}

// announce logs the public endpoint discovered over STUN, if configured.
func (s *Server) announce(ctx context.Context, scheme string) {
	if s.cfg.STUNServer == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, shared.TunnelHandshakeTimeout)
	defer cancel()
	ip, err := s.stun.DiscoverPublicIP(ctx, s.cfg.STUNServer)
	if err != nil {
		shared.LogWarningf("Public address discovery via %s failed: %v", s.cfg.STUNServer, err)
		return
	}
	shared.LogSuccessf("Clients can connect to %s://%s%s",
		scheme, net.JoinHostPort(ip, strconv.Itoa(s.cfg.Port)), s.cfg.Path)
	if s.cfg.QUICPort > 0 {
		shared.LogSuccessf("QUIC clients can connect to quic://%s", net.JoinHostPort(ip, strconv.Itoa(s.cfg.QUICPort)))
	}
}

// Close stops accepting sessions, closes the live ones and waits for their
// handlers up to the shutdown grace period.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]tunnel.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	s.cancel()
	for _, sess := range live {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shared.ShutdownGracePeriod):
		s.logger.Warn("timeout waiting for tunnel sessions to finish")
	}
	s.logger.Info("server stopped", "closed_sessions", len(live))
	return nil
}
