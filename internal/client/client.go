// Package client is the local side of the proxy: it accepts SOCKS5 and
// HTTP proxy connections, routes each destination and relays it directly
// or through a pooled tunnel session.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dan-v/geotunnel/internal/dashboard"
	"github.com/dan-v/geotunnel/internal/pool"
	"github.com/dan-v/geotunnel/internal/routing"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// Config holds the local listener settings.
type Config struct {
	Address string
	Port    int
	// HTTPPort adds an HTTP-only listener when positive.
	HTTPPort int
	// HTTPForward relays plain (non-CONNECT) HTTP requests instead of
	// rejecting them.
	HTTPForward bool
	Pool        pool.Config
}

// Client owns the listeners, the routing table and the session pool.
type Client struct {
	cfg     Config
	engine  *routing.Engine
	pool    *pool.Pool
	tracker *dashboard.ConnectionTracker
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New builds a client. engine may be nil for the default routing table and
// tracker may be nil to disable connection tracking.
func New(cfg Config, engine *routing.Engine, dialer tunnel.Dialer, tracker *dashboard.ConnectionTracker, logger *slog.Logger) *Client {
	if engine == nil {
		engine = routing.DefaultEngine()
	}
	if logger == nil {
		logger = shared.Component("client")
	}
	return &Client{
		cfg:     cfg,
		engine:  engine,
		pool:    pool.New(dialer, cfg.Pool, nil),
		tracker: tracker,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// IdleSessions is the number of tunnel sessions waiting in the pool.
func (c *Client) IdleSessions() int { return c.pool.Idle() }

// CheckConnectivity dials and authenticates one tunnel, so bad
// credentials or an unreachable server fail before anything is accepted.
// The session is kept in the pool.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shared.TunnelHandshakeTimeout)
	defer cancel()
	s, err := c.pool.Dial(ctx)
	if err != nil {
		return fmt.Errorf("tunnel connectivity check failed: %w", err)
	}
	shared.LogSuccessf("Tunnel to %s established", s.RemoteAddr())
	c.pool.Checkin(s)
	return nil
}

// Run checks connectivity, opens the listeners and serves until ctx is
// cancelled, then drains connections and the pool.
func (c *Client) Run(ctx context.Context) error {
	if err := c.CheckConnectivity(ctx); err != nil {
		return err
	}
	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	listeners := make([]net.Listener, 0, 2)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	addr := net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	listeners = append(listeners, ln)
	shared.LogNetworkf("SOCKS5/HTTP proxy listening on %s", ln.Addr())

	errCh := make(chan error, 2)
	go func() { errCh <- c.Serve(ctx, ln, true) }()

	if c.cfg.HTTPPort > 0 {
		httpAddr := net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.HTTPPort))
		hln, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
		listeners = append(listeners, hln)
		shared.LogNetworkf("HTTP proxy listening on %s", hln.Addr())
		go func() { errCh <- c.Serve(ctx, hln, false) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Serve accepts on ln until ctx is cancelled or ln fails. With detect set
// the first byte picks SOCKS5 or HTTP; otherwise every connection is HTTP.
func (c *Client) Serve(ctx context.Context, ln net.Listener, detect bool) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		if !c.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer c.untrack(conn)
			c.handle(ctx, conn, detect)
		}()
	}
}

func (c *Client) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Client) untrack(conn net.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	c.wg.Done()
}

// Close stops accepting, closes live local connections, waits for their
// handlers and drains the pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := make([]net.Conn, 0, len(c.conns))
	for conn := range c.conns {
		live = append(live, conn)
	}
	c.mu.Unlock()

	for _, conn := range live {
		conn.Close()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shared.ShutdownGracePeriod):
		c.logger.Warn("timeout waiting for local connections to finish")
	}
	return c.pool.Close()
}
