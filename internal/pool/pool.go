// Package pool keeps authenticated tunnel sessions idle between logical
// connections so a new destination does not pay for a fresh handshake.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

var ErrClosed = errors.New("connection pool closed")

// Config bounds the pool. MaxIdle 0 disables pooling: every checkout dials
// and every checkin closes.
type Config struct {
	MaxIdle      int
	ScanInterval time.Duration
	ProbeTimeout time.Duration
}

// Pool is a bounded FIFO of idle sessions. The lock only guards the deque;
// dialing, probing and closing happen outside it.
type Pool struct {
	dialer tunnel.Dialer
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	idle   []tunnel.Session
	closed bool

	activeGoroutines sync.WaitGroup
	shutdownOnce     sync.Once
	shutdownCh       chan struct{}
}

// New creates a pool that dials through d.
func New(d tunnel.Dialer, cfg Config, logger *slog.Logger) *Pool {
	if cfg.MaxIdle < 0 {
		cfg.MaxIdle = 0
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = shared.LivenessProbeTimeout
	}
	if logger == nil {
		logger = shared.Component("pool")
	}
	return &Pool{
		dialer:     d,
		cfg:        cfg,
		logger:     logger,
		idle:       make([]tunnel.Session, 0, cfg.MaxIdle),
		shutdownCh: make(chan struct{}),
	}
}

// startGoroutine runs fn tracked by the pool's WaitGroup, refusing once
// shutdown has begun.
func (p *Pool) startGoroutine(name string, fn func()) error {
	select {
	case <-p.shutdownCh:
		return fmt.Errorf("pool is shutting down, cannot start goroutine %s", name)
	default:
	}

	p.activeGoroutines.Add(1)
	go func() {
		defer p.activeGoroutines.Done()
		defer func() {
			if r := recover(); r != nil {
				shared.LogErrorf("Goroutine %s panicked: %v", name, r)
			}
		}()
		fn()
	}()
	return nil
}

// Start launches the periodic idle scan. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	if p.cfg.ScanInterval <= 0 || p.cfg.MaxIdle == 0 {
		return nil
	}
	return p.startGoroutine("pool-scan", func() { p.scanLoop(ctx) })
}

// Dial opens a fresh session, bypassing the idle deque.
func (p *Pool) Dial(ctx context.Context) (tunnel.Session, error) {
	s, err := p.dialer.Dial(ctx)
	metrics.RecordTunnelDial(err)
	if err != nil {
		return nil, shared.NewProxyError(shared.ErrorTransport, "dial tunnel", err)
	}
	p.logger.Debug("tunnel dialed", "session", s.ID(), "remote", s.RemoteAddr().String())
	return s, nil
}

// Checkout returns a usable session: the oldest idle one if it answers a
// probe, otherwise a freshly dialed one. A failed probe is not retried on
// the next idle session.
func (p *Pool) Checkout(ctx context.Context) (tunnel.Session, error) {
	if p.cfg.MaxIdle == 0 {
		return p.Dial(ctx)
	}

	s, err := p.popFront()
	if err != nil {
		return nil, err
	}
	if s == nil {
		metrics.RecordPoolMiss()
		return p.Dial(ctx)
	}
	if err := p.probe(ctx, s); err != nil {
		p.logger.Debug("idle session failed probe", "session", s.ID(), "error", err)
		metrics.RecordPoolProbeFailure()
		s.Close()
		metrics.RecordPoolMiss()
		return p.Dial(ctx)
	}
	metrics.RecordPoolHit()
	return s, nil
}

// Checkin returns a healthy session. When the pool is full the oldest
// idle session is evicted and closed.
func (p *Pool) Checkin(s tunnel.Session) {
	if s == nil {
		return
	}
	if p.cfg.MaxIdle == 0 {
		s.Close()
		return
	}

	var evicted tunnel.Session
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close()
		return
	}
	if len(p.idle) >= p.cfg.MaxIdle {
		evicted = p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
	}
	p.idle = append(p.idle, s)
	n := len(p.idle)
	p.mu.Unlock()

	metrics.SetPoolIdle(n)
	if evicted != nil {
		p.logger.Debug("pool full, evicting oldest session", "session", evicted.ID(), "max_idle", p.cfg.MaxIdle)
		metrics.RecordPoolEviction()
		evicted.Close()
	}
}

// Discard closes a session that must not be reused.
func (p *Pool) Discard(s tunnel.Session) {
	if s != nil {
		s.Close()
	}
}

// Idle is the number of sessions waiting in the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops the scan and closes every idle session.
func (p *Pool) Close() error {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)

		p.mu.Lock()
		p.closed = true
		sessions := p.idle
		p.idle = nil
		p.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
		metrics.SetPoolIdle(0)

		done := make(chan struct{})
		go func() {
			p.activeGoroutines.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shared.ShutdownGracePeriod):
			p.logger.Warn("timeout waiting for pool goroutines")
		}
		p.logger.Info("pool drained", "closed_sessions", len(sessions))
	})
	return nil
}

func (p *Pool) popFront() (tunnel.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.idle) == 0 {
		return nil, nil
	}
	s := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	metrics.SetPoolIdle(len(p.idle))
	return s, nil
}

func (p *Pool) probe(ctx context.Context, s tunnel.Session) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	if err := s.Probe(ctx); err != nil {
		return err
	}
	metrics.RecordRTT(time.Since(start))
	return nil
}

func (p *Pool) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdownCh:
			return
		case <-ticker.C:
			p.Scan(ctx)
		}
	}
}

// Scan probes every session that is idle when it starts, putting the live
// ones back and closing the rest.
func (p *Pool) Scan(ctx context.Context) {
	n := p.Idle()
	alive := 0
	for i := 0; i < n; i++ {
		s, err := p.popFront()
		if err != nil || s == nil {
			break
		}
		if err := p.probe(ctx, s); err != nil {
			p.logger.Debug("scan dropped idle session", "session", s.ID(), "error", err)
			metrics.RecordPoolProbeFailure()
			s.Close()
			continue
		}
		alive++
		p.Checkin(s)
	}
	if n > 0 {
		p.logger.Debug("pool scan complete", "checked", n, "alive", alive)
	}
}
