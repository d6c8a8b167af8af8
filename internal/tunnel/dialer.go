package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/dan-v/geotunnel/internal/auth"
)

const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

// DialConfig describes how a client reaches the server.
type DialConfig struct {
	ServerURL string
	Transport string
	// ServerIP, when set, is dialed instead of the URL host.
	ServerIP         string
	Insecure         bool
	User             auth.User
	Headers          map[string]string
	HandshakeTimeout time.Duration
}

// Dialer opens new authenticated sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// NewDialer picks the transport named by cfg.Transport, websocket when empty.
func NewDialer(cfg DialConfig) (Dialer, error) {
	switch cfg.Transport {
	case "", TransportWebSocket:
		return NewWSDialer(cfg)
	case TransportQUIC:
		return NewQUICDialer(cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
