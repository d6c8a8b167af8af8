// Package tunnel provides authenticated message sessions between client and
// server. A session carries whole encoded protocol messages and supports a
// ping/pong liveness probe; websocket and QUIC transports implement it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned after the session was closed locally or the
	// peer shut it down.
	ErrClosed = errors.New("tunnel session closed")
	// ErrAuthFailed means the server refused the tunnel handshake.
	ErrAuthFailed = errors.New("tunnel authentication failed")
	// ErrProbeFailed means the peer did not answer a liveness probe cleanly.
	ErrProbeFailed = errors.New("liveness probe failed")
)

// Session is one authenticated tunnel. It is owned by a single logical
// connection at a time; Send and Receive may run on different goroutines.
type Session interface {
	ID() string
	Send(msg []byte) error
	// Receive blocks until the next message or a terminal error.
	Receive() ([]byte, error)
	// Probe sends a ping and waits for the matching pong. Any data message
	// that arrives first fails the probe.
	Probe(ctx context.Context) error
	Close() error
	RemoteAddr() net.Addr
}

// pump is the receive side shared by the transports: a reader goroutine
// feeds msgs and pongs until fail is called once with the terminal error.
type pump struct {
	id    string
	msgs  chan []byte
	pongs chan uint64
	done  chan struct{}

	failOnce sync.Once
	err      error
	nonce    atomic.Uint64
}

func newPump(id string) *pump {
	return &pump{
		id:    id,
		msgs:  make(chan []byte),
		pongs: make(chan uint64, 4),
		done:  make(chan struct{}),
	}
}

func (p *pump) ID() string { return p.id }

// deliver hands a message to Receive, returning false once the session
// has failed.
func (p *pump) deliver(msg []byte) bool {
	select {
	case p.msgs <- msg:
		return true
	case <-p.done:
		return false
	}
}

func (p *pump) deliverPong(nonce uint64) {
	select {
	case p.pongs <- nonce:
	default:
	}
}

func (p *pump) fail(err error) {
	p.failOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		p.err = err
		close(p.done)
	})
}

func (p *pump) Receive() ([]byte, error) {
	select {
	case msg := <-p.msgs:
		return msg, nil
	case <-p.done:
		return nil, p.err
	}
}

// probe runs one ping/pong exchange through sendPing.
func (p *pump) probe(ctx context.Context, sendPing func(nonce uint64) error) error {
	select {
	case <-p.done:
		return fmt.Errorf("%w: %v", ErrProbeFailed, p.err)
	default:
	}
	nonce := p.nonce.Add(1)
	if err := sendPing(nonce); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	for {
		select {
		case got := <-p.pongs:
			if got == nonce {
				return nil
			}
		case msg := <-p.msgs:
			return fmt.Errorf("%w: unexpected %d byte message on idle tunnel", ErrProbeFailed, len(msg))
		case <-p.done:
			return fmt.Errorf("%w: %v", ErrProbeFailed, p.err)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrProbeFailed, ctx.Err())
		}
	}
}
