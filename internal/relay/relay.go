// Package relay moves bytes between a local client connection and the
// remote side chosen by routing: a socket dialed directly, or a tunnel
// session that the server connected to the destination.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dan-v/geotunnel/internal/protocol"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

var (
	ErrConnectFailed     = errors.New("remote connect failed")
	ErrConnectTimeout    = errors.New("remote connect timed out")
	ErrRemote            = errors.New("remote error")
	ErrRequestFailed     = errors.New("remote write failed")
	ErrProtocolViolation = errors.New("tunnel protocol violation")
)

// Kind tags a Remote.
type Kind int

const (
	KindDirect Kind = iota
	KindTunnel
)

func (k Kind) String() string {
	if k == KindTunnel {
		return "tunnel"
	}
	return "direct"
}

// Remote is the far side of one logical connection. Exactly one of conn
// and session is set, matching kind.
type Remote struct {
	kind    Kind
	conn    net.Conn
	session tunnel.Session
}

// Direct wraps a socket the client dialed itself.
func Direct(conn net.Conn) Remote { return Remote{kind: KindDirect, conn: conn} }

// Tunnel wraps a session already connected with Connect.
func Tunnel(s tunnel.Session) Remote { return Remote{kind: KindTunnel, session: s} }

func (r Remote) Kind() Kind { return r.kind }
func (r Remote) Session() tunnel.Session { return r.session }

// Close releases a remote that will not be relayed.
func (r Remote) Close() error {
	if r.kind == KindTunnel {
		return r.session.Close()
	}
	return r.conn.Close()
}

// Result summarizes a finished relay.
type Result struct {
	Sent     int64
	Received int64
	// Err is the first failure, nil for a clean close on both sides.
	Err error
	// Reusable is false when the tunnel itself failed or misbehaved; such a
	// session must be closed instead of returned to the pool.
	Reusable bool
}

// Connect asks the server, over an idle session, to dial dest. Remote
// refusals and timeouts come back as upstream errors; anything that leaves
// the session in an unknown state is a transport error.
func Connect(s tunnel.Session, dest string) error {
	if err := s.Send(protocol.ConnectMsg(dest).Encode()); err != nil {
		return shared.NewProxyError(shared.ErrorTransport, "send connect", err)
	}
	raw, err := s.Receive()
	if err != nil {
		return shared.NewProxyError(shared.ErrorTransport, "await connect result", err)
	}
	msg, err := protocol.DecodeServerMessage(raw)
	if err != nil {
		return shared.NewProxyError(shared.ErrorTransport, "decode connect result",
			fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	if msg.Type != protocol.MsgConnectResult {
		return shared.NewProxyError(shared.ErrorTransport, "await connect result",
			fmt.Errorf("%w: got %s", ErrProtocolViolation, msg))
	}
	switch msg.Status {
	case protocol.ConnOK:
		return nil
	case protocol.ConnTimeout:
		return shared.NewProxyError(shared.ErrorUpstream, "connect", ErrConnectTimeout)
	default:
		return shared.NewProxyError(shared.ErrorUpstream, "connect", fmt.Errorf("%w: %s", ErrConnectFailed, msg.Text))
	}
}

// Run relays until both directions are finished. src is read in place of
// local when the handshake left buffered bytes behind; local is always the
// write side and is closed before Run returns.
func Run(local net.Conn, src io.Reader, remote Remote) Result {
	if src == nil {
		src = local
	}
	if remote.kind == KindTunnel {
		return runTunnel(local, src, remote.session)
	}
	return runDirect(local, src, remote.conn)
}

func runDirect(local net.Conn, src io.Reader, conn net.Conn) Result {
	defer local.Close()
	defer conn.Close()

	var (
		wg       sync.WaitGroup
		sent     int64
		upErr    error
		received int64
		downErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, upErr = shared.CopyWithMetrics(conn, src, nil)
		shared.CloseWrite(conn)
	}()
	go func() {
		defer wg.Done()
		received, downErr = shared.CopyWithMetrics(local, conn, nil)
		shared.CloseWrite(local)
	}()
	wg.Wait()

	res := Result{Sent: sent, Received: received, Reusable: true}
	switch {
	case upErr != nil && !shared.IsClosedConnError(upErr):
		res.Err = shared.NewProxyError(shared.ErrorRelay, "local to remote", upErr)
	case downErr != nil && !shared.IsClosedConnError(downErr):
		res.Err = shared.NewProxyError(shared.ErrorRelay, "remote to local", downErr)
	}
	return res
}

type upResult struct {
	sent    int64
	sendErr error
	readErr error
}

type downResult struct {
	received int64
	err      error
	// transport marks a failure of the session itself.
	transport bool
}

// runTunnel drives both directions over a connected session. When the
// local side finishes first, Disconnect is sent and the remote direction
// drains until the server's terminal ResponseResult, leaving the session
// idle on both ends. When the remote side finishes first the server is
// already idle, so no Disconnect is sent.
func runTunnel(local net.Conn, src io.Reader, s tunnel.Session) Result {
	defer local.Close()

	upDone := make(chan upResult, 1)
	downDone := make(chan downResult, 1)
	go func() { upDone <- pumpUp(src, s) }()
	go func() { downDone <- pumpDown(local, s) }()

	var (
		up   upResult
		down downResult
	)
	select {
	case up = <-upDone:
		if up.sendErr == nil {
			if err := s.Send(protocol.DisconnectMsg().Encode()); err != nil {
				up.sendErr = err
			}
		}
		if up.sendErr != nil {
			s.Close()
		}
		down = <-downDone
	case down = <-downDone:
		local.Close()
		if down.transport {
			s.Close()
		}
		up = <-upDone
	}

	res := Result{Sent: up.sent, Received: down.received, Reusable: true}
	switch {
	case up.sendErr != nil:
		res.Err = shared.NewProxyError(shared.ErrorTransport, "send request", up.sendErr)
		res.Reusable = false
	case down.transport:
		res.Err = down.err
		res.Reusable = false
	case down.err != nil:
		res.Err = down.err
	case up.readErr != nil && !shared.IsClosedConnError(up.readErr):
		res.Err = shared.NewProxyError(shared.ErrorRelay, "read local", up.readErr)
	}
	return res
}

// pumpUp forwards local reads as Request messages until EOF or an error.
func pumpUp(src io.Reader, s tunnel.Session) upResult {
	bp := shared.GetRelayBuffer()
	defer shared.PutRelayBuffer(bp)
	buf := *bp

	var res upResult
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if serr := s.Send(protocol.RequestMsg(buf[:n]).Encode()); serr != nil {
				res.sendErr = serr
				return res
			}
			res.sent += int64(n)
		}
		if err != nil {
			if err != io.EOF {
				res.readErr = err
			}
			return res
		}
	}
}

// pumpDown applies server messages to local until a terminal
// ResponseResult. After a local write failure it keeps draining so the
// session stays in step with the server.
func pumpDown(local net.Conn, s tunnel.Session) downResult {
	var (
		res         downResult
		localFailed bool
	)
	for {
		raw, err := s.Receive()
		if err != nil {
			res.err = shared.NewProxyError(shared.ErrorTransport, "receive", err)
			res.transport = true
			return res
		}
		msg, err := protocol.DecodeServerMessage(raw)
		if err != nil {
			res.err = shared.NewProxyError(shared.ErrorTransport, "decode response",
				fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			res.transport = true
			return res
		}

		switch msg.Type {
		case protocol.MsgResponseResult:
			switch msg.Status {
			case protocol.RespOK:
				if localFailed {
					continue
				}
				n, werr := local.Write(msg.Data)
				res.received += int64(n)
				if werr != nil {
					localFailed = true
					if res.err == nil {
						res.err = shared.NewProxyError(shared.ErrorRelay, "write local", werr)
					}
					local.Close()
				}
			case protocol.RespClosed:
				return res
			default:
				if res.err == nil {
					res.err = shared.NewProxyError(shared.ErrorUpstream, "remote read",
						fmt.Errorf("%w: %s", ErrRemote, msg.Text))
				}
				return res
			}
		case protocol.MsgRequestFail:
			if res.err == nil {
				res.err = shared.NewProxyError(shared.ErrorUpstream, "remote write",
					fmt.Errorf("%w: %s", ErrRequestFailed, msg.Text))
			}
			localFailed = true
			local.Close()
		default:
			res.err = shared.NewProxyError(shared.ErrorTransport, "relay",
				fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, msg))
			res.transport = true
			return res
		}
	}
}
