package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dan-v/geotunnel/internal/protocol"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// chanSession is an in-memory tunnel whose far end is driven by the test.
type chanSession struct {
	toServer chan []byte
	toClient chan []byte
	done     chan struct{}
	once     sync.Once
}

func newChanSession() *chanSession {
	return &chanSession{
		toServer: make(chan []byte, 16),
		toClient: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *chanSession) ID() string { return "test" }
func (c *chanSession) RemoteAddr() net.Addr { return &net.TCPAddr{} }
func (c *chanSession) Probe(context.Context) error { return nil }

func (c *chanSession) Send(b []byte) error {
	select {
	case <-c.done:
		return tunnel.ErrClosed
	case c.toServer <- append([]byte(nil), b...):
		return nil
	}
}

func (c *chanSession) Receive() ([]byte, error) {
	select {
	case <-c.done:
		return nil, tunnel.ErrClosed
	case b := <-c.toClient:
		return b, nil
	}
}

func (c *chanSession) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *chanSession) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *chanSession) reply(m protocol.ServerMessage) { c.toClient <- m.Encode() }

func (c *chanSession) next(t *testing.T) protocol.ClientMessage {
	t.Helper()
	select {
	case b := <-c.toServer:
		m, err := protocol.DecodeClientMessage(b)
		if err != nil {
			t.Fatalf("decode client message: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
	}
	return protocol.ClientMessage{}
}

func runAsync(local net.Conn, remote Remote) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- Run(local, nil, remote) }()
	return ch
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}
	return Result{}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name      string
		reply     protocol.ServerMessage
		wantErr   error
		wantType  shared.ErrorType
		wantNoErr bool
	}{
		{name: "ok", reply: protocol.ConnectOK(), wantNoErr: true},
		{name: "refused", reply: protocol.ConnectError("connection refused"), wantErr: ErrConnectFailed, wantType: shared.ErrorUpstream},
		{name: "timeout", reply: protocol.ConnectTimedOut(), wantErr: ErrConnectTimeout, wantType: shared.ErrorUpstream},
		{name: "wrong message", reply: protocol.ResponseClosed(), wantErr: ErrProtocolViolation, wantType: shared.ErrorTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newChanSession()
			s.reply(tt.reply)
			err := Connect(s, "example.com:443")

			m := s.next(t)
			if m.Type != protocol.MsgConnect || m.Dest != "example.com:443" {
				t.Errorf("Expected Connect to example.com:443, got %s", m)
			}
			if tt.wantNoErr {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if got, _ := shared.ErrorTypeOf(err); got != tt.wantType {
				t.Errorf("Expected error type %v, got %v", tt.wantType, got)
			}
		})
	}
}

func TestConnectClosedSession(t *testing.T) {
	s := newChanSession()
	s.Close()
	if err := Connect(s, "example.com:80"); !shared.IsTransport(err) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestTunnelLocalCloseFirst(t *testing.T) {
	s := newChanSession()
	local, client := net.Pipe()
	results := runAsync(local, Tunnel(s))

	client.Write([]byte("hello"))
	if m := s.next(t); m.Type != protocol.MsgRequest || string(m.Data) != "hello" {
		t.Fatalf("Expected Request hello, got %s", m)
	}

	s.reply(protocol.ResponseData([]byte("world")))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "world" {
		t.Fatalf("Expected world, got %q (%v)", buf, err)
	}

	client.Close()
	if m := s.next(t); m.Type != protocol.MsgDisconnect {
		t.Fatalf("Expected Disconnect, got %s", m)
	}
	s.reply(protocol.ResponseClosed())

	res := waitResult(t, results)
	if res.Err != nil {
		t.Errorf("Expected clean close, got %v", res.Err)
	}
	if !res.Reusable {
		t.Error("Expected session to be reusable")
	}
	if res.Sent != 5 {
		t.Errorf("Expected 5 bytes sent, got %d", res.Sent)
	}
	if s.isClosed() {
		t.Error("Expected session to stay open")
	}
}

func TestTunnelRemoteCloseFirst(t *testing.T) {
	s := newChanSession()
	local, client := net.Pipe()
	results := runAsync(local, Tunnel(s))

	go func() {
		s.reply(protocol.ResponseData([]byte("bye")))
		s.reply(protocol.ResponseClosed())
	}()
	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read local: %v", err)
	}
	if string(data) != "bye" {
		t.Errorf("Expected bye, got %q", data)
	}

	res := waitResult(t, results)
	if res.Err != nil || !res.Reusable {
		t.Errorf("Expected clean reusable result, got %+v", res)
	}
	if res.Received != 3 {
		t.Errorf("Expected 3 bytes received, got %d", res.Received)
	}
	select {
	case b := <-s.toServer:
		t.Errorf("Expected no message after remote close, got %v", b)
	default:
	}
}

func TestTunnelRemoteError(t *testing.T) {
	s := newChanSession()
	local, client := net.Pipe()
	defer client.Close()
	results := runAsync(local, Tunnel(s))

	s.reply(protocol.ResponseError("connection reset"))
	res := waitResult(t, results)
	if !errors.Is(res.Err, ErrRemote) {
		t.Errorf("Expected ErrRemote, got %v", res.Err)
	}
	if !res.Reusable {
		t.Error("Expected session to stay reusable after a remote error")
	}
}

func TestTunnelRequestFail(t *testing.T) {
	s := newChanSession()
	local, client := net.Pipe()
	results := runAsync(local, Tunnel(s))

	s.reply(protocol.RequestFailed("broken pipe"))
	if _, err := io.ReadAll(client); err != nil {
		t.Fatalf("Expected local side closed, got %v", err)
	}
	client.Close()
	if m := s.next(t); m.Type != protocol.MsgDisconnect {
		t.Fatalf("Expected Disconnect, got %s", m)
	}
	s.reply(protocol.ResponseClosed())

	res := waitResult(t, results)
	if !errors.Is(res.Err, ErrRequestFailed) {
		t.Errorf("Expected ErrRequestFailed, got %v", res.Err)
	}
	if !res.Reusable {
		t.Error("Expected session to stay reusable")
	}
}

func TestTunnelProtocolViolation(t *testing.T) {
	s := newChanSession()
	local, client := net.Pipe()
	defer client.Close()
	results := runAsync(local, Tunnel(s))

	s.reply(protocol.ConnectOK())
	res := waitResult(t, results)
	if !errors.Is(res.Err, ErrProtocolViolation) {
		t.Errorf("Expected ErrProtocolViolation, got %v", res.Err)
	}
	if res.Reusable {
		t.Error("Expected session to be discarded")
	}
	if !s.isClosed() {
		t.Error("Expected session to be closed")
	}
}

func TestTunnelTransportLoss(t *testing.T) {
	s := newChanSession()
	local, client := net.Pipe()
	defer client.Close()
	results := runAsync(local, Tunnel(s))

	s.Close()
	res := waitResult(t, results)
	if !shared.IsTransport(res.Err) {
		t.Errorf("Expected transport error, got %v", res.Err)
	}
	if res.Reusable {
		t.Error("Expected session to be discarded")
	}
}

func TestDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	remote, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer localLn.Close()
	client, err := net.Dial("tcp", localLn.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	local, err := localLn.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	results := runAsync(local, Direct(remote))

	client.Write([]byte("ping"))
	client.(*net.TCPConn).CloseWrite()
	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ping" {
		t.Errorf("Expected echo ping, got %q", data)
	}

	res := waitResult(t, results)
	if res.Err != nil {
		t.Errorf("Expected no error, got %v", res.Err)
	}
	if res.Sent != 4 || res.Received != 4 {
		t.Errorf("Expected 4/4 bytes, got %d/%d", res.Sent, res.Received)
	}
}
