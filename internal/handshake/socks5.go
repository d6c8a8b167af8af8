// Package handshake implements the local-facing proxy handshakes: the
// SOCKS5 no-auth CONNECT subset and HTTP CONNECT with optional plain
// request forwarding.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dan-v/geotunnel/internal/protocol"
	"github.com/dan-v/geotunnel/pkg/shared"
)

var (
	ErrVersion             = errors.New("invalid proxy version")
	ErrMethods             = errors.New("invalid methods count")
	ErrUnsupportedAuthType = errors.New("unsupported auth type")
	ErrUnsupportedCmd      = errors.New("unsupported command")
)

var socks5MethodReply = []byte{shared.SOCKS5Version, shared.SOCKS5NoAuth}

// SOCKS5 runs the server side of a SOCKS5 negotiation up to the point where
// the destination is known. The caller must answer with WriteSOCKS5Reply.
func SOCKS5(r io.Reader, w io.Writer) (protocol.Destination, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return protocol.Destination{}, fmt.Errorf("read greeting: %w", err)
	}
	if head[0] != shared.SOCKS5Version {
		return protocol.Destination{}, fmt.Errorf("%w %d", ErrVersion, head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return protocol.Destination{}, fmt.Errorf("read methods: %w", err)
	}
	if head[1] == 0 {
		return protocol.Destination{}, fmt.Errorf("%w %d", ErrMethods, head[1])
	}
	if bytes.IndexByte(methods, shared.SOCKS5NoAuth) < 0 {
		return protocol.Destination{}, ErrUnsupportedAuthType
	}
	if _, err := w.Write(socks5MethodReply); err != nil {
		return protocol.Destination{}, fmt.Errorf("write method reply: %w", err)
	}

	var req [3]byte
	if _, err := io.ReadFull(r, req[:]); err != nil {
		return protocol.Destination{}, fmt.Errorf("read request: %w", err)
	}
	if req[0] != shared.SOCKS5Version {
		return protocol.Destination{}, fmt.Errorf("%w %d", ErrVersion, req[0])
	}
	if req[1] != shared.SOCKS5Connect {
		return protocol.Destination{}, fmt.Errorf("%w %d", ErrUnsupportedCmd, req[1])
	}
	// req[2] is reserved.
	dest, err := protocol.ReadDestination(r)
	if err != nil {
		return protocol.Destination{}, fmt.Errorf("parse dest failed: %w", err)
	}
	return dest, nil
}

// WriteSOCKS5Reply answers a CONNECT with [5, rep, 0, dest].
func WriteSOCKS5Reply(w io.Writer, dest protocol.Destination, ok bool) error {
	rep := byte(shared.SOCKS5Success)
	if !ok {
		rep = shared.SOCKS5GeneralFailure
	}
	reply := make([]byte, 0, 3+1+1+len(dest.Domain)+16+2)
	reply = append(reply, shared.SOCKS5Version, rep, 0)
	reply = dest.AppendBytes(reply)
	_, err := w.Write(reply)
	return err
}
