package shared

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame opcodes used on stream transports that have no native message
// boundaries or ping frames (the QUIC tunnel).
const (
	OpData     byte = 0x00
	OpPing     byte = 0x01
	OpPong     byte = 0x02
	OpShutdown byte = 0x03
	OpAuth     byte = 0x04
	OpAuthOK   byte = 0x05
)

// Frame is one decoded control or data frame.
type Frame struct {
	Op      byte
	Nonce   uint64
	Payload []byte
}

// WritePing writes a ping message to the writer
func WritePing(w io.Writer, nonce uint64) error {
	if err := writeNonceFrame(w, OpPing, nonce); err != nil {
		return fmt.Errorf("failed to write ping: %w", err)
	}
	return nil
}

// WritePong writes a pong message to the writer
func WritePong(w io.Writer, nonce uint64) error {
	if err := writeNonceFrame(w, OpPong, nonce); err != nil {
		return fmt.Errorf("failed to write pong: %w", err)
	}
	return nil
}

// WriteShutdown writes a shutdown message to the writer
func WriteShutdown(w io.Writer) error {
	_, err := w.Write([]byte{OpShutdown})
	return err
}

// WriteAuthOK acknowledges a successful auth frame.
func WriteAuthOK(w io.Writer) error {
	_, err := w.Write([]byte{OpAuthOK})
	return err
}

// WriteData writes one length-prefixed tunnel message.
func WriteData(w io.Writer, payload []byte) error {
	if err := writePayloadFrame(w, OpData, payload); err != nil {
		return fmt.Errorf("failed to write data frame: %w", err)
	}
	return nil
}

// WriteAuth writes the bearer token frame that must open a stream tunnel.
func WriteAuth(w io.Writer, token string) error {
	if err := writePayloadFrame(w, OpAuth, []byte(token)); err != nil {
		return fmt.Errorf("failed to write auth frame: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [1]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{Op: head[0]}

	switch f.Op {
	case OpPing, OpPong:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return f, fmt.Errorf("failed to read nonce: %w", err)
		}
		f.Nonce = binary.BigEndian.Uint64(buf[:])
	case OpData, OpAuth:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return f, fmt.Errorf("failed to read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		if n > MaxControlPayload {
			return f, fmt.Errorf("frame length %d exceeds limit %d", n, MaxControlPayload)
		}
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, fmt.Errorf("failed to read frame payload: %w", err)
		}
	case OpShutdown, OpAuthOK:
	default:
		return f, fmt.Errorf("unknown opcode: %02x", f.Op)
	}

	return f, nil
}

func writeNonceFrame(w io.Writer, op byte, nonce uint64) error {
	var buf [9]byte
	buf[0] = op
	binary.BigEndian.PutUint64(buf[1:], nonce)
	_, err := w.Write(buf[:])
	return err
}

func writePayloadFrame(w io.Writer, op byte, payload []byte) error {
	if len(payload) > MaxControlPayload {
		return fmt.Errorf("payload length %d exceeds limit %d", len(payload), MaxControlPayload)
	}
	buf := make([]byte, 5+len(payload))
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}
