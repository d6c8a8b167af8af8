// Package protocol implements the tunnel wire format: the framed messages
// exchanged between client and server, and the SOCKS5-style destination
// encoding used by both the local handshake and the tunnel.
//
// Every tunnel message is [type u8][payload]. A tunnel carries one
// destination's lifecycle at a time, so messages have no stream identifier.
package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ClientMsgType is the leading byte of a client to server message.
type ClientMsgType byte

const (
	MsgConnect    ClientMsgType = 0
	MsgDisconnect ClientMsgType = 1
	MsgRequest    ClientMsgType = 2
)

// ServerMsgType is the leading byte of a server to client message.
type ServerMsgType byte

const (
	MsgConnectResult  ServerMsgType = 0
	MsgResponseResult ServerMsgType = 1
	MsgRequestFail    ServerMsgType = 2
)

// ConnectResult statuses.
const (
	ConnOK      byte = 0
	ConnErr     byte = 1
	ConnTimeout byte = 2
)

// ResponseResult statuses.
const (
	RespOK     byte = 0
	RespErr    byte = 1
	RespClosed byte = 2
)

var (
	ErrIncomplete            = errors.New("incomplete message")
	ErrUTF8                  = errors.New("invalid utf-8 text")
	ErrInvalidMsgType        = errors.New("invalid message type")
	ErrInvalidConnStatus     = errors.New("invalid connect status")
	ErrInvalidResponseStatus = errors.New("invalid response status")
)

// ClientMessage is a tagged union of Connect, Disconnect and Request.
type ClientMessage struct {
	Type ClientMsgType
	// Dest is the "host:port" of a Connect.
	Dest string
	// Data is the payload of a Request.
	Data []byte
}

func ConnectMsg(dest string) ClientMessage { return ClientMessage{Type: MsgConnect, Dest: dest} }
func DisconnectMsg() ClientMessage { return ClientMessage{Type: MsgDisconnect} }
func RequestMsg(data []byte) ClientMessage { return ClientMessage{Type: MsgRequest, Data: data} }

// Encode serializes the message. Encoding never fails.
func (m ClientMessage) Encode() []byte {
	switch m.Type {
	case MsgConnect:
		return append([]byte{byte(MsgConnect)}, m.Dest...)
	case MsgRequest:
		return append([]byte{byte(MsgRequest)}, m.Data...)
	default:
		return []byte{byte(MsgDisconnect)}
	}
}

func (m ClientMessage) String() string {
	switch m.Type {
	case MsgConnect:
		return "Connect(" + m.Dest + ")"
	case MsgDisconnect:
		return "Disconnect"
	case MsgRequest:
		return fmt.Sprintf("Request(%d bytes)", len(m.Data))
	default:
		return fmt.Sprintf("ClientMessage(%d)", m.Type)
	}
}

// DecodeClientMessage parses a client message. Request data aliases buf.
func DecodeClientMessage(buf []byte) (ClientMessage, error) {
	if len(buf) == 0 {
		return ClientMessage{}, ErrIncomplete
	}
	payload := buf[1:]
	switch t := ClientMsgType(buf[0]); t {
	case MsgConnect:
		dest, err := decodeText(payload)
		if err != nil {
			return ClientMessage{}, err
		}
		return ConnectMsg(dest), nil
	case MsgDisconnect:
		return DisconnectMsg(), nil
	case MsgRequest:
		if len(payload) == 0 {
			return ClientMessage{}, ErrIncomplete
		}
		return RequestMsg(payload), nil
	default:
		return ClientMessage{}, fmt.Errorf("%w: %d", ErrInvalidMsgType, buf[0])
	}
}

// ServerMessage is a tagged union of ConnectResult, ResponseResult and
// RequestFail. Status applies to the first two.
type ServerMessage struct {
	Type   ServerMsgType
	Status byte
	// Data is the payload of ResponseResult Ok.
	Data []byte
	// Text is the error text of an Err status or a RequestFail.
	Text string
}

func ConnectOK() ServerMessage { return ServerMessage{Type: MsgConnectResult, Status: ConnOK} }
func ConnectError(text string) ServerMessage {
	return ServerMessage{Type: MsgConnectResult, Status: ConnErr, Text: text}
}
func ConnectTimedOut() ServerMessage { return ServerMessage{Type: MsgConnectResult, Status: ConnTimeout} }
func ResponseData(data []byte) ServerMessage {
	return ServerMessage{Type: MsgResponseResult, Status: RespOK, Data: data}
}
func ResponseError(text string) ServerMessage {
	return ServerMessage{Type: MsgResponseResult, Status: RespErr, Text: text}
}
func ResponseClosed() ServerMessage { return ServerMessage{Type: MsgResponseResult, Status: RespClosed} }
func RequestFailed(text string) ServerMessage {
	return ServerMessage{Type: MsgRequestFail, Text: text}
}

// Encode serializes the message. Encoding never fails.
func (m ServerMessage) Encode() []byte {
	switch m.Type {
	case MsgConnectResult:
		out := []byte{byte(MsgConnectResult), m.Status}
		if m.Status == ConnErr {
			out = append(out, m.Text...)
		}
		return out
	case MsgResponseResult:
		out := make([]byte, 0, 2+len(m.Data)+len(m.Text))
		out = append(out, byte(MsgResponseResult), m.Status)
		switch m.Status {
		case RespOK:
			out = append(out, m.Data...)
		case RespErr:
			out = append(out, m.Text...)
		}
		return out
	default:
		return append([]byte{byte(MsgRequestFail)}, m.Text...)
	}
}

func (m ServerMessage) String() string {
	switch m.Type {
	case MsgConnectResult:
		switch m.Status {
		case ConnOK:
			return "ConnectResult(Ok)"
		case ConnTimeout:
			return "ConnectResult(Timeout)"
		default:
			return "ConnectResult(Err: " + m.Text + ")"
		}
	case MsgResponseResult:
		switch m.Status {
		case RespOK:
			return fmt.Sprintf("ResponseResult(Ok %d bytes)", len(m.Data))
		case RespClosed:
			return "ResponseResult(Closed)"
		default:
			return "ResponseResult(Err: " + m.Text + ")"
		}
	case MsgRequestFail:
		return "RequestFail(" + m.Text + ")"
	default:
		return fmt.Sprintf("ServerMessage(%d)", m.Type)
	}
}

// DecodeServerMessage parses a server message. Response data aliases buf.
func DecodeServerMessage(buf []byte) (ServerMessage, error) {
	if len(buf) == 0 {
		return ServerMessage{}, ErrIncomplete
	}
	payload := buf[1:]
	switch t := ServerMsgType(buf[0]); t {
	case MsgConnectResult:
		if len(payload) == 0 {
			return ServerMessage{}, ErrIncomplete
		}
		switch status := payload[0]; status {
		case ConnOK:
			return ConnectOK(), nil
		case ConnTimeout:
			return ConnectTimedOut(), nil
		case ConnErr:
			if !utf8.Valid(payload[1:]) {
				return ServerMessage{}, ErrUTF8
			}
			return ConnectError(string(payload[1:])), nil
		default:
			return ServerMessage{}, fmt.Errorf("%w: %d", ErrInvalidConnStatus, status)
		}
	case MsgResponseResult:
		if len(payload) == 0 {
			return ServerMessage{}, ErrIncomplete
		}
		switch status := payload[0]; status {
		case RespOK:
			return ResponseData(payload[1:]), nil
		case RespClosed:
			return ResponseClosed(), nil
		case RespErr:
			if !utf8.Valid(payload[1:]) {
				return ServerMessage{}, ErrUTF8
			}
			return ResponseError(string(payload[1:])), nil
		default:
			return ServerMessage{}, fmt.Errorf("%w: %d", ErrInvalidResponseStatus, status)
		}
	case MsgRequestFail:
		text, err := decodeText(payload)
		if err != nil {
			return ServerMessage{}, err
		}
		return RequestFailed(text), nil
	default:
		return ServerMessage{}, fmt.Errorf("%w: %d", ErrInvalidMsgType, buf[0])
	}
}

// decodeText requires a non-empty UTF-8 payload.
func decodeText(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrIncomplete
	}
	if !utf8.Valid(payload) {
		return "", ErrUTF8
	}
	return string(payload), nil
}
