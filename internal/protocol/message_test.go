package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestClientMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ClientMessage
		wire []byte
	}{
		{"connect", ConnectMsg("example.com:443"), append([]byte{0}, "example.com:443"...)},
		{"disconnect", DisconnectMsg(), []byte{1}},
		{"request", RequestMsg([]byte("GET / HTTP/1.1\r\n")), append([]byte{2}, "GET / HTTP/1.1\r\n"...)},
		{"connect ipv6", ConnectMsg("::1:8080"), append([]byte{0}, "::1:8080"...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := tt.msg.Encode()
			if !bytes.Equal(enc, tt.wire) {
				t.Fatalf("Encode() = %v, want %v", enc, tt.wire)
			}
			got, err := DecodeClientMessage(enc)
			if err != nil {
				t.Fatalf("DecodeClientMessage failed: %v", err)
			}
			if got.Type != tt.msg.Type || got.Dest != tt.msg.Dest || !bytes.Equal(got.Data, tt.msg.Data) {
				t.Errorf("round trip mismatch: got %v, want %v", got, tt.msg)
			}
		})
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ServerMessage
		wire []byte
	}{
		{"connect ok", ConnectOK(), []byte{0, 0}},
		{"connect err", ConnectError("refused"), append([]byte{0, 1}, "refused"...)},
		{"connect err empty text", ConnectError(""), []byte{0, 1}},
		{"connect timeout", ConnectTimedOut(), []byte{0, 2}},
		{"response data", ResponseData([]byte{1, 2, 3}), []byte{1, 0, 1, 2, 3}},
		{"response empty data", ResponseData(nil), []byte{1, 0}},
		{"response err", ResponseError("reset"), append([]byte{1, 1}, "reset"...)},
		{"response closed", ResponseClosed(), []byte{1, 2}},
		{"request fail", RequestFailed("broken pipe"), append([]byte{2}, "broken pipe"...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := tt.msg.Encode()
			if !bytes.Equal(enc, tt.wire) {
				t.Fatalf("Encode() = %v, want %v", enc, tt.wire)
			}
			got, err := DecodeServerMessage(enc)
			if err != nil {
				t.Fatalf("DecodeServerMessage failed: %v", err)
			}
			if got.Type != tt.msg.Type || got.Status != tt.msg.Status || got.Text != tt.msg.Text {
				t.Errorf("round trip mismatch: got %v, want %v", got, tt.msg)
			}
			if len(got.Data) != len(tt.msg.Data) || !bytes.Equal(got.Data, tt.msg.Data) {
				t.Errorf("data mismatch: got %v, want %v", got.Data, tt.msg.Data)
			}
		})
	}
}

func TestDecodeClientMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrIncomplete},
		{"connect without dest", []byte{0}, ErrIncomplete},
		{"request without data", []byte{2}, ErrIncomplete},
		{"connect invalid utf8", []byte{0, 0xff, 0xfe}, ErrUTF8},
		{"unknown type", []byte{7, 1}, ErrInvalidMsgType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeServerMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", []byte{}, ErrIncomplete},
		{"connect result without status", []byte{0}, ErrIncomplete},
		{"response result without status", []byte{1}, ErrIncomplete},
		{"request fail without text", []byte{2}, ErrIncomplete},
		{"bad connect status", []byte{0, 9}, ErrInvalidConnStatus},
		{"bad response status", []byte{1, 9}, ErrInvalidResponseStatus},
		{"connect err invalid utf8", []byte{0, 1, 0xc3}, ErrUTF8},
		{"response err invalid utf8", []byte{1, 1, 0xc3}, ErrUTF8},
		{"unknown type", []byte{3}, ErrInvalidMsgType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeServerMessage(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
