package shared

import (
	"bytes"
	"testing"
)

func TestPingPongRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		nonce uint64
	}{
		{"zero nonce", 0},
		{"small nonce", 42},
		{"large nonce", 0xDEADBEEFCAFEBABE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WritePing(&buf, tt.nonce); err != nil {
				t.Fatalf("WritePing failed: %v", err)
			}
			if err := WritePong(&buf, tt.nonce+1); err != nil {
				t.Fatalf("WritePong failed: %v", err)
			}

			ping, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if ping.Op != OpPing || ping.Nonce != tt.nonce {
				t.Errorf("Expected ping %d, got op 0x%02x nonce %d", tt.nonce, ping.Op, ping.Nonce)
			}

			pong, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if pong.Op != OpPong || pong.Nonce != tt.nonce+1 {
				t.Errorf("Expected pong %d, got op 0x%02x nonce %d", tt.nonce+1, pong.Op, pong.Nonce)
			}
		})
	}
}

func TestDataAndAuthFrames(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAuth(&buf, "dG9rZW4="); err != nil {
		t.Fatalf("WriteAuth failed: %v", err)
	}
	if err := WriteAuthOK(&buf); err != nil {
		t.Fatalf("WriteAuthOK failed: %v", err)
	}
	if err := WriteData(&buf, []byte{0x02, 'h', 'i'}); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	if err := WriteData(&buf, nil); err != nil {
		t.Fatalf("WriteData(empty) failed: %v", err)
	}

	want := []Frame{
		{Op: OpAuth, Payload: []byte("dG9rZW4=")},
		{Op: OpAuthOK},
		{Op: OpData, Payload: []byte{0x02, 'h', 'i'}},
		{Op: OpData, Payload: []byte{}},
	}
	for i, w := range want {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame failed: %v", i, err)
		}
		if got.Op != w.Op || !bytes.Equal(got.Payload, w.Payload) {
			t.Errorf("frame %d: expected %+v, got %+v", i, w, got)
		}
	}
}

func TestShutdownMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteShutdown(&buf); err != nil {
		t.Fatalf("WriteShutdown failed: %v", err)
	}

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Op != OpShutdown {
		t.Errorf("Expected OpShutdown (0x%02x), got 0x%02x", OpShutdown, f.Op)
	}
}

func TestUnknownOpcode(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0xFF)

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("Expected error for unknown opcode, got nil")
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	buf := bytes.NewBuffer([]byte{OpData, 0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("Expected error for oversized frame, got nil")
	}
}

func TestTruncatedNonce(t *testing.T) {
	buf := bytes.NewBuffer([]byte{OpPing, 0x00, 0x01})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("Expected error for truncated ping, got nil")
	}
}
