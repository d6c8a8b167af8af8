package stun

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
)

// fakeServer answers every binding request with the sender's address.
func fakeServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udp := addr.(*net.UDPAddr)
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			pc.WriteTo(resp.Raw, addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestDiscoverPublicIP(t *testing.T) {
	addr := fakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ip, err := New().DiscoverPublicIP(ctx, addr)
	if err != nil {
		t.Fatalf("DiscoverPublicIP failed: %v", err)
	}
	if ip != "127.0.0.1" {
		t.Errorf("Expected 127.0.0.1, got %s", ip)
	}
}

func TestDiscoverPublicIP_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New().DiscoverPublicIP(ctx, "127.0.0.1:3478"); err == nil {
		t.Error("Expected error due to context cancellation")
	}
}

func TestDiscoverPublicIP_InvalidServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if _, err := New().DiscoverPublicIP(ctx, "invalid.server.invalid:12345"); err == nil {
		t.Error("Expected error for invalid STUN server")
	}
}
