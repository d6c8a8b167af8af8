package tunnel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dan-v/geotunnel/internal/auth"
	"github.com/dan-v/geotunnel/pkg/shared"
)

var testUser = auth.User{Name: "alice", Key: "secret"}

// echoServer upgrades authenticated requests and echoes every message.
// Messages equal to "push" make it send an unsolicited message instead.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	verifier := auth.NewVerifier([]auth.User{testUser})
	up := NewUpgrader()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		if _, err := verifier.VerifyHeader(r.Header.Get("Authorization")); err != nil {
			http.NotFound(w, r)
			return
		}
		s, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		defer s.Close()
		for {
			msg, err := s.Receive()
			if err != nil {
				return
			}
			if string(msg) == "push" {
				msg = []byte("unsolicited")
			}
			if err := s.Send(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSendReceive(t *testing.T) {
	srv := echoServer(t)
	d, err := NewDialer(DialConfig{ServerURL: wsURL(srv), User: testUser})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	s, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	for _, msg := range []string{"hello", "world"} {
		if err := s.Send([]byte(msg)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		got, err := s.Receive()
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if string(got) != msg {
			t.Errorf("Expected %q, got %q", msg, got)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shared.LivenessProbeTimeout)
	defer cancel()
	if err := s.Probe(ctx); err != nil {
		t.Errorf("Probe failed: %v", err)
	}
}

func TestWebSocketProbeFailsOnPendingData(t *testing.T) {
	srv := echoServer(t)
	d, _ := NewDialer(DialConfig{ServerURL: wsURL(srv), User: testUser})
	s, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	if err := s.Send([]byte("push")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// Give the unsolicited reply time to arrive ahead of the pong.
	time.Sleep(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), shared.LivenessProbeTimeout)
	defer cancel()
	if err := s.Probe(ctx); !errors.Is(err, ErrProbeFailed) {
		t.Errorf("Expected ErrProbeFailed, got %v", err)
	}
}

func TestWebSocketAuthRejected(t *testing.T) {
	srv := echoServer(t)
	d, _ := NewDialer(DialConfig{ServerURL: wsURL(srv), User: auth.User{Name: "alice", Key: "wrong"}})
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}

func TestWebSocketServerIPOverride(t *testing.T) {
	srv := echoServer(t)
	_, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	d, err := NewDialer(DialConfig{
		ServerURL: "ws://tunnel.invalid:" + port + "/",
		ServerIP:  "127.0.0.1",
		User:      testUser,
		Headers:   map[string]string{"X-Client": "test"},
	})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	s, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial with server ip failed: %v", err)
	}
	s.Close()
}

func TestWebSocketCloseUnblocksReceive(t *testing.T) {
	srv := echoServer(t)
	d, _ := NewDialer(DialConfig{ServerURL: wsURL(srv), User: testUser})
	s, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Receive()
		errc <- err
	}()
	s.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestNewDialerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  DialConfig
	}{
		{"http scheme", DialConfig{ServerURL: "http://example.com"}},
		{"no host", DialConfig{ServerURL: "ws:///path"}},
		{"bad port", DialConfig{ServerURL: "wss://example.com:99999"}},
		{"quic with ws url", DialConfig{ServerURL: "ws://example.com", Transport: TransportQUIC}},
		{"unknown transport", DialConfig{ServerURL: "ws://example.com", Transport: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDialer(tt.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}

	d, err := NewWSDialer(DialConfig{ServerURL: "wss://example.com/tunnel"})
	if err != nil {
		t.Fatalf("NewWSDialer failed: %v", err)
	}
	if d.url != "wss://example.com/tunnel" {
		t.Errorf("unexpected url %s", d.url)
	}
}

func TestQUICSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping QUIC loopback test in short mode")
	}
	tlsConf, err := shared.GenerateTLSConfig(shared.TLSConfigOptions{NextProtos: []string{shared.QUICALPN}})
	if err != nil {
		t.Fatalf("GenerateTLSConfig failed: %v", err)
	}
	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, QUICConfig())
	if err != nil {
		t.Fatalf("ListenAddr failed: %v", err)
	}
	defer ln.Close()

	verifier := auth.NewVerifier([]auth.User{testUser})
	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				s, _, err := AcceptQUIC(context.Background(), conn, verifier)
				if err != nil {
					return
				}
				defer s.Close()
				for {
					msg, err := s.Receive()
					if err != nil {
						return
					}
					s.Send(msg)
				}
			}()
		}
	}()

	url := "quic://" + ln.Addr().String()
	d, err := NewDialer(DialConfig{ServerURL: url, Transport: TransportQUIC, Insecure: true, User: testUser})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	s, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	if err := s.Send([]byte("ping over quic")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := s.Receive()
	if err != nil || string(got) != "ping over quic" {
		t.Fatalf("Expected echo, got %q (%v)", got, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), shared.LivenessProbeTimeout)
	defer cancel()
	if err := s.Probe(ctx); err != nil {
		t.Errorf("Probe failed: %v", err)
	}

	bad, _ := NewDialer(DialConfig{ServerURL: url, Transport: TransportQUIC, Insecure: true,
		User: auth.User{Name: "alice", Key: "wrong"}})
	if _, err := bad.Dial(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}
