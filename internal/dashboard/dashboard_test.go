package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnectionTracker(t *testing.T) {
	ct := NewConnectionTracker()
	ct.linger = 10 * time.Millisecond

	ct.AddConnection("a", "127.0.0.1:5000", "example.com:443", "proxy")
	ct.AddConnection("b", "127.0.0.1:5001", "10.0.0.1:22", "direct")
	ct.UpdateConnection("a", 100, 20)
	ct.UpdateConnection("missing", 1, 1)

	if got := ct.GetConnectionCount(); got != 2 {
		t.Fatalf("Expected 2 active connections, got %d", got)
	}
	in, out := ct.GetTotalBytes()
	if in != 100 || out != 20 {
		t.Errorf("Expected 100/20 bytes, got %d/%d", in, out)
	}

	ct.SetConnectionError("b")
	ct.RemoveConnection("a")
	if got := ct.GetConnectionCount(); got != 0 {
		t.Errorf("Expected no active connections, got %d", got)
	}
	conns := ct.GetActiveConnections()
	if len(conns) != 2 || conns[0].ID != "a" || conns[0].State != StateClosing {
		t.Errorf("Expected a to linger as closing, got %+v", conns)
	}

	deadline := time.Now().Add(time.Second)
	for len(ct.GetActiveConnections()) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ct.GetActiveConnections(); len(got) != 1 || got[0].ID != "b" {
		t.Errorf("Expected only b left, got %+v", got)
	}
}

func TestNilTracker(t *testing.T) {
	var ct *ConnectionTracker
	ct.AddConnection("a", "", "", "")
	ct.UpdateConnection("a", 1, 1)
	ct.RemoveConnection("a")
	if ct.GetConnectionCount() != 0 || ct.GetActiveConnections() != nil {
		t.Error("Expected nil tracker to record nothing")
	}
}

func TestHistoryWraps(t *testing.T) {
	ct := NewConnectionTracker()
	ct.history = NewMetricHistory(3)
	for i := 1; i <= 4; i++ {
		ct.RecordMetrics(float64(i))
	}
	h := ct.GetHistory()
	if len(h) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(h))
	}
	for i, want := range []float64{2, 3, 4} {
		if h[i].ByteRate != want {
			t.Errorf("point %d: Expected rate %v, got %v", i, want, h[i].ByteRate)
		}
	}
}

func newTestServer(t *testing.T) (*DashboardServer, *httptest.Server) {
	t.Helper()
	ct := NewConnectionTracker()
	ct.AddConnection("c1", "127.0.0.1:6000", "example.org:80", "proxy")
	ds := NewDashboardServer(ct, func() int { return 2 })
	mux := http.NewServeMux()
	ds.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ds.Shutdown()
		srv.Close()
	})
	return ds, srv
}

func TestStatusEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	st, err := FetchStatus(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchStatus failed: %v", err)
	}
	if st.PoolIdle != 2 {
		t.Errorf("Expected pool idle 2, got %d", st.PoolIdle)
	}
	if st.ActiveConnections != 1 || len(st.Connections) != 1 || st.Connections[0].Destination != "example.org:80" {
		t.Errorf("Unexpected connections: %+v", st.Connections)
	}

	resp, err := http.Post(srv.URL+StatusPath, "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestWebSocketFeed(t *testing.T) {
	ds, srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ds.Start(ctx)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("message %d: decode: %v", i, err)
		}
		if st.PoolIdle != 2 {
			t.Errorf("message %d: Expected pool idle 2, got %d", i, st.PoolIdle)
		}
	}
}
