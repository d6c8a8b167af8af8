// Package dashboard tracks the client's live connections and serves them,
// with the metrics snapshot, as a JSON status API and a websocket feed.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/pkg/shared"
)

const (
	StatusPath      = "/api/status"
	ConnectionsPath = "/api/connections"
	WebSocketPath   = "/api/ws"

	broadcastInterval = time.Second
	wsWriteTimeout    = 5 * time.Second
)

// DashboardServer serves the status API and pushes a snapshot to every
// websocket subscriber once per second.
type DashboardServer struct {
	tracker  *ConnectionTracker
	poolIdle func() int
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewDashboardServer builds the API over tracker. poolIdle may be nil.
func NewDashboardServer(tracker *ConnectionTracker, poolIdle func() int) *DashboardServer {
	return &DashboardServer{
		tracker:  tracker,
		poolIdle: poolIdle,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Register mounts the API on mux.
func (ds *DashboardServer) Register(mux *http.ServeMux) {
	mux.HandleFunc(StatusPath, ds.handleStatus)
	mux.HandleFunc(ConnectionsPath, ds.handleConnections)
	mux.HandleFunc(WebSocketPath, ds.handleWebSocket)
}

// Collect builds the current status.
func (ds *DashboardServer) Collect() *Status {
	metrics.UpdateSystemMetrics()
	st := &Status{
		Timestamp:   time.Now(),
		Metrics:     metrics.TakeSnapshot(),
		Connections: ds.tracker.GetActiveConnections(),
		History:     ds.tracker.GetHistory(),
	}
	st.ActiveConnections = ds.tracker.GetConnectionCount()
	if ds.poolIdle != nil {
		st.PoolIdle = ds.poolIdle()
	}
	return st
}

func (ds *DashboardServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ds.writeJSON(w, r, ds.Collect())
}

func (ds *DashboardServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	ds.writeJSON(w, r, ds.tracker.GetActiveConnections())
}

func (ds *DashboardServer) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		shared.LogErrorf("Failed to encode status: %v", err)
	}
}

func (ds *DashboardServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ds.upgrader.Upgrade(w, r, nil)
	if err != nil {
		shared.LogErrorf("Failed to upgrade WebSocket connection: %v", err)
		return
	}

	ds.clientsMu.Lock()
	ds.clients[conn] = struct{}{}
	ds.clientsMu.Unlock()
	defer ds.drop(conn)

	if data, err := json.Marshal(ds.Collect()); err == nil {
		ds.send(conn, data)
	}

	// Reads only service control frames and notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				shared.GetLogger().Debug("dashboard websocket closed", "error", err)
			}
			return
		}
	}
}

func (ds *DashboardServer) send(conn *websocket.Conn, data []byte) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (ds *DashboardServer) drop(conn *websocket.Conn) {
	ds.clientsMu.Lock()
	delete(ds.clients, conn)
	ds.clientsMu.Unlock()
	conn.Close()
}

// Start samples history and broadcasts to subscribers until ctx is done or
// Shutdown is called.
func (ds *DashboardServer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(broadcastInterval)
		defer ticker.Stop()

		var lastTotal int64
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				ds.Shutdown()
				return
			case <-ds.shutdown:
				return
			case now := <-ticker.C:
				in, out := ds.tracker.GetTotalBytes()
				total := in + out
				var rate float64
				if secs := now.Sub(last).Seconds(); secs > 0 && total >= lastTotal {
					rate = float64(total-lastTotal) / secs
				}
				lastTotal, last = total, now
				ds.tracker.RecordMetrics(rate)
				ds.broadcast()
			}
		}
	}()
}

func (ds *DashboardServer) broadcast() {
	ds.clientsMu.Lock()
	clients := make([]*websocket.Conn, 0, len(ds.clients))
	for c := range ds.clients {
		clients = append(clients, c)
	}
	ds.clientsMu.Unlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(ds.Collect())
	if err != nil {
		return
	}
	for _, c := range clients {
		if !ds.send(c, data) {
			ds.drop(c)
		}
	}
}

// Shutdown stops the broadcaster and closes every subscriber.
func (ds *DashboardServer) Shutdown() {
	ds.shutdownOnce.Do(func() {
		close(ds.shutdown)
		ds.clientsMu.Lock()
		for c := range ds.clients {
			c.Close()
		}
		ds.clients = make(map[*websocket.Conn]struct{})
		ds.clientsMu.Unlock()
	})
}
