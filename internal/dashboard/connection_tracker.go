package dashboard

import (
	"sort"
	"sync"
	"time"
)

// Connection states.
const (
	StateActive  = "active"
	StateClosing = "closing"
	StateError   = "error"
)

// closingLinger keeps finished connections visible for one more refresh.
const closingLinger = 2 * time.Second

// TrackedConnection is one local connection as shown by the status API.
type TrackedConnection struct {
	ID           string    `json:"id" yaml:"id"`
	ClientAddr   string    `json:"client" yaml:"client"`
	Destination  string    `json:"destination" yaml:"destination"`
	Route        string    `json:"route" yaml:"route"`
	StartTime    time.Time `json:"start_time" yaml:"start_time"`
	BytesIn      int64     `json:"bytes_in" yaml:"bytes_in"`
	BytesOut     int64     `json:"bytes_out" yaml:"bytes_out"`
	LastActivity time.Time `json:"last_activity" yaml:"last_activity"`
	State        string    `json:"state" yaml:"state"`
}

// ConnectionTracker records live connections for the dashboard. A nil
// tracker accepts every call and records nothing.
type ConnectionTracker struct {
	mu          sync.RWMutex
	connections map[string]*TrackedConnection
	history     *MetricHistory
	linger      time.Duration
}

// MetricHistory is a ring buffer of one-second samples.
type MetricHistory struct {
	mu         sync.RWMutex
	timestamps []time.Time
	connCounts []int
	byteRates  []float64
	maxPoints  int
	writeIndex int
	filled     bool
}

// HistoryPoint is one sample of MetricHistory.
type HistoryPoint struct {
	Time        time.Time `json:"time" yaml:"time"`
	Connections int       `json:"connections" yaml:"connections"`
	ByteRate    float64   `json:"byte_rate" yaml:"byte_rate"`
}

func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]*TrackedConnection),
		history:     NewMetricHistory(300),
		linger:      closingLinger,
	}
}

func NewMetricHistory(maxPoints int) *MetricHistory {
	return &MetricHistory{
		timestamps: make([]time.Time, maxPoints),
		connCounts: make([]int, maxPoints),
		byteRates:  make([]float64, maxPoints),
		maxPoints:  maxPoints,
	}
}

// AddConnection registers a connection once its destination and route are
// known.
func (ct *ConnectionTracker) AddConnection(id, clientAddr, destination, route string) {
	if ct == nil {
		return
	}
	now := time.Now()
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.connections[id] = &TrackedConnection{
		ID:           id,
		ClientAddr:   clientAddr,
		Destination:  destination,
		Route:        route,
		StartTime:    now,
		LastActivity: now,
		State:        StateActive,
	}
}

// UpdateConnection adds transferred bytes.
func (ct *ConnectionTracker) UpdateConnection(id string, bytesIn, bytesOut int64) {
	if ct == nil {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conn, ok := ct.connections[id]; ok {
		conn.BytesIn += bytesIn
		conn.BytesOut += bytesOut
		conn.LastActivity = time.Now()
	}
}

// RemoveConnection marks the connection closing and forgets it after a
// short linger.
func (ct *ConnectionTracker) RemoveConnection(id string) {
	if ct == nil {
		return
	}
	ct.mu.Lock()
	conn, ok := ct.connections[id]
	if ok && conn.State == StateActive {
		conn.State = StateClosing
	}
	ct.mu.Unlock()
	if !ok {
		return
	}
	time.AfterFunc(ct.linger, func() {
		ct.mu.Lock()
		delete(ct.connections, id)
		ct.mu.Unlock()
	})
}

func (ct *ConnectionTracker) SetConnectionError(id string) {
	if ct == nil {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conn, ok := ct.connections[id]; ok {
		conn.State = StateError
	}
}

// GetActiveConnections returns copies ordered by start time.
func (ct *ConnectionTracker) GetActiveConnections() []TrackedConnection {
	if ct == nil {
		return nil
	}
	ct.mu.RLock()
	out := make([]TrackedConnection, 0, len(ct.connections))
	for _, conn := range ct.connections {
		out = append(out, *conn)
	}
	ct.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// GetConnectionCount counts connections still in the active state.
func (ct *ConnectionTracker) GetConnectionCount() int {
	if ct == nil {
		return 0
	}
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	n := 0
	for _, conn := range ct.connections {
		if conn.State == StateActive {
			n++
		}
	}
	return n
}

func (ct *ConnectionTracker) GetTotalBytes() (int64, int64) {
	if ct == nil {
		return 0, 0
	}
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	var in, out int64
	for _, conn := range ct.connections {
		in += conn.BytesIn
		out += conn.BytesOut
	}
	return in, out
}

// RecordMetrics appends one sample to the history.
func (ct *ConnectionTracker) RecordMetrics(byteRate float64) {
	if ct == nil {
		return
	}
	count := ct.GetConnectionCount()
	h := ct.history
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timestamps[h.writeIndex] = time.Now()
	h.connCounts[h.writeIndex] = count
	h.byteRates[h.writeIndex] = byteRate
	h.writeIndex = (h.writeIndex + 1) % h.maxPoints
	if h.writeIndex == 0 {
		h.filled = true
	}
}

// GetHistory returns the recorded samples, oldest first.
func (ct *ConnectionTracker) GetHistory() []HistoryPoint {
	if ct == nil {
		return nil
	}
	h := ct.history
	h.mu.RLock()
	defer h.mu.RUnlock()

	start, n := 0, h.writeIndex
	if h.filled {
		start, n = h.writeIndex, h.maxPoints
	}
	out := make([]HistoryPoint, 0, n)
	for i := 0; i < n; i++ {
		idx := (start + i) % h.maxPoints
		out = append(out, HistoryPoint{
			Time:        h.timestamps[idx],
			Connections: h.connCounts[idx],
			ByteRate:    h.byteRates[idx],
		})
	}
	return out
}
