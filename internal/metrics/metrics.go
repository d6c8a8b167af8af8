package metrics

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dan-v/geotunnel/pkg/shared"
)

var (
	// Local listener metrics
	localConnections   = expvar.NewInt("local_connections_total")
	localActiveConns   = expvar.NewInt("local_active_connections")
	localFailedConns   = expvar.NewInt("local_failed_connections")
	handshakeFailures  = expvar.NewInt("handshake_failures_total")
	routeDirect        = expvar.NewInt("route_direct_total")
	routeProxy         = expvar.NewInt("route_proxy_total")
	routeBlock         = expvar.NewInt("route_block_total")
	bytesSent          = expvar.NewInt("relay_bytes_sent")
	bytesReceived      = expvar.NewInt("relay_bytes_received")
	tunnelDials        = expvar.NewInt("tunnel_dials_total")
	tunnelDialFailures = expvar.NewInt("tunnel_dial_failures")

	// Pool metrics
	poolHits          = expvar.NewInt("pool_hits")
	poolMisses        = expvar.NewInt("pool_misses")
	poolEvictions     = expvar.NewInt("pool_evictions")
	poolProbeFailures = expvar.NewInt("pool_probe_failures")
	poolIdle          = expvar.NewInt("pool_idle_sessions")
	probeRTTMs        = expvar.NewFloat("probe_rtt_ms")

	// Server metrics
	serverSessionsActive = expvar.NewInt("server_sessions_active")
	serverSessionsTotal  = expvar.NewInt("server_sessions_total")
	serverAuthFailures   = expvar.NewInt("server_auth_failures")
	serverDialsOK        = expvar.NewInt("server_dials_ok")
	serverDialsErr       = expvar.NewInt("server_dials_error")
	serverDialsTimeout   = expvar.NewInt("server_dials_timeout")

	// Remote rule data metrics
	remoteDataOps     = expvar.NewInt("remote_data_operations")
	remoteDataErrors  = expvar.NewInt("remote_data_errors")
	remoteDataLatency = expvar.NewFloat("remote_data_latency_ms")

	// System metrics
	systemGoroutines  = expvar.NewInt("system_goroutines")
	systemMemoryAlloc = expvar.NewInt("system_memory_alloc_bytes")
	systemMemorySys   = expvar.NewInt("system_memory_sys_bytes")

	publishOnce sync.Once
	startTime   = time.Now()
)

// Local connection metrics

func RecordLocalConnection() {
	localConnections.Add(1)
	localActiveConns.Add(1)
}

func RecordLocalConnectionClosed() {
	localActiveConns.Add(-1)
}

func RecordLocalFailure() {
	localFailedConns.Add(1)
}

func RecordHandshakeFailure() {
	handshakeFailures.Add(1)
}

// RecordRoute counts a routing decision by action name.
func RecordRoute(action string) {
	switch action {
	case "direct":
		routeDirect.Add(1)
	case "proxy":
		routeProxy.Add(1)
	case "block":
		routeBlock.Add(1)
	}
}

func RecordBytes(sent, received int64) {
	bytesSent.Add(sent)
	bytesReceived.Add(received)
}

func RecordTunnelDial(err error) {
	tunnelDials.Add(1)
	if err != nil {
		tunnelDialFailures.Add(1)
	}
}

// Pool metrics

func RecordPoolHit() { poolHits.Add(1) }
func RecordPoolMiss() { poolMisses.Add(1) }
func RecordPoolEviction() { poolEvictions.Add(1) }
func RecordPoolProbeFailure() { poolProbeFailures.Add(1) }

func SetPoolIdle(n int) {
	poolIdle.Set(int64(n))
}

// RecordRTT stores the latency of a successful liveness probe. It is
// exported as the probe_rtt_ms gauge and in every Snapshot.
func RecordRTT(rtt time.Duration) {
	probeRTTMs.Set(float64(rtt.Microseconds()) / 1000)
}

// Server metrics

func IncrementServerSessions() {
	serverSessionsActive.Add(1)
	serverSessionsTotal.Add(1)
}

func DecrementServerSessions() {
	serverSessionsActive.Add(-1)
}

func RecordAuthFailure() {
	serverAuthFailures.Add(1)
}

// RecordServerDial counts an outbound dial outcome: "ok", "error" or
// "timeout".
func RecordServerDial(outcome string) {
	switch outcome {
	case "ok":
		serverDialsOK.Add(1)
	case "timeout":
		serverDialsTimeout.Add(1)
	default:
		serverDialsErr.Add(1)
	}
}

// UpdateSystemMetrics samples the Go runtime.
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	systemGoroutines.Set(int64(runtime.NumGoroutine()))
	systemMemoryAlloc.Set(int64(m.Alloc))
	systemMemorySys.Set(int64(m.Sys))
}

// RecordRemoteDataOperation counts one object store call and its latency.
func RecordRemoteDataOperation(d time.Duration, err error) {
	remoteDataOps.Add(1)
	remoteDataLatency.Set(float64(d.Nanoseconds()) / 1e6)
	if err != nil {
		remoteDataErrors.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters used by the status API.
type Snapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds" yaml:"uptime_seconds"`
	ConnectionsTotal  int64   `json:"connections_total" yaml:"connections_total"`
	ConnectionsActive int64   `json:"connections_active" yaml:"connections_active"`
	ConnectionsFailed int64   `json:"connections_failed" yaml:"connections_failed"`
	RouteDirect       int64   `json:"route_direct" yaml:"route_direct"`
	RouteProxy        int64   `json:"route_proxy" yaml:"route_proxy"`
	RouteBlock        int64   `json:"route_block" yaml:"route_block"`
	BytesSent         int64   `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived     int64   `json:"bytes_received" yaml:"bytes_received"`
	PoolIdle          int64   `json:"pool_idle" yaml:"pool_idle"`
	PoolHits          int64   `json:"pool_hits" yaml:"pool_hits"`
	PoolMisses        int64   `json:"pool_misses" yaml:"pool_misses"`
	PoolEvictions     int64   `json:"pool_evictions" yaml:"pool_evictions"`
	ProbeFailures     int64   `json:"probe_failures" yaml:"probe_failures"`
	ProbeRTTMs        float64 `json:"probe_rtt_ms" yaml:"probe_rtt_ms"`
	Goroutines        int64   `json:"goroutines" yaml:"goroutines"`
	MemoryAlloc       int64   `json:"memory_alloc_bytes" yaml:"memory_alloc_bytes"`
}

func TakeSnapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:     time.Since(startTime).Seconds(),
		ConnectionsTotal:  localConnections.Value(),
		ConnectionsActive: localActiveConns.Value(),
		ConnectionsFailed: localFailedConns.Value(),
		RouteDirect:       routeDirect.Value(),
		RouteProxy:        routeProxy.Value(),
		RouteBlock:        routeBlock.Value(),
		BytesSent:         bytesSent.Value(),
		BytesReceived:     bytesReceived.Value(),
		PoolIdle:          poolIdle.Value(),
		PoolHits:          poolHits.Value(),
		PoolMisses:        poolMisses.Value(),
		PoolEvictions:     poolEvictions.Value(),
		ProbeFailures:     poolProbeFailures.Value(),
		ProbeRTTMs:        probeRTTMs.Value(),
		Goroutines:        systemGoroutines.Value(),
		MemoryAlloc:       systemMemoryAlloc.Value(),
	}
}

type promMetric struct {
	name, kind, help string
	value            func() interface{}
}

func intValue(v *expvar.Int) func() interface{} { return func() interface{} { return v.Value() } }
func floatValue(v *expvar.Float) func() interface{} { return func() interface{} { return v.Value() } }

var promMetrics = []promMetric{
	{"local_connections_total", "counter", "Accepted local proxy connections", intValue(localConnections)},
	{"local_active_connections", "gauge", "Local proxy connections in progress", intValue(localActiveConns)},
	{"local_failed_connections_total", "counter", "Local connections that ended with an error", intValue(localFailedConns)},
	{"handshake_failures_total", "counter", "SOCKS5/HTTP handshakes that failed", intValue(handshakeFailures)},
	{"route_direct_total", "counter", "Connections routed direct", intValue(routeDirect)},
	{"route_proxy_total", "counter", "Connections routed through the tunnel", intValue(routeProxy)},
	{"route_block_total", "counter", "Connections blocked by routing", intValue(routeBlock)},
	{"relay_bytes_sent_total", "counter", "Bytes relayed from local clients", intValue(bytesSent)},
	{"relay_bytes_received_total", "counter", "Bytes relayed to local clients", intValue(bytesReceived)},
	{"tunnel_dials_total", "counter", "Tunnel sessions dialed", intValue(tunnelDials)},
	{"tunnel_dial_failures_total", "counter", "Tunnel dials that failed", intValue(tunnelDialFailures)},
	{"pool_hits_total", "counter", "Checkouts served by an idle session", intValue(poolHits)},
	{"pool_misses_total", "counter", "Checkouts that dialed a fresh session", intValue(poolMisses)},
	{"pool_evictions_total", "counter", "Idle sessions closed because the pool was full", intValue(poolEvictions)},
	{"pool_probe_failures_total", "counter", "Idle sessions discarded after a failed probe", intValue(poolProbeFailures)},
	{"pool_idle_sessions", "gauge", "Idle sessions in the pool", intValue(poolIdle)},
	{"probe_rtt_ms", "gauge", "Latency of the last successful probe", floatValue(probeRTTMs)},
	{"server_sessions_active", "gauge", "Tunnel sessions served", intValue(serverSessionsActive)},
	{"server_sessions_total", "counter", "Tunnel sessions accepted", intValue(serverSessionsTotal)},
	{"server_auth_failures_total", "counter", "Rejected tunnel handshakes", intValue(serverAuthFailures)},
	{"server_dials_ok_total", "counter", "Successful outbound dials", intValue(serverDialsOK)},
	{"server_dials_error_total", "counter", "Failed outbound dials", intValue(serverDialsErr)},
	{"server_dials_timeout_total", "counter", "Timed out outbound dials", intValue(serverDialsTimeout)},
	{"remote_data_operations_total", "counter", "Object store calls for rule data", intValue(remoteDataOps)},
	{"remote_data_errors_total", "counter", "Object store calls that failed", intValue(remoteDataErrors)},
	{"remote_data_latency_ms", "gauge", "Latency of the last object store call", floatValue(remoteDataLatency)},
	{"system_goroutines", "gauge", "Number of active goroutines", intValue(systemGoroutines)},
	{"system_memory_alloc_bytes", "gauge", "Currently allocated memory in bytes", intValue(systemMemoryAlloc)},
	{"system_memory_sys_bytes", "gauge", "Memory obtained from the OS in bytes", intValue(systemMemorySys)},
}

// metricsHandler writes Prometheus text exposition format.
func metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	for _, m := range promMetrics {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		fmt.Fprintf(w, "%s %v\n", m.name, m.value())
	}
	fmt.Fprintf(w, "# HELP uptime_seconds Process uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE uptime_seconds gauge\n")
	fmt.Fprintf(w, "uptime_seconds %v\n", time.Since(startTime).Seconds())
}

// RegisterHandlers mounts /metrics and /debug/vars on mux.
func RegisterHandlers(mux *http.ServeMux) {
	publishOnce.Do(func() {
		expvar.Publish("uptime_seconds", expvar.Func(func() interface{} {
			return time.Since(startTime).Seconds()
		}))
	})
	mux.Handle("/metrics", http.HandlerFunc(metricsHandler))
	mux.Handle("/debug/vars", expvar.Handler())
}

// StartMetricsServer serves mux (or a metrics-only mux when nil) on addr
// until ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string, mux *http.ServeMux) error {
	if mux == nil {
		mux = http.NewServeMux()
		RegisterHandlers(mux)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		UpdateSystemMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				UpdateSystemMetrics()
			}
		}
	}()

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shared.ShutdownGracePeriod)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	shared.LogNetworkf("Metrics listening on http://%s/metrics", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
