package shared

import "time"

// Network constants
const (
	DefaultClientAddress = "127.0.0.1"
	DefaultClientPort    = 8002
	DefaultServerAddress = "0.0.0.0"
	DefaultServerPort    = 7008
	DefaultQUICPort      = 7009
	DefaultMetricsPort   = 9090
	DefaultSTUNServer    = "stun.l.google.com:19302"
)

// Timeout constants
const (
	// RemoteConnectTimeout bounds the server's outbound dial per Connect.
	RemoteConnectTimeout = 5 * time.Second
	// LivenessProbeTimeout bounds one ping/pong exchange on a pooled tunnel.
	LivenessProbeTimeout = 1500 * time.Millisecond
	// AuthClockSkew is the largest accepted |server_time - token_time|.
	AuthClockSkew = 90 * time.Second

	TunnelHandshakeTimeout  = 8 * time.Second
	DefaultPoolScanInterval = 30 * time.Second
	DirectDialTimeout       = 10 * time.Second
	ShutdownGracePeriod     = 5 * time.Second
)

// Buffer size constants
const (
	// RelayBufferSize is the read size for one Request/Response payload.
	RelayBufferSize   = 5 * 1024
	MaxControlPayload = 1 << 20
)

// SOCKS5 protocol constants
const (
	SOCKS5Version        = 0x05
	SOCKS5Connect        = 0x01
	SOCKS5NoAuth         = 0x00
	SOCKS5Success        = 0x00
	SOCKS5GeneralFailure = 0x05
)

// TLS certificate constants
const (
	TLSKeyBits         = 2048
	CertValidityPeriod = 365 * 24 * time.Hour
	QUICALPN           = "geotunnel"
)

// QUIC transport settings
const (
	QUICHandshakeTimeout = 10 * time.Second
	QUICIdleTimeout      = 5 * time.Minute
	QUICKeepAlive        = 30 * time.Second
)
