package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrorType classifies failures by what they disqualify.
type ErrorType int

const (
	// ErrorProtocol is a malformed frame or handshake; fatal to one connection.
	ErrorProtocol ErrorType = iota
	// ErrorTransport is a tunnel dial, I/O or auth failure; the tunnel is discarded.
	ErrorTransport
	// ErrorUpstream is a remote dial outcome reported over the tunnel.
	ErrorUpstream
	// ErrorConfig is a startup configuration or rule build failure.
	ErrorConfig
	// ErrorRelay is a local socket failure during relay.
	ErrorRelay
)

func (t ErrorType) String() string {
	switch t {
	case ErrorProtocol:
		return "protocol"
	case ErrorTransport:
		return "transport"
	case ErrorUpstream:
		return "upstream"
	case ErrorConfig:
		return "config"
	case ErrorRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ProxyError carries an ErrorType alongside the stage that produced it.
type ProxyError struct {
	Type  ErrorType
	Stage string
	Err   error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Type, e.Stage, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// NewProxyError wraps err with a type and stage. A nil err yields nil.
func NewProxyError(t ErrorType, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{Type: t, Stage: stage, Err: err}
}

// ErrorTypeOf reports the ErrorType of err, if any layer carries one.
func ErrorTypeOf(err error) (ErrorType, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Type, true
	}
	return 0, false
}

// IsTransport reports whether err taints the tunnel it happened on.
func IsTransport(err error) bool {
	t, ok := ErrorTypeOf(err)
	return ok && t == ErrorTransport
}

func logEmoji(level slog.Level, emoji, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	l := GetLogger()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, emoji+" "+text)
}

// LogErrorf logs a formatted error message with emoji prefix
func LogErrorf(format string, args ...interface{}) {
	logEmoji(slog.LevelError, "❌", format, args...)
}

// LogWarningf logs a formatted warning with emoji prefix
func LogWarningf(format string, args ...interface{}) {
	logEmoji(slog.LevelWarn, "⚠️", format, args...)
}

// LogSuccessf logs a formatted success message with emoji prefix
func LogSuccessf(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "✅", format, args...)
}

// LogInfof logs a formatted informational message with emoji prefix
func LogInfof(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "ℹ️", format, args...)
}

// LogProgressf logs a formatted progress message with emoji prefix
func LogProgressf(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "🔄", format, args...)
}

// LogTargetf logs a formatted target message with emoji prefix
func LogTargetf(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "🎯", format, args...)
}

// LogNetworkf logs a formatted network message with emoji prefix
func LogNetworkf(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "🌐", format, args...)
}

// LogConnectionf logs a formatted connection message with emoji prefix
func LogConnectionf(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "🔗", format, args...)
}

// LogStoragef logs a formatted storage message with emoji prefix
func LogStoragef(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "📂", format, args...)
}

// LogClosef logs a formatted closure message with emoji prefix
func LogClosef(format string, args ...interface{}) {
	logEmoji(slog.LevelInfo, "🔚", format, args...)
}

// WrapError wraps an error with additional context
func WrapError(err error, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// WrapErrorf wraps an error with formatted additional context
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
