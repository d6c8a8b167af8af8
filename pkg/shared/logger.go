package shared

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	// Global structured logger
	logger   *slog.Logger
	loggerMu sync.RWMutex

	// Log levels
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// LogConfig holds configuration for the logger
type LogConfig struct {
	Level       slog.Level
	Format      string // "json" or "text"
	Output      string // "stdout", "stderr" or a file path
	AddSource   bool
	ServiceName string
}

// DefaultLogConfig returns a default logger configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:       slog.LevelInfo,
		Format:      "text",
		Output:      "stdout",
		AddSource:   false,
		ServiceName: "geotunnel",
	}
}

// ParseLogLevel converts a config string into a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// InitLogger initializes the structured logger. The returned closer releases
// the output file when logging to a path.
func InitLogger(config *LogConfig) (io.Closer, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	out, closer, err := openLogOutput(config.Output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	l := slog.New(handler).With("service", config.ServiceName)

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()

	slog.SetDefault(l)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return f, f, nil
}

// GetLogger returns the global structured logger
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	InitLogger(nil)
	return GetLogger()
}

// Component returns the global logger tagged with a component name.
func Component(name string) *slog.Logger {
	return GetLogger().With("component", name)
}

// LogWithContext logs a message with context and structured fields
func LogWithContext(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	GetLogger().LogAttrs(ctx, level, msg, attrs...)
}

// LogProtocolError records a malformed or unexpected exchange on a single
// connection. client is the peer address, stage names the step that failed.
// Pass an empty client when l already carries it.
func LogProtocolError(l *slog.Logger, client, stage string, err error) {
	if l == nil {
		l = GetLogger()
	}
	attrs := make([]any, 0, 3)
	if client != "" {
		attrs = append(attrs, slog.String("client", client))
	}
	attrs = append(attrs, slog.String("stage", stage), slog.String("error", err.Error()))
	l.Warn("protocol error", attrs...)
}

// LogConnectionEvent logs connection-related events
func LogConnectionEvent(l *slog.Logger, event string, remote string, attrs ...slog.Attr) {
	if l == nil {
		l = GetLogger()
	}
	allAttrs := append([]slog.Attr{
		slog.String("event", event),
		slog.String("remote_addr", remote),
	}, attrs...)
	l.LogAttrs(context.Background(), slog.LevelDebug, "connection event", allAttrs...)
}
