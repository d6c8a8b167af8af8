package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeFailure(err))
		os.Exit(1)
	}
}

// describeFailure adds a hint for the common classes of startup failure.
func describeFailure(err error) string {
	errMsg := err.Error()
	t, typed := shared.ErrorTypeOf(err)
	switch {
	case errors.Is(err, tunnel.ErrAuthFailed):
		return fmt.Sprintf("❌ Authentication failed: %v\n\n🔧 Check that client.user and client.key match a server.users entry", err)
	case typed && t == shared.ErrorConfig, strings.Contains(errMsg, "configuration"):
		return fmt.Sprintf("❌ Configuration error: %v\n\n💡 Tip: Run 'geotunnel config init' to create a sample configuration file", err)
	case typed && t == shared.ErrorTransport, strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "connection refused"):
		return fmt.Sprintf("❌ Network error: %v\n\n🔧 Check client.server_url, the server status and your firewall settings", err)
	default:
		return fmt.Sprintf("❌ Command failed: %v\n\n💡 For help, run: geotunnel --help", err)
	}
}
