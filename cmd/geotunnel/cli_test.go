package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dan-v/geotunnel/internal/dashboard"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// runCLI executes the command tree in-process and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("Version command failed: %v", err)
	}
	if !strings.HasPrefix(out, "geotunnel ") {
		t.Errorf("Version output should start with 'geotunnel', got: %s", out)
	}
}

func TestConfigCommands(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "geotunnel.yaml")

	t.Run("Init", func(t *testing.T) {
		out, err := runCLI(t, "config", "init", "--output", configPath)
		if err != nil {
			t.Fatalf("Config init failed: %v", err)
		}
		if !strings.Contains(out, configPath) {
			t.Errorf("Expected output to name %s, got: %s", configPath, out)
		}
		if _, err := os.Stat(configPath); err != nil {
			t.Fatalf("Config file was not created: %v", err)
		}
	})

	t.Run("InitRefusesOverwrite", func(t *testing.T) {
		if _, err := runCLI(t, "config", "init", "--output", configPath); err == nil {
			t.Error("Expected an error when the file exists without --force")
		}
		if _, err := runCLI(t, "config", "init", "--output", configPath, "--force"); err != nil {
			t.Errorf("Expected --force to overwrite, got %v", err)
		}
	})

	t.Run("ShowYAML", func(t *testing.T) {
		out, err := runCLI(t, "--config", configPath, "config", "show")
		if err != nil {
			t.Fatalf("Config show failed: %v", err)
		}
		for _, want := range []string{"# Configuration loaded from: " + configPath, "server_url: wss://tunnel.example.com/", "domain_rules:"} {
			if !strings.Contains(out, want) {
				t.Errorf("Expected output to contain %q, got:\n%s", want, out)
			}
		}
	})

	t.Run("ShowJSON", func(t *testing.T) {
		out, err := runCLI(t, "--config", configPath, "config", "show", "--format", "json")
		if err != nil {
			t.Fatalf("Config show failed: %v", err)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(out), &doc); err != nil {
			t.Fatalf("Expected JSON output, got %v:\n%s", err, out)
		}
		if _, ok := doc["routing"]; !ok {
			t.Errorf("Expected a routing section, got keys %v", doc)
		}
	})
}

func TestGeositeCommands(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"ads":         "doubleclick.net\nkeyword:adserver\n",
		"cn":          "full:www.baidu.com\ninclude:cn-extra\n",
		"cn-extra":    "qq.com @cn\n",
		"category-vm": "regexp:^vm[0-9]+\\.example\\.org$\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	pak := filepath.Join(t.TempDir(), "data", "geosite.pak")

	out, err := runCLI(t, "geosite", "build", "-i", src, "-o", pak)
	if err != nil {
		t.Fatalf("geosite build failed: %v", err)
	}
	if !strings.Contains(out, "Compiled 4 files") {
		t.Errorf("Unexpected build output: %s", out)
	}

	out, err = runCLI(t, "geosite", "inspect", "-f", pak)
	if err != nil {
		t.Fatalf("geosite inspect failed: %v", err)
	}
	if !strings.Contains(out, "4 files") || !strings.Contains(out, "cn-extra") {
		t.Errorf("Unexpected inspect output: %s", out)
	}

	out, err = runCLI(t, "geosite", "inspect", "-f", pak, "--list", "cn")
	if err != nil {
		t.Fatalf("geosite inspect --list failed: %v", err)
	}
	if !strings.Contains(out, "www.baidu.com") || !strings.Contains(out, "qq.com") {
		t.Errorf("Expected cn to include resolved rules, got: %s", out)
	}

	if _, err := runCLI(t, "geosite", "inspect", "-f", pak, "--list", "missing"); err == nil {
		t.Error("Expected an error for an unknown file")
	}
}

func TestStatusCommand(t *testing.T) {
	tracker := dashboard.NewConnectionTracker()
	tracker.AddConnection("conn-1", "127.0.0.1:50000", "example.com:443", "proxy")
	tracker.UpdateConnection("conn-1", 2048, 512)
	ds := dashboard.NewDashboardServer(tracker, func() int { return 2 })
	mux := http.NewServeMux()
	ds.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		format string
		want   []string
	}{
		{"table", []string{"Active:       1", "Idle:         2", "example.com:443", "2.0 KiB"}},
		{"json", []string{`"active_connections": 1`, `"pool_idle": 2`}},
		{"yaml", []string{"active_connections: 1", "example.com:443"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, err := runCLI(t, "status", "--url", srv.URL, "--format", tt.format)
			if err != nil {
				t.Fatalf("status failed: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("Expected output to contain %q, got:\n%s", want, out)
				}
			}
		})
	}

	if _, err := runCLI(t, "status", "--url", srv.URL, "--format", "xml"); err == nil {
		t.Error("Expected an error for an unsupported format")
	}
}

func TestClientRejectsInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "geotunnel.yaml")
	os.WriteFile(configPath, []byte("client:\n  transport: carrier-pigeon\n"), 0644)

	_, err := runCLI(t, "--config", configPath, "client")
	if err == nil {
		t.Fatal("Expected validation to fail")
	}
	if typ, ok := shared.ErrorTypeOf(err); !ok || typ != shared.ErrorConfig {
		t.Errorf("Expected a config error, got %v", err)
	}
	if !strings.Contains(describeFailure(err), "geotunnel config init") {
		t.Errorf("Expected a config hint, got %s", describeFailure(err))
	}
}

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"auth", shared.NewProxyError(shared.ErrorTransport, "dial", tunnel.ErrAuthFailed), "Authentication failed"},
		{"transport", shared.NewProxyError(shared.ErrorTransport, "dial", errors.New("reset")), "Network error"},
		{"other", errors.New("boom"), "Command failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeFailure(tt.err); !strings.Contains(got, tt.want) {
				t.Errorf("Expected %q in %q", tt.want, got)
			}
		})
	}
}
