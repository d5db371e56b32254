// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML, TOML and JSON files, env var expansion and overrides, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "node.yaml", `
node_id: "workstation"
display_name: "Workstation"
gateway_host: "gateway.local"
gateway_port: 9000
gateway_tls: true
gateway_token: "secret"
canvas_enabled: true
canvas_backend: "chrome"
exec_approvals_path: "/etc/coven/approvals.json"

timeouts:
  handshake: "2s"
  reconnect_max: "1m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  addr: "127.0.0.1:9999"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.NodeID != "workstation" {
		t.Errorf("NodeID = %q, want %q", cfg.NodeID, "workstation")
	}
	endpoint, err := cfg.GatewayEndpoint()
	if err != nil {
		t.Fatalf("GatewayEndpoint() error = %v", err)
	}
	if endpoint != "wss://gateway.local:9000/ws" {
		t.Errorf("GatewayEndpoint() = %q, want %q", endpoint, "wss://gateway.local:9000/ws")
	}
	if !cfg.SystemEnabled {
		t.Error("SystemEnabled should default to true")
	}
	if !cfg.CanvasEnabled || cfg.CanvasBackend != "chrome" {
		t.Errorf("canvas = %v/%q, want true/chrome", cfg.CanvasEnabled, cfg.CanvasBackend)
	}
	if cfg.Timeouts.Handshake != 2*time.Second {
		t.Errorf("Timeouts.Handshake = %v, want 2s", cfg.Timeouts.Handshake)
	}
	if cfg.Timeouts.ReconnectMax != time.Minute {
		t.Errorf("Timeouts.ReconnectMax = %v, want 1m", cfg.Timeouts.ReconnectMax)
	}
	if cfg.Timeouts.Request != 15*time.Second {
		t.Errorf("Timeouts.Request = %v, want default 15s", cfg.Timeouts.Request)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != "127.0.0.1:9999" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_JSON(t *testing.T) {
	// the flat layout older node configs were written in
	path := writeConfig(t, "node.json", `{
  "node_id": "test-node-1",
  "display_name": "Test-test-node-1",
  "gateway_host": "127.0.0.1",
  "gateway_port": 18789,
  "gateway_token": null,
  "system_enabled": true,
  "canvas_enabled": false,
  "canvas_backend": "none",
  "exec_approvals_path": "~/.openclaw/exec-approvals.json"
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	endpoint, _ := cfg.GatewayEndpoint()
	if endpoint != "ws://127.0.0.1:18789/ws" {
		t.Errorf("GatewayEndpoint() = %q", endpoint)
	}
	if cfg.GatewayToken != "" {
		t.Errorf("GatewayToken = %q, want empty", cfg.GatewayToken)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".openclaw", "exec-approvals.json")
	if cfg.ExecApprovalsPath != want {
		t.Errorf("ExecApprovalsPath = %q, want %q", cfg.ExecApprovalsPath, want)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "node.toml", `
node_id = "toml-node"
gateway_url = "https://gateway.example.com/socket"

[timeouts]
request = "30s"

[logging]
level = "warn"
format = "color"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	endpoint, _ := cfg.GatewayEndpoint()
	if endpoint != "wss://gateway.example.com/socket" {
		t.Errorf("GatewayEndpoint() = %q", endpoint)
	}
	if cfg.Timeouts.Request != 30*time.Second {
		t.Errorf("Timeouts.Request = %v", cfg.Timeouts.Request)
	}
	if cfg.Logging.Format != "color" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_SECRET", "from-env")
	path := writeConfig(t, "node.yaml", `
gateway_host: "localhost"
gateway_token: "${TEST_GATEWAY_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GatewayToken != "from-env" {
		t.Errorf("GatewayToken = %q, want %q", cfg.GatewayToken, "from-env")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COVEN_NODE_GATEWAY_TOKEN", "override")
	t.Setenv("COVEN_NODE_GATEWAY_PORT", "7000")
	t.Setenv("COVEN_NODE_CANVAS_ENABLED", "true")
	t.Setenv("COVEN_NODE_LOG_LEVEL", "error")
	t.Setenv("GATEWAY_TOKEN", "unprefixed-is-ignored")

	path := writeConfig(t, "node.yaml", `
gateway_host: "localhost"
gateway_token: "file"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GatewayToken != "override" {
		t.Errorf("GatewayToken = %q, want override", cfg.GatewayToken)
	}
	if cfg.GatewayPort != 7000 {
		t.Errorf("GatewayPort = %d, want 7000", cfg.GatewayPort)
	}
	if !cfg.CanvasEnabled {
		t.Error("CanvasEnabled should be overridden to true")
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("COVEN_NODE_GATEWAY_HOST", "env-host")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.GatewayHost != "env-host" {
		t.Errorf("GatewayHost = %q", cfg.GatewayHost)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"no gateway", "a.yaml", `node_id: "x"`, "gateway_url or gateway_host is required"},
		{"bad duration", "b.yaml", "gateway_host: h\ntimeouts:\n  request: \"soon\"", "parsing request"},
		{"bad backend", "c.yaml", "gateway_host: h\ncanvas_backend: firefox", "canvas_backend"},
		{"bad level", "d.yaml", "gateway_host: h\nlogging:\n  level: loud", "logging.level"},
		{"bad scheme", "e.yaml", "gateway_url: ftp://h", "unsupported scheme"},
		{"reconnect order", "f.yaml", "gateway_host: h\ntimeouts:\n  reconnect_min: 1m\n  reconnect_max: 1s", "exceeds"},
		{"unknown format", "g.ini", "gateway_host=h", "unsupported config format"},
		{"bad yaml", "h.yaml", "gateway_host: [", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_NODE_CONFIG", "/custom/node.toml")
	if got := DefaultPath(); got != "/custom/node.toml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("COVEN_NODE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "node.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
