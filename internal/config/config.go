// ABOUTME: Configuration loading and parsing for coven-node
// ABOUTME: Reads YAML, TOML or JSON by extension, expands ${VAR}, then overlays COVEN_NODE_* env vars

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. COVEN_NODE_GATEWAY_TOKEN.
const EnvPrefix = "COVEN_NODE"

// DefaultGatewayPort is the gateway's conventional port.
const DefaultGatewayPort = 18789

// Config represents the complete coven-node configuration
type Config struct {
	NodeID      string `yaml:"node_id" toml:"node_id" json:"node_id"`
	DisplayName string `yaml:"display_name" toml:"display_name" json:"display_name"`

	GatewayURL   string `yaml:"gateway_url" toml:"gateway_url" json:"gateway_url"`
	GatewayHost  string `yaml:"gateway_host" toml:"gateway_host" json:"gateway_host"`
	GatewayPort  int    `yaml:"gateway_port" toml:"gateway_port" json:"gateway_port"`
	GatewayPath  string `yaml:"gateway_path" toml:"gateway_path" json:"gateway_path"`
	GatewayTLS   bool   `yaml:"gateway_tls" toml:"gateway_tls" json:"gateway_tls"`
	GatewayToken string `yaml:"gateway_token" toml:"gateway_token" json:"gateway_token"`

	SystemEnabled  bool   `yaml:"system_enabled" toml:"system_enabled" json:"system_enabled"`
	CanvasEnabled  bool   `yaml:"canvas_enabled" toml:"canvas_enabled" json:"canvas_enabled"`
	CanvasBackend  string `yaml:"canvas_backend" toml:"canvas_backend" json:"canvas_backend"`
	CanvasHome     string `yaml:"canvas_home" toml:"canvas_home" json:"canvas_home"`
	CanvasHeadless bool   `yaml:"canvas_headless" toml:"canvas_headless" json:"canvas_headless"`

	ExecApprovalsPath string `yaml:"exec_approvals_path" toml:"exec_approvals_path" json:"exec_approvals_path"`
	IdentityPath      string `yaml:"identity_path" toml:"identity_path" json:"identity_path"`
	LedgerPath        string `yaml:"ledger_path" toml:"ledger_path" json:"ledger_path"`

	Timeouts TimeoutsConfig `yaml:"timeouts" toml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics" json:"metrics"`
	Status   StatusConfig   `yaml:"status" toml:"status" json:"status"`
}

// TimeoutsConfig holds connection and process timing
type TimeoutsConfig struct {
	Handshake        time.Duration `yaml:"-" toml:"-" json:"-"`
	Request          time.Duration `yaml:"-" toml:"-" json:"-"`
	ReconnectMin     time.Duration `yaml:"-" toml:"-" json:"-"`
	ReconnectMax     time.Duration `yaml:"-" toml:"-" json:"-"`
	PairingRetry     time.Duration `yaml:"-" toml:"-" json:"-"`
	ProcessRetention time.Duration `yaml:"-" toml:"-" json:"-"`

	// Raw string values for unmarshaling
	HandshakeRaw        string `yaml:"handshake" toml:"handshake" json:"handshake"`
	RequestRaw          string `yaml:"request" toml:"request" json:"request"`
	ReconnectMinRaw     string `yaml:"reconnect_min" toml:"reconnect_min" json:"reconnect_min"`
	ReconnectMaxRaw     string `yaml:"reconnect_max" toml:"reconnect_max" json:"reconnect_max"`
	PairingRetryRaw     string `yaml:"pairing_retry" toml:"pairing_retry" json:"pairing_retry"`
	ProcessRetentionRaw string `yaml:"process_retention" toml:"process_retention" json:"process_retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" toml:"addr" json:"addr"`
}

// StatusConfig holds the local gRPC status endpoint the tray polls
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" toml:"addr" json:"addr"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coven-node"
	}
	return &Config{
		NodeID:            host,
		DisplayName:       host,
		GatewayPort:       DefaultGatewayPort,
		GatewayPath:       "/ws",
		SystemEnabled:     true,
		CanvasBackend:     "none",
		CanvasHome:        "about:blank",
		CanvasHeadless:    true,
		ExecApprovalsPath: "~/.coven/exec-approvals.json",
		IdentityPath:      "~/.coven/node_ed25519",
		LedgerPath:        "~/.coven/node.db",
		Timeouts: TimeoutsConfig{
			Handshake:        5 * time.Second,
			Request:          15 * time.Second,
			ReconnectMin:     time.Second,
			ReconnectMax:     30 * time.Second,
			PairingRetry:     10 * time.Second,
			ProcessRetention: 5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
		Status:  StatusConfig{Enabled: true, Addr: "127.0.0.1:18790"},
	}
}

// DefaultPath returns the config file location: COVEN_NODE_CONFIG, then
// $XDG_CONFIG_HOME/coven/node.yaml, then ~/.config/coven/node.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "coven", "node.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "node.yaml"
	}
	return filepath.Join(home, ".config", "coven", "node.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, COVEN_NODE_*
// variables override file values, and duration strings are parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads path when it exists and otherwise starts from Default.
// Environment overrides apply either way.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := expandPaths(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal([]byte(content), cfg)
	case ".toml":
		_, err := toml.Decode(content, cfg)
		return err
	case ".json":
		return json.Unmarshal([]byte(content), cfg)
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .toml or .json)", filepath.Ext(path))
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// GatewayEndpoint returns the WebSocket URL to dial.
func (c *Config) GatewayEndpoint() (string, error) {
	if c.GatewayURL != "" {
		u, err := url.Parse(c.GatewayURL)
		if err != nil {
			return "", fmt.Errorf("gateway_url: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss":
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		default:
			return "", fmt.Errorf("gateway_url: unsupported scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return "", fmt.Errorf("gateway_url: missing host")
		}
		return u.String(), nil
	}

	if c.GatewayHost == "" {
		return "", fmt.Errorf("gateway_url or gateway_host is required")
	}
	scheme := "ws"
	if c.GatewayTLS {
		scheme = "wss"
	}
	path := c.GatewayPath
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.GatewayHost, strconv.Itoa(c.GatewayPort)),
		Path:   path,
	}
	return u.String(), nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if _, err := c.GatewayEndpoint(); err != nil {
		return err
	}
	if c.GatewayURL == "" && (c.GatewayPort <= 0 || c.GatewayPort > 65535) {
		return fmt.Errorf("gateway_port %d is out of range", c.GatewayPort)
	}

	switch c.CanvasBackend {
	case "chrome", "none":
	default:
		return fmt.Errorf("canvas_backend must be chrome or none, got %q", c.CanvasBackend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "color":
	default:
		return fmt.Errorf("logging.format must be text, json or color, got %q", c.Logging.Format)
	}

	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"timeouts.handshake":         t.Handshake,
		"timeouts.request":           t.Request,
		"timeouts.reconnect_min":     t.ReconnectMin,
		"timeouts.reconnect_max":     t.ReconnectMax,
		"timeouts.pairing_retry":     t.PairingRetry,
		"timeouts.process_retention": t.ProcessRetention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if t.ReconnectMin > t.ReconnectMax {
		return fmt.Errorf("timeouts.reconnect_min (%s) exceeds timeouts.reconnect_max (%s)", t.ReconnectMin, t.ReconnectMax)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if c.Status.Enabled && c.Status.Addr == "" {
		return fmt.Errorf("status.addr is required when status is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	t := &cfg.Timeouts
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake", t.HandshakeRaw, &t.Handshake},
		{"request", t.RequestRaw, &t.Request},
		{"reconnect_min", t.ReconnectMinRaw, &t.ReconnectMin},
		{"reconnect_max", t.ReconnectMaxRaw, &t.ReconnectMax},
		{"pairing_retry", t.PairingRetryRaw, &t.PairingRetry},
		{"process_retention", t.ProcessRetentionRaw, &t.ProcessRetention},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func expandPaths(cfg *Config) error {
	for _, p := range []*string{&cfg.ExecApprovalsPath, &cfg.IdentityPath, &cfg.LedgerPath} {
		expanded, err := ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
