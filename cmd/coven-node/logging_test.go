// ABOUTME: Tests for the console log handlers: color output format, groups and level filtering.
// ABOUTME: Color is disabled so assertions see plain text.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/2389/coven-node/internal/config"
)

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "color"}, &buf)
	logger.With("component", "runner").WithGroup("gw").Info("connected", "node_id", "n1")
	logger.Debug("details")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "INF connected component=runner gw.node_id=n1") {
		t.Errorf("unexpected line %q", lines[0])
	}
	if !strings.Contains(lines[1], "DBG details") {
		t.Errorf("unexpected line %q", lines[1])
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "device_id", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"device_id":"abc"`) {
		t.Errorf("missing attr: %s", out)
	}
}
