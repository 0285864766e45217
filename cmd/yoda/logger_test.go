// ABOUTME: Tests for the binary's slog handler selection and colour handler output
// ABOUTME: Colour is disabled so assertions see plain text

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/yoda/internal/config"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.With("component", "comms").Info("user connected", "conn_id", "abc")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF user connected component=comms conn_id=abc")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestNewLogger_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.WithGroup("bus").Debug("dispatch", "hook", "journal")
	assert.Contains(t, buf.String(), "DBG dispatch bus.hook=journal")
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "port", 1234)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.EqualValues(t, 1234, rec["port"])
}
