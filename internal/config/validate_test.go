package config

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invalidEnumStr = "invalid-value"

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"api_url scheme", func(c *Config) { c.APIURL = "ftp://x" }, "api_url"},
		{"api_url relative", func(c *Config) { c.APIURL = "/v1" }, "api_url"},
		{"notify_url scheme", func(c *Config) { c.NotifyURL = "http://x" }, "notify_url"},
		{"request_timeout too short", func(c *Config) { c.RequestTimeout = "10ms" }, "request_timeout"},
		{"request_timeout unparsable", func(c *Config) { c.RequestTimeout = "soon" }, "request_timeout"},
		{"poll_interval too short", func(c *Config) { c.PollInterval = "1s" }, "poll_interval"},
		{"base_backoff too short", func(c *Config) { c.BaseBackoff = "1ms" }, "base_backoff"},
		{"max below base", func(c *Config) { c.BaseBackoff = "10s"; c.MaxBackoff = "5s" }, "max_backoff"},
		{"max_attempts zero", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"batch_size too large", func(c *Config) { c.BatchSize = 5000 }, "batch_size"},
		{"exhaustion policy", func(c *Config) { c.ExhaustionPolicy = invalidEnumStr }, "exhaustion_policy"},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_WebsocketURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NotifyURL = "wss://events.stridekit.app/v1/events"
	assert.NoError(t, Validate(cfg))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("error"))
}

func TestWarnIneffective(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	WarnIneffective(&Resolved{Websocket: false, NotifyURL: "ws://x"}, logger)
	assert.Contains(t, buf.String(), "notify_url")

	buf.Reset()
	WarnIneffective(&Resolved{Websocket: true, NotifyURL: "ws://x"}, logger)
	assert.Empty(t, buf.String())
}
