package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridekit/fitsync/internal/config"
	"github.com/stridekit/fitsync/internal/credstore"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()

	f, err := os.Create(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return f
}

func TestBuildLogger_Levels(t *testing.T) {
	out := tempFile(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     *config.Resolved
		flags   CLIFlags
		enabled slog.Level
		muted   slog.Level
	}{
		{"default info", nil, CLIFlags{}, slog.LevelInfo, slog.LevelDebug},
		{"config debug", &config.Resolved{LogLevel: "debug", LogFormat: "text"}, CLIFlags{}, slog.LevelDebug, slog.LevelDebug - 1},
		{"config warn", &config.Resolved{LogLevel: "warn", LogFormat: "text"}, CLIFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"verbose beats config", &config.Resolved{LogLevel: "error", LogFormat: "text"}, CLIFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet beats config", &config.Resolved{LogLevel: "debug", LogFormat: "text"}, CLIFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := buildLogger(tt.cfg, tt.flags, out)
			assert.True(t, logger.Enabled(ctx, tt.enabled))
			assert.False(t, logger.Enabled(ctx, tt.muted))
		})
	}
}

func TestBuildLogger_Format(t *testing.T) {
	out := tempFile(t)

	jsonLogger := buildLogger(&config.Resolved{LogLevel: "info", LogFormat: "json"}, CLIFlags{}, out)
	_, isJSON := jsonLogger.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)

	textLogger := buildLogger(&config.Resolved{LogLevel: "info", LogFormat: "text"}, CLIFlags{}, out)
	_, isText := textLogger.Handler().(*slog.TextHandler)
	assert.True(t, isText)
}

func TestUseJSONLogs_AutoOnRegularFile(t *testing.T) {
	out := tempFile(t)

	assert.True(t, useJSONLogs("auto", out), "a file is not a terminal")
	assert.True(t, useJSONLogs("json", out))
	assert.False(t, useJSONLogs("text", out))
}

func TestMustCLIContext(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })

	cc := &CLIContext{Flags: CLIFlags{JSON: true}}
	ctx := context.WithValue(context.Background(), cliContextKey{}, cc)
	assert.Same(t, cc, mustCLIContext(ctx))
}

func TestCLIOverrides_OnlyChangedFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--data-dir", "/tmp/fs"}))

	cli := cliOverrides(cmd, CLIFlags{DataDir: "/tmp/fs", ConfigPath: "/etc/fitsync.toml"})
	require.NotNil(t, cli.DataDir)
	assert.Equal(t, "/tmp/fs", *cli.DataDir)
	assert.Nil(t, cli.APIURL)
	assert.Equal(t, "/etc/fitsync.toml", cli.ConfigPath)
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	cmd := newRootCmd()

	want := []string{"login", "register", "logout", "whoami", "status", "settings", "queue", "sync", "nudge", "config"}
	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRestartKeys(t *testing.T) {
	prev := &config.Resolved{
		APIURL:       "https://api.stridekit.app",
		PollInterval: 5 * time.Minute,
		MaxAttempts:  10,
		LogLevel:     "info",
	}

	next := *prev
	next.PollInterval = time.Minute
	assert.Empty(t, restartKeys(prev, &next), "poll interval applies live")

	next.APIURL = "https://staging.stridekit.app"
	next.MaxAttempts = 3
	assert.Equal(t, []string{"api_url", "max_attempts"}, restartKeys(prev, &next))
}

func TestParsePatch(t *testing.T) {
	patch, err := parsePatch([]string{"step_goal=8000", "calorie_goal_override=none", "reminders_enabled=true"})
	require.NoError(t, err)
	assert.Equal(t, 8000, patch["step_goal"])
	assert.Nil(t, patch["calorie_goal_override"])
	assert.Contains(t, patch, "calorie_goal_override")
	assert.Equal(t, true, patch["reminders_enabled"])

	_, err = parsePatch([]string{"=5"})
	assert.ErrorContains(t, err, "expected field=value")

	_, err = parsePatch([]string{"step_goal=lots"})
	assert.Error(t, err)
}

type fakeCreds struct {
	creds *credstore.Credentials
	err   error
}

func (f fakeCreds) Get(context.Context) (*credstore.Credentials, error) { return f.creds, f.err }

func TestTokenState(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	state, _, err := tokenState(ctx, fakeCreds{}, now)
	require.NoError(t, err)
	assert.Equal(t, tokenStateMissing, state)

	state, _, err = tokenState(ctx, fakeCreds{creds: &credstore.Credentials{AccessToken: "a", RefreshToken: "r"}}, now)
	require.NoError(t, err)
	assert.Equal(t, tokenStateUnknown, state)

	state, exp, err := tokenState(ctx, fakeCreds{creds: &credstore.Credentials{Expiry: now.Add(-time.Minute)}}, now)
	require.NoError(t, err)
	assert.Equal(t, tokenStateExpired, state)
	assert.Equal(t, now.Add(-time.Minute), exp)

	state, _, err = tokenState(ctx, fakeCreds{creds: &credstore.Credentials{Expiry: now.Add(time.Hour)}}, now)
	require.NoError(t, err)
	assert.Equal(t, tokenStateValid, state)

	_, _, err = tokenState(ctx, fakeCreds{err: errors.New("db locked")}, now)
	assert.ErrorContains(t, err, "db locked")
}

func TestReadPasswordLine(t *testing.T) {
	pw, err := readPasswordLine(strings.NewReader("hunter2\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	_, err = readPasswordLine(strings.NewReader(""))
	assert.ErrorContains(t, err, "no password given")
}
