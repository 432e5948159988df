package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg, "template holds only commented defaults")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())

	assert.ErrorContains(t, WriteDefault(path), "already exists")
}

func TestSetKey_ReplacesCommentedDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteDefault(path))

	require.NoError(t, SetKey(path, "exhaustion_policy", "drop"))
	require.NoError(t, SetKey(path, "max_attempts", "4"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "drop", cfg.ExhaustionPolicy)
	assert.Equal(t, 4, cfg.MaxAttempts)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# fitsync configuration", "comments are preserved")
	assert.NotContains(t, string(data), `# exhaustion_policy = "park"`)
}

func TestSetKey_ReplacesLiveAssignment(t *testing.T) {
	path := writeTestConfig(t, "batch_size = 10\n")

	require.NoError(t, SetKey(path, "batch_size", "25"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "batch_size = 25\n", string(data))
}

func TestSetKey_AppendsWhenAbsent(t *testing.T) {
	path := writeTestConfig(t, "batch_size = 10\n")

	require.NoError(t, SetKey(path, "websocket", "false"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "batch_size = 10\nwebsocket = false\n", string(data))
}

func TestSetKey_RejectsInvalid(t *testing.T) {
	path := writeTestConfig(t, "batch_size = 10\n")

	assert.ErrorContains(t, SetKey(path, "batchsize", "5"), `did you mean "batch_size"`)
	assert.ErrorContains(t, SetKey(path, "exhaustion_policy", "retry"), "exhaustion_policy")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "batch_size = 10\n", string(data), "file unchanged after a rejected edit")
}

func TestSetKey_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, SetKey(path, "log_level", "debug"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFormatTOMLValue(t *testing.T) {
	assert.Equal(t, "true", formatTOMLValue("true"))
	assert.Equal(t, "42", formatTOMLValue("42"))
	assert.Equal(t, `"5m"`, formatTOMLValue("5m"))
}
