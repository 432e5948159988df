package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is the config file written by "config init". Every setting
// is present as a commented-out default so users can discover each option
// without reading docs.
const configTemplate = `# fitsync configuration
# Uncomment and modify to override defaults.

# Backend base URL
# api_url = "https://api.stridekit.app"

# Websocket change notifications (empty notify_url = derived from api_url)
# websocket = true
# notify_url = ""

# Per-request timeout
# request_timeout = "30s"

# Background sync for sync --watch
# poll_interval = "5m"

# Retry delay after a failed push: base_backoff * 2^(attempts-1), capped
# base_backoff = "2s"
# max_backoff = "30m"

# What happens to a change that fails max_attempts times: park or drop
# max_attempts = 10
# exhaustion_policy = "park"

# Queue items pushed per drain cycle
# batch_size = 50

# Local state directory (default: platform standard location)
# data_dir = ""

# Log verbosity: debug, info, warn, error. Format: auto, text, json
# log_level = "info"
# log_format = "auto"
`

// WriteDefault creates a new config file from the default template. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	slog.Info("creating config file", slog.String("path", path))

	return atomicWriteFile(path, []byte(configTemplate))
}

// SetKey sets a top-level key in the config file, preserving comments and
// the order of other lines. An existing assignment (or its commented-out
// default from the template) is replaced in place; otherwise the key is
// appended. The result is loaded and validated before it replaces the file.
func SetKey(path, key, value string) error {
	if !knownGlobalKeys[key] {
		return buildGlobalKeyError(key)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte(configTemplate)
	} else if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))
	lines := setKeyLine(strings.Split(string(data), "\n"), key, newLine)
	content := []byte(strings.Join(lines, "\n"))

	if err := validateContent(path, content); err != nil {
		return err
	}

	slog.Info("setting config key", slog.String("path", path), slog.String("key", key))

	return atomicWriteFile(path, content)
}

// setKeyLine replaces the first live assignment of key, else the first
// commented-out one, else appends newLine.
func setKeyLine(lines []string, key, newLine string) []string {
	commented := -1

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if assigns(trimmed, key) {
			lines[i] = newLine
			return lines
		}

		if commented < 0 {
			if rest, ok := strings.CutPrefix(trimmed, "#"); ok && assigns(strings.TrimSpace(rest), key) {
				commented = i
			}
		}
	}

	if commented >= 0 {
		lines[commented] = newLine
		return lines
	}

	if n := len(lines); n > 0 && lines[n-1] == "" {
		return append(lines[:n-1], newLine, "")
	}

	return append(lines, newLine)
}

func assigns(line, key string) bool {
	rest, ok := strings.CutPrefix(line, key)
	if !ok {
		return false
	}

	return strings.HasPrefix(strings.TrimSpace(rest), "=")
}

// formatTOMLValue formats a value for TOML output. Booleans and integers
// are written bare; all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	if _, err := strconv.Atoi(value); err == nil {
		return value
	}

	return strconv.Quote(value)
}

// validateContent checks candidate file content by loading it from a
// scratch file next to path.
func validateContent(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-check-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	name := f.Name()
	defer os.Remove(name)

	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	_, err = Load(name)

	return err
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. Parent directories are created
// as needed. Files are created with configFilePermissions (0644).
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
