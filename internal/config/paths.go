package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "fitsync"

// File names inside the config and data directories.
const (
	configFileName   = "config.toml"
	databaseFileName = "fitsync.db"
	deviceFileName   = "device.json"
	pidFileName      = "fitsync.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/fitsync).
// On macOS, uses ~/Library/Application Support/fitsync.
// Other platforms fall back to ~/.config/fitsync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for local state
// (database, device file, pid file).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/fitsync).
// On macOS, config and data share ~/Library/Application Support/fitsync.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DatabasePath returns the local database path inside the resolved data dir.
func (r *Resolved) DatabasePath() string {
	return filepath.Join(r.DataDir, databaseFileName)
}

// DeviceFilePath returns the device identity file path.
func (r *Resolved) DeviceFilePath() string {
	return filepath.Join(r.DataDir, deviceFileName)
}

// PIDFilePath returns the single-instance guard path for sync --watch.
func (r *Resolved) PIDFilePath() string {
	return filepath.Join(r.DataDir, pidFileName)
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
