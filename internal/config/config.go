// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for fitsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// Keys are flat at the top level of the file; the embedded structs only
// group them in code.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	ServerConfig
	SyncConfig
	StorageConfig
	LoggingConfig
}

// ServerConfig locates the backend and bounds individual requests.
type ServerConfig struct {
	APIURL         string `toml:"api_url"`
	NotifyURL      string `toml:"notify_url"` // empty = derived from api_url
	RequestTimeout string `toml:"request_timeout"`
	Websocket      bool   `toml:"websocket"`
}

// SyncConfig controls the mutation queue drainer and the background runner.
type SyncConfig struct {
	PollInterval     string `toml:"poll_interval"`
	BaseBackoff      string `toml:"base_backoff"`
	MaxBackoff       string `toml:"max_backoff"`
	MaxAttempts      int    `toml:"max_attempts"`
	ExhaustionPolicy string `toml:"exhaustion_policy"`
	BatchSize        int    `toml:"batch_size"`
}

// StorageConfig controls where local state lives.
type StorageConfig struct {
	DataDir string `toml:"data_dir"` // empty = platform default
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	APIURL     *string // --api-url flag
	LogLevel   *string // --verbose / --debug / --quiet
}

// Resolved is the effective configuration after all override layers, with
// durations parsed and paths expanded.
type Resolved struct {
	ConfigPath string

	APIURL         string
	NotifyURL      string
	RequestTimeout time.Duration
	Websocket      bool

	PollInterval     time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	ExhaustionPolicy string
	BatchSize        int

	DataDir string

	LogLevel  string
	LogFormat string
}
