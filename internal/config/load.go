package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ConfigPath picks the config file path: CLI > env > platform default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if env.APIURL != "" {
		cfg.APIURL = env.APIURL
	}

	if cli.DataDir != nil {
		cfg.DataDir = *cli.DataDir
	}

	if cli.APIURL != nil {
		cfg.APIURL = *cli.APIURL
	}

	if cli.LogLevel != nil {
		cfg.LogLevel = *cli.LogLevel
	}

	// Overrides may have replaced file values, so check again.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	resolved.ConfigPath = cfgPath

	return resolved, nil
}

// resolve converts a validated Config into its effective form.
func (c *Config) resolve() (*Resolved, error) {
	var errs []error

	dur := func(key, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}

		return d
	}

	r := &Resolved{
		APIURL:           c.APIURL,
		NotifyURL:        c.NotifyURL,
		RequestTimeout:   dur("request_timeout", c.RequestTimeout),
		Websocket:        c.Websocket,
		PollInterval:     dur("poll_interval", c.PollInterval),
		BaseBackoff:      dur("base_backoff", c.BaseBackoff),
		MaxBackoff:       dur("max_backoff", c.MaxBackoff),
		MaxAttempts:      c.MaxAttempts,
		ExhaustionPolicy: c.ExhaustionPolicy,
		BatchSize:        c.BatchSize,
		DataDir:          expandTilde(c.DataDir),
		LogLevel:         c.LogLevel,
		LogFormat:        c.LogFormat,
	}

	if r.DataDir == "" {
		r.DataDir = DefaultDataDir()
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return r, nil
}
