package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minRequestTimeout = time.Second
	maxRequestTimeout = 10 * time.Minute
	minPollInterval   = 10 * time.Second
	minBaseBackoff    = 100 * time.Millisecond
	minMaxAttempts    = 1
	maxMaxAttempts    = 1000
	minBatchSize      = 1
	maxBatchSize      = 1000
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateSync(&cfg.SyncConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	errs = append(errs, validateURL("api_url", s.APIURL, "http", "https")...)

	if s.NotifyURL != "" {
		errs = append(errs, validateURL("notify_url", s.NotifyURL, "ws", "wss")...)
	}

	d, err := time.ParseDuration(s.RequestTimeout)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("request_timeout: invalid duration %q: %w", s.RequestTimeout, err))
	case d < minRequestTimeout || d > maxRequestTimeout:
		errs = append(errs, fmt.Errorf("request_timeout: must be between %s and %s, got %s",
			minRequestTimeout, maxRequestTimeout, d))
	}

	return errs
}

func validateURL(field, raw string, schemes ...string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: must be an absolute %s URL, got %q", field, schemes, raw)}
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("poll_interval", s.PollInterval, minPollInterval)...)

	base, baseErr := validateDuration("base_backoff", s.BaseBackoff, minBaseBackoff)
	if baseErr != nil {
		errs = append(errs, baseErr)
	}

	maxDelay, maxErr := validateDuration("max_backoff", s.MaxBackoff, minBaseBackoff)
	if maxErr != nil {
		errs = append(errs, maxErr)
	}

	if baseErr == nil && maxErr == nil && maxDelay < base {
		errs = append(errs, fmt.Errorf("max_backoff: must be >= base_backoff (%s), got %s", base, maxDelay))
	}

	if s.MaxAttempts < minMaxAttempts || s.MaxAttempts > maxMaxAttempts {
		errs = append(errs, fmt.Errorf("max_attempts: must be between %d and %d, got %d",
			minMaxAttempts, maxMaxAttempts, s.MaxAttempts))
	}

	if s.BatchSize < minBatchSize || s.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("batch_size: must be between %d and %d, got %d",
			minBatchSize, maxBatchSize, s.BatchSize))
	}

	errs = append(errs, validateExhaustionPolicy(s.ExhaustionPolicy)...)

	return errs
}

var validExhaustionPolicies = map[string]bool{
	"park": true,
	"drop": true,
}

func validateExhaustionPolicy(p string) []error {
	if !validExhaustionPolicies[p] {
		return []error{fmt.Errorf("exhaustion_policy: must be one of park, drop; got %q", p)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return 0, fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return d, nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if _, err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

// ParseLogLevel maps a validated log_level value to its slog level.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WarnIneffective logs a warning for settings that are valid but have no
// effect in the current combination, so users do not assume they apply.
func WarnIneffective(r *Resolved, logger *slog.Logger) {
	if !r.Websocket && r.NotifyURL != "" {
		logger.Warn("notify_url is set but websocket is disabled; value will be ignored",
			slog.String("field", "notify_url"))
	}
}
