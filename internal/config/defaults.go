package config

// Default values for configuration options. These are "layer 0" of the
// override chain and match the sync core's own zero-value defaults.
const (
	defaultAPIURL           = "https://api.stridekit.app"
	defaultRequestTimeout   = "30s"
	defaultPollInterval     = "5m"
	defaultBaseBackoff      = "2s"
	defaultMaxBackoff       = "30m"
	defaultMaxAttempts      = 10
	defaultExhaustionPolicy = "park"
	defaultBatchSize        = 50
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig:  defaultServerConfig(),
		SyncConfig:    defaultSyncConfig(),
		StorageConfig: StorageConfig{},
		LoggingConfig: defaultLoggingConfig(),
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		APIURL:         defaultAPIURL,
		RequestTimeout: defaultRequestTimeout,
		Websocket:      true,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		PollInterval:     defaultPollInterval,
		BaseBackoff:      defaultBaseBackoff,
		MaxBackoff:       defaultMaxBackoff,
		MaxAttempts:      defaultMaxAttempts,
		ExhaustionPolicy: defaultExhaustionPolicy,
		BatchSize:        defaultBatchSize,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
