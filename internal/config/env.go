package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "FITSYNC_CONFIG"
	EnvDataDir = "FITSYNC_DATA_DIR"
	EnvAPIURL  = "FITSYNC_API_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // FITSYNC_CONFIG: override config file path
	DataDir    string // FITSYNC_DATA_DIR: local state directory
	APIURL     string // FITSYNC_API_URL: backend base URL
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		APIURL:     os.Getenv(EnvAPIURL),
	}
}
