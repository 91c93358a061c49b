package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "CLOUDLINK_CONFIG"
	EnvCredentials = "CLOUDLINK_CREDENTIALS"
	EnvBaseURL     = "CLOUDLINK_BASE_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath      string // CLOUDLINK_CONFIG: override config file path
	CredentialsFile string // CLOUDLINK_CREDENTIALS: service-account bundle
	BaseURL         string // CLOUDLINK_BASE_URL: API base URL
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:      os.Getenv(EnvConfig),
		CredentialsFile: os.Getenv(EnvCredentials),
		BaseURL:         os.Getenv(EnvBaseURL),
	}
}
