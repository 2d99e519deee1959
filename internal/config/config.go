package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime settings for the rules engine and API.
// Values are read from the environment; cmd mains load an optional
// .env file first.
type Config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	Debug        bool   `envconfig:"DEBUG" default:"false"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"trading.db"`
	JWTSecret    string `envconfig:"JWT_SECRET" default:"change-this-in-production"`

	// Scheduler
	CheckIntervalSeconds  int `envconfig:"CHECK_INTERVAL_SECONDS" default:"10"`
	RequestTimeoutSeconds int `envconfig:"REQUEST_TIMEOUT_SECONDS" default:"10"`
	// Reserved for a future in-tick executor retry policy.
	MaxRetries int `envconfig:"MAX_RETRIES" default:"3"`

	// Collaborator selection, decided once at startup.
	OracleMode    string `envconfig:"ORACLE_MODE" default:"coingecko"` // coingecko or simulated
	ExecutorMode  string `envconfig:"EXECUTOR_MODE" default:"simulated"` // simulated or drift
	OracleBaseURL string `envconfig:"ORACLE_BASE_URL" default:"https://api.coingecko.com"`
}

// CheckInterval returns the tick cadence shared by all rule schedules.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// RequestTimeout bounds every oracle and executor call made inside a tick.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error processing env config: %w", err)
	}
	return cfg, nil
}
