// Package config holds the datanav runtime configuration, loaded with Viper.
package config

import "time"

// Config represents the core datanav configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the datanav HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SyncConfig configures job execution and the connection handshake
type SyncConfig struct {
	// MaxJobDurationSeconds is the time budget for a single job run.
	// A fetch cut short by this budget continues in a new job.
	MaxJobDurationSeconds int `mapstructure:"max_job_duration_seconds"`

	// LoadTimeoutSeconds bounds how long load_data waits for completion
	LoadTimeoutSeconds int `mapstructure:"load_timeout_seconds"`

	// PollIntervalMS is the cadence for job-completion polling
	PollIntervalMS int `mapstructure:"poll_interval_ms"`

	// StaleJobThresholdSeconds is the age past which a running job with no
	// heartbeat is reaped by cleanup
	StaleJobThresholdSeconds int `mapstructure:"stale_job_threshold_seconds"`

	// AskTimeoutSeconds is the TTL of a pending consent request
	AskTimeoutSeconds int `mapstructure:"ask_timeout_seconds"`

	// HTTPMaxRequestsPerMinute paces loader fetches against remote APIs
	HTTPMaxRequestsPerMinute int `mapstructure:"http_max_requests_per_minute"`
}

// PulseConfig configures the recurring report scheduler
type PulseConfig struct {
	// TickerIntervalSeconds is how often the ticker evaluates pulse configs
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"`

	// Timezone is the default cron timezone when a config leaves it empty
	Timezone string `mapstructure:"timezone"`
}

// MaxJobDuration returns the job time budget as a duration
func (c SyncConfig) MaxJobDuration() time.Duration {
	return time.Duration(c.MaxJobDurationSeconds) * time.Second
}

// LoadTimeout returns the load_data wait bound as a duration
func (c SyncConfig) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSeconds) * time.Second
}

// PollInterval returns the completion polling cadence as a duration
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StaleJobThreshold returns the reaping threshold as a duration
func (c SyncConfig) StaleJobThreshold() time.Duration {
	return time.Duration(c.StaleJobThresholdSeconds) * time.Second
}

// AskTimeout returns the consent-request TTL as a duration
func (c SyncConfig) AskTimeout() time.Duration {
	return time.Duration(c.AskTimeoutSeconds) * time.Second
}

// TickerInterval returns the pulse evaluation cadence as a duration
func (c PulseConfig) TickerInterval() time.Duration {
	return time.Duration(c.TickerIntervalSeconds) * time.Second
}
