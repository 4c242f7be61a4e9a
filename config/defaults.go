package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "datanav.db")

	// Server defaults
	v.SetDefault("server.port", 8480)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8480"})

	// Sync defaults
	v.SetDefault("sync.max_job_duration_seconds", 55)
	v.SetDefault("sync.load_timeout_seconds", 600)          // 10 minute load_data wait
	v.SetDefault("sync.poll_interval_ms", 1000)             // 1 second completion polling
	v.SetDefault("sync.stale_job_threshold_seconds", 1800)  // 30 minutes without heartbeat
	v.SetDefault("sync.ask_timeout_seconds", 300)           // 5 minute consent TTL
	v.SetDefault("sync.http_max_requests_per_minute", 60)   // polite fetch pacing

	// Pulse defaults
	v.SetDefault("pulse.ticker_interval_seconds", 60)
	v.SetDefault("pulse.timezone", "UTC")
}
