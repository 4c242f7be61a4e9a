package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	// Create isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "datanav.db", cfg.Database.Path)
	assert.Equal(t, 8480, cfg.Server.Port)
	assert.Equal(t, 55*time.Second, cfg.Sync.MaxJobDuration())
	assert.Equal(t, 10*time.Minute, cfg.Sync.LoadTimeout())
	assert.Equal(t, time.Second, cfg.Sync.PollInterval())
	assert.Equal(t, 30*time.Minute, cfg.Sync.StaleJobThreshold())
	assert.Equal(t, 5*time.Minute, cfg.Sync.AskTimeout())
	assert.Equal(t, time.Minute, cfg.Pulse.TickerInterval())
	assert.Equal(t, "UTC", cfg.Pulse.Timezone)
}

func TestOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("sync.max_job_duration_seconds", 120)
	v.Set("pulse.timezone", "Europe/Berlin")

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Sync.MaxJobDuration())
	assert.Equal(t, "Europe/Berlin", cfg.Pulse.Timezone)
}
