package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
)

func TestRegisterConnectorsSkipsUnconfigured(t *testing.T) {
	registry := connector.NewRegistry()
	registerConnectors(registry, &config.Config{})
	assert.Empty(t, registry.List())
}

func TestRegisterConnectorsBuildsWorkingLoaders(t *testing.T) {
	t.Setenv("DATANAV_CRM_BASE_URL", "https://crm.test")
	t.Setenv("DATANAV_CRM_CLIENT_ID", "cid")
	t.Setenv("DATANAV_CRM_CLIENT_SECRET", "secret")
	t.Setenv("DATANAV_CRM_REDIRECT_URL", "https://app.test/callback")
	t.Setenv("DATANAV_FINAGG_BASE_URL", "https://agg.test")
	t.Setenv("DATANAV_WAREHOUSE_DSN", ":memory:")

	registry := connector.NewRegistry()
	cfg := &config.Config{}
	cfg.Sync.HTTPMaxRequestsPerMinute = 60
	registerConnectors(registry, cfg)

	creds := connector.Credentials{AccessToken: "tok"}
	for _, id := range []string{"crm", "finagg", "warehouse"} {
		c, err := registry.Get(id)
		require.NoError(t, err)
		require.NotEmpty(t, c.Resources, "connector %s", id)

		// Each registered factory must hand back a loader that knows its
		// resources; a factory configured without them cannot sync anything.
		l, err := c.NewLoader(creds)
		require.NoError(t, err, "connector %s", id)
		require.NotNil(t, l, "connector %s", id)
	}
}
