package commands

import (
	"os"

	"golang.org/x/oauth2"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/connector/finagg"
	"github.com/knoom0/datanav-sub002/connector/sqlsource"
	"github.com/knoom0/datanav-sub002/connector/webapi"
	"github.com/knoom0/datanav-sub002/logger"
)

// registerConnectors installs the built-in connectors whose sources are
// configured through the environment. A source with no configuration is
// simply not registered.
func registerConnectors(registry *connector.Registry, cfg *config.Config) {
	pacing := cfg.Sync.HTTPMaxRequestsPerMinute

	if baseURL := os.Getenv("DATANAV_CRM_BASE_URL"); baseURL != "" {
		resources := []connector.ResourceDescriptor{
			{Name: "contacts", IDColumn: "id", UpdatedColumn: "updated_at"},
			{Name: "companies", IDColumn: "id", UpdatedColumn: "updated_at"},
			{Name: "deals", IDColumn: "id", UpdatedColumn: "updated_at"},
		}
		registry.MustRegister(&connector.Config{
			ID:          "crm",
			Name:        "CRM",
			Description: "OAuth-gated CRM web API (contacts, companies, deals)",
			Resources:   resources,
			NewLoader: webapi.Factory(webapi.Options{
				BaseURL:   baseURL,
				Resources: resources,
				OAuth: oauth2.Config{
					ClientID:     os.Getenv("DATANAV_CRM_CLIENT_ID"),
					ClientSecret: os.Getenv("DATANAV_CRM_CLIENT_SECRET"),
					RedirectURL:  os.Getenv("DATANAV_CRM_REDIRECT_URL"),
					Endpoint: oauth2.Endpoint{
						AuthURL:  baseURL + "/oauth/authorize",
						TokenURL: baseURL + "/oauth/token",
					},
				},
				RequestsPerMinute: pacing,
			}),
		})
		logger.Infow("Registered connector", "connector_id", "crm")
	}

	if baseURL := os.Getenv("DATANAV_FINAGG_BASE_URL"); baseURL != "" {
		resources := []connector.ResourceDescriptor{
			{Name: "accounts", IDColumn: "id"},
			{Name: "transactions", IDColumn: "id"},
		}
		registry.MustRegister(&connector.Config{
			ID:          "finagg",
			Name:        "Financial Aggregator",
			Description: "Token-authenticated financial data aggregator",
			Resources:   resources,
			NewLoader: finagg.Factory(finagg.Options{
				BaseURL:           baseURL,
				Resources:         resources,
				RequestsPerMinute: pacing,
			}),
		})
		logger.Infow("Registered connector", "connector_id", "finagg")
	}

	if dsn := os.Getenv("DATANAV_WAREHOUSE_DSN"); dsn != "" {
		driver := os.Getenv("DATANAV_WAREHOUSE_DRIVER")
		if driver == "" {
			driver = "sqlite3"
		}
		registry.MustRegister(&connector.Config{
			ID:          "warehouse",
			Name:        "Warehouse",
			Description: "Direct SQL access to a reporting warehouse",
			Resources: []connector.ResourceDescriptor{
				{Name: "orders", IDColumn: "id", UpdatedColumn: "updated_at"},
			},
			NewLoader: sqlsource.Factory(sqlsource.Options{
				Driver: driver,
				DSN:    dsn,
				Resources: []connector.ResourceDescriptor{
					{Name: "orders", IDColumn: "id", UpdatedColumn: "updated_at"},
				},
			}),
		})
		logger.Infow("Registered connector", "connector_id", "warehouse")
	}
}
