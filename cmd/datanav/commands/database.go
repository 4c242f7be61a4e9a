package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/db"
	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
)

// loadConfig resolves the runtime configuration, honoring --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	if path, _ := cmd.InheritedFlags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens the configured SQLite database with migrations applied.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	return database, nil
}
