package commands

import (
	"github.com/spf13/cobra"

	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
)

// MigrateCmd applies pending database migrations
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}

		// OpenWithMigrations applies anything pending on the way in.
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		logger.Infow("Database is up to date", "path", cfg.Database.Path)
		return nil
	},
}
