package main

import (
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		rwdb, err := store.InitDatabase(settings.Settings, false)
		if err != nil {
			return err
		}
		defer rwdb.Close()

		if err := store.RunMigrations(rwdb, settings.Settings.GooseDialect()); err != nil {
			return err
		}
		log.Info().Str("driver", settings.Settings.DBDriver).Msg("migrations applied")
		return nil
	},
}
