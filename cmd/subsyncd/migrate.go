package main

import (
	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/config"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subscription/logger/zerolog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the storage schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig((*config.Config).ValidateStorage)
		if err != nil {
			return err
		}
		log := newLogger(cfg.Log, nil)

		b, err := openBackend(cmd.Context(), cfg.Storage, zerologadapter.NewLogger(log))
		if err != nil {
			return err
		}
		defer b.Close()

		if b.migrator == nil {
			log.Info().Str("driver", cfg.Storage.Driver).Msg("driver has no schema to migrate")
			return nil
		}
		if err := b.migrator.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("driver", cfg.Storage.Driver).Msg("schema migrated")
		return nil
	},
}
