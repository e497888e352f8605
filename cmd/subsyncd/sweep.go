package main

import (
	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweeper pass and exit",
	Long:  "Execute due downgrades, expire discounts and retry unsynced discount prices once. Suitable for cron.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig((*config.Config).Validate)
		if err != nil {
			return err
		}
		log := newLogger(cfg.Log, nil)

		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.sweeper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		log.Info().
			Bool("skipped", report.Skipped).
			Int("downgraded", report.Downgraded).
			Int("discounts_expired", report.DiscountsExpired).
			Int("discounts_synced", report.DiscountsSynced).
			Int("failed", report.Failed).
			Msg("sweep finished")
		return nil
	},
}
