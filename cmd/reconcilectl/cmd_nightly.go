package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var nightlyCmd = &cobra.Command{
	Use:   "nightly",
	Short: "Run sync, baixas and the automatic daily close for every active seller (spec.md §9 nightly pipeline)",
	RunE:  runNightly,
}

func init() {
	rootCmd.AddCommand(nightlyCmd)
}

func runNightly(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	ctx := context.Background()

	app, err := newApp(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize app")
	}
	defer app.Close()

	if err := app.RunNightlyPipeline(ctx, time.Now()); err != nil {
		log.Fatal().Err(err).Msg("nightly pipeline failed")
	}
	log.Info().Msg("nightly pipeline complete")
	return nil
}
