package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var baixasCmd = &cobra.Command{
	Use:   "baixas [seller-id]",
	Short: "Run one Baixa Scheduler daily pass for a seller",
	Args:  cobra.ExactArgs(1),
	RunE:  runBaixas,
}

func init() {
	rootCmd.AddCommand(baixasCmd)
}

func runBaixas(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	ctx := context.Background()

	sellerID, err := parseSellerID(args[0])
	if err != nil {
		return err
	}

	app, err := newApp(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize app")
	}
	defer app.Close()

	seller, err := app.Sellers.GetByID(ctx, sellerID)
	if err != nil {
		log.Fatal().Err(err).Msg("seller lookup failed")
	}

	summary, err := app.Baixa.RunDaily(ctx, seller, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("baixas run failed")
	}
	log.Info().
		Int("considered", summary.Considered).
		Int("enqueued", summary.Enqueued).
		Int("unknown", summary.Unknown).
		Msg("baixas pass complete")
	return nil
}
