package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/vinescrow/mlca-reconciler/internal/backfill"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill [seller-id]",
	Short: "Run the onboarding backfill for a newly-activated seller",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
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

	runner := backfill.New(app.ML, app.Payments, app.Expenses, app.Sellers, app.Classifier, app.Expense, log)
	if err := runner.Run(ctx, seller, time.Now()); err != nil {
		log.Fatal().Err(err).Msg("backfill failed")
	}
	log.Info().Int32("seller_id", seller.ID).Msg("backfill complete")
	return nil
}
