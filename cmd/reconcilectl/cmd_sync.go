package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/vinescrow/mlca-reconciler/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [seller-id]",
	Short: "Run one Daily Sync Orchestrator pass for a seller",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var syncDryRun bool
var syncReprocess bool

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "enumerate without classifying")
	syncCmd.Flags().BoolVar(&syncReprocess, "reprocess-missing-fees", false, "reclassify terminal rows missing fee data")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
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

	opts := sync.DefaultWindow(time.Now())
	opts.DryRun = syncDryRun
	opts.ReprocessMissingFees = syncReprocess

	counters, err := app.Sync.Run(ctx, seller, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("sync run failed")
	}
	log.Info().
		Int("enumerated", counters.Enumerated).
		Int("orders_processed", counters.OrdersProcessed).
		Int("expenses_classified", counters.ExpensesClassified).
		Int("errors", counters.Errors).
		Msg("sync pass complete")
	return nil
}
