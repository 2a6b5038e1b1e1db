package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

var closeCmd = &cobra.Command{
	Use:   "close [seller-id] [statement-csv] [begin YYYY-MM-DD] [end YYYY-MM-DD]",
	Short: "Ingest a statement, check coverage, and archive the closing (spec.md §4.6)",
	Args:  cobra.ExactArgs(4),
	RunE:  runClose,
}

func init() {
	rootCmd.AddCommand(closeCmd)
}

func runClose(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	ctx := context.Background()

	sellerID, err := parseSellerID(args[0])
	if err != nil {
		return err
	}
	begin, err := time.Parse("2006-01-02", args[2])
	if err != nil {
		return fmt.Errorf("begin must be YYYY-MM-DD: %w", err)
	}
	end, err := time.Parse("2006-01-02", args[3])
	if err != nil {
		return fmt.Errorf("end must be YYYY-MM-DD: %w", err)
	}

	raw, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read statement csv: %w", err)
	}

	app, err := newApp(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize app")
	}
	defer app.Close()

	report, err := app.Closer.Close(ctx, sellerID, begin, end, raw)
	if err != nil {
		if errors.Is(err, domain.ErrUncoveredStatementLines) {
			log.Warn().Int("uncovered", report.UncoveredCount()).Msg("closing refused: uncovered statement lines")
			return domain.ErrUncoveredStatementLines
		}
		log.Fatal().Err(err).Msg("closing failed")
	}

	log.Info().Msg("closing complete: statement fully covered")
	return nil
}
