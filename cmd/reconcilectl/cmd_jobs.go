package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and recover ca_jobs",
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead [seller-id]",
	Short: "List dead jobs for a seller",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDead,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Requeue a dead or failed job for manual recovery (spec.md §4.2)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

func init() {
	jobsCmd.AddCommand(jobsDeadCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsDead(cmd *cobra.Command, args []string) error {
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

	jobs, err := app.Jobs.ListDead(ctx, sellerID)
	if err != nil {
		log.Fatal().Err(err).Msg("list dead jobs failed")
	}
	for _, j := range jobs {
		fmt.Printf("%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Endpoint, j.LastError)
	}
	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	ctx := context.Background()

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}

	app, err := newApp(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize app")
	}
	defer app.Close()

	if err := app.Jobs.Requeue(ctx, id); err != nil {
		log.Fatal().Err(err).Msg("requeue failed")
	}
	log.Info().Str("job_id", id.String()).Msg("job requeued")
	return nil
}

func parseSellerID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid seller id %q: %w", s, err)
	}
	return int32(n), nil
}
