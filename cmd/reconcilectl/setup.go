package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/config"
	"github.com/vinescrow/mlca-reconciler/internal/lifecycle"
)

func setupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "reconcilectl").Logger()
}

func newApp(ctx context.Context, log zerolog.Logger) (*lifecycle.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return lifecycle.New(ctx, cfg, log)
}
