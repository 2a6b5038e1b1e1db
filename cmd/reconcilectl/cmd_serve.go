package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vinescrow/mlca-reconciler/internal/config"
	"github.com/vinescrow/mlca-reconciler/internal/httpapi"
	"github.com/vinescrow/mlca-reconciler/internal/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job worker and operator HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize app")
	}
	defer app.Close()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reload configuration")
	}

	go func() {
		if err := app.RunWorker(ctx); err != nil {
			log.Error().Err(err).Msg("worker stopped with error")
		}
	}()

	auth, err := middleware.NewAuthMiddleware(cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create operator auth middleware")
	}

	handler := httpapi.NewHandler(app.Sellers, app.Jobs, app.Payments, app.Expenses, app.ML, app.Classifier, app.Expense, app.Sync, app.Baixa, app.Coverage, app.Closer, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.Recover())
	e.Use(requestLogMiddleware(log))

	httpapi.RegisterRoutes(e, auth.Authenticate(), handler)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting operator api")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("operator api failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("operator api shutdown failed")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// requestLogMiddleware mirrors the teacher's zerologMiddleware: log one
// structured line per request instead of relying on echo's default
// logger middleware.
func requestLogMiddleware(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			res := c.Response()
			log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("latency", time.Since(start)).
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Msg("request")
			return nil
		}
	}
}
