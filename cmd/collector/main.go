package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/logging"
	"github.com/nicktill/tinyrum/pkg/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "collector",
	Short:   "tinyrum collector - receives harvests from tinyrum agents",
	Version: server.Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML, JSON or TOML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: settings.Log.Level, Format: settings.Log.Format})
	cfg := settings.Collector

	logger.Info().
		Str("addr", cfg.Addr).
		Str("config", settings.ConfigPath).
		Dur("retention", cfg.Retention).
		Msg("starting tinyrum collector")

	store, err := server.InitializeStorage(cfg, logging.Component("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close storage")
		}
	}()

	c := server.InitializeHandlers(store, cfg, logger)
	defer c.Limiter.Stop()

	router := mux.NewRouter()
	server.SetupRoutes(router, c, cfg.Addr)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.Hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.RunRetention(ctx, store, cfg.Retention, c.Retention, logging.Component("retention"))
	})
	g.Go(func() error {
		return server.RunBadgerGC(ctx, store, logging.Component("gc"))
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("collector ready to accept harvests")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// CRITICAL: Shutdown must run inside the group or a listener failure would never stop the
	// background tasks.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("collector exited cleanly")
	return nil
}
