package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyrum/pkg/agent"
	"github.com/nicktill/tinyrum/pkg/agent/httpx"
	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/logging"
)

var (
	configPath string
	listenAddr string
	simulate   bool
)

var startTime = time.Now()

var rootCmd = &cobra.Command{
	Use:   "example",
	Short: "Demo shop instrumented with the tinyrum agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.Flags().StringVar(&listenAddr, "addr", ":3000", "Address the demo shop listens on")
	rootCmd.Flags().BoolVar(&simulate, "simulate", true, "Generate traffic against the demo shop")
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
	if settings.Agent.AppID == "" {
		settings.Agent.AppID = "example-shop"
	}

	logger := logging.Init(logging.Config{Level: settings.Log.Level, Format: settings.Log.Format})
	agentLogger := logging.Component("agent")

	cfg := agent.FromSettings(settings.Agent)
	cfg.Logger = &agentLogger
	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	a.AddReleaseID("example-shop", "dev")
	a.SetCustomAttribute("env", "demo")
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	router := mux.NewRouter()
	router.Use(httpx.Middleware(a))
	setupHandlers(router, a, settings.Agent.Endpoint, settings.Agent.AppID)

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", listenAddr).
			Str("app_id", settings.Agent.AppID).
			Str("collector", settings.Agent.Endpoint).
			Msg("example shop started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if simulate {
		g.Go(func() error {
			startTrafficSimulator(ctx, httpx.NewClient(a, &http.Client{Timeout: 5 * time.Second}), "http://localhost"+listenAddr)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server shutdown incomplete")
		}
		// The final harvest sends whatever the last requests produced.
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("agent shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("example shop exited")
	return nil
}
