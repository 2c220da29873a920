package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	simpleaction "github.com/tendant/simple-action"
	"github.com/tendant/simple-action/internal/config"
	applog "github.com/tendant/simple-action/internal/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "simple-action",
	Short: "Durable, time-delayed workflow action engine",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply action log schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := simpleaction.Migrate(cmd.Context(), cfg.Database.Driver, cfg.Database.URL); err != nil {
			return err
		}
		applog.GetLogger().Info("migrations applied successfully")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and a poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		withPoller, _ := cmd.Flags().GetBool("poller")
		return run(cmd.Context(), true, withPoller)
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a poller only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), false, true)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <trigger-name> <entity-kind> <entity-id>",
	Short: "Expand a trigger event into pending attempts",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		meta, _ := cmd.Flags().GetString("meta")
		at, _ := cmd.Flags().GetString("at")

		defs, err := loadDefinitions(cfg)
		if err != nil {
			return err
		}
		client, err := simpleaction.NewClient(cmd.Context(), cfg.Database.Driver, cfg.Database.URL, defs)
		if err != nil {
			return err
		}
		defer client.Close()

		b := client.Trigger(args[0]).For(args[1], args[2])
		if meta != "" {
			b = b.WithMeta(json.RawMessage(meta))
		}
		if at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			b = b.At(t)
		}
		attempts, err := b.Execute(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(attempts)
	},
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	applog.SetLevel(cfg.LogLevel)
	applog.SetJSON(cfg.LogJSON)
	return cfg, nil
}

func loadDefinitions(cfg config.Config) (*simpleaction.StaticDefinitions, error) {
	if cfg.Definitions == "" {
		applog.GetLogger().Warn("no workflow definitions configured; triggers will not match")
		return simpleaction.NewStaticDefinitions()
	}
	return simpleaction.LoadDefinitions(cfg.Definitions)
}

func run(ctx context.Context, withAPI, withPoller bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := applog.GetLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := simpleaction.OpenSQLStore(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	defs, err := loadDefinitions(cfg)
	if err != nil {
		return err
	}

	engine := simpleaction.NewEngine(store, defs, simpleaction.EngineConfig{
		Retry: simpleaction.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			Backoff:    simpleaction.Backoff{Base: cfg.Retry.BackoffBase, Cap: cfg.Retry.BackoffCap},
		},
		Logger: logger,
	})
	metrics := simpleaction.NewPrometheusMetrics(nil)

	errCh := make(chan error, 2)
	done := make(chan struct{})

	if withPoller {
		poller := engine.NewPoller(
			simpleaction.DispatcherConfig{
				Timeout:   cfg.Dispatch.Timeout,
				RateLimit: cfg.Dispatch.RateLimit,
				RateBurst: cfg.Dispatch.RateBurst,
			},
			simpleaction.PollerConfig{
				PollInterval: cfg.Poller.Interval,
				LeaseTimeout: cfg.Poller.LeaseTimeout,
				BatchSize:    cfg.Poller.BatchSize,
				Concurrency:  cfg.Poller.Concurrency,
				WorkerID:     cfg.Poller.WorkerID,
			},
		)
		poller.SetMetrics(metrics)
		go func() {
			defer close(done)
			poller.Start(ctx)
		}()
	} else {
		close(done)
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	if withAPI {
		r.Mount("/", simpleaction.NewHandler(engine, logger))
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", cfg.HTTP.Addr).WithField("api", withAPI).Info("HTTP listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP listener did not shut down cleanly")
	}
	<-done
	return err
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (optional)")
	serveCmd.Flags().Bool("poller", true, "Also run a poller in this process")
	triggerCmd.Flags().String("meta", "", "JSON metadata passed through to callbacks")
	triggerCmd.Flags().String("at", "", "Event time (RFC3339), default now")

	rootCmd.AddCommand(migrateCmd, serveCmd, pollCmd, triggerCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
