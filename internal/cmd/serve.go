package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/islombek4642/tgsecret/internal/api"
	"github.com/islombek4642/tgsecret/internal/config"
	"github.com/islombek4642/tgsecret/internal/modules"
	"github.com/islombek4642/tgsecret/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Run the tgsecret daemon.

On startup every stored, still valid credential is launched again. The
daemon then serves the HTTP control API, suspends idle userbots and
reloads the idle threshold and log level when the config file changes.
SIGINT or SIGTERM stops every userbot and exits.`,
	RunE: runServe,
}

var shutdownTimeout time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for userbots to stop")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer closeStore()

	p, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}

	registry := modules.NewDefault(
		modules.WithPrefix(cfg.Instance.CommandPrefix),
		modules.WithLogger(logger),
	)
	orch := orchestrator.New(p, store, orchestratorConfig(cfg),
		orchestrator.WithLogger(logger),
		orchestrator.WithDispatcher(registry),
	)

	if viper.ConfigFileUsed() != "" {
		config.Watch(viper.GetViper(), func(c *config.Config) {
			orch.Reaper().SetThreshold(c.Instance.IdleThreshold)
			logger.SetLevel(c.Logging.Level)
			logger.Info("configuration reloaded", "idle_threshold", c.Instance.IdleThreshold)
		}, func(err error) {
			logger.Warn("ignoring invalid configuration change", "error", err)
		})
	}

	started, err := orch.Boot(ctx)
	if err != nil {
		logger.Warn("boot incomplete", "error", err)
	}
	logger.Info("daemon started", "restored", started, "backend", cfg.Storage.Backend)

	serveErr := make(chan error, 1)
	var srv *api.Server
	if cfg.API.Listen != "" {
		cache := openRateLimitCache(ctx, cfg, logger)
		if cache != nil {
			defer cache.Close()
		}
		srv, err = api.New(orch, api.Options{
			JWTSecret: []byte(cfg.API.JWTSecret),
			RateLimit: cfg.API.OnboardingRateLimit,
			Cache:     cache,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			_ = orch.Shutdown(context.Background())
			return err
		}
		go func() { serveErr <- srv.Listen(cfg.API.Listen) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("api server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("api shutdown", "error", serr)
		}
	}
	if serr := orch.Shutdown(shutdownCtx); serr != nil {
		logger.Error("userbots did not stop cleanly", "error", serr)
		if err == nil {
			err = serr
		}
	}
	return err
}
