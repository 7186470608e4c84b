package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biodoia/ratelimiter/internal/server"
	"github.com/biodoia/ratelimiter/pkg/config"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	devMode     bool
	verbose     bool
	autoMigrate bool
)

// ServeCmd starts the rate limiter's HTTP server: the Decision Engine's
// request path plus the Observability Facade (/health, /stats,
// /performance, /metrics, /admin).
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rate limiter server",
	Long: `Start the rate limiter's HTTP server.

Serves every application request through the Decision Engine (identity
resolution, rule selection, distributed-then-local rate limiting) and
exposes the health, statistics, and administrative surface alongside it.`,
	Example: `  # Start with default settings
  ratelimiter serve

  # Start in development mode with verbose logging
  ratelimiter serve --dev --verbose

  # Start with a custom config file
  ratelimiter serve -c /path/to/config.yaml`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (pretty console logging)")
	ServeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (debug level)")
	ServeCmd.Flags().BoolVar(&autoMigrate, "migrate", true, "Auto-run database migrations on startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogger(verbose, devMode)

	log.Info().Msg("starting rate limiter")

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("instance_id", cfg.InstanceID).
		Msg("configuration loaded")

	rt, err := BuildRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer rt.Close()

	if autoMigrate {
		log.Info().Msg("running database migrations")
		if err := rt.DB.AutoMigrate(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("database migrations completed")
	}

	app := server.New(rt.Deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if cfg.Server.TLS.Enabled {
		log.Warn().Msg("server.tls.enabled is set but TLS termination is not yet wired for this listener; serving plain HTTP")
	}
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	log.Info().Msgf("rate limiter listening on http://%s", addr)
	log.Info().Msgf("health check: http://%s/health", addr)
	log.Info().Msgf("admin API: http://%s/admin", addr)
	if cfg.Monitoring.Prometheus.Enabled {
		log.Info().Msgf("metrics: http://%s/metrics", addr)
	}
	log.Info().Msg("press Ctrl+C to stop")

	return waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		return err
	}

	log.Info().Msg("rate limiter stopped cleanly")
	return nil
}

func setupLogger(verbose, dev bool) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}
}
