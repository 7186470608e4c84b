package commands

import (
	"context"
	"fmt"

	"github.com/biodoia/ratelimiter/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ResetKeyCmd clears a single rate-limit key's state directly against the
// same distributed and local limiters "serve" would build, without going
// through the HTTP admin API. Useful when the server is down or an
// operator wants a one-shot fix from a deploy host.
var ResetKeyCmd = &cobra.Command{
	Use:   "reset-key <key>",
	Short: "Reset the rate-limit state for a single key",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetKey,
}

func runResetKey(cmd *cobra.Command, args []string) error {
	setupLogger(false, false)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	rt, err := BuildRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer rt.Close()

	key := args[0]
	if err := rt.Deps.Engine.ResetKey(context.Background(), key); err != nil {
		return fmt.Errorf("failed to reset key %q: %w", key, err)
	}

	log.Info().Str("key", key).Msg("rate limit state reset")
	return nil
}
