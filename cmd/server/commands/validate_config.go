package commands

import (
	"fmt"

	"github.com/biodoia/ratelimiter/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ValidateConfigCmd loads and validates a config file without starting
// anything, for use in CI or a pre-deploy check.
var ValidateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate a configuration file and exit",
	RunE:  runValidateConfig,
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info().
		Int("rules", len(cfg.Rules)).
		Str("defaultAlgorithm", cfg.DefaultPolicy.Algorithm).
		Msg("configuration is valid")
	return nil
}
