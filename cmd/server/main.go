package main

import (
	"fmt"
	"os"

	"github.com/biodoia/ratelimiter/cmd/server/commands"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ratelimiter",
		Short: "Distributed rate limiter",
		Long: `A distributed rate limiting service.

Evaluates token bucket, sliding window, and fixed window policies against
a Redis-backed distributed limiter with an in-process fallback, routed by
consistent hashing across shards and protected by a per-shard circuit
breaker.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ResetKeyCmd)
	rootCmd.AddCommand(commands.ValidateConfigCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ratelimiter version %s\n", version)
			fmt.Printf("commit: %s\n", commit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
