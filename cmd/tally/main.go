package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tally-app/tally/internal/billing"
	"github.com/tally-app/tally/internal/config"
	"github.com/tally-app/tally/internal/logging"
	"github.com/tally-app/tally/internal/server"
	"github.com/tally-app/tally/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "tally",
	Short:   "Tally - personal finance tracker backend",
	Long:    `Tally is the API server for the Tally personal and shared finance tracker`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(context.Background(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tally %s\n", Version)
		fmt.Printf("Built: %s\n", BuildTime)
	},
}

// sweepCmd runs a single expiry sweep pass and exits. Useful when the
// sweep is driven by an external scheduler instead of the server loop.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one subscription expiry sweep pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logging.Init(logging.Config{
			Format:    cfg.LogFormat,
			Level:     cfg.LogLevel,
			Component: "tally-sweep",
		})

		st, err := store.New(cfg.DatabaseDir())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		sweeper := billing.NewSweeper(st, cfg.SweepInterval)
		n, err := sweeper.ProcessExpiredSubscriptions()
		if err != nil {
			return fmt.Errorf("process expired subscriptions: %w", err)
		}
		log.Info().Int("expired", n).Msg("Sweep pass finished")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
