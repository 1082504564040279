package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/config"
)

var cfg *config.Config

var backfillFlag bool

var rootCmd = &cobra.Command{
	Use:   "statpipe",
	Short: "Pipeline completion and consistency engine",
	Long:  "Aggregates per-task completion events into exactly-once stage triggers, tracks run history, guards stages on upstream completeness, and reconciles lost triggers.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		if backfillFlag {
			cfg.Backfill = true
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&backfillFlag, "backfill", false, "backfill mode: bypass dependency checks, digest alerts")
}
