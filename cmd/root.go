package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "retention-cli",
	Short: "Customer retention intelligence engine",
	Long:  "Ingests advisor note streams and account snapshots, replays versioned rulesets into lead cards, and mines the note corpus for closure-correlated phrases.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

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
