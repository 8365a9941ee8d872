package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/engine"
)

// Populated by the linker at release time.
var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "engram",
		Short: "Continual-learning byte graph engine",
		Long: `engram learns from raw byte streams: every byte becomes a node,
every transition an edge, and repetition consolidates sequences into
hierarchies. Probe it with a prefix and it generates the continuation
it has learned, adapting further from scalar feedback.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for programmatic consumption)")
	rootCmd.PersistentFlags().String("store", ".engram", "Engine directory holding the graph snapshot")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newIngestCmd(),
		newGenerateCmd(),
		newFeedbackCmd(),
		newReinforceCmd(),
		newStatsCmd(),
		newExportCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newMCPServerCmd(),
	)
	return rootCmd
}

// loadConfig resolves the layered configuration for a command.
func loadConfig() (*config.EngramConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openEngine opens the engine rooted at the --store directory.
func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	dir, _ := cmd.Flags().GetString("store")
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.Open(dir, cfg)
}
