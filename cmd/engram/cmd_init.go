package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/internal/engine"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the engine directory and an empty snapshot",
		Long: `Create the engine directory named by --store, write an empty graph
snapshot into it, and leave a commented configuration template at
~/.engram/config.yaml when none exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("store")
			jsonOut, _ := cmd.Flags().GetBool("json")

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			if err := eng.Close(); err != nil {
				return err
			}

			if err := writeConfigTemplate(); err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"store":    dir,
					"snapshot": filepath.Join(dir, engine.SnapshotName),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized engram store in %s\n", dir)
			return nil
		},
	}
}

// writeConfigTemplate drops a commented config at ~/.engram/config.yaml
// unless one already exists.
func writeConfigTemplate() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	path := filepath.Join(home, ".engram", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	template := `# engram configuration
# All values shown are the defaults; uncomment to change.

engine:
  # context_window: 4
  # hierarchy_boost: 1.5
  # activation_boost: 1.0
  # max_wave_steps: 8
  # max_node_steps: 64
  # loop_period: 8
  # hazard_baseline: 0.1
  # seed: 0

persistence:
  # resident_nodes: 0

logging:
  level: info
`
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
