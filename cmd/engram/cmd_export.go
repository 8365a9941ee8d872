package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [path]",
		Short: "Mirror the graph into a SQLite database",
		Long: `Write every node and edge into a SQLite database for external
inspection with standard tooling. The default destination is graph.db
inside the engine directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("store")
			jsonOut, _ := cmd.Flags().GetBool("json")

			path := filepath.Join(dir, "graph.db")
			if len(args) == 1 {
				path = args[0]
			}

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.Export(cmd.Context(), path); err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"path": path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported graph to %s\n", path)
			return nil
		},
	}
}
