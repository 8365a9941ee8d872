package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/internal/backup"
	"github.com/engramdb/engram/internal/engine"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the snapshot into the backup directory",
		Long: `Save the current graph, then copy the snapshot into backups/ inside
the engine directory under a timestamped name. With --keep, older
backups beyond the count are deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("store")
			keep, _ := cmd.Flags().GetInt("keep")
			jsonOut, _ := cmd.Flags().GetBool("json")

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			// Close saves the snapshot the backup will copy.
			if err := eng.Close(); err != nil {
				return err
			}

			bdir := backup.DefaultDir(dir)
			path, err := backup.Backup(filepath.Join(dir, engine.SnapshotName), bdir)
			if err != nil {
				return err
			}
			if keep > 0 {
				if err := backup.Rotate(bdir, keep); err != nil {
					return err
				}
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"path": path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up snapshot to %s\n", path)
			return nil
		},
	}
	cmd.Flags().Int("keep", 0, "Rotate to this many backups after creating one (0 keeps all)")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Replace the snapshot with a backup",
		Long: `Verify the backup decodes, then copy it over the engine's snapshot.
The next command to open the store sees the restored graph.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("store")
			jsonOut, _ := cmd.Flags().GetBool("json")

			snapshot := filepath.Join(dir, engine.SnapshotName)
			if err := backup.Restore(args[0], snapshot); err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"snapshot": snapshot})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot from %s\n", args[0])
			return nil
		},
	}
}
