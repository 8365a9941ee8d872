package main

import (
	"github.com/spf13/cobra"

	"github.com/engramdb/engram/internal/mcp"
)

func newMCPServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve the engine over the Model Context Protocol on stdio",
		Long: `Expose the engine as MCP tools (engram_ingest, engram_generate,
engram_feedback, engram_reinforce, engram_stats, engram_backup,
engram_export) over stdio. The process serves one client and saves the
snapshot on disconnect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("store")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			server, err := mcp.NewServer(&mcp.Config{
				Name:    "engram",
				Version: version,
				Dir:     dir,
				Engram:  cfg,
			})
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}
}
