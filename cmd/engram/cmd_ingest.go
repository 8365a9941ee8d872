package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [text]",
		Short: "Learn from a byte stream",
		Long: `Feed bytes into the graph. Text arguments are joined with spaces;
with no arguments the stream is read from stdin, so files and pipes
work directly:

  engram ingest "hello world"
  cat corpus.txt | engram ingest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			jsonOut, _ := cmd.Flags().GetBool("json")

			var data []byte
			if len(args) > 0 {
				data = []byte(strings.Join(args, " "))
			} else {
				var err error
				data, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}
			if len(data) == 0 {
				return fmt.Errorf("nothing to ingest")
			}

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.Ingest(cmd.Context(), data, channel); err != nil {
				return err
			}

			st := eng.Stats()
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"bytes":       len(data),
					"nodes":       st.Nodes,
					"edges":       st.Edges,
					"hierarchies": st.Hierarchies,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d bytes: %d nodes, %d edges, %d hierarchies\n",
				len(data), st.Nodes, st.Edges, st.Hierarchies)
			return nil
		},
	}
	cmd.Flags().String("channel", "cli", "Origin tag recorded for this stream")
	return cmd
}
