package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report the graph's current shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			st := eng.Stats()
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Nodes:        %d\n", st.Nodes)
			fmt.Fprintf(out, "Edges:        %d\n", st.Edges)
			fmt.Fprintf(out, "Hierarchies:  %d (max level %d)\n", st.Hierarchies, st.MaxLevel)
			fmt.Fprintf(out, "Adaptations:  %d\n", st.Adaptations)
			return nil
		},
	}
}
