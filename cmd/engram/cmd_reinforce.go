package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newReinforceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reinforce <sequence>",
		Short: "Reinforce the correct continuation of a training sequence",
		Long: `Give the bytes after --prefix-len a double reinforcement with their
context captured, so the known-correct continuation outcompetes
alternatives the wave has discovered on its own.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefixLen, _ := cmd.Flags().GetInt("prefix-len")
			jsonOut, _ := cmd.Flags().GetBool("json")
			sequence := strings.Join(args, " ")

			if prefixLen < 0 || prefixLen >= len(sequence) {
				return fmt.Errorf("--prefix-len must be inside the sequence (0..%d)", len(sequence)-1)
			}

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.StrengthenContinuation([]byte(sequence), prefixLen); err != nil {
				return err
			}

			reinforced := len(sequence) - prefixLen
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"sequence":   sequence,
					"prefix_len": prefixLen,
					"reinforced": reinforced,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reinforced %d continuation bytes\n", reinforced)
			return nil
		},
	}
	cmd.Flags().Int("prefix-len", 0, "Bytes of the sequence treated as given context")
	return cmd
}
