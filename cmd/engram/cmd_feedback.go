package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newFeedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <signal> <probe>",
		Short: "Generate a continuation and score it in one pass",
		Long: `Generate the continuation for the probe, then apply the scalar
signal to the edges that produced it: 0.0 wrong, 1.0 right, 0.5
neutral. Feedback binds to a generation, so both happen in the same
invocation.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			signal, err := strconv.ParseFloat(args[0], 64)
			if err != nil || signal < 0 || signal > 1 {
				return fmt.Errorf("signal must be a number between 0.0 and 1.0, got %q", args[0])
			}
			probe := strings.Join(args[1:], " ")

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			out, err := eng.Generate(cmd.Context(), []byte(probe))
			if err != nil {
				return err
			}
			adjusted, err := eng.Feedback(signal)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"probe":          probe,
					"output":         string(out),
					"signal":         signal,
					"edges_adjusted": adjusted,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
			fmt.Fprintf(cmd.OutOrStdout(), "Applied signal %.2f to %d edges\n", signal, adjusted)
			return nil
		},
	}
}
