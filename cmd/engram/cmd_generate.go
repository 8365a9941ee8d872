package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <probe>",
		Short: "Generate the learned continuation of a probe",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			probe := strings.Join(args, " ")

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			out, err := eng.Generate(cmd.Context(), []byte(probe))
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"probe":  probe,
					"output": string(out),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
