package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/encodeous/loom/state"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a network description and print it with every default filled in",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.LoadNetwork(networkPath)
		if err != nil {
			return err
		}
		out, err := state.MarshalNetwork(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
	GroupID: "cfg",
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
