package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/encodeous/loom/perf"
)

var (
	showRibs    bool
	showFibs    bool
	showMetrics bool
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute the converged data plane and print statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		dp, done, err := computeFromFlags(cmd)
		if err != nil {
			return err
		}
		defer done()
		if err := dp.Describe(os.Stdout, showRibs, showFibs); err != nil {
			return err
		}
		if showMetrics {
			snap := perf.Snapshot()
			for _, k := range slices.Sorted(maps.Keys(snap)) {
				fmt.Printf("%s: %s\n", k, snap[k])
			}
		}
		return nil
	},
	GroupID: "sim",
}

func init() {
	rootCmd.AddCommand(computeCmd)
	computeCmd.Flags().BoolVarP(&showRibs, "ribs", "r", false, "print the main RIB of every virtual router")
	computeCmd.Flags().BoolVarP(&showFibs, "fibs", "f", false, "print the FIB of every virtual router")
	computeCmd.Flags().BoolVarP(&showMetrics, "metrics-summary", "m", false, "print the runtime metrics collected during the computation")
}
