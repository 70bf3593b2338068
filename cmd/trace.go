package cmd

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/encodeous/loom/state"
)

var (
	flow    state.Flow
	srcStr  string
	dstStr  string
	srcPort uint16
	dstPort uint16
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Trace a single flow through the computed data plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		dst, err := netip.ParseAddr(dstStr)
		if err != nil {
			return fmt.Errorf("--dst: %w", err)
		}
		src, err := netip.ParseAddr(srcStr)
		if err != nil {
			return fmt.Errorf("--src: %w", err)
		}
		f := flow
		f.Src, f.Dst = src, dst
		f.SrcPort, f.DstPort = srcPort, dstPort

		dp, done, err := computeFromFlags(cmd)
		if err != nil {
			return err
		}
		defer done()
		traces, err := dp.TraceFlow(f)
		if err != nil {
			return err
		}
		fmt.Println(f)
		for _, t := range traces {
			fmt.Println(t)
		}
		return nil
	},
	GroupID: "sim",
}

func init() {
	rootCmd.AddCommand(traceCmd)
	fl := traceCmd.Flags()
	fl.StringVarP(&flow.IngressNode, "node", "n", "", "ingress node")
	fl.StringVar(&flow.IngressVrf, "vrf", state.DefaultVrf, "ingress vrf")
	fl.StringVarP(&flow.IngressInterface, "ingress-interface", "i", "", "ingress interface whose incoming filter applies")
	fl.StringVarP(&flow.IpProtocol, "proto", "p", "icmp", "ip protocol")
	fl.StringVarP(&dstStr, "dst", "d", "", "destination address")
	fl.StringVarP(&srcStr, "src", "s", "192.0.2.1", "source address")
	fl.Uint16Var(&srcPort, "sport", 0, "source port")
	fl.Uint16Var(&dstPort, "dport", 0, "destination port")
	_ = traceCmd.MarkFlagRequired("node")
	_ = traceCmd.MarkFlagRequired("dst")
}
