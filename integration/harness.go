//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/encodeous/loom/core"
	"github.com/encodeous/loom/state"
)

// Harness computes data planes for scenario documents and gives tests convenient
// access to their routes and traces.
type Harness struct {
	t   *testing.T
	Cfg *state.NetworkCfg
	Dp  *core.DataPlane
}

func logger(t *testing.T) *slog.Logger {
	if testing.Verbose() {
		log, _, err := core.NewLogger(slog.LevelDebug, "", t.Name()+" ")
		require.NoError(t, err)
		return log
	}
	return slog.New(slog.DiscardHandler)
}

// Load parses a scenario document.
func Load(t *testing.T, doc string) *Harness {
	t.Helper()
	cfg, err := state.ParseNetwork([]byte(doc))
	require.NoError(t, err)
	return &Harness{t: t, Cfg: cfg}
}

// FromConfig takes a programmatically built network through the same expansion and
// validation a document goes through.
func FromConfig(t *testing.T, cfg *state.NetworkCfg) *Harness {
	t.Helper()
	require.NoError(t, state.ExpandNetworkConfig(cfg))
	require.NoError(t, state.NetworkConfigValidator(cfg))
	return &Harness{t: t, Cfg: cfg}
}

// Compute runs the engine with the given worker count.
func (h *Harness) Compute(workers int) *Harness {
	h.t.Helper()
	h.Cfg.Settings.Workers = workers
	dp, err := core.ComputeDataPlane(context.Background(), h.Cfg, logger(h.t))
	require.NoError(h.t, err)
	h.Dp = dp
	return h
}

func (h *Harness) Routes(host, prefix string) []*state.Route {
	h.t.Helper()
	rib := h.Dp.Ribs[core.NodeVrf{Hostname: host, Vrf: state.DefaultVrf}]
	require.NotNil(h.t, rib, host)
	return rib.RoutesFor(netip.MustParsePrefix(prefix))
}

func (h *Harness) Trace(host, dst string) []state.FlowTrace {
	h.t.Helper()
	traces, err := h.Dp.TraceFlow(state.Flow{
		IngressNode: host,
		Src:         netip.MustParseAddr("192.0.2.1"),
		Dst:         netip.MustParseAddr(dst),
		IpProtocol:  "icmp",
	})
	require.NoError(h.t, err)
	return traces
}

// Tables renders every RIB and FIB without the timing line.
func (h *Harness) Tables() string {
	h.t.Helper()
	buf := bytes.Buffer{}
	require.NoError(h.t, h.Dp.Describe(&buf, true, true))
	_, tables, _ := strings.Cut(buf.String(), "\n")
	return tables
}

func Edges(tr state.FlowTrace) []string {
	out := make([]string, 0, len(tr.Hops))
	for _, h := range tr.Hops {
		out = append(out, h.Edge.String())
	}
	return out
}

// RipChain builds n routers in a line running RIP; the first one announces a passive
// loopback 10.255.0.1/32.
func RipChain(n int) *state.NetworkCfg {
	cfg := &state.NetworkCfg{}
	for i := range n {
		node := state.NodeCfg{
			Hostname: fmt.Sprintf("r%d", i),
			Vrfs:     []state.VrfCfg{{Name: state.DefaultVrf, Rip: &state.RipProcessCfg{}}},
		}
		if i == 0 {
			node.Interfaces = append(node.Interfaces, state.InterfaceCfg{
				Name:      "lo",
				Addresses: []netip.Prefix{netip.MustParsePrefix("10.255.0.1/32")},
				Rip:       &state.RipInterfaceCfg{Passive: true},
			})
		}
		if i > 0 {
			node.Interfaces = append(node.Interfaces, state.InterfaceCfg{
				Name:      "eth0",
				Addresses: []netip.Prefix{netip.MustParsePrefix(fmt.Sprintf("10.%d.%d.2/30", (i-1)/256, (i-1)%256))},
				Rip:       &state.RipInterfaceCfg{},
			})
		}
		if i < n-1 {
			node.Interfaces = append(node.Interfaces, state.InterfaceCfg{
				Name:      "eth1",
				Addresses: []netip.Prefix{netip.MustParsePrefix(fmt.Sprintf("10.%d.%d.1/30", i/256, i%256))},
				Rip:       &state.RipInterfaceCfg{},
			})
			cfg.Edges = append(cfg.Edges, state.EdgeCfg{
				Node1:      fmt.Sprintf("r%d", i),
				Interface1: "eth1",
				Node2:      fmt.Sprintf("r%d", i+1),
				Interface2: "eth0",
			})
		}
		cfg.Nodes = append(cfg.Nodes, node)
	}
	return cfg
}
