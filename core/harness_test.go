package core

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/encodeous/loom/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func parseNetwork(t *testing.T, doc string) *state.NetworkCfg {
	t.Helper()
	cfg, err := state.ParseNetwork([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func computeNetwork(t *testing.T, doc string) *DataPlane {
	t.Helper()
	dp, err := ComputeDataPlane(context.Background(), parseNetwork(t, doc), testLogger())
	require.NoError(t, err)
	return dp
}

// routesFor returns the main RIB routes of host's default VRF for prefix.
func routesFor(t *testing.T, dp *DataPlane, host, prefix string) []*state.Route {
	t.Helper()
	rib := dp.Ribs[NodeVrf{host, state.DefaultVrf}]
	require.NotNil(t, rib, host)
	return rib.RoutesFor(netip.MustParsePrefix(prefix))
}

func traceFlow(t *testing.T, dp *DataPlane, host, dst string) []state.FlowTrace {
	t.Helper()
	traces, err := dp.TraceFlow(state.Flow{
		IngressNode: host,
		Src:         netip.MustParseAddr("198.51.100.1"),
		Dst:         netip.MustParseAddr(dst),
		IpProtocol:  "icmp",
	})
	require.NoError(t, err)
	return traces
}

func dispositions(traces []state.FlowTrace) []state.Disposition {
	out := make([]state.Disposition, 0, len(traces))
	for _, tr := range traces {
		out = append(out, tr.Disposition)
	}
	return out
}

func hopEdges(tr state.FlowTrace) []string {
	out := make([]string, 0, len(tr.Hops))
	for _, h := range tr.Hops {
		out = append(out, h.Edge.String())
	}
	return out
}

const twoNodes = `
nodes:
  - hostname: r1
    interfaces:
      - {name: eth0, addresses: [10.0.0.1/30]}
  - hostname: r2
    interfaces:
      - {name: eth0, addresses: [10.0.0.2/30]}
      - {name: lo, addresses: [192.168.0.1/24]}
graph:
  - r1:eth0, r2:eth0
`

// flapNetwork is an iBGP pair where each side prefers the other's copy of a
// locally null routed prefix over its own, so the routes flap forever unless
// the exchange runs in lockstep.
const flapNetwork = `
nodes:
  - hostname: a
    interfaces:
      - {name: eth0, addresses: [10.0.0.1/30]}
    vrfs:
      - name: default
        static_routes:
          - {prefix: 192.0.2.0/24, next_hop_interface: null0, admin: 250}
        bgp:
          as: 65000
          neighbors:
            - {peer_ip: 10.0.0.2, remote_as: 65000, export_policy: statics}
    policies:
      - name: statics
        statements:
          - {action: permit, match: {protocols: [static]}}
  - hostname: b
    interfaces:
      - {name: eth0, addresses: [10.0.0.2/30]}
    vrfs:
      - name: default
        static_routes:
          - {prefix: 192.0.2.0/24, next_hop_interface: null0, admin: 250}
        bgp:
          as: 65000
          neighbors:
            - {peer_ip: 10.0.0.1, remote_as: 65000, export_policy: statics}
    policies:
      - name: statics
        statements:
          - {action: permit, match: {protocols: [static]}}
graph:
  - a:eth0, b:eth0
`
