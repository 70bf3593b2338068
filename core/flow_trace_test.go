package core

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodeous/loom/state"
)

func tcpFlow(host, dst string, port uint16) state.Flow {
	return state.Flow{
		IngressNode: host,
		Src:         netip.MustParseAddr("198.51.100.1"),
		Dst:         netip.MustParseAddr(dst),
		IpProtocol:  "tcp",
		SrcPort:     40000,
		DstPort:     port,
	}
}

func TestTraceBasicDispositions(t *testing.T) {
	dp := computeNetwork(t, twoNodes)

	own := traceFlow(t, dp, "r1", "10.0.0.1")
	require.Len(t, own, 1)
	assert.Equal(t, state.Accepted, own[0].Disposition)
	assert.Empty(t, own[0].Hops)

	neighbor := traceFlow(t, dp, "r1", "10.0.0.2")
	require.Len(t, neighbor, 1)
	assert.Equal(t, state.Accepted, neighbor[0].Disposition)
	assert.Equal(t, []string{"r1:eth0 -> r2:eth0"}, hopEdges(neighbor[0]))
	assert.Equal(t, []string{"10.0.0.0/30 connected nhint:eth0 ad:0 m:0"}, neighbor[0].Hops[0].Routes)

	noRoute := traceFlow(t, dp, "r1", "192.168.0.1")
	assert.Equal(t, []state.Disposition{state.NoRoute}, dispositions(noRoute))

	nobody := traceFlow(t, dp, "r1", "10.0.0.3")
	require.Len(t, nobody, 1)
	assert.Equal(t, state.NeighborUnreachableOrExitsNetwork, nobody[0].Disposition)
	assert.Equal(t, []string{"r1:eth0 -> (none)"}, hopEdges(nobody[0]))

	_, err := dp.TraceFlow(state.Flow{IngressNode: "r9", Dst: netip.MustParseAddr("10.0.0.1")})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestTraceLoop(t *testing.T) {
	cfg := parseNetwork(t, twoNodes)
	cfg.Nodes[0].Vrfs = []state.VrfCfg{{
		Name: state.DefaultVrf,
		StaticRoutes: []state.StaticRouteCfg{
			{Prefix: netip.MustParsePrefix("172.16.0.0/16"), NextHopIp: netip.MustParseAddr("10.0.0.2"), Admin: 1},
		},
	}}
	cfg.Nodes[1].Vrfs = []state.VrfCfg{{
		Name: state.DefaultVrf,
		StaticRoutes: []state.StaticRouteCfg{
			{Prefix: netip.MustParsePrefix("172.16.0.0/16"), NextHopIp: netip.MustParseAddr("10.0.0.1"), Admin: 1},
		},
	}}
	dp, err := ComputeDataPlane(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	traces := traceFlow(t, dp, "r1", "172.16.1.1")
	require.Len(t, traces, 1)
	assert.Equal(t, state.Loop, traces[0].Disposition)
	assert.Equal(t, []string{
		"r1:eth0 -> r2:eth0",
		"r2:eth0 -> r1:eth0",
		"r1:eth0 -> r2:eth0",
	}, hopEdges(traces[0]))
}

const filteredNodes = `
nodes:
  - hostname: r1
    interfaces:
      - {name: eth0, addresses: [10.0.0.1/30], outgoing_filter: no-ssh}
    vrfs:
      - name: default
        static_routes:
          - {prefix: 192.168.0.0/24, next_hop_ip: 10.0.0.2}
    acls:
      - name: no-ssh
        lines:
          - {action: deny, protocols: [tcp], dst_ports: ["22"]}
          - {action: permit}
  - hostname: r2
    interfaces:
      - {name: eth0, addresses: [10.0.0.2/30], incoming_filter: web}
      - {name: lo, addresses: [192.168.0.1/24]}
    acls:
      - name: web
        lines:
          - {action: permit, protocols: [tcp], dst_ports: ["80", "8000-8080"]}
graph:
  - r1:eth0, r2:eth0
`

func TestTraceFilters(t *testing.T) {
	dp := computeNetwork(t, filteredNodes)

	web, err := dp.TraceFlow(tcpFlow("r1", "192.168.0.1", 8080))
	require.NoError(t, err)
	assert.Equal(t, []state.Disposition{state.Accepted}, dispositions(web))

	ssh, err := dp.TraceFlow(tcpFlow("r1", "192.168.0.1", 22))
	require.NoError(t, err)
	require.Len(t, ssh, 1)
	assert.Equal(t, state.DeniedOut, ssh[0].Disposition)
	assert.Empty(t, ssh[0].Hops)
	assert.Contains(t, ssh[0].Notes, "no-ssh")

	icmp := traceFlow(t, dp, "r1", "192.168.0.1")
	require.Len(t, icmp, 1)
	assert.Equal(t, state.DeniedIn, icmp[0].Disposition)
	assert.Equal(t, []string{"r1:eth0 -> r2:eth0"}, hopEdges(icmp[0]))

	ingress := tcpFlow("r2", "192.168.0.1", 22)
	ingress.IngressInterface = "eth0"
	denied, err := dp.TraceFlow(ingress)
	require.NoError(t, err)
	assert.Equal(t, []state.Disposition{state.DeniedIn}, dispositions(denied))
}

func TestTraceSourceNat(t *testing.T) {
	cfg := parseNetwork(t, filteredNodes)
	cfg.Nodes[0].Interfaces[0].SourceNats = []state.SourceNatCfg{{PoolStart: netip.MustParseAddr("10.0.0.1")}}
	cfg.Nodes[1].Acls[0].Lines = []state.AclLineCfg{{
		Action: "permit",
		Src:    []netip.Prefix{netip.MustParsePrefix("10.0.0.0/30")},
	}}
	dp, err := ComputeDataPlane(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	// only the translated source is let in by r2
	traces := traceFlow(t, dp, "r1", "192.168.0.1")
	assert.Equal(t, []state.Disposition{state.Accepted}, dispositions(traces))
}

func TestTraceProxyArp(t *testing.T) {
	cfg := parseNetwork(t, twoNodes)
	cfg.Nodes[0].Vrfs = []state.VrfCfg{{
		Name: state.DefaultVrf,
		StaticRoutes: []state.StaticRouteCfg{
			{Prefix: netip.MustParsePrefix("192.168.0.0/24"), NextHopInterface: "eth0", Admin: 1},
		},
	}}
	dp, err := ComputeDataPlane(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	// r2 does not own .7, so without proxy arp nobody answers
	exits := traceFlow(t, dp, "r1", "192.168.0.7")
	require.Len(t, exits, 1)
	assert.Equal(t, state.NeighborUnreachableOrExitsNetwork, exits[0].Disposition)
	assert.Equal(t, []string{"r1:eth0 -> (none)"}, hopEdges(exits[0]))

	cfg.Nodes[1].Interfaces[0].ProxyArp = true
	dp, err = ComputeDataPlane(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	proxied := traceFlow(t, dp, "r1", "192.168.0.7")
	require.Len(t, proxied, 1)
	assert.Equal(t, state.NeighborUnreachableOrExitsNetwork, proxied[0].Disposition)
	assert.Equal(t, []string{"r1:eth0 -> r2:eth0", "r2:lo -> (none)"}, hopEdges(proxied[0]))

	edge := state.Edge{Node1: "r1", Interface1: "eth0", Node2: "r2", Interface2: "eth0"}
	assert.True(t, dp.neighborResponds(edge, netip.MustParseAddr("192.168.0.7")))
	cfg.Nodes[1].Interfaces[0].Shutdown = true
	assert.False(t, dp.neighborResponds(edge, netip.MustParseAddr("192.168.0.7")), "a shutdown interface answers nothing")
}

func TestTraceSink(t *testing.T) {
	dp := computeNetwork(t, `
nodes:
  - hostname: r1
    interfaces:
      - {name: eth0, addresses: [10.0.0.1/30]}
      - {name: eth1, addresses: [10.9.0.1/24]}
  - hostname: r2
    interfaces:
      - {name: eth0, addresses: [10.0.0.2/30]}
    vrfs:
      - name: default
        static_routes:
          - {prefix: 0.0.0.0/0, next_hop_ip: 10.0.0.1}
graph:
  - r1:eth0, r2:eth0
flow_sinks:
  - {node: r1, interface: eth1}
`)
	traces := traceFlow(t, dp, "r2", "10.9.0.50")
	require.Len(t, traces, 1)
	assert.Equal(t, state.Accepted, traces[0].Disposition)
	assert.Equal(t, "delivered to sink", traces[0].Notes)
	assert.Equal(t, []string{"r2:eth0 -> r1:eth0", "r1:eth1 -> (none)"}, hopEdges(traces[0]))
}

func TestTraceFlowsInParallel(t *testing.T) {
	dp := computeNetwork(t, twoNodes)
	flows := []state.Flow{
		tcpFlow("r1", "10.0.0.2", 80),
		tcpFlow("r1", "192.168.0.1", 80),
		tcpFlow("r2", "10.0.0.1", 443),
	}
	results, err := dp.TraceFlows(context.Background(), flows)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []state.Disposition{state.Accepted}, dispositions(results[flows[0]]))
	assert.Equal(t, []state.Disposition{state.NoRoute}, dispositions(results[flows[1]]))
	assert.Equal(t, []state.Disposition{state.Accepted}, dispositions(results[flows[2]]))

	_, err = dp.TraceFlows(context.Background(), []state.Flow{tcpFlow("nope", "10.0.0.1", 80)})
	assert.ErrorIs(t, err, ErrUnknownNode)
}
