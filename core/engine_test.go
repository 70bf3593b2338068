package core

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/encodeous/loom/state"
)

func TestConnectedOnlyConvergesImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)
	dp := computeNetwork(t, twoNodes)

	assert.Equal(t, 1, dp.Stats.Attempts)
	assert.Equal(t, 1, dp.Stats.DependentIterations)
	assert.Empty(t, dp.Stats.OscillatingPrefixes)
	assert.Equal(t, []int{3}, dp.Stats.RouteCounts)

	routes := routesFor(t, dp, "r1", "10.0.0.0/30")
	require.Len(t, routes, 1)
	assert.Equal(t, state.ProtoConnected, routes[0].Protocol)
	assert.Equal(t, "eth0", routes[0].NextHopInterface)
	assert.Empty(t, routesFor(t, dp, "r1", "192.168.0.0/24"))
}

func TestStaticRouteActivatesThroughConnected(t *testing.T) {
	doc := twoNodes + `
`
	cfg := parseNetwork(t, doc)
	cfg.GetNode("r1").GetVrf(state.DefaultVrf).StaticRoutes = []state.StaticRouteCfg{{
		Prefix:    netip.MustParsePrefix("192.168.0.0/24"),
		NextHopIp: netip.MustParseAddr("10.0.0.2"),
		Admin:     state.AdminStatic,
	}, {
		// the next hop is only reachable through the route itself
		Prefix:    netip.MustParsePrefix("172.16.0.0/16"),
		NextHopIp: netip.MustParseAddr("172.16.0.1"),
		Admin:     state.AdminStatic,
	}}
	dp, err := ComputeDataPlane(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 2, dp.Stats.DependentIterations)
	routes := routesFor(t, dp, "r1", "192.168.0.0/24")
	require.Len(t, routes, 1)
	assert.Equal(t, state.ProtoStatic, routes[0].Protocol)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), routes[0].NextHopIp)
	assert.Empty(t, routesFor(t, dp, "r1", "172.16.0.0/16"))
}

func TestOspfChain(t *testing.T) {
	dp := computeNetwork(t, `
nodes:
  - hostname: r1
    interfaces:
      - {name: eth0, addresses: [10.0.12.1/30], ospf: {area: 0}}
    vrfs:
      - {name: default, ospf: {admin_internal: 110}}
  - hostname: r2
    interfaces:
      - {name: eth0, addresses: [10.0.12.2/30], ospf: {area: 0}}
      - {name: eth1, addresses: [10.0.23.1/30], ospf: {area: 0, cost: 5}}
    vrfs:
      - {name: default, ospf: {admin_internal: 110}}
  - hostname: r3
    interfaces:
      - {name: eth0, addresses: [10.0.23.2/30], ospf: {area: 0, cost: 5}}
      - {name: lo, addresses: [3.3.3.3/32], ospf: {area: 0, passive: true}}
    vrfs:
      - {name: default, ospf: {admin_internal: 110}}
graph:
  - r1:eth0, r2:eth0
  - r2:eth1, r3:eth0
`)
	routes := routesFor(t, dp, "r1", "3.3.3.3/32")
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, state.ProtoOspfIntra, r.Protocol)
	// 1 on r3's loopback, 5 across r2-r3, 1 across r1-r2
	assert.Equal(t, int64(7), r.Metric)
	assert.Equal(t, netip.MustParseAddr("10.0.12.2"), r.NextHopIp)
	assert.Equal(t, 110, r.Admin)

	routes = routesFor(t, dp, "r1", "10.0.23.0/30")
	require.Len(t, routes, 1)
	assert.Equal(t, int64(6), routes[0].Metric)
	assert.Greater(t, dp.Stats.OspfInternalIterations, 1)
	assert.Equal(t, 1, dp.Stats.DependentIterations)
}

func TestOspfInterAreaSummary(t *testing.T) {
	dp := computeNetwork(t, `
nodes:
  - hostname: abr
    interfaces:
      - {name: eth0, addresses: [10.0.0.1/30], ospf: {area: 0}}
      - {name: eth1, addresses: [10.1.0.1/30], ospf: {area: 1}}
    vrfs:
      - name: default
        ospf:
          areas:
            - area: 1
              summaries:
                - {prefix: 10.1.0.0/16}
  - hostname: core
    interfaces:
      - {name: eth0, addresses: [10.0.0.2/30], ospf: {area: 0}}
    vrfs:
      - {name: default, ospf: {admin_internal: 110}}
  - hostname: leaf
    interfaces:
      - {name: eth0, addresses: [10.1.0.2/30], ospf: {area: 1}}
      - {name: lan, addresses: [10.1.5.1/24], ospf: {area: 1, passive: true, cost: 10}}
    vrfs:
      - {name: default, ospf: {admin_internal: 110}}
graph:
  - abr:eth0, core:eth0
  - abr:eth1, leaf:eth0
`)
	summary := routesFor(t, dp, "core", "10.1.0.0/16")
	require.Len(t, summary, 1)
	assert.Equal(t, state.ProtoOspfInter, summary[0].Protocol)
	// the summary carries the largest contained metric (11 for the leaf lan) plus the link
	assert.Equal(t, int64(12), summary[0].Metric)
	assert.Empty(t, routesFor(t, dp, "core", "10.1.5.0/24"), "summarized prefixes stay inside the area")

	backbone := routesFor(t, dp, "leaf", "10.0.0.0/30")
	require.Len(t, backbone, 1)
	assert.Equal(t, state.ProtoOspfInter, backbone[0].Protocol)
	assert.Equal(t, int64(2), backbone[0].Metric)
}

func TestRipChain(t *testing.T) {
	dp := computeNetwork(t, `
nodes:
  - hostname: r1
    interfaces:
      - {name: eth0, addresses: [10.0.12.1/30], rip: {passive: false}}
    vrfs:
      - {name: default, rip: {admin: 120}}
  - hostname: r2
    interfaces:
      - {name: eth0, addresses: [10.0.12.2/30], rip: {passive: false}}
      - {name: eth1, addresses: [10.0.23.1/30], rip: {passive: false}}
    vrfs:
      - {name: default, rip: {admin: 120}}
  - hostname: r3
    interfaces:
      - {name: eth0, addresses: [10.0.23.2/30], rip: {passive: false}}
      - {name: lo, addresses: [3.3.3.3/32], rip: {passive: true}}
    vrfs:
      - {name: default, rip: {admin: 120}}
graph:
  - r1:eth0, r2:eth0
  - r2:eth1, r3:eth0
`)
	routes := routesFor(t, dp, "r1", "3.3.3.3/32")
	require.Len(t, routes, 1)
	assert.Equal(t, state.ProtoRip, routes[0].Protocol)
	assert.Equal(t, int64(2), routes[0].Metric)
	assert.Equal(t, netip.MustParseAddr("10.0.12.2"), routes[0].NextHopIp)
}

func TestOspfExternalRedistribution(t *testing.T) {
	dp := computeNetwork(t, `
nodes:
  - hostname: r1
    interfaces:
      - {name: eth0, addresses: [10.0.0.1/30], ospf: {area: 0, cost: 4}}
    vrfs:
      - name: default
        static_routes:
          - {prefix: 192.0.2.0/24, next_hop_interface: null0}
        ospf: {export_policy: statics}
    policies:
      - name: statics
        statements:
          - {action: permit, match: {protocols: [static]}}
  - hostname: r2
    interfaces:
      - {name: eth0, addresses: [10.0.0.2/30], ospf: {area: 0, cost: 3}}
    vrfs:
      - {name: default, ospf: {admin_internal: 110}}
graph:
  - r1:eth0, r2:eth0
`)
	routes := routesFor(t, dp, "r2", "192.0.2.0/24")
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, state.ProtoOspfE2, r.Protocol)
	assert.Equal(t, state.DefaultOspfExternalMetric, r.Metric)
	assert.Equal(t, int64(3), r.CostToAdvertiser)
	assert.Equal(t, "r1", r.Advertiser)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), r.NextHopIp)

	// the advertiser never installs its own external
	own := routesFor(t, dp, "r1", "192.0.2.0/24")
	require.Len(t, own, 1)
	assert.Equal(t, state.ProtoStatic, own[0].Protocol)
}

func TestEbgpPropagation(t *testing.T) {
	dp := computeNetwork(t, `
nodes:
  - hostname: r1
    interfaces:
      - {name: eth0, addresses: [10.0.0.1/30]}
    vrfs:
      - name: default
        static_routes:
          - {prefix: 192.0.2.0/24, next_hop_interface: null0}
        bgp:
          as: 65001
          neighbors:
            - {peer_ip: 10.0.0.2, remote_as: 65002, export_policy: statics}
    policies:
      - name: statics
        statements:
          - {action: permit, match: {protocols: [static]}}
  - hostname: r2
    interfaces:
      - {name: eth0, addresses: [10.0.0.2/30]}
    vrfs:
      - name: default
        bgp:
          as: 65002
          neighbors:
            - {peer_ip: 10.0.0.1, remote_as: 65001}
graph:
  - r1:eth0, r2:eth0
`)
	routes := routesFor(t, dp, "r2", "192.0.2.0/24")
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, state.ProtoBgp, r.Protocol)
	assert.Equal(t, state.AdminEbgp, r.Admin)
	assert.Equal(t, []uint32{65001}, r.AsPath)
	assert.Equal(t, state.OriginIncomplete, r.Origin)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), r.NextHopIp)
	assert.Equal(t, 1, dp.Stats.Attempts)

	// r2 sends the route back with its own AS prepended and r1 drops it
	back := routesFor(t, dp, "r1", "192.0.2.0/24")
	require.Len(t, back, 1)
	assert.Equal(t, state.ProtoStatic, back[0].Protocol)

	traces := traceFlow(t, dp, "r2", "192.0.2.10")
	require.Len(t, traces, 1)
	assert.Equal(t, state.NullRouted, traces[0].Disposition)
	assert.Equal(t, []string{"r2:eth0 -> r1:eth0", "r1:null0 -> (none)"}, hopEdges(traces[0]))
}

func TestExternalAdvertisementAndImportPolicy(t *testing.T) {
	dp := computeNetwork(t, `
nodes:
  - hostname: edge
    interfaces:
      - {name: eth0, addresses: [203.0.113.1/30]}
    vrfs:
      - name: default
        bgp:
          as: 65001
          neighbors:
            - {peer_ip: 203.0.113.2, remote_as: 64512, import_policy: in}
    policies:
      - name: in
        statements:
          - action: deny
            match: {prefixes: [{prefix: 10.0.0.0/8, le: 32}]}
          - action: permit
            set: {local_pref: 300}
external_bgp_advertisements:
  - {node: edge, peer_ip: 203.0.113.2, prefix: 198.18.0.0/15, as_path: [64512, 64496], med: 7}
  - {node: edge, peer_ip: 203.0.113.2, prefix: 10.1.0.0/16, as_path: [64512]}
`)
	routes := routesFor(t, dp, "edge", "198.18.0.0/15")
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, 300, r.LocalPref)
	assert.Equal(t, int64(7), r.Metric)
	assert.Equal(t, netip.MustParseAddr("203.0.113.2"), r.NextHopIp)
	assert.Empty(t, routesFor(t, dp, "edge", "10.1.0.0/16"))
}

func TestFlapIsDetectedAndRecovered(t *testing.T) {
	defer goleak.VerifyNone(t)
	dp := computeNetwork(t, flapNetwork)

	assert.Equal(t, 2, dp.Stats.Attempts)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}, dp.Stats.OscillatingPrefixes)
	assert.Equal(t, 3, dp.Stats.DependentIterations)

	a := routesFor(t, dp, "a", "192.0.2.0/24")
	require.Len(t, a, 1)
	assert.Equal(t, state.ProtoIbgp, a[0].Protocol)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), a[0].NextHopIp)

	b := routesFor(t, dp, "b", "192.0.2.0/24")
	require.Len(t, b, 1)
	assert.Equal(t, state.ProtoStatic, b[0].Protocol)
}

func TestFlapWithoutRecoveryIsFatal(t *testing.T) {
	cfg := parseNetwork(t, flapNetwork)
	cfg.Settings = cfg.Settings.WithRecoveryAttempts(0)
	cfg.Settings.DebugOscillation = true

	_, err := ComputeDataPlane(context.Background(), cfg, testLogger())
	require.Error(t, err)
	var oe *OscillationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, 1, oe.Attempts)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}, oe.Prefixes)
	require.Len(t, oe.Hashes, 3)
	assert.Equal(t, oe.Hashes[0], oe.Hashes[2])
	assert.NotEqual(t, oe.Hashes[0], oe.Hashes[1])
	assert.Contains(t, oe.Diff, "192.0.2.0/24")
	assert.Contains(t, err.Error(), "192.0.2.0/24")
}

func TestSessionsRequireMatchingConfiguration(t *testing.T) {
	cfg := parseNetwork(t, flapNetwork)
	e, err := NewEngine(cfg, testLogger())
	require.NoError(t, err)
	vrs, err := e.buildVirtualRouters()
	require.NoError(t, err)
	arena := establishSessions(vrs, e.owners, testLogger())
	assert.Equal(t, 2, arena.Len())
	s := arena.Get(SessionKey{Local: 0, Remote: 1})
	require.Len(t, s, 1)
	assert.False(t, s[0].ebgp)
	assert.Equal(t, "b", s[0].remote.Hostname)

	cfg.GetNode("b").GetVrf(state.DefaultVrf).Bgp.Neighbors[0].RemoteAs = 65009
	vrs, err = e.buildVirtualRouters()
	require.NoError(t, err)
	assert.Equal(t, 0, establishSessions(vrs, e.owners, testLogger()).Len())
}

func TestLockstepDropsWithdrawnAdvertisement(t *testing.T) {
	e, err := NewEngine(parseNetwork(t, flapNetwork), testLogger())
	require.NoError(t, err)
	vrs, err := e.buildVirtualRouters()
	require.NoError(t, err)
	establishSessions(vrs, e.owners, testLogger())
	a, b := vrs[0], vrs[1]

	p := netip.MustParsePrefix("192.0.2.0/24")
	ls := newLockstep([]netip.Prefix{p})
	advertising := newMainRib("main")
	advertising.Merge(state.NewRouteBuilder(p, state.ProtoStatic).
		SetNextHopInterface(state.NullInterface).
		SetAdmin(250).
		Build())

	// b holds priority on odd iterations, a on even ones
	exchange := func(iter int, bMain *Rib) []*state.Route {
		b.prevMainRib = bMain
		a.bgp.reinit()
		a.receiveFresh(iter, ls)
		a.replayDeferred(iter, ls)
		a.finalizeBgp()
		return a.bgp.bestPath.RoutesFor(p)
	}

	learned := exchange(1, advertising)
	require.Len(t, learned, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), learned[0].NextHopIp)
	// without priority, b's last advertisement is held
	assert.Len(t, exchange(2, newMainRib("main")), 1)
	// b withdraws while holding priority
	assert.Empty(t, exchange(3, newMainRib("main")))
	assert.Empty(t, exchange(4, newMainRib("main")))
	assert.Empty(t, exchange(5, newMainRib("main")))
	assert.Len(t, exchange(7, advertising), 1)
}
