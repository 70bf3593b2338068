package core

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/encodeous/loom/perf"
	"github.com/encodeous/loom/state"
)

type tracer struct {
	dp     *DataPlane
	traces []state.FlowTrace
}

func (t *tracer) finish(d state.Disposition, hops []state.Hop, notes string) {
	t.traces = append(t.traces, state.FlowTrace{
		Disposition: d,
		Hops:        slices.Clone(hops),
		Notes:       notes,
	})
}

// TraceFlow simulates f hop by hop and returns every path it can take.
func (dp *DataPlane) TraceFlow(f state.Flow) ([]state.FlowTrace, error) {
	start := time.Now()
	defer func() {
		perf.TraceLatency.Add(float64(time.Since(start).Microseconds()))
		perf.FlowsTraced.Add(1)
	}()
	if f.IngressVrf == "" {
		f.IngressVrf = state.DefaultVrf
	}
	f.Src = f.Src.Unmap()
	f.Dst = f.Dst.Unmap()
	node := dp.cfg.GetNode(f.IngressNode)
	if node == nil {
		return nil, fmt.Errorf("%s: %w", f.IngressNode, ErrUnknownNode)
	}
	t := &tracer{dp: dp}
	if f.IngressInterface != "" {
		iface := node.GetInterface(f.IngressInterface)
		if iface == nil {
			return nil, fmt.Errorf("node %s has no interface %s", f.IngressNode, f.IngressInterface)
		}
		if !dp.acl(node.Hostname, iface.IncomingFilter).Permits(f) {
			t.finish(state.DeniedIn, nil, "denied by "+iface.IncomingFilter)
			return t.traces, nil
		}
	}
	if err := t.walk(NodeVrf{f.IngressNode, f.IngressVrf}, f, nil); err != nil {
		return nil, err
	}
	return state.SortTraces(t.traces), nil
}

// TraceFlows traces every flow in parallel.
func (dp *DataPlane) TraceFlows(ctx context.Context, flows []state.Flow) (map[state.Flow][]state.FlowTrace, error) {
	results := make([][]state.FlowTrace, len(flows))
	err := dp.sched.Run(ctx, len(flows), func(_ context.Context, i int) error {
		traces, err := dp.TraceFlow(flows[i])
		if err != nil {
			return fmt.Errorf("flow %s: %w", flows[i], err)
		}
		results[i] = traces
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[state.Flow][]state.FlowTrace, len(flows))
	for i, f := range flows {
		out[f] = results[i]
	}
	return out, nil
}

func routeKeys(finals map[netip.Addr][]*state.Route) []string {
	out := make([]string, 0)
	for _, routes := range finals {
		for _, r := range routes {
			if !slices.Contains(out, r.Key()) {
				out = append(out, r.Key())
			}
		}
	}
	slices.Sort(out)
	return out
}

// neighborResponds reports whether the far end of e answers ARP for ip: it owns ip
// on that interface, or it runs proxy ARP and ip is on one of its other subnets.
func (dp *DataPlane) neighborResponds(e state.Edge, ip netip.Addr) bool {
	if slices.Contains(dp.owners.InterfaceOwners(ip), e.Head()) {
		return true
	}
	node := dp.cfg.GetNode(e.Node2)
	iface := node.GetInterface(e.Interface2)
	if iface == nil || iface.Shutdown || !iface.ProxyArp {
		return false
	}
	for _, other := range node.Interfaces {
		if other.Name == iface.Name || other.Shutdown {
			continue
		}
		for _, a := range other.Addresses {
			if a.Masked().Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (t *tracer) walk(at NodeVrf, f state.Flow, hops []state.Hop) error {
	dp := t.dp
	if dp.owners.OwnedBy(f.Dst, at.Hostname) {
		t.finish(state.Accepted, hops, "")
		return nil
	}
	fib := dp.Fibs[at]
	if fib == nil {
		t.finish(state.NoRoute, hops, "no routing instance "+at.String())
		return nil
	}
	nextHops := fib.NextHopInterfaces(f.Dst)
	if len(nextHops) == 0 {
		t.finish(state.NoRoute, hops, "")
		return nil
	}
	node := dp.cfg.GetNode(at.Hostname)
	for _, ifName := range nextHops.Interfaces() {
		finals := nextHops[ifName]
		routes := routeKeys(finals)
		exit := state.Hop{Edge: state.ExitEdge(at.Hostname, ifName), Routes: routes}
		if ifName == state.NullInterface {
			t.finish(state.NullRouted, append(hops, exit), "")
			continue
		}
		if len(finals) > 1 {
			return fmt.Errorf("%w: %s interface %s", ErrMultipleFinalNextHops, at, ifName)
		}
		var final netip.Addr
		for ip := range finals {
			final = ip
		}
		if _, ok := dp.sinks[state.InterfaceRef{Node: at.Hostname, Interface: ifName}]; ok {
			t.finish(state.Accepted, append(hops, exit), "delivered to sink")
			continue
		}
		iface := node.GetInterface(ifName)
		if iface == nil {
			return fmt.Errorf("node %s has no interface %s", at.Hostname, ifName)
		}
		out := f
		for _, nat := range iface.SourceNats {
			if dp.acl(at.Hostname, nat.Acl).Permits(out) {
				out.Src = nat.PoolStart
				break
			}
		}
		if !dp.acl(at.Hostname, iface.OutgoingFilter).Permits(out) {
			t.finish(state.DeniedOut, hops, "denied by "+iface.OutgoingFilter)
			continue
		}
		arpIp := final
		if !arpIp.IsValid() {
			arpIp = out.Dst
		}
		responded := false
		for _, e := range dp.topo.EdgesFrom(state.InterfaceRef{Node: at.Hostname, Interface: ifName}) {
			if !dp.neighborResponds(e, arpIp) {
				continue
			}
			responded = true
			hop := state.Hop{Edge: e, Routes: routes}
			path := append(slices.Clone(hops), hop)
			if slices.ContainsFunc(hops, func(h state.Hop) bool { return h.Edge == e }) {
				t.finish(state.Loop, path, "")
				continue
			}
			nNode := dp.cfg.GetNode(e.Node2)
			nIface := nNode.GetInterface(e.Interface2)
			if !dp.acl(e.Node2, nIface.IncomingFilter).Permits(out) {
				t.finish(state.DeniedIn, path, "denied by "+nIface.IncomingFilter)
				continue
			}
			if err := t.walk(NodeVrf{e.Node2, nIface.Vrf}, out, path); err != nil {
				return err
			}
		}
		if !responded {
			t.finish(state.NeighborUnreachableOrExitsNetwork, append(hops, exit), "no neighbor answers arp for "+arpIp.String())
		}
	}
	return nil
}
