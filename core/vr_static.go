package core

import (
	"net/netip"

	"github.com/encodeous/loom/state"
)

func staticRoute(sr *state.StaticRouteCfg) *state.Route {
	b := state.NewRouteBuilder(sr.Prefix, state.ProtoStatic).
		SetAdmin(sr.Admin).
		SetMetric(sr.Metric).
		SetTag(sr.Tag)
	if sr.NextHopIp.IsValid() {
		b.SetNextHopIp(sr.NextHopIp)
	}
	if sr.NextHopInterface != "" {
		b.SetNextHopInterface(sr.NextHopInterface)
	}
	return b.Build()
}

// staticNextHopResolves reports whether a static route's next hop resolves through
// the current main RIB via a route that does not cover the static route itself.
func (vr *VirtualRouter) staticNextHopResolves(sr *state.StaticRouteCfg) bool {
	for _, m := range vr.mainRib.LongestPrefixMatch(sr.NextHopIp) {
		if m.NonRouting {
			continue
		}
		covering := m.Prefix.Bits() <= sr.Prefix.Bits() && m.Prefix.Contains(sr.Prefix.Addr())
		return !covering
	}
	return false
}

// generatedActive reports whether some route of the previous main RIB, other than one
// for the generated prefix itself, is permitted by the generation policy.
func (vr *VirtualRouter) generatedActive(gr *state.GeneratedRouteCfg) bool {
	if gr.Policy == "" {
		return true
	}
	pol := vr.policy(gr.Policy)
	for _, r := range vr.prevMainRib.Routes() {
		if r.Prefix == gr.Prefix.Masked() {
			continue
		}
		if pol.Permits(r, netip.Addr{}) {
			return true
		}
	}
	return false
}

func generatedRoute(gr *state.GeneratedRouteCfg) *state.Route {
	if gr.BgpAggregate {
		b := state.NewRouteBuilder(gr.Prefix, state.ProtoBgpAggregate).
			SetAdmin(gr.Admin).
			SetMetric(gr.Metric).
			SetLocalPref(state.DefaultLocalPref).
			SetOrigin(state.OriginIgp).
			SetNonRouting(true)
		return b.Build()
	}
	b := state.NewRouteBuilder(gr.Prefix, state.ProtoGenerated).
		SetAdmin(gr.Admin).
		SetMetric(gr.Metric)
	switch {
	case gr.Discard:
		b.SetNextHopInterface(state.NullInterface)
	case gr.NextHopIp.IsValid():
		b.SetNextHopIp(gr.NextHopIp)
	default:
		b.SetNonRouting(true)
	}
	return b.Build()
}

// activateConditionalRoutes merges every static route with a resolvable next hop ip
// and every active generated route, repeating until nothing new activates.
func (vr *VirtualRouter) activateConditionalRoutes() {
	for {
		changed := false
		for i := range vr.vrf.StaticRoutes {
			sr := &vr.vrf.StaticRoutes[i]
			if sr.NextHopInterface != "" || !sr.NextHopIp.IsValid() {
				continue
			}
			if vr.staticNextHopResolves(sr) && vr.mainRib.Merge(staticRoute(sr)) {
				changed = true
			}
		}
		for i := range vr.vrf.GeneratedRoutes {
			gr := &vr.vrf.GeneratedRoutes[i]
			if !vr.generatedActive(gr) {
				continue
			}
			r := generatedRoute(gr)
			if gr.BgpAggregate {
				if vr.bgp != nil {
					vr.bgp.addAggregate(r)
				}
				if !gr.Discard {
					continue
				}
				// a discard aggregate still null routes its prefix
				r = generatedRoute(&state.GeneratedRouteCfg{
					Prefix:  gr.Prefix,
					Discard: true,
					Admin:   gr.Admin,
					Metric:  gr.Metric,
				})
			}
			if vr.mainRib.Merge(r) {
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}
