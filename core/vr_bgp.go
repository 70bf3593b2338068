package core

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/encodeous/loom/state"
)

type bgpProcess struct {
	cfg      *state.BgpProcessCfg
	sessions []*bgpSession

	// external advertisements, fixed for the whole computation
	baseEbgp *Rib
	baseIbgp *Rib

	ebgpStaging   *Rib
	ibgpStaging   *Rib
	ebgpMultipath *Rib
	ebgpBestPath  *Rib
	ibgpMultipath *Rib
	ibgpBestPath  *Rib
	multipath     *Rib
	bestPath      *Rib
	aggregates    *Rib

	// results of the previous iteration, read by the senders of this one
	prevMultipath    *Rib
	prevEbgpBestPath *Rib
	prevBestPath     *Rib
	prevAggregates   *Rib
}

func newBgpProcess(cfg *state.BgpProcessCfg) *bgpProcess {
	p := &bgpProcess{
		cfg:      cfg,
		baseEbgp: newBgpRib("ebgp-base", true),
		baseIbgp: newBgpRib("ibgp-base", true),
	}
	p.resetResults()
	p.reinit()
	return p
}

func (p *bgpProcess) resetResults() {
	p.ebgpMultipath = newBgpRib("ebgp-multipath", true)
	p.ebgpBestPath = newBgpRib("ebgp-bestpath", false)
	p.ibgpMultipath = newBgpRib("ibgp-multipath", true)
	p.ibgpBestPath = newBgpRib("ibgp-bestpath", false)
	p.multipath = newBgpRib("bgp-multipath", true)
	p.bestPath = newBgpRib("bgp-bestpath", false)
	p.aggregates = newMainRib("bgp-aggregates")
}

// reinit rotates the current results into the previous slots and seeds staging with
// the external advertisements.
func (p *bgpProcess) reinit() {
	p.prevMultipath = p.multipath
	p.prevEbgpBestPath = p.ebgpBestPath
	p.prevBestPath = p.bestPath
	p.prevAggregates = p.aggregates
	p.resetResults()
	p.ebgpStaging = newBgpRib("ebgp-staging", true)
	p.ibgpStaging = newBgpRib("ibgp-staging", true)
	p.ebgpStaging.Import(p.baseEbgp)
	p.ibgpStaging.Import(p.baseIbgp)
}

func (p *bgpProcess) addAggregate(r *state.Route) {
	p.aggregates.Merge(r)
}

func (p *bgpProcess) adminFor(ebgp bool) int {
	if ebgp {
		return p.cfg.AdminEbgp
	}
	return p.cfg.AdminIbgp
}

// initExternalAdvertisements imports the routes advertised by peers outside the
// simulated network through the import policy of the matching neighbor.
func (vr *VirtualRouter) initExternalAdvertisements(adverts []state.ExternalBgpAdvertisementCfg) error {
	if vr.bgp == nil {
		return nil
	}
	for _, adv := range adverts {
		vrf := adv.Vrf
		if vrf == "" {
			vrf = state.DefaultVrf
		}
		if adv.Node != vr.Hostname || vrf != vr.Vrf {
			continue
		}
		nb := findNeighbor(vr.bgp.cfg, adv.PeerIp)
		ebgp := !adv.Ibgp
		if nb != nil {
			ebgp = nb.IsEbgp()
		}
		proto := state.ProtoIbgp
		if ebgp {
			proto = state.ProtoBgp
		}
		origin, err := state.ParseOriginType(adv.Origin)
		if err != nil {
			return fmt.Errorf("external advertisement %s: %w", adv.Prefix, err)
		}
		comms := make([]uint32, 0, len(adv.Communities))
		for _, c := range adv.Communities {
			v, err := state.ParseCommunity(c)
			if err != nil {
				return fmt.Errorf("external advertisement %s: %w", adv.Prefix, err)
			}
			comms = append(comms, v)
		}
		nh := adv.NextHopIp
		if !nh.IsValid() {
			nh = adv.PeerIp
		}
		lp := adv.LocalPref
		if lp == 0 {
			lp = state.DefaultLocalPref
		}
		in := state.NewRouteBuilder(adv.Prefix, proto).
			SetNextHopIp(nh).
			SetAdmin(vr.bgp.adminFor(ebgp)).
			SetMetric(adv.Med).
			SetLocalPref(lp).
			SetOrigin(origin).
			SetAsPath(adv.AsPath).
			SetCommunities(comms).
			SetReceivedFromIp(adv.PeerIp).
			Build()
		var pol *state.Policy
		if nb != nil {
			pol = vr.policy(nb.ImportPolicy)
		}
		out := state.BuilderFrom(in)
		if !pol.Process(in, out, adv.PeerIp) {
			continue
		}
		if ebgp {
			vr.bgp.baseEbgp.Merge(out.Build())
		} else {
			vr.bgp.baseIbgp.Merge(out.Build())
		}
	}
	return nil
}

// exportCandidates lists the routes the sender may advertise on session s.
func (s *bgpSession) exportCandidates() []*state.Route {
	sp := s.remote.bgp
	seen := make(map[string]struct{})
	out := make([]*state.Route, 0)
	add := func(routes []*state.Route) {
		for _, r := range routes {
			if _, ok := seen[r.Key()]; ok {
				continue
			}
			seen[r.Key()] = struct{}{}
			out = append(out, r)
		}
	}
	add(s.remote.prevMainRib.Routes())
	if s.remoteNb.AdvertiseExternal {
		add(sp.prevEbgpBestPath.Routes())
	}
	if s.remoteNb.AdditionalPaths {
		add(sp.prevMultipath.Routes())
	}
	add(sp.prevAggregates.Routes())
	return out
}

// exportRoute applies the sender side of the session to r: next hop rewrite,
// community stripping, route reflection, the export policy and AS prepending.
func (s *bgpSession) exportRoute(r *state.Route) (*state.Route, bool) {
	sender := s.remote
	nb := s.remoteNb
	var b *state.RouteBuilder
	switch {
	case r.Protocol == state.ProtoBgpAggregate:
		b = state.NewRouteBuilder(r.Prefix, state.ProtoBgp).
			SetLocalPref(r.LocalPref).
			SetOrigin(r.Origin).
			SetMetric(r.Metric).
			SetNextHopIp(nb.LocalIp)
	case r.Protocol == state.ProtoBgp || r.Protocol == state.ProtoIbgp:
		b = state.BuilderFrom(r).
			SetReceivedFromIp(netip.Addr{}).
			SetReceivedFromRRClient(false)
		switch {
		case s.ebgp:
			b.SetClusterList(nil).SetOriginatorIp(netip.Addr{}).SetNextHopIp(nb.LocalIp)
		case r.Protocol == state.ProtoIbgp:
			if !r.ReceivedFromRRClient && !nb.RouteReflectorClient {
				return nil, false
			}
			b.SetClusterList(append(slices.Clone(r.ClusterList), sender.bgp.cfg.ClusterId))
		default:
			b.SetClusterList(nil).SetOriginatorIp(netip.Addr{})
		}
	default:
		if r.NonRouting || nb.ExportPolicy == "" {
			return nil, false
		}
		b = state.NewRouteBuilder(r.Prefix, state.ProtoBgp).
			SetOrigin(state.OriginIncomplete).
			SetMetric(r.Metric).
			SetLocalPref(state.DefaultLocalPref).
			SetTag(r.Tag).
			SetNextHopIp(nb.LocalIp)
	}
	if !nb.SendCommunity {
		b.SetCommunities(nil)
	}
	if !sender.policy(nb.ExportPolicy).Process(r, b, nb.PeerIp) {
		return nil, false
	}
	if s.ebgp {
		b.PrependAs(nb.LocalAs)
	}
	return b.Build(), true
}

// exported returns every route the sender advertises on s in this iteration.
func (s *bgpSession) exported() []*state.Route {
	out := make([]*state.Route, 0)
	for _, r := range s.exportCandidates() {
		if e, ok := s.exportRoute(r); ok {
			out = append(out, e)
		}
	}
	return out
}

// importRoute applies the receiver side of s to an advertised route and stages it.
func (vr *VirtualRouter) importRoute(s *bgpSession, e *state.Route) {
	bp := vr.bgp
	if !s.localNb.AllowLocalAsIn && (e.AsPathContains(s.localNb.LocalAs) || e.AsPathContains(bp.cfg.As)) {
		return
	}
	if e.OriginatorIp.IsValid() && e.OriginatorIp == bp.cfg.RouterId {
		return
	}
	if bp.cfg.ClusterId != 0 && slices.Contains(e.ClusterList, bp.cfg.ClusterId) {
		return
	}
	proto := state.ProtoIbgp
	if s.ebgp {
		proto = state.ProtoBgp
	}
	b := state.BuilderFrom(e).
		SetProtocol(proto).
		SetAdmin(bp.adminFor(s.ebgp)).
		SetNonRouting(false).
		SetNextHopInterface("").
		SetReceivedFromIp(s.localNb.PeerIp).
		SetReceivedFromRRClient(s.localNb.RouteReflectorClient)
	if s.ebgp {
		b.SetLocalPref(state.DefaultLocalPref)
	}
	if !e.OriginatorIp.IsValid() {
		b.SetOriginatorIp(s.remote.bgp.cfg.RouterId)
	}
	if !vr.policy(s.localNb.ImportPolicy).Process(e, b, s.localNb.PeerIp) {
		return
	}
	if s.ebgp {
		bp.ebgpStaging.Merge(b.Build())
	} else {
		bp.ibgpStaging.Merge(b.Build())
	}
}

// receiveFresh pulls what every peer advertises in this iteration. In lockstep mode
// the advertisements for oscillating prefixes only pass when the sender holds
// priority; they are then remembered for later replay.
func (vr *VirtualRouter) receiveFresh(iter int, ls *lockstep) {
	if vr.bgp == nil {
		return
	}
	for _, s := range vr.bgp.sessions {
		routes := s.exported()
		if ls == nil {
			for _, e := range routes {
				vr.importRoute(s, e)
			}
			continue
		}
		senderHasPriority := ls.prioritySide(iter, vr.Id, s.remote.Id) == s.remote.Id
		fresh := make(map[netip.Prefix][]*state.Route)
		for _, e := range routes {
			if !ls.oscillating(e.Prefix) {
				vr.importRoute(s, e)
				continue
			}
			if senderHasPriority {
				fresh[e.Prefix] = append(fresh[e.Prefix], e)
			}
		}
		if senderHasPriority {
			// a prefix the sender no longer advertises must not be replayed
			for p := range s.deferred {
				if _, ok := fresh[p]; !ok {
					delete(s.deferred, p)
				}
			}
		}
		for p, rs := range fresh {
			s.deferred[p] = rs
			ls.mark(vr.Id, s.remote.Id, p, iter)
			for _, e := range rs {
				vr.importRoute(s, e)
			}
		}
	}
}

// replayDeferred re-imports the remembered advertisements of peers without priority,
// unless the prefix moved in the opposite direction during this iteration.
func (vr *VirtualRouter) replayDeferred(iter int, ls *lockstep) {
	if vr.bgp == nil || ls == nil {
		return
	}
	for _, s := range vr.bgp.sessions {
		if ls.prioritySide(iter, vr.Id, s.remote.Id) == s.remote.Id {
			continue
		}
		for p, rs := range s.deferred {
			if ls.marked(vr.Id, s.remote.Id, p, iter) {
				continue
			}
			for _, e := range rs {
				vr.importRoute(s, e)
			}
		}
	}
}

// finalizeBgp computes the BGP decision and installs the multipath selection into
// the main RIB.
func (vr *VirtualRouter) finalizeBgp() {
	bp := vr.bgp
	if bp == nil {
		return
	}
	bp.ebgpMultipath.Import(bp.ebgpStaging)
	bp.ebgpBestPath.Import(bp.ebgpStaging)
	bp.ibgpMultipath.Import(bp.ibgpStaging)
	bp.ibgpBestPath.Import(bp.ibgpStaging)

	bp.bestPath.Import(bp.ebgpBestPath)
	bp.bestPath.Import(bp.ibgpBestPath)
	bp.bestPath.Import(bp.aggregates)

	ebgp, ibgp := bp.ebgpBestPath, bp.ibgpBestPath
	if bp.cfg.MultipathEbgp {
		ebgp = bp.ebgpMultipath
	}
	if bp.cfg.MultipathIbgp {
		ibgp = bp.ibgpMultipath
	}
	bp.multipath.Import(ebgp)
	bp.multipath.Import(ibgp)
	bp.multipath.Import(bp.aggregates)

	for _, r := range bp.multipath.Routes() {
		if !r.NonRouting {
			vr.mainRib.Merge(r)
		}
	}
}
