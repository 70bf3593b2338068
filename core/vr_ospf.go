package core

import (
	"net/netip"
	"slices"

	"github.com/encodeous/loom/state"
)

type ospfProcess struct {
	vr          *VirtualRouter
	cfg         *state.OspfProcessCfg
	adjacencies []adjacency

	originated   *Rib
	intraRib     *Rib
	interRib     *Rib
	intraStaging *Rib
	interStaging *Rib
	internalRib  *Rib

	// outbox holds the externals this router originates in the current iteration
	outbox          *Rib
	externalRib     *Rib
	externalStaging *Rib
}

func newOspfProcess(vr *VirtualRouter, cfg *state.OspfProcessCfg) *ospfProcess {
	return &ospfProcess{
		vr:              vr,
		cfg:             cfg,
		originated:      newOspfRib("ospf-originated"),
		intraRib:        newOspfRib("ospf-intra"),
		interRib:        newOspfRib("ospf-inter"),
		intraStaging:    newOspfRib("ospf-intra-staging"),
		interStaging:    newOspfRib("ospf-inter-staging"),
		internalRib:     newOspfRib("ospf"),
		outbox:          newOspfRib("ospf-outbox"),
		externalRib:     newOspfRib("ospf-external"),
		externalStaging: newOspfRib("ospf-external-staging"),
	}
}

// originate creates the intra-area routes for the subnets of every OSPF interface,
// passive ones included.
func (o *ospfProcess) originate() {
	for _, iface := range o.vr.interfaces {
		if iface.Ospf == nil {
			continue
		}
		for _, addr := range iface.Addresses {
			o.originated.Merge(state.NewRouteBuilder(addr.Masked(), state.ProtoOspfIntra).
				SetMetric(iface.Ospf.Cost).
				SetArea(iface.Ospf.Area).
				SetNextHopInterface(iface.Name).
				SetAdmin(o.cfg.AdminInternal).
				SetAdvertiser(o.vr.Hostname).
				Build())
		}
	}
	o.intraRib.Import(o.originated)
}

func (o *ospfProcess) initAdjacencies(topo *state.Topology, lookup interfaceLookup) {
	o.adjacencies = o.vr.neighbors(topo, lookup, func(local *state.InterfaceCfg, remote *VirtualRouter, ri *state.InterfaceCfg) bool {
		return local.Ospf != nil && !local.Ospf.Passive &&
			remote.ospf != nil && ri.Ospf != nil && !ri.Ospf.Passive &&
			local.Ospf.Area == ri.Ospf.Area
	})
	for i := range o.adjacencies {
		o.adjacencies[i].area = o.adjacencies[i].localIface.Ospf.Area
	}
}

func (o *ospfProcess) areas() []int64 {
	out := make([]int64, 0)
	for _, iface := range o.vr.interfaces {
		if iface.Ospf != nil && !slices.Contains(out, iface.Ospf.Area) {
			out = append(out, iface.Ospf.Area)
		}
	}
	slices.Sort(out)
	return out
}

func (o *ospfProcess) isAbr() bool {
	areas := o.areas()
	return len(areas) > 1 && slices.Contains(areas, 0)
}

func (o *ospfProcess) summaries(area int64) []state.OspfSummaryCfg {
	for _, a := range o.cfg.Areas {
		if a.Area == area {
			return a.Summaries
		}
	}
	return nil
}

func (o *ospfProcess) interRoute(prefix netip.Prefix, metric int64, area int64) *state.Route {
	return state.NewRouteBuilder(prefix, state.ProtoOspfInter).
		SetMetric(metric).
		SetArea(area).
		SetAdvertiser(o.vr.Hostname).
		Build()
}

// summarize turns the intra-area routes of area from into inter-area routes for area
// into, collapsing the routes covered by a configured summary.
func (o *ospfProcess) summarize(from, into int64) []*state.Route {
	out := make([]*state.Route, 0)
	summaries := o.summaries(from)
	type aggregate struct {
		metric int64
		seen   bool
	}
	aggregates := make([]aggregate, len(summaries))
	for _, r := range o.intraRib.Routes() {
		if r.Area != from {
			continue
		}
		idx := slices.IndexFunc(summaries, func(s state.OspfSummaryCfg) bool {
			return s.Prefix.Bits() <= r.Prefix.Bits() && s.Prefix.Contains(r.Prefix.Addr())
		})
		if idx == -1 {
			out = append(out, o.interRoute(r.Prefix, r.Metric, into))
			continue
		}
		agg := &aggregates[idx]
		switch {
		case !agg.seen:
			agg.metric = r.Metric
		case o.cfg.Rfc1583Compatible:
			agg.metric = min(agg.metric, r.Metric)
		default:
			agg.metric = max(agg.metric, r.Metric)
		}
		agg.seen = true
	}
	for i, s := range summaries {
		if aggregates[i].seen && s.Advertises() {
			out = append(out, o.interRoute(s.Prefix, aggregates[i].metric, into))
		}
	}
	return out
}

// advertisements returns what this router floods to a neighbor in area. It only
// reads the committed RIBs.
func (o *ospfProcess) advertisements(area int64) []*state.Route {
	out := make([]*state.Route, 0)
	for _, r := range o.intraRib.Routes() {
		if r.Area == area {
			out = append(out, r)
		}
	}
	for _, r := range o.interRib.Routes() {
		if r.Area == area {
			out = append(out, r)
		}
	}
	if !o.isAbr() {
		return out
	}
	for _, other := range o.areas() {
		if other == area || (area != 0 && other != 0) {
			continue
		}
		out = append(out, o.summarize(other, area)...)
	}
	if area != 0 {
		for _, r := range o.interRib.Routes() {
			if r.Area == 0 {
				out = append(out, o.interRoute(r.Prefix, r.Metric, area))
			}
		}
	}
	return out
}

// propagateInternal recomputes the internal routes from the originated ones and the
// current advertisements of every neighbor. Staging is rebuilt from scratch on every
// round so that metrics may also grow, as summaries do while their area converges.
func (o *ospfProcess) propagateInternal() {
	o.intraStaging = newOspfRib("ospf-intra-staging")
	o.interStaging = newOspfRib("ospf-inter-staging")
	o.intraStaging.Import(o.originated)
	for _, adj := range o.adjacencies {
		for _, r := range adj.remote.ospf.advertisements(adj.area) {
			if r.Advertiser == o.vr.Hostname {
				continue
			}
			route := state.NewRouteBuilder(r.Prefix, r.Protocol).
				SetMetric(r.Metric + adj.localIface.Ospf.Cost).
				SetArea(adj.area).
				SetAdmin(o.cfg.AdminInternal).
				SetNextHopIp(adj.remoteIp).
				SetAdvertiser(r.Advertiser).
				Build()
			if route.Protocol == state.ProtoOspfIntra {
				o.intraStaging.Merge(route)
			} else {
				o.interStaging.Merge(route)
			}
		}
	}
}

// unstageInternal replaces the committed RIBs with staging and reports whether their
// contents changed.
func (o *ospfProcess) unstageInternal() bool {
	changed := !sameRoutes(o.intraRib, o.intraStaging) || !sameRoutes(o.interRib, o.interStaging)
	o.intraRib, o.interRib = o.intraStaging, o.interStaging
	return changed
}

func (o *ospfProcess) finishInternal() {
	o.internalRib = newOspfRib("ospf")
	o.internalRib.Import(o.intraRib)
	o.internalRib.Import(o.interRib)
}

func (o *ospfProcess) reinitExternal() {
	o.outbox = newOspfRib("ospf-outbox")
	o.externalRib = newOspfRib("ospf-external")
	o.externalStaging = newOspfRib("ospf-external-staging")
}

// exportExternal redistributes non-OSPF routes of the previous main RIB through the
// export policy. Without an export policy nothing is redistributed.
func (o *ospfProcess) exportExternal() {
	if o.cfg.ExportPolicy == "" {
		return
	}
	pol := o.vr.policy(o.cfg.ExportPolicy)
	for _, r := range o.vr.prevMainRib.Routes() {
		if r.Protocol.IsOspf() {
			continue
		}
		b := state.NewRouteBuilder(r.Prefix, state.ProtoOspfE2).
			SetMetric(state.DefaultOspfExternalMetric).
			SetAdmin(o.cfg.AdminExternal).
			SetAdvertiser(o.vr.Hostname).
			SetTag(r.Tag)
		if pol.Process(r, b, netip.Addr{}) {
			o.outbox.Merge(b.Build())
		}
	}
}

func (o *ospfProcess) externalAdvertisements() []*state.Route {
	return append(o.outbox.Routes(), o.externalRib.Routes()...)
}

func (o *ospfProcess) propagateExternal() {
	for _, adj := range o.adjacencies {
		for _, r := range adj.remote.ospf.externalAdvertisements() {
			if r.Advertiser == o.vr.Hostname {
				continue
			}
			b := state.NewRouteBuilder(r.Prefix, r.Protocol).
				SetArea(adj.area).
				SetAdmin(o.cfg.AdminExternal).
				SetNextHopIp(adj.remoteIp).
				SetAdvertiser(r.Advertiser).
				SetTag(r.Tag)
			if r.Protocol == state.ProtoOspfE1 {
				b.SetMetric(r.Metric + adj.localIface.Ospf.Cost)
			} else {
				b.SetMetric(r.Metric).SetCostToAdvertiser(r.CostToAdvertiser + adj.localIface.Ospf.Cost)
			}
			o.externalStaging.Merge(b.Build())
		}
	}
}

func (o *ospfProcess) unstageExternal() bool {
	changed := o.externalRib.Import(o.externalStaging)
	o.externalStaging = newOspfRib("ospf-external-staging")
	return changed
}
