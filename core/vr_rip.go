package core

import "github.com/encodeous/loom/state"

type ripProcess struct {
	cfg         *state.RipProcessCfg
	adjacencies []adjacency
	rib         *Rib
	staging     *Rib
}

func newRipProcess(cfg *state.RipProcessCfg) *ripProcess {
	return &ripProcess{
		cfg:     cfg,
		rib:     newRipRib("rip"),
		staging: newRipRib("rip-staging"),
	}
}

func (p *ripProcess) originate(vr *VirtualRouter) {
	for _, iface := range vr.interfaces {
		if iface.Rip == nil {
			continue
		}
		for _, addr := range iface.Addresses {
			p.rib.Merge(state.NewRouteBuilder(addr.Masked(), state.ProtoRip).
				SetNextHopInterface(iface.Name).
				SetAdmin(p.cfg.Admin).
				Build())
		}
	}
}

// initAdjacencies collects the neighbors this router hears from. A passive remote
// interface never sends, a passive local interface still listens.
func (p *ripProcess) initAdjacencies(vr *VirtualRouter, topo *state.Topology, lookup interfaceLookup) {
	p.adjacencies = vr.neighbors(topo, lookup, func(local *state.InterfaceCfg, remote *VirtualRouter, ri *state.InterfaceCfg) bool {
		return local.Rip != nil && remote.rip != nil && ri.Rip != nil && !ri.Rip.Passive
	})
}

func (p *ripProcess) propagate() {
	for _, adj := range p.adjacencies {
		for _, r := range adj.remote.rip.rib.Routes() {
			metric := r.Metric + 1
			if metric >= state.RipInfinity {
				continue
			}
			p.staging.Merge(state.NewRouteBuilder(r.Prefix, state.ProtoRip).
				SetMetric(metric).
				SetNextHopIp(adj.remoteIp).
				SetAdmin(p.cfg.Admin).
				Build())
		}
	}
}

func (p *ripProcess) unstage() bool {
	changed := p.rib.Import(p.staging)
	p.staging = newRipRib("rip-staging")
	return changed
}
