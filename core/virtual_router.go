package core

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/encodeous/loom/state"
)

// NodeVrf names a virtual router.
type NodeVrf struct {
	Hostname string
	Vrf      string
}

func (k NodeVrf) String() string {
	return k.Hostname + "/" + k.Vrf
}

// adjacency is a usable IGP link as seen from the receiving router.
type adjacency struct {
	localIface  *state.InterfaceCfg
	remote      *VirtualRouter
	remoteIface *state.InterfaceCfg
	remoteIp    netip.Addr
	area        int64
}

// VirtualRouter holds the routing state of one (node, VRF) pair. It is rebuilt from
// scratch on every computation attempt.
type VirtualRouter struct {
	Id int
	NodeVrf
	salt uint64

	node       *state.NodeCfg
	vrf        *state.VrfCfg
	interfaces []*state.InterfaceCfg
	policies   map[string]*state.Policy
	log        *slog.Logger

	connectedRib       *Rib
	staticInterfaceRib *Rib
	independentRib     *Rib
	mainRib            *Rib
	prevMainRib        *Rib

	ospf *ospfProcess
	rip  *ripProcess
	bgp  *bgpProcess
}

func newVirtualRouter(id int, node *state.NodeCfg, vrf *state.VrfCfg, log *slog.Logger) (*VirtualRouter, error) {
	key := NodeVrf{node.Hostname, vrf.Name}
	vr := &VirtualRouter{
		Id:       id,
		NodeVrf:  key,
		salt:     xxhash.Sum64String(key.String()),
		node:     node,
		vrf:      vrf,
		policies: make(map[string]*state.Policy),
		log:      log.With("vr", key.String()),

		connectedRib:       newMainRib("connected"),
		staticInterfaceRib: newMainRib("static-interface"),
		independentRib:     newMainRib("independent"),
		mainRib:            newMainRib("main"),
		prevMainRib:        newMainRib("main"),
	}
	for _, iface := range node.VrfInterfaces(vrf.Name) {
		if !iface.Shutdown {
			vr.interfaces = append(vr.interfaces, iface)
		}
	}
	for _, pc := range node.Policies {
		p, err := state.CompilePolicy(pc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		vr.policies[pc.Name] = p
	}
	if vrf.Ospf != nil {
		vr.ospf = newOspfProcess(vr, vrf.Ospf)
	}
	if vrf.Rip != nil {
		vr.rip = newRipProcess(vrf.Rip)
	}
	if vrf.Bgp != nil {
		vr.bgp = newBgpProcess(vrf.Bgp)
	}
	return vr, nil
}

// policy returns the named policy, nil (permit everything) when the name is empty.
func (vr *VirtualRouter) policy(name string) *state.Policy {
	if name == "" {
		return nil
	}
	return vr.policies[name]
}

func (vr *VirtualRouter) activeInterface(name string) *state.InterfaceCfg {
	idx := slices.IndexFunc(vr.interfaces, func(i *state.InterfaceCfg) bool {
		return i.Name == name
	})
	if idx == -1 {
		return nil
	}
	return vr.interfaces[idx]
}

// initBaseRoutes computes every route that does not depend on other routers.
func (vr *VirtualRouter) initBaseRoutes() error {
	for _, iface := range vr.interfaces {
		for _, addr := range iface.Addresses {
			vr.connectedRib.Merge(state.NewRouteBuilder(addr.Masked(), state.ProtoConnected).
				SetNextHopInterface(iface.Name).
				SetAdmin(state.AdminConnected).
				Build())
		}
	}
	for i := range vr.vrf.StaticRoutes {
		sr := &vr.vrf.StaticRoutes[i]
		if err := state.StaticRouteValidator(sr); err != nil {
			return fmt.Errorf("%s: %w", vr.NodeVrf, err)
		}
		if sr.NextHopInterface == "" {
			continue
		}
		if sr.NextHopInterface != state.NullInterface && vr.activeInterface(sr.NextHopInterface) == nil {
			vr.log.Debug("static route interface is not active", "prefix", sr.Prefix, "interface", sr.NextHopInterface)
			continue
		}
		vr.staticInterfaceRib.Merge(staticRoute(sr))
	}
	if vr.ospf != nil {
		vr.ospf.originate()
	}
	if vr.rip != nil {
		vr.rip.originate(vr)
	}
	return nil
}

// initIndependentRib merges every route that stays fixed across dependent iterations.
func (vr *VirtualRouter) initIndependentRib() {
	vr.independentRib.Import(vr.connectedRib)
	vr.independentRib.Import(vr.staticInterfaceRib)
	if vr.ospf != nil {
		vr.independentRib.Import(vr.ospf.internalRib)
	}
	if vr.rip != nil {
		vr.independentRib.Import(vr.rip.rib)
	}
	vr.mainRib = newMainRib("main")
	vr.mainRib.Import(vr.independentRib)
}

// reinit starts a dependent iteration: the previous main RIB becomes the input of
// every exporting protocol and the new main RIB starts from the independent routes.
func (vr *VirtualRouter) reinit() {
	vr.prevMainRib = vr.mainRib
	vr.mainRib = newMainRib("main")
	vr.mainRib.Import(vr.independentRib)
	if vr.ospf != nil {
		vr.ospf.reinitExternal()
	}
	if vr.bgp != nil {
		vr.bgp.reinit()
	}
}

// mix is the splitmix64 finalizer; it spreads salted route hashes before summing.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func ribHash(r *Rib, salt uint64) uint64 {
	var h uint64
	for _, route := range r.Routes() {
		h += mix(route.Hash() ^ salt)
	}
	return h
}

// hash is the order independent hash of every route this router contributes to the
// convergence check.
func (vr *VirtualRouter) hash() uint64 {
	h := ribHash(vr.mainRib, vr.salt)
	if vr.ospf != nil {
		h += ribHash(vr.ospf.externalRib, ^vr.salt)
	}
	return h
}

// ribSnapshot maps a table name to prefix -> newline separated route keys.
type ribSnapshot map[string]map[string]string

func snapshotRib(r *Rib) map[string]string {
	out := make(map[string]string)
	for _, p := range r.Prefixes() {
		keys := make([]string, 0)
		for _, route := range r.RoutesFor(p) {
			keys = append(keys, route.Key())
		}
		slices.Sort(keys)
		out[p.String()] = strings.Join(keys, "\n")
	}
	return out
}

func (vr *VirtualRouter) snapshot(into ribSnapshot) {
	into[vr.NodeVrf.String()] = snapshotRib(vr.mainRib)
	if vr.ospf != nil && vr.ospf.externalRib.Len() > 0 {
		into[vr.NodeVrf.String()+" ospf-external"] = snapshotRib(vr.ospf.externalRib)
	}
}

// MainRib is the converged main RIB. It must not be modified.
func (vr *VirtualRouter) MainRib() *Rib {
	return vr.mainRib
}

// interfaceLookup resolves an interface to its virtual router and configuration. It
// returns nil when the interface is unknown or shut down.
type interfaceLookup func(ref state.InterfaceRef) (*VirtualRouter, *state.InterfaceCfg)

// remoteAddressOn returns the address of remote that lies in one of local's subnets,
// falling back to remote's first address.
func remoteAddressOn(local, remote *state.InterfaceCfg) (netip.Addr, bool) {
	for _, la := range local.Addresses {
		for _, ra := range remote.Addresses {
			if la.Masked().Contains(ra.Addr()) {
				return ra.Addr(), true
			}
		}
	}
	if len(remote.Addresses) > 0 {
		return remote.Addresses[0].Addr(), true
	}
	return netip.Addr{}, false
}

// neighbors lists the adjacencies of vr over every topology edge whose remote end
// is an active interface accepted by accept.
func (vr *VirtualRouter) neighbors(topo *state.Topology, lookup interfaceLookup,
	accept func(local *state.InterfaceCfg, remote *VirtualRouter, remoteIface *state.InterfaceCfg) bool,
) []adjacency {
	out := make([]adjacency, 0)
	for _, iface := range vr.interfaces {
		for _, e := range topo.EdgesFrom(state.InterfaceRef{Node: vr.Hostname, Interface: iface.Name}) {
			remote, ri := lookup(e.Head())
			if remote == nil || !accept(iface, remote, ri) {
				continue
			}
			ip, ok := remoteAddressOn(iface, ri)
			if !ok {
				vr.log.Debug("skipping adjacency without a remote address", "edge", e.String())
				continue
			}
			out = append(out, adjacency{
				localIface:  iface,
				remote:      remote,
				remoteIface: ri,
				remoteIp:    ip,
			})
		}
	}
	return out
}
