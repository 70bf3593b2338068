package state

import (
	"fmt"
	"net/netip"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
)

// LoadNetwork reads, expands and validates a network document.
func LoadNetwork(path string) (*NetworkCfg, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseNetwork(file)
}

func ParseNetwork(data []byte) (*NetworkCfg, error) {
	var cfg NetworkCfg
	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse network: %w", err)
	}
	err = ExpandNetworkConfig(&cfg)
	if err != nil {
		return nil, err
	}
	err = NetworkConfigValidator(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExpandNetworkConfig fills in defaults: implicit VRFs, administrative distances, BGP
// router ids, local addresses and AS numbers, and the edges described by graph lines.
func ExpandNetworkConfig(cfg *NetworkCfg) error {
	for ni := range cfg.Nodes {
		node := &cfg.Nodes[ni]
		for ii := range node.Interfaces {
			iface := &node.Interfaces[ii]
			if iface.Vrf == "" {
				iface.Vrf = DefaultVrf
			}
			if iface.Ospf != nil && iface.Ospf.Cost == 0 {
				iface.Ospf.Cost = DefaultOspfCost
			}
			if node.GetVrf(iface.Vrf) == nil {
				node.Vrfs = append(node.Vrfs, VrfCfg{Name: iface.Vrf})
			}
		}
		if node.GetVrf(DefaultVrf) == nil {
			node.Vrfs = append(node.Vrfs, VrfCfg{Name: DefaultVrf})
		}
		for vi := range node.Vrfs {
			expandVrf(node, &node.Vrfs[vi])
		}
	}
	for i := range cfg.ExternalBgpAdvertisements {
		if cfg.ExternalBgpAdvertisements[i].Vrf == "" {
			cfg.ExternalBgpAdvertisements[i].Vrf = DefaultVrf
		}
	}

	if len(cfg.Graph) > 0 {
		pairs, err := ParseGraph(cfg.Graph, cfg.InterfaceSymbols())
		if err != nil {
			return fmt.Errorf("failed to parse graph: %w", err)
		}
		for _, p := range pairs {
			a, _ := ParseInterfaceRef(p.V1)
			b, _ := ParseInterfaceRef(p.V2)
			cfg.Edges = append(cfg.Edges, EdgeCfg{a.Node, a.Interface, b.Node, b.Interface})
		}
		cfg.Graph = nil
	}
	cfg.Edges = canonicalEdges(cfg.Edges)
	return nil
}

// canonicalEdges orders each undirected edge endpoint-wise and removes duplicates.
func canonicalEdges(edges []EdgeCfg) []EdgeCfg {
	out := make([]EdgeCfg, 0, len(edges))
	for _, e := range edges {
		a := InterfaceRef{e.Node1, e.Interface1}.String()
		b := InterfaceRef{e.Node2, e.Interface2}.String()
		if b < a {
			e = EdgeCfg{e.Node2, e.Interface2, e.Node1, e.Interface1}
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(x, y EdgeCfg) int {
		return CompareEdges(Edge(x), Edge(y))
	})
	return slices.Compact(out)
}

func expandVrf(node *NodeCfg, vrf *VrfCfg) {
	for i := range vrf.StaticRoutes {
		sr := &vrf.StaticRoutes[i]
		sr.Prefix = sr.Prefix.Masked()
		if sr.Admin == 0 {
			sr.Admin = AdminStatic
		}
	}
	for i := range vrf.GeneratedRoutes {
		gr := &vrf.GeneratedRoutes[i]
		gr.Prefix = gr.Prefix.Masked()
		if gr.Admin == 0 {
			gr.Admin = AdminGenerated
		}
	}
	if vrf.Ospf != nil {
		if vrf.Ospf.AdminInternal == 0 {
			vrf.Ospf.AdminInternal = AdminOspf
		}
		if vrf.Ospf.AdminExternal == 0 {
			vrf.Ospf.AdminExternal = AdminOspfExternal
		}
		if !vrf.Ospf.RouterId.IsValid() {
			vrf.Ospf.RouterId = highestAddress(node, vrf.Name)
		}
	}
	if vrf.Rip != nil && vrf.Rip.Admin == 0 {
		vrf.Rip.Admin = AdminRip
	}
	if vrf.Bgp != nil {
		bgp := vrf.Bgp
		if bgp.AdminEbgp == 0 {
			bgp.AdminEbgp = AdminEbgp
		}
		if bgp.AdminIbgp == 0 {
			bgp.AdminIbgp = AdminIbgp
		}
		if !bgp.RouterId.IsValid() {
			bgp.RouterId = highestAddress(node, vrf.Name)
		}
		if bgp.ClusterId == 0 && bgp.RouterId.Is4() {
			b := bgp.RouterId.As4()
			bgp.ClusterId = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		}
		for i := range bgp.Neighbors {
			nb := &bgp.Neighbors[i]
			if nb.LocalAs == 0 {
				nb.LocalAs = bgp.As
			}
			if !nb.LocalIp.IsValid() {
				nb.LocalIp = localAddressFor(node, vrf.Name, nb.PeerIp)
			}
		}
	}
}

// highestAddress picks the numerically highest IPv4 address of an active interface in vrf.
func highestAddress(node *NodeCfg, vrf string) netip.Addr {
	best := netip.IPv4Unspecified()
	for _, iface := range node.VrfInterfaces(vrf) {
		if iface.Shutdown {
			continue
		}
		for _, a := range iface.Addresses {
			if a.Addr().Is4() && best.Less(a.Addr()) {
				best = a.Addr()
			}
		}
	}
	return best
}

// localAddressFor returns the interface address whose subnet contains peer.
func localAddressFor(node *NodeCfg, vrf string, peer netip.Addr) netip.Addr {
	for _, iface := range node.VrfInterfaces(vrf) {
		if iface.Shutdown {
			continue
		}
		for _, a := range iface.Addresses {
			if a.Masked().Contains(peer) && a.Addr() != peer {
				return a.Addr()
			}
		}
	}
	return netip.Addr{}
}

// MarshalNetwork renders an expanded configuration back to YAML.
func MarshalNetwork(cfg *NetworkCfg) ([]byte, error) {
	return yaml.Marshal(cfg)
}
