package state

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/cilium/cilium/pkg/ip"
)

// NetworkCfg is the whole simulated network as loaded from YAML.
type NetworkCfg struct {
	Nodes                     []NodeCfg                     `yaml:"nodes"`
	Edges                     []EdgeCfg                     `yaml:"edges,omitempty"`
	Graph                     []string                      `yaml:"graph,omitempty"` // interface graph, see ParseGraph
	ExternalBgpAdvertisements []ExternalBgpAdvertisementCfg `yaml:"external_bgp_advertisements,omitempty"`
	FlowSinks                 []InterfaceRef                `yaml:"flow_sinks,omitempty"`
	IpOwners                  map[string][]string           `yaml:"ip_owners,omitempty"` // ip -> extra owning hostnames
	Settings                  Settings                      `yaml:"settings,omitempty"`
}

type NodeCfg struct {
	Hostname   string         `yaml:"hostname"`
	Interfaces []InterfaceCfg `yaml:"interfaces,omitempty"`
	Vrfs       []VrfCfg       `yaml:"vrfs,omitempty"`
	Acls       []AclCfg       `yaml:"acls,omitempty"`
	Policies   []PolicyCfg    `yaml:"policies,omitempty"`
}

type InterfaceCfg struct {
	Name           string            `yaml:"name"`
	Vrf            string            `yaml:"vrf,omitempty"`
	Addresses      []netip.Prefix    `yaml:"addresses,omitempty"` // host address with subnet length, e.g. 10.0.0.1/30
	Shutdown       bool              `yaml:"shutdown,omitempty"`
	ProxyArp       bool              `yaml:"proxy_arp,omitempty"`
	IncomingFilter string            `yaml:"incoming_filter,omitempty"`
	OutgoingFilter string            `yaml:"outgoing_filter,omitempty"`
	SourceNats     []SourceNatCfg    `yaml:"source_nats,omitempty"`
	Ospf           *OspfInterfaceCfg `yaml:"ospf,omitempty"`
	Rip            *RipInterfaceCfg  `yaml:"rip,omitempty"`
}

type SourceNatCfg struct {
	Acl       string     `yaml:"acl,omitempty"` // empty matches every flow
	PoolStart netip.Addr `yaml:"pool_start"`
	PoolEnd   netip.Addr `yaml:"pool_end,omitempty"`
}

type OspfInterfaceCfg struct {
	Area    int64 `yaml:"area"`
	Cost    int64 `yaml:"cost,omitempty"`
	Passive bool  `yaml:"passive,omitempty"`
}

type RipInterfaceCfg struct {
	Passive bool `yaml:"passive,omitempty"`
}

type VrfCfg struct {
	Name            string              `yaml:"name"`
	StaticRoutes    []StaticRouteCfg    `yaml:"static_routes,omitempty"`
	GeneratedRoutes []GeneratedRouteCfg `yaml:"generated_routes,omitempty"`
	Ospf            *OspfProcessCfg     `yaml:"ospf,omitempty"`
	Rip             *RipProcessCfg      `yaml:"rip,omitempty"`
	Bgp             *BgpProcessCfg      `yaml:"bgp,omitempty"`
}

type StaticRouteCfg struct {
	Prefix           netip.Prefix `yaml:"prefix"`
	NextHopIp        netip.Addr   `yaml:"next_hop_ip,omitempty"`
	NextHopInterface string       `yaml:"next_hop_interface,omitempty"`
	Admin            int          `yaml:"admin,omitempty"`
	Metric           int64        `yaml:"metric,omitempty"`
	Tag              int          `yaml:"tag,omitempty"`
}

type GeneratedRouteCfg struct {
	Prefix       netip.Prefix `yaml:"prefix"`
	Discard      bool         `yaml:"discard,omitempty"`
	Policy       string       `yaml:"policy,omitempty"` // generation policy, empty means always active
	NextHopIp    netip.Addr   `yaml:"next_hop_ip,omitempty"`
	Admin        int          `yaml:"admin,omitempty"`
	Metric       int64        `yaml:"metric,omitempty"`
	BgpAggregate bool         `yaml:"bgp_aggregate,omitempty"`
}

type OspfProcessCfg struct {
	RouterId          netip.Addr    `yaml:"router_id,omitempty"`
	ExportPolicy      string        `yaml:"export_policy,omitempty"`
	Rfc1583Compatible bool          `yaml:"rfc1583_compatible,omitempty"`
	AdminInternal     int           `yaml:"admin_internal,omitempty"`
	AdminExternal     int           `yaml:"admin_external,omitempty"`
	Areas             []OspfAreaCfg `yaml:"areas,omitempty"`
}

type OspfAreaCfg struct {
	Area      int64            `yaml:"area"`
	Summaries []OspfSummaryCfg `yaml:"summaries,omitempty"`
}

type OspfSummaryCfg struct {
	Prefix    netip.Prefix `yaml:"prefix"`
	Advertise *bool        `yaml:"advertise,omitempty"` // default true
}

func (s OspfSummaryCfg) Advertises() bool {
	return s.Advertise == nil || *s.Advertise
}

type RipProcessCfg struct {
	Admin int `yaml:"admin,omitempty"`
}

type BgpProcessCfg struct {
	As            uint32           `yaml:"as"`
	RouterId      netip.Addr       `yaml:"router_id,omitempty"`
	ClusterId     uint32           `yaml:"cluster_id,omitempty"`
	MultipathEbgp bool             `yaml:"multipath_ebgp,omitempty"`
	MultipathIbgp bool             `yaml:"multipath_ibgp,omitempty"`
	AdminEbgp     int              `yaml:"admin_ebgp,omitempty"`
	AdminIbgp     int              `yaml:"admin_ibgp,omitempty"`
	Neighbors     []BgpNeighborCfg `yaml:"neighbors,omitempty"`
}

type BgpNeighborCfg struct {
	PeerIp               netip.Addr `yaml:"peer_ip"`
	LocalIp              netip.Addr `yaml:"local_ip,omitempty"`
	RemoteAs             uint32     `yaml:"remote_as"`
	LocalAs              uint32     `yaml:"local_as,omitempty"`
	ImportPolicy         string     `yaml:"import_policy,omitempty"`
	ExportPolicy         string     `yaml:"export_policy,omitempty"`
	RouteReflectorClient bool       `yaml:"route_reflector_client,omitempty"`
	SendCommunity        bool       `yaml:"send_community,omitempty"`
	AdvertiseExternal    bool       `yaml:"advertise_external,omitempty"`
	AdditionalPaths      bool       `yaml:"additional_paths,omitempty"`
	AllowLocalAsIn       bool       `yaml:"allow_local_as_in,omitempty"`
}

func (n *BgpNeighborCfg) IsEbgp() bool {
	return n.LocalAs != n.RemoteAs
}

type AclCfg struct {
	Name  string       `yaml:"name"`
	Lines []AclLineCfg `yaml:"lines"`
}

type AclLineCfg struct {
	Action    string         `yaml:"action"` // permit or deny
	Src       []netip.Prefix `yaml:"src,omitempty"`
	SrcExcept []netip.Prefix `yaml:"src_except,omitempty"`
	Dst       []netip.Prefix `yaml:"dst,omitempty"`
	DstExcept []netip.Prefix `yaml:"dst_except,omitempty"`
	Protocols []string       `yaml:"protocols,omitempty"`
	SrcPorts  []string       `yaml:"src_ports,omitempty"` // "80" or "1024-65535"
	DstPorts  []string       `yaml:"dst_ports,omitempty"`
}

type PolicyCfg struct {
	Name          string               `yaml:"name"`
	DefaultAction string               `yaml:"default_action,omitempty"`
	Statements    []PolicyStatementCfg `yaml:"statements,omitempty"`
}

type PolicyStatementCfg struct {
	Action string         `yaml:"action"`
	Match  PolicyMatchCfg `yaml:"match,omitempty"`
	Set    PolicySetCfg   `yaml:"set,omitempty"`
}

type PrefixRangeCfg struct {
	Prefix netip.Prefix `yaml:"prefix"`
	Ge     int          `yaml:"ge,omitempty"`
	Le     int          `yaml:"le,omitempty"`
}

type PolicyMatchCfg struct {
	Protocols      []string         `yaml:"protocols,omitempty"`
	Prefixes       []PrefixRangeCfg `yaml:"prefixes,omitempty"`
	Communities    []string         `yaml:"communities,omitempty"`
	AsPathContains []uint32         `yaml:"as_path_contains,omitempty"`
	NeighborIps    []netip.Addr     `yaml:"neighbor_ips,omitempty"`
}

type PolicySetCfg struct {
	LocalPref         *int       `yaml:"local_pref,omitempty"`
	Metric            *int64     `yaml:"metric,omitempty"`
	Admin             *int       `yaml:"admin,omitempty"`
	PrependAs         []uint32   `yaml:"prepend_as,omitempty"`
	AddCommunities    []string   `yaml:"add_communities,omitempty"`
	DeleteCommunities []string   `yaml:"delete_communities,omitempty"`
	OspfMetricType    string     `yaml:"ospf_metric_type,omitempty"` // e1 or e2
	Origin            string     `yaml:"origin,omitempty"`
	NextHopIp         netip.Addr `yaml:"next_hop_ip,omitempty"`
}

// EdgeCfg is an undirected layer 3 adjacency.
type EdgeCfg struct {
	Node1      string `yaml:"node1"`
	Interface1 string `yaml:"interface1"`
	Node2      string `yaml:"node2"`
	Interface2 string `yaml:"interface2"`
}

type InterfaceRef struct {
	Node      string `yaml:"node"`
	Interface string `yaml:"interface"`
}

func (r InterfaceRef) String() string {
	return r.Node + ":" + r.Interface
}

// ParseInterfaceRef parses the node:interface form used by the graph DSL.
func ParseInterfaceRef(s string) (InterfaceRef, error) {
	node, iface, ok := strings.Cut(s, ":")
	if !ok || node == "" || iface == "" {
		return InterfaceRef{}, fmt.Errorf("%s is not of the form node:interface", s)
	}
	return InterfaceRef{Node: node, Interface: iface}, nil
}

type ExternalBgpAdvertisementCfg struct {
	Node        string       `yaml:"node"`
	Vrf         string       `yaml:"vrf,omitempty"`
	PeerIp      netip.Addr   `yaml:"peer_ip"`
	Prefix      netip.Prefix `yaml:"prefix"`
	NextHopIp   netip.Addr   `yaml:"next_hop_ip,omitempty"`
	AsPath      []uint32     `yaml:"as_path,omitempty"`
	Communities []string     `yaml:"communities,omitempty"`
	LocalPref   int          `yaml:"local_pref,omitempty"`
	Med         int64        `yaml:"med,omitempty"`
	Origin      string       `yaml:"origin,omitempty"`
	Ibgp        bool         `yaml:"ibgp,omitempty"`
}

func (c *NetworkCfg) GetNode(hostname string) *NodeCfg {
	idx := slices.IndexFunc(c.Nodes, func(n NodeCfg) bool {
		return n.Hostname == hostname
	})
	if idx == -1 {
		return nil
	}
	return &c.Nodes[idx]
}

func (n *NodeCfg) GetInterface(name string) *InterfaceCfg {
	idx := slices.IndexFunc(n.Interfaces, func(i InterfaceCfg) bool {
		return i.Name == name
	})
	if idx == -1 {
		return nil
	}
	return &n.Interfaces[idx]
}

func (n *NodeCfg) GetVrf(name string) *VrfCfg {
	idx := slices.IndexFunc(n.Vrfs, func(v VrfCfg) bool {
		return v.Name == name
	})
	if idx == -1 {
		return nil
	}
	return &n.Vrfs[idx]
}

// VrfInterfaces returns the interfaces of the node that belong to vrf, in declaration order.
func (n *NodeCfg) VrfInterfaces(vrf string) []*InterfaceCfg {
	out := make([]*InterfaceCfg, 0)
	for i := range n.Interfaces {
		if n.Interfaces[i].Vrf == vrf {
			out = append(out, &n.Interfaces[i])
		}
	}
	return out
}

// InterfaceSymbols lists every interface of the network as a node:interface symbol.
func (c *NetworkCfg) InterfaceSymbols() []string {
	out := make([]string, 0)
	for _, n := range c.Nodes {
		for _, i := range n.Interfaces {
			out = append(out, InterfaceRef{n.Hostname, i.Name}.String())
		}
	}
	return out
}

func parseSymbolList(s string, validSymbols []string) ([]string, error) {
	spl := strings.Split(strings.TrimSpace(s), ",")
	line := make([]string, 0)
	for _, s := range spl {
		x := strings.TrimSpace(s)
		if x == "" {
			continue
		}
		if !slices.Contains(validSymbols, x) {
			return nil, fmt.Errorf(`%s is not a valid interface/group`, x)
		}
		line = append(line, x)
	}
	if len(line) == 0 {
		return nil, fmt.Errorf(`interface/group list must not be empty`)
	}
	slices.Sort(line)
	return line, nil
}

func toIPNets(prefixes []netip.Prefix) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		if p.IsValid() {
			nets = append(nets, &net.IPNet{
				IP:   p.Addr().AsSlice(),
				Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
			})
		}
	}
	return nets
}

func fromIPNets(nets []*net.IPNet) []netip.Prefix {
	output := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		if addr, ok := netip.AddrFromSlice(n.IP); ok {
			ones, _ := n.Mask.Size()
			output = append(output, netip.PrefixFrom(addr.Unmap(), ones))
		}
	}
	return output
}

func SubtractPrefix(includesPrefix, excludesPrefix []netip.Prefix) []netip.Prefix {
	result := ip.RemoveCIDRs(toIPNets(includesPrefix), toIPNets(excludesPrefix))
	ipv4, ipv6 := ip.CoalesceCIDRs(result)
	return fromIPNets(append(ipv4, ipv6...))
}

func CoalescePrefix(prefixes []netip.Prefix) []netip.Prefix {
	ipv4, ipv6 := ip.CoalesceCIDRs(toIPNets(prefixes))
	return fromIPNets(append(ipv4, ipv6...))
}

/*
ParseGraph Graph syntax is something like this:

lan1 = r1:eth0, r2:eth0, r3:eth0

core = lan1, r4:eth1

lan1 // every interface of lan1 shares a segment with every other one

r5:eth0, r6:eth0 // a point to point link

core, r7:eth2 // r7:eth2 is connected to every member of core, but core members are not connected to each other

lan1, lan1 // same as lan1

graph represents the above graph
interfaces represents a set of unique node:interface symbols that the graph will evaluate down to
*/
func ParseGraph(graph []string, interfaces []string) ([]Pair[string, string], error) {
	parsedPairings := make([]Pair[string, string], 0)

	groups := make(map[string][]string)

	symbols := slices.Clone(interfaces)

	// pass 0, collect all symbols

	for _, line := range graph {
		line = strings.ToLower(strings.TrimSpace(line))
		if strings.Contains(line, "=") {
			// group definition
			spl := strings.Split(line, "=")
			if len(spl) != 2 {
				return nil, fmt.Errorf("invalid graph: %s. group definition must contain one '='", line)
			}
			grp := strings.TrimSpace(spl[0])
			if slices.Contains(interfaces, grp) {
				return nil, fmt.Errorf("group name must not be an interface name: %s", grp)
			}
			symbols = append(symbols, grp)
		}
	}
	slices.Sort(symbols)
	symbols = slices.Compact(symbols)

	// used for topological sorting
	// map: group -> []<groups that the group depends on>
	topo := make(map[string][]string)
	expansion := make(map[string][]string)

	// pass 1, parse graph
	for _, line := range graph {
		line = strings.ToLower(strings.TrimSpace(line))
		if strings.Contains(line, "=") {
			spl := strings.Split(line, "=")
			grp := strings.TrimSpace(spl[0])
			if _, ok := groups[grp]; ok {
				return nil, fmt.Errorf("duplicate group name: %s", grp)
			}
			lst, err := parseSymbolList(spl[1], symbols)
			if err != nil {
				return nil, err
			}
			// track dependencies
			deps := make([]string, 0)
			for _, l := range lst {
				if !slices.Contains(interfaces, l) {
					// depends on a group
					deps = append(deps, l)
				} else {
					expansion[grp] = append(expansion[grp], l)
				}
			}
			slices.Sort(deps)
			deps = slices.Compact(deps)

			topo[grp] = deps
			groups[grp] = lst
		} else {
			names, err := parseSymbolList(line, symbols)
			if err != nil {
				return nil, err
			}
			if len(names) == 1 && !slices.Contains(interfaces, names[0]) {
				// a lone group is a shared segment
				names = append(names, names[0])
			}
			if len(names) < 2 {
				return nil, fmt.Errorf("invalid pairing, %v", names)
			}
			seen := make([]string, 0)
			for _, name := range names {
				for _, other := range seen {
					parsedPairings = append(parsedPairings, MakeSortedPair(other, name))
				}
				seen = append(seen, name)
			}
			SortPairs(parsedPairings)
			parsedPairings = slices.Compact(parsedPairings)
		}
	}

	// pass 2, expand group names
	// just topological sorting
	for len(topo) > 0 {
		// find free group
		var group string
		for k, v := range topo {
			if len(v) == 0 {
				group = k
				break
			}
		}
		if group == "" {
			cycle := make([]string, 0)
			for g := range topo {
				cycle = append(cycle, g)
			}
			slices.Sort(cycle)
			return nil, fmt.Errorf("cycle detected in graph: %v", cycle)
		}
		delete(topo, group)

		// remove and expand the group for every dependent
		for k, deps := range topo {
			if slices.Contains(deps, group) {
				expansion[k] = append(expansion[k], expansion[group]...)
				slices.Sort(expansion[k])
				expansion[k] = slices.Compact(expansion[k])
				topo[k] = slices.DeleteFunc(deps, func(dep string) bool {
					return dep == group
				})
			}
		}
	}

	// pass 3, rewrite pairings
	pairings := make([]Pair[string, string], 0)
	expand := func(sym string) []string {
		if slices.Contains(interfaces, sym) {
			return []string{sym}
		}
		return expansion[sym]
	}
	for _, pair := range parsedPairings {
		for _, x := range expand(pair.V1) {
			for _, y := range expand(pair.V2) {
				if x != y {
					pairings = append(pairings, MakeSortedPair(x, y))
				}
			}
		}
	}
	SortPairs(pairings)
	pairings = slices.Compact(pairings)
	return pairings, nil
}
