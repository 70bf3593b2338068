package state

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
)

var (
	ErrInvalidStaticRoute = errors.New("static route has neither a next hop ip nor a next hop interface")
	ErrUnknownNode        = errors.New("unknown node")
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

// interface names may carry slot/port separators
var interfacePattern, _ = regexp.Compile("^[0-9a-z._/-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func InterfaceNameValidator(s string) error {
	if !interfacePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid interface name, must match pattern %s", s, interfacePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func StaticRouteValidator(sr *StaticRouteCfg) error {
	if !sr.Prefix.IsValid() {
		return fmt.Errorf("static route has an invalid prefix")
	}
	if !sr.NextHopIp.IsValid() && sr.NextHopInterface == "" {
		return fmt.Errorf("static route %s: %w", sr.Prefix, ErrInvalidStaticRoute)
	}
	return nil
}

func NodeConfigValidator(node *NodeCfg) error {
	err := NameValidator(node.Hostname)
	if err != nil {
		return err
	}
	names := make([]string, 0)
	for _, iface := range node.Interfaces {
		if err := InterfaceNameValidator(iface.Name); err != nil {
			return fmt.Errorf("node %s: %w", node.Hostname, err)
		}
		if iface.Name == NullInterface {
			return fmt.Errorf("node %s: interface name %s is reserved", node.Hostname, NullInterface)
		}
		if slices.Contains(names, iface.Name) {
			return fmt.Errorf("node %s: duplicate interface %s", node.Hostname, iface.Name)
		}
		names = append(names, iface.Name)
		if node.GetVrf(iface.Vrf) == nil {
			return fmt.Errorf("node %s: interface %s refers to undefined vrf %s", node.Hostname, iface.Name, iface.Vrf)
		}
		for _, filter := range []string{iface.IncomingFilter, iface.OutgoingFilter} {
			if filter != "" && !hasAcl(node, filter) {
				return fmt.Errorf("node %s: interface %s refers to undefined acl %s", node.Hostname, iface.Name, filter)
			}
		}
		for _, nat := range iface.SourceNats {
			if nat.Acl != "" && !hasAcl(node, nat.Acl) {
				return fmt.Errorf("node %s: interface %s refers to undefined acl %s", node.Hostname, iface.Name, nat.Acl)
			}
			if !nat.PoolStart.IsValid() {
				return fmt.Errorf("node %s: interface %s has a source nat without a pool", node.Hostname, iface.Name)
			}
		}
	}
	vrfs := make([]string, 0)
	for _, vrf := range node.Vrfs {
		if err := NameValidator(vrf.Name); err != nil {
			return fmt.Errorf("node %s: %w", node.Hostname, err)
		}
		if slices.Contains(vrfs, vrf.Name) {
			return fmt.Errorf("node %s: duplicate vrf %s", node.Hostname, vrf.Name)
		}
		vrfs = append(vrfs, vrf.Name)
		if err := vrfValidator(node, &vrf); err != nil {
			return fmt.Errorf("node %s vrf %s: %w", node.Hostname, vrf.Name, err)
		}
	}
	acls := make([]string, 0)
	for _, acl := range node.Acls {
		if slices.Contains(acls, acl.Name) {
			return fmt.Errorf("node %s: duplicate acl %s", node.Hostname, acl.Name)
		}
		acls = append(acls, acl.Name)
		if _, err := CompileAcl(acl); err != nil {
			return fmt.Errorf("node %s: %w", node.Hostname, err)
		}
	}
	policies := make([]string, 0)
	for _, p := range node.Policies {
		if slices.Contains(policies, p.Name) {
			return fmt.Errorf("node %s: duplicate policy %s", node.Hostname, p.Name)
		}
		policies = append(policies, p.Name)
		if _, err := CompilePolicy(p); err != nil {
			return fmt.Errorf("node %s: %w", node.Hostname, err)
		}
	}
	return nil
}

func hasAcl(node *NodeCfg, name string) bool {
	return slices.ContainsFunc(node.Acls, func(a AclCfg) bool {
		return a.Name == name
	})
}

func hasPolicy(node *NodeCfg, name string) bool {
	return name == "" || slices.ContainsFunc(node.Policies, func(p PolicyCfg) bool {
		return p.Name == name
	})
}

func vrfValidator(node *NodeCfg, vrf *VrfCfg) error {
	for i := range vrf.StaticRoutes {
		sr := &vrf.StaticRoutes[i]
		if err := StaticRouteValidator(sr); err != nil {
			return err
		}
		if sr.NextHopInterface != "" && sr.NextHopInterface != NullInterface && node.GetInterface(sr.NextHopInterface) == nil {
			return fmt.Errorf("static route %s refers to undefined interface %s", sr.Prefix, sr.NextHopInterface)
		}
	}
	for _, gr := range vrf.GeneratedRoutes {
		if !gr.Prefix.IsValid() {
			return fmt.Errorf("generated route has an invalid prefix")
		}
		if !hasPolicy(node, gr.Policy) {
			return fmt.Errorf("generated route %s refers to undefined policy %s", gr.Prefix, gr.Policy)
		}
	}
	if vrf.Ospf != nil && !hasPolicy(node, vrf.Ospf.ExportPolicy) {
		return fmt.Errorf("ospf refers to undefined policy %s", vrf.Ospf.ExportPolicy)
	}
	if vrf.Bgp != nil {
		if vrf.Bgp.As == 0 {
			return fmt.Errorf("bgp process has no as number")
		}
		peers := make([]netip.Addr, 0)
		for _, nb := range vrf.Bgp.Neighbors {
			if !nb.PeerIp.IsValid() {
				return fmt.Errorf("bgp neighbor has an invalid peer ip")
			}
			if slices.Contains(peers, nb.PeerIp) {
				return fmt.Errorf("duplicate bgp neighbor %s", nb.PeerIp)
			}
			peers = append(peers, nb.PeerIp)
			if nb.RemoteAs == 0 {
				return fmt.Errorf("bgp neighbor %s has no remote as", nb.PeerIp)
			}
			if !hasPolicy(node, nb.ImportPolicy) {
				return fmt.Errorf("bgp neighbor %s refers to undefined policy %s", nb.PeerIp, nb.ImportPolicy)
			}
			if !hasPolicy(node, nb.ExportPolicy) {
				return fmt.Errorf("bgp neighbor %s refers to undefined policy %s", nb.PeerIp, nb.ExportPolicy)
			}
		}
	}
	return nil
}

func interfaceExists(cfg *NetworkCfg, ref InterfaceRef) error {
	n := cfg.GetNode(ref.Node)
	if n == nil {
		return fmt.Errorf("%s: %w", ref.Node, ErrUnknownNode)
	}
	if n.GetInterface(ref.Interface) == nil {
		return fmt.Errorf("interface %s not defined", ref)
	}
	return nil
}

func NetworkConfigValidator(cfg *NetworkCfg) error {
	hosts := make([]string, 0)
	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		if slices.Contains(hosts, node.Hostname) {
			return fmt.Errorf("duplicate node %s", node.Hostname)
		}
		hosts = append(hosts, node.Hostname)
		if err := NodeConfigValidator(node); err != nil {
			return err
		}
	}
	for _, edge := range cfg.Edges {
		a := InterfaceRef{edge.Node1, edge.Interface1}
		b := InterfaceRef{edge.Node2, edge.Interface2}
		if a == b {
			return fmt.Errorf("edge %s connects an interface to itself", a)
		}
		if err := interfaceExists(cfg, a); err != nil {
			return fmt.Errorf("edge %s - %s: %w", a, b, err)
		}
		if err := interfaceExists(cfg, b); err != nil {
			return fmt.Errorf("edge %s - %s: %w", a, b, err)
		}
	}
	for _, sink := range cfg.FlowSinks {
		if err := interfaceExists(cfg, sink); err != nil {
			return fmt.Errorf("flow sink: %w", err)
		}
	}
	for _, adv := range cfg.ExternalBgpAdvertisements {
		n := cfg.GetNode(adv.Node)
		if n == nil {
			return fmt.Errorf("external bgp advertisement for %s: %s: %w", adv.Prefix, adv.Node, ErrUnknownNode)
		}
		vrf := n.GetVrf(adv.Vrf)
		if vrf == nil || vrf.Bgp == nil {
			return fmt.Errorf("external bgp advertisement for %s: %s/%s has no bgp process", adv.Prefix, adv.Node, adv.Vrf)
		}
		if !adv.Prefix.IsValid() {
			return fmt.Errorf("external bgp advertisement on %s has an invalid prefix", adv.Node)
		}
		if _, err := parseCommunities(adv.Communities); err != nil {
			return fmt.Errorf("external bgp advertisement for %s: %w", adv.Prefix, err)
		}
		if _, err := ParseOriginType(adv.Origin); err != nil {
			return fmt.Errorf("external bgp advertisement for %s: %w", adv.Prefix, err)
		}
	}
	for ip, owners := range cfg.IpOwners {
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("ip_owners: %w", err)
		}
		for _, h := range owners {
			if cfg.GetNode(h) == nil {
				return fmt.Errorf("ip_owners %s: %s: %w", ip, h, ErrUnknownNode)
			}
		}
	}
	if cfg.Settings.MaxRecordedIterations < 0 || cfg.Settings.Workers < 0 {
		return fmt.Errorf("settings must not be negative")
	}
	return nil
}
