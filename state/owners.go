package state

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/samber/lo"
)

// IpOwners records which nodes, VRFs and interfaces own each address.
type IpOwners struct {
	vrfs   map[netip.Addr]map[string][]string // ip -> hostname -> vrfs
	ifaces map[netip.Addr][]InterfaceRef
}

// ComputeIpOwners derives ownership from the addresses of active interfaces and adds
// the explicit ip_owners entries of the configuration.
func ComputeIpOwners(cfg *NetworkCfg) (*IpOwners, error) {
	o := &IpOwners{
		vrfs:   make(map[netip.Addr]map[string][]string),
		ifaces: make(map[netip.Addr][]InterfaceRef),
	}
	for _, n := range cfg.Nodes {
		for _, i := range n.Interfaces {
			if i.Shutdown {
				continue
			}
			for _, a := range i.Addresses {
				o.add(a.Addr(), n.Hostname, i.Vrf)
				o.ifaces[a.Addr()] = append(o.ifaces[a.Addr()], InterfaceRef{n.Hostname, i.Name})
			}
		}
	}
	for ipStr, hosts := range cfg.IpOwners {
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("ip_owners: %w", err)
		}
		for _, h := range hosts {
			if cfg.GetNode(h) == nil {
				return nil, fmt.Errorf("ip_owners %s: %s: %w", ip, h, ErrUnknownNode)
			}
			o.add(ip, h, DefaultVrf)
		}
	}
	return o, nil
}

func (o *IpOwners) add(ip netip.Addr, host, vrf string) {
	ip = ip.Unmap()
	m, ok := o.vrfs[ip]
	if !ok {
		m = make(map[string][]string)
		o.vrfs[ip] = m
	}
	if !slices.Contains(m[host], vrf) {
		m[host] = append(m[host], vrf)
		slices.Sort(m[host])
	}
}

// Owners returns the sorted hostnames owning ip.
func (o *IpOwners) Owners(ip netip.Addr) []string {
	hosts := lo.Keys(o.vrfs[ip.Unmap()])
	slices.Sort(hosts)
	return hosts
}

func (o *IpOwners) OwnedBy(ip netip.Addr, host string) bool {
	_, ok := o.vrfs[ip.Unmap()][host]
	return ok
}

func (o *IpOwners) OwnedByVrf(ip netip.Addr, host, vrf string) bool {
	return slices.Contains(o.vrfs[ip.Unmap()][host], vrf)
}

// InterfaceOwners returns the active interfaces configured with ip.
func (o *IpOwners) InterfaceOwners(ip netip.Addr) []InterfaceRef {
	return o.ifaces[ip.Unmap()]
}
