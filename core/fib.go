package core

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/gaissmai/bart"

	"github.com/encodeous/loom/state"
)

// MaxResolutionDepth bounds the chain of next hop ip routes followed while resolving
// a route to an interface.
const MaxResolutionDepth = 10

type resolution int

const (
	resolved resolution = iota
	cycleDetected
	depthExceeded
)

// NextHops maps an outgoing interface to the final next hop ips reached through it,
// each with the main RIB routes that led there. An invalid final ip means the
// destination itself is the ARP target.
type NextHops map[string]map[netip.Addr][]*state.Route

func (n NextHops) add(iface string, final netip.Addr, r *state.Route) {
	m, ok := n[iface]
	if !ok {
		m = make(map[netip.Addr][]*state.Route)
		n[iface] = m
	}
	if !slices.Contains(m[final], r) {
		m[final] = append(m[final], r)
	}
}

// Interfaces returns the outgoing interfaces in sorted order.
func (n NextHops) Interfaces() []string {
	out := make([]string, 0, len(n))
	for iface := range n {
		out = append(out, iface)
	}
	slices.Sort(out)
	return out
}

type resolveFrame struct {
	route   *state.Route
	depth   int
	finalIp netip.Addr
	seen    []netip.Prefix
}

func routingMatches(main *Rib, ip netip.Addr) []*state.Route {
	return slices.DeleteFunc(main.LongestPrefixMatch(ip), func(r *state.Route) bool {
		return r.NonRouting
	})
}

// resolveRoute follows r through main until every path ends at an interface route.
// Paths that revisit a prefix or hit an unresolvable next hop are dropped.
func resolveRoute(main *Rib, r *state.Route, into NextHops) (resolution, error) {
	result := resolved
	stack := []resolveFrame{{route: r, seen: []netip.Prefix{r.Prefix}}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch {
		case f.route.HasNextHopInterface():
			final := f.finalIp
			if f.route.HasNextHopIp() {
				final = f.route.NextHopIp
			}
			into.add(f.route.NextHopInterface, final, r)
		case f.route.HasNextHopIp():
			if f.depth >= MaxResolutionDepth {
				return depthExceeded, fmt.Errorf("%w: %s", ErrFibDepthExceeded, r)
			}
			for _, m := range routingMatches(main, f.route.NextHopIp) {
				if slices.Contains(f.seen, m.Prefix) {
					result = cycleDetected
					continue
				}
				stack = append(stack, resolveFrame{
					route:   m,
					depth:   f.depth + 1,
					finalIp: f.route.NextHopIp,
					seen:    append(slices.Clone(f.seen), m.Prefix),
				})
			}
		default:
			return result, fmt.Errorf("%w: %s", ErrNoNextHop, f.route)
		}
	}
	return result, nil
}

// Fib is the forwarding table of one virtual router. It is read-only once built.
type Fib struct {
	table    bart.Table[NextHops]
	prefixes []netip.Prefix
	// Unresolved counts routes that could not reach any interface.
	Unresolved int
}

// BuildFib resolves every routing route of a frozen main RIB.
func BuildFib(main *Rib) (*Fib, error) {
	fib := &Fib{}
	for _, p := range main.Prefixes() {
		hops := make(NextHops)
		routing := false
		for _, r := range main.RoutesFor(p) {
			if r.NonRouting {
				continue
			}
			routing = true
			if _, err := resolveRoute(main, r, hops); err != nil {
				return nil, err
			}
		}
		if !routing {
			continue
		}
		if len(hops) == 0 {
			fib.Unresolved++
			continue
		}
		fib.table.Insert(p, hops)
		fib.prefixes = append(fib.prefixes, p)
	}
	return fib, nil
}

// NextHopInterfaces returns the forwarding decision for ip, nil if there is no route.
func (f *Fib) NextHopInterfaces(ip netip.Addr) NextHops {
	hops, ok := f.table.Lookup(ip.Unmap())
	if !ok {
		return nil
	}
	return hops
}

// Len returns the number of forwarding prefixes.
func (f *Fib) Len() int {
	return len(f.prefixes)
}

// String renders the table, one prefix per line.
func (f *Fib) String() string {
	sb := strings.Builder{}
	for _, p := range f.prefixes {
		hops, _ := f.table.Get(p)
		for _, iface := range hops.Interfaces() {
			finals := make([]string, 0)
			for ip := range hops[iface] {
				if ip.IsValid() {
					finals = append(finals, ip.String())
				} else {
					finals = append(finals, "direct")
				}
			}
			slices.Sort(finals)
			fmt.Fprintf(&sb, "%s -> %s [%s]\n", p, iface, strings.Join(finals, ", "))
		}
	}
	return sb.String()
}
