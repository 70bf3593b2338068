package state

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// Flow is a single packet header injected at an ingress location.
type Flow struct {
	IngressNode      string
	IngressVrf       string
	IngressInterface string // optional, its incoming filter is applied before forwarding
	Src              netip.Addr
	Dst              netip.Addr
	IpProtocol       string // tcp, udp, icmp or a protocol number
	SrcPort          uint16
	DstPort          uint16
}

func (f Flow) String() string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "%s/%s", f.IngressNode, f.IngressVrf)
	if f.IngressInterface != "" {
		fmt.Fprintf(&sb, "[%s]", f.IngressInterface)
	}
	fmt.Fprintf(&sb, " %s", f.Src)
	if f.SrcPort != 0 {
		fmt.Fprintf(&sb, ":%d", f.SrcPort)
	}
	fmt.Fprintf(&sb, " -> %s", f.Dst)
	if f.DstPort != 0 {
		fmt.Fprintf(&sb, ":%d", f.DstPort)
	}
	if f.IpProtocol != "" {
		fmt.Fprintf(&sb, " %s", f.IpProtocol)
	}
	return sb.String()
}

type Disposition int

const (
	Accepted Disposition = iota
	NoRoute
	NullRouted
	DeniedIn
	DeniedOut
	NeighborUnreachableOrExitsNetwork
	Loop
)

var dispositionNames = []string{
	"ACCEPTED",
	"NO_ROUTE",
	"NULL_ROUTED",
	"DENIED_IN",
	"DENIED_OUT",
	"NEIGHBOR_UNREACHABLE_OR_EXITS_NETWORK",
	"LOOP",
}

func (d Disposition) String() string {
	if int(d) < len(dispositionNames) {
		return dispositionNames[d]
	}
	return fmt.Sprintf("DISPOSITION(%d)", int(d))
}

// Edge is a directed layer 3 adjacency between two interfaces.
type Edge struct {
	Node1      string
	Interface1 string
	Node2      string
	Interface2 string
}

func (e Edge) String() string {
	if e.Node2 == NoneNode {
		return fmt.Sprintf("%s:%s -> %s", e.Node1, e.Interface1, NoneNode)
	}
	return fmt.Sprintf("%s:%s -> %s:%s", e.Node1, e.Interface1, e.Node2, e.Interface2)
}

// ExitEdge is the edge of a hop that leaves the simulated network.
func ExitEdge(node, iface string) Edge {
	return Edge{Node1: node, Interface1: iface, Node2: NoneNode}
}

func (e Edge) Reverse() Edge {
	return Edge{e.Node2, e.Interface2, e.Node1, e.Interface1}
}

func (e Edge) Tail() InterfaceRef {
	return InterfaceRef{e.Node1, e.Interface1}
}

func (e Edge) Head() InterfaceRef {
	return InterfaceRef{e.Node2, e.Interface2}
}

func CompareEdges(a, b Edge) int {
	return cmp.Or(
		cmp.Compare(a.Node1, b.Node1),
		cmp.Compare(a.Interface1, b.Interface1),
		cmp.Compare(a.Node2, b.Node2),
		cmp.Compare(a.Interface2, b.Interface2),
	)
}

// Hop is one forwarding step: the edge taken and the keys of the routes that chose it.
type Hop struct {
	Edge   Edge
	Routes []string
}

func (h Hop) String() string {
	return fmt.Sprintf("%s via %v", h.Edge, h.Routes)
}

// FlowTrace is one path a flow can take, ending in its final disposition.
type FlowTrace struct {
	Disposition Disposition
	Hops        []Hop
	Notes       string
}

func (t FlowTrace) String() string {
	sb := strings.Builder{}
	sb.WriteString(t.Disposition.String())
	if t.Notes != "" {
		sb.WriteString(" (" + t.Notes + ")")
	}
	for i, h := range t.Hops {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, h)
	}
	return sb.String()
}

// SortTraces orders traces canonically and removes duplicates.
func SortTraces(traces []FlowTrace) []FlowTrace {
	slices.SortFunc(traces, func(a, b FlowTrace) int {
		return cmp.Compare(a.String(), b.String())
	})
	return slices.CompactFunc(traces, func(a, b FlowTrace) bool {
		return a.String() == b.String()
	})
}
