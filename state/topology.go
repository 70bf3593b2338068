package state

import (
	"fmt"
	"slices"
)

// Topology is the static set of directed layer 3 edges between interfaces.
type Topology struct {
	edges  []Edge
	byTail map[InterfaceRef][]Edge
}

func NewTopology(edges []Edge) *Topology {
	sorted := slices.Clone(edges)
	slices.SortFunc(sorted, CompareEdges)
	sorted = slices.Compact(sorted)
	t := &Topology{
		edges:  sorted,
		byTail: make(map[InterfaceRef][]Edge),
	}
	for _, e := range sorted {
		t.byTail[e.Tail()] = append(t.byTail[e.Tail()], e)
	}
	return t
}

// BuildTopology turns the undirected edges and graph lines of an expanded configuration
// into directed edges, dropping edges that touch a shutdown interface.
func BuildTopology(cfg *NetworkCfg) (*Topology, error) {
	edges := make([]Edge, 0, len(cfg.Edges)*2)
	for _, e := range cfg.Edges {
		for _, ref := range []InterfaceRef{{e.Node1, e.Interface1}, {e.Node2, e.Interface2}} {
			n := cfg.GetNode(ref.Node)
			if n == nil {
				return nil, fmt.Errorf("edge %s:%s - %s:%s: %w", e.Node1, e.Interface1, e.Node2, e.Interface2, ErrUnknownNode)
			}
			if n.GetInterface(ref.Interface) == nil {
				return nil, fmt.Errorf("edge references unknown interface %s", ref)
			}
		}
		if cfg.GetNode(e.Node1).GetInterface(e.Interface1).Shutdown ||
			cfg.GetNode(e.Node2).GetInterface(e.Interface2).Shutdown {
			continue
		}
		fwd := Edge{e.Node1, e.Interface1, e.Node2, e.Interface2}
		edges = append(edges, fwd, fwd.Reverse())
	}
	return NewTopology(edges), nil
}

// Edges returns every directed edge in canonical order.
func (t *Topology) Edges() []Edge {
	return t.edges
}

// EdgesFrom returns the edges leaving the given interface.
func (t *Topology) EdgesFrom(ref InterfaceRef) []Edge {
	return t.byTail[ref]
}

func (t *Topology) Len() int {
	return len(t.edges)
}
