package core

import (
	"cmp"
	"strings"

	"github.com/encodeous/loom/rib"
	"github.com/encodeous/loom/state"
)

// Rib is the route table type every protocol uses.
type Rib = rib.Rib[*state.Route]

// Every comparator returns a positive number if a is preferred over b.

func mainPreference(a, b *state.Route) int {
	return cmp.Or(
		cmp.Compare(b.Admin, a.Admin),
		cmp.Compare(b.Metric, a.Metric),
	)
}

func ospfRank(p state.Protocol) int {
	switch p {
	case state.ProtoOspfIntra:
		return 0
	case state.ProtoOspfInter:
		return 1
	case state.ProtoOspfE1:
		return 2
	default:
		return 3
	}
}

// ospfPreference implements the RFC 2328 path type order: intra-area, inter-area,
// type 1 external, type 2 external. Type 2 externals compare the advertised metric
// first and the cost to the advertiser second.
func ospfPreference(a, b *state.Route) int {
	if c := cmp.Compare(ospfRank(b.Protocol), ospfRank(a.Protocol)); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Metric, a.Metric); c != 0 {
		return c
	}
	if a.Protocol == state.ProtoOspfE2 {
		return cmp.Compare(b.CostToAdvertiser, a.CostToAdvertiser)
	}
	return 0
}

func ripPreference(a, b *state.Route) int {
	return cmp.Compare(b.Metric, a.Metric)
}

func originRank(r *state.Route) int {
	return int(r.Origin)
}

func isAggregate(r *state.Route) bool {
	return r.Protocol == state.ProtoBgpAggregate
}

func isEbgp(r *state.Route) bool {
	return r.Protocol == state.ProtoBgp
}

// bgpMultipathPreference is the BGP decision process up to the point where equal
// routes become multipath candidates.
func bgpMultipathPreference(a, b *state.Route) int {
	return cmp.Or(
		cmp.Compare(a.LocalPref, b.LocalPref),
		compareBool(isAggregate(a), isAggregate(b)),
		cmp.Compare(len(b.AsPath), len(a.AsPath)),
		cmp.Compare(originRank(b), originRank(a)),
		// MED is always compared, regardless of the neighboring AS
		cmp.Compare(b.Metric, a.Metric),
		compareBool(isEbgp(a), isEbgp(b)),
	)
}

// bgpBestPathPreference completes the decision process with deterministic tie breaks,
// ending in the route key so that the best path never depends on arrival order.
func bgpBestPathPreference(a, b *state.Route) int {
	if c := bgpMultipathPreference(a, b); c != 0 {
		return c
	}
	if c := b.OriginatorIp.Compare(a.OriginatorIp); c != 0 {
		return c
	}
	if c := b.ReceivedFromIp.Compare(a.ReceivedFromIp); c != 0 {
		return c
	}
	return strings.Compare(b.Key(), a.Key())
}

// compareBool prefers true.
func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

func newMainRib(name string) *Rib {
	return rib.New[*state.Route](name, mainPreference, true)
}

func newOspfRib(name string) *Rib {
	return rib.New[*state.Route](name, ospfPreference, true)
}

func newRipRib(name string) *Rib {
	return rib.New[*state.Route](name, ripPreference, true)
}

func newBgpRib(name string, multipath bool) *Rib {
	if multipath {
		return rib.New[*state.Route](name, bgpMultipathPreference, true)
	}
	return rib.New[*state.Route](name, bgpBestPathPreference, false)
}

// sameRoutes reports whether a and b hold exactly the same routes.
func sameRoutes(a, b *Rib) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, r := range a.Routes() {
		if !b.Contains(r) {
			return false
		}
	}
	return true
}
