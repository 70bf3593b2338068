// Package rib implements the routing information base shared by every protocol:
// a path-compressed binary trie keyed on prefix bits that stores, per prefix, the
// set of most preferred routes under a protocol-supplied preference relation.
package rib

import (
	"net/netip"
	"slices"
	"strings"
)

// Route is what a RIB can store. Key must be a canonical identity: two routes are
// the same route if and only if their keys are equal.
type Route interface {
	Network() netip.Prefix
	Key() string
}

// Preference compares two routes for the same prefix. It returns a positive number
// if a is preferred over b, a negative number if b is preferred, and 0 if they are
// equally preferred. Preference is independent of route identity.
type Preference[R Route] func(a, b R) int

// Rib stores the best routes per prefix. In best-path mode a prefix holds a single
// route; in multipath mode it holds every equally preferred route.
//
// A Rib is not safe for concurrent mutation. Concurrent readers are fine as long as
// no writer is active.
type Rib[R Route] struct {
	Name      string
	pref      Preference[R]
	multipath bool
	t         *trie[R]
	size      int
}

// New creates an empty RIB. The name is only used for logging and debugging.
func New[R Route](name string, pref Preference[R], multipath bool) *Rib[R] {
	return &Rib[R]{
		Name:      name,
		pref:      pref,
		multipath: multipath,
		t:         newTrie[R](),
	}
}

// Multipath reports whether the RIB keeps equally preferred routes side by side.
func (r *Rib[R]) Multipath() bool {
	return r.multipath
}

// Merge offers route to the RIB and reports whether the contents changed.
func (r *Rib[R]) Merge(route R) bool {
	n := r.t.insert(route.Network().Masked())
	if len(n.routes) == 0 {
		n.routes = []R{route}
		r.size++
		return true
	}
	c := r.pref(route, n.routes[0])
	switch {
	case c < 0:
		return false
	case c > 0:
		r.size -= len(n.routes)
		n.routes = []R{route}
		r.size++
		return true
	}
	key := route.Key()
	for _, existing := range n.routes {
		if existing.Key() == key {
			return false
		}
	}
	if !r.multipath {
		return false
	}
	n.routes = append(n.routes, route)
	r.size++
	return true
}

// MergeAll merges every route and reports whether anything changed.
func (r *Rib[R]) MergeAll(routes []R) bool {
	changed := false
	for _, route := range routes {
		if r.Merge(route) {
			changed = true
		}
	}
	return changed
}

// Import merges every route of other into r.
func (r *Rib[R]) Import(other *Rib[R]) bool {
	changed := false
	other.t.walk(func(n *node[R]) {
		for _, route := range n.routes {
			if r.Merge(route) {
				changed = true
			}
		}
	})
	return changed
}

// Contains reports whether route is stored.
func (r *Rib[R]) Contains(route R) bool {
	n := r.t.find(route.Network().Masked())
	if n == nil {
		return false
	}
	key := route.Key()
	return slices.ContainsFunc(n.routes, func(e R) bool {
		return e.Key() == key
	})
}

// LongestPrefixMatch returns the routes of the longest stored prefix containing ip.
func (r *Rib[R]) LongestPrefixMatch(ip netip.Addr) []R {
	n := r.t.longestMatch(ip.Unmap())
	if n == nil {
		return nil
	}
	return slices.Clone(n.routes)
}

// RoutesFor returns the routes stored for exactly prefix.
func (r *Rib[R]) RoutesFor(prefix netip.Prefix) []R {
	n := r.t.find(prefix.Masked())
	if n == nil {
		return nil
	}
	return slices.Clone(n.routes)
}

// Routes returns every stored route, ordered by prefix then key.
func (r *Rib[R]) Routes() []R {
	out := make([]R, 0, r.size)
	r.t.walk(func(n *node[R]) {
		bucket := slices.Clone(n.routes)
		slices.SortFunc(bucket, func(a, b R) int {
			return strings.Compare(a.Key(), b.Key())
		})
		out = append(out, bucket...)
	})
	return out
}

// Prefixes returns every prefix holding at least one route.
func (r *Rib[R]) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0)
	r.t.walk(func(n *node[R]) {
		out = append(out, n.prefix)
	})
	return out
}

// Len returns the number of stored routes.
func (r *Rib[R]) Len() int {
	return r.size
}
