package rib

import (
	"math/bits"
	"net/netip"
)

// node is a path-compressed binary trie node. Every node covers a masked prefix;
// children always cover strictly longer prefixes, and the bit of the child's
// address at position len(node.prefix) selects the side it hangs on.
type node[R Route] struct {
	prefix   netip.Prefix
	routes   []R
	children [2]*node[R]
}

type trie[R Route] struct {
	root4 *node[R]
	root6 *node[R]
}

func newTrie[R Route]() *trie[R] {
	return &trie[R]{
		root4: &node[R]{prefix: netip.PrefixFrom(netip.IPv4Unspecified(), 0)},
		root6: &node[R]{prefix: netip.PrefixFrom(netip.IPv6Unspecified(), 0)},
	}
}

func (t *trie[R]) root(addr netip.Addr) *node[R] {
	if addr.Is4() {
		return t.root4
	}
	return t.root6
}

// bitAt returns bit i of addr, counting from the most significant bit.
func bitAt(addr netip.Addr, i int) int {
	var b []byte
	if addr.Is4() {
		a := addr.As4()
		b = a[:]
	} else {
		a := addr.As16()
		b = a[:]
	}
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

// commonPrefixLen returns the number of leading bits a and b share, capped at limit.
func commonPrefixLen(a, b netip.Addr, limit int) int {
	var x, y []byte
	if a.Is4() {
		a4, b4 := a.As4(), b.As4()
		x, y = a4[:], b4[:]
	} else {
		a16, b16 := a.As16(), b.As16()
		x, y = a16[:], b16[:]
	}
	n := 0
	for i := range x {
		d := x[i] ^ y[i]
		if d == 0 {
			n += 8
		} else {
			n += bits.LeadingZeros8(d)
			break
		}
		if n >= limit {
			break
		}
	}
	return min(n, limit)
}

// covers reports whether parent contains every address of child.
func covers(parent, child netip.Prefix) bool {
	return parent.Bits() <= child.Bits() && parent.Contains(child.Addr())
}

// find returns the node holding exactly p, or nil.
func (t *trie[R]) find(p netip.Prefix) *node[R] {
	n := t.root(p.Addr())
	for n != nil {
		if n.prefix.Bits() == p.Bits() {
			if n.prefix == p {
				return n
			}
			return nil
		}
		if !covers(n.prefix, p) {
			return nil
		}
		n = n.children[bitAt(p.Addr(), n.prefix.Bits())]
	}
	return nil
}

// insert returns the node for p, creating (and splitting) nodes as needed.
func (t *trie[R]) insert(p netip.Prefix) *node[R] {
	n := t.root(p.Addr())
	for {
		if n.prefix.Bits() == p.Bits() {
			return n
		}
		side := bitAt(p.Addr(), n.prefix.Bits())
		child := n.children[side]
		if child == nil {
			leaf := &node[R]{prefix: p}
			n.children[side] = leaf
			return leaf
		}
		if covers(child.prefix, p) {
			n = child
			continue
		}
		if covers(p, child.prefix) {
			// p sits between n and child
			mid := &node[R]{prefix: p}
			mid.children[bitAt(child.prefix.Addr(), p.Bits())] = child
			n.children[side] = mid
			return mid
		}
		// p and child diverge below n: split at the first differing bit
		common := commonPrefixLen(p.Addr(), child.prefix.Addr(), min(p.Bits(), child.prefix.Bits()))
		split := netip.PrefixFrom(p.Addr(), common).Masked()
		mid := &node[R]{prefix: split}
		leaf := &node[R]{prefix: p}
		mid.children[bitAt(child.prefix.Addr(), common)] = child
		mid.children[bitAt(p.Addr(), common)] = leaf
		n.children[side] = mid
		return leaf
	}
}

// longestMatch returns the deepest non-empty bucket on the path towards addr.
func (t *trie[R]) longestMatch(addr netip.Addr) *node[R] {
	var best *node[R]
	n := t.root(addr)
	for n != nil && n.prefix.Contains(addr) {
		if len(n.routes) > 0 {
			best = n
		}
		if n.prefix.Bits() == addr.BitLen() {
			break
		}
		n = n.children[bitAt(addr, n.prefix.Bits())]
	}
	return best
}

// walk visits every non-empty bucket in prefix order (shorter/lower first).
func (t *trie[R]) walk(fn func(n *node[R])) {
	var visit func(n *node[R])
	visit = func(n *node[R]) {
		if n == nil {
			return
		}
		if len(n.routes) > 0 {
			fn(n)
		}
		visit(n.children[0])
		visit(n.children[1])
	}
	visit(t.root4)
	visit(t.root6)
}
