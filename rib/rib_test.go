package rib

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRoute struct {
	prefix netip.Prefix
	nh     string
	metric int
}

func (r testRoute) Network() netip.Prefix { return r.prefix }
func (r testRoute) Key() string           { return fmt.Sprintf("%s via %s m %d", r.prefix, r.nh, r.metric) }

func lowerMetric(a, b testRoute) int {
	return b.metric - a.metric
}

func route(prefix, nh string, metric int) testRoute {
	return testRoute{prefix: netip.MustParsePrefix(prefix), nh: nh, metric: metric}
}

func keys(routes []testRoute) []string {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.Key())
	}
	slices.Sort(out)
	return out
}

func TestMergeBestPathOrderIndependent(t *testing.T) {
	better := route("10.0.0.0/24", "a", 1)
	worse := route("10.0.0.0/24", "b", 5)

	r1 := New[testRoute]("test", lowerMetric, false)
	assert.True(t, r1.Merge(worse))
	assert.True(t, r1.Merge(better))
	assert.Equal(t, []testRoute{better}, r1.Routes())

	r2 := New[testRoute]("test", lowerMetric, false)
	assert.True(t, r2.Merge(better))
	assert.False(t, r2.Merge(worse))
	assert.Equal(t, []testRoute{better}, r2.Routes())
	assert.Equal(t, 1, r2.Len())
}

func TestMergeMultipath(t *testing.T) {
	a := route("10.0.0.0/24", "a", 1)
	b := route("10.0.0.0/24", "b", 1)
	worse := route("10.0.0.0/24", "c", 2)

	r := New[testRoute]("test", lowerMetric, true)
	assert.True(t, r.Merge(a))
	assert.True(t, r.Merge(b))
	assert.False(t, r.Merge(a), "re-merging an existing route is a no-op")
	assert.False(t, r.Merge(worse))
	assert.ElementsMatch(t, []testRoute{a, b}, r.Routes())
	assert.Equal(t, 2, r.Len())

	better := route("10.0.0.0/24", "d", 0)
	assert.True(t, r.Merge(better))
	assert.Equal(t, []testRoute{better}, r.Routes())
	assert.Equal(t, 1, r.Len())
}

func TestBestPathKeepsResidentOnTie(t *testing.T) {
	a := route("10.0.0.0/24", "a", 1)
	b := route("10.0.0.0/24", "b", 1)
	r := New[testRoute]("test", lowerMetric, false)
	assert.True(t, r.Merge(a))
	assert.False(t, r.Merge(b))
	assert.True(t, r.Contains(a))
	assert.False(t, r.Contains(b))
}

func TestLongestPrefixMatch(t *testing.T) {
	r := New[testRoute]("test", lowerMetric, false)
	r.Merge(route("0.0.0.0/0", "default", 1))
	r.Merge(route("10.0.0.0/8", "eight", 1))
	r.Merge(route("10.1.0.0/16", "sixteen", 1))
	r.Merge(route("10.1.2.0/24", "twentyfour", 1))
	r.Merge(route("10.1.2.3/32", "host", 1))

	cases := map[string]string{
		"10.1.2.3":  "host",
		"10.1.2.4":  "twentyfour",
		"10.1.3.1":  "sixteen",
		"10.2.0.1":  "eight",
		"192.0.2.1": "default",
	}
	for ip, nh := range cases {
		got := r.LongestPrefixMatch(netip.MustParseAddr(ip))
		require.Len(t, got, 1, ip)
		assert.Equal(t, nh, got[0].nh, ip)
	}
	assert.Empty(t, r.LongestPrefixMatch(netip.MustParseAddr("2001:db8::1")))
}

func TestNodeSplitting(t *testing.T) {
	r := New[testRoute]("test", lowerMetric, false)
	// 10.0.0.0/24 and 10.0.1.0/24 diverge at bit 23, forcing an internal 10.0.0.0/23 node
	r.Merge(route("10.0.0.0/24", "a", 1))
	r.Merge(route("10.0.1.0/24", "b", 1))
	// a covering prefix inserted after its children must be re-parented above them
	r.Merge(route("10.0.0.0/16", "c", 1))
	// the split point itself can later receive routes
	r.Merge(route("10.0.0.0/23", "d", 1))

	assert.Equal(t, "a", r.LongestPrefixMatch(netip.MustParseAddr("10.0.0.9"))[0].nh)
	assert.Equal(t, "b", r.LongestPrefixMatch(netip.MustParseAddr("10.0.1.9"))[0].nh)
	assert.Equal(t, "c", r.LongestPrefixMatch(netip.MustParseAddr("10.0.2.9"))[0].nh)
	assert.Len(t, r.RoutesFor(netip.MustParsePrefix("10.0.0.0/23")), 1)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/16"),
		netip.MustParsePrefix("10.0.0.0/23"),
		netip.MustParsePrefix("10.0.0.0/24"),
		netip.MustParsePrefix("10.0.1.0/24"),
	}, r.Prefixes())
}

func TestIPv6(t *testing.T) {
	r := New[testRoute]("test", lowerMetric, false)
	r.Merge(route("2001:db8::/32", "a", 1))
	r.Merge(route("2001:db8:1::/48", "b", 1))
	assert.Equal(t, "b", r.LongestPrefixMatch(netip.MustParseAddr("2001:db8:1::5"))[0].nh)
	assert.Equal(t, "a", r.LongestPrefixMatch(netip.MustParseAddr("2001:db8:2::5"))[0].nh)
	assert.Empty(t, r.LongestPrefixMatch(netip.MustParseAddr("10.0.0.1")))
}

func randomRoutes(rng *rand.Rand, n int) []testRoute {
	out := make([]testRoute, 0, n)
	for range n {
		addr := netip.AddrFrom4([4]byte{10, byte(rng.IntN(4)), byte(rng.IntN(256)), byte(rng.IntN(256))})
		bits := 8 + rng.IntN(25)
		p := netip.PrefixFrom(addr, bits).Masked()
		out = append(out, testRoute{prefix: p, nh: fmt.Sprintf("nh%d", rng.IntN(3)), metric: rng.IntN(3)})
	}
	return out
}

// bruteForce computes the expected LPM result from a flat list of stored routes.
func bruteForce(stored []testRoute, ip netip.Addr) []string {
	best := -1
	for _, r := range stored {
		if r.prefix.Contains(ip) && r.prefix.Bits() > best {
			best = r.prefix.Bits()
		}
	}
	var out []testRoute
	for _, r := range stored {
		if r.prefix.Contains(ip) && r.prefix.Bits() == best {
			out = append(out, r)
		}
	}
	return keys(out)
}

func TestLongestPrefixMatchAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	routes := randomRoutes(rng, 2000)
	r := New[testRoute]("test", lowerMetric, true)
	r.MergeAll(routes)
	stored := r.Routes()
	require.Equal(t, len(stored), r.Len())

	for range 2000 {
		ip := netip.AddrFrom4([4]byte{10, byte(rng.IntN(4)), byte(rng.IntN(256)), byte(rng.IntN(256))})
		assert.Equal(t, bruteForce(stored, ip), keys(r.LongestPrefixMatch(ip)), ip.String())
	}
}

func TestMergeOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	routes := randomRoutes(rng, 500)

	for _, multipath := range []bool{true, false} {
		reference := New[testRoute]("ref", lowerMetric, multipath)
		reference.MergeAll(routes)
		for range 5 {
			shuffled := slices.Clone(routes)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			other := New[testRoute]("shuffled", lowerMetric, multipath)
			other.MergeAll(shuffled)
			if !multipath {
				// best-path ties keep whichever arrived first; only the preference must agree
				for _, p := range reference.Prefixes() {
					assert.Equal(t, reference.RoutesFor(p)[0].metric, other.RoutesFor(p)[0].metric)
				}
				continue
			}
			if diff := cmp.Diff(keys(reference.Routes()), keys(other.Routes())); diff != "" {
				t.Fatalf("multipath contents depend on merge order (-want +got):\n%s", diff)
			}
		}
	}
}

func TestImport(t *testing.T) {
	src := New[testRoute]("src", lowerMetric, true)
	src.Merge(route("10.0.0.0/24", "a", 1))
	src.Merge(route("10.0.1.0/24", "b", 1))
	dst := New[testRoute]("dst", lowerMetric, true)
	dst.Merge(route("10.0.0.0/24", "c", 0))
	assert.True(t, dst.Import(src))
	assert.False(t, dst.Import(src))
	assert.Equal(t, []string{"10.0.0.0/24 via c m 0", "10.0.1.0/24 via b m 1"}, keys(dst.Routes()))
}
