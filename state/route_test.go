package state

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteIdentity(t *testing.T) {
	build := func(comms ...uint32) *Route {
		return NewRouteBuilder(netip.MustParsePrefix("10.1.2.3/24"), ProtoBgp).
			SetNextHopIp(netip.MustParseAddr("192.0.2.1")).
			SetAdmin(20).
			SetLocalPref(100).
			SetAsPath([]uint32{65001, 65002}).
			SetCommunities(comms).
			Build()
	}
	a := build(3, 1, 2, 1)
	b := build(1, 2, 3)
	assert.True(t, a.Equal(b), "communities are a set")
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, netip.MustParsePrefix("10.1.2.0/24"), a.Network())
	assert.Equal(t, []uint32{1, 2, 3}, a.Communities)

	c := BuilderFrom(a).SetMetric(5).Build()
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Equal(t, int64(0), a.Metric, "building from a route never mutates it")
}

func TestRouteBuilderAsPath(t *testing.T) {
	b := NewRouteBuilder(netip.MustParsePrefix("10.0.0.0/8"), ProtoBgp).SetAsPath([]uint32{2})
	r1 := b.Build()
	b.PrependAs(1)
	r2 := b.Build()
	assert.Equal(t, []uint32{2}, r1.AsPath)
	assert.Equal(t, []uint32{1, 2}, r2.AsPath)
	assert.True(t, r2.AsPathContains(1))
	assert.False(t, r1.AsPathContains(1))
}

func TestProtocolNames(t *testing.T) {
	for p := ProtoConnected; p <= ProtoBgpAggregate; p++ {
		parsed, err := ParseProtocol(p.String())
		assert.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParseProtocol("isis")
	assert.Error(t, err)
}
