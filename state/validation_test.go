package state

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("ab_cd"))
	assert.NoError(t, NameValidator("abcd-a.com"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("1A"))
	assert.Error(t, NameValidator("node name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator("\t"))
	assert.Error(t, NameValidator("abcd-a.com\\hi"))
	assert.Error(t, NameValidator("r1:eth0"))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func TestInterfaceNameValidator(t *testing.T) {
	assert.NoError(t, InterfaceNameValidator("ge-0/0/1"))
	assert.NoError(t, InterfaceNameValidator("eth0.100"))
	assert.Error(t, InterfaceNameValidator("eth0:1"))
	assert.Error(t, InterfaceNameValidator("Eth0"))
}

func TestStaticRouteValidator(t *testing.T) {
	assert.NoError(t, StaticRouteValidator(&StaticRouteCfg{
		Prefix:    netip.MustParsePrefix("10.0.0.0/24"),
		NextHopIp: netip.MustParseAddr("192.0.2.1"),
	}))
	assert.NoError(t, StaticRouteValidator(&StaticRouteCfg{
		Prefix:           netip.MustParsePrefix("10.0.0.0/24"),
		NextHopInterface: NullInterface,
	}))
	assert.ErrorIs(t, StaticRouteValidator(&StaticRouteCfg{
		Prefix: netip.MustParsePrefix("10.0.0.0/24"),
	}), ErrInvalidStaticRoute)
}

func twoNodeNetwork() *NetworkCfg {
	return &NetworkCfg{
		Nodes: []NodeCfg{
			{
				Hostname: "r1",
				Interfaces: []InterfaceCfg{{
					Name:      "eth0",
					Addresses: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/30")},
				}},
			},
			{
				Hostname: "r2",
				Interfaces: []InterfaceCfg{{
					Name:      "eth0",
					Addresses: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/30")},
				}},
			},
		},
		Edges: []EdgeCfg{{"r1", "eth0", "r2", "eth0"}},
	}
}

func TestNetworkConfigValidator_Valid(t *testing.T) {
	cfg := twoNodeNetwork()
	assert.NoError(t, ExpandNetworkConfig(cfg))
	assert.NoError(t, NetworkConfigValidator(cfg))
}

func TestNetworkConfigValidator_DuplicateNode(t *testing.T) {
	cfg := twoNodeNetwork()
	cfg.Nodes[1].Hostname = "r1"
	assert.NoError(t, ExpandNetworkConfig(cfg))
	assert.ErrorContains(t, NetworkConfigValidator(cfg), "duplicate node r1")
}

func TestNetworkConfigValidator_UnknownEdgeInterface(t *testing.T) {
	cfg := twoNodeNetwork()
	cfg.Edges = append(cfg.Edges, EdgeCfg{"r1", "eth9", "r2", "eth0"})
	assert.NoError(t, ExpandNetworkConfig(cfg))
	assert.ErrorContains(t, NetworkConfigValidator(cfg), "interface r1:eth9 not defined")
}

func TestNetworkConfigValidator_UnknownNode(t *testing.T) {
	cfg := twoNodeNetwork()
	cfg.FlowSinks = []InterfaceRef{{"r9", "eth0"}}
	assert.NoError(t, ExpandNetworkConfig(cfg))
	assert.ErrorIs(t, NetworkConfigValidator(cfg), ErrUnknownNode)
}

func TestNetworkConfigValidator_UndefinedAcl(t *testing.T) {
	cfg := twoNodeNetwork()
	cfg.Nodes[0].Interfaces[0].OutgoingFilter = "missing"
	assert.NoError(t, ExpandNetworkConfig(cfg))
	assert.ErrorContains(t, NetworkConfigValidator(cfg), "undefined acl missing")
}

func TestNetworkConfigValidator_InvalidStaticRoute(t *testing.T) {
	cfg := twoNodeNetwork()
	cfg.Nodes[0].Vrfs = []VrfCfg{{
		Name:         DefaultVrf,
		StaticRoutes: []StaticRouteCfg{{Prefix: netip.MustParsePrefix("10.9.0.0/16")}},
	}}
	assert.NoError(t, ExpandNetworkConfig(cfg))
	assert.ErrorIs(t, NetworkConfigValidator(cfg), ErrInvalidStaticRoute)
}

func TestNetworkConfigValidator_BgpWithoutAs(t *testing.T) {
	cfg := twoNodeNetwork()
	cfg.Nodes[0].Vrfs = []VrfCfg{{Name: DefaultVrf, Bgp: &BgpProcessCfg{}}}
	assert.NoError(t, ExpandNetworkConfig(cfg))
	assert.ErrorContains(t, NetworkConfigValidator(cfg), "bgp process has no as number")
}

func TestNetworkConfigValidator_UndefinedVrf(t *testing.T) {
	cfg := twoNodeNetwork()
	assert.NoError(t, ExpandNetworkConfig(cfg))
	cfg.Nodes[0].Interfaces[0].Vrf = "blue"
	assert.ErrorContains(t, NetworkConfigValidator(cfg), "undefined vrf blue")
}
