package state

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type Protocol int

const (
	ProtoConnected Protocol = iota
	ProtoStatic
	ProtoGenerated
	ProtoOspfIntra
	ProtoOspfInter
	ProtoOspfE1
	ProtoOspfE2
	ProtoRip
	ProtoBgp
	ProtoIbgp
	ProtoBgpAggregate
)

var protocolNames = map[Protocol]string{
	ProtoConnected:    "connected",
	ProtoStatic:       "static",
	ProtoGenerated:    "generated",
	ProtoOspfIntra:    "ospf",
	ProtoOspfInter:    "ospfIA",
	ProtoOspfE1:       "ospfE1",
	ProtoOspfE2:       "ospfE2",
	ProtoRip:          "rip",
	ProtoBgp:          "bgp",
	ProtoIbgp:         "ibgp",
	ProtoBgpAggregate: "aggregate",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return "proto(" + strconv.Itoa(int(p)) + ")"
}

// ParseProtocol accepts the names produced by Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	for p, name := range protocolNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

func (p Protocol) IsBgp() bool {
	return p == ProtoBgp || p == ProtoIbgp || p == ProtoBgpAggregate
}

func (p Protocol) IsOspf() bool {
	return p == ProtoOspfIntra || p == ProtoOspfInter || p == ProtoOspfE1 || p == ProtoOspfE2
}

type OriginType int

// origin types are ordered by preference, lower is better
const (
	OriginIgp OriginType = iota
	OriginEgp
	OriginIncomplete
)

func (o OriginType) String() string {
	switch o {
	case OriginIgp:
		return "igp"
	case OriginEgp:
		return "egp"
	default:
		return "incomplete"
	}
}

func ParseOriginType(s string) (OriginType, error) {
	switch strings.ToLower(s) {
	case "igp", "":
		return OriginIgp, nil
	case "egp":
		return OriginEgp, nil
	case "incomplete":
		return OriginIncomplete, nil
	}
	return 0, fmt.Errorf("unknown origin type %q", s)
}

// Route is an immutable routing table entry. Build one with RouteBuilder; never
// modify a Route after Build.
type Route struct {
	Prefix           netip.Prefix
	NextHopIp        netip.Addr // invalid when the route only names an interface
	NextHopInterface string     // empty when the route only names an IP
	Admin            int
	Metric           int64
	Protocol         Protocol
	Tag              int
	// NonRouting routes take part in route selection but never in forwarding.
	NonRouting bool

	// BGP attributes
	AsPath               []uint32
	Communities          []uint32
	ClusterList          []uint32
	LocalPref            int
	Origin               OriginType
	OriginatorIp         netip.Addr
	ReceivedFromIp       netip.Addr
	ReceivedFromRRClient bool

	// OSPF attributes
	Area             int64
	CostToAdvertiser int64
	Advertiser       string

	key  string
	hash uint64
}

func (r *Route) Network() netip.Prefix {
	return r.Prefix
}

// Key is the canonical identity of the route.
func (r *Route) Key() string {
	return r.key
}

// Hash is a stable 64-bit hash of Key.
func (r *Route) Hash() uint64 {
	return r.hash
}

func (r *Route) Equal(o *Route) bool {
	return r.key == o.key
}

func (r *Route) String() string {
	return r.key
}

func (r *Route) HasNextHopIp() bool {
	return r.NextHopIp.IsValid()
}

func (r *Route) HasNextHopInterface() bool {
	return r.NextHopInterface != ""
}

func (r *Route) IsNullRouted() bool {
	return r.NextHopInterface == NullInterface
}

// AsPathContains reports whether as appears anywhere in the AS path.
func (r *Route) AsPathContains(as uint32) bool {
	return slices.Contains(r.AsPath, as)
}

func (r *Route) computeKey() string {
	sb := strings.Builder{}
	sb.WriteString(r.Prefix.String())
	sb.WriteString(" ")
	sb.WriteString(r.Protocol.String())
	if r.NextHopIp.IsValid() {
		sb.WriteString(" nhip:")
		sb.WriteString(r.NextHopIp.String())
	}
	if r.NextHopInterface != "" {
		sb.WriteString(" nhint:")
		sb.WriteString(r.NextHopInterface)
	}
	fmt.Fprintf(&sb, " ad:%d m:%d", r.Admin, r.Metric)
	if r.Tag != 0 {
		fmt.Fprintf(&sb, " tag:%d", r.Tag)
	}
	if r.NonRouting {
		sb.WriteString(" nonrouting")
	}
	if r.Protocol.IsBgp() {
		fmt.Fprintf(&sb, " lp:%d as:%v origin:%s", r.LocalPref, r.AsPath, r.Origin)
		if len(r.Communities) > 0 {
			fmt.Fprintf(&sb, " comm:%v", r.Communities)
		}
		if len(r.ClusterList) > 0 {
			fmt.Fprintf(&sb, " cl:%v", r.ClusterList)
		}
		if r.OriginatorIp.IsValid() {
			sb.WriteString(" orig:" + r.OriginatorIp.String())
		}
		if r.ReceivedFromIp.IsValid() {
			sb.WriteString(" from:" + r.ReceivedFromIp.String())
		}
		if r.ReceivedFromRRClient {
			sb.WriteString(" rrc")
		}
	}
	if r.Protocol.IsOspf() {
		fmt.Fprintf(&sb, " area:%d", r.Area)
		if r.Protocol == ProtoOspfE1 || r.Protocol == ProtoOspfE2 {
			fmt.Fprintf(&sb, " cta:%d adv:%s", r.CostToAdvertiser, r.Advertiser)
		}
	}
	return sb.String()
}

// RouteBuilder accumulates route attributes. Routing policies operate on builders
// so that transforms never touch an already built Route.
type RouteBuilder struct {
	r Route
}

func NewRouteBuilder(prefix netip.Prefix, proto Protocol) *RouteBuilder {
	return &RouteBuilder{r: Route{Prefix: prefix.Masked(), Protocol: proto}}
}

// BuilderFrom copies every attribute of r into a fresh builder.
func BuilderFrom(r *Route) *RouteBuilder {
	b := &RouteBuilder{r: *r}
	b.r.AsPath = slices.Clone(r.AsPath)
	b.r.Communities = slices.Clone(r.Communities)
	b.r.ClusterList = slices.Clone(r.ClusterList)
	b.r.key = ""
	b.r.hash = 0
	return b
}

func (b *RouteBuilder) Prefix() netip.Prefix {
	return b.r.Prefix
}
func (b *RouteBuilder) Protocol() Protocol {
	return b.r.Protocol
}
func (b *RouteBuilder) Metric() int64 {
	return b.r.Metric
}
func (b *RouteBuilder) LocalPref() int {
	return b.r.LocalPref
}
func (b *RouteBuilder) AsPath() []uint32 {
	return b.r.AsPath
}
func (b *RouteBuilder) Communities() []uint32 {
	return b.r.Communities
}
func (b *RouteBuilder) NextHopIp() netip.Addr {
	return b.r.NextHopIp
}
func (b *RouteBuilder) ClusterList() []uint32 {
	return b.r.ClusterList
}
func (b *RouteBuilder) OriginatorIp() netip.Addr {
	return b.r.OriginatorIp
}

func (b *RouteBuilder) SetProtocol(p Protocol) *RouteBuilder {
	b.r.Protocol = p
	return b
}
func (b *RouteBuilder) SetNextHopIp(ip netip.Addr) *RouteBuilder {
	b.r.NextHopIp = ip.Unmap()
	return b
}
func (b *RouteBuilder) SetNextHopInterface(name string) *RouteBuilder {
	b.r.NextHopInterface = name
	return b
}
func (b *RouteBuilder) SetAdmin(admin int) *RouteBuilder {
	b.r.Admin = admin
	return b
}
func (b *RouteBuilder) SetMetric(metric int64) *RouteBuilder {
	b.r.Metric = metric
	return b
}
func (b *RouteBuilder) SetTag(tag int) *RouteBuilder {
	b.r.Tag = tag
	return b
}
func (b *RouteBuilder) SetNonRouting(v bool) *RouteBuilder {
	b.r.NonRouting = v
	return b
}
func (b *RouteBuilder) SetLocalPref(lp int) *RouteBuilder {
	b.r.LocalPref = lp
	return b
}
func (b *RouteBuilder) SetOrigin(o OriginType) *RouteBuilder {
	b.r.Origin = o
	return b
}
func (b *RouteBuilder) SetArea(area int64) *RouteBuilder {
	b.r.Area = area
	return b
}
func (b *RouteBuilder) SetAdvertiser(h string) *RouteBuilder {
	b.r.Advertiser = h
	return b
}
func (b *RouteBuilder) SetCostToAdvertiser(c int64) *RouteBuilder {
	b.r.CostToAdvertiser = c
	return b
}
func (b *RouteBuilder) SetAsPath(path []uint32) *RouteBuilder {
	b.r.AsPath = slices.Clone(path)
	return b
}
func (b *RouteBuilder) PrependAs(as ...uint32) *RouteBuilder {
	b.r.AsPath = append(slices.Clone(as), b.r.AsPath...)
	return b
}
func (b *RouteBuilder) SetCommunities(c []uint32) *RouteBuilder {
	b.r.Communities = slices.Clone(c)
	return b
}
func (b *RouteBuilder) AddCommunities(c ...uint32) *RouteBuilder {
	b.r.Communities = append(b.r.Communities, c...)
	return b
}
func (b *RouteBuilder) DeleteCommunities(c ...uint32) *RouteBuilder {
	b.r.Communities = slices.DeleteFunc(b.r.Communities, func(x uint32) bool {
		return slices.Contains(c, x)
	})
	return b
}
func (b *RouteBuilder) SetClusterList(cl []uint32) *RouteBuilder {
	b.r.ClusterList = slices.Clone(cl)
	return b
}
func (b *RouteBuilder) SetOriginatorIp(ip netip.Addr) *RouteBuilder {
	b.r.OriginatorIp = ip
	return b
}
func (b *RouteBuilder) SetReceivedFromIp(ip netip.Addr) *RouteBuilder {
	b.r.ReceivedFromIp = ip
	return b
}
func (b *RouteBuilder) SetReceivedFromRRClient(v bool) *RouteBuilder {
	b.r.ReceivedFromRRClient = v
	return b
}

// Build freezes the builder into a Route. Communities are normalized to a sorted set.
func (b *RouteBuilder) Build() *Route {
	r := b.r
	r.Prefix = r.Prefix.Masked()
	r.AsPath = slices.Clone(r.AsPath)
	r.ClusterList = slices.Clone(r.ClusterList)
	r.Communities = slices.Clone(r.Communities)
	slices.Sort(r.Communities)
	r.Communities = slices.Compact(r.Communities)
	r.key = r.computeKey()
	r.hash = xxhash.Sum64String(r.key)
	return &r
}
