package state

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

type PolicyAction int

const (
	Deny PolicyAction = iota
	Permit
)

func ParsePolicyAction(s string) (PolicyAction, error) {
	switch strings.ToLower(s) {
	case "permit", "accept":
		return Permit, nil
	case "deny", "reject", "":
		return Deny, nil
	}
	return Deny, fmt.Errorf("unknown action %q", s)
}

func (a PolicyAction) String() string {
	if a == Permit {
		return "permit"
	}
	return "deny"
}

// ParseCommunity accepts the "asn:value" form or a plain 32-bit integer.
func ParseCommunity(s string) (uint32, error) {
	hi, low, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		v, err := strconv.ParseUint(hi, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid community %q: %w", s, err)
		}
		return uint32(v), nil
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid community %q: %w", s, err)
	}
	l, err := strconv.ParseUint(low, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid community %q: %w", s, err)
	}
	return uint32(h)<<16 | uint32(l), nil
}

func FormatCommunity(c uint32) string {
	return fmt.Sprintf("%d:%d", c>>16, c&0xffff)
}

func parseCommunities(in []string) ([]uint32, error) {
	out := make([]uint32, 0, len(in))
	for _, s := range in {
		c, err := ParseCommunity(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type PrefixRange struct {
	Prefix netip.Prefix
	Ge, Le int
}

// Matches reports whether p lies inside the range prefix with a length in [Ge, Le].
// Ge and Le default to the range prefix length, making the range an exact match.
func (r PrefixRange) Matches(p netip.Prefix) bool {
	if p.Addr().Is4() != r.Prefix.Addr().Is4() {
		return false
	}
	ge, le := r.Ge, r.Le
	if ge == 0 {
		ge = r.Prefix.Bits()
	}
	if le == 0 {
		if r.Ge != 0 {
			le = p.Addr().BitLen()
		} else {
			le = r.Prefix.Bits()
		}
	}
	return p.Bits() >= r.Prefix.Bits() && p.Bits() >= ge && p.Bits() <= le && r.Prefix.Contains(p.Addr())
}

type policyStatement struct {
	action         PolicyAction
	protocols      []Protocol
	prefixes       []PrefixRange
	communities    []uint32
	asPathContains []uint32
	neighborIps    []netip.Addr

	setLocalPref *int
	setMetric    *int64
	setAdmin     *int
	prependAs    []uint32
	addComm      []uint32
	delComm      []uint32
	setMetricTyp *Protocol
	setOrigin    *OriginType
	setNextHop   netip.Addr
}

// Policy is a compiled routing policy. The zero of *Policy (nil) permits every route unchanged.
type Policy struct {
	Name          string
	defaultAction PolicyAction
	statements    []policyStatement
}

func CompilePolicy(cfg PolicyCfg) (*Policy, error) {
	def, err := ParsePolicyAction(cfg.DefaultAction)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", cfg.Name, err)
	}
	p := &Policy{Name: cfg.Name, defaultAction: def}
	for i, sc := range cfg.Statements {
		st, err := compileStatement(sc)
		if err != nil {
			return nil, fmt.Errorf("policy %s statement %d: %w", cfg.Name, i, err)
		}
		p.statements = append(p.statements, st)
	}
	return p, nil
}

func compileStatement(sc PolicyStatementCfg) (policyStatement, error) {
	st := policyStatement{}
	var err error
	if st.action, err = ParsePolicyAction(sc.Action); err != nil {
		return st, err
	}
	for _, name := range sc.Match.Protocols {
		proto, err := ParseProtocol(name)
		if err != nil {
			return st, err
		}
		st.protocols = append(st.protocols, proto)
	}
	for _, pr := range sc.Match.Prefixes {
		if pr.Le != 0 && pr.Le < pr.Ge {
			return st, fmt.Errorf("prefix range %s has le %d < ge %d", pr.Prefix, pr.Le, pr.Ge)
		}
		st.prefixes = append(st.prefixes, PrefixRange{Prefix: pr.Prefix.Masked(), Ge: pr.Ge, Le: pr.Le})
	}
	if st.communities, err = parseCommunities(sc.Match.Communities); err != nil {
		return st, err
	}
	st.asPathContains = sc.Match.AsPathContains
	st.neighborIps = sc.Match.NeighborIps

	set := sc.Set
	st.setLocalPref = set.LocalPref
	st.setMetric = set.Metric
	st.setAdmin = set.Admin
	st.prependAs = set.PrependAs
	st.setNextHop = set.NextHopIp
	if st.addComm, err = parseCommunities(set.AddCommunities); err != nil {
		return st, err
	}
	if st.delComm, err = parseCommunities(set.DeleteCommunities); err != nil {
		return st, err
	}
	switch strings.ToLower(set.OspfMetricType) {
	case "":
	case "e1", "type1", "type-1":
		st.setMetricTyp = lo.ToPtr(ProtoOspfE1)
	case "e2", "type2", "type-2":
		st.setMetricTyp = lo.ToPtr(ProtoOspfE2)
	default:
		return st, fmt.Errorf("unknown ospf metric type %q", set.OspfMetricType)
	}
	if set.Origin != "" {
		o, err := ParseOriginType(set.Origin)
		if err != nil {
			return st, err
		}
		st.setOrigin = &o
	}
	return st, nil
}

func (st *policyStatement) matches(in *Route, neighbor netip.Addr) bool {
	if len(st.protocols) > 0 && !slices.Contains(st.protocols, in.Protocol) {
		return false
	}
	if len(st.prefixes) > 0 && !lo.SomeBy(st.prefixes, func(r PrefixRange) bool {
		return r.Matches(in.Prefix)
	}) {
		return false
	}
	if len(st.communities) > 0 && !lo.Some(in.Communities, st.communities) {
		return false
	}
	if len(st.asPathContains) > 0 && !lo.Some(in.AsPath, st.asPathContains) {
		return false
	}
	if len(st.neighborIps) > 0 && !slices.Contains(st.neighborIps, neighbor) {
		return false
	}
	return true
}

func (st *policyStatement) apply(out *RouteBuilder) {
	if st.setLocalPref != nil {
		out.SetLocalPref(*st.setLocalPref)
	}
	if st.setMetric != nil {
		out.SetMetric(*st.setMetric)
	}
	if st.setAdmin != nil {
		out.SetAdmin(*st.setAdmin)
	}
	if len(st.prependAs) > 0 {
		out.PrependAs(st.prependAs...)
	}
	if len(st.delComm) > 0 {
		out.DeleteCommunities(st.delComm...)
	}
	if len(st.addComm) > 0 {
		out.AddCommunities(st.addComm...)
	}
	if st.setMetricTyp != nil && out.Protocol().IsOspf() {
		out.SetProtocol(*st.setMetricTyp)
	}
	if st.setOrigin != nil {
		out.SetOrigin(*st.setOrigin)
	}
	if st.setNextHop.IsValid() {
		out.SetNextHopIp(st.setNextHop)
	}
}

// Process evaluates the policy against in, applying the transforms of the deciding
// statement to out. neighbor is the BGP peer the route is exchanged with, if any.
// It reports whether the route is permitted.
func (p *Policy) Process(in *Route, out *RouteBuilder, neighbor netip.Addr) bool {
	if p == nil {
		return true
	}
	for i := range p.statements {
		st := &p.statements[i]
		if !st.matches(in, neighbor) {
			continue
		}
		if st.action == Deny {
			return false
		}
		st.apply(out)
		return true
	}
	return p.defaultAction == Permit
}

// Permits evaluates the policy as a pure predicate.
func (p *Policy) Permits(in *Route, neighbor netip.Addr) bool {
	return p.Process(in, BuilderFrom(in), neighbor)
}
