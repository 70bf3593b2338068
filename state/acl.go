package state

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/gaissmai/bart"
)

var anyPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/0"),
	netip.MustParsePrefix("::/0"),
}

type portRange struct {
	from, to uint16
}

func parsePortRange(s string) (portRange, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(s), "-")
	from, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return portRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	to := from
	if found {
		to, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil {
			return portRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
		}
	}
	if to < from {
		return portRange{}, fmt.Errorf("invalid port range %q", s)
	}
	return portRange{uint16(from), uint16(to)}, nil
}

func matchPorts(ranges []portRange, port uint16) bool {
	if len(ranges) == 0 {
		return true
	}
	return slices.ContainsFunc(ranges, func(r portRange) bool {
		return port >= r.from && port <= r.to
	})
}

type aclLine struct {
	action    PolicyAction
	src, dst  *bart.Table[struct{}] // nil matches any address
	protocols []string
	srcPorts  []portRange
	dstPorts  []portRange
}

// CompiledAcl evaluates flows against an access list. First matching line wins;
// a flow matching no line is denied.
type CompiledAcl struct {
	Name  string
	lines []aclLine
}

func addressSet(include, except []netip.Prefix) *bart.Table[struct{}] {
	if len(include) == 0 && len(except) == 0 {
		return nil
	}
	if len(include) == 0 {
		include = anyPrefixes
	}
	masked := make([]netip.Prefix, 0, len(include))
	for _, p := range include {
		masked = append(masked, p.Masked())
	}
	prefixes := CoalescePrefix(masked)
	if len(except) > 0 {
		prefixes = SubtractPrefix(prefixes, except)
	}
	set := &bart.Table[struct{}]{}
	for _, p := range prefixes {
		set.Insert(p, struct{}{})
	}
	return set
}

func CompileAcl(cfg AclCfg) (*CompiledAcl, error) {
	acl := &CompiledAcl{Name: cfg.Name}
	for i, lc := range cfg.Lines {
		action, err := ParsePolicyAction(lc.Action)
		if err != nil {
			return nil, fmt.Errorf("acl %s line %d: %w", cfg.Name, i, err)
		}
		line := aclLine{
			action: action,
			src:    addressSet(lc.Src, lc.SrcExcept),
			dst:    addressSet(lc.Dst, lc.DstExcept),
		}
		for _, p := range lc.Protocols {
			line.protocols = append(line.protocols, strings.ToLower(p))
		}
		for _, s := range lc.SrcPorts {
			r, err := parsePortRange(s)
			if err != nil {
				return nil, fmt.Errorf("acl %s line %d: %w", cfg.Name, i, err)
			}
			line.srcPorts = append(line.srcPorts, r)
		}
		for _, s := range lc.DstPorts {
			r, err := parsePortRange(s)
			if err != nil {
				return nil, fmt.Errorf("acl %s line %d: %w", cfg.Name, i, err)
			}
			line.dstPorts = append(line.dstPorts, r)
		}
		acl.lines = append(acl.lines, line)
	}
	return acl, nil
}

func (l *aclLine) matches(f Flow) bool {
	if l.src != nil && !l.src.Contains(f.Src) {
		return false
	}
	if l.dst != nil && !l.dst.Contains(f.Dst) {
		return false
	}
	if len(l.protocols) > 0 && !slices.Contains(l.protocols, strings.ToLower(f.IpProtocol)) {
		return false
	}
	return matchPorts(l.srcPorts, f.SrcPort) && matchPorts(l.dstPorts, f.DstPort)
}

// Permits reports whether the flow is permitted. A nil ACL permits everything.
func (a *CompiledAcl) Permits(f Flow) bool {
	if a == nil {
		return true
	}
	for i := range a.lines {
		if a.lines[i].matches(f) {
			return a.lines[i].action == Permit
		}
	}
	return false
}
