package core

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/encodeous/loom/state"
)

var (
	ErrFibDepthExceeded      = errors.New("next hop resolution exceeded the maximum recursion depth")
	ErrNoNextHop             = errors.New("route has neither a next hop ip nor a next hop interface")
	ErrMultipleFinalNextHops = errors.New("multiple final next hop ips on one interface")
	ErrUnknownNode           = state.ErrUnknownNode
)

// OscillationError is returned when the routing computation keeps oscillating after
// every recovery attempt has been used.
type OscillationError struct {
	Attempts int
	// Hashes is the per-iteration hash history of the final attempt.
	Hashes   []uint64
	Prefixes []netip.Prefix
	// Diff is a route level diff of the oscillating iterations, only set when debugging oscillations.
	Diff string
}

func (e *OscillationError) Error() string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "routes did not converge after %d attempt(s)", e.Attempts)
	if len(e.Prefixes) > 0 {
		ps := make([]string, 0, len(e.Prefixes))
		for _, p := range e.Prefixes {
			ps = append(ps, p.String())
		}
		fmt.Fprintf(&sb, ", oscillating prefixes: %s", strings.Join(ps, ", "))
	}
	return sb.String()
}
