package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/encodeous/loom/perf"
	"github.com/encodeous/loom/state"
)

// ComputationStats summarizes how the data plane was computed.
type ComputationStats struct {
	// Attempts counts computation attempts, including the final successful one.
	Attempts               int
	OspfInternalIterations int
	RipInternalIterations  int
	DependentIterations    int
	// RouteCounts is the total number of main RIB routes after each dependent iteration
	// of the final attempt.
	RouteCounts         []int
	OscillatingPrefixes []netip.Prefix
	Duration            time.Duration
}

// DataPlane is the converged result of a computation: the main RIB and FIB of every
// virtual router, and everything needed to trace flows through them.
type DataPlane struct {
	Ribs  map[NodeVrf]*Rib
	Fibs  map[NodeVrf]*Fib
	Stats ComputationStats

	cfg    *state.NetworkCfg
	topo   *state.Topology
	owners *state.IpOwners
	acls   map[string]map[string]*state.CompiledAcl
	sinks  map[state.InterfaceRef]struct{}
	sched  *Scheduler
	log    *slog.Logger
}

func newDataPlane(ctx context.Context, e *Engine, vrs []*VirtualRouter, stats ComputationStats) (*DataPlane, error) {
	dp := &DataPlane{
		Ribs:   make(map[NodeVrf]*Rib),
		Fibs:   make(map[NodeVrf]*Fib),
		Stats:  stats,
		cfg:    e.cfg,
		topo:   e.topo,
		owners: e.owners,
		acls:   make(map[string]map[string]*state.CompiledAcl),
		sinks:  make(map[state.InterfaceRef]struct{}),
		sched:  e.sched,
		log:    e.log,
	}
	for _, n := range e.cfg.Nodes {
		m := make(map[string]*state.CompiledAcl)
		for _, a := range n.Acls {
			acl, err := state.CompileAcl(a)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Hostname, err)
			}
			m[a.Name] = acl
		}
		dp.acls[n.Hostname] = m
	}
	for _, s := range e.cfg.FlowSinks {
		dp.sinks[s] = struct{}{}
	}

	mu := sync.Mutex{}
	err := ForEach(ctx, e.sched, vrs, func(vr *VirtualRouter) error {
		start := time.Now()
		fib, err := BuildFib(vr.mainRib)
		if err != nil {
			return fmt.Errorf("%s: %w", vr.NodeVrf, err)
		}
		perf.FibBuildLatency.Add(float64(time.Since(start).Microseconds()))
		mu.Lock()
		defer mu.Unlock()
		dp.Ribs[vr.NodeVrf] = vr.mainRib
		dp.Fibs[vr.NodeVrf] = fib
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dp, nil
}

// acl returns the named ACL of a node, nil (permit everything) when name is empty.
func (dp *DataPlane) acl(node, name string) *state.CompiledAcl {
	if name == "" {
		return nil
	}
	return dp.acls[node][name]
}

// Keys returns every virtual router in canonical order.
func (dp *DataPlane) Keys() []NodeVrf {
	keys := make([]NodeVrf, 0, len(dp.Ribs))
	for k := range dp.Ribs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b NodeVrf) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// Describe writes a human readable dump of the computation.
func (dp *DataPlane) Describe(w io.Writer, ribs, fibs bool) error {
	s := dp.Stats
	_, err := fmt.Fprintf(w, "attempts: %d, dependent iterations: %d, ospf iterations: %d, rip iterations: %d, took %s\n",
		s.Attempts, s.DependentIterations, s.OspfInternalIterations, s.RipInternalIterations, s.Duration.Round(time.Microsecond))
	if err != nil {
		return err
	}
	if len(s.OscillatingPrefixes) > 0 {
		ps := make([]string, 0, len(s.OscillatingPrefixes))
		for _, p := range s.OscillatingPrefixes {
			ps = append(ps, p.String())
		}
		if _, err := fmt.Fprintf(w, "recovered oscillating prefixes: %s\n", strings.Join(ps, ", ")); err != nil {
			return err
		}
	}
	for _, k := range dp.Keys() {
		if !ribs && !fibs {
			break
		}
		if _, err := fmt.Fprintf(w, "\n== %s ==\n", k); err != nil {
			return err
		}
		if ribs {
			for _, r := range dp.Ribs[k].Routes() {
				if _, err := fmt.Fprintf(w, "  %s\n", r); err != nil {
					return err
				}
			}
		}
		if fibs {
			if _, err := fmt.Fprintf(w, "  -- fib --\n"); err != nil {
				return err
			}
			for _, line := range strings.Split(strings.TrimSpace(dp.Fibs[k].String()), "\n") {
				if line == "" {
					continue
				}
				if _, err := fmt.Fprintf(w, "  %s\n", line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
