package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/encodeous/loom/perf"
	"github.com/encodeous/loom/state"
)

// Engine computes the converged data plane of a network.
type Engine struct {
	cfg      *state.NetworkCfg
	settings state.Settings
	topo     *state.Topology
	owners   *state.IpOwners
	sched    *Scheduler
	log      *slog.Logger
}

// NewEngine prepares a computation over an expanded and validated configuration.
func NewEngine(cfg *state.NetworkCfg, log *slog.Logger) (*Engine, error) {
	topo, err := state.BuildTopology(cfg)
	if err != nil {
		return nil, err
	}
	owners, err := state.ComputeIpOwners(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		settings: cfg.Settings,
		topo:     topo,
		owners:   owners,
		sched:    NewScheduler(cfg.Settings.WorkerCount()),
		log:      log,
	}, nil
}

// ComputeDataPlane runs the whole computation for cfg.
func ComputeDataPlane(ctx context.Context, cfg *state.NetworkCfg, log *slog.Logger) (*DataPlane, error) {
	e, err := NewEngine(cfg, log)
	if err != nil {
		return nil, err
	}
	return e.Compute(ctx)
}

// attemptResult is the outcome of one attempt; oscillating is nil when it converged.
type attemptResult struct {
	vrs         []*VirtualRouter
	oscillating []netip.Prefix
	hashes      []uint64
	diff        string
}

// Compute iterates to a fixed point, restarting in lockstep mode for the prefixes
// found oscillating until the configured number of recovery attempts is used up.
func (e *Engine) Compute(ctx context.Context) (*DataPlane, error) {
	start := time.Now()
	stats := ComputationStats{}
	var recovering []netip.Prefix
	for attempt := 0; ; attempt++ {
		stats.Attempts = attempt + 1
		res, err := e.runAttempt(ctx, attempt, recovering, &stats)
		if err != nil {
			return nil, err
		}
		if res.oscillating == nil {
			stats.OscillatingPrefixes = recovering
			stats.Duration = time.Since(start)
			e.log.Info("data plane converged", "attempts", stats.Attempts,
				"iterations", stats.DependentIterations, "took", stats.Duration)
			return newDataPlane(ctx, e, res.vrs, stats)
		}
		perf.Oscillations.Add(1)
		recovering = lo.Uniq(append(recovering, res.oscillating...))
		slices.SortFunc(recovering, comparePrefixes)
		e.log.Warn("routes are oscillating", "attempt", attempt, "prefixes", prefixList(res.oscillating))
		if attempt >= e.settings.RecoveryAttempts() {
			return nil, &OscillationError{
				Attempts: attempt + 1,
				Hashes:   res.hashes,
				Prefixes: recovering,
				Diff:     res.diff,
			}
		}
	}
}

func prefixList(ps []netip.Prefix) string {
	return strings.Join(lo.Map(ps, func(p netip.Prefix, _ int) string {
		return p.String()
	}), ",")
}

// buildVirtualRouters creates one router per node and VRF, ids following the sorted
// (hostname, vrf) order.
func (e *Engine) buildVirtualRouters() ([]*VirtualRouter, error) {
	nodes := make([]*state.NodeCfg, 0, len(e.cfg.Nodes))
	for i := range e.cfg.Nodes {
		nodes = append(nodes, &e.cfg.Nodes[i])
	}
	slices.SortFunc(nodes, func(a, b *state.NodeCfg) int {
		return strings.Compare(a.Hostname, b.Hostname)
	})
	vrs := make([]*VirtualRouter, 0)
	for _, n := range nodes {
		vrfs := make([]*state.VrfCfg, 0, len(n.Vrfs))
		for i := range n.Vrfs {
			vrfs = append(vrfs, &n.Vrfs[i])
		}
		slices.SortFunc(vrfs, func(a, b *state.VrfCfg) int {
			return strings.Compare(a.Name, b.Name)
		})
		for _, v := range vrfs {
			vr, err := newVirtualRouter(len(vrs), n, v, e.log)
			if err != nil {
				return nil, err
			}
			vrs = append(vrs, vr)
		}
	}
	return vrs, nil
}

func (e *Engine) lookup(vrs []*VirtualRouter) interfaceLookup {
	byKey := make(map[NodeVrf]*VirtualRouter, len(vrs))
	for _, vr := range vrs {
		byKey[vr.NodeVrf] = vr
	}
	return func(ref state.InterfaceRef) (*VirtualRouter, *state.InterfaceCfg) {
		n := e.cfg.GetNode(ref.Node)
		if n == nil {
			return nil, nil
		}
		iface := n.GetInterface(ref.Interface)
		if iface == nil || iface.Shutdown {
			return nil, nil
		}
		vr := byKey[NodeVrf{ref.Node, iface.Vrf}]
		if vr == nil {
			return nil, nil
		}
		return vr, iface
	}
}

// igpFixedPoint runs propagate/commit rounds until no router changes.
func igpFixedPoint(ctx context.Context, s *Scheduler, vrs []*VirtualRouter,
	propagate func(vr *VirtualRouter), commit func(vr *VirtualRouter) bool,
) (int, error) {
	rounds := 0
	for {
		rounds++
		err := ForEach(ctx, s, vrs, func(vr *VirtualRouter) error {
			propagate(vr)
			return nil
		})
		if err != nil {
			return rounds, err
		}
		changed, err := AnyChanged(ctx, s, vrs, func(vr *VirtualRouter) (bool, error) {
			return commit(vr), nil
		})
		if err != nil {
			return rounds, err
		}
		if !changed {
			return rounds, nil
		}
	}
}

func (e *Engine) runAttempt(ctx context.Context, attempt int, recovering []netip.Prefix, stats *ComputationStats) (*attemptResult, error) {
	log := e.log.With("attempt", attempt)
	vrs, err := e.buildVirtualRouters()
	if err != nil {
		return nil, err
	}
	lookup := e.lookup(vrs)
	sessions := establishSessions(vrs, e.owners, log)
	log.Debug("virtual routers built", "routers", len(vrs), "bgp sessions", sessions.Len())

	var ls *lockstep
	if len(recovering) > 0 {
		ls = newLockstep(recovering)
	}

	err = ForEach(ctx, e.sched, vrs, func(vr *VirtualRouter) error {
		if err := vr.initBaseRoutes(); err != nil {
			return err
		}
		if vr.ospf != nil {
			vr.ospf.initAdjacencies(e.topo, lookup)
		}
		if vr.rip != nil {
			vr.rip.initAdjacencies(vr, e.topo, lookup)
		}
		return vr.initExternalAdvertisements(e.cfg.ExternalBgpAdvertisements)
	})
	if err != nil {
		return nil, err
	}

	ospfRounds, err := igpFixedPoint(ctx, e.sched, vrs,
		func(vr *VirtualRouter) {
			if vr.ospf != nil {
				vr.ospf.propagateInternal()
			}
		},
		func(vr *VirtualRouter) bool {
			return vr.ospf != nil && vr.ospf.unstageInternal()
		})
	if err != nil {
		return nil, err
	}
	stats.OspfInternalIterations = ospfRounds
	ripRounds, err := igpFixedPoint(ctx, e.sched, vrs,
		func(vr *VirtualRouter) {
			if vr.rip != nil {
				vr.rip.propagate()
			}
		},
		func(vr *VirtualRouter) bool {
			return vr.rip != nil && vr.rip.unstage()
		})
	if err != nil {
		return nil, err
	}
	stats.RipInternalIterations = ripRounds
	err = ForEach(ctx, e.sched, vrs, func(vr *VirtualRouter) error {
		if vr.ospf != nil {
			vr.ospf.finishInternal()
		}
		vr.initIndependentRib()
		return nil
	})
	if err != nil {
		return nil, err
	}

	tracker := newIterationTracker(e.settings, ls != nil)
	h, snap, err := e.measure(ctx, vrs)
	if err != nil {
		return nil, err
	}
	tracker.record(0, h, snap)
	stats.RouteCounts = stats.RouteCounts[:0]

	for iter := 1; ; iter++ {
		start := time.Now()
		if err := e.dependentIteration(ctx, vrs, iter, ls); err != nil {
			return nil, err
		}
		h, snap, err := e.measure(ctx, vrs)
		if err != nil {
			return nil, err
		}
		routes := 0
		for _, vr := range vrs {
			routes += vr.mainRib.Len()
		}
		stats.RouteCounts = append(stats.RouteCounts, routes)
		stats.DependentIterations = iter
		perf.Iterations.Add(1)
		perf.MainRibRoutes.Add(float64(routes))
		perf.IterationLatency.Add(float64(time.Since(start).Microseconds()))
		log.Debug("dependent iteration", "iteration", iter, "hash", h, "routes", routes)

		switch tracker.record(iter, h, snap) {
		case converged:
			return &attemptResult{vrs: vrs}, nil
		case oscillating:
			res := &attemptResult{
				vrs:         vrs,
				oscillating: tracker.oscillatingPrefixes(iter),
				hashes:      slices.Clone(tracker.hashes),
			}
			if e.settings.DebugOscillation {
				res.diff = tracker.diff(iter)
			}
			return res, nil
		}
	}
}

// dependentIteration runs every protocol whose routes depend on the main RIB of
// the previous iteration. Each phase ends with a barrier.
func (e *Engine) dependentIteration(ctx context.Context, vrs []*VirtualRouter, iter int, ls *lockstep) error {
	phase := func(fn func(vr *VirtualRouter)) error {
		return ForEach(ctx, e.sched, vrs, func(vr *VirtualRouter) error {
			fn(vr)
			return nil
		})
	}
	if err := phase(func(vr *VirtualRouter) {
		vr.reinit()
		vr.activateConditionalRoutes()
		if vr.ospf != nil {
			vr.ospf.exportExternal()
		}
	}); err != nil {
		return err
	}
	_, err := igpFixedPoint(ctx, e.sched, vrs,
		func(vr *VirtualRouter) {
			if vr.ospf != nil {
				vr.ospf.propagateExternal()
			}
		},
		func(vr *VirtualRouter) bool {
			return vr.ospf != nil && vr.ospf.unstageExternal()
		})
	if err != nil {
		return err
	}
	if err := phase(func(vr *VirtualRouter) {
		if vr.ospf != nil {
			vr.mainRib.Import(vr.ospf.externalRib)
		}
		vr.receiveFresh(iter, ls)
	}); err != nil {
		return err
	}
	if err := phase(func(vr *VirtualRouter) {
		vr.replayDeferred(iter, ls)
	}); err != nil {
		return err
	}
	return phase(func(vr *VirtualRouter) {
		vr.finalizeBgp()
		vr.activateConditionalRoutes()
	})
}

// measure hashes and snapshots the routes of every router.
func (e *Engine) measure(ctx context.Context, vrs []*VirtualRouter) (uint64, ribSnapshot, error) {
	h, err := SumUint64(ctx, e.sched, vrs, func(vr *VirtualRouter) uint64 {
		return vr.hash()
	})
	if err != nil {
		return 0, nil, err
	}
	snap := make(ribSnapshot, len(vrs))
	for _, vr := range vrs {
		vr.snapshot(snap)
	}
	return h, snap, nil
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(%d nodes, %d edges)", len(e.cfg.Nodes), e.topo.Len())
}
