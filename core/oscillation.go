package core

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"

	"github.com/encodeous/loom/state"
)

type markKey struct {
	lower  int
	higher int
	prefix netip.Prefix
}

// lockstep serializes BGP exchanges for oscillating prefixes: on every iteration
// only one side of each session may advertise fresh routes for them.
type lockstep struct {
	prefixes map[netip.Prefix]struct{}
	mu       sync.Mutex
	marks    map[markKey]int
}

func newLockstep(prefixes []netip.Prefix) *lockstep {
	ls := &lockstep{
		prefixes: make(map[netip.Prefix]struct{}, len(prefixes)),
		marks:    make(map[markKey]int),
	}
	for _, p := range prefixes {
		ls.prefixes[p.Masked()] = struct{}{}
	}
	return ls
}

func (l *lockstep) oscillating(p netip.Prefix) bool {
	_, ok := l.prefixes[p]
	return ok
}

// prioritySide returns the router id allowed to send on even iterations the lower
// id and on odd ones the higher.
func (l *lockstep) prioritySide(iter, a, b int) int {
	if iter%2 == 0 {
		return min(a, b)
	}
	return max(a, b)
}

func (l *lockstep) mark(a, b int, p netip.Prefix, iter int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[markKey{min(a, b), max(a, b), p}] = iter
}

func (l *lockstep) marked(a, b int, p netip.Prefix, iter int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.marks[markKey{min(a, b), max(a, b), p}]
	return ok && it == iter
}

type verdict int

const (
	keepIterating verdict = iota
	converged
	oscillating
)

// iterationTracker keeps the hash history of an attempt and a bounded window of
// route snapshots used to pin down what oscillates.
type iterationTracker struct {
	recovery  bool
	settings  state.Settings
	hashes    []uint64
	firstSeen map[uint64]int
	snapshots *ttlcache.Cache[int, ribSnapshot]
	// cycleStart is the first iteration of the detected cycle
	cycleStart int
}

func newIterationTracker(settings state.Settings, recovery bool) *iterationTracker {
	return &iterationTracker{
		recovery:  recovery,
		settings:  settings,
		firstSeen: make(map[uint64]int),
		snapshots: ttlcache.New[int, ribSnapshot](
			ttlcache.WithCapacity[int, ribSnapshot](uint64(settings.RecordedIterations())),
			ttlcache.WithDisableTouchOnHit[int, ribSnapshot](),
		),
	}
}

// record stores the hash and snapshot of iteration iter, which must be one past the
// previously recorded iteration, and decides how the computation continues.
func (t *iterationTracker) record(iter int, hash uint64, snap ribSnapshot) verdict {
	t.hashes = append(t.hashes, hash)
	t.snapshots.Set(iter, snap, ttlcache.NoTTL)
	if t.recovery {
		if iter >= 2 && hash == t.hashes[iter-1] && hash == t.hashes[iter-2] {
			return converged
		}
	} else if iter >= 1 && hash == t.hashes[iter-1] {
		return converged
	}
	lag := 1
	if t.recovery {
		lag = 2
	}
	j, ok := t.firstSeen[hash]
	if !ok {
		t.firstSeen[hash] = iter
		return keepIterating
	}
	if j < iter-lag {
		t.cycleStart = j
		return oscillating
	}
	return keepIterating
}

func (t *iterationTracker) snapshot(iter int) (ribSnapshot, bool) {
	item := t.snapshots.Get(iter)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func changedPrefixes(a, b ribSnapshot, into map[netip.Prefix]struct{}) {
	tables := lo.Uniq(append(lo.Keys(map[string]map[string]string(a)), lo.Keys(map[string]map[string]string(b))...))
	for _, table := range tables {
		ta, tb := a[table], b[table]
		for _, p := range lo.Uniq(append(lo.Keys(ta), lo.Keys(tb)...)) {
			if ta[p] == tb[p] {
				continue
			}
			if prefix, err := netip.ParsePrefix(p); err == nil {
				into[prefix] = struct{}{}
			}
		}
	}
}

// oscillatingPrefixes returns the prefixes whose routes differ between any two
// consecutive iterations of the detected cycle.
func (t *iterationTracker) oscillatingPrefixes(last int) []netip.Prefix {
	set := make(map[netip.Prefix]struct{})
	for k := t.cycleStart; k < last; k++ {
		a, okA := t.snapshot(k)
		b, okB := t.snapshot(k + 1)
		if okA && okB {
			changedPrefixes(a, b, set)
		}
	}
	if len(set) == 0 {
		// the cycle start fell out of the window; use what is left of it
		keys := t.snapshots.Keys()
		slices.Sort(keys)
		for i := 1; i < len(keys); i++ {
			a, _ := t.snapshot(keys[i-1])
			b, _ := t.snapshot(keys[i])
			changedPrefixes(a, b, set)
		}
	}
	out := lo.Keys(set)
	slices.SortFunc(out, comparePrefixes)
	return out
}

func comparePrefixes(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// diff renders route level differences between consecutive snapshots of the cycle,
// or of every retained iteration when PrintAllIterations is set.
func (t *iterationTracker) diff(last int) string {
	iters := make([]int, 0)
	if t.settings.PrintAllIterations {
		iters = t.snapshots.Keys()
		slices.Sort(iters)
	} else {
		for k := t.cycleStart; k <= last; k++ {
			if t.snapshots.Has(k) {
				iters = append(iters, k)
			}
		}
	}
	sb := strings.Builder{}
	for i := 1; i < len(iters); i++ {
		a, _ := t.snapshot(iters[i-1])
		b, _ := t.snapshot(iters[i])
		fmt.Fprintf(&sb, "iteration %d -> %d:\n%s", iters[i-1], iters[i], cmp.Diff(a, b))
	}
	return sb.String()
}
