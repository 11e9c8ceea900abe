// Package balancer implements the gateway's per-route load-balancing state:
// health-aware target filtering, the four selection strategies, connection
// accounting and sticky-session pinning described in spec §4.2.
package balancer

import (
	"math/rand/v2"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/nehoraim/edgegw/internal/route"
)

// Strategy is re-exported for callers that only import balancer.
type Strategy = route.Strategy

const (
	RoundRobin         = route.RoundRobin
	WeightedRoundRobin = route.WeightedRoundRobin
	Random             = route.Random
	LeastConnections   = route.LeastConnections
)

// Balancer owns all live, mutable load-balancing state for a single route.
// It is safe for concurrent use; every operation is guarded by a single
// mutex, with critical sections kept O(len(targets)).
type Balancer struct {
	strategy Strategy
	targets  []route.Target // immutable configuration, fixed target order

	mu sync.Mutex

	rrCursor int

	wrrResiduals []int
	wrrGCD       int
	wrrPosition  int

	connCounts map[string]int
	overrides  map[string]bool
	sticky     map[uint64]string

	rng *rand.Rand
}

// New builds a Balancer for the given targets and strategy. Weights must
// already be validated to be >= 1 by the configuration loader.
func New(targets []route.Target, strategy Strategy) *Balancer {
	weights := make([]int, len(targets))
	for i, t := range targets {
		w := t.Weight
		if w < 1 {
			w = 1
		}
		weights[i] = w
	}
	b := &Balancer{
		strategy:     strategy,
		targets:      targets,
		wrrResiduals: append([]int(nil), weights...),
		wrrGCD:       gcdAll(weights),
		wrrPosition:  -1,
		connCounts:   make(map[string]int),
		overrides:    make(map[string]bool),
		sticky:       make(map[uint64]string),
		rng:          rand.New(rand.NewPCG(seed(), seed()^0x9e3779b97f4a7c15)),
	}
	return b
}

func seed() uint64 {
	// A fixed, deterministic seed is acceptable per spec §4.2's "random"
	// strategy note; the generator is seeded once per balancer from a
	// constant, never reseeded from the clock, which avoids the original's
	// nanosecond-reseed pitfall (spec §9 open question).
	return xxhash.Sum64String("edgegw-balancer-seed")
}

func gcdAll(weights []int) int {
	g := 0
	for _, w := range weights {
		g = gcd(g, w)
	}
	if g == 0 {
		g = 1
	}
	return g
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// isHealthyLocked reports whether target is selectable: its dynamic override
// if set, else its static flag.
func (b *Balancer) isHealthyLocked(t route.Target) bool {
	if v, ok := b.overrides[t.URL]; ok {
		return v
	}
	return t.StaticHealthy
}

func (b *Balancer) healthyLocked() []route.Target {
	out := make([]route.Target, 0, len(b.targets))
	for _, t := range b.targets {
		if b.isHealthyLocked(t) {
			out = append(out, t)
		}
	}
	return out
}

// Select returns one healthy target per the configured strategy, or nil when
// none are healthy.
func (b *Balancer) Select() *route.Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	healthy := b.healthyLocked()
	return b.selectLocked(healthy)
}

func (b *Balancer) selectLocked(healthy []route.Target) *route.Target {
	if len(healthy) == 0 {
		return nil
	}
	switch b.strategy {
	case WeightedRoundRobin:
		if t := b.weightedRoundRobinLocked(healthy); t != nil {
			return t
		}
		return b.roundRobinLocked(healthy)
	case Random:
		return &healthy[b.rng.IntN(len(healthy))]
	case LeastConnections:
		return b.leastConnectionsLocked(healthy)
	default: // RoundRobin
		return b.roundRobinLocked(healthy)
	}
}

func (b *Balancer) roundRobinLocked(healthy []route.Target) *route.Target {
	t := &healthy[b.rrCursor%len(healthy)]
	b.rrCursor++
	return t
}

// weightedRoundRobinLocked walks the configured target order (not just the
// healthy subset) the way spec §4.2 describes: advance a shared position
// modulo the full target count, decay residual weights by the GCD on wrap,
// and return the first position that is both healthy and has residual
// weight left. Falls back to nil (caller does plain round-robin) if the
// walk can't find one within a full cycle.
func (b *Balancer) weightedRoundRobinLocked(healthy []route.Target) *route.Target {
	n := len(b.targets)
	if n == 0 {
		return nil
	}
	for attempt := 0; attempt < n; attempt++ {
		b.wrrPosition = (b.wrrPosition + 1) % n
		if b.wrrPosition == 0 {
			for i := range b.wrrResiduals {
				if b.wrrResiduals[i] >= b.wrrGCD {
					b.wrrResiduals[i] -= b.wrrGCD
				}
			}
			allZero := true
			for _, w := range b.wrrResiduals {
				if w != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				for i, t := range b.targets {
					w := t.Weight
					if w < 1 {
						w = 1
					}
					b.wrrResiduals[i] = w
				}
			}
		}
		t := &b.targets[b.wrrPosition]
		if b.wrrResiduals[b.wrrPosition] > 0 && b.isHealthyLocked(*t) {
			return t
		}
	}
	return nil
}

func (b *Balancer) leastConnectionsLocked(healthy []route.Target) *route.Target {
	best := &healthy[0]
	bestCount := b.connCounts[best.URL]
	for i := 1; i < len(healthy); i++ {
		c := b.connCounts[healthy[i].URL]
		if c < bestCount {
			best = &healthy[i]
			bestCount = c
		}
	}
	return best
}

// StartRequest increments the in-flight count for url.
func (b *Balancer) StartRequest(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connCounts[url]++
}

// EndRequest decrements the in-flight count for url, saturating at zero.
func (b *Balancer) EndRequest(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connCounts[url] > 0 {
		b.connCounts[url]--
	}
}

// ConnectionCount reports the current in-flight count for url.
func (b *Balancer) ConnectionCount(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connCounts[url]
}

// SetTargetHealth writes a dynamic health override for url.
func (b *Balancer) SetTargetHealth(url string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[url] = healthy
}

// ClearTargetHealth removes a dynamic override, reverting to the static flag.
func (b *Balancer) ClearTargetHealth(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.overrides, url)
}

// HealthyCount returns the number of currently selectable targets.
func (b *Balancer) HealthyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.healthyLocked())
}

func hashClient(clientID string) uint64 {
	return xxhash.Sum64String(clientID)
}

// SelectSticky resolves a target for clientID, reusing a prior pinning when
// it still resolves to a healthy target. Otherwise it selects a fresh target
// via the configured strategy and records the mapping. A pinned mapping to
// an unhealthy target is bypassed but only overwritten once a healthy
// replacement is actually chosen (spec §4.2, §9).
func (b *Balancer) SelectSticky(clientID string) *route.Target {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := b.healthyLocked()
	if len(healthy) == 0 {
		return nil
	}

	key := hashClient(clientID)
	if pinned, ok := b.sticky[key]; ok {
		for i := range healthy {
			if healthy[i].URL == pinned {
				return &healthy[i]
			}
		}
	}

	selected := b.selectLocked(healthy)
	if selected != nil {
		b.sticky[key] = selected.URL
	}
	return selected
}

// ClearStickySession drops the pinning for clientID, if any.
func (b *Balancer) ClearStickySession(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sticky, hashClient(clientID))
}

// StickyTarget returns the currently pinned URL for clientID, if any.
func (b *Balancer) StickyTarget(clientID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url, ok := b.sticky[hashClient(clientID)]
	return url, ok
}

// Targets returns the configured target list (not the healthy subset).
func (b *Balancer) Targets() []route.Target {
	out := make([]route.Target, len(b.targets))
	copy(out, b.targets)
	return out
}
