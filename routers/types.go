// Package routers provides the selection strategies. Each picker receives
// the filtered, non-empty candidate set and returns one deployment without
// modifying any state; counter updates happen in the pre/post-call hooks.
package routers

import (
	"math/rand"
	"sync"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
)

// Candidate pairs a deployment with the live stats a strategy needs.
type Candidate struct {
	Deployment *provider.Deployment

	Outstanding   int64
	EWMALatencyMs float64

	// Current minute-bucket usage from the counter store.
	RPMUsed int64
	TPMUsed int64
}

// Picker selects one deployment from a non-empty candidate set.
type Picker interface {
	Strategy() router.Strategy
	Pick(rc *router.RequestContext, cands []Candidate, rng *Rand) *provider.Deployment
}

// Rand is a mutex-guarded random source shared across concurrent picks.
// Tests construct it from a fixed seed for determinism.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand wraps a seeded source.
func NewRand(seed int64) *Rand {
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

// Intn returns a uniform int in [0, n).
func (r *Rand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// Float64 returns a uniform float in [0, 1).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Shuffle randomizes order via swap.
func (r *Rand) Shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng.Shuffle(n, swap)
}
