package routers

import (
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
)

// LatencyPicker selects the candidate with the lowest EWMA latency. All
// candidates within LatencyBuffer of the best are considered equivalent
// and picked among uniformly, which keeps some exploration in the mix.
type LatencyPicker struct {
	// Buffer is the equivalence band as a fraction of the lowest latency.
	Buffer float64
}

// NewLatencyPicker creates a latency picker with the given buffer
// (0.1 when non-positive).
func NewLatencyPicker(buffer float64) *LatencyPicker {
	if buffer <= 0 {
		buffer = 0.1
	}
	return &LatencyPicker{Buffer: buffer}
}

// Strategy returns the strategy name.
func (p *LatencyPicker) Strategy() router.Strategy { return router.StrategyLatencyBased }

// Pick selects uniformly among candidates within the buffer of the lowest
// EWMA latency. Unsampled candidates (latency 0) rank first so new
// deployments get traffic.
func (p *LatencyPicker) Pick(_ *router.RequestContext, cands []Candidate, rng *Rand) *provider.Deployment {
	lowest := cands[0].EWMALatencyMs
	for _, c := range cands[1:] {
		if c.EWMALatencyMs < lowest {
			lowest = c.EWMALatencyMs
		}
	}

	if lowest == 0 {
		// At least one candidate has no sample yet; pick among those.
		var fresh []Candidate
		for _, c := range cands {
			if c.EWMALatencyMs == 0 {
				fresh = append(fresh, c)
			}
		}
		return fresh[rng.Intn(len(fresh))].Deployment
	}

	threshold := lowest * (1 + p.Buffer)
	var within []Candidate
	for _, c := range cands {
		if c.EWMALatencyMs <= threshold {
			within = append(within, c)
		}
	}
	return within[rng.Intn(len(within))].Deployment
}
