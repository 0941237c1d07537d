package routers

import (
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
)

// LeastBusyPicker selects the candidate with the smallest outstanding
// request count. Ties break by lowest EWMA latency, then random.
type LeastBusyPicker struct{}

// NewLeastBusyPicker creates a least-busy picker.
func NewLeastBusyPicker() *LeastBusyPicker { return &LeastBusyPicker{} }

// Strategy returns the strategy name.
func (p *LeastBusyPicker) Strategy() router.Strategy { return router.StrategyLeastBusy }

// Pick selects the deployment with fewest outstanding requests.
func (p *LeastBusyPicker) Pick(_ *router.RequestContext, cands []Candidate, rng *Rand) *provider.Deployment {
	// Shuffle first so the final random tie-break falls out of scan order.
	shuffled := make([]Candidate, len(cands))
	copy(shuffled, cands)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	best := shuffled[0]
	for _, c := range shuffled[1:] {
		switch {
		case c.Outstanding < best.Outstanding:
			best = c
		case c.Outstanding == best.Outstanding && c.EWMALatencyMs < best.EWMALatencyMs:
			best = c
		}
	}
	return best.Deployment
}
