package routers

import (
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
)

// ShufflePicker implements simple-shuffle: uniform random selection with
// optional weighted picking. Weight precedence is weight, then rpm, then
// tpm; candidates without any configured weight fall back to uniform.
type ShufflePicker struct{}

// NewShufflePicker creates a shuffle picker.
func NewShufflePicker() *ShufflePicker { return &ShufflePicker{} }

// Strategy returns the strategy name.
func (p *ShufflePicker) Strategy() router.Strategy { return router.StrategySimpleShuffle }

// Pick selects a deployment using weighted random selection when weights
// are configured, uniform otherwise.
func (p *ShufflePicker) Pick(_ *router.RequestContext, cands []Candidate, rng *Rand) *provider.Deployment {
	for _, weightOf := range []func(Candidate) float64{
		func(c Candidate) float64 { return c.Deployment.Limits.Weight },
		func(c Candidate) float64 { return float64(c.Deployment.Limits.RPM) },
		func(c Candidate) float64 { return float64(c.Deployment.Limits.TPM) },
	} {
		if d := weightedPick(cands, weightOf, rng); d != nil {
			return d
		}
	}
	return cands[rng.Intn(len(cands))].Deployment
}

// weightedPick selects via inverse-CDF over the given weights. Returns nil
// when no candidate carries a positive weight.
func weightedPick(cands []Candidate, weightOf func(Candidate) float64, rng *Rand) *provider.Deployment {
	var total float64
	weights := make([]float64, len(cands))
	for i, c := range cands {
		w := weightOf(c)
		if w > 0 {
			weights[i] = w
			total += w
		}
	}
	if total == 0 {
		return nil
	}

	target := rng.Float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if target <= cumulative && w > 0 {
			return cands[i].Deployment
		}
	}
	return cands[len(cands)-1].Deployment
}
