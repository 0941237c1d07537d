package routers

import (
	"math"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
)

// UsagePicker implements usage-based routing: each candidate's headroom is
// min(rpm_remaining, tpm_remaining / estimated_tokens) and the candidate
// with the largest headroom wins. Ties break by random; when every
// headroom is zero the picker falls back to simple shuffle.
type UsagePicker struct {
	shuffle *ShufflePicker
}

// NewUsagePicker creates a usage-based picker.
func NewUsagePicker() *UsagePicker {
	return &UsagePicker{shuffle: NewShufflePicker()}
}

// Strategy returns the strategy name.
func (p *UsagePicker) Strategy() router.Strategy { return router.StrategyUsageBased }

// Pick selects the candidate with the largest rate-limit headroom.
func (p *UsagePicker) Pick(rc *router.RequestContext, cands []Candidate, rng *Rand) *provider.Deployment {
	estimated := float64(rc.EstimatedTokens)
	if estimated <= 0 {
		estimated = 1
	}

	// Shuffle first so the tie-break falls out of scan order.
	shuffled := make([]Candidate, len(cands))
	copy(shuffled, cands)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var best *Candidate
	bestHeadroom := 0.0
	for i := range shuffled {
		c := &shuffled[i]
		h := headroom(c, estimated)
		if best == nil || h > bestHeadroom {
			best = c
			bestHeadroom = h
		}
	}

	if bestHeadroom <= 0 {
		return p.shuffle.Pick(rc, cands, rng)
	}
	return best.Deployment
}

func headroom(c *Candidate, estimatedTokens float64) float64 {
	h := math.Inf(1)
	if limit := c.Deployment.Limits.RPM; limit > 0 {
		h = math.Min(h, float64(limit-c.RPMUsed))
	}
	if limit := c.Deployment.Limits.TPM; limit > 0 {
		h = math.Min(h, float64(limit-c.TPMUsed)/estimatedTokens)
	}
	if math.IsInf(h, 1) {
		// No limits configured: effectively unbounded headroom.
		h = math.MaxFloat64
	}
	if h < 0 {
		h = 0
	}
	return h
}
