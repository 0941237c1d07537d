// Package router defines the public routing contract: strategy names, the
// per-request routing context, and router-level configuration. Strategy
// implementations live in the routers package.
package router

import (
	"time"

	"github.com/modelmux/modelmux/pkg/types"
)

// Strategy defines the routing strategy type.
type Strategy string

const (
	// StrategySimpleShuffle randomly selects from available deployments,
	// weighted by weight/rpm/tpm when configured.
	StrategySimpleShuffle Strategy = "simple-shuffle"

	// StrategyWeightedPick is an accepted alias of StrategySimpleShuffle;
	// the shuffle picker already honors configured weights.
	StrategyWeightedPick Strategy = "weighted-pick"

	// StrategyLeastBusy selects the deployment with fewest outstanding
	// requests; ties break by lowest EWMA latency, then random.
	StrategyLeastBusy Strategy = "least-busy"

	// StrategyLatencyBased selects the deployment with lowest EWMA
	// latency, picking uniformly among deployments within 10% of the best.
	StrategyLatencyBased Strategy = "latency-based"

	// StrategyUsageBased selects the deployment with the most rate-limit
	// headroom using the shared counter store.
	StrategyUsageBased Strategy = "usage-based"
)

// RequestContext contains request-specific information for routing
// decisions and pre-call checks.
type RequestContext struct {
	Model       string
	Kind        types.EndpointKind
	RequestID   string
	Tags        []string
	Region      string
	IsStreaming bool

	// EstimatedTokens is the tokenizer's prompt estimate; 0 means no
	// estimate is available and token-based checks must not drop.
	EstimatedTokens int

	// PromptFingerprint keys prompt-cache affinity. Empty when the
	// request has no cacheable prefix.
	PromptFingerprint string
}

// Config contains router-level configuration options.
type Config struct {
	Strategy Strategy

	// Fallbacks maps a model group to the ordered groups tried after its
	// retry budget is exhausted.
	Fallbacks map[string][]string

	// NumRetries is the global per-group retry budget.
	NumRetries int

	// Timeout is the default unary timeout applied when a deployment
	// sets none.
	Timeout time.Duration

	// RetryAfterCap bounds how long a 429 Retry-After header is honored.
	RetryAfterCap time.Duration

	// AllowedFails and CooldownTime feed the health tracker.
	AllowedFails int
	CooldownTime time.Duration

	// LatencyBuffer for latency-based: pick uniformly among deployments
	// within this fraction of the lowest EWMA latency.
	LatencyBuffer float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategySimpleShuffle,
		NumRetries:    2,
		Timeout:       600 * time.Second,
		RetryAfterCap: 60 * time.Second,
		AllowedFails:  3,
		CooldownTime:  time.Second,
		LatencyBuffer: 0.1,
	}
}
