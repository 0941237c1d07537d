package modelmux

import (
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/usage"
	"github.com/modelmux/modelmux/pkg/cache"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
)

// ClientConfig holds all configuration for the router client.
type ClientConfig struct {
	// ConfigFile is a YAML configuration path. When set, the model list,
	// routing settings, and cache settings are loaded from it and the file
	// is watched for hot reload. Programmatic options still apply on top.
	ConfigFile string

	// Deployments registered at construction time.
	Deployments []*provider.Deployment

	// Routing
	Strategy      router.Strategy
	Fallbacks     map[string][]string
	NumRetries    int
	Timeout       time.Duration
	RetryAfterCap time.Duration
	LatencyBuffer float64

	// Health / cooldown
	AllowedFails       int
	AllowedFailsWindow time.Duration
	CooldownTime       time.Duration
	MaxCooldown        time.Duration

	// Cache backs the shared rate-limit counters, cooldown mirror, and
	// prompt-cache affinity. Defaults to an in-process cache.
	Cache cache.Cache

	// Usage accounting
	UsageConsumer usage.Consumer
	UsageCapacity int

	// Health probing. Disabled unless ProbeInterval is positive.
	ProbeInterval time.Duration
	ProbeRPS      float64

	Logger *slog.Logger

	// Clock and Seed exist for deterministic tests.
	Clock router.Clock
	Seed  int64
	seedSet bool
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	rc := router.DefaultConfig()
	return &ClientConfig{
		Strategy:           rc.Strategy,
		NumRetries:         rc.NumRetries,
		Timeout:            rc.Timeout,
		RetryAfterCap:      rc.RetryAfterCap,
		LatencyBuffer:      rc.LatencyBuffer,
		AllowedFails:       rc.AllowedFails,
		AllowedFailsWindow: 60 * time.Second,
		CooldownTime:       rc.CooldownTime,
		UsageCapacity:      usage.DefaultCapacity,
		ProbeRPS:           1,
		Logger:             slog.Default(),
		Clock:              router.SystemClock{},
	}
}

// routerConfig maps the client settings onto the routing configuration.
func (c *ClientConfig) routerConfig() router.Config {
	return router.Config{
		Strategy:      c.Strategy,
		Fallbacks:     c.Fallbacks,
		NumRetries:    c.NumRetries,
		Timeout:       c.Timeout,
		RetryAfterCap: c.RetryAfterCap,
		AllowedFails:  c.AllowedFails,
		CooldownTime:  c.CooldownTime,
		LatencyBuffer: c.LatencyBuffer,
	}
}

// WithConfigFile loads settings from a YAML file and watches it for changes.
// Deployment additions, removals, and limit updates in the file take effect
// without restarting the client.
func WithConfigFile(path string) Option {
	return func(c *ClientConfig) {
		c.ConfigFile = path
	}
}

// WithDeployment registers a deployment at construction time.
//
// Example:
//
//	modelmux.WithDeployment(&modelmux.Deployment{
//	    ModelName:     "gpt-4o",
//	    Provider:      "openai",
//	    UpstreamModel: "gpt-4o-2024-08-06",
//	    Credentials:   modelmux.Credentials{"api_key": os.Getenv("OPENAI_API_KEY")},
//	})
func WithDeployment(d *provider.Deployment) Option {
	return func(c *ClientConfig) {
		c.Deployments = append(c.Deployments, d)
	}
}

// WithDeployments registers multiple deployments at construction time.
func WithDeployments(deps ...*provider.Deployment) Option {
	return func(c *ClientConfig) {
		c.Deployments = append(c.Deployments, deps...)
	}
}

// WithStrategy sets the routing strategy.
// Available strategies:
//   - StrategySimpleShuffle: weighted random selection
//   - StrategyLeastBusy: fewest outstanding requests
//   - StrategyLatencyBased: lowest EWMA latency
//   - StrategyUsageBased: most rate-limit headroom
func WithStrategy(s router.Strategy) Option {
	return func(c *ClientConfig) {
		c.Strategy = s
	}
}

// WithFallbacks sets the model-group fallback map. When a group exhausts
// its retry budget, the engine moves to its fallbacks in order, each with
// a fresh budget. Cycles are broken; a group is never visited twice within
// one request.
func WithFallbacks(fallbacks map[string][]string) Option {
	return func(c *ClientConfig) {
		c.Fallbacks = fallbacks
	}
}

// WithNumRetries sets the global per-group retry budget. A deployment's
// num_retries or a per-request override takes precedence.
func WithNumRetries(n int) Option {
	return func(c *ClientConfig) {
		c.NumRetries = n
	}
}

// WithTimeout sets the default unary request timeout applied when a
// deployment sets none.
func WithTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.Timeout = d
	}
}

// WithRetryAfterCap bounds how long a 429 Retry-After header is honored.
func WithRetryAfterCap(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.RetryAfterCap = d
	}
}

// WithAllowedFails sets the rolling-window failure threshold that sends a
// deployment into cooldown, and the window it is counted over.
func WithAllowedFails(count int, window time.Duration) Option {
	return func(c *ClientConfig) {
		c.AllowedFails = count
		c.AllowedFailsWindow = window
	}
}

// WithCooldownTime sets the initial cooldown after repeated transient
// failures. Consecutive cooldowns double up to the max.
func WithCooldownTime(initial, max time.Duration) Option {
	return func(c *ClientConfig) {
		c.CooldownTime = initial
		c.MaxCooldown = max
	}
}

// WithLatencyBuffer sets the fraction of the best EWMA latency within
// which the latency-based strategy picks uniformly.
func WithLatencyBuffer(f float64) Option {
	return func(c *ClientConfig) {
		c.LatencyBuffer = f
	}
}

// WithCache sets the cache backing counters, cooldown mirrors, and
// prompt-cache affinity.
//
// Example:
//
//	redisCache, _ := redis.New(redis.DefaultConfig())
//	modelmux.WithCache(redisCache)
func WithCache(c cache.Cache) Option {
	return func(cfg *ClientConfig) {
		cfg.Cache = c
	}
}

// WithUsageConsumer registers a consumer for per-request usage payloads.
/// Delivery is asynchronous and lossy under back-pressure: when the sink
// buffer is full the oldest event is dropped, never the caller blocked.
func WithUsageConsumer(fn usage.Consumer) Option {
	return func(c *ClientConfig) {
		c.UsageConsumer = fn
	}
}

// WithUsageCapacity sets the usage sink buffer capacity.
func WithUsageCapacity(n int) Option {
	return func(c *ClientConfig) {
		c.UsageCapacity = n
	}
}

// WithHealthProbe enables the background health prober. Every interval it
// probes registered deployments, paced at rps, and feeds latency samples
// into the health tracker.
func WithHealthProbe(interval time.Duration, rps float64) Option {
	return func(c *ClientConfig) {
		c.ProbeInterval = interval
		if rps > 0 {
			c.ProbeRPS = rps
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithClock injects a clock. Tests use it to control time-driven behavior
// (backoff sleeps, cooldown expiry) deterministically.
func WithClock(clock router.Clock) Option {
	return func(c *ClientConfig) {
		c.Clock = clock
	}
}

// WithSeed fixes the random source used by selection strategies.
func WithSeed(seed int64) Option {
	return func(c *ClientConfig) {
		c.Seed = seed
		c.seedSet = true
	}
}
