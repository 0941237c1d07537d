package modelmux

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/modelmux/modelmux/caches/dual"
	"github.com/modelmux/modelmux/caches/memory"
	"github.com/modelmux/modelmux/caches/redis"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/precall"
	"github.com/modelmux/modelmux/internal/pricing"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/usage"
	"github.com/modelmux/modelmux/pkg/cache"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/routers"
)

// Client is the entry point of the routing library. It load-balances
// logical model groups across deployments, retries transient failures,
// falls back between groups, and keeps per-deployment health state.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg      *ClientConfig
	registry *registry.Registry
	health   *health.Tracker
	checker  *precall.Checker
	engine   *engine
	cache    cache.Cache
	ownCache bool
	logger   *slog.Logger
	clock    router.Clock
	sink     *usage.Sink
	manager  *config.Manager

	// configIDs tracks which deployments came from the config file, so a
	// reload only touches those.
	mu        sync.Mutex
	configIDs map[string]bool

	bgCancel  context.CancelFunc
	bgDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a client from the given options.
//
// Example:
//
//	client, err := modelmux.New(
//	    modelmux.WithDeployment(&modelmux.Deployment{
//	        ModelName:     "gpt-4o",
//	        Provider:      "openai",
//	        UpstreamModel: "gpt-4o",
//	        Credentials:   modelmux.Credentials{"api_key": os.Getenv("OPENAI_API_KEY")},
//	    }),
//	    modelmux.WithStrategy(modelmux.StrategyLeastBusy),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.Logger

	var mgr *config.Manager
	var fileCfg *config.Config
	if cfg.ConfigFile != "" {
		var err error
		mgr, err = config.NewManager(cfg.ConfigFile, logger)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfg.ConfigFile, err)
		}
		fileCfg = mgr.Get()
	}

	routerCfg := cfg.routerConfig()
	allowedFailsWindow := cfg.AllowedFailsWindow
	if fileCfg != nil {
		routerCfg = overlayRouterConfig(fileCfg.RouterConfigFor(), cfg)
		if fileCfg.Router.AllowedFailsWindow > 0 {
			allowedFailsWindow = fileCfg.Router.AllowedFailsWindow
		}
	}

	store := cfg.Cache
	ownCache := false
	if store == nil {
		var err error
		store, err = buildCache(fileCfg)
		if err != nil {
			return nil, err
		}
		ownCache = true
	}

	picker, err := routers.New(routerCfg)
	if err != nil {
		return nil, err
	}

	tracker := health.New(health.Config{
		AllowedFails:       routerCfg.AllowedFails,
		AllowedFailsWindow: allowedFailsWindow,
		ShortCooldown:      routerCfg.CooldownTime,
		MaxCooldown:        cfg.MaxCooldown,
	}, cfg.Clock.Now, store, logger)

	reg := registry.New(logger)
	checker := precall.New(tracker, store, reg, logger)
	checker.SetNow(cfg.Clock.Now)

	seed := cfg.Seed
	if !cfg.seedSet {
		seed = time.Now().UnixNano()
	}

	var sink *usage.Sink
	if cfg.UsageConsumer != nil {
		sink = usage.NewSink(cfg.UsageCapacity, cfg.UsageConsumer, logger)
	}

	c := &Client{
		cfg:       cfg,
		registry:  reg,
		health:    tracker,
		checker:   checker,
		cache:     store,
		ownCache:  ownCache,
		logger:    logger,
		clock:     cfg.Clock,
		sink:      sink,
		manager:   mgr,
		configIDs: map[string]bool{},
		bgDone:    make(chan struct{}),
	}
	c.engine = newEngine(
		reg, checker, tracker,
		&engineSettings{cfg: routerCfg, picker: picker},
		routers.NewRand(seed),
		cfg.Clock, logger, sink,
		pricing.NewTable(nil),
		otel.Tracer("github.com/modelmux/modelmux"),
	)

	for _, d := range cfg.Deployments {
		if _, err := reg.Add(d); err != nil {
			return nil, fmt.Errorf("register deployment for %s: %w", d.ModelName, err)
		}
	}
	if fileCfg != nil {
		if err := c.syncDeployments(fileCfg.Deployments()); err != nil {
			return nil, err
		}
		mgr.OnChange(c.applyConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.bgCancel = cancel
	go c.runBackground(ctx)

	return c, nil
}

// overlayRouterConfig layers explicitly set programmatic options over the
// file configuration. An option left at its default defers to the file.
func overlayRouterConfig(base router.Config, c *ClientConfig) router.Config {
	d := defaultConfig()
	if c.Strategy != d.Strategy {
		base.Strategy = c.Strategy
	}
	if c.NumRetries != d.NumRetries {
		base.NumRetries = c.NumRetries
	}
	if c.Timeout != d.Timeout {
		base.Timeout = c.Timeout
	}
	if c.RetryAfterCap != d.RetryAfterCap {
		base.RetryAfterCap = c.RetryAfterCap
	}
	if c.AllowedFails != d.AllowedFails {
		base.AllowedFails = c.AllowedFails
	}
	if c.CooldownTime != d.CooldownTime {
		base.CooldownTime = c.CooldownTime
	}
	if c.LatencyBuffer != d.LatencyBuffer {
		base.LatencyBuffer = c.LatencyBuffer
	}
	if c.Fallbacks != nil {
		base.Fallbacks = c.Fallbacks
	}
	return base
}

// buildCache constructs the counter store from the file configuration, or
// an in-process cache when none is given.
func buildCache(fileCfg *config.Config) (cache.Cache, error) {
	if fileCfg == nil {
		return memory.New(memory.DefaultConfig()), nil
	}
	cc := fileCfg.Cache
	switch cc.Type {
	case "", "local":
		local := memory.DefaultConfig()
		if cc.TTL > 0 {
			local.DefaultTTL = cc.TTL
		}
		return memory.New(local), nil
	case "redis":
		return redis.New(redisConfig(cc))
	case "dual":
		remote, err := redis.New(redisConfig(cc))
		if err != nil {
			return nil, err
		}
		local := memory.DefaultConfig()
		if cc.LocalTTL > 0 {
			local.DefaultTTL = cc.LocalTTL
		}
		return dual.New(memory.New(local), remote, dual.Config{
			LocalTTL: cc.LocalTTL,
			RedisTTL: cc.TTL,
		}, nil), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cc.Type)
	}
}

func redisConfig(cc config.CacheConfig) redis.Config {
	rc := redis.DefaultConfig()
	if cc.URL != "" {
		rc.Addr = cc.URL
	}
	if len(cc.Addrs) == 1 {
		rc.Addr = cc.Addrs[0]
	} else if len(cc.Addrs) > 1 {
		rc.ClusterAddrs = cc.Addrs
	}
	rc.Password = cc.Password
	rc.DB = cc.DB
	if cc.Namespace != "" {
		rc.Namespace = cc.Namespace
	}
	if cc.TTL > 0 {
		rc.DefaultTTL = cc.TTL
	}
	return rc
}

// applyConfig reacts to a config file reload: routing settings are
// swapped atomically and the config-managed deployment set is reconciled.
func (c *Client) applyConfig(fc *config.Config) {
	routerCfg := overlayRouterConfig(fc.RouterConfigFor(), c.cfg)
	picker, err := routers.New(routerCfg)
	if err != nil {
		c.logger.Error("config reload kept previous routing settings", "error", err)
	} else {
		c.engine.swapSettings(&engineSettings{cfg: routerCfg, picker: picker})
	}
	if err := c.syncDeployments(fc.Deployments()); err != nil {
		c.logger.Error("config reload deployment sync incomplete", "error", err)
	}
}

// syncDeployments reconciles the config-managed deployments with the
// desired set: new entries are added, existing ones patched, and entries
// that disappeared from the file removed.
func (c *Client) syncDeployments(desired []*provider.Deployment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{}
	var firstErr error
	for _, d := range desired {
		if d.ID == "" {
			d.ID = stableDeploymentID(d)
		}
		seen[d.ID] = true

		if c.configIDs[d.ID] {
			err := c.registry.Update(d.ID, registry.Patch{
				Credentials: d.Credentials,
				Limits:      &d.Limits,
				Tags:        d.Tags,
			})
			if err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := c.registry.Add(d); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.configIDs[d.ID] = true
	}

	for id := range c.configIDs {
		if seen[id] {
			continue
		}
		if err := c.registry.Delete(id); err != nil && firstErr == nil {
			firstErr = err
		}
		c.health.Forget(id)
		delete(c.configIDs, id)
	}
	return firstErr
}

// stableDeploymentID derives a reload-stable id for config entries that
// declare none, so a file rewrite patches rather than recreates them.
func stableDeploymentID(d *provider.Deployment) string {
	h := sha256.Sum256([]byte(d.ModelName + "|" + d.Provider + "|" + d.UpstreamModel + "|" + d.Credentials.Get(provider.CredAPIBase)))
	return "cfg-" + hex.EncodeToString(h[:8])
}

// RequestOption adjusts routing behavior for a single request.
type RequestOption func(*types.Request)

// WithTags restricts candidates to deployments carrying all given tags.
func WithTags(tags ...string) RequestOption {
	return func(r *types.Request) { r.Tags = append(r.Tags, tags...) }
}

// WithRegion restricts candidates to deployments allowing the region.
func WithRegion(region string) RequestOption {
	return func(r *types.Request) { r.Region = region }
}

// WithRequestRetries overrides every other retry budget for this request.
func WithRequestRetries(n int) RequestOption {
	return func(r *types.Request) { r.NumRetries = &n }
}

// WithRequestTimeout overrides the deployment timeout for this request.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(r *types.Request) { r.Timeout = d }
}

// WithRequestID sets the request id instead of generating one.
func WithRequestID(id string) RequestOption {
	return func(r *types.Request) { r.RequestID = id }
}

// WithHeader forwards an extra header verbatim to the upstream call.
func WithHeader(key, value string) RequestOption {
	return func(r *types.Request) {
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = map[string]string{}
		}
		r.ExtraHeaders[key] = value
	}
}

// WithRouteInfo fills ri with the serving deployment and the model groups
// attempted, in order, once the request completes. After a fallback the
// reported ModelGroup is the group that answered, not the one requested.
func WithRouteInfo(ri *types.RouteInfo) RequestOption {
	return func(r *types.Request) { r.Route = ri }
}

// WithMockResponse short-circuits the provider call with canned content.
func WithMockResponse(content string) RequestOption {
	return func(r *types.Request) { r.MockResponse = content }
}

// WithMockTimeout forces a synthetic timeout without network I/O.
func WithMockTimeout() RequestOption {
	return func(r *types.Request) { r.MockTimeout = true }
}

func (c *Client) newRequest(kind types.EndpointKind, model string, opts []RequestOption) *types.Request {
	r := &types.Request{Kind: kind, Model: model}
	for _, opt := range opts {
		opt(r)
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	return r
}

// Completion sends a chat completion request. Routing, retries, and
// fallback are handled internally.
func (c *Client) Completion(ctx context.Context, req *types.ChatRequest, opts ...RequestOption) (*types.ChatResponse, error) {
	if err := validateChat(req); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindCompletion, req.Model, opts)
	r.Chat = req
	resp, err := c.engine.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

// CompletionStream sends a streaming chat completion request.
func (c *Client) CompletionStream(ctx context.Context, req *types.ChatRequest, opts ...RequestOption) (*StreamReader, error) {
	if err := validateChat(req); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindCompletion, req.Model, opts)
	r.Chat = req
	r.Stream = true
	return c.engine.DoStream(ctx, r)
}

// AnthropicMessages sends a chat request through the Anthropic Messages
// surface. The routing path is identical to Completion; only the adapter
// wire shape differs.
func (c *Client) AnthropicMessages(ctx context.Context, req *types.ChatRequest, opts ...RequestOption) (*types.ChatResponse, error) {
	if err := validateChat(req); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindAnthropicMessages, req.Model, opts)
	r.Chat = req
	resp, err := c.engine.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

// AnthropicMessagesStream is the streaming form of AnthropicMessages.
func (c *Client) AnthropicMessagesStream(ctx context.Context, req *types.ChatRequest, opts ...RequestOption) (*StreamReader, error) {
	if err := validateChat(req); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindAnthropicMessages, req.Model, opts)
	r.Chat = req
	r.Stream = true
	return c.engine.DoStream(ctx, r)
}

// Embedding sends an embedding request.
func (c *Client) Embedding(ctx context.Context, req *types.EmbeddingRequest, opts ...RequestOption) (*types.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindEmbedding, req.Model, opts)
	r.Embedding = req
	resp, err := c.engine.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// ImageGeneration sends an image generation request.
func (c *Client) ImageGeneration(ctx context.Context, req *types.ImageRequest, opts ...RequestOption) (*types.ImageResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindImageGeneration, req.Model, opts)
	r.Image = req
	resp, err := c.engine.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Image, nil
}

// Speech synthesizes audio from text.
func (c *Client) Speech(ctx context.Context, req *types.SpeechRequest, opts ...RequestOption) (*types.SpeechResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindSpeech, req.Model, opts)
	r.Speech = req
	resp, err := c.engine.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Speech, nil
}

// Transcription transcribes audio to text.
func (c *Client) Transcription(ctx context.Context, req *types.TranscriptionRequest, opts ...RequestOption) (*types.TranscriptionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindTranscription, req.Model, opts)
	r.Transcription = req
	resp, err := c.engine.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Transcription, nil
}

// Responses sends a Responses API request.
func (c *Client) Responses(ctx context.Context, req *types.ResponsesRequest, opts ...RequestOption) (*types.ResponsesResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindResponses, req.Model, opts)
	r.Responses = req
	resp, err := c.engine.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Responses, nil
}

// ResponsesStream is the streaming form of Responses.
func (c *Client) ResponsesStream(ctx context.Context, req *types.ResponsesRequest, opts ...RequestOption) (*StreamReader, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := c.newRequest(types.KindResponses, req.Model, opts)
	r.Responses = req
	r.Stream = true
	return c.engine.DoStream(ctx, r)
}

func validateChat(req *types.ChatRequest) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	return nil
}

// AddDeployment registers a deployment at runtime and returns its id.
func (c *Client) AddDeployment(d *provider.Deployment) (string, error) {
	return c.registry.Add(d)
}

// UpdateDeployment patches an existing deployment's credentials, limits,
// or tags. ID and provider are immutable.
func (c *Client) UpdateDeployment(deploymentID string, patch registry.Patch) error {
	return c.registry.Update(deploymentID, patch)
}

// RemoveDeployment removes a deployment. In-flight calls against it
// complete or fail; no new ones are dispatched.
func (c *Client) RemoveDeployment(deploymentID string) error {
	if err := c.registry.Delete(deploymentID); err != nil {
		return err
	}
	c.health.Forget(deploymentID)
	return nil
}

// ModelGroups returns the logical model group names currently registered.
func (c *Client) ModelGroups() []string {
	return c.registry.Groups()
}

// Deployments returns every registered deployment.
func (c *Client) Deployments() []*provider.Deployment {
	return c.registry.All()
}

// Close stops background loops, flushes the usage sink, and releases the
// cache when the client owns it. Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.bgCancel()
		<-c.bgDone
		if c.manager != nil {
			c.closeErr = c.manager.Close()
		}
		if c.sink != nil {
			c.sink.Close()
		}
		if c.ownCache {
			if err := c.cache.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.logger.Info("router client closed")
	})
	return c.closeErr
}
