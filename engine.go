package modelmux

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/precall"
	"github.com/modelmux/modelmux/internal/pricing"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/tokenizer"
	"github.com/modelmux/modelmux/internal/usage"
	llmerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/providers"
	"github.com/modelmux/modelmux/routers"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 8 * time.Second

	// postCallTimeout bounds the asynchronous counter and affinity writes.
	postCallTimeout = 5 * time.Second

	// maxErrorBody caps how much of an upstream error body is read.
	maxErrorBody = 1 << 20
)

// engineSettings is the atomically swappable routing configuration. Hot
// reload replaces the whole value; in-flight requests keep the settings
// they started with.
type engineSettings struct {
	cfg    router.Config
	picker routers.Picker
}

// engine runs the retry and fallback loop around a single logical request.
// It never fans out: one logical request has at most one in-flight
// upstream call at any time.
type engine struct {
	settings atomic.Pointer[engineSettings]

	registry *registry.Registry
	checker  *precall.Checker
	health   *health.Tracker
	rng      *routers.Rand
	clock    router.Clock
	logger   *slog.Logger
	sink     *usage.Sink
	prices   *pricing.Table
	tracer   trace.Tracer
}

func newEngine(
	reg *registry.Registry,
	checker *precall.Checker,
	tracker *health.Tracker,
	settings *engineSettings,
	rng *routers.Rand,
	clock router.Clock,
	logger *slog.Logger,
	sink *usage.Sink,
	prices *pricing.Table,
	tracer trace.Tracer,
) *engine {
	e := &engine{
		registry: reg,
		checker:  checker,
		health:   tracker,
		rng:      rng,
		clock:    clock,
		logger:   logger,
		sink:     sink,
		prices:   prices,
		tracer:   tracer,
	}
	e.settings.Store(settings)
	return e
}

// swapSettings replaces the routing configuration. Used by config hot reload.
func (e *engine) swapSettings(s *engineSettings) {
	e.settings.Store(s)
}

// requestContext derives the routing inputs from a normalized request.
func (e *engine) requestContext(req *types.Request) *router.RequestContext {
	est, _ := tokenizer.EstimatePromptTokens(req.Model, req)
	return &router.RequestContext{
		Model:             req.Model,
		Kind:              req.Kind,
		RequestID:         req.RequestID,
		Tags:              req.Tags,
		Region:            req.Region,
		IsStreaming:       req.Stream,
		EstimatedTokens:   est,
		PromptFingerprint: precall.RequestFingerprint(req),
	}
}

// fallbackChain returns the ordered groups to try: the requested group
// followed by its configured fallbacks, deduplicated so a group is never
// visited twice within one request.
func fallbackChain(cfg router.Config, model string) []string {
	chain := make([]string, 0, 1+len(cfg.Fallbacks[model]))
	seen := map[string]bool{}
	for _, g := range append([]string{model}, cfg.Fallbacks[model]...) {
		if !seen[g] {
			seen[g] = true
			chain = append(chain, g)
		}
	}
	return chain
}

// Do executes a unary request through the retry and fallback loop.
func (e *engine) Do(ctx context.Context, req *types.Request) (*types.Response, error) {
	s := e.settings.Load()
	rc := e.requestContext(req)

	ctx, span := e.tracer.Start(ctx, "router.request", trace.WithAttributes(
		attribute.String("model_group", rc.Model),
		attribute.String("kind", string(rc.Kind)),
		attribute.String("request_id", rc.RequestID),
	))
	defer span.End()

	chain := fallbackChain(s.cfg, req.Model)
	attempted := make([]string, 0, len(chain))

	var lastErr error
	totalRetries := 0
	emptyReasons := map[string]string{}

	for i, group := range chain {
		attempted = append(attempted, group)
		if i > 0 {
			metrics.FallbacksTotal.WithLabelValues(chain[0], group).Inc()
			e.logger.Info("falling back to next model group",
				"request_id", rc.RequestID,
				"from_group", chain[0],
				"to_group", group,
			)
		}

		resp, retries, err := e.runGroup(ctx, s, rc, req, group)
		totalRetries += retries
		if err == nil {
			// ModelGroup was set by callOnce to the group that answered.
			resp.AttemptedGroups = attempted
			if req.Route != nil {
				*req.Route = types.RouteInfo{
					ModelGroup:      resp.ModelGroup,
					DeploymentID:    resp.DeploymentID,
					Provider:        resp.Provider,
					AttemptedGroups: attempted,
				}
			}
			span.SetAttributes(attribute.String("deployment_id", resp.DeploymentID))
			return resp, nil
		}

		var nde *llmerrors.NoDeploymentsError
		if stderrors.As(err, &nde) {
			for id, reason := range nde.Reasons {
				emptyReasons[id] = reason
			}
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		metrics.NoDeploymentsTotal.WithLabelValues(req.Model).Inc()
		lastErr = &llmerrors.NoDeploymentsError{
			ModelGroup:      req.Model,
			Reasons:         emptyReasons,
			AttemptedGroups: attempted,
		}
	}
	lastErr = enrich(lastErr, rc, totalRetries, attempted)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

// runGroup drives attempts within one model group until success, a
// non-retryable error, budget exhaustion, or an empty candidate set.
func (e *engine) runGroup(ctx context.Context, s *engineSettings, rc *router.RequestContext, req *types.Request, group string) (*types.Response, int, error) {
	retries := 0
	bo := newBackoff()
	var lastErr error

	for {
		cands, reasons := e.checker.Filter(ctx, rc, e.registry.ListGroup(group))
		if len(cands) == 0 {
			if lastErr != nil {
				return nil, retries, lastErr
			}
			return nil, retries, &llmerrors.NoDeploymentsError{ModelGroup: group, Reasons: reasons}
		}

		d := s.picker.Pick(rc, cands, e.rng)
		resp, err := e.callOnce(ctx, rc, req, d)
		if err == nil {
			return resp, retries, nil
		}

		// A caller cancellation is not a deployment failure.
		if ctx.Err() != nil {
			return nil, retries, err
		}
		e.recordFailure(d, err)
		lastErr = err

		if llmerrors.Classify(err) == llmerrors.ClassNonRetryable {
			return nil, retries, err
		}
		if retries >= retryBudget(req, d, s.cfg) {
			return nil, retries, err
		}

		retries++
		metrics.RetriesTotal.WithLabelValues(group).Inc()
		wait := backoffFor(err, bo, s.cfg.RetryAfterCap)
		e.logger.Debug("retrying after failure",
			"request_id", rc.RequestID,
			"deployment_id", d.ID,
			"attempt", retries,
			"backoff", wait,
			"error", err,
		)
		if serr := e.clock.Sleep(ctx, wait); serr != nil {
			return nil, retries, err
		}
	}
}

// retryBudget resolves the effective per-group retry budget: a request
// override wins, else the deployment's configured value, else the router
// default.
func retryBudget(req *types.Request, d *provider.Deployment, cfg router.Config) int {
	if req.NumRetries != nil {
		return *req.NumRetries
	}
	if d.Limits.NumRetries != nil {
		return *d.Limits.NumRetries
	}
	return cfg.NumRetries
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// backoffFor returns the next sleep. A 429 Retry-After hint is honored
// verbatim, capped by the configured maximum.
func backoffFor(err error, bo *backoff.ExponentialBackOff, retryAfterCap time.Duration) time.Duration {
	var llmErr *llmerrors.LLMError
	if stderrors.As(err, &llmErr) && llmErr.RetryAfter > 0 {
		ra := llmErr.RetryAfter
		if retryAfterCap > 0 && ra > retryAfterCap {
			ra = retryAfterCap
		}
		return ra
	}
	return bo.NextBackOff()
}

// callOnce performs one provider attempt with the outstanding counter held
// for its duration.
func (e *engine) callOnce(ctx context.Context, rc *router.RequestContext, req *types.Request, d *provider.Deployment) (*types.Response, error) {
	adapter, err := providers.Get(d.Provider)
	if err != nil {
		return nil, llmerrors.NewNotFoundError(d.Provider, rc.Model, err.Error())
	}

	e.health.IncOutstanding(d.ID)
	metrics.OutstandingRequests.WithLabelValues(d.ID, d.ModelName).Inc()
	start := e.clock.Now()

	resp, err := e.invoke(ctx, adapter, rc, req, d)

	latency := e.clock.Now().Sub(start)
	e.health.DecOutstanding(d.ID)
	metrics.OutstandingRequests.WithLabelValues(d.ID, d.ModelName).Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RequestsTotal.WithLabelValues(d.ModelName, d.Provider, string(rc.Kind), status).Inc()

	if err != nil {
		return nil, stamp(err, d, rc)
	}

	metrics.RequestLatency.WithLabelValues(d.ModelName, d.Provider).Observe(latency.Seconds())
	e.health.RecordSuccess(d.ID, latency)

	resp.DeploymentID = d.ID
	resp.Provider = d.Provider
	resp.ModelGroup = d.ModelName
	e.postCallUsage(rc, d, resp.Usage(), start, latency)
	return resp, nil
}

// invoke executes the provider call: mock short-circuits first, then the
// real HTTP round trip.
func (e *engine) invoke(ctx context.Context, adapter provider.Adapter, rc *router.RequestContext, req *types.Request, d *provider.Deployment) (*types.Response, error) {
	if req.MockTimeout || d.MockTimeout {
		return nil, llmerrors.NewTimeoutError(d.Provider, rc.Model, "mock timeout")
	}
	if mock := mockResponseFor(req, d); mock != "" && rc.Kind.ChatLike() {
		return mockChatResponse(rc, d, mock), nil
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := adapter.TransformRequest(ctx, d.UpstreamModel, req, d.Credentials)
	if err != nil {
		return nil, err
	}
	applyExtraHeaders(httpReq, req.ExtraHeaders)

	httpResp, err := d.Clients().Unary().Do(httpReq)
	if err != nil {
		return nil, transportError(err, d, rc.Model)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, adapter.MapError(httpResp.StatusCode, body, httpResp.Header)
	}

	return adapter.TransformResponse(httpResp, req)
}

// transportError converts a transport-level failure into the unified shape.
func transportError(err error, d *provider.Deployment, model string) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewTimeoutError(d.Provider, model, err.Error())
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return llmerrors.NewTimeoutError(d.Provider, model, err.Error())
	}
	return llmerrors.NewConnectionError(d.Provider, model, err.Error())
}

func applyExtraHeaders(httpReq *http.Request, headers map[string]string) {
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
}

// mockResponseFor resolves the canned response. The request-level knob
// wins over the deployment-level one.
func mockResponseFor(req *types.Request, d *provider.Deployment) string {
	if req.MockResponse != "" {
		return req.MockResponse
	}
	return d.MockResponse
}

func mockChatResponse(rc *router.RequestContext, d *provider.Deployment, content string) *types.Response {
	completion := tokenizer.CountTextTokens(d.UpstreamModel, content)
	return &types.Response{
		Chat: &types.ChatResponse{
			ID:      "mock-" + rc.RequestID,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   d.UpstreamModel,
			Choices: []types.Choice{{
				Index:        0,
				Message:      types.ResponseMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			}},
			Usage: &types.Usage{
				PromptTokens:     rc.EstimatedTokens,
				CompletionTokens: completion,
				TotalTokens:      rc.EstimatedTokens + completion,
			},
		},
	}
}

// recordFailure feeds the health tracker and cooldown metric. Caller
// cancellations are not deployment failures and never count toward the
// transient failure window.
func (e *engine) recordFailure(d *provider.Deployment, err error) {
	if stderrors.Is(err, context.Canceled) {
		return
	}
	wasCooled := e.health.InCooldown(d.ID)
	e.health.RecordFailure(d.ID, err)
	if !wasCooled && e.health.InCooldown(d.ID) {
		metrics.CooldownsTotal.WithLabelValues(d.ID, d.ModelName, llmerrors.Classify(err).String()).Inc()
	}
}

// postCallUsage runs the counter increments, affinity write, token
// metrics, and usage emission. It happens after the caller already holds
// the response and never blocks the request path.
func (e *engine) postCallUsage(rc *router.RequestContext, d *provider.Deployment, u *types.Usage, start time.Time, latency time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), postCallTimeout)
		defer cancel()

		tokens := int64(rc.EstimatedTokens)
		var cost *float64
		prompt, completion := 0, 0
		if u != nil {
			tokens = int64(u.TotalTokens)
			prompt = u.PromptTokens
			completion = u.CompletionTokens
			cost = u.Cost
		}

		e.checker.RecordUsage(ctx, d, tokens)
		if rc.PromptFingerprint != "" {
			e.checker.RecordAffinity(ctx, rc.Kind, rc.PromptFingerprint, d.ID)
		}

		// Wire cost is exact when the provider reports it; otherwise
		// fall back to the rate table.
		if cost == nil && e.prices != nil {
			cost = e.prices.Estimate(d.UpstreamModel, prompt, completion)
		}
		if cost != nil {
			metrics.SpendTotal.WithLabelValues(rc.Model, d.Provider).Add(*cost)
		}

		if prompt > 0 {
			metrics.TokensTotal.WithLabelValues(d.ModelName, d.Provider, metrics.DirectionPrompt).Add(float64(prompt))
		}
		if completion > 0 {
			metrics.TokensTotal.WithLabelValues(d.ModelName, d.Provider, metrics.DirectionCompletion).Add(float64(completion))
		}

		if e.sink != nil {
			e.sink.Emit(usage.Payload{
				ModelGroup:       rc.Model,
				RequestID:        rc.RequestID,
				DeploymentID:     d.ID,
				Provider:         d.Provider,
				ModelID:          d.UpstreamModel,
				PromptTokens:     prompt,
				CompletionTokens: completion,
				Cost:             cost,
				StartTime:        start,
				EndTime:          start.Add(latency),
			})
		}
	}()
}

// stamp attaches deployment and request identity to a provider error.
func stamp(err error, d *provider.Deployment, rc *router.RequestContext) error {
	var llmErr *llmerrors.LLMError
	if stderrors.As(err, &llmErr) {
		llmErr.DeploymentID = d.ID
		llmErr.RequestID = rc.RequestID
		if llmErr.Model == "" {
			llmErr.Model = rc.Model
		}
	}
	return err
}

// enrich finalizes the surfaced error with retry accounting and the
// attempted fallback groups.
func enrich(err error, rc *router.RequestContext, retries int, attempted []string) error {
	var llmErr *llmerrors.LLMError
	if stderrors.As(err, &llmErr) {
		llmErr.NumRetriesAttempted = retries
		llmErr.RequestID = rc.RequestID
		return err
	}
	var nde *llmerrors.NoDeploymentsError
	if stderrors.As(err, &nde) {
		nde.AttemptedGroups = attempted
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("request %s failed after %d retries: %w", rc.RequestID, retries, err)
}
