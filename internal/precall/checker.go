// Package precall filters the candidate deployments for a model group
// before a routing strategy picks one. Checks are pure predicates over a
// candidate and the request context; the only side-band reads are the
// shared usage counters and the prompt-cache affinity entry, and a failed
// read never drops a candidate.
package precall

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/pkg/cache"
	llmerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/routers"
)

// TagDefault marks deployments that serve untagged requests. When a group
// mixes tagged and default deployments, untagged requests only see the
// default ones.
const TagDefault = "default"

// ModelInfoResolver supplies context-window metadata for a deployment.
type ModelInfoResolver interface {
	ResolveModelInfo(d *provider.Deployment) registry.ModelInfo
}

// Checker runs the pre-call pipeline for one router instance.
type Checker struct {
	health *health.Tracker
	cache  cache.Cache // nil disables counter and affinity checks
	info   ModelInfoResolver
	logger *slog.Logger
	now    func() time.Time
}

// New creates a checker. cache may be nil.
func New(tracker *health.Tracker, c cache.Cache, info ModelInfoResolver, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		health: tracker,
		cache:  c,
		info:   info,
		logger: logger,
		now:    time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (c *Checker) SetNow(now func() time.Time) { c.now = now }

// Filter runs every check over the group's deployments and returns the
// surviving candidates, ordered for the strategy, together with the drop
// reason for each eliminated deployment. An empty result with a populated
// reason map becomes a NoDeploymentsError in the engine.
func (c *Checker) Filter(ctx context.Context, rc *router.RequestContext, deps []*provider.Deployment) ([]routers.Candidate, map[string]string) {
	reasons := make(map[string]string)

	deps = c.applyDefaultTag(rc, deps, reasons)

	kept := make([]routers.Candidate, 0, len(deps))
	for _, d := range deps {
		cand, reason := c.evaluate(ctx, rc, d)
		if reason != "" {
			reasons[d.ID] = reason
			continue
		}
		kept = append(kept, cand)
	}

	kept = c.applyAffinity(ctx, rc, kept)
	return kept, reasons
}

// applyDefaultTag narrows untagged requests to default-tagged deployments
// when the group has any.
func (c *Checker) applyDefaultTag(rc *router.RequestContext, deps []*provider.Deployment, reasons map[string]string) []*provider.Deployment {
	if len(rc.Tags) > 0 {
		return deps
	}
	hasDefault := false
	for _, d := range deps {
		if d.HasTag(TagDefault) {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		return deps
	}
	narrowed := deps[:0:0]
	for _, d := range deps {
		if d.HasTag(TagDefault) {
			narrowed = append(narrowed, d)
		} else {
			reasons[d.ID] = llmerrors.ReasonMissingTag
		}
	}
	return narrowed
}

// evaluate runs the per-deployment checks in order and builds the
// candidate stats as a side effect, so counters are read at most once.
func (c *Checker) evaluate(ctx context.Context, rc *router.RequestContext, d *provider.Deployment) (routers.Candidate, string) {
	cand := routers.Candidate{Deployment: d}

	if c.health.InCooldown(d.ID) {
		return cand, llmerrors.ReasonInCooldown
	}

	cand.Outstanding = c.health.Outstanding(d.ID)
	if d.Limits.MaxParallelRequests > 0 && cand.Outstanding >= int64(d.Limits.MaxParallelRequests) {
		return cand, llmerrors.ReasonAtCapacity
	}

	if reason := c.checkContextWindow(rc, d); reason != "" {
		return cand, reason
	}

	if rc.Region != "" && len(d.Limits.AllowedRegions) > 0 && !containsString(d.Limits.AllowedRegions, rc.Region) {
		return cand, llmerrors.ReasonRegionNotAllowed
	}

	for _, tag := range rc.Tags {
		if !d.HasTag(tag) {
			return cand, llmerrors.ReasonMissingTag
		}
	}

	cand.EWMALatencyMs = c.health.EWMALatencyMs(d.ID)

	if reason := c.checkHeadroom(ctx, rc, d, &cand); reason != "" {
		return cand, reason
	}
	return cand, ""
}

// checkContextWindow drops deployments whose input window cannot fit the
// estimated prompt. No estimate or no known window keeps the candidate.
func (c *Checker) checkContextWindow(rc *router.RequestContext, d *provider.Deployment) string {
	if rc.EstimatedTokens <= 0 {
		return ""
	}
	maxInput := d.Limits.MaxInputTokens
	if maxInput == 0 && c.info != nil {
		maxInput = c.info.ResolveModelInfo(d).MaxInputTokens
	}
	if maxInput > 0 && rc.EstimatedTokens > maxInput {
		return llmerrors.ReasonContextWindow
	}
	return ""
}

// checkHeadroom reads the current minute-bucket counters and drops a
// candidate whose projected usage after this request would exceed its
// configured limit. A cache miss or error keeps the candidate: losing the
// shared tier must degrade rate limiting, not availability.
func (c *Checker) checkHeadroom(ctx context.Context, rc *router.RequestContext, d *provider.Deployment, cand *routers.Candidate) string {
	if c.cache == nil || (d.Limits.RPM == 0 && d.Limits.TPM == 0) {
		return ""
	}
	now := c.now()

	if d.Limits.RPM > 0 {
		used, ok := cache.GetInt64(ctx, c.cache, UsageKey(d.Provider, d.UpstreamModel, d.ID, MetricRPM, now))
		if ok {
			cand.RPMUsed = used
			if used+1 > int64(d.Limits.RPM) {
				return llmerrors.ReasonRPMExceeded
			}
		}
	}

	if d.Limits.TPM > 0 && rc.EstimatedTokens > 0 {
		used, ok := cache.GetInt64(ctx, c.cache, UsageKey(d.Provider, d.UpstreamModel, d.ID, MetricTPM, now))
		if ok {
			cand.TPMUsed = used
			if used+int64(rc.EstimatedTokens) > int64(d.Limits.TPM) {
				return llmerrors.ReasonTPMExceeded
			}
		}
	}
	return ""
}

// applyAffinity moves the deployment that last served this prompt prefix
// to the front of the candidate list. Nothing is dropped; strategies that
// ignore order are unaffected.
func (c *Checker) applyAffinity(ctx context.Context, rc *router.RequestContext, cands []routers.Candidate) []routers.Candidate {
	if c.cache == nil || rc.PromptFingerprint == "" || !rc.Kind.ChatLike() || len(cands) < 2 {
		return cands
	}
	data, err := c.cache.Get(ctx, AffinityKey(rc.PromptFingerprint))
	if err != nil || len(data) == 0 {
		return cands
	}
	target := string(data)
	for i, cand := range cands {
		if cand.Deployment.ID == target {
			if i > 0 {
				hit := cands[i]
				copy(cands[1:i+1], cands[:i])
				cands[0] = hit
			}
			return cands
		}
	}
	return cands
}

// RecordUsage bumps the minute-bucket counters after a successful call.
// Best effort: counter loss degrades rate limiting, never the request.
func (c *Checker) RecordUsage(ctx context.Context, d *provider.Deployment, tokens int64) {
	if c.cache == nil {
		return
	}
	now := c.now()
	if _, err := c.cache.Incr(ctx, UsageKey(d.Provider, d.UpstreamModel, d.ID, MetricRPM, now), 1, CounterTTL); err != nil {
		c.logger.Debug("rpm counter increment failed", "deployment_id", d.ID, "error", err)
	}
	if tokens > 0 {
		if _, err := c.cache.Incr(ctx, UsageKey(d.Provider, d.UpstreamModel, d.ID, MetricTPM, now), tokens, CounterTTL); err != nil {
			c.logger.Debug("tpm counter increment failed", "deployment_id", d.ID, "error", err)
		}
	}
}

// RecordAffinity remembers which deployment served a cacheable prompt
// prefix. Written only for chat-like calls; other kinds have no
// provider-side prompt cache to steer toward.
func (c *Checker) RecordAffinity(ctx context.Context, kind types.EndpointKind, fingerprint, deploymentID string) {
	if c.cache == nil || fingerprint == "" || !kind.ChatLike() {
		return
	}
	if err := c.cache.Set(ctx, AffinityKey(fingerprint), []byte(deploymentID), AffinityTTL); err != nil {
		c.logger.Debug("affinity write failed", "deployment_id", deploymentID, "error", err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
