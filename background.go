package modelmux

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/providers"
)

// sweepInterval paces the cooldown sweeper. Correctness does not depend
// on it; InCooldown also checks lazily on read.
const sweepInterval = time.Second

// runBackground owns the client's long-running loops until Close.
func (c *Client) runBackground(ctx context.Context) {
	defer close(c.bgDone)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.health.Sweep()
			}
		}
	})

	if c.manager != nil {
		g.Go(func() error {
			if err := c.manager.Watch(ctx); err != nil {
				c.logger.Error("config watch unavailable", "error", err)
			}
			return nil
		})
	}

	if c.cfg.ProbeInterval > 0 {
		g.Go(func() error {
			c.probeLoop(ctx)
			return nil
		})
	}

	_ = g.Wait()
}

// probeLoop periodically samples deployment health with a cheap request,
// paced so a large fleet does not burst upstream.
func (c *Client) probeLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(c.cfg.ProbeRPS), 1)
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, d := range c.registry.All() {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			c.probeDeployment(ctx, d)
		}
	}
}

// probeDeployment issues a GET to the provider's model listing and feeds
// the observed latency into the health tracker. Deployments without a
// configured base URL are skipped.
func (c *Client) probeDeployment(ctx context.Context, d *provider.Deployment) {
	base := d.Credentials.Get(provider.CredAPIBase)
	if base == "" {
		return
	}
	adapter, err := providers.Get(d.Provider)
	if err != nil {
		return
	}
	headers, err := adapter.ValidateEnvironment(http.Header{}, d.UpstreamModel, &types.Request{Kind: types.KindCompletion, Model: d.ModelName}, d.Credentials)
	if err != nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/models", nil)
	if err != nil {
		return
	}
	req.Header = headers

	start := c.clock.Now()
	resp, err := d.Clients().Unary().Do(req)
	if err != nil {
		c.logger.Debug("health probe failed", "deployment_id", d.ID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 400 {
		c.health.RecordSuccess(d.ID, c.clock.Now().Sub(start))
	}
}
