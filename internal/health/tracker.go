// Package health tracks per-deployment failure counts, cooldown state,
// outstanding-request counters, and EWMA latency. It implements the
// Healthy/Cooldown state machine the selection path consults.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/cache"
	llmerrors "github.com/modelmux/modelmux/pkg/errors"
)

// EWMA smoothing factor for latency tracking.
const ewmaAlpha = 0.3

// Config holds the cooldown thresholds. Zero values take the defaults.
type Config struct {
	// AllowedFails is the rolling-window failure count that triggers a
	// short cooldown.
	AllowedFails int

	// AllowedFailsWindow is the rolling window for transient failures.
	AllowedFailsWindow time.Duration

	// ShortCooldown is the initial cooldown after repeated transient
	// failures. It doubles with consecutive cooldowns up to MaxCooldown.
	ShortCooldown time.Duration

	// LongCooldown applies to non-retryable failure kinds (auth, model
	// not found, removed deployment, permanent context-window misfit).
	LongCooldown time.Duration

	// MaxCooldown caps the growth of consecutive short cooldowns.
	MaxCooldown time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AllowedFails:       3,
		AllowedFailsWindow: 60 * time.Second,
		ShortCooldown:      time.Second,
		LongCooldown:       60 * time.Second,
		MaxCooldown:        60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AllowedFails <= 0 {
		c.AllowedFails = d.AllowedFails
	}
	if c.AllowedFailsWindow <= 0 {
		c.AllowedFailsWindow = d.AllowedFailsWindow
	}
	if c.ShortCooldown <= 0 {
		c.ShortCooldown = d.ShortCooldown
	}
	if c.LongCooldown <= 0 {
		c.LongCooldown = d.LongCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
}

// entry is the per-deployment health record.
type entry struct {
	mu sync.Mutex

	outstanding int64

	failureTimes []time.Time // rolling transient-failure window

	cooldownUntil        time.Time
	consecutiveCooldowns int

	lastLatencyMs float64
	ewmaLatencyMs float64
	ewmaSet       bool
}

// Tracker holds health state for all deployments. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	// cooldown writes mirror into the cache best-effort so other
	// processes can observe them; failures are ignored.
	cache cache.Cache
}

// New creates a tracker. now may be nil (wall clock); c may be nil.
func New(cfg Config, now func() time.Time, c cache.Cache, logger *slog.Logger) *Tracker {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     now,
		logger:  logger,
		cache:   c,
	}
}

func (t *Tracker) get(deploymentID string) *entry {
	t.mu.RLock()
	e, ok := t.entries[deploymentID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[deploymentID]; ok {
		return e
	}
	e = &entry{}
	t.entries[deploymentID] = e
	return e
}

// IncOutstanding records the start of a provider call. Every increment
// must be paired with exactly one DecOutstanding on the terminal branch.
func (t *Tracker) IncOutstanding(deploymentID string) {
	e := t.get(deploymentID)
	e.mu.Lock()
	e.outstanding++
	e.mu.Unlock()
}

// DecOutstanding records the end of a provider call (success, failure, or
// cancellation). For streams, this fires when the stream terminates.
func (t *Tracker) DecOutstanding(deploymentID string) {
	e := t.get(deploymentID)
	e.mu.Lock()
	if e.outstanding > 0 {
		e.outstanding--
	}
	e.mu.Unlock()
}

// Outstanding returns the in-flight request count.
func (t *Tracker) Outstanding(deploymentID string) int64 {
	e := t.get(deploymentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding
}

// RecordSuccess resets the rolling failure window and updates EWMA latency.
func (t *Tracker) RecordSuccess(deploymentID string, latency time.Duration) {
	e := t.get(deploymentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failureTimes = e.failureTimes[:0]
	e.consecutiveCooldowns = 0

	ms := float64(latency) / float64(time.Millisecond)
	e.lastLatencyMs = ms
	if !e.ewmaSet {
		e.ewmaLatencyMs = ms
		e.ewmaSet = true
	} else {
		e.ewmaLatencyMs = ewmaAlpha*ms + (1-ewmaAlpha)*e.ewmaLatencyMs
	}
}

// RecordFailure feeds a failure into the state machine. Non-retryable
// kinds cool the deployment down immediately for the long duration;
// transient failures count toward the rolling window. Events observed
// while already in cooldown are no-ops.
func (t *Tracker) RecordFailure(deploymentID string, err error) {
	now := t.now()
	e := t.get(deploymentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if now.Before(e.cooldownUntil) {
		return
	}

	if llmerrors.CooldownFor(err) == llmerrors.CooldownImmediate {
		t.enterCooldownLocked(e, deploymentID, now, t.cfg.LongCooldown, "non_retryable_error")
		return
	}

	// Trim entries older than the window, then append.
	cutoff := now.Add(-t.cfg.AllowedFailsWindow)
	kept := e.failureTimes[:0]
	for _, ts := range e.failureTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failureTimes = append(kept, now)

	if len(e.failureTimes) >= t.cfg.AllowedFails {
		d := t.cfg.ShortCooldown
		for i := 0; i < e.consecutiveCooldowns; i++ {
			d *= 2
			if d >= t.cfg.MaxCooldown {
				d = t.cfg.MaxCooldown
				break
			}
		}
		e.consecutiveCooldowns++
		t.enterCooldownLocked(e, deploymentID, now, d, "allowed_fails_exceeded")
	}
}

func (t *Tracker) enterCooldownLocked(e *entry, deploymentID string, now time.Time, d time.Duration, reason string) {
	e.cooldownUntil = now.Add(d)
	e.failureTimes = e.failureTimes[:0]

	t.logger.Info("deployment entering cooldown",
		"deployment_id", deploymentID,
		"cooldown", d,
		"reason", reason,
	)

	if t.cache != nil {
		key := fmt.Sprintf("cooldown:%s", deploymentID)
		secs := strconv.FormatInt(int64(d/time.Second), 10)
		// Mirror write is best-effort; a miss only risks one spurious
		// attempt elsewhere.
		_ = t.cache.Set(context.Background(), key, []byte(secs), d)
	}
}

// InCooldown reports whether the deployment is cooled down at time now.
// The Cooldown→Healthy transition is lazy: an elapsed timestamp reads as
// Healthy without waiting for the sweeper, and the transition is
// idempotent.
func (t *Tracker) InCooldown(deploymentID string) bool {
	e := t.get(deploymentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.now().Before(e.cooldownUntil)
}

// CooldownUntil returns the cooldown deadline (zero when healthy).
func (t *Tracker) CooldownUntil(deploymentID string) time.Time {
	e := t.get(deploymentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldownUntil
}

// EWMALatencyMs returns the smoothed latency, 0 when no sample exists.
func (t *Tracker) EWMALatencyMs(deploymentID string) float64 {
	e := t.get(deploymentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ewmaLatencyMs
}

// LastLatencyMs returns the most recent latency sample.
func (t *Tracker) LastLatencyMs(deploymentID string) float64 {
	e := t.get(deploymentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLatencyMs
}

// Sweep transitions every elapsed cooldown back to Healthy. Called once
// per second by the background loop; correctness does not depend on it
// because InCooldown checks lazily.
func (t *Tracker) Sweep() {
	now := t.now()

	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		e := t.get(id)
		e.mu.Lock()
		if !e.cooldownUntil.IsZero() && !now.Before(e.cooldownUntil) {
			e.cooldownUntil = time.Time{}
			t.logger.Info("deployment cooldown elapsed", "deployment_id", id)
		}
		e.mu.Unlock()
	}
}

// Forget drops state for a removed deployment.
func (t *Tracker) Forget(deploymentID string) {
	t.mu.Lock()
	delete(t.entries, deploymentID)
	t.mu.Unlock()
}
