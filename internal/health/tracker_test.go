package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/modelmux/modelmux/pkg/errors"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(clock *testClock, cfg Config) *Tracker {
	return New(cfg, clock.Now, nil, nil)
}

func transientErr() error {
	return llmerrors.NewInternalError("openai", "m", "upstream blew up")
}

func TestTransientFailuresBelowThresholdStayHealthy(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 3})

	tr.RecordFailure("d1", transientErr())
	tr.RecordFailure("d1", transientErr())
	assert.False(t, tr.InCooldown("d1"))
}

func TestAllowedFailsTriggersCooldown(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 3, ShortCooldown: 5 * time.Second})

	for i := 0; i < 3; i++ {
		tr.RecordFailure("d1", transientErr())
	}
	assert.True(t, tr.InCooldown("d1"))

	clock.Advance(6 * time.Second)
	assert.False(t, tr.InCooldown("d1"))
}

func TestFailureWindowExpires(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 3, AllowedFailsWindow: 10 * time.Second})

	tr.RecordFailure("d1", transientErr())
	tr.RecordFailure("d1", transientErr())

	// The first two fall out of the window before the third arrives.
	clock.Advance(11 * time.Second)
	tr.RecordFailure("d1", transientErr())
	assert.False(t, tr.InCooldown("d1"))
}

func TestConsecutiveCooldownsDouble(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{
		AllowedFails:  1,
		ShortCooldown: time.Second,
		MaxCooldown:   10 * time.Second,
	})

	tr.RecordFailure("d1", transientErr())
	first := tr.CooldownUntil("d1").Sub(clock.Now())
	assert.Equal(t, time.Second, first)

	clock.Advance(2 * time.Second)
	tr.RecordFailure("d1", transientErr())
	second := tr.CooldownUntil("d1").Sub(clock.Now())
	assert.Equal(t, 2*time.Second, second)

	clock.Advance(3 * time.Second)
	tr.RecordFailure("d1", transientErr())
	third := tr.CooldownUntil("d1").Sub(clock.Now())
	assert.Equal(t, 4*time.Second, third)
}

func TestCooldownGrowthCapped(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{
		AllowedFails:  1,
		ShortCooldown: time.Second,
		MaxCooldown:   3 * time.Second,
	})

	for i := 0; i < 5; i++ {
		tr.RecordFailure("d1", transientErr())
		d := tr.CooldownUntil("d1").Sub(clock.Now())
		assert.LessOrEqual(t, d, 3*time.Second)
		clock.Advance(d + time.Second)
	}
}

func TestSuccessResetsWindowAndBackoff(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 2, ShortCooldown: time.Second})

	tr.RecordFailure("d1", transientErr())
	tr.RecordSuccess("d1", 100*time.Millisecond)
	tr.RecordFailure("d1", transientErr())
	assert.False(t, tr.InCooldown("d1"))
}

func TestNonRetryableCoolsDownImmediately(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 100, LongCooldown: time.Minute})

	tr.RecordFailure("d1", llmerrors.NewAuthenticationError("openai", "m", "bad key"))
	assert.True(t, tr.InCooldown("d1"))

	until := tr.CooldownUntil("d1")
	assert.Equal(t, time.Minute, until.Sub(clock.Now()))
}

func TestFailuresDuringCooldownIgnored(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 1, ShortCooldown: 10 * time.Second})

	tr.RecordFailure("d1", transientErr())
	until := tr.CooldownUntil("d1")

	clock.Advance(time.Second)
	tr.RecordFailure("d1", transientErr())
	assert.Equal(t, until, tr.CooldownUntil("d1"))
}

func TestOutstandingCounters(t *testing.T) {
	tr := newTestTracker(newTestClock(), Config{})

	tr.IncOutstanding("d1")
	tr.IncOutstanding("d1")
	assert.Equal(t, int64(2), tr.Outstanding("d1"))

	tr.DecOutstanding("d1")
	tr.DecOutstanding("d1")
	tr.DecOutstanding("d1") // extra decrement clamps at zero
	assert.Equal(t, int64(0), tr.Outstanding("d1"))
}

func TestEWMALatency(t *testing.T) {
	tr := newTestTracker(newTestClock(), Config{})

	tr.RecordSuccess("d1", 100*time.Millisecond)
	assert.Equal(t, 100.0, tr.EWMALatencyMs("d1"))

	tr.RecordSuccess("d1", 200*time.Millisecond)
	assert.InDelta(t, 0.3*200+0.7*100, tr.EWMALatencyMs("d1"), 1e-9)
	assert.Equal(t, 200.0, tr.LastLatencyMs("d1"))
}

func TestSweepClearsElapsedCooldowns(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 1, ShortCooldown: time.Second})

	tr.RecordFailure("d1", transientErr())
	require.True(t, tr.InCooldown("d1"))

	clock.Advance(2 * time.Second)
	tr.Sweep()
	assert.True(t, tr.CooldownUntil("d1").IsZero())
}

func TestForget(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, Config{AllowedFails: 1, ShortCooldown: time.Minute})

	tr.RecordFailure("d1", transientErr())
	require.True(t, tr.InCooldown("d1"))

	tr.Forget("d1")
	assert.False(t, tr.InCooldown("d1"))
}
