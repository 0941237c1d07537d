package precall

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/caches/memory"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/registry"
	llmerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/pkg/types"
)

func testDeployment(id string, mutate func(*provider.Deployment)) *provider.Deployment {
	d := &provider.Deployment{
		ID:            id,
		ModelName:     "gpt-4o",
		Provider:      "openai",
		UpstreamModel: "gpt-4o",
	}
	if mutate != nil {
		mutate(d)
	}
	return d
}

func newTestChecker(t *testing.T) (*Checker, *health.Tracker) {
	t.Helper()
	tracker := health.New(health.DefaultConfig(), nil, nil, nil)
	c := New(tracker, memory.New(memory.Config{}), nil, nil)
	return c, tracker
}

func TestFilterDropsCooldown(t *testing.T) {
	c, tracker := newTestChecker(t)
	deps := []*provider.Deployment{testDeployment("a", nil), testDeployment("b", nil)}

	tracker.RecordFailure("a", llmerrors.NewAuthenticationError("openai", "gpt-4o", "bad key"))

	kept, reasons := c.Filter(context.Background(), &router.RequestContext{Model: "gpt-4o"}, deps)
	require.Len(t, kept, 1)
	assert.Equal(t, "b", kept[0].Deployment.ID)
	assert.Equal(t, llmerrors.ReasonInCooldown, reasons["a"])
}

func TestFilterContextWindow(t *testing.T) {
	c, _ := newTestChecker(t)
	deps := []*provider.Deployment{
		testDeployment("small", func(d *provider.Deployment) { d.Limits.MaxInputTokens = 100 }),
		testDeployment("large", func(d *provider.Deployment) { d.Limits.MaxInputTokens = 100000 }),
		testDeployment("unknown", nil),
	}

	rc := &router.RequestContext{Model: "gpt-4o", EstimatedTokens: 5000}
	kept, reasons := c.Filter(context.Background(), rc, deps)

	require.Len(t, kept, 2)
	assert.Equal(t, llmerrors.ReasonContextWindow, reasons["small"])

	// No estimate available: nothing is dropped on window size.
	kept, reasons = c.Filter(context.Background(), &router.RequestContext{Model: "gpt-4o"}, deps)
	assert.Len(t, kept, 3)
	assert.Empty(t, reasons)
}

func TestFilterContextWindowFromModelInfo(t *testing.T) {
	reg := registry.New(nil)
	tracker := health.New(health.DefaultConfig(), nil, nil, nil)
	c := New(tracker, nil, reg, nil)

	deps := []*provider.Deployment{
		testDeployment("gpt4", func(d *provider.Deployment) { d.UpstreamModel = "gpt-4" }),
	}

	rc := &router.RequestContext{Model: "gpt-4o", EstimatedTokens: 9000}
	kept, reasons := c.Filter(context.Background(), rc, deps)
	assert.Empty(t, kept)
	assert.Equal(t, llmerrors.ReasonContextWindow, reasons["gpt4"])
}

func TestFilterRegion(t *testing.T) {
	c, _ := newTestChecker(t)
	deps := []*provider.Deployment{
		testDeployment("eu", func(d *provider.Deployment) { d.Limits.AllowedRegions = []string{"eu-west-1"} }),
		testDeployment("us", func(d *provider.Deployment) { d.Limits.AllowedRegions = []string{"us-east-1"} }),
		testDeployment("any", nil),
	}

	rc := &router.RequestContext{Model: "gpt-4o", Region: "eu-west-1"}
	kept, reasons := c.Filter(context.Background(), rc, deps)

	require.Len(t, kept, 2)
	assert.Equal(t, llmerrors.ReasonRegionNotAllowed, reasons["us"])
}

func TestFilterTags(t *testing.T) {
	c, _ := newTestChecker(t)
	deps := []*provider.Deployment{
		testDeployment("paid", func(d *provider.Deployment) { d.Tags = []string{"paid", "beta"} }),
		testDeployment("free", func(d *provider.Deployment) { d.Tags = []string{"free"} }),
	}

	rc := &router.RequestContext{Model: "gpt-4o", Tags: []string{"paid"}}
	kept, reasons := c.Filter(context.Background(), rc, deps)

	require.Len(t, kept, 1)
	assert.Equal(t, "paid", kept[0].Deployment.ID)
	assert.Equal(t, llmerrors.ReasonMissingTag, reasons["free"])
}

func TestFilterDefaultTag(t *testing.T) {
	c, _ := newTestChecker(t)
	deps := []*provider.Deployment{
		testDeployment("tagged", func(d *provider.Deployment) { d.Tags = []string{"paid"} }),
		testDeployment("plain", func(d *provider.Deployment) { d.Tags = []string{"default"} }),
	}

	// Untagged requests only see default-tagged deployments when present.
	kept, reasons := c.Filter(context.Background(), &router.RequestContext{Model: "gpt-4o"}, deps)
	require.Len(t, kept, 1)
	assert.Equal(t, "plain", kept[0].Deployment.ID)
	assert.Equal(t, llmerrors.ReasonMissingTag, reasons["tagged"])

	// Without any default-tagged deployment all remain visible.
	noDefault := []*provider.Deployment{
		testDeployment("a", func(d *provider.Deployment) { d.Tags = []string{"paid"} }),
		testDeployment("b", nil),
	}
	kept, _ = c.Filter(context.Background(), &router.RequestContext{Model: "gpt-4o"}, noDefault)
	assert.Len(t, kept, 2)
}

func TestFilterCapacity(t *testing.T) {
	c, tracker := newTestChecker(t)
	deps := []*provider.Deployment{
		testDeployment("limited", func(d *provider.Deployment) { d.Limits.MaxParallelRequests = 2 }),
	}

	tracker.IncOutstanding("limited")
	tracker.IncOutstanding("limited")

	kept, reasons := c.Filter(context.Background(), &router.RequestContext{Model: "gpt-4o"}, deps)
	assert.Empty(t, kept)
	assert.Equal(t, llmerrors.ReasonAtCapacity, reasons["limited"])

	tracker.DecOutstanding("limited")
	kept, _ = c.Filter(context.Background(), &router.RequestContext{Model: "gpt-4o"}, deps)
	assert.Len(t, kept, 1)
}

func TestFilterRPMHeadroom(t *testing.T) {
	c, _ := newTestChecker(t)
	d := testDeployment("limited", func(d *provider.Deployment) { d.Limits.RPM = 3 })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.RecordUsage(ctx, d, 0)
	}

	kept, reasons := c.Filter(ctx, &router.RequestContext{Model: "gpt-4o"}, []*provider.Deployment{d})
	assert.Empty(t, kept)
	assert.Equal(t, llmerrors.ReasonRPMExceeded, reasons["limited"])
}

func TestFilterTPMHeadroom(t *testing.T) {
	c, _ := newTestChecker(t)
	d := testDeployment("limited", func(d *provider.Deployment) { d.Limits.TPM = 1000 })
	ctx := context.Background()

	c.RecordUsage(ctx, d, 900)

	rc := &router.RequestContext{Model: "gpt-4o", EstimatedTokens: 200}
	kept, reasons := c.Filter(ctx, rc, []*provider.Deployment{d})
	assert.Empty(t, kept)
	assert.Equal(t, llmerrors.ReasonTPMExceeded, reasons["limited"])

	// Still fits.
	rc = &router.RequestContext{Model: "gpt-4o", EstimatedTokens: 50}
	kept, _ = c.Filter(ctx, rc, []*provider.Deployment{d})
	assert.Len(t, kept, 1)
	assert.Equal(t, int64(900), kept[0].TPMUsed)
}

func TestFilterHeadroomMissDoesNotDrop(t *testing.T) {
	c, _ := newTestChecker(t)
	d := testDeployment("limited", func(d *provider.Deployment) {
		d.Limits.RPM = 1
		d.Limits.TPM = 1
	})

	// No counters recorded: the cache miss must keep the candidate.
	rc := &router.RequestContext{Model: "gpt-4o", EstimatedTokens: 100}
	kept, reasons := c.Filter(context.Background(), rc, []*provider.Deployment{d})
	assert.Len(t, kept, 1)
	assert.Empty(t, reasons)
}

func TestAffinityReorder(t *testing.T) {
	c, _ := newTestChecker(t)
	ctx := context.Background()
	deps := []*provider.Deployment{
		testDeployment("a", nil),
		testDeployment("b", nil),
		testDeployment("c", nil),
	}

	c.RecordAffinity(ctx, types.KindCompletion, "fp-1", "c")

	rc := &router.RequestContext{Model: "gpt-4o", Kind: types.KindCompletion, PromptFingerprint: "fp-1"}
	kept, _ := c.Filter(ctx, rc, deps)
	require.Len(t, kept, 3)
	assert.Equal(t, "c", kept[0].Deployment.ID)
	assert.Equal(t, "a", kept[1].Deployment.ID)
	assert.Equal(t, "b", kept[2].Deployment.ID)
}

func TestAffinityNotWrittenForNonChatKinds(t *testing.T) {
	c, _ := newTestChecker(t)
	ctx := context.Background()

	c.RecordAffinity(ctx, types.KindEmbedding, "fp-2", "a")

	data, err := c.cache.Get(ctx, AffinityKey("fp-2"))
	require.NoError(t, err)
	assert.Nil(t, data)

	c.RecordAffinity(ctx, types.KindAnthropicMessages, "fp-2", "a")
	data, err = c.cache.Get(ctx, AffinityKey("fp-2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}

func TestAffinitySkipsUnhealthyTarget(t *testing.T) {
	c, tracker := newTestChecker(t)
	ctx := context.Background()
	deps := []*provider.Deployment{testDeployment("a", nil), testDeployment("b", nil)}

	c.RecordAffinity(ctx, types.KindCompletion, "fp-3", "b")
	tracker.RecordFailure("b", llmerrors.NewAuthenticationError("openai", "gpt-4o", "bad key"))

	rc := &router.RequestContext{Model: "gpt-4o", Kind: types.KindCompletion, PromptFingerprint: "fp-3"}
	kept, _ := c.Filter(ctx, rc, deps)
	require.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0].Deployment.ID)
}

func TestUsageKeyBuckets(t *testing.T) {
	at := time.Unix(1735689600, 0)
	key := UsageKey("openai", "gpt-4o", "dep-1", MetricRPM, at)
	assert.Equal(t, fmt.Sprintf("openai:gpt-4o:dep-1:rpm:%d", at.Unix()/60), key)

	// Same minute, same bucket.
	assert.Equal(t, key, UsageKey("openai", "gpt-4o", "dep-1", MetricRPM, at.Add(30*time.Second)))
	// Next minute, new bucket.
	assert.NotEqual(t, key, UsageKey("openai", "gpt-4o", "dep-1", MetricRPM, at.Add(time.Minute)))
}

func TestFingerprint(t *testing.T) {
	msgs := []types.ChatMessage{
		{Role: "system", Content: json.RawMessage(`"long shared preamble"`), CacheControl: json.RawMessage(`{"type":"ephemeral"}`)},
		{Role: "user", Content: json.RawMessage(`"question one"`)},
	}

	fp := Fingerprint(msgs)
	require.NotEmpty(t, fp)

	// The suffix after the boundary does not affect the fingerprint.
	other := []types.ChatMessage{
		msgs[0],
		{Role: "user", Content: json.RawMessage(`"a different question"`)},
	}
	assert.Equal(t, fp, Fingerprint(other))

	// A different prefix changes it.
	changed := []types.ChatMessage{
		{Role: "system", Content: json.RawMessage(`"another preamble"`), CacheControl: json.RawMessage(`{"type":"ephemeral"}`)},
	}
	assert.NotEqual(t, fp, Fingerprint(changed))

	// No cache-control marker: no cacheable prefix.
	assert.Empty(t, Fingerprint([]types.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}}))
}
