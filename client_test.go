package modelmux

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	llmerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
)

// fakeClock makes backoff sleeps instant and cooldown arithmetic
// deterministic.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

const chatBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-4o",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
}`

// chatServer returns an httptest server and a pointer to its hit counter.
func chatServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	hits := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func okChat(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, chatBody)
}

func testDeployment(group, baseURL string) *provider.Deployment {
	return &provider.Deployment{
		ModelName:     group,
		Provider:      "openai",
		UpstreamModel: "gpt-4o",
		Credentials: provider.Credentials{
			provider.CredAPIKey:  "test-key",
			provider.CredAPIBase: baseURL,
		},
	}
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	base := []Option{
		WithClock(clock),
		WithSeed(42),
		WithAllowedFails(1000, time.Minute),
	}
	client, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, clock
}

func deploymentByGroup(t *testing.T, c *Client, group string) *provider.Deployment {
	t.Helper()
	for _, d := range c.Deployments() {
		if d.ModelName == group {
			return d
		}
	}
	t.Fatalf("no deployment in group %s", group)
	return nil
}

func chatReq(model string) *types.ChatRequest {
	return &types.ChatRequest{
		Model: model,
		Messages: []types.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}
}

func TestCompletion(t *testing.T) {
	srv, hits := chatServer(t, okChat)
	client, _ := newTestClient(t, WithDeployment(testDeployment("gpt-4o", srv.URL)))

	resp, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, int64(1), hits.Load())
}

func TestCompletionValidation(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Completion(context.Background(), nil)
	require.Error(t, err)

	_, err = client.Completion(context.Background(), &types.ChatRequest{Model: "m"})
	require.Error(t, err)
}

func TestRetryThenSuccess(t *testing.T) {
	var calls atomic.Int64
	srv, hits := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
			return
		}
		okChat(w, r)
	})
	client, clock := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
		WithNumRetries(3),
	)

	resp, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, int64(3), hits.Load())
	assert.Len(t, clock.slept(), 2)
}

func TestRetryBudgetExhausted(t *testing.T) {
	srv, hits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
	})
	client, _ := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
		WithNumRetries(2),
	)

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.Error(t, err)

	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, http.StatusInternalServerError, llmErr.StatusCode)
	assert.Equal(t, 2, llmErr.NumRetriesAttempted)
	assert.Equal(t, int64(3), hits.Load())
}

func TestRequestRetryOverrideWins(t *testing.T) {
	srv, hits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	d := testDeployment("gpt-4o", srv.URL)
	five := 5
	d.Limits.NumRetries = &five
	client, _ := newTestClient(t, WithDeployment(d))

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"), WithRequestRetries(0))
	require.Error(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestDeploymentRetriesFromConfigString(t *testing.T) {
	srv, hits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	cfg := fmt.Sprintf(`
router:
  routing_strategy: simple-shuffle
  num_retries: 0
model_list:
  - model_name: gpt-4o
    params:
      provider: openai
      model: gpt-4o
      api_key: test-key
      api_base: %s
      num_retries: "6"
`, srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	client, _ := newTestClient(t, WithConfigFile(path))

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.Error(t, err)
	// The quoted "6" coerces to a six-retry budget: seven attempts total.
	assert.Equal(t, int64(7), hits.Load())
}

func TestFallbackToSecondGroup(t *testing.T) {
	primary, primaryHits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	secondary, secondaryHits := chatServer(t, okChat)

	client, _ := newTestClient(t,
		WithDeployments(
			testDeployment("gpt-4o", primary.URL),
			testDeployment("gpt-4o-mini", secondary.URL),
		),
		WithNumRetries(0),
		WithFallbacks(map[string][]string{"gpt-4o": {"gpt-4o-mini"}}),
	)

	resp, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, int64(1), primaryHits.Load())
	assert.Equal(t, int64(1), secondaryHits.Load())
}

func TestFallbackRouteInfoReportsServingGroup(t *testing.T) {
	primary, _ := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	secondary, _ := chatServer(t, okChat)

	client, _ := newTestClient(t,
		WithDeployments(
			testDeployment("gpt-4o", primary.URL),
			testDeployment("gpt-4o-mini", secondary.URL),
		),
		WithNumRetries(0),
		WithFallbacks(map[string][]string{"gpt-4o": {"gpt-4o-mini"}}),
	)

	var route RouteInfo
	_, err := client.Completion(context.Background(), chatReq("gpt-4o"), WithRouteInfo(&route))
	require.NoError(t, err)

	// The group that answered, not the one requested.
	assert.Equal(t, "gpt-4o-mini", route.ModelGroup)
	assert.Equal(t, "openai", route.Provider)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, route.AttemptedGroups)

	mini := deploymentByGroup(t, client, "gpt-4o-mini")
	assert.Equal(t, mini.ID, route.DeploymentID)
}

func TestFallbackCycleVisitedOnce(t *testing.T) {
	a, aHits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	b, bHits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	client, _ := newTestClient(t,
		WithDeployments(
			testDeployment("group-a", a.URL),
			testDeployment("group-b", b.URL),
		),
		WithNumRetries(0),
		WithFallbacks(map[string][]string{
			"group-a": {"group-b", "group-a"},
			"group-b": {"group-a"},
		}),
	)

	_, err := client.Completion(context.Background(), chatReq("group-a"))
	require.Error(t, err)
	assert.Equal(t, int64(1), aHits.Load())
	assert.Equal(t, int64(1), bHits.Load())
}

func TestNonRetryableSkipsRetryAndCoolsDown(t *testing.T) {
	srv, hits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "bad key"}}`, http.StatusUnauthorized)
	})
	d := testDeployment("gpt-4o", srv.URL)
	client, _ := newTestClient(t, WithDeployment(d), WithNumRetries(5))

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.Error(t, err)

	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llmerrors.TypeAuthentication, llmErr.Type)
	assert.Equal(t, int64(1), hits.Load())
	// Auth failures cool the deployment down immediately.
	assert.True(t, client.health.InCooldown(d.ID))
}

func TestCallerCancellationDoesNotCoolDown(t *testing.T) {
	srv, _ := chatServer(t, func(_ http.ResponseWriter, r *http.Request) {
		// Drain the body so net/http starts the background read that
		// surfaces the client disconnect on r.Context().
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	d := testDeployment("gpt-4o", srv.URL)
	client, _ := newTestClient(t,
		WithDeployment(d),
		WithNumRetries(0),
		WithAllowedFails(1, time.Minute),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Completion(ctx, chatReq("gpt-4o"))
	require.Error(t, err)

	// A client-side disconnect is not a deployment failure.
	assert.False(t, client.health.InCooldown(d.ID))
	assert.Equal(t, int64(0), client.health.Outstanding(d.ID))

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = client.Completion(ctx, chatReq("gpt-4o"))
	require.Error(t, err)
	assert.False(t, client.health.InCooldown(d.ID))
}

func TestRetryAfterHonored(t *testing.T) {
	var calls atomic.Int64
	srv, _ := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		okChat(w, r)
	})
	client, clock := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
		WithNumRetries(1),
	)

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	require.Len(t, clock.slept(), 1)
	assert.Equal(t, 2*time.Second, clock.slept()[0])
}

func TestRetryAfterCapped(t *testing.T) {
	var calls atomic.Int64
	srv, _ := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		okChat(w, r)
	})
	client, clock := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
		WithNumRetries(1),
		WithRetryAfterCap(time.Second),
	)

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	require.Len(t, clock.slept(), 1)
	assert.Equal(t, time.Second, clock.slept()[0])
}

func TestNoDeploymentsForUnknownModel(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Completion(context.Background(), chatReq("no-such-group"))
	require.Error(t, err)

	var nde *llmerrors.NoDeploymentsError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, "no-such-group", nde.ModelGroup)
	assert.Equal(t, []string{"no-such-group"}, nde.AttemptedGroups)
}

func TestMockResponseShortCircuits(t *testing.T) {
	d := testDeployment("gpt-4o", "http://127.0.0.1:1") // never dialed
	d.MockResponse = "canned answer"
	client, _ := newTestClient(t, WithDeployment(d))

	resp, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "canned answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestMockTimeout(t *testing.T) {
	d := testDeployment("gpt-4o", "http://127.0.0.1:1")
	client, _ := newTestClient(t, WithDeployment(d), WithNumRetries(0))

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"), WithMockTimeout())
	require.Error(t, err)

	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llmerrors.TypeTimeout, llmErr.Type)
	assert.Equal(t, llmerrors.ClassTimeout, llmerrors.Classify(err))
}

func TestUsageConsumerReceivesPayload(t *testing.T) {
	srv, _ := chatServer(t, okChat)
	payloads := make(chan UsagePayload, 1)
	client, _ := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
		WithUsageConsumer(func(p UsagePayload) { payloads <- p }),
	)

	_, err := client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)

	select {
	case p := <-payloads:
		assert.Equal(t, "gpt-4o", p.ModelGroup)
		assert.Equal(t, 5, p.PromptTokens)
		assert.Equal(t, 2, p.CompletionTokens)
		assert.Equal(t, "openai", p.Provider)
	case <-time.After(5 * time.Second):
		t.Fatal("usage payload not delivered")
	}
}

func TestAddRemoveDeployment(t *testing.T) {
	srv, _ := chatServer(t, okChat)
	client, _ := newTestClient(t)

	id, err := client.AddDeployment(testDeployment("gpt-4o", srv.URL))
	require.NoError(t, err)
	assert.Contains(t, client.ModelGroups(), "gpt-4o")

	_, err = client.Completion(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)

	require.NoError(t, client.RemoveDeployment(id))
	_, err = client.Completion(context.Background(), chatReq("gpt-4o"))
	var nde *llmerrors.NoDeploymentsError
	require.ErrorAs(t, err, &nde)
}

func TestConfigReloadSwapsDeployments(t *testing.T) {
	srv, _ := chatServer(t, okChat)

	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	write := func(group string) {
		cfg := fmt.Sprintf(`
model_list:
  - model_name: %s
    params:
      provider: openai
      model: gpt-4o
      api_key: test-key
      api_base: %s
`, group, srv.URL)
		require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	}
	write("gpt-4o")

	client, _ := newTestClient(t, WithConfigFile(path))
	assert.Contains(t, client.ModelGroups(), "gpt-4o")

	write("gpt-4o-v2")
	require.Eventually(t, func() bool {
		groups := client.ModelGroups()
		return len(groups) == 1 && groups[0] == "gpt-4o-v2"
	}, 5*time.Second, 50*time.Millisecond)

	_, err := client.Completion(context.Background(), chatReq("gpt-4o-v2"))
	require.NoError(t, err)
}

func TestOutstandingAlwaysBalanced(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		outcomes := rapid.SliceOfN(rapid.SampledFrom([]int{
			http.StatusOK,
			http.StatusInternalServerError,
			http.StatusTooManyRequests,
			http.StatusUnauthorized,
		}), 1, 8).Draw(t, "outcomes")

		var idx atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			i := int(idx.Add(1)) - 1
			status := http.StatusOK
			if i < len(outcomes) {
				status = outcomes[i]
			}
			if status == http.StatusOK {
				okChat(w, r)
				return
			}
			http.Error(w, "err", status)
		}))
		defer srv.Close()

		d := testDeployment("gpt-4o", srv.URL)
		client, err := New(
			WithClock(newFakeClock()),
			WithSeed(1),
			WithAllowedFails(1000, time.Minute),
			WithNumRetries(0),
			WithDeployment(d),
		)
		require.NoError(t, err)
		defer client.Close()

		for range outcomes {
			_, _ = client.Completion(context.Background(), chatReq("gpt-4o"))
			assert.Equal(t, int64(0), client.health.Outstanding(d.ID))
		}
	})
}
