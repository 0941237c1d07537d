package modelmux

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

var sseChunks = []string{
	`{"id":"c1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
}

func writeSSE(w http.ResponseWriter, lines []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func TestCompletionStream(t *testing.T) {
	srv, _ := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, sseChunks)
	})
	d := testDeployment("gpt-4o", srv.URL)
	client, _ := newTestClient(t, WithDeployment(d))

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	defer stream.Close()

	var content string
	var last *types.StreamChunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, chunk.Choices, 1)
		if chunk.Choices[0].Delta.Content != nil {
			content += *chunk.Choices[0].Delta.Content
		}
		last = chunk
	}

	assert.Equal(t, "Hello", content)
	require.NotNil(t, last)
	assert.Equal(t, "stop", last.Choices[0].FinishReason)

	final, err := stream.Final()
	require.NoError(t, err)
	require.Len(t, final.Choices, 1)
	assert.Equal(t, "Hello", final.Choices[0].Message.Content)
	assert.Equal(t, "stop", final.Choices[0].FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 5, final.Usage.TotalTokens)

	// Stream fully drained: outstanding back to zero.
	assert.Equal(t, int64(0), client.health.Outstanding(d.ID))
}

func TestCompletionStreamFinalBeforeEOF(t *testing.T) {
	srv, _ := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, sseChunks)
	})
	client, _ := newTestClient(t, WithDeployment(testDeployment("gpt-4o", srv.URL)))

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Final()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCompletionStreamRetryBeforeFirstByte(t *testing.T) {
	var calls atomic.Int64
	srv, hits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
			return
		}
		writeSSE(w, sseChunks)
	})
	client, _ := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
		WithNumRetries(1),
	)

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, int64(2), hits.Load())

	chunk, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, chunk.Choices[0].Delta.Content)
	assert.Equal(t, "Hel", *chunk.Choices[0].Delta.Content)
}

func TestCompletionStreamFallback(t *testing.T) {
	primary, primaryHits := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	secondary, _ := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, sseChunks)
	})
	client, _ := newTestClient(t,
		WithDeployments(
			testDeployment("gpt-4o", primary.URL),
			testDeployment("gpt-4o-mini", secondary.URL),
		),
		WithNumRetries(0),
		WithFallbacks(map[string][]string{"gpt-4o": {"gpt-4o-mini"}}),
	)

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, int64(1), primaryHits.Load())
	assert.Equal(t, "gpt-4o-mini", stream.Deployment().ModelName)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, chunk.Choices[0].Delta.Content)
}

func TestCompletionStreamCloseMidStream(t *testing.T) {
	srv, _ := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", sseChunks[0])
		flusher.Flush()
		<-r.Context().Done()
	})
	d := testDeployment("gpt-4o", srv.URL)
	client, _ := newTestClient(t, WithDeployment(d))

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)

	_, err = stream.Recv()
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	assert.Equal(t, int64(0), client.health.Outstanding(d.ID))

	_, err = stream.Recv()
	assert.Error(t, err)
}

func TestCompletionStreamCallerCancelDoesNotCoolDown(t *testing.T) {
	srv, _ := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", sseChunks[0])
		flusher.Flush()
		<-r.Context().Done()
	})
	d := testDeployment("gpt-4o", srv.URL)
	client, _ := newTestClient(t, WithDeployment(d), WithAllowedFails(1, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.CompletionStream(ctx, chatReq("gpt-4o"))
	require.NoError(t, err)

	_, err = stream.Recv()
	require.NoError(t, err)

	cancel()
	_, err = stream.Recv()
	require.Error(t, err)

	// The caller hung up; the deployment stays healthy.
	assert.False(t, client.health.InCooldown(d.ID))
	assert.Equal(t, int64(0), client.health.Outstanding(d.ID))
}

func TestCompletionStreamIdleTimeout(t *testing.T) {
	srv, _ := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", sseChunks[0])
		flusher.Flush()
		<-r.Context().Done()
	})
	d := testDeployment("gpt-4o", srv.URL)
	d.Limits.StreamTimeout = 100 * time.Millisecond
	client, _ := newTestClient(t, WithDeployment(d))

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)

	_, err = stream.Recv()
	require.Error(t, err)

	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llmerrors.TypeTimeout, llmErr.Type)
	assert.Equal(t, int64(0), client.health.Outstanding(d.ID))
}

func TestCompletionStreamMockTimeout(t *testing.T) {
	client, _ := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", "http://127.0.0.1:1")),
		WithNumRetries(0),
	)

	_, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"), WithMockTimeout())
	require.Error(t, err)

	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llmerrors.TypeTimeout, llmErr.Type)
}

func TestCompletionStreamMockResponse(t *testing.T) {
	d := testDeployment("gpt-4o", "http://127.0.0.1:1")
	d.MockResponse = "mocked stream"
	client, _ := newTestClient(t, WithDeployment(d))

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	defer stream.Close()

	var content string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != nil {
			content += *chunk.Choices[0].Delta.Content
		}
	}
	assert.Equal(t, "mocked stream", content)

	final, err := stream.Final()
	require.NoError(t, err)
	assert.Equal(t, "mocked stream", final.Choices[0].Message.Content)
}

func TestCompletionStreamUsageConsumer(t *testing.T) {
	srv, _ := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, sseChunks)
	})
	payloads := make(chan UsagePayload, 1)
	client, _ := newTestClient(t,
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
		WithUsageConsumer(func(p UsagePayload) { payloads <- p }),
	)

	stream, err := client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.NoError(t, err)
	for {
		if _, err := stream.Recv(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("recv: %v", err)
		}
	}
	require.NoError(t, stream.Close())

	select {
	case p := <-payloads:
		assert.Equal(t, 3, p.PromptTokens)
		assert.Equal(t, 2, p.CompletionTokens)
	case <-time.After(5 * time.Second):
		t.Fatal("usage payload not delivered")
	}
}

// Errors surfaced as NoDeployments when a group has no streaming-capable
// deployments left keep the last upstream error.
func TestCompletionStreamKeepsLastError(t *testing.T) {
	srv, _ := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "over quota"}}`, http.StatusTooManyRequests)
	})
	client, err := New(
		WithClock(newFakeClock()),
		WithSeed(7),
		WithNumRetries(2),
		WithAllowedFails(1, time.Minute),
		WithDeployment(testDeployment("gpt-4o", srv.URL)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CompletionStream(context.Background(), chatReq("gpt-4o"))
	require.Error(t, err)

	// The deployment cooled down after the first failure, but the caller
	// still sees the rate limit error rather than an empty-group error.
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llmerrors.TypeRateLimit, llmErr.Type)
	assert.Equal(t, http.StatusTooManyRequests, llmErr.StatusCode)
}
