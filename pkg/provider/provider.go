// Package provider defines the adapter contract between the router core and
// provider-specific wire translators, plus the Deployment record the router
// load-balances over. Each provider (OpenAI, Anthropic, Azure, ...)
// implements Adapter; its internal parsing is not the router's concern.
package provider

import (
	"context"
	"net/http"

	"github.com/modelmux/modelmux/pkg/types"
)

// Capabilities describes what a provider adapter supports.
type Capabilities struct {
	SupportsStreaming      bool
	SupportsTools          bool
	SupportsResponseFormat bool
	SupportsPromptCaching  bool
}

// StreamState carries per-stream adapter state. The router gives each
// stream a fresh state object; TransformStreamChunk may mutate it.
type StreamState struct {
	// Provider-private scratch space.
	Scratch map[string]any
}

// NewStreamState returns an empty per-stream state.
func NewStreamState() *StreamState {
	return &StreamState{Scratch: make(map[string]any)}
}

// Adapter is the narrow capability set the router consumes per provider.
//
// ValidateEnvironment is pure (no I/O) and idempotent. TransformRequest and
// TransformResponse preserve message content, including multimodal
// image_url parts, verbatim. TransformStreamChunk is stateful per stream.
type Adapter interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// Capabilities reports what this adapter supports.
	Capabilities() Capabilities

	// CountTokens estimates prompt tokens for the request. The second
	// return value is false when no estimate is available; callers must
	// not drop candidates on an unknown estimate.
	CountTokens(model string, req *types.Request) (int, bool)

	// ValidateEnvironment verifies credentials and returns the headers to
	// send upstream. It performs no I/O.
	ValidateEnvironment(headers http.Header, model string, req *types.Request, creds Credentials) (http.Header, error)

	// TransformRequest builds the provider-specific HTTP request.
	TransformRequest(ctx context.Context, model string, req *types.Request, creds Credentials) (*http.Request, error)

	// TransformResponse parses a provider response into the normalized shape.
	TransformResponse(resp *http.Response, req *types.Request) (*types.Response, error)

	// TransformStreamChunk parses a single SSE payload line. Returns
	// nil, nil for keep-alive or non-content events.
	TransformStreamChunk(data []byte, state *StreamState) (*types.StreamChunk, error)

	// MapError converts a provider error response into a standardized error.
	MapError(statusCode int, body []byte, headers http.Header) error
}
