// Package modelmux routes OpenAI-compatible LLM traffic across many
// provider deployments. A logical model group fans out to any number of
// deployments; the router picks one per request, enforces rate-limit and
// context-window constraints before the call, retries transient failures
// with backoff, falls back between model groups, and cools down unhealthy
// deployments.
//
// Basic usage:
//
//	client, err := modelmux.New(
//	    modelmux.WithDeployment(&modelmux.Deployment{
//	        ModelName:     "gpt-4o",
//	        Provider:      "openai",
//	        UpstreamModel: "gpt-4o",
//	        Credentials:   modelmux.Credentials{"api_key": os.Getenv("OPENAI_API_KEY")},
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Completion(ctx, &modelmux.ChatRequest{
//	    Model: "gpt-4o",
//	    Messages: []modelmux.ChatMessage{
//	        {Role: "user", Content: json.RawMessage(`"Hello!"`)},
//	    },
//	})
package modelmux

import (
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/usage"
	"github.com/modelmux/modelmux/pkg/cache"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/pkg/types"
)

// Version is the current version of the router.
const Version = "1.0.0"

// Re-export core request/response types for convenience, so callers can
// use modelmux.ChatRequest instead of types.ChatRequest.
type (
	// ChatRequest represents an OpenAI-compatible chat completion request.
	ChatRequest = types.ChatRequest

	// ChatResponse represents an OpenAI-compatible chat completion response.
	ChatResponse = types.ChatResponse

	// ChatMessage represents a single message in the conversation.
	ChatMessage = types.ChatMessage

	// StreamChunk represents a single chunk in a streaming response.
	StreamChunk = types.StreamChunk

	// Tool represents a function that the model can call.
	Tool = types.Tool

	// ToolCall represents a function call made by the model.
	ToolCall = types.ToolCall

	// Usage contains token usage statistics for a request.
	Usage = types.Usage

	// EmbeddingRequest represents an embedding request.
	EmbeddingRequest = types.EmbeddingRequest

	// EmbeddingResponse represents an embedding response.
	EmbeddingResponse = types.EmbeddingResponse

	// ImageRequest represents an image generation request.
	ImageRequest = types.ImageRequest

	// ImageResponse represents an image generation response.
	ImageResponse = types.ImageResponse

	// SpeechRequest represents a text-to-speech request.
	SpeechRequest = types.SpeechRequest

	// SpeechResponse carries synthesized audio.
	SpeechResponse = types.SpeechResponse

	// TranscriptionRequest represents an audio transcription request.
	TranscriptionRequest = types.TranscriptionRequest

	// TranscriptionResponse represents a transcription result.
	TranscriptionResponse = types.TranscriptionResponse

	// ResponsesRequest represents a Responses API request.
	ResponsesRequest = types.ResponsesRequest

	// ResponsesResponse represents a Responses API response.
	ResponsesResponse = types.ResponsesResponse

	// EndpointKind identifies the logical operation a request targets.
	EndpointKind = types.EndpointKind
)

// Deployment and routing surface.
type (
	// Deployment is one configured upstream endpoint.
	Deployment = provider.Deployment

	// Credentials is the opaque credential map for a deployment.
	Credentials = provider.Credentials

	// Limits are the per-deployment routing and capacity inputs.
	Limits = provider.Limits

	// DeploymentPatch carries the mutable parts of a deployment.
	DeploymentPatch = registry.Patch

	// Strategy selects how a deployment is picked within a group.
	Strategy = router.Strategy

	// Cache is the counter, cooldown, and affinity store interface.
	Cache = cache.Cache

	// UsagePayload is one per-request usage accounting record.
	UsagePayload = usage.Payload

	// RouteInfo reports how a request was served; see WithRouteInfo.
	RouteInfo = types.RouteInfo
)

// Routing strategies.
const (
	StrategySimpleShuffle = router.StrategySimpleShuffle
	StrategyLeastBusy     = router.StrategyLeastBusy
	StrategyLatencyBased  = router.StrategyLatencyBased
	StrategyUsageBased    = router.StrategyUsageBased
)

// Error surface.
type (
	// LLMError is the standardized provider error.
	LLMError = errors.LLMError

	// NoDeploymentsError is returned when pre-call checks empty the
	// candidate set for every attempted model group.
	NoDeploymentsError = errors.NoDeploymentsError
)

// Error type constants.
const (
	TypeAuthentication     = errors.TypeAuthentication
	TypePermissionDenied   = errors.TypePermissionDenied
	TypeRateLimit          = errors.TypeRateLimit
	TypeInvalidRequest     = errors.TypeInvalidRequest
	TypeNotFound           = errors.TypeNotFound
	TypeTimeout            = errors.TypeTimeout
	TypeConnection         = errors.TypeConnection
	TypeServiceUnavailable = errors.TypeServiceUnavailable
	TypeInternalError      = errors.TypeInternalError
	TypeContextLength      = errors.TypeContextLength
	TypeContentPolicy      = errors.TypeContentPolicy
)

// Endpoint kinds.
const (
	KindCompletion        = types.KindCompletion
	KindEmbedding         = types.KindEmbedding
	KindImageGeneration   = types.KindImageGeneration
	KindSpeech            = types.KindSpeech
	KindTranscription     = types.KindTranscription
	KindResponses         = types.KindResponses
	KindAnthropicMessages = types.KindAnthropicMessages
)

// StrPtr returns a pointer to s. Helper for delta fields in tests and
// custom chunk construction.
func StrPtr(s string) *string { return types.StrPtr(s) }
