// Package types defines the normalized data structures exchanged between the
// router core and provider adapters. All shapes are compatible with OpenAI's
// Chat Completion API format; provider-specific shapes live only inside
// adapters.
package types //nolint:revive // package name is intentional

import (
	"time"

	"github.com/goccy/go-json"
)

// EndpointKind identifies the logical operation a request targets.
type EndpointKind string

const (
	KindCompletion        EndpointKind = "completion"
	KindEmbedding         EndpointKind = "embedding"
	KindImageGeneration   EndpointKind = "image_generation"
	KindSpeech            EndpointKind = "speech"
	KindTranscription     EndpointKind = "transcription"
	KindResponses         EndpointKind = "responses"
	KindAnthropicMessages EndpointKind = "anthropic_messages"
)

// ChatLike reports whether the endpoint kind is a long-form chat call.
// Prompt-cache affinity entries are written only for these kinds.
func (k EndpointKind) ChatLike() bool {
	return k == KindCompletion || k == KindAnthropicMessages
}

// Request is the normalized request envelope handed to the router facade.
// Exactly one payload field matching Kind is set.
type Request struct {
	Kind  EndpointKind
	Model string // logical model group name

	Chat          *ChatRequest
	Embedding     *EmbeddingRequest
	Image         *ImageRequest
	Speech        *SpeechRequest
	Transcription *TranscriptionRequest
	Responses     *ResponsesRequest

	Stream bool

	// Routing inputs.
	Tags   []string
	Region string

	// NumRetries overrides both the deployment and router retry budgets
	// when set.
	NumRetries *int

	// Timeout overrides the deployment timeout when positive.
	Timeout time.Duration

	// ExtraHeaders are forwarded verbatim to the upstream call.
	ExtraHeaders map[string]string

	// RequestID is assigned by the facade when empty.
	RequestID string

	// Route, when non-nil, is filled with the serving deployment and the
	// model groups attempted once the request completes.
	Route *RouteInfo

	// MockResponse short-circuits the provider call with a canned response.
	// MockTimeout forces a synthetic timeout error without network I/O.
	// Both are supported contracts for deterministic tests.
	MockResponse string
	MockTimeout  bool
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	ReasoningEffort  string          `json:"reasoning_effort,omitempty"`

	// ExtraBody holds provider-specific parameters passed through unchanged.
	// The router never inspects these except to forward.
	ExtraBody map[string]json.RawMessage `json:"-"`
}

var chatRequestKnownFields = map[string]struct{}{
	"model":             {},
	"messages":          {},
	"stream":            {},
	"max_tokens":        {},
	"temperature":       {},
	"top_p":             {},
	"n":                 {},
	"stop":              {},
	"presence_penalty":  {},
	"frequency_penalty": {},
	"user":              {},
	"tools":             {},
	"tool_choice":       {},
	"response_format":   {},
	"stream_options":    {},
	"reasoning_effort":  {},
}

// MarshalJSON merges ExtraBody fields without overriding explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type Alias ChatRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.ExtraBody) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.ExtraBody {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into ExtraBody for passthrough.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type Alias ChatRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = ChatRequest(parsed)
	for key := range chatRequestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.ExtraBody = nil
	} else {
		r.ExtraBody = payload
	}

	return nil
}

// ChatMessage represents a single message in the conversation.
// Content is either a JSON string or an array of content parts.
type ChatMessage struct {
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content"`
	Name         string          `json:"name,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// Tool represents a function that the model can call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall represents a function call made by the model.
type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments.
type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ResponseFormat specifies the output format for the model.
type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// StreamOptions specifies options for streaming responses.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}
