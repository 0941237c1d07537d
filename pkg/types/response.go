package types //nolint:revive // package name is intentional

// Response is the normalized response envelope returned by the router.
// Exactly one payload field matching the request Kind is set.
type Response struct {
	Chat          *ChatResponse
	Embedding     *EmbeddingResponse
	Image         *ImageResponse
	Speech        *SpeechResponse
	Transcription *TranscriptionResponse
	Responses     *ResponsesResponse

	// Metadata about how the request was served. ModelGroup is the group
	// that answered, which differs from the requested group after a
	// fallback; AttemptedGroups lists every group tried, in order.
	ModelGroup      string
	DeploymentID    string
	Provider        string
	AttemptedGroups []string
}

// RouteInfo reports how a request was served. It mirrors the Response
// envelope metadata for callers that only receive the payload.
type RouteInfo struct {
	ModelGroup      string
	DeploymentID    string
	Provider        string
	AttemptedGroups []string
}

// Usage returns the token usage of the payload, if any.
func (r *Response) Usage() *Usage {
	switch {
	case r.Chat != nil:
		return r.Chat.Usage
	case r.Embedding != nil:
		return r.Embedding.Usage
	case r.Responses != nil:
		return r.Responses.Usage
	case r.Transcription != nil:
		return r.Transcription.Usage
	}
	return nil
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     *Logprobs       `json:"logprobs,omitempty"`
}

// ResponseMessage is an assistant message in a completed response.
type ResponseMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// Usage contains token usage statistics for the request.
// Cost is a provider-supplied cost field (OpenRouter and compatible
// gateways); nil means not reported, a zero value is preserved.
type Usage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

// Logprobs contains log probability information.
type Logprobs struct {
	Content []LogprobContent `json:"content,omitempty"`
}

// LogprobContent represents log probability for a single token.
type LogprobContent struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
	Bytes   []int   `json:"bytes,omitempty"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Choices           []StreamChoice `json:"choices"`
	Usage             *Usage         `json:"usage,omitempty"`
	SystemFingerprint string         `json:"system_fingerprint,omitempty"`
}

// StreamChoice represents a choice in a streaming response.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta contains the incremental content in a stream chunk.
// Content distinguishes "present but empty" from "not modified": a non-nil
// pointer to "" serializes as an empty string, nil is omitted. The terminal
// chunk of a finished stream always carries an empty string, never null.
type StreamDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          *string    `json:"content,omitempty"`
	ReasoningContent *string    `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// StrPtr returns a pointer to s. Helper for delta fields.
func StrPtr(s string) *string { return &s }

// Float64Ptr returns a pointer to f. Helper for usage cost.
func Float64Ptr(f float64) *float64 { return &f }
