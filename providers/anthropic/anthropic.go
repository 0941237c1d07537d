// Package anthropic provides the Anthropic Messages API adapter. Requests
// arrive in the normalized OpenAI-compatible shape and are translated to
// the Messages wire format; thinking output maps to reasoning_content,
// never to content.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelmux/modelmux/internal/tokenizer"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the request sets none; the Messages
	// API requires max_tokens.
	DefaultMaxTokens = 4096
)

// Adapter implements the Anthropic Messages API adapter.
type Adapter struct{}

// New creates the adapter.
func New() provider.Adapter {
	return &Adapter{}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return ProviderName }

// Capabilities reports supported features.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsStreaming:     true,
		SupportsTools:         true,
		SupportsPromptCaching: true,
	}
}

// CountTokens estimates prompt tokens. cl100k is an approximation for
// Claude models, good enough for context-window pre-checks.
func (a *Adapter) CountTokens(model string, req *types.Request) (int, bool) {
	return tokenizer.EstimatePromptTokens(model, req)
}

// ValidateEnvironment checks credentials and returns the upstream headers.
func (a *Adapter) ValidateEnvironment(headers http.Header, _ string, req *types.Request, creds provider.Credentials) (http.Header, error) {
	apiKey := creds.Get(provider.CredAPIKey)
	if apiKey == "" {
		return nil, errors.NewAuthenticationError(ProviderName, "", "missing api_key")
	}

	out := http.Header{}
	for k, vs := range headers {
		out[k] = vs
	}
	out.Set("x-api-key", apiKey)
	out.Set("anthropic-version", APIVersion)
	if req != nil {
		for k, v := range req.ExtraHeaders {
			out.Set(k, v)
		}
	}
	return out, nil
}

// TransformRequest builds the Messages API request.
func (a *Adapter) TransformRequest(ctx context.Context, model string, req *types.Request, creds provider.Credentials) (*http.Request, error) {
	if req.Chat == nil {
		return nil, fmt.Errorf("anthropic: endpoint kind %q not supported", req.Kind)
	}

	wire, err := a.transformRequest(model, req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	base := DefaultBaseURL
	if b := creds.Get(provider.CredAPIBase); b != "" {
		base = strings.TrimSuffix(b, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	headers, err := a.ValidateEnvironment(httpReq.Header, model, req, creds)
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers
	return httpReq, nil
}

func (a *Adapter) transformRequest(model string, req *types.Request) (*wireRequest, error) {
	chat := req.Chat
	wire := &wireRequest{
		Model:     model,
		MaxTokens: DefaultMaxTokens,
		Stream:    req.Stream,
	}
	if chat.MaxTokens > 0 {
		wire.MaxTokens = chat.MaxTokens
	}
	wire.Temperature = chat.Temperature
	wire.TopP = chat.TopP
	if len(chat.Stop) > 0 {
		wire.StopSequences = chat.Stop
	}
	if chat.User != "" {
		wire.Metadata = &wireMetadata{UserID: chat.User}
	}

	messages, system, err := transformMessages(chat.Messages)
	if err != nil {
		return nil, err
	}
	wire.Messages = messages
	wire.System = system

	if len(chat.Tools) > 0 {
		wire.Tools = transformTools(chat.Tools)
	}
	if len(chat.ToolChoice) > 0 {
		wire.ToolChoice = transformToolChoice(chat.ToolChoice)
	}
	for key, raw := range chat.ExtraBody {
		if key == "thinking" {
			wire.Thinking = raw
		}
	}
	return wire, nil
}

// transformMessages splits out the system prompt and converts each message
// to content blocks. cache_control markers pass through so provider-side
// prompt caching keeps working.
func transformMessages(messages []types.ChatMessage) ([]wireMessage, []wireBlock, error) {
	var result []wireMessage
	var system []wireBlock

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			text, err := types.ContentText(msg.Content)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid system message content")
			}
			system = append(system, wireBlock{Type: "text", Text: text, CacheControl: msg.CacheControl})

		case "assistant":
			blocks := []wireBlock{}
			if text, err := types.ContentText(msg.Content); err == nil && text != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				var input json.RawMessage
				if json.Valid([]byte(tc.Function.Arguments)) {
					input = json.RawMessage(tc.Function.Arguments)
				} else {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			result = append(result, wireMessage{Role: "assistant", Content: blocks})

		case "tool":
			text, err := types.ContentText(msg.Content)
			if err != nil {
				text = string(msg.Content)
			}
			result = append(result, wireMessage{Role: "user", Content: []wireBlock{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   text,
			}}})

		default:
			blocks, err := userBlocks(msg)
			if err != nil {
				return nil, nil, err
			}
			result = append(result, wireMessage{Role: "user", Content: blocks})
		}
	}
	return result, system, nil
}

func userBlocks(msg types.ChatMessage) ([]wireBlock, error) {
	parts, err := types.ContentParts(msg.Content)
	if err != nil {
		text, terr := types.ContentText(msg.Content)
		if terr != nil {
			return nil, fmt.Errorf("invalid message content format")
		}
		return []wireBlock{{Type: "text", Text: text, CacheControl: msg.CacheControl}}, nil
	}

	blocks := make([]wireBlock, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, wireBlock{Type: "text", Text: part.Text, CacheControl: msg.CacheControl})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			blocks = append(blocks, imageBlock(part.ImageURL.URL))
		}
	}
	return blocks, nil
}

// imageBlock converts an OpenAI image_url part. Data URLs become base64
// source blocks; plain URLs become url source blocks.
func imageBlock(imageURL string) wireBlock {
	if strings.HasPrefix(imageURL, "data:") {
		meta, data, found := strings.Cut(strings.TrimPrefix(imageURL, "data:"), ",")
		if found {
			mediaType, _, _ := strings.Cut(meta, ";")
			return wireBlock{Type: "image", Source: &wireSource{
				Type:      "base64",
				MediaType: mediaType,
				Data:      data,
			}}
		}
	}
	return wireBlock{Type: "image", Source: &wireSource{Type: "url", URL: imageURL}}
}

func transformTools(tools []types.Tool) []wireTool {
	result := make([]wireTool, 0, len(tools))
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		result = append(result, wireTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	return result
}

func transformToolChoice(raw json.RawMessage) *wireToolChoice {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return &wireToolChoice{Type: "auto"}
		case "required":
			return &wireToolChoice{Type: "any"}
		case "none":
			return &wireToolChoice{Type: "none"}
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &wireToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// TransformResponse parses a Messages API response into the normalized
// shape. Thinking blocks land in reasoning_content.
func (a *Adapter) TransformResponse(resp *http.Response, req *types.Request) (*types.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var content, reasoning string
	var toolCalls []types.ToolCall
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "thinking":
			reasoning += block.Thinking
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	chat := &types.ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   wire.Model,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.ResponseMessage{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: reasoning,
				ToolCalls:        toolCalls,
			},
			FinishReason: mapStopReason(wire.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}
	return &types.Response{Chat: chat}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// Per-stream scratch keys: block index -> kind ("tool_use" etc.) and the
// running OpenAI tool-call index for tool_use blocks.
const (
	scratchBlockKind = "block_kind:"
	scratchToolIdx   = "tool_idx:"
	scratchNextTool  = "next_tool_idx"
	scratchInputTok  = "input_tokens"
)

// TransformStreamChunk translates Messages API stream events. Text deltas
// become delta.content, thinking deltas become delta.reasoning_content,
// tool_use blocks become incremental tool-call fragments grouped by index.
func (a *Adapter) TransformStreamChunk(data []byte, state *provider.StreamState) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var event wireStreamEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil && event.Message.Usage.InputTokens > 0 {
			state.Scratch[scratchInputTok] = event.Message.Usage.InputTokens
		}
		chunk := &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Delta: types.StreamDelta{Role: "assistant"},
			}},
		}
		if event.Message != nil {
			chunk.ID = event.Message.ID
			chunk.Model = event.Message.Model
		}
		return chunk, nil

	case "content_block_start":
		if event.ContentBlock == nil {
			return nil, nil
		}
		state.Scratch[scratchBlockKind+strconv.Itoa(event.Index)] = event.ContentBlock.Type
		if event.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		toolIdx := nextToolIndex(state)
		state.Scratch[scratchToolIdx+strconv.Itoa(event.Index)] = toolIdx
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
					Index: &toolIdx,
					ID:    event.ContentBlock.ID,
					Type:  "function",
					Function: types.ToolCallFunction{
						Name: event.ContentBlock.Name,
					},
				}}},
			}},
		}, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return &types.StreamChunk{
				Object: "chat.completion.chunk",
				Choices: []types.StreamChoice{{
					Delta: types.StreamDelta{Content: types.StrPtr(event.Delta.Text)},
				}},
			}, nil
		case "thinking_delta":
			return &types.StreamChunk{
				Object: "chat.completion.chunk",
				Choices: []types.StreamChoice{{
					Delta: types.StreamDelta{ReasoningContent: types.StrPtr(event.Delta.Thinking)},
				}},
			}, nil
		case "input_json_delta":
			rawIdx, ok := state.Scratch[scratchToolIdx+strconv.Itoa(event.Index)]
			if !ok {
				return nil, nil
			}
			toolIdx := rawIdx.(int)
			return &types.StreamChunk{
				Object: "chat.completion.chunk",
				Choices: []types.StreamChoice{{
					Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
						Index:    &toolIdx,
						Function: types.ToolCallFunction{Arguments: event.Delta.PartialJSON},
					}}},
				}},
			}, nil
		}
		return nil, nil

	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == "" {
			return nil, nil
		}
		chunk := &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				FinishReason: mapStopReason(event.Delta.StopReason),
			}},
		}
		if event.Usage != nil {
			input, _ := state.Scratch[scratchInputTok].(int)
			chunk.Usage = &types.Usage{
				PromptTokens:     input,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      input + event.Usage.OutputTokens,
			}
		}
		return chunk, nil
	}
	return nil, nil
}

func nextToolIndex(state *provider.StreamState) int {
	idx, _ := state.Scratch[scratchNextTool].(int)
	state.Scratch[scratchNextTool] = idx + 1
	return idx
}

// MapError converts an error response to a standardized error.
func (a *Adapter) MapError(statusCode int, body []byte, headers http.Header) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return errors.NewAuthenticationError(ProviderName, "", message)
	case http.StatusForbidden:
		return errors.NewPermissionDeniedError(ProviderName, "", message)
	case http.StatusTooManyRequests:
		llmErr := errors.NewRateLimitError(ProviderName, "", message)
		if raw := headers.Get("retry-after"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				llmErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		llmErr.ResponseHeaders = headers
		return llmErr
	case http.StatusBadRequest:
		if strings.Contains(message, "prompt is too long") {
			return errors.NewContextLengthError(ProviderName, "", message)
		}
		return errors.NewInvalidRequestError(ProviderName, "", message)
	case http.StatusNotFound:
		return errors.NewNotFoundError(ProviderName, "", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTimeoutError(ProviderName, "", message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, 529:
		return errors.NewServiceUnavailableError(ProviderName, "", message)
	default:
		return errors.NewInternalError(ProviderName, "", message)
	}
}
