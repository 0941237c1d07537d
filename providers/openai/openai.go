// Package openai provides the OpenAI adapter. It serves as the reference
// implementation for other provider adapters.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Adapter implements the OpenAI API adapter.
type Adapter struct {
	name    string
	baseURL string
}

// New creates the adapter.
func New() provider.Adapter {
	return &Adapter{name: ProviderName, baseURL: DefaultBaseURL}
}

// NewCompatible creates an adapter for an OpenAI-compatible endpoint under
// a different provider name. Used by gateways like OpenRouter and by
// self-hosted compatible servers.
func NewCompatible(name, baseURL string) *Adapter {
	return &Adapter{name: name, baseURL: baseURL}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return a.name }

// Capabilities reports supported features.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsStreaming:      true,
		SupportsTools:          true,
		SupportsResponseFormat: true,
		SupportsPromptCaching:  true,
	}
}

// CountTokens estimates prompt tokens with tiktoken.
func (a *Adapter) CountTokens(model string, req *types.Request) (int, bool) {
	return tokenizer.EstimatePromptTokens(model, req)
}

// ValidateEnvironment checks credentials and returns the upstream headers.
func (a *Adapter) ValidateEnvironment(headers http.Header, _ string, req *types.Request, creds provider.Credentials) (http.Header, error) {
	apiKey := creds.Get(provider.CredAPIKey)
	if apiKey == "" {
		return nil, errors.NewAuthenticationError(a.name, "", "missing api_key")
	}

	out := http.Header{}
	for k, vs := range headers {
		out[k] = vs
	}
	out.Set("Authorization", "Bearer "+apiKey)
	if req != nil {
		for k, v := range req.ExtraHeaders {
			out.Set(k, v)
		}
	}
	return out, nil
}

// BaseURL returns the effective endpoint for the given credentials.
func (a *Adapter) BaseURL(creds provider.Credentials) string {
	if base := creds.Get(provider.CredAPIBase); base != "" {
		return strings.TrimSuffix(base, "/")
	}
	return a.baseURL
}

// TransformRequest builds the HTTP request for the endpoint kind.
func (a *Adapter) TransformRequest(ctx context.Context, model string, req *types.Request, creds provider.Credentials) (*http.Request, error) {
	base := a.BaseURL(creds)

	var (
		httpReq *http.Request
		err     error
	)
	switch req.Kind {
	case types.KindCompletion, types.KindAnthropicMessages:
		httpReq, err = a.jsonRequest(ctx, base+"/chat/completions", chatPayload(model, req))
	case types.KindEmbedding:
		httpReq, err = a.jsonRequest(ctx, base+"/embeddings", embeddingPayload(model, req.Embedding))
	case types.KindImageGeneration:
		httpReq, err = a.jsonRequest(ctx, base+"/images/generations", imagePayload(model, req.Image))
	case types.KindSpeech:
		httpReq, err = a.jsonRequest(ctx, base+"/audio/speech", speechPayload(model, req.Speech))
	case types.KindTranscription:
		httpReq, err = a.multipartRequest(ctx, base+"/audio/transcriptions", model, req.Transcription)
	case types.KindResponses:
		httpReq, err = a.jsonRequest(ctx, base+"/responses", responsesPayload(model, req))
	default:
		return nil, fmt.Errorf("openai: unsupported endpoint kind %q", req.Kind)
	}
	if err != nil {
		return nil, err
	}

	headers, err := a.ValidateEnvironment(httpReq.Header, model, req, creds)
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers
	return httpReq, nil
}

func (a *Adapter) jsonRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (a *Adapter) multipartRequest(ctx context.Context, url, model string, req *types.TranscriptionRequest) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := req.FileName
	if name == "" {
		name = "audio"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.File); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}

	fields := map[string]string{
		"model":           model,
		"language":        req.Language,
		"prompt":          req.Prompt,
		"response_format": req.ResponseFormat,
	}
	if req.Temperature != nil {
		fields["temperature"] = strconv.FormatFloat(*req.Temperature, 'f', -1, 64)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	return httpReq, nil
}

// chatPayload substitutes the upstream model name without mutating the
// caller's request. Message content, including multimodal image_url
// parts, passes through verbatim.
func chatPayload(model string, req *types.Request) *types.ChatRequest {
	out := *req.Chat
	out.Model = model
	out.Stream = req.Stream
	if req.Stream && out.StreamOptions == nil {
		out.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}
	return &out
}

func embeddingPayload(model string, req *types.EmbeddingRequest) *types.EmbeddingRequest {
	out := *req
	out.Model = model
	return &out
}

func imagePayload(model string, req *types.ImageRequest) *types.ImageRequest {
	out := *req
	out.Model = model
	return &out
}

func speechPayload(model string, req *types.SpeechRequest) *types.SpeechRequest {
	out := *req
	out.Model = model
	return &out
}

func responsesPayload(model string, req *types.Request) *types.ResponsesRequest {
	out := *req.Responses
	out.Model = model
	out.Stream = req.Stream
	return &out
}

// TransformResponse parses a provider response into the normalized shape.
func (a *Adapter) TransformResponse(resp *http.Response, req *types.Request) (*types.Response, error) {
	if req.Kind == types.KindSpeech {
		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return &types.Response{Speech: &types.SpeechResponse{
			Audio:       audio,
			ContentType: resp.Header.Get("Content-Type"),
		}}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &types.Response{}
	var target any
	switch req.Kind {
	case types.KindCompletion, types.KindAnthropicMessages:
		out.Chat = &types.ChatResponse{}
		target = out.Chat
	case types.KindEmbedding:
		out.Embedding = &types.EmbeddingResponse{}
		target = out.Embedding
	case types.KindImageGeneration:
		out.Image = &types.ImageResponse{}
		target = out.Image
	case types.KindTranscription:
		out.Transcription = &types.TranscriptionResponse{}
		target = out.Transcription
	case types.KindResponses:
		out.Responses = &types.ResponsesResponse{}
		target = out.Responses
	default:
		return nil, fmt.Errorf("openai: unsupported endpoint kind %q", req.Kind)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return out, nil
}

// TransformStreamChunk parses a single SSE payload line.
func (a *Adapter) TransformStreamChunk(data []byte, _ *provider.StreamState) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return &chunk, nil
}

// MapError converts an error response to a standardized error.
func (a *Adapter) MapError(statusCode int, body []byte, headers http.Header) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return errors.NewAuthenticationError(a.name, "", message)
	case http.StatusForbidden:
		return errors.NewPermissionDeniedError(a.name, "", message)
	case http.StatusTooManyRequests:
		llmErr := errors.NewRateLimitError(a.name, "", message)
		llmErr.RetryAfter = parseRetryAfter(headers)
		llmErr.ResponseHeaders = headers
		return llmErr
	case http.StatusBadRequest:
		if errResp.Error.Code == "context_length_exceeded" || strings.Contains(message, "maximum context length") {
			return errors.NewContextLengthError(a.name, "", message)
		}
		return errors.NewInvalidRequestError(a.name, "", message)
	case http.StatusNotFound:
		return errors.NewNotFoundError(a.name, "", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTimeoutError(a.name, "", message)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return errors.NewServiceUnavailableError(a.name, "", message)
	default:
		return errors.NewInternalError(a.name, "", message)
	}
}

func parseRetryAfter(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
