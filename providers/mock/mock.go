// Package mock provides a deterministic in-test adapter. It speaks the
// OpenAI wire format against a caller-supplied base URL (usually an
// httptest server) and exposes function hooks so tests can fault-inject
// any step of the adapter contract.
package mock

import (
	"context"
	"net/http"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/providers/openai"
)

// ProviderName is the identifier for this provider.
const ProviderName = "mock"

// Adapter delegates to an OpenAI-compatible adapter, with every method
// overridable through a hook.
type Adapter struct {
	compat *openai.Adapter

	TransformRequestFn     func(ctx context.Context, model string, req *types.Request, creds provider.Credentials) (*http.Request, error)
	TransformResponseFn    func(resp *http.Response, req *types.Request) (*types.Response, error)
	TransformStreamChunkFn func(data []byte, state *provider.StreamState) (*types.StreamChunk, error)
	MapErrorFn             func(statusCode int, body []byte, headers http.Header) error
	CountTokensFn          func(model string, req *types.Request) (int, bool)
}

// New creates a mock adapter. baseURL is typically an httptest server;
// an empty baseURL relies on the api_base credential of each deployment.
func New(baseURL string) *Adapter {
	return &Adapter{compat: openai.NewCompatible(ProviderName, baseURL)}
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) Capabilities() provider.Capabilities {
	return a.compat.Capabilities()
}

func (a *Adapter) CountTokens(model string, req *types.Request) (int, bool) {
	if a.CountTokensFn != nil {
		return a.CountTokensFn(model, req)
	}
	return a.compat.CountTokens(model, req)
}

func (a *Adapter) ValidateEnvironment(headers http.Header, model string, req *types.Request, creds provider.Credentials) (http.Header, error) {
	if creds.Get(provider.CredAPIKey) == "" {
		creds = provider.Credentials{provider.CredAPIKey: "mock-key", provider.CredAPIBase: creds.Get(provider.CredAPIBase)}
	}
	return a.compat.ValidateEnvironment(headers, model, req, creds)
}

func (a *Adapter) TransformRequest(ctx context.Context, model string, req *types.Request, creds provider.Credentials) (*http.Request, error) {
	if a.TransformRequestFn != nil {
		return a.TransformRequestFn(ctx, model, req, creds)
	}
	if creds.Get(provider.CredAPIKey) == "" {
		merged := provider.Credentials{provider.CredAPIKey: "mock-key"}
		for k, v := range creds {
			merged[k] = v
		}
		creds = merged
	}
	return a.compat.TransformRequest(ctx, model, req, creds)
}

func (a *Adapter) TransformResponse(resp *http.Response, req *types.Request) (*types.Response, error) {
	if a.TransformResponseFn != nil {
		return a.TransformResponseFn(resp, req)
	}
	return a.compat.TransformResponse(resp, req)
}

func (a *Adapter) TransformStreamChunk(data []byte, state *provider.StreamState) (*types.StreamChunk, error) {
	if a.TransformStreamChunkFn != nil {
		return a.TransformStreamChunkFn(data, state)
	}
	return a.compat.TransformStreamChunk(data, state)
}

func (a *Adapter) MapError(statusCode int, body []byte, headers http.Header) error {
	if a.MapErrorFn != nil {
		return a.MapErrorFn(statusCode, body, headers)
	}
	return a.compat.MapError(statusCode, body, headers)
}
