// Package azure provides the Azure OpenAI adapter. Azure uses the OpenAI
// wire format but addresses deployments by name under the resource URL and
// authenticates with an api-key header.
package azure

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/providers/openai"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "azure"

	// DefaultAPIVersion is used when the deployment sets none.
	DefaultAPIVersion = "2024-06-01"
)

// Adapter implements the Azure OpenAI adapter. Parsing is shared with the
// OpenAI adapter; only addressing and authentication differ.
type Adapter struct {
	compat *openai.Adapter
}

// New creates the adapter.
func New() provider.Adapter {
	return &Adapter{compat: openai.NewCompatible(ProviderName, "")}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return ProviderName }

// Capabilities reports supported features.
func (a *Adapter) Capabilities() provider.Capabilities {
	return a.compat.Capabilities()
}

// CountTokens estimates prompt tokens. The model here is the Azure
// deployment name; callers pass base_model when set so the right encoding
// is found.
func (a *Adapter) CountTokens(model string, req *types.Request) (int, bool) {
	return a.compat.CountTokens(model, req)
}

// ValidateEnvironment checks credentials and returns the upstream headers.
func (a *Adapter) ValidateEnvironment(headers http.Header, _ string, req *types.Request, creds provider.Credentials) (http.Header, error) {
	apiKey := creds.Get(provider.CredAPIKey)
	if apiKey == "" {
		return nil, errors.NewAuthenticationError(ProviderName, "", "missing api_key")
	}
	if creds.Get(provider.CredAPIBase) == "" {
		return nil, errors.NewAuthenticationError(ProviderName, "", "missing api_base")
	}

	out := http.Header{}
	for k, vs := range headers {
		out[k] = vs
	}
	out.Set("api-key", apiKey)
	if req != nil {
		for k, v := range req.ExtraHeaders {
			out.Set(k, v)
		}
	}
	return out, nil
}

// TransformRequest builds the deployment-scoped Azure request: the shared
// adapter supplies the body and operation path under the deployment base,
// then the URL gains api-version and auth switches to the api-key header.
func (a *Adapter) TransformRequest(ctx context.Context, model string, req *types.Request, creds provider.Credentials) (*http.Request, error) {
	endpoint, err := a.endpoint(model, creds)
	if err != nil {
		return nil, err
	}

	scoped := provider.Credentials{
		provider.CredAPIKey:  creds.Get(provider.CredAPIKey),
		provider.CredAPIBase: endpoint,
	}
	httpReq, err := a.compat.TransformRequest(ctx, model, req, scoped)
	if err != nil {
		return nil, err
	}

	apiVersion := creds.Get(provider.CredAPIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	q := httpReq.URL.Query()
	q.Set("api-version", apiVersion)
	httpReq.URL.RawQuery = q.Encode()

	httpReq.Header.Del("Authorization")
	httpReq.Header.Set("api-key", creds.Get(provider.CredAPIKey))
	return httpReq, nil
}

// endpoint computes the deployment base so the shared adapter's operation
// suffix lands on /openai/deployments/{name}/{operation}.
func (a *Adapter) endpoint(deploymentName string, creds provider.Credentials) (string, error) {
	rawBase := creds.Get(provider.CredAPIBase)
	if rawBase == "" {
		return "", errors.NewAuthenticationError(ProviderName, "", "missing api_base")
	}
	base, err := url.Parse(strings.TrimSuffix(rawBase, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api_base: %w", err)
	}
	base.Path += "/openai/deployments/" + url.PathEscape(deploymentName)
	return base.String(), nil
}

// TransformResponse parses a provider response into the normalized shape.
func (a *Adapter) TransformResponse(resp *http.Response, req *types.Request) (*types.Response, error) {
	return a.compat.TransformResponse(resp, req)
}

// TransformStreamChunk parses a single SSE payload line.
func (a *Adapter) TransformStreamChunk(data []byte, state *provider.StreamState) (*types.StreamChunk, error) {
	return a.compat.TransformStreamChunk(data, state)
}

// MapError converts an error response to a standardized error.
func (a *Adapter) MapError(statusCode int, body []byte, headers http.Header) error {
	return a.compat.MapError(statusCode, body, headers)
}
