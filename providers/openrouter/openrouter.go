// Package openrouter provides the OpenRouter adapter. OpenRouter exposes
// an OpenAI-compatible surface over many upstream providers and reports
// per-request cost in usage.cost, which the router preserves verbatim
// (zero included).
package openrouter

import (
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/providers/openai"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openrouter"

	// DefaultBaseURL is the default OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"
)

// New creates the adapter. The normalized usage shape carries cost as an
// optional field, so OpenRouter's accounting flows through the shared
// OpenAI-compatible parsing unchanged.
func New() provider.Adapter {
	return openai.NewCompatible(ProviderName, DefaultBaseURL)
}
