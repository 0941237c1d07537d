package registry

import (
	"log/slog"
	"strings"

	"github.com/modelmux/modelmux/pkg/provider"
)

// ModelInfo carries the pricing and context-window metadata for a
// provider+model pair.
type ModelInfo struct {
	MaxInputTokens     int
	MaxOutputTokens    int
	InputCostPerToken  float64
	OutputCostPerToken float64
	Known              bool
}

// Built-in metadata for common models. Keys are bare upstream model names;
// provider prefixes are stripped before lookup.
var modelInfoTable = map[string]ModelInfo{
	"gpt-4o":                   {MaxInputTokens: 128000, MaxOutputTokens: 16384, InputCostPerToken: 2.5e-6, OutputCostPerToken: 10e-6, Known: true},
	"gpt-4o-mini":              {MaxInputTokens: 128000, MaxOutputTokens: 16384, InputCostPerToken: 0.15e-6, OutputCostPerToken: 0.6e-6, Known: true},
	"gpt-4":                    {MaxInputTokens: 8192, MaxOutputTokens: 4096, InputCostPerToken: 30e-6, OutputCostPerToken: 60e-6, Known: true},
	"gpt-4-turbo":              {MaxInputTokens: 128000, MaxOutputTokens: 4096, InputCostPerToken: 10e-6, OutputCostPerToken: 30e-6, Known: true},
	"gpt-3.5-turbo":            {MaxInputTokens: 16385, MaxOutputTokens: 4096, InputCostPerToken: 0.5e-6, OutputCostPerToken: 1.5e-6, Known: true},
	"o1":                       {MaxInputTokens: 200000, MaxOutputTokens: 100000, InputCostPerToken: 15e-6, OutputCostPerToken: 60e-6, Known: true},
	"o1-mini":                  {MaxInputTokens: 128000, MaxOutputTokens: 65536, InputCostPerToken: 1.1e-6, OutputCostPerToken: 4.4e-6, Known: true},
	"claude-3-5-sonnet-latest": {MaxInputTokens: 200000, MaxOutputTokens: 8192, InputCostPerToken: 3e-6, OutputCostPerToken: 15e-6, Known: true},
	"claude-3-5-haiku-latest":  {MaxInputTokens: 200000, MaxOutputTokens: 8192, InputCostPerToken: 0.8e-6, OutputCostPerToken: 4e-6, Known: true},
	"claude-3-opus-latest":     {MaxInputTokens: 200000, MaxOutputTokens: 4096, InputCostPerToken: 15e-6, OutputCostPerToken: 75e-6, Known: true},
	"gemini-1.5-pro":           {MaxInputTokens: 2097152, MaxOutputTokens: 8192, InputCostPerToken: 1.25e-6, OutputCostPerToken: 5e-6, Known: true},
	"gemini-1.5-flash":         {MaxInputTokens: 1048576, MaxOutputTokens: 8192, InputCostPerToken: 0.075e-6, OutputCostPerToken: 0.3e-6, Known: true},
	"mistral-large-latest":     {MaxInputTokens: 128000, MaxOutputTokens: 4096, InputCostPerToken: 2e-6, OutputCostPerToken: 6e-6, Known: true},
	"text-embedding-3-small":   {MaxInputTokens: 8191, InputCostPerToken: 0.02e-6, Known: true},
	"text-embedding-3-large":   {MaxInputTokens: 8191, InputCostPerToken: 0.13e-6, Known: true},
}

// ResolveModelInfo returns the metadata for a deployment. For Azure
// deployments the upstream model name is a customer-chosen deployment
// name, so BaseModel is consulted when set. When neither yields a known
// model an unknown sentinel is returned and a DEBUG diagnostic emitted:
// Azure deployments without base_model are common and legitimate, so this
// is never an error.
func (r *Registry) ResolveModelInfo(d *provider.Deployment) ModelInfo {
	candidates := []string{d.UpstreamModel}
	if d.Provider == "azure" && d.BaseModel != "" {
		candidates = []string{d.BaseModel, d.UpstreamModel}
	}

	for _, name := range candidates {
		if info, ok := lookupModelInfo(name); ok {
			if d.Limits.MaxInputTokens > 0 {
				info.MaxInputTokens = d.Limits.MaxInputTokens
			}
			if d.Limits.MaxOutputTokens > 0 {
				info.MaxOutputTokens = d.Limits.MaxOutputTokens
			}
			return info
		}
	}

	r.logger.Debug("no model metadata for deployment",
		"deployment_id", d.ID,
		"provider", d.Provider,
		"model", d.UpstreamModel,
		slog.String("hint", "set base_model for Azure deployments to enable context-window checks"),
	)
	return ModelInfo{
		MaxInputTokens:  d.Limits.MaxInputTokens,
		MaxOutputTokens: d.Limits.MaxOutputTokens,
	}
}

func lookupModelInfo(name string) (ModelInfo, bool) {
	if name == "" {
		return ModelInfo{}, false
	}
	// Strip provider prefixes like "azure/" or "openai/".
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	info, ok := modelInfoTable[name]
	return info, ok
}
