// Package pricing estimates the dollar cost of a completed request from
// its token usage. Rates are keyed by upstream model name, with trailing
// "*" patterns for model families. The estimate feeds usage payloads and
// the spend metric; providers that report an exact cost on the wire
// (OpenRouter) take precedence over the table.
package pricing

import (
	"strings"
	"sync"
)

// Rate holds USD prices per 1000 tokens for one model or model family.
type Rate struct {
	Pattern         string
	PromptPer1K     float64
	CompletionPer1K float64
}

// defaultRates covers the common hosted models. Unknown models simply
// have no estimate; callers see a nil cost, never a zero one.
var defaultRates = []Rate{
	{Pattern: "gpt-4o-mini", PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	{Pattern: "gpt-4o", PromptPer1K: 0.005, CompletionPer1K: 0.015},
	{Pattern: "gpt-4-turbo*", PromptPer1K: 0.01, CompletionPer1K: 0.03},
	{Pattern: "gpt-4*", PromptPer1K: 0.03, CompletionPer1K: 0.06},
	{Pattern: "gpt-3.5-turbo*", PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	{Pattern: "o1*", PromptPer1K: 0.015, CompletionPer1K: 0.06},

	{Pattern: "claude-3-5-sonnet*", PromptPer1K: 0.003, CompletionPer1K: 0.015},
	{Pattern: "claude-3-5-haiku*", PromptPer1K: 0.0008, CompletionPer1K: 0.004},
	{Pattern: "claude-3-opus*", PromptPer1K: 0.015, CompletionPer1K: 0.075},
	{Pattern: "claude-3-haiku*", PromptPer1K: 0.00025, CompletionPer1K: 0.00125},

	{Pattern: "gemini-1.5-pro*", PromptPer1K: 0.00125, CompletionPer1K: 0.005},
	{Pattern: "gemini-1.5-flash*", PromptPer1K: 0.000075, CompletionPer1K: 0.0003},

	{Pattern: "deepseek-chat", PromptPer1K: 0.00014, CompletionPer1K: 0.00028},
	{Pattern: "mistral-large*", PromptPer1K: 0.004, CompletionPer1K: 0.012},
	{Pattern: "mistral-small*", PromptPer1K: 0.001, CompletionPer1K: 0.003},
	{Pattern: "text-embedding-3-small", PromptPer1K: 0.00002},
	{Pattern: "text-embedding-3-large", PromptPer1K: 0.00013},
}

// Table resolves model names to rates. Safe for concurrent use; Set may
// race with Estimate during a config reload.
type Table struct {
	mu    sync.RWMutex
	exact map[string]Rate
	// prefixes is sorted longest-first so the most specific family wins.
	prefixes []Rate
}

// NewTable builds a table from the given rates, or the defaults when nil.
func NewTable(rates []Rate) *Table {
	if rates == nil {
		rates = defaultRates
	}
	t := &Table{exact: make(map[string]Rate)}
	for _, r := range rates {
		t.Set(r)
	}
	return t
}

// Set adds or replaces the rate for one pattern.
func (t *Table) Set(r Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prefix, ok := strings.CutSuffix(r.Pattern, "*"); ok {
		r.Pattern = strings.ToLower(prefix) + "*"
		t.replacePrefixLocked(r)
		return
	}
	t.exact[strings.ToLower(r.Pattern)] = r
}

func (t *Table) replacePrefixLocked(r Rate) {
	for i, p := range t.prefixes {
		if p.Pattern == r.Pattern {
			t.prefixes[i] = r
			return
		}
	}
	pos := 0
	for pos < len(t.prefixes) && len(t.prefixes[pos].Pattern) >= len(r.Pattern) {
		pos++
	}
	t.prefixes = append(t.prefixes, Rate{})
	copy(t.prefixes[pos+1:], t.prefixes[pos:])
	t.prefixes[pos] = r
}

// Lookup returns the rate for a model name, trying an exact match before
// the longest matching family prefix.
func (t *Table) Lookup(model string) (Rate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name := strings.ToLower(model)
	if r, ok := t.exact[name]; ok {
		return r, true
	}
	for _, r := range t.prefixes {
		if strings.HasPrefix(name, strings.TrimSuffix(r.Pattern, "*")) {
			return r, true
		}
	}
	return Rate{}, false
}

// Estimate returns the USD cost for the token counts, or nil when the
// model has no known rate.
func (t *Table) Estimate(model string, promptTokens, completionTokens int) *float64 {
	r, ok := t.Lookup(model)
	if !ok {
		return nil
	}
	cost := float64(promptTokens)/1000*r.PromptPer1K +
		float64(completionTokens)/1000*r.CompletionPer1K
	return &cost
}
