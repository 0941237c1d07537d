// Package tokenizer provides token counting helpers for router pre-call
// checks and usage-based routing.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/modelmux/modelmux/pkg/types"
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for the given text using
// tiktoken. If no encoding is available, it falls back to a conservative
// len/4 estimate.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePromptTokens estimates prompt tokens for a normalized request.
// Returns (0, false) when the request kind carries no estimable prompt;
// callers must not drop candidates on an unknown estimate.
func EstimatePromptTokens(model string, req *types.Request) (int, bool) {
	if req == nil {
		return 0, false
	}

	switch req.Kind {
	case types.KindCompletion, types.KindAnthropicMessages:
		if req.Chat == nil {
			return 0, false
		}
		return estimateChatTokens(model, req.Chat), true
	case types.KindEmbedding:
		if req.Embedding == nil {
			return 0, false
		}
		total := 0
		for _, text := range req.Embedding.Input.Texts {
			total += CountTextTokens(model, text)
		}
		return total, true
	case types.KindResponses:
		if req.Responses == nil {
			return 0, false
		}
		total := CountTextTokens(model, req.Responses.Instructions)
		total += CountTextTokens(model, string(req.Responses.Input))
		return total, true
	default:
		return 0, false
	}
}

func estimateChatTokens(model string, req *types.ChatRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += estimateMessageTokens(model, msg)
	}

	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			total += CountTextTokens(model, string(toolsJSON))
		}
	}
	if len(req.ToolChoice) > 0 {
		total += CountTextTokens(model, string(req.ToolChoice))
	}

	// Small reply primer overhead used by common chat formats.
	total += 3
	return total
}

func estimateMessageTokens(model string, msg types.ChatMessage) int {
	total := 0
	total += CountTextTokens(model, msg.Role)
	total += CountTextTokens(model, msg.Name)
	if text, err := types.ContentText(msg.Content); err == nil {
		total += CountTextTokens(model, text)
	}
	total += toolCallsTokens(model, msg.ToolCalls)
	total += CountTextTokens(model, msg.ToolCallID)

	// Small overhead per message for role/formatting tokens.
	total += 2
	return total
}

func toolCallsTokens(model string, calls []types.ToolCall) int {
	if len(calls) == 0 {
		return 0
	}
	total := 0
	for _, call := range calls {
		total += CountTextTokens(model, call.ID)
		total += CountTextTokens(model, call.Function.Name)
		total += CountTextTokens(model, call.Function.Arguments)
	}
	return total
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
