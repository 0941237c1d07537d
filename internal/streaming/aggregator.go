package streaming

import (
	"sort"
	"strings"

	"github.com/modelmux/modelmux/pkg/types"
)

// Aggregator reconstructs a complete chat response from a stream of
// chunks. Chunks are forwarded to the client unmodified apart from
// NormalizeChunk; the aggregator only observes them.
type Aggregator struct {
	id                string
	object            string
	created           int64
	model             string
	systemFingerprint string

	choices map[int]*choiceState
	usage   *types.Usage
}

type choiceState struct {
	role         string
	content      strings.Builder
	reasoning    strings.Builder
	finishReason string

	toolCalls map[int]*toolCallState
	toolOrder []int
}

type toolCallState struct {
	id        string
	typ       string
	name      string
	arguments strings.Builder
}

// NewAggregator creates an empty reconstruction buffer.
func NewAggregator() *Aggregator {
	return &Aggregator{choices: make(map[int]*choiceState)}
}

// Add observes one chunk. Envelope fields come from the first chunk that
// sets them; usage from the last non-null occurrence.
func (a *Aggregator) Add(chunk *types.StreamChunk) {
	if chunk == nil {
		return
	}
	if a.id == "" {
		a.id = chunk.ID
	}
	if a.object == "" {
		a.object = chunk.Object
	}
	if a.created == 0 {
		a.created = chunk.Created
	}
	if a.model == "" {
		a.model = chunk.Model
	}
	if a.systemFingerprint == "" {
		a.systemFingerprint = chunk.SystemFingerprint
	}
	if chunk.Usage != nil {
		a.usage = cloneUsage(chunk.Usage)
	}

	for _, choice := range chunk.Choices {
		a.addChoice(choice)
	}
}

func (a *Aggregator) addChoice(choice types.StreamChoice) {
	state, ok := a.choices[choice.Index]
	if !ok {
		state = &choiceState{toolCalls: make(map[int]*toolCallState)}
		a.choices[choice.Index] = state
	}

	if state.role == "" && choice.Delta.Role != "" {
		state.role = choice.Delta.Role
	}
	if choice.Delta.Content != nil {
		state.content.WriteString(*choice.Delta.Content)
	}
	if choice.Delta.ReasoningContent != nil {
		state.reasoning.WriteString(*choice.Delta.ReasoningContent)
	}
	if choice.FinishReason != "" {
		state.finishReason = choice.FinishReason
	}

	for pos, tc := range choice.Delta.ToolCalls {
		idx := pos
		if tc.Index != nil {
			idx = *tc.Index
		}
		call, ok := state.toolCalls[idx]
		if !ok {
			call = &toolCallState{}
			state.toolCalls[idx] = call
			state.toolOrder = append(state.toolOrder, idx)
		}
		// Identity fields come from the first chunk that provides them;
		// a later chunk that repeats them with a new value wins.
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Type != "" {
			call.typ = tc.Type
		}
		if tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		call.arguments.WriteString(tc.Function.Arguments)
	}
}

// Final assembles the reconstructed response. Equivalent to what the
// non-streaming call would have returned, minus provider fields the
// stream never carried.
func (a *Aggregator) Final() *types.ChatResponse {
	indices := make([]int, 0, len(a.choices))
	for idx := range a.choices {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	choices := make([]types.Choice, 0, len(indices))
	for _, idx := range indices {
		state := a.choices[idx]
		role := state.role
		if role == "" {
			role = "assistant"
		}

		var calls []types.ToolCall
		for _, tcIdx := range state.toolOrder {
			call := state.toolCalls[tcIdx]
			i := tcIdx
			calls = append(calls, types.ToolCall{
				Index: &i,
				ID:    call.id,
				Type:  call.typ,
				Function: types.ToolCallFunction{
					Name:      call.name,
					Arguments: call.arguments.String(),
				},
			})
		}

		choices = append(choices, types.Choice{
			Index: idx,
			Message: types.ResponseMessage{
				Role:             role,
				Content:          state.content.String(),
				ReasoningContent: state.reasoning.String(),
				ToolCalls:        calls,
			},
			FinishReason: state.finishReason,
		})
	}

	object := a.object
	if object == "" {
		object = "chat.completion"
	} else {
		object = strings.Replace(object, "chat.completion.chunk", "chat.completion", 1)
	}

	return &types.ChatResponse{
		ID:                a.id,
		Object:            object,
		Created:           a.created,
		Model:             a.model,
		Choices:           choices,
		Usage:             cloneUsage(a.usage),
		SystemFingerprint: a.systemFingerprint,
	}
}

// Usage returns the last observed usage, for partial accounting when the
// client cancels mid-stream. Nil when no chunk carried usage.
func (a *Aggregator) Usage() *types.Usage {
	return cloneUsage(a.usage)
}

// NormalizeChunk enforces the terminal-delta contract before a chunk is
// handed to the client: a choice carrying a finish reason always has
// content "" rather than null. Clients concatenate delta content without
// null checks and depend on this.
func NormalizeChunk(chunk *types.StreamChunk) {
	if chunk == nil {
		return
	}
	for i := range chunk.Choices {
		choice := &chunk.Choices[i]
		if choice.FinishReason != "" && choice.Delta.Content == nil {
			choice.Delta.Content = types.StrPtr("")
		}
	}
}

func cloneUsage(u *types.Usage) *types.Usage {
	if u == nil {
		return nil
	}
	out := *u
	if u.Cost != nil {
		cost := *u.Cost
		out.Cost = &cost
	}
	return &out
}
