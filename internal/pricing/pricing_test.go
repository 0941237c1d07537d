package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupExactBeforePrefix(t *testing.T) {
	table := NewTable(nil)

	r, ok := table.Lookup("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, 0.00015, r.PromptPer1K)

	// "gpt-4-0613" has no exact entry and falls to the gpt-4* family.
	r, ok = table.Lookup("gpt-4-0613")
	require.True(t, ok)
	assert.Equal(t, 0.03, r.PromptPer1K)
}

func TestLookupLongestPrefixWins(t *testing.T) {
	table := NewTable(nil)

	r, ok := table.Lookup("gpt-4-turbo-2024-04-09")
	require.True(t, ok)
	assert.Equal(t, 0.01, r.PromptPer1K)
}

func TestLookupCaseInsensitive(t *testing.T) {
	table := NewTable(nil)

	_, ok := table.Lookup("GPT-4o")
	assert.True(t, ok)
}

func TestEstimateUnknownModelIsNil(t *testing.T) {
	table := NewTable(nil)
	assert.Nil(t, table.Estimate("in-house-llm", 1000, 1000))
}

func TestEstimate(t *testing.T) {
	table := NewTable([]Rate{
		{Pattern: "m", PromptPer1K: 0.01, CompletionPer1K: 0.03},
	})

	cost := table.Estimate("m", 2000, 1000)
	require.NotNil(t, cost)
	assert.InDelta(t, 0.05, *cost, 1e-9)
}

func TestSetReplacesRate(t *testing.T) {
	table := NewTable([]Rate{{Pattern: "m*", PromptPer1K: 0.01}})
	table.Set(Rate{Pattern: "m*", PromptPer1K: 0.02})

	r, ok := table.Lookup("m-large")
	require.True(t, ok)
	assert.Equal(t, 0.02, r.PromptPer1K)
}
