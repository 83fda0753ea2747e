package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyze(t *testing.T, query string) *Intent {
	t.Helper()
	intent, err := KeywordAnalyzer{}.Analyze(context.Background(), query)
	require.NoError(t, err)
	return intent
}

func TestAnalyzeSingleTask(t *testing.T) {
	intent := analyze(t, "Translate this document")
	assert.Equal(t, PatternSequential, intent.Pattern)
	require.Len(t, intent.SubIntents, 1)
	assert.Equal(t, "translate this document", intent.SubIntents[0])
	assert.Equal(t, []string{"translate"}, intent.Capabilities)
	assert.InDelta(t, 0.2, intent.Complexity, 1e-9)
}

func TestAnalyzeMultiPartBecomesParallel(t *testing.T) {
	intent := analyze(t, "summarize the report and extract the key figures")
	assert.Equal(t, PatternParallel, intent.Pattern)
	assert.Len(t, intent.SubIntents, 2)
	assert.Equal(t, []string{"summarize", "extract"}, intent.Capabilities)
}

func TestAnalyzeMarkerWords(t *testing.T) {
	cases := map[string]Pattern{
		"compare Go and Rust":            PatternParallel,
		"vote on the best option":        PatternVote,
		"debate the architecture":        PatternDebate,
		"discuss the tradeoffs":          PatternDebate,
		"brainstorm some names":          PatternSwarm,
		"explore the design space":       PatternSwarm,
		"reach consensus on the rollout": PatternConsensus,
		"agree on a date":                PatternConsensus,
	}
	for query, want := range cases {
		assert.Equal(t, want, analyze(t, query).Pattern, "query %q", query)
	}
}

func TestAnalyzeComplexityCapsAtOne(t *testing.T) {
	query := strings.Join([]string{"a", "b", "c", "d", "e", "f"}, " and ")
	intent := analyze(t, query)
	assert.Len(t, intent.SubIntents, 6)
	assert.Equal(t, 1.0, intent.Complexity)
}
