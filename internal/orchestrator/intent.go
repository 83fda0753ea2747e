package orchestrator

import (
	"context"
	"strings"
)

// Intent is the analyzed shape of a user query.
type Intent struct {
	SubIntents   []string `json:"sub_intents"`
	Pattern      Pattern  `json:"pattern"`
	Complexity   float64  `json:"complexity"` // [0,1]
	Capabilities []string `json:"capabilities"`
}

// IntentAnalyzer turns a free-form query into an executable intent.
// Production deployments wire an LLM-backed analyzer; the keyword
// analyzer below is the dependency-free default and the test fixture.
type IntentAnalyzer interface {
	Analyze(ctx context.Context, query string) (*Intent, error)
}

// KeywordAnalyzer is a heuristic analyzer: it splits the query on
// coordinating connectives and guesses the pattern from marker words.
type KeywordAnalyzer struct{}

// Markers are checked in order so a query containing several resolves
// the same way every run.
var patternMarkers = []struct {
	marker  string
	pattern Pattern
}{
	{"consensus", PatternConsensus},
	{"agree", PatternConsensus},
	{"vote", PatternVote},
	{"debate", PatternDebate},
	{"discuss", PatternDebate},
	{"brainstorm", PatternSwarm},
	{"explore", PatternSwarm},
	{"compare", PatternParallel},
}

func (KeywordAnalyzer) Analyze(_ context.Context, query string) (*Intent, error) {
	lower := strings.ToLower(query)

	pattern := PatternSequential
	for _, m := range patternMarkers {
		if strings.Contains(lower, m.marker) {
			pattern = m.pattern
			break
		}
	}

	parts := strings.Split(lower, " and ")
	subIntents := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			subIntents = append(subIntents, p)
		}
	}
	if len(subIntents) == 0 {
		subIntents = []string{lower}
	}
	if len(subIntents) > 1 && pattern == PatternSequential {
		pattern = PatternParallel
	}

	complexity := float64(len(subIntents)) / 5.0
	if complexity > 1 {
		complexity = 1
	}

	caps := make([]string, 0, len(subIntents))
	for _, s := range subIntents {
		if fields := strings.Fields(s); len(fields) > 0 {
			caps = append(caps, fields[0])
		}
	}
	return &Intent{
		SubIntents:   subIntents,
		Pattern:      pattern,
		Complexity:   complexity,
		Capabilities: caps,
	}, nil
}
