package orchestrator

import (
	"encoding/json"
	"sort"
)

// Pattern selects the synthesis strategy for a plan's results.
type Pattern string

const (
	PatternSequential Pattern = "sequential"
	PatternParallel   Pattern = "parallel"
	PatternVote       Pattern = "vote"
	PatternDebate     Pattern = "debate"
	PatternSwarm      Pattern = "swarm"
	PatternConsensus  Pattern = "consensus"
)

// Pattern iteration defaults.
const (
	DefaultDebateRounds    = 3
	DefaultSwarmIterations = 3
	SwarmKnowledgeCutoff   = 0.7
	DefaultConsensusRounds = 5
	ConsensusThreshold     = 0.66
)

// Result is one agent's output for one node, in one round.
type Result struct {
	NodeID     string         `json:"node_id"`
	AgentID    string         `json:"agent_id"`
	Output     map[string]any `json:"output"`
	Confidence float64        `json:"confidence"`
	Trust      float64        `json:"trust"`   // agent trust at execution time
	Quality    float64        `json:"quality"` // agent quality dimension
}

// Synthesis is the merged outcome of a plan.
type Synthesis struct {
	Output     map[string]any `json:"output"`
	Confidence float64        `json:"confidence"`
}

// Synthesize folds per-round results into one outcome. It is a pure
// function: rounds[len-1] is the final round, earlier rounds matter
// only for consensus termination which the engine handles before
// calling in.
func Synthesize(pattern Pattern, rounds [][]Result) Synthesis {
	if len(rounds) == 0 || len(rounds[len(rounds)-1]) == 0 {
		return Synthesis{Output: map[string]any{}, Confidence: 0}
	}
	final := rounds[len(rounds)-1]

	switch pattern {
	case PatternSequential:
		last := final[len(final)-1]
		return Synthesis{Output: last.Output, Confidence: last.Confidence}

	case PatternParallel, PatternSwarm:
		return mergeAll(final)

	case PatternVote, PatternConsensus:
		return weightedVote(final)

	case PatternDebate:
		best := final[0]
		for _, r := range final[1:] {
			if r.Confidence*r.Quality > best.Confidence*best.Quality {
				best = r
			}
		}
		return Synthesis{Output: best.Output, Confidence: best.Confidence}

	default:
		return mergeAll(final)
	}
}

// mergeAll collects every output under its agent id; confidence is the
// mean.
func mergeAll(results []Result) Synthesis {
	merged := make(map[string]any, len(results))
	var sum float64
	for _, r := range results {
		merged[r.AgentID] = r.Output
		sum += r.Confidence
	}
	return Synthesis{
		Output:     map[string]any{"merged": merged},
		Confidence: sum / float64(len(results)),
	}
}

// weightedVote groups identical outputs and sums each group's trust;
// the heaviest group wins with confidence = weight share.
func weightedVote(results []Result) Synthesis {
	type bucket struct {
		output map[string]any
		weight float64
	}
	buckets := make(map[string]*bucket)
	var total float64
	for _, r := range results {
		key := canonical(r.Output)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{output: r.Output}
			buckets[key] = b
		}
		b.weight += r.Trust
		total += r.Trust
	}
	if total == 0 {
		return mergeAll(results)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var winner *bucket
	for _, k := range keys {
		if winner == nil || buckets[k].weight > winner.weight {
			winner = buckets[k]
		}
	}
	return Synthesis{Output: winner.output, Confidence: winner.weight / total}
}

// ConsensusReached reports whether one answer holds more than the
// threshold share of identical outputs in a round.
func ConsensusReached(results []Result, threshold float64) bool {
	if len(results) == 0 {
		return false
	}
	counts := make(map[string]int)
	for _, r := range results {
		counts[canonical(r.Output)]++
	}
	for _, n := range counts {
		if float64(n)/float64(len(results)) > threshold {
			return true
		}
	}
	return false
}

// canonical serializes an output for grouping. encoding/json sorts map
// keys, so equal maps encode identically.
func canonical(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
