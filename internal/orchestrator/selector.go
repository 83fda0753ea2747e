package orchestrator

import (
	"context"
	"sort"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/store"
)

// Selection weights. Capability fit dominates; cost efficiency is a
// light nudge toward fast agents.
const (
	selWeightMatch      = 0.4
	selWeightTrust      = 0.3
	selWeightSuccess    = 0.2
	selWeightEfficiency = 0.1
)

// Selector ranks active agents for a plan node.
type Selector struct {
	store store.Store
}

func NewSelector(st store.Store) *Selector { return &Selector{store: st} }

// Pick returns the top-k active agents for the required capabilities,
// highest score first.
func (s *Selector) Pick(ctx context.Context, capabilities []string, k int) ([]*core.Agent, error) {
	if k <= 0 {
		k = 1
	}
	agents, err := s.store.ListAgentsByStatus(ctx, core.AgentActive, 0)
	if err != nil {
		return nil, err
	}

	type scored struct {
		agent *core.Agent
		score float64
	}
	candidates := make([]scored, 0, len(agents))
	for _, a := range agents {
		candidates = append(candidates, scored{agent: a, score: nodeScore(a, capabilities)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]*core.Agent, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].agent
	}
	return out, nil
}

func nodeScore(a *core.Agent, required []string) float64 {
	return selWeightMatch*capabilityMatch(a.Capabilities, required) +
		selWeightTrust*a.TrustScore +
		selWeightSuccess*successRate(a) +
		selWeightEfficiency*costEfficiency(a)
}

func capabilityMatch(have, want []string) float64 {
	if len(want) == 0 {
		return 1.0
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	var hit int
	for _, c := range want {
		if _, ok := set[c]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}

func successRate(a *core.Agent) float64 {
	if a.TotalCalls == 0 {
		return 0.5
	}
	return float64(a.SuccessfulCalls) / float64(a.TotalCalls)
}

// costEfficiency decays with average execution time: instant is 1.0,
// one minute is 0.5.
func costEfficiency(a *core.Agent) float64 {
	if a.AvgDuration <= 0 {
		return 0.5
	}
	return 1.0 / (1.0 + a.AvgDuration/60.0)
}
