package contracts

import (
	"sort"

	"github.com/agentmesh/hub/internal/core"
)

// Award strategy names accepted on contract creation.
const (
	StrategyLowestPrice        = "lowest_price"
	StrategyFastest            = "fastest"
	StrategyHighestTrust       = "highest_trust"
	StrategyReputationWeighted = "reputation_weighted"
)

// Weights drives reputation_weighted scoring. Callers without a stored
// preference get the uniform default.
type Weights struct {
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	Speed      float64 `json:"speed"`
	Reputation float64 `json:"reputation"`
}

// DefaultWeights is the uniform vector used when the issuer has no
// preference on file.
var DefaultWeights = Weights{Price: 0.25, Confidence: 0.25, Speed: 0.25, Reputation: 0.25}

// Filters are hard cut-offs applied before scoring. Zero values mean
// the filter is off; FreeOnly admits only zero-price bids.
type Filters struct {
	MaxPrice      float64 `json:"max_price,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	MaxLatency    int     `json:"max_latency,omitempty"` // seconds
	MinReputation float64 `json:"min_reputation,omitempty"`
	FreeOnly      bool    `json:"free_only,omitempty"`
}

func (f Filters) admit(b *core.Bid, trust float64) bool {
	if f.MaxPrice > 0 && b.Price > f.MaxPrice {
		return false
	}
	if f.MinConfidence > 0 && b.Confidence < f.MinConfidence {
		return false
	}
	if f.MaxLatency > 0 && b.ETASeconds > f.MaxLatency {
		return false
	}
	if f.MinReputation > 0 && trust < f.MinReputation {
		return false
	}
	if f.FreeOnly && b.Price > 0 {
		return false
	}
	return true
}

// AwardPolicy selects the winning bid for a contract. trust maps each
// bidder to its current composite trust score.
type AwardPolicy struct {
	Strategy string
	Weights  Weights
	Filters  Filters
}

// Pick returns the winning bid, or nil when every bid is filtered out.
// Ordering is deterministic: strategy criteria first, then the fixed
// tie-breaks, then bid creation time.
func (p AwardPolicy) Pick(bids []*core.Bid, trust map[string]float64) *core.Bid {
	admitted := make([]*core.Bid, 0, len(bids))
	for _, b := range bids {
		if p.Filters.admit(b, trust[b.AgentID]) {
			admitted = append(admitted, b)
		}
	}
	if len(admitted) == 0 {
		return nil
	}

	less := p.comparator(admitted, trust)
	sort.SliceStable(admitted, less)
	return admitted[0]
}

func (p AwardPolicy) comparator(bids []*core.Bid, trust map[string]float64) func(i, j int) bool {
	switch p.Strategy {
	case StrategyLowestPrice:
		return func(i, j int) bool {
			a, b := bids[i], bids[j]
			if a.Price != b.Price {
				return a.Price < b.Price
			}
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			return trust[a.AgentID] > trust[b.AgentID]
		}
	case StrategyFastest:
		return func(i, j int) bool {
			a, b := bids[i], bids[j]
			if a.ETASeconds != b.ETASeconds {
				return a.ETASeconds < b.ETASeconds
			}
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			return trust[a.AgentID] > trust[b.AgentID]
		}
	case StrategyHighestTrust:
		return func(i, j int) bool {
			a, b := bids[i], bids[j]
			if trust[a.AgentID] != trust[b.AgentID] {
				return trust[a.AgentID] > trust[b.AgentID]
			}
			return a.Price < b.Price
		}
	default: // reputation_weighted
		w := p.Weights
		if w == (Weights{}) {
			w = DefaultWeights
		}
		var maxPrice float64
		var maxETA int
		for _, b := range bids {
			if b.Price > maxPrice {
				maxPrice = b.Price
			}
			if b.ETASeconds > maxETA {
				maxETA = b.ETASeconds
			}
		}
		score := func(b *core.Bid) float64 {
			s := w.Confidence*b.Confidence + w.Reputation*trust[b.AgentID]
			if maxPrice > 0 {
				s += w.Price * (1 - b.Price/maxPrice)
			} else {
				s += w.Price
			}
			if maxETA > 0 {
				s += w.Speed * (1 - float64(b.ETASeconds)/float64(maxETA))
			} else {
				s += w.Speed
			}
			return s
		}
		return func(i, j int) bool { return score(bids[i]) > score(bids[j]) }
	}
}
