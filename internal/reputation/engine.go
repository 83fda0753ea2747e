// Package reputation derives multi-dimensional trust scores from
// contract history. Scores feed the award strategies and the agent
// search ranking; every recompute appends a snapshot for trend queries.
package reputation

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/store"
)

// Composite weights. Quality dominates; collaboration and honesty are
// deliberately small so a busy agent cannot grind its way to an A.
const (
	weightQuality       = 0.40
	weightReliability   = 0.25
	weightSpeed         = 0.15
	weightHonesty       = 0.10
	weightCollaboration = 0.10
)

// defaultScore seeds every dimension that has no data yet.
const defaultScore = 0.5

// Engine recomputes trust scores. RecomputeAgent runs on settlement
// events; Run sweeps every active agent on a fixed interval.
type Engine struct {
	store    store.Store
	interval time.Duration
	log      *slog.Logger
}

func NewEngine(st store.Store, interval time.Duration, log *slog.Logger) *Engine {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, interval: interval, log: log}
}

// Run sweeps until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.log.Info("reputation sweep started", "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("reputation sweep stopped")
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	agents, err := e.store.ListAgentsByStatus(ctx, core.AgentActive, 0)
	if err != nil {
		e.log.Warn("reputation sweep list failed", "error", err)
		return
	}
	for _, a := range agents {
		if _, err := e.RecomputeAgent(ctx, a.ID); err != nil {
			e.log.Warn("reputation recompute failed", "agent_id", a.ID, "error", err)
		}
	}
}

// RecomputeAgent rebuilds all five dimensions for one agent, persists
// the composite and appends a snapshot. The agent row's cached
// trust_score is updated so search ranking stays consistent.
func (e *Engine) RecomputeAgent(ctx context.Context, agentID string) (*core.AgentTrustScore, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, core.E(core.KindNotFound, "agent %s not found", agentID)
	}

	metrics, err := e.store.ListMetrics(ctx, agentID)
	if err != nil {
		return nil, err
	}
	deliveries, err := e.store.ListValidatedDeliveries(ctx, agentID)
	if err != nil {
		return nil, err
	}
	collabs, err := e.store.CountCollaborations(ctx, agentID)
	if err != nil {
		return nil, err
	}

	honesty, err := e.honesty(ctx, deliveries)
	if err != nil {
		return nil, err
	}

	score := &core.AgentTrustScore{
		AgentID:       agentID,
		Quality:       quality(deliveries),
		Reliability:   reliability(agent),
		Speed:         speed(metrics),
		Honesty:       honesty,
		Collaboration: collaboration(collabs),
	}
	score.TrustScore = weightQuality*score.Quality +
		weightReliability*score.Reliability +
		weightSpeed*score.Speed +
		weightHonesty*score.Honesty +
		weightCollaboration*score.Collaboration
	score.TrustGrade = Grade(score.TrustScore)

	if err := e.store.UpsertTrustScore(ctx, score); err != nil {
		return nil, err
	}
	if err := e.store.AppendTrustSnapshot(ctx, &core.TrustSnapshot{
		AgentID:    agentID,
		TrustScore: score.TrustScore,
		TrustGrade: score.TrustGrade,
	}); err != nil {
		return nil, err
	}

	agent.TrustScore = score.TrustScore
	if err := e.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return score, nil
}

// Grade maps a composite score to its letter grade.
func Grade(score float64) string {
	switch {
	case score >= 0.95:
		return "A+"
	case score >= 0.90:
		return "A"
	case score >= 0.75:
		return "B"
	case score >= 0.60:
		return "C"
	case score >= 0.40:
		return "D"
	default:
		return "F"
	}
}

// quality is the mean validation score over validated deliveries.
func quality(deliveries []*core.Delivery) float64 {
	var sum float64
	var n int
	for _, d := range deliveries {
		if d.ValidationScore != nil {
			sum += *d.ValidationScore
			n++
		}
	}
	if n == 0 {
		return defaultScore
	}
	return sum / float64(n)
}

// reliability is the lifetime success rate with a mild volume boost,
// so an agent with 100 clean calls outranks one with 2.
func reliability(a *core.Agent) float64 {
	if a.TotalCalls == 0 {
		return defaultScore
	}
	rate := float64(a.SuccessfulCalls) / float64(a.TotalCalls)
	switch {
	case a.TotalCalls >= 100:
		rate *= 1.05
	case a.TotalCalls >= 50:
		rate *= 1.02
	}
	return math.Min(rate, 1.0)
}

// speed scores each settled contract by actual vs promised time:
// on-time or better is 1.0, late decays as promised/actual.
func speed(metrics []*core.AgentMetric) float64 {
	var sum float64
	var n int
	for _, m := range metrics {
		if m.PromisedTime <= 0 || m.ExecutionTime <= 0 {
			continue
		}
		ratio := m.ExecutionTime / m.PromisedTime
		if ratio <= 1 {
			sum += 1.0
		} else {
			sum += 1.0 / ratio
		}
		n++
	}
	if n == 0 {
		return defaultScore
	}
	return sum / float64(n)
}

// honesty compares each validated delivery's outcome with the
// confidence the agent bid at: overclaiming costs score symmetrically
// with underclaiming.
func (e *Engine) honesty(ctx context.Context, deliveries []*core.Delivery) (float64, error) {
	var sum float64
	var n int
	for _, d := range deliveries {
		if d.ValidationScore == nil {
			continue
		}
		bid, err := e.store.GetBid(ctx, d.ContractID, d.AgentID)
		if err != nil {
			return 0, err
		}
		if bid == nil {
			continue
		}
		v := 1.0 - math.Abs(bid.Confidence-*d.ValidationScore)
		if v < 0 {
			v = 0
		}
		sum += v
		n++
	}
	if n == 0 {
		return defaultScore, nil
	}
	return sum / float64(n), nil
}

// collaboration grows with participation in multi-agent plans and
// saturates at 1.0.
func collaboration(count int) float64 {
	return math.Min(defaultScore+0.05*float64(count), 1.0)
}
