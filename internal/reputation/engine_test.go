package reputation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/store"
)

func TestGradeThresholds(t *testing.T) {
	cases := []struct {
		score float64
		grade string
	}{
		{0.96, "A+"},
		{0.95, "A+"},
		{0.92, "A"},
		{0.90, "A"},
		{0.80, "B"},
		{0.75, "B"},
		{0.65, "C"},
		{0.60, "C"},
		{0.45, "D"},
		{0.40, "D"},
		{0.39, "F"},
		{0.0, "F"},
	}
	for _, c := range cases {
		assert.Equal(t, c.grade, Grade(c.score), "score %.2f", c.score)
	}
}

func TestReliabilityVolumeBoost(t *testing.T) {
	assert.Equal(t, 0.5, reliability(&core.Agent{}))

	a := &core.Agent{TotalCalls: 10, SuccessfulCalls: 8}
	assert.InDelta(t, 0.8, reliability(a), 1e-9)

	a = &core.Agent{TotalCalls: 50, SuccessfulCalls: 40}
	assert.InDelta(t, 0.8*1.02, reliability(a), 1e-9)

	a = &core.Agent{TotalCalls: 100, SuccessfulCalls: 80}
	assert.InDelta(t, 0.8*1.05, reliability(a), 1e-9)

	// Cap at 1.0 even with the boost.
	a = &core.Agent{TotalCalls: 200, SuccessfulCalls: 200}
	assert.Equal(t, 1.0, reliability(a))
}

func TestSpeedScoring(t *testing.T) {
	assert.Equal(t, 0.5, speed(nil))

	onTime := &core.AgentMetric{ExecutionTime: 20, PromisedTime: 30}
	late := &core.AgentMetric{ExecutionTime: 60, PromisedTime: 30} // ratio 2 → 0.5
	assert.InDelta(t, 0.75, speed([]*core.AgentMetric{onTime, late}), 1e-9)

	// Metrics without timing data are skipped, not scored as zero.
	noTiming := &core.AgentMetric{Success: true}
	assert.InDelta(t, 1.0, speed([]*core.AgentMetric{onTime, noTiming}), 1e-9)
}

func TestCollaborationSaturates(t *testing.T) {
	assert.Equal(t, 0.5, collaboration(0))
	assert.InDelta(t, 0.75, collaboration(5), 1e-9)
	assert.Equal(t, 1.0, collaboration(10))
	assert.Equal(t, 1.0, collaboration(500))
}

func seedSettled(t *testing.T, st store.Store, agentID string, n int, validationScore, confidence float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		c := &core.Contract{IssuerID: "u1", IssuerType: core.IssuerUser, Intent: "work", Status: core.ContractSettled, AwardedTo: agentID}
		require.NoError(t, st.CreateContract(ctx, c))
		require.NoError(t, st.CreateBid(ctx, &core.Bid{ContractID: c.ID, AgentID: agentID, Price: 1, ETASeconds: 30, Confidence: confidence}))
		score := validationScore
		require.NoError(t, st.CreateDelivery(ctx, &core.Delivery{
			ContractID: c.ID, AgentID: agentID, IsValidated: true, ValidationScore: &score,
		}))
		require.NoError(t, st.AppendMetric(ctx, &core.AgentMetric{
			AgentID: agentID, ContractID: c.ID, ExecutionTime: 30, PromisedTime: 30, Success: true, UserRating: 5,
		}))
	}
}

func TestRecomputeAfterCleanHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	agent := &core.Agent{Name: "worker", Status: core.AgentActive, TrustScore: 0.5}
	require.NoError(t, st.CreateAgent(ctx, agent))

	// 100 settled contracts, validation 0.9, on time, honest bids.
	seedSettled(t, st, agent.ID, 100, 0.9, 0.9)
	agent.TotalCalls = 100
	agent.SuccessfulCalls = 100
	require.NoError(t, st.UpdateAgent(ctx, agent))

	e := NewEngine(st, 0, nil)
	score, err := e.RecomputeAgent(ctx, agent.ID)
	require.NoError(t, err)

	assert.InDelta(t, 0.9, score.Quality, 1e-9)
	assert.Equal(t, 1.0, score.Reliability)
	assert.Equal(t, 1.0, score.Speed)
	assert.InDelta(t, 1.0, score.Honesty, 1e-9)
	assert.Greater(t, score.TrustScore, 0.85)
	assert.Contains(t, []string{"A+", "A", "B"}, score.TrustGrade)

	// The agent row's cached score follows the composite.
	updated, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.InDelta(t, score.TrustScore, updated.TrustScore, 1e-9)
}

func TestHonestyPenalizesOverclaiming(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	agent := &core.Agent{Name: "bragger", Status: core.AgentActive}
	require.NoError(t, st.CreateAgent(ctx, agent))

	// Bid confidence 1.0 but deliveries validate at 0.4.
	seedSettled(t, st, agent.ID, 5, 0.4, 1.0)

	e := NewEngine(st, 0, nil)
	score, err := e.RecomputeAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, score.Honesty, 1e-9)
}

func TestRecomputeAppendsSnapshot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	agent := &core.Agent{Name: "worker", Status: core.AgentActive}
	require.NoError(t, st.CreateAgent(ctx, agent))

	e := NewEngine(st, 0, nil)
	first, err := e.RecomputeAgent(ctx, agent.ID)
	require.NoError(t, err)
	// No history: every dimension sits at the default.
	assert.InDelta(t, 0.5, first.TrustScore, 1e-9)
	assert.Equal(t, "D", first.TrustGrade)

	stored, err := st.GetTrustScore(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, first.TrustScore, stored.TrustScore, 1e-9)
}
