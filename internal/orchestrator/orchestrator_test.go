package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/store"
)

// scriptedExecutor answers per agent id and records the order nodes
// started in.
type scriptedExecutor struct {
	mu      sync.Mutex
	answers map[string]map[string]any // agent id -> output
	started []string                  // node ids in start order
	fail    map[string]bool           // node ids that error
}

func (s *scriptedExecutor) Execute(_ context.Context, node Node, agent *core.Agent, _ map[string]any) (map[string]any, float64, error) {
	s.mu.Lock()
	s.started = append(s.started, node.ID)
	s.mu.Unlock()
	if s.fail[node.ID] {
		return nil, 0, core.E(core.KindInternal, "agent crashed")
	}
	out := s.answers[agent.ID]
	if out == nil {
		out = map[string]any{"agent": agent.Name}
	}
	return out, 0.8, nil
}

func seedWorker(t *testing.T, st store.Store, name string, trust float64, caps ...string) *core.Agent {
	t.Helper()
	a := &core.Agent{Name: name, Status: core.AgentActive, TrustScore: trust, Capabilities: caps}
	require.NoError(t, st.CreateAgent(context.Background(), a))
	return a
}

// fixedAnalyzer returns the same intent for every query.
type fixedAnalyzer struct{ intent *Intent }

func (f fixedAnalyzer) Analyze(context.Context, string) (*Intent, error) { return f.intent, nil }

func TestRunSequentialPlanOrdersLevels(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedWorker(t, st, "worker", 0.8)
	exec := &scriptedExecutor{}
	analyzer := fixedAnalyzer{intent: &Intent{
		SubIntents: []string{"fetch the report", "summarize the findings"},
		Pattern:    PatternSequential,
		Complexity: 0.4,
	}}
	e := NewEngine(st, nil, analyzer, exec, DefaultEngineConfig(), nil)

	plan, err := e.Run(ctx, "u1", "fetch the report then summarize the findings")
	require.NoError(t, err)
	assert.Equal(t, core.PlanCompleted, plan.Status)
	assert.Equal(t, string(PatternSequential), plan.Pattern)

	// Two sub-tasks chained: node-0 must finish before node-1 starts.
	assert.Equal(t, []string{"node-0", "node-1"}, exec.started)

	steps, err := st.ListPlanSteps(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.Equal(t, "completed", s.Status)
		require.NotNil(t, s.CompletedAt)
	}
}

func TestRunVotePlanWeighsByTrust(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	a1 := seedWorker(t, st, "a1", 0.6)
	a2 := seedWorker(t, st, "a2", 0.7)
	a3 := seedWorker(t, st, "a3", 0.9)

	exec := &scriptedExecutor{answers: map[string]map[string]any{
		a1.ID: {"r": "X"},
		a2.ID: {"r": "X"},
		a3.ID: {"r": "Y"},
	}}
	e := NewEngine(st, nil, nil, exec, DefaultEngineConfig(), nil)

	plan, err := e.Run(ctx, "u1", "vote on the best answer")
	require.NoError(t, err)
	assert.Equal(t, core.PlanCompleted, plan.Status)
	// The majority answer wins despite the single higher-trust dissenter.
	assert.Equal(t, "X", plan.Result["r"])
	assert.InDelta(t, 1.3/2.2, plan.Confidence, 1e-9)
}

func TestRunDebateRunsConfiguredRounds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedWorker(t, st, "a1", 0.8)
	seedWorker(t, st, "a2", 0.7)

	exec := &scriptedExecutor{}
	cfg := DefaultEngineConfig()
	cfg.TeamSize = 2
	cfg.DebateRounds = 3
	e := NewEngine(st, nil, nil, exec, cfg, nil)

	plan, err := e.Run(ctx, "u1", "debate the proposal")
	require.NoError(t, err)
	assert.Equal(t, core.PlanCompleted, plan.Status)

	steps, err := st.ListPlanSteps(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 6) // 2 agents x 3 rounds
}

func TestRunConsensusStopsEarlyOnAgreement(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	a1 := seedWorker(t, st, "a1", 0.8)
	a2 := seedWorker(t, st, "a2", 0.7)
	a3 := seedWorker(t, st, "a3", 0.6)

	// Unanimous from round one: the loop must not run all five rounds.
	exec := &scriptedExecutor{answers: map[string]map[string]any{
		a1.ID: {"r": "X"}, a2.ID: {"r": "X"}, a3.ID: {"r": "X"},
	}}
	e := NewEngine(st, nil, nil, exec, DefaultEngineConfig(), nil)

	plan, err := e.Run(ctx, "u1", "reach consensus on the plan")
	require.NoError(t, err)
	steps, err := st.ListPlanSteps(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 3)
	assert.Equal(t, "X", plan.Result["r"])
}

func TestRunFailsPlanWhenStepErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	reg := presence.NewRegistry(nil)
	seedWorker(t, st, "worker", 0.8)

	stream := &eventSink{}
	reg.SubscribeUser("u1", stream)

	exec := &scriptedExecutor{fail: map[string]bool{"node-0": true}}
	e := NewEngine(st, reg, nil, exec, DefaultEngineConfig(), nil)

	_, err := e.Run(ctx, "u1", "do the thing")
	require.Error(t, err)

	// The user sees plan_started then plan_failed for the same plan.
	require.Len(t, stream.events, 2)
	assert.Equal(t, "plan_started", stream.events[0].Type)
	assert.Equal(t, "plan_failed", stream.events[1].Type)
	planID := stream.events[1].Payload["plan_id"].(string)

	steps, err := st.ListPlanSteps(ctx, planID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "failed", steps[0].Status)
}

type eventSink struct {
	mu     sync.Mutex
	events []presence.Event
}

func (s *eventSink) Send(event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event.(presence.Event))
	return nil
}
func (s *eventSink) Close() {}

func TestRunNoAgentsAvailable(t *testing.T) {
	st := store.NewMemStore()
	e := NewEngine(st, nil, nil, &scriptedExecutor{}, DefaultEngineConfig(), nil)
	_, err := e.Run(context.Background(), "u1", "anything")
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}
