// Package orchestrator plans and executes multi-agent work: a query is
// analyzed into sub-tasks, arranged as a DAG, dispatched level by
// level to selected agents, and the results are synthesized by the
// chosen collaboration pattern.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/store"
)

// NodeExecutor dispatches one node to one agent and returns its
// output. Production wires the message-plane executor or the
// market-based one; tests inject fakes.
type NodeExecutor interface {
	Execute(ctx context.Context, node Node, agent *core.Agent, input map[string]any) (output map[string]any, confidence float64, err error)
}

// Config bounds collaborative execution.
type Config struct {
	TeamSize        int // agents per node for multi-agent patterns
	DebateRounds    int
	SwarmIterations int
	ConsensusRounds int
}

func DefaultEngineConfig() Config {
	return Config{
		TeamSize:        3,
		DebateRounds:    DefaultDebateRounds,
		SwarmIterations: DefaultSwarmIterations,
		ConsensusRounds: DefaultConsensusRounds,
	}
}

// Engine runs plans end to end.
type Engine struct {
	store    store.Store
	registry *presence.Registry
	analyzer IntentAnalyzer
	selector *Selector
	executor NodeExecutor
	cfg      Config
	log      *slog.Logger
}

func NewEngine(st store.Store, reg *presence.Registry, analyzer IntentAnalyzer,
	executor NodeExecutor, cfg Config, log *slog.Logger) *Engine {
	if analyzer == nil {
		analyzer = KeywordAnalyzer{}
	}
	if cfg.TeamSize <= 0 {
		cfg = DefaultEngineConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: reg,
		analyzer: analyzer,
		selector: NewSelector(st),
		executor: executor,
		cfg:      cfg,
		log:      log,
	}
}

// Run executes a query for a user and returns the completed plan.
func (e *Engine) Run(ctx context.Context, userID, query string) (*core.Plan, error) {
	intent, err := e.analyzer.Analyze(ctx, query)
	if err != nil {
		return nil, core.Wrap(core.KindBadRequest, err, "intent analysis failed")
	}

	plan := &core.Plan{
		UserID:     userID,
		Query:      query,
		Pattern:    string(intent.Pattern),
		Complexity: intent.Complexity,
		Status:     core.PlanRunning,
	}
	if err := e.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	e.publishUser(userID, "plan_started", map[string]any{
		"plan_id": plan.ID, "pattern": plan.Pattern,
	})
	e.publishTask(plan.ID, "task_started", map[string]any{
		"plan_id": plan.ID, "query": query,
	})
	e.publishTask(plan.ID, "intent_parsed", map[string]any{
		"plan_id": plan.ID, "pattern": plan.Pattern,
		"sub_intents": intent.SubIntents, "complexity": intent.Complexity,
	})

	var synthesis Synthesis
	switch intent.Pattern {
	case PatternVote, PatternDebate, PatternSwarm, PatternConsensus:
		synthesis, err = e.runCollaborative(ctx, plan, intent)
	default:
		synthesis, err = e.runDAG(ctx, plan, intent)
	}

	now := time.Now()
	plan.CompletedAt = &now
	if err != nil {
		plan.Status = core.PlanFailed
		plan.Result = map[string]any{"error": err.Error()}
		if uerr := e.store.UpdatePlan(ctx, plan); uerr != nil {
			e.log.Warn("plan failure persist failed", "plan_id", plan.ID, "error", uerr)
		}
		e.publishUser(userID, "plan_failed", map[string]any{"plan_id": plan.ID})
		e.publishTask(plan.ID, "error", map[string]any{"plan_id": plan.ID, "error": err.Error()})
		return nil, err
	}

	plan.Status = core.PlanCompleted
	plan.Result = synthesis.Output
	plan.Confidence = synthesis.Confidence
	if err := e.store.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}
	e.publishUser(userID, "plan_completed", map[string]any{
		"plan_id": plan.ID, "confidence": plan.Confidence,
	})
	e.publishTask(plan.ID, "task_complete", map[string]any{
		"plan_id": plan.ID, "confidence": plan.Confidence,
	})
	return plan, nil
}

// runDAG handles sequential and parallel plans: one node per
// sub-intent, one agent per node, levels executed strictly in order
// with prior outputs carried forward as context.
func (e *Engine) runDAG(ctx context.Context, plan *core.Plan, intent *Intent) (Synthesis, error) {
	g := NewGraph()
	nodes := make([]Node, len(intent.SubIntents))
	for i, sub := range intent.SubIntents {
		caps := []string{}
		if i < len(intent.Capabilities) {
			caps = []string{intent.Capabilities[i]}
		}
		nodes[i] = Node{ID: nodeID(i), Task: sub, Capabilities: caps}
		g.AddNode(nodes[i])
	}
	if intent.Pattern == PatternSequential {
		for i := 1; i < len(nodes); i++ {
			if err := g.AddEdge(nodes[i-1].ID, nodes[i].ID); err != nil {
				return Synthesis{}, err
			}
		}
	}
	levels, err := g.Levels()
	if err != nil {
		return Synthesis{}, err
	}

	var results []Result
	carried := map[string]any{"query": plan.Query}
	for levelIdx, level := range levels {
		levelResults, err := e.runLevel(ctx, plan, levelIdx, level, carried)
		if err != nil {
			return Synthesis{}, err
		}
		for _, r := range levelResults {
			carried[r.NodeID] = r.Output
		}
		results = append(results, levelResults...)
	}
	return Synthesize(intent.Pattern, [][]Result{results}), nil
}

// runLevel dispatches every node of one level concurrently and waits
// for all of them before returning, preserving level ordering.
func (e *Engine) runLevel(ctx context.Context, plan *core.Plan, level int, nodes []Node, input map[string]any) ([]Result, error) {
	type outcome struct {
		result Result
		err    error
	}
	outcomes := make([]outcome, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			agents, err := e.selector.Pick(ctx, node.Capabilities, 1)
			if err != nil {
				outcomes[i].err = err
				return
			}
			if len(agents) == 0 {
				outcomes[i].err = core.E(core.KindNotFound, "no agent available for node %s", node.ID)
				return
			}
			r, err := e.executeStep(ctx, plan, level, node, agents[0], input)
			outcomes[i] = outcome{result: r, err: err}
		}(i, node)
	}
	wg.Wait()

	results := make([]Result, 0, len(nodes))
	for _, o := range outcomes {
		if o.err != nil {
			return nil, o.err
		}
		results = append(results, o.result)
	}
	return results, nil
}

// runCollaborative handles the multi-agent patterns: one shared task,
// a fixed team, and rounds whose inputs include peers' prior outputs.
func (e *Engine) runCollaborative(ctx context.Context, plan *core.Plan, intent *Intent) (Synthesis, error) {
	node := Node{ID: nodeID(0), Task: plan.Query, Capabilities: intent.Capabilities}
	team, err := e.selector.Pick(ctx, node.Capabilities, e.cfg.TeamSize)
	if err != nil {
		return Synthesis{}, err
	}
	if len(team) == 0 {
		return Synthesis{}, core.E(core.KindNotFound, "no agents available for plan %s", plan.ID)
	}
	ids := make([]string, len(team))
	for i, a := range team {
		ids[i] = a.ID
	}
	e.publishTask(plan.ID, "agents_discovered", map[string]any{
		"plan_id": plan.ID, "agent_ids": ids,
	})

	roundCount := 1
	switch intent.Pattern {
	case PatternDebate:
		roundCount = e.cfg.DebateRounds
	case PatternSwarm:
		roundCount = e.cfg.SwarmIterations
	case PatternConsensus:
		roundCount = e.cfg.ConsensusRounds
	}

	var rounds [][]Result
	knowledge := make([]map[string]any, 0) // swarm shared set
	for round := 0; round < roundCount; round++ {
		input := map[string]any{"query": plan.Query, "round": round}
		if len(rounds) > 0 {
			prior := rounds[len(rounds)-1]
			peers := make(map[string]any, len(prior))
			for _, r := range prior {
				peers[r.AgentID] = r.Output
			}
			input["peer_outputs"] = peers
		}
		if intent.Pattern == PatternSwarm && len(knowledge) > 0 {
			input["knowledge"] = knowledge
		}

		results := make([]Result, len(team))
		var wg sync.WaitGroup
		errs := make([]error, len(team))
		for i, agent := range team {
			wg.Add(1)
			go func(i int, agent *core.Agent) {
				defer wg.Done()
				r, err := e.executeStep(ctx, plan, round, node, agent, input)
				results[i], errs[i] = r, err
			}(i, agent)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return Synthesis{}, err
			}
		}
		rounds = append(rounds, results)

		if intent.Pattern == PatternSwarm {
			for _, r := range results {
				if r.Confidence > SwarmKnowledgeCutoff {
					knowledge = append(knowledge, r.Output)
				}
			}
		}
		if intent.Pattern == PatternConsensus && ConsensusReached(results, ConsensusThreshold) {
			break
		}
	}
	return Synthesize(intent.Pattern, rounds), nil
}

// executeStep dispatches one node to one agent and persists the step.
func (e *Engine) executeStep(ctx context.Context, plan *core.Plan, level int, node Node, agent *core.Agent, input map[string]any) (Result, error) {
	stepInput := make(map[string]any, len(input)+1)
	for k, v := range input {
		stepInput[k] = v
	}
	stepInput["task"] = node.Task

	e.publishTask(plan.ID, "step_started", map[string]any{
		"plan_id": plan.ID, "node_id": node.ID, "agent_id": agent.ID,
	})
	started := time.Now()
	output, confidence, err := e.executor.Execute(ctx, node, agent, stepInput)
	now := time.Now()

	step := &core.PlanStep{
		PlanID:      plan.ID,
		NodeID:      node.ID,
		Level:       level,
		AgentID:     agent.ID,
		StartedAt:   started,
		CompletedAt: &now,
	}
	if err != nil {
		step.Status = "failed"
		step.Output = map[string]any{"error": err.Error()}
	} else {
		step.Status = "completed"
		step.Output = output
		step.Confidence = confidence
	}
	if cerr := e.store.CreatePlanStep(ctx, step); cerr != nil {
		e.log.Warn("plan step persist failed", "plan_id", plan.ID, "error", cerr)
	}
	if err != nil {
		return Result{}, core.Wrap(core.KindInternal, err, "node %s on agent %s", node.ID, agent.ID)
	}

	e.publishTask(plan.ID, "step_completed", map[string]any{
		"plan_id": plan.ID, "node_id": node.ID, "agent_id": agent.ID, "confidence": confidence,
	})

	quality := 0.5
	if ts, err := e.store.GetTrustScore(ctx, agent.ID); err == nil && ts != nil {
		quality = ts.Quality
	}
	return Result{
		NodeID:     node.ID,
		AgentID:    agent.ID,
		Output:     output,
		Confidence: confidence,
		Trust:      agent.TrustScore,
		Quality:    quality,
	}, nil
}

func (e *Engine) publishUser(userID, eventType string, payload map[string]any) {
	if e.registry == nil {
		return
	}
	e.registry.PublishUser(userID, presence.Event{Type: eventType, Payload: payload})
}

func (e *Engine) publishTask(planID, eventType string, payload map[string]any) {
	if e.registry == nil {
		return
	}
	e.registry.PublishTask(planID, presence.Event{Type: eventType, Payload: payload})
}

func nodeID(i int) string { return fmt.Sprintf("node-%d", i) }
