package orchestrator

import (
	"context"
	"time"

	"github.com/agentmesh/hub/internal/auth"
	"github.com/agentmesh/hub/internal/contracts"
	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/router"
	"github.com/agentmesh/hub/internal/store"
)

// RouterExecutor dispatches nodes over the message plane: a request
// message goes to the chosen agent and the executor polls the
// dispatcher's inbox for the response with a bounded budget.
type RouterExecutor struct {
	Router    *router.Router
	Store     store.Store
	Principal *auth.Principal
	// AgentID is the dispatcher identity plans send from.
	AgentID string
	// PollBudget bounds the response wait; PollInterval is the yield
	// between inbox checks.
	PollBudget   time.Duration
	PollInterval time.Duration
}

func (x *RouterExecutor) Execute(ctx context.Context, node Node, agent *core.Agent, input map[string]any) (map[string]any, float64, error) {
	budget := x.PollBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	interval := x.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	res, err := x.Router.Send(ctx, x.Principal, &router.SendRequest{
		FromAgentID:      x.AgentID,
		ToAgentID:        agent.ID,
		Type:             string(core.MessageRequest),
		Content:          input,
		RequiresResponse: true,
	})
	if err != nil {
		return nil, 0, err
	}

	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(interval):
		}
		entries, err := x.Store.ListUnacked(ctx, x.AgentID, 50)
		if err != nil {
			return nil, 0, err
		}
		for _, entry := range entries {
			m := entry.Message
			if m.ConversationID != res.ConversationID || m.FromAgentID != agent.ID {
				continue
			}
			if m.Type != core.MessageResponse {
				continue
			}
			if _, err := x.Store.AckReceipt(ctx, m.ID, x.AgentID, time.Now()); err != nil {
				return nil, 0, err
			}
			confidence := 0.5
			if v, ok := m.Content["confidence"].(float64); ok {
				confidence = v
			}
			return m.Content, confidence, nil
		}
	}
	return nil, 0, core.E(core.KindTransientIO, "agent %s did not respond within %s", agent.ID, budget)
}

// ContractExecutor dispatches a node as a market contract: post, wait
// for settlement, return the delivery data.
type ContractExecutor struct {
	Engine *contracts.Engine
	Store  store.Store
	// IssuerID attributes posted contracts; Reward prices each node.
	IssuerID string
	Reward   float64
	// WaitBudget bounds the settle wait.
	WaitBudget   time.Duration
	PollInterval time.Duration
}

func (x *ContractExecutor) Execute(ctx context.Context, node Node, agent *core.Agent, input map[string]any) (map[string]any, float64, error) {
	budget := x.WaitBudget
	if budget <= 0 {
		budget = 2 * time.Minute
	}
	interval := x.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	c, err := x.Engine.Create(ctx, &core.Contract{
		IssuerID:     x.IssuerID,
		IssuerType:   core.IssuerUser,
		Intent:       node.Task,
		Context:      map[string]any{"input": input, "node_id": node.ID},
		RewardAmount: x.Reward,
	})
	if err != nil {
		return nil, 0, err
	}

	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(interval):
		}
		cur, err := x.Store.GetContract(ctx, c.ID)
		if err != nil {
			return nil, 0, err
		}
		switch cur.Status {
		case core.ContractSettled:
			d, err := x.Store.GetDelivery(ctx, cur.ID, cur.AwardedTo)
			if err != nil {
				return nil, 0, err
			}
			confidence := 0.5
			if d != nil && d.ValidationScore != nil {
				confidence = *d.ValidationScore
			}
			var data map[string]any
			if d != nil {
				data = d.Data
			}
			return data, confidence, nil
		case core.ContractFailed, core.ContractCancelled:
			return nil, 0, core.E(core.KindTransientIO, "contract %s ended %s", cur.ID, cur.Status)
		}
	}
	return nil, 0, core.E(core.KindTransientIO, "contract %s did not settle within %s", c.ID, budget)
}
