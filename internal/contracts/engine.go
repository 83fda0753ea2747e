// Package contracts runs the market lifecycle: contracts enter bidding
// on creation, a background sweeper awards them after the bidding
// window, and deliveries are validated against a score threshold
// before settlement.
package contracts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/store"
)

// Recomputer triggers a reputation refresh after settlement. Wired to
// the reputation engine in production; tests pass nil.
type Recomputer interface {
	RecomputeAgent(ctx context.Context, agentID string) (*core.AgentTrustScore, error)
}

// Config bounds the lifecycle timers.
type Config struct {
	SweepInterval       time.Duration // sweeper tick
	BiddingWindow       time.Duration // min age before award
	NoBidExpiry         time.Duration // bidding with zero bids → cancelled
	MaxExecutionWindow  time.Duration // awarded_at + window without delivery → failed
	ValidationThreshold float64       // validate() score below this → failed
}

// DefaultConfig matches the platform defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:       2 * time.Second,
		BiddingWindow:       3 * time.Second,
		NoBidExpiry:         60 * time.Second,
		MaxExecutionWindow:  10 * time.Minute,
		ValidationThreshold: 0.6,
	}
}

// Engine owns every contract state transition. Transitions for one
// contract are serialized by a keyed mutex so a sweep and an API call
// can never double-award.
type Engine struct {
	store      store.Store
	registry   *presence.Registry
	reputation Recomputer
	cfg        Config
	log        *slog.Logger

	mu    sync.Mutex
	locks map[string]*contractLock
}

// contractLock serializes transitions for one contract. Entries are
// reference counted so the map shrinks back once the last holder
// releases; a waiter keeps the entry pinned, so two goroutines can
// never end up on different mutexes for the same id.
type contractLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(st store.Store, reg *presence.Registry, rep Recomputer, cfg Config, log *slog.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      st,
		registry:   reg,
		reputation: rep,
		cfg:        cfg,
		log:        log,
		locks:      make(map[string]*contractLock),
	}
}

func (e *Engine) acquire(contractID string) *contractLock {
	e.mu.Lock()
	l, ok := e.locks[contractID]
	if !ok {
		l = &contractLock{}
		e.locks[contractID] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return l
}

func (e *Engine) release(contractID string, l *contractLock) {
	l.mu.Unlock()
	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, contractID)
	}
	e.mu.Unlock()
}

// Create posts a contract. It enters bidding immediately; the sweeper
// takes it from there.
func (e *Engine) Create(ctx context.Context, c *core.Contract) (*core.Contract, error) {
	if c.Intent == "" {
		return nil, core.E(core.KindBadRequest, "contract intent is required")
	}
	if c.IssuerType == "" {
		c.IssuerType = core.IssuerUser
	}
	if c.Strategy == "" {
		c.Strategy = StrategyReputationWeighted
	}
	switch c.Strategy {
	case StrategyLowestPrice, StrategyFastest, StrategyHighestTrust, StrategyReputationWeighted:
	default:
		return nil, core.E(core.KindBadRequest, "unknown award strategy %q", c.Strategy)
	}
	c.Status = core.ContractBidding
	if err := e.store.CreateContract(ctx, c); err != nil {
		return nil, err
	}
	e.publish(c.ID, "contract_created", map[string]any{
		"contract_id": c.ID, "intent": c.Intent, "reward_amount": c.RewardAmount,
	})
	return c, nil
}

// SubmitBid records a bid while the contract is still in bidding. One
// bid per agent per contract; a second submission is a conflict.
func (e *Engine) SubmitBid(ctx context.Context, b *core.Bid) (*core.Bid, error) {
	if b.Confidence < 0 || b.Confidence > 1 {
		return nil, core.E(core.KindBadRequest, "bid confidence must be in [0,1]")
	}
	c, err := e.store.GetContract(ctx, b.ContractID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, core.E(core.KindNotFound, "contract %s not found", b.ContractID)
	}
	if c.Status != core.ContractBidding {
		return nil, core.E(core.KindConflict, "contract %s is %s, not accepting bids", c.ID, c.Status)
	}
	agent, err := e.store.GetAgent(ctx, b.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.Status != core.AgentActive {
		return nil, core.E(core.KindForbidden, "agent %s may not bid", b.AgentID)
	}
	if err := e.store.CreateBid(ctx, b); err != nil {
		return nil, err
	}
	e.publish(c.ID, "bid_submitted", map[string]any{
		"contract_id": c.ID, "agent_id": b.AgentID, "price": b.Price,
	})
	return b, nil
}

// Start moves an awarded contract to in-progress. Delivery also does
// this implicitly, so calling Start is optional.
func (e *Engine) Start(ctx context.Context, contractID, agentID string) error {
	l := e.acquire(contractID)
	defer e.release(contractID, l)

	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c == nil {
		return core.E(core.KindNotFound, "contract %s not found", contractID)
	}
	if c.AwardedTo != agentID {
		return core.E(core.KindForbidden, "contract %s is not awarded to %s", contractID, agentID)
	}
	if c.Status != core.ContractAwarded {
		return core.E(core.KindConflict, "contract %s is %s", contractID, c.Status)
	}
	c.Status = core.ContractInProgress
	return e.store.UpdateContract(ctx, c)
}

// Deliver accepts the result from the awarded agent and moves the
// contract to delivered, awaiting validation by the issuer.
func (e *Engine) Deliver(ctx context.Context, contractID, agentID string, data map[string]any) (*core.Delivery, error) {
	l := e.acquire(contractID)
	defer e.release(contractID, l)

	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, core.E(core.KindNotFound, "contract %s not found", contractID)
	}
	if c.AwardedTo != agentID {
		return nil, core.E(core.KindForbidden, "contract %s is not awarded to %s", contractID, agentID)
	}
	if c.Status != core.ContractAwarded && c.Status != core.ContractInProgress {
		return nil, core.E(core.KindConflict, "contract %s is %s", contractID, c.Status)
	}

	d := &core.Delivery{ContractID: contractID, AgentID: agentID, Data: data}
	if err := e.store.CreateDelivery(ctx, d); err != nil {
		return nil, err
	}
	c.Status = core.ContractDelivered
	if err := e.store.UpdateContract(ctx, c); err != nil {
		return nil, err
	}
	e.publish(c.ID, "contract_delivered", map[string]any{
		"contract_id": c.ID, "agent_id": agentID,
	})
	return d, nil
}

// Validate scores a delivered contract. At or above the threshold the
// contract settles, an execution metric is appended and the winner's
// reputation is refreshed; below it the contract fails.
func (e *Engine) Validate(ctx context.Context, contractID string, score float64) (*core.Contract, error) {
	if score < 0 || score > 1 {
		return nil, core.E(core.KindBadRequest, "validation score must be in [0,1]")
	}
	l := e.acquire(contractID)
	defer e.release(contractID, l)

	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, core.E(core.KindNotFound, "contract %s not found", contractID)
	}
	if c.Status != core.ContractDelivered {
		return nil, core.E(core.KindConflict, "contract %s is %s, not delivered", contractID, c.Status)
	}

	d, err := e.store.GetDelivery(ctx, contractID, c.AwardedTo)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, core.E(core.KindIntegrity, "delivered contract %s has no delivery row", contractID)
	}
	passed := score >= e.cfg.ValidationThreshold
	d.IsValidated = passed
	d.ValidationScore = &score
	if err := e.store.UpdateDelivery(ctx, d); err != nil {
		return nil, err
	}

	now := time.Now()
	if !passed {
		c.Status = core.ContractFailed
		c.CompletedAt = &now
		if err := e.store.UpdateContract(ctx, c); err != nil {
			return nil, err
		}
		e.recordOutcome(ctx, c, d, false)
		e.publish(c.ID, "contract_failed", map[string]any{
			"contract_id": c.ID, "validation_score": score,
		})
		return c, nil
	}

	c.Status = core.ContractValidated
	if err := e.store.UpdateContract(ctx, c); err != nil {
		return nil, err
	}
	c.Status = core.ContractSettled
	c.CompletedAt = &now
	if err := e.store.UpdateContract(ctx, c); err != nil {
		return nil, err
	}
	e.recordOutcome(ctx, c, d, true)
	e.publish(c.ID, "contract_settled", map[string]any{
		"contract_id": c.ID, "agent_id": c.AwardedTo, "validation_score": score,
	})
	e.publishAgent(c.AwardedTo, "contract_settled",
		map[string]any{"contract_id": c.ID, "validation_score": score})
	return c, nil
}

// recordOutcome appends the execution metric, bumps the agent's call
// counters and triggers a reputation recompute. All best effort.
func (e *Engine) recordOutcome(ctx context.Context, c *core.Contract, d *core.Delivery, success bool) {
	metric := &core.AgentMetric{
		AgentID:    c.AwardedTo,
		ContractID: c.ID,
		Success:    success,
	}
	if c.AwardedAt != nil {
		metric.ExecutionTime = d.DeliveredAt.Sub(*c.AwardedAt).Seconds()
	}
	if bid, err := e.store.GetBid(ctx, c.ID, c.AwardedTo); err == nil && bid != nil {
		metric.PromisedTime = float64(bid.ETASeconds)
	}
	if err := e.store.AppendMetric(ctx, metric); err != nil {
		e.log.Warn("metric append failed", "contract_id", c.ID, "error", err)
	}

	if agent, err := e.store.GetAgent(ctx, c.AwardedTo); err == nil && agent != nil {
		agent.TotalCalls++
		if success {
			agent.SuccessfulCalls++
		} else {
			agent.FailedCalls++
		}
		if metric.ExecutionTime > 0 {
			agent.AvgDuration += (metric.ExecutionTime - agent.AvgDuration) / float64(agent.TotalCalls)
		}
		if err := e.store.UpdateAgent(ctx, agent); err != nil {
			e.log.Warn("agent counters update failed", "agent_id", agent.ID, "error", err)
		}
	}

	if e.reputation != nil {
		if _, err := e.reputation.RecomputeAgent(ctx, c.AwardedTo); err != nil {
			e.log.Warn("reputation recompute failed", "agent_id", c.AwardedTo, "error", err)
		}
	}
}

// Run drives the award sweeper until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	e.log.Info("award sweeper started", "interval", e.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("award sweeper stopped")
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce processes one tick: award ripe bidding contracts, cancel
// no-bid expirees, fail overdue executions.
func (e *Engine) sweepOnce(ctx context.Context) {
	bidding, err := e.store.ListContractsByStatus(ctx, core.ContractBidding, e.cfg.BiddingWindow)
	if err != nil {
		e.log.Warn("sweep list bidding failed", "error", err)
		return
	}
	for _, c := range bidding {
		if err := e.awardOne(ctx, c.ID); err != nil {
			e.log.Warn("award failed", "contract_id", c.ID, "error", err)
		}
	}

	overdue, err := e.store.ListContractsByStatus(ctx, core.ContractInProgress, 0)
	if err != nil {
		e.log.Warn("sweep list in-progress failed", "error", err)
		return
	}
	awarded, err := e.store.ListContractsByStatus(ctx, core.ContractAwarded, 0)
	if err != nil {
		e.log.Warn("sweep list awarded failed", "error", err)
		return
	}
	for _, c := range append(overdue, awarded...) {
		if c.AwardedAt != nil && time.Since(*c.AwardedAt) > e.cfg.MaxExecutionWindow {
			if err := e.failOverdue(ctx, c.ID); err != nil {
				e.log.Warn("overdue fail transition failed", "contract_id", c.ID, "error", err)
			}
		}
	}
}

func (e *Engine) awardOne(ctx context.Context, contractID string) error {
	l := e.acquire(contractID)
	defer e.release(contractID, l)

	c, err := e.store.GetContract(ctx, contractID)
	if err != nil || c == nil || c.Status != core.ContractBidding {
		return err
	}

	bids, err := e.store.ListBids(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(bids) == 0 {
		if time.Since(c.CreatedAt) > e.cfg.NoBidExpiry {
			now := time.Now()
			c.Status = core.ContractCancelled
			c.CompletedAt = &now
			if err := e.store.UpdateContract(ctx, c); err != nil {
				return err
			}
			e.publish(c.ID, "contract_cancelled", map[string]any{"contract_id": c.ID, "reason": "no bids"})
		}
		return nil
	}

	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.AgentID
	}
	agents, err := e.store.GetAgents(ctx, ids)
	if err != nil {
		return err
	}
	trust := make(map[string]float64, len(agents))
	for id, a := range agents {
		trust[id] = a.TrustScore
	}

	policy := AwardPolicy{Strategy: c.Strategy, Weights: DefaultWeights, Filters: filtersFromContext(c.Context)}
	winner := policy.Pick(bids, trust)
	if winner == nil {
		return nil // every bid filtered out; keep waiting
	}

	now := time.Now()
	c.Status = core.ContractAwarded
	c.AwardedTo = winner.AgentID
	c.AwardedAt = &now
	if err := e.store.UpdateContract(ctx, c); err != nil {
		return err
	}
	e.publish(c.ID, "contract_awarded", map[string]any{
		"contract_id": c.ID, "agent_id": winner.AgentID, "price": winner.Price,
	})
	e.publishAgent(winner.AgentID, "contract_awarded",
		map[string]any{"contract_id": c.ID, "intent": c.Intent, "price": winner.Price})
	return nil
}

func (e *Engine) failOverdue(ctx context.Context, contractID string) error {
	l := e.acquire(contractID)
	defer e.release(contractID, l)

	c, err := e.store.GetContract(ctx, contractID)
	if err != nil || c == nil {
		return err
	}
	if c.Status != core.ContractAwarded && c.Status != core.ContractInProgress {
		return nil
	}
	now := time.Now()
	c.Status = core.ContractFailed
	c.CompletedAt = &now
	if err := e.store.UpdateContract(ctx, c); err != nil {
		return err
	}
	if err := e.store.AppendMetric(ctx, &core.AgentMetric{
		AgentID:    c.AwardedTo,
		ContractID: c.ID,
		Success:    false,
	}); err != nil {
		e.log.Warn("overdue metric append failed", "contract_id", c.ID, "error", err)
	}
	e.publish(c.ID, "contract_failed", map[string]any{
		"contract_id": c.ID, "reason": "execution window exceeded",
	})
	return nil
}

// filtersFromContext reads the optional hard filters the issuer put on
// the contract context under "filters".
func filtersFromContext(ctxData map[string]any) Filters {
	var f Filters
	raw, ok := ctxData["filters"].(map[string]any)
	if !ok {
		return f
	}
	if v, ok := raw["max_price"].(float64); ok {
		f.MaxPrice = v
	}
	if v, ok := raw["min_confidence"].(float64); ok {
		f.MinConfidence = v
	}
	if v, ok := raw["max_latency"].(float64); ok {
		f.MaxLatency = int(v)
	}
	if v, ok := raw["min_reputation"].(float64); ok {
		f.MinReputation = v
	}
	if v, ok := raw["free_only"].(bool); ok {
		f.FreeOnly = v
	}
	return f
}

// publish fans a lifecycle event out on the contract's task stream.
func (e *Engine) publish(contractID, eventType string, payload map[string]any) {
	if e.registry == nil {
		return
	}
	e.registry.PublishTask(contractID, presence.Event{Type: eventType, Payload: payload})
}

func (e *Engine) publishAgent(agentID, eventType string, payload map[string]any) {
	if e.registry == nil {
		return
	}
	e.registry.PublishAgent(agentID, presence.Event{Type: eventType, Payload: payload})
}
