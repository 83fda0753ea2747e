// Package router is the A2A message plane: authenticated send with
// idempotency, delivery receipts, real-time push to online agents and
// handoff to the federation client for cross-hub targets.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmesh/hub/internal/acl"
	"github.com/agentmesh/hub/internal/auth"
	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/federation"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/ratelimit"
	"github.com/agentmesh/hub/internal/store"
)

// SendRequest is one send call. Exactly one of ToAgentID or ToAddress
// must be set; ToAddress takes the name@domain federated form.
type SendRequest struct {
	FromAgentID      string         `json:"from_agent_id"`
	ToAgentID        string         `json:"to_agent_id,omitempty"`
	ToAddress        string         `json:"to_address,omitempty"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	Type             string         `json:"message_type"`
	Content          map[string]any `json:"content"`
	RequiresResponse bool           `json:"requires_response"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
}

// SendResult reports the outcome. Status is "sent" when the message
// reached the recipient, "queued" when it is persisted awaiting
// delivery, "duplicate" when the idempotency key matched a prior send.
type SendResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// Config carries the router's rate limit knobs.
type Config struct {
	OrgLimitPerMin int
	LocalDomain    string
}

// Router executes the send pipeline.
type Router struct {
	store     store.Store
	registry  *presence.Registry
	evaluator *acl.Evaluator
	limiter   *ratelimit.Limiter
	auth      *auth.Authenticator
	fedClient *federation.Client
	cfg       Config
	log       *slog.Logger
}

func New(st store.Store, reg *presence.Registry, eval *acl.Evaluator, lim *ratelimit.Limiter,
	authn *auth.Authenticator, fed *federation.Client, cfg Config, log *slog.Logger) *Router {
	if cfg.OrgLimitPerMin <= 0 {
		cfg.OrgLimitPerMin = 600
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:     st,
		registry:  reg,
		evaluator: eval,
		limiter:   lim,
		auth:      authn,
		fedClient: fed,
		cfg:       cfg,
		log:       log,
	}
}

// Send runs the full pipeline: ownership, rate limits, idempotency,
// target resolution, ACL, persistence, push.
func (r *Router) Send(ctx context.Context, p *auth.Principal, req *SendRequest) (*SendResult, error) {
	if req.FromAgentID == "" {
		return nil, core.E(core.KindBadRequest, "from_agent_id is required")
	}
	if (req.ToAgentID == "") == (req.ToAddress == "") {
		return nil, core.E(core.KindBadRequest, "exactly one of to_agent_id or to_address is required")
	}

	from, err := r.store.GetAgent(ctx, req.FromAgentID)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, core.E(core.KindNotFound, "agent %s not found", req.FromAgentID)
	}
	allowed, err := r.auth.MayActFor(ctx, p, from)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, core.E(core.KindForbidden, "caller may not send as agent %s", from.ID)
	}

	if p.APIKeyID != "" {
		if err := r.limiter.Allow(ctx, ratelimit.APIKeyKey(p.APIKeyID), p.QuotaPerMin, time.Minute); err != nil {
			return nil, err
		}
	}
	if from.OrgID != "" {
		if err := r.limiter.Allow(ctx, ratelimit.OrgKey(from.OrgID), r.cfg.OrgLimitPerMin, time.Minute); err != nil {
			return nil, err
		}
	}

	if req.IdempotencyKey != "" {
		prior, err := r.store.FindMessageByIdempotencyKey(ctx, from.ID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return &SendResult{MessageID: prior.ID, ConversationID: prior.ConversationID, Status: "duplicate"}, nil
		}
	}

	// Addresses whose domain is our own collapse to the local path.
	toAddress := req.ToAddress
	toAgentID := req.ToAgentID
	var remoteDomain string
	if toAddress != "" {
		name, domain, ok := federation.SplitAddress(toAddress)
		if !ok {
			return nil, core.E(core.KindBadRequest, "invalid to_address %q", toAddress)
		}
		if domain == r.cfg.LocalDomain {
			local, err := r.store.FindAgentByName(ctx, name)
			if err != nil {
				return nil, err
			}
			if local == nil {
				return nil, core.E(core.KindNotFound, "no local agent named %s", name)
			}
			toAgentID = local.ID
		} else {
			remoteDomain = domain
		}
	}

	if remoteDomain != "" {
		return r.sendFederated(ctx, from, toAddress, remoteDomain, req)
	}
	return r.sendLocal(ctx, from, toAgentID, req)
}

func (r *Router) sendLocal(ctx context.Context, from *core.Agent, toAgentID string, req *SendRequest) (*SendResult, error) {
	to, err := r.store.GetAgent(ctx, toAgentID)
	if err != nil {
		return nil, err
	}
	if to == nil {
		return nil, core.E(core.KindNotFound, "agent %s not found", toAgentID)
	}

	decision, err := r.evaluator.Check(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, core.E(core.KindForbidden, "%s", decision.Reason)
	}

	conv, err := r.resolveConversation(ctx, from.ID, to.ID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	msg := &core.Message{
		ConversationID:   conv.ID,
		FromAgentID:      from.ID,
		ToAgentID:        to.ID,
		Type:             core.NormalizeMessageType(req.Type),
		Content:          req.Content,
		RequiresResponse: req.RequiresResponse,
		IdempotencyKey:   req.IdempotencyKey,
	}
	receipt := &core.Receipt{AgentID: to.ID}
	if err := r.store.CreateMessage(ctx, msg, receipt); err != nil {
		if core.IsKind(err, core.KindConflict) && req.IdempotencyKey != "" {
			prior, ferr := r.store.FindMessageByIdempotencyKey(ctx, from.ID, req.IdempotencyKey)
			if ferr == nil && prior != nil {
				return &SendResult{MessageID: prior.ID, ConversationID: prior.ConversationID, Status: "duplicate"}, nil
			}
		}
		return nil, err
	}

	status := "queued"
	if r.registry != nil && r.registry.AgentOnline(to.ID) {
		r.registry.PublishAgent(to.ID, presence.Event{
			Type: "a2a_message",
			Payload: map[string]any{
				"message_id":      msg.ID,
				"conversation_id": conv.ID,
				"from_agent_id":   from.ID,
				"message_type":    string(msg.Type),
				"content":         msg.Content,
			},
		})
		if err := r.store.MarkReceiptAttempt(ctx, msg.ID, to.ID, time.Now(), true); err != nil {
			r.log.Warn("receipt attempt update failed", "message_id", msg.ID, "error", err)
		} else {
			status = "sent"
		}
	}
	return &SendResult{MessageID: msg.ID, ConversationID: conv.ID, Status: status}, nil
}

func (r *Router) sendFederated(ctx context.Context, from *core.Agent, toAddress, domain string, req *SendRequest) (*SendResult, error) {
	if r.fedClient == nil {
		return nil, core.E(core.KindBadRequest, "federation is not configured")
	}

	// The remote party is materialized locally as a stub so the
	// conversation and receipt reference real rows.
	stub, err := r.upsertRemoteStub(ctx, toAddress, domain)
	if err != nil {
		return nil, err
	}
	conv, err := r.resolveConversation(ctx, from.ID, stub.ID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	msg := &core.Message{
		ConversationID:   conv.ID,
		FromAgentID:      from.ID,
		ToAgentID:        stub.ID,
		Type:             core.NormalizeMessageType(req.Type),
		Content:          req.Content,
		RequiresResponse: req.RequiresResponse,
		IdempotencyKey:   req.IdempotencyKey,
	}
	receipt := &core.Receipt{AgentID: stub.ID}
	if err := r.store.CreateMessage(ctx, msg, receipt); err != nil {
		if core.IsKind(err, core.KindConflict) && req.IdempotencyKey != "" {
			prior, ferr := r.store.FindMessageByIdempotencyKey(ctx, from.ID, req.IdempotencyKey)
			if ferr == nil && prior != nil {
				return &SendResult{MessageID: prior.ID, ConversationID: prior.ConversationID, Status: "duplicate"}, nil
			}
		}
		return nil, err
	}

	now := time.Now().UTC()
	env := &federation.Envelope{
		ID:               msg.ID, // remote ACKs reference this id
		From:             from.Name + "@" + r.cfg.LocalDomain,
		To:               toAddress,
		Type:             string(msg.Type),
		Payload:          msg.Content,
		Timestamp:        &now,
		RequiresResponse: msg.RequiresResponse,
	}
	err = r.fedClient.Deliver(ctx, domain, env)
	if markErr := r.store.MarkReceiptAttempt(ctx, msg.ID, stub.ID, time.Now(), err == nil); markErr != nil {
		r.log.Warn("receipt attempt update failed", "message_id", msg.ID, "error", markErr)
	}
	if err != nil {
		// Persisted but undelivered; the caller retries at its level.
		r.log.Warn("federated delivery failed", "message_id", msg.ID, "domain", domain, "error", err)
		return &SendResult{MessageID: msg.ID, ConversationID: conv.ID, Status: "queued"}, nil
	}
	return &SendResult{MessageID: msg.ID, ConversationID: conv.ID, Status: "sent"}, nil
}

func (r *Router) upsertRemoteStub(ctx context.Context, address, domain string) (*core.Agent, error) {
	stub, err := r.store.FindAgentByName(ctx, address)
	if err != nil {
		return nil, err
	}
	if stub != nil {
		return stub, nil
	}
	org, err := r.store.UpsertOrganizationByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	stub = &core.Agent{
		Name:     address,
		Category: core.CategoryFederated,
		Status:   core.AgentInactive,
		OrgID:    org.ID,
	}
	if err := r.store.CreateAgent(ctx, stub); err != nil {
		if !core.IsKind(err, core.KindConflict) {
			return nil, err
		}
		stub, err = r.store.FindAgentByName(ctx, address)
		if err != nil || stub == nil {
			return nil, core.E(core.KindInternal, "stub upsert race for %s", address)
		}
	}
	return stub, nil
}

func (r *Router) resolveConversation(ctx context.Context, fromID, toID, conversationID string) (*core.Conversation, error) {
	if conversationID != "" {
		conv, err := r.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, core.E(core.KindNotFound, "conversation %s not found", conversationID)
		}
		return conv, nil
	}
	conv, err := r.store.FindActiveConversation(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	conv = &core.Conversation{
		InitiatorID: fromID,
		TargetID:    toID,
		Topic:       "a2a",
		Status:      core.ConversationActive,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Ack marks a message acknowledged by its recipient. Idempotent: the
// first ack time wins and later calls return it unchanged.
func (r *Router) Ack(ctx context.Context, p *auth.Principal, messageID, agentID string) (time.Time, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return time.Time{}, err
	}
	if agent == nil {
		return time.Time{}, core.E(core.KindNotFound, "agent %s not found", agentID)
	}
	allowed, err := r.auth.MayActFor(ctx, p, agent)
	if err != nil {
		return time.Time{}, err
	}
	if !allowed {
		return time.Time{}, core.E(core.KindForbidden, "caller may not ack for agent %s", agentID)
	}
	return r.store.AckReceipt(ctx, messageID, agentID, time.Now())
}

// Inbox lists unacked messages for a recipient and opportunistically
// stamps delivered_at on rows fetched for the first time.
func (r *Router) Inbox(ctx context.Context, p *auth.Principal, agentID string, limit int) ([]*core.InboxEntry, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, core.E(core.KindNotFound, "agent %s not found", agentID)
	}
	allowed, err := r.auth.MayActFor(ctx, p, agent)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, core.E(core.KindForbidden, "caller may not read inbox for agent %s", agentID)
	}

	entries, err := r.store.ListUnacked(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.Receipt.DeliveredAt == nil {
			if err := r.store.MarkReceiptAttempt(ctx, entry.Message.ID, agentID, now, true); err != nil {
				r.log.Warn("inbox delivered stamp failed", "message_id", entry.Message.ID, "error", err)
				continue
			}
			entry.Receipt.DeliveryAttempts++
			entry.Receipt.LastAttemptAt = &now
			entry.Receipt.DeliveredAt = &now
		}
	}
	return entries, nil
}
