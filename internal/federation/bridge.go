package federation

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmesh/hub/internal/acl"
	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/store"
)

// InboundResult is returned to the peer hub.
type InboundResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // accepted | duplicate | acked
}

// Bridge handles inbound federation traffic. Remote senders become
// local stub rows (inactive agents in a domain-mirrored org) so every
// message, receipt and policy decision references real rows.
type Bridge struct {
	store     store.Store
	registry  *presence.Registry
	evaluator *acl.Evaluator
	client    *Client
	domain    string // local hub domain
	log       *slog.Logger
}

func NewBridge(st store.Store, reg *presence.Registry, eval *acl.Evaluator, client *Client, domain string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		store:     st,
		registry:  reg,
		evaluator: eval,
		client:    client,
		domain:    domain,
		log:       log,
	}
}

// Domain returns the local hub domain.
func (b *Bridge) Domain() string { return b.domain }

// HandleInbound processes one verified envelope. The HTTP layer has
// already checked the body signature; everything from the domain check
// on happens here.
func (b *Bridge) HandleInbound(ctx context.Context, env *Envelope) (*InboundResult, error) {
	toName, toDomain, ok := SplitAddress(env.To)
	if !ok {
		return nil, core.E(core.KindBadRequest, "invalid to address %q", env.To)
	}
	if toDomain != b.domain {
		return nil, core.E(core.KindBadRequest, "envelope addressed to %s, this hub is %s", toDomain, b.domain)
	}
	fromName, fromDomain, ok := SplitAddress(env.From)
	if !ok {
		return nil, core.E(core.KindBadRequest, "invalid from address %q", env.From)
	}

	if env.Type == TypeAck {
		return b.handleAck(ctx, env, fromDomain)
	}

	target, err := b.store.FindAgentByName(ctx, toName)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, core.E(core.KindNotFound, "no local agent named %s", toName)
	}

	stub, err := b.upsertRemoteIdentity(ctx, fromName, fromDomain)
	if err != nil {
		return nil, err
	}

	decision, err := b.evaluator.CheckFederated(ctx, stub, target)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, core.E(core.KindForbidden, "%s", decision.Reason)
	}

	// The envelope id doubles as the idempotency key, so a replayed
	// POST collapses onto the first delivery.
	if prior, err := b.store.FindMessageByIdempotencyKey(ctx, stub.ID, env.ID); err != nil {
		return nil, err
	} else if prior != nil {
		return &InboundResult{MessageID: prior.ID, Status: "duplicate"}, nil
	}

	conv, err := b.store.FindActiveConversation(ctx, stub.ID, target.ID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		conv = &core.Conversation{
			InitiatorID: stub.ID,
			TargetID:    target.ID,
			Topic:       "a2a",
			Status:      core.ConversationActive,
		}
		if err := b.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	online := b.registry != nil && b.registry.AgentOnline(target.ID)
	msg := &core.Message{
		ConversationID:   conv.ID,
		FromAgentID:      stub.ID,
		ToAgentID:        target.ID,
		Type:             core.NormalizeMessageType(env.Type),
		Content:          env.Payload,
		RequiresResponse: env.RequiresResponse,
		IdempotencyKey:   env.ID,
	}
	receipt := &core.Receipt{
		AgentID:          target.ID,
		DeliveryAttempts: 1,
		LastAttemptAt:    &now,
	}
	if online {
		receipt.DeliveredAt = &now
	}
	if err := b.store.CreateMessage(ctx, msg, receipt); err != nil {
		if core.IsKind(err, core.KindConflict) {
			// Concurrent replay raced us to the insert.
			prior, ferr := b.store.FindMessageByIdempotencyKey(ctx, stub.ID, env.ID)
			if ferr == nil && prior != nil {
				return &InboundResult{MessageID: prior.ID, Status: "duplicate"}, nil
			}
		}
		return nil, err
	}

	if online {
		b.registry.PublishAgent(target.ID, presence.Event{
			Type: "a2a_message",
			Payload: map[string]any{
				"message_id":      msg.ID,
				"conversation_id": conv.ID,
				"from":            env.From,
				"message_type":    string(msg.Type),
				"content":         msg.Content,
			},
		})
	}

	if b.client != nil {
		if err := b.client.SendAck(ctx, fromDomain, env.ID, env.To, env.From); err != nil {
			b.log.Debug("federation ack send failed", "domain", fromDomain, "error", err)
		}
	}
	return &InboundResult{MessageID: msg.ID, Status: "accepted"}, nil
}

// handleAck marks the receipt of the original outbound message, whose
// id is the envelope id. Only the hub the message was addressed to may
// close the receipt, so the sender domain is checked against the
// recipient stub's address.
func (b *Bridge) handleAck(ctx context.Context, env *Envelope, fromDomain string) (*InboundResult, error) {
	msg, err := b.store.GetMessage(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, core.E(core.KindNotFound, "unknown envelope id %s", env.ID)
	}
	recipient, err := b.store.GetAgent(ctx, msg.ToAgentID)
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, core.E(core.KindIntegrity, "message %s has no recipient row", msg.ID)
	}
	_, recipientDomain, ok := SplitAddress(recipient.Name)
	if !ok || recipientDomain != fromDomain {
		return nil, core.E(core.KindForbidden, "ack from %s for a message not addressed to that hub", fromDomain)
	}
	if _, err := b.store.AckReceipt(ctx, msg.ID, msg.ToAgentID, time.Now()); err != nil {
		return nil, err
	}
	return &InboundResult{MessageID: msg.ID, Status: "acked"}, nil
}

// upsertRemoteIdentity materializes the sender: a domain org, an
// inactive stub agent and a fresh contact row.
func (b *Bridge) upsertRemoteIdentity(ctx context.Context, name, domain string) (*core.Agent, error) {
	org, err := b.store.UpsertOrganizationByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	address := name + "@" + domain
	stub, err := b.store.FindAgentByName(ctx, address)
	if err != nil {
		return nil, err
	}
	if stub == nil {
		stub = &core.Agent{
			Name:     address,
			Category: core.CategoryFederated,
			Status:   core.AgentInactive,
			OrgID:    org.ID,
		}
		if err := b.store.CreateAgent(ctx, stub); err != nil {
			if !core.IsKind(err, core.KindConflict) {
				return nil, err
			}
			stub, err = b.store.FindAgentByName(ctx, address)
			if err != nil || stub == nil {
				return nil, core.E(core.KindInternal, "stub upsert race for %s", address)
			}
		}
	}

	if err := b.store.UpsertFederationContact(ctx, &core.FederationContact{
		Name:       name,
		Domain:     domain,
		LocalOrgID: org.ID,
		LastSeenAt: time.Now(),
	}); err != nil {
		b.log.Warn("federation contact upsert failed", "address", address, "error", err)
	}
	return stub, nil
}
