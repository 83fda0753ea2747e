// Package store is the persistence façade for the mesh runtime. Two
// implementations exist: Postgres (production) and an in-memory store
// used by tests and the no-database dev mode. All other packages hold
// only primary keys into rows owned here.
package store

import (
	"context"
	"time"

	"github.com/agentmesh/hub/internal/core"
)

// Store is the durable-state contract consumed by the router, the
// contract engine, the ACL evaluator, the reputation engine, the
// federation bridge and the orchestrator.
//
// Lookup methods return (nil, nil) when the row does not exist unless
// documented otherwise; writes that would break a uniqueness invariant
// return a core.KindConflict error.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *core.Agent) error
	UpdateAgent(ctx context.Context, a *core.Agent) error
	GetAgent(ctx context.Context, id string) (*core.Agent, error)
	GetAgents(ctx context.Context, ids []string) (map[string]*core.Agent, error)
	FindAgentByName(ctx context.Context, name string) (*core.Agent, error)
	SearchAgents(ctx context.Context, query string, caps []string, category string, limit int) ([]*core.Agent, error)
	ListAgentsByStatus(ctx context.Context, status core.AgentStatus, limit int) ([]*core.Agent, error)

	// Organizations and membership
	CreateOrganization(ctx context.Context, o *core.Organization) error
	GetOrganization(ctx context.Context, id string) (*core.Organization, error)
	UpsertOrganizationByDomain(ctx context.Context, domain string) (*core.Organization, error)
	AddOrgMember(ctx context.Context, m *core.OrgMember) error
	IsOrgMember(ctx context.Context, orgID, userID string) (bool, error)

	// ACL rules (at most one row per directed pair)
	UpsertOrgAllow(ctx context.Context, sourceOrgID, targetOrgID string, allowed bool) error
	UpsertAgentAllow(ctx context.Context, sourceAgentID, targetAgentID string, allowed bool) error
	FindOrgAllow(ctx context.Context, sourceOrgID, targetOrgID string) (*core.OrgAllowRule, error)
	FindAgentAllow(ctx context.Context, sourceAgentID, targetAgentID string) (*core.AgentAllowRule, error)

	// Conversations
	CreateConversation(ctx context.Context, c *core.Conversation) error
	GetConversation(ctx context.Context, id string) (*core.Conversation, error)
	FindActiveConversation(ctx context.Context, initiatorID, targetID string) (*core.Conversation, error)

	// Messages and receipts. CreateMessage persists the message and its
	// recipient receipt in one transaction.
	CreateMessage(ctx context.Context, m *core.Message, r *core.Receipt) error
	GetMessage(ctx context.Context, id string) (*core.Message, error)
	FindMessageByIdempotencyKey(ctx context.Context, fromAgentID, key string) (*core.Message, error)
	ListConversationMessages(ctx context.Context, conversationID string, afterCreatedAt time.Time) ([]*core.Message, error)
	GetReceipt(ctx context.Context, messageID, agentID string) (*core.Receipt, error)
	// MarkReceiptAttempt increments the attempt counter, stamps
	// last_attempt_at and, when delivered, sets delivered_at if unset.
	MarkReceiptAttempt(ctx context.Context, messageID, agentID string, at time.Time, delivered bool) error
	// AckReceipt sets acked_at if unset and returns the effective ack
	// time, so repeated acks observe the first call's timestamp.
	AckReceipt(ctx context.Context, messageID, agentID string, at time.Time) (time.Time, error)
	ListUnacked(ctx context.Context, agentID string, limit int) ([]*core.InboxEntry, error)

	// Contracts, bids, deliveries
	CreateContract(ctx context.Context, c *core.Contract) error
	UpdateContract(ctx context.Context, c *core.Contract) error
	GetContract(ctx context.Context, id string) (*core.Contract, error)
	ListContractsByStatus(ctx context.Context, status core.ContractStatus, minAge time.Duration) ([]*core.Contract, error)
	CreateBid(ctx context.Context, b *core.Bid) error
	GetBid(ctx context.Context, contractID, agentID string) (*core.Bid, error)
	ListBids(ctx context.Context, contractID string) ([]*core.Bid, error)
	CreateDelivery(ctx context.Context, d *core.Delivery) error
	UpdateDelivery(ctx context.Context, d *core.Delivery) error
	GetDelivery(ctx context.Context, contractID, agentID string) (*core.Delivery, error)
	ListValidatedDeliveries(ctx context.Context, agentID string) ([]*core.Delivery, error)

	// Metrics and reputation
	AppendMetric(ctx context.Context, m *core.AgentMetric) error
	ListMetrics(ctx context.Context, agentID string) ([]*core.AgentMetric, error)
	UpsertTrustScore(ctx context.Context, s *core.AgentTrustScore) error
	GetTrustScore(ctx context.Context, agentID string) (*core.AgentTrustScore, error)
	AppendTrustSnapshot(ctx context.Context, s *core.TrustSnapshot) error
	CountCollaborations(ctx context.Context, agentID string) (int, error)

	// Federation
	UpsertFederationContact(ctx context.Context, c *core.FederationContact) error
	RecordPolicyDecision(ctx context.Context, d *core.PolicyDecision) error

	// Auth
	CreateAPIKey(ctx context.Context, k *core.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*core.APIKey, error)

	// Orchestration persistence
	CreatePlan(ctx context.Context, p *core.Plan) error
	UpdatePlan(ctx context.Context, p *core.Plan) error
	CreatePlanStep(ctx context.Context, s *core.PlanStep) error
	ListPlanSteps(ctx context.Context, planID string) ([]*core.PlanStep, error)
}
