// Package core holds the domain model shared by every subsystem of the
// mesh runtime. Types here are plain data; behavior lives in the owning
// packages (store, router, contracts, reputation, federation).
package core

import "time"

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentActive        AgentStatus = "active"
	AgentInactive      AgentStatus = "inactive"
	AgentPendingReview AgentStatus = "pending_review"
	AgentRejected      AgentStatus = "rejected"
)

// Agent is a registered capability provider, local or a federated stub.
// Federated stubs are first-class rows pinned to AgentInactive with
// CategoryFederated so references never dangle.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"` // globally unique
	Description  string      `json:"description,omitempty"`
	Endpoint     string      `json:"endpoint,omitempty"`
	Capabilities []string    `json:"capabilities"`
	Category     string      `json:"category,omitempty"`
	Status       AgentStatus `json:"status"`
	CreatorID    string      `json:"creator_id,omitempty"`
	OrgID        string      `json:"org_id,omitempty"`
	TrustScore   float64     `json:"trust_score"`
	IsPublic     bool        `json:"is_public"`

	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	AvgDuration     float64 `json:"avg_duration"` // seconds

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CategoryFederated marks stub agents mirrored from a remote hub.
const CategoryFederated = "federated"

// Organization is the tenancy scope. An agent belongs to at most one org.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain,omitempty"` // set for orgs mirrored from remote hubs
	CreatedAt time.Time `json:"created_at"`
}

// OrgRole is the membership role within an organization.
type OrgRole string

const (
	OrgRoleMember OrgRole = "member"
	OrgRoleAdmin  OrgRole = "admin"
)

// OrgMember links a user to an organization.
type OrgMember struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      OrgRole   `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// OrgAllowRule is a directed org-to-org access rule. At most one row
// exists per (source, target) pair.
type OrgAllowRule struct {
	ID          string    `json:"id"`
	SourceOrgID string    `json:"source_org_id"`
	TargetOrgID string    `json:"target_org_id"`
	Allowed     bool      `json:"allowed"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentAllowRule is a directed agent-to-agent access rule. At most one
// row exists per (source, target) pair; it overrides org rules.
type AgentAllowRule struct {
	ID            string    `json:"id"`
	SourceAgentID string    `json:"source_agent_id"`
	TargetAgentID string    `json:"target_agent_id"`
	Allowed       bool      `json:"allowed"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation groups messages between an initiator and a target agent.
type Conversation struct {
	ID          string             `json:"id"`
	InitiatorID string             `json:"initiator_id"`
	TargetID    string             `json:"target_id"`
	Topic       string             `json:"topic"`
	Status      ConversationStatus `json:"status"`
	ContextData map[string]any     `json:"context_data,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// MessageType classifies an A2A message.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageProposal     MessageType = "proposal"
	MessageNotification MessageType = "notification"
	MessageAck          MessageType = "ack"
)

// NormalizeMessageType maps unknown wire types to a notification, so a
// newer remote hub never makes an inbound envelope unparseable.
func NormalizeMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageRequest, MessageResponse, MessageProposal, MessageNotification, MessageAck:
		return MessageType(s)
	default:
		return MessageNotification
	}
}

// Message is one A2A message inside a conversation.
// (FromAgentID, IdempotencyKey) is unique when the key is set.
type Message struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	FromAgentID      string         `json:"from_agent_id"`
	ToAgentID        string         `json:"to_agent_id"`
	Type             MessageType    `json:"message_type"`
	Content          map[string]any `json:"content"`
	RequiresResponse bool           `json:"requires_response"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Receipt is the per-recipient delivery record of a message. Once
// AckedAt is set the receipt is terminal.
type Receipt struct {
	MessageID        string     `json:"message_id"`
	AgentID          string     `json:"agent_id"` // recipient
	DeliveryAttempts int        `json:"delivery_attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	AckedAt          *time.Time `json:"acked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// InboxEntry joins a pending receipt with its message content.
type InboxEntry struct {
	Message *Message `json:"message"`
	Receipt *Receipt `json:"receipt"`
}

// ContractStatus is the contract lifecycle state.
type ContractStatus string

const (
	ContractOpen       ContractStatus = "open"
	ContractBidding    ContractStatus = "bidding"
	ContractAwarded    ContractStatus = "awarded"
	ContractInProgress ContractStatus = "in_progress"
	ContractDelivered  ContractStatus = "delivered"
	ContractValidated  ContractStatus = "validated"
	ContractSettled    ContractStatus = "settled"
	ContractFailed     ContractStatus = "failed"
	ContractCancelled  ContractStatus = "cancelled"
)

// IssuerType distinguishes who posted a contract.
type IssuerType string

const (
	IssuerUser  IssuerType = "user"
	IssuerAgent IssuerType = "agent"
)

// Contract is a unit of work posted for agents to bid on.
type Contract struct {
	ID           string         `json:"id"`
	IssuerID     string         `json:"issuer_id"`
	IssuerType   IssuerType     `json:"issuer_type"`
	Intent       string         `json:"intent"`
	Context      map[string]any `json:"context,omitempty"`
	RewardAmount float64        `json:"reward_amount"`
	Status       ContractStatus `json:"status"`
	Strategy     string         `json:"strategy,omitempty"`
	AwardedTo    string         `json:"awarded_to,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	AwardedAt    *time.Time     `json:"awarded_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// Bid is an agent's offer on a contract. At most one bid exists per
// (contract, agent).
type Bid struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contract_id"`
	AgentID    string    `json:"agent_id"`
	Price      float64   `json:"price"`
	ETASeconds int       `json:"eta_seconds"`
	Confidence float64   `json:"confidence"` // [0,1]
	CreatedAt  time.Time `json:"created_at"`
}

// Delivery is the result returned by the winning agent. At most one
// delivery exists per (contract, awarded agent).
type Delivery struct {
	ID              string         `json:"id"`
	ContractID      string         `json:"contract_id"`
	AgentID         string         `json:"agent_id"`
	Data            map[string]any `json:"data"`
	DeliveredAt     time.Time      `json:"delivered_at"`
	IsValidated     bool           `json:"is_validated"`
	ValidationScore *float64       `json:"validation_score,omitempty"` // [0,1]
}

// AgentMetric is an append-only record emitted per completed contract.
type AgentMetric struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	ContractID    string    `json:"contract_id,omitempty"`
	ExecutionTime float64   `json:"execution_time"` // seconds, actual
	PromisedTime  float64   `json:"promised_time"`  // seconds, from the bid ETA
	Success       bool      `json:"success"`
	UserRating    int       `json:"user_rating,omitempty"` // 1..5, 0 when absent
	CreatedAt     time.Time `json:"created_at"`
}

// AgentTrustScore is the derived reputation snapshot for an agent.
type AgentTrustScore struct {
	AgentID       string    `json:"agent_id"`
	Quality       float64   `json:"quality"`
	Reliability   float64   `json:"reliability"`
	Speed         float64   `json:"speed"`
	Honesty       float64   `json:"honesty"`
	Collaboration float64   `json:"collaboration"`
	TrustScore    float64   `json:"trust_score"` // [0,1] composite
	TrustGrade    string    `json:"trust_grade"` // A+, A, B, C, D, F
	UpdatedAt     time.Time `json:"updated_at"`
}

// TrustSnapshot is one historical point appended at every recompute,
// kept for trend queries.
type TrustSnapshot struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	TrustScore float64   `json:"trust_score"`
	TrustGrade string    `json:"trust_grade"`
	CreatedAt  time.Time `json:"created_at"`
}

// FederationContact is a remote agent identity observed on inbound
// federation traffic, upserted with a fresh LastSeenAt each time.
type FederationContact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	RemoteOrgID string    `json:"remote_org_id,omitempty"`
	LocalOrgID  string    `json:"local_org_id,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Address returns the canonical name@domain form of the contact.
func (c *FederationContact) Address() string { return c.Name + "@" + c.Domain }

// PolicyDecision is a materialized ACL decision. Write-only
// observability: evaluation always reruns the precedence chain.
type PolicyDecision struct {
	ID            string    `json:"id"`
	SourceAgentID string    `json:"source_agent_id"`
	TargetAgentID string    `json:"target_agent_id"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason"`
	DecidedAt     time.Time `json:"decided_at"`
}

// APIKey authenticates an agent principal. The secret is stored as a
// bcrypt hash; QuotaPerMin feeds the per-key rate limit.
type APIKey struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
	AgentID     string     `json:"agent_id,omitempty"`
	OrgID       string     `json:"org_id,omitempty"`
	KeyHash     string     `json:"-"`
	QuotaPerMin int        `json:"quota_per_min"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PlanStatus is the orchestration plan lifecycle state.
type PlanStatus string

const (
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan records one orchestration run: the query, the chosen pattern and
// the synthesized result.
type Plan struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Query       string         `json:"query"`
	Pattern     string         `json:"pattern"`
	Complexity  float64        `json:"complexity"`
	Status      PlanStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Confidence  float64        `json:"confidence"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// PlanStep is one executed node of a plan's DAG. Steps double as the
// collaboration records counted by the reputation engine.
type PlanStep struct {
	ID          string         `json:"id"`
	PlanID      string         `json:"plan_id"`
	NodeID      string         `json:"node_id"`
	Level       int            `json:"level"`
	AgentID     string         `json:"agent_id"`
	Status      string         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Confidence  float64        `json:"confidence"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
