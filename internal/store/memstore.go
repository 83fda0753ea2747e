package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/hub/internal/core"
)

// MemStore is the in-memory Store. It mirrors the Postgres semantics —
// uniqueness invariants, (nil, nil) misses, idempotent acks — behind a
// single mutex, the same fallback discipline the runtime applies when
// Redis is absent.
type MemStore struct {
	mu sync.RWMutex

	agents        map[string]*core.Agent
	agentsByName  map[string]string // name -> id
	orgs          map[string]*core.Organization
	orgsByDomain  map[string]string
	members       map[string]map[string]core.OrgRole // orgID -> userID -> role
	orgAllows     map[string]*core.OrgAllowRule      // "src|dst"
	agentAllows   map[string]*core.AgentAllowRule    // "src|dst"
	conversations map[string]*core.Conversation
	messages      map[string]*core.Message
	msgByIdem     map[string]string // "from|key" -> message id
	receipts      map[string]*core.Receipt
	contracts     map[string]*core.Contract
	bids          map[string]*core.Bid // "contract|agent"
	deliveries    map[string]*core.Delivery
	metrics       []*core.AgentMetric
	trustScores   map[string]*core.AgentTrustScore
	snapshots     []*core.TrustSnapshot
	contacts      map[string]*core.FederationContact // "name|domain"
	decisions     []*core.PolicyDecision
	apiKeys       map[string]*core.APIKey
	plans         map[string]*core.Plan
	planSteps     map[string][]*core.PlanStep
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		agents:        make(map[string]*core.Agent),
		agentsByName:  make(map[string]string),
		orgs:          make(map[string]*core.Organization),
		orgsByDomain:  make(map[string]string),
		members:       make(map[string]map[string]core.OrgRole),
		orgAllows:     make(map[string]*core.OrgAllowRule),
		agentAllows:   make(map[string]*core.AgentAllowRule),
		conversations: make(map[string]*core.Conversation),
		messages:      make(map[string]*core.Message),
		msgByIdem:     make(map[string]string),
		receipts:      make(map[string]*core.Receipt),
		contracts:     make(map[string]*core.Contract),
		bids:          make(map[string]*core.Bid),
		deliveries:    make(map[string]*core.Delivery),
		trustScores:   make(map[string]*core.AgentTrustScore),
		contacts:      make(map[string]*core.FederationContact),
		apiKeys:       make(map[string]*core.APIKey),
		plans:         make(map[string]*core.Plan),
		planSteps:     make(map[string][]*core.PlanStep),
	}
}

func pairKey(a, b string) string { return a + "|" + b }

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

func (s *MemStore) CreateAgent(_ context.Context, a *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.agentsByName[a.Name]; taken {
		return core.E(core.KindConflict, "agent name %q already exists", a.Name)
	}
	ensureID(&a.ID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	cp := *a
	s.agents[a.ID] = &cp
	s.agentsByName[a.Name] = a.ID
	return nil
}

func (s *MemStore) UpdateAgent(_ context.Context, a *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.agents[a.ID]
	if !ok {
		return core.E(core.KindNotFound, "agent %s not found", a.ID)
	}
	if prev.Name != a.Name {
		if _, taken := s.agentsByName[a.Name]; taken {
			return core.E(core.KindConflict, "agent name %q already exists", a.Name)
		}
		delete(s.agentsByName, prev.Name)
		s.agentsByName[a.Name] = a.ID
	}
	a.UpdatedAt = time.Now()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemStore) GetAgent(_ context.Context, id string) (*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) GetAgents(_ context.Context, ids []string) (map[string]*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*core.Agent, len(ids))
	for _, id := range ids {
		if a, ok := s.agents[id]; ok {
			cp := *a
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemStore) FindAgentByName(_ context.Context, name string) (*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.agentsByName[name]; ok {
		cp := *s.agents[id]
		return &cp, nil
	}
	return nil, nil
}

// SearchAgents ranks by substring and capability overlap. The Postgres
// store upgrades this to similarity ranking; the contract is the same:
// best matches first, at most limit rows.
func (s *MemStore) SearchAgents(_ context.Context, query string, caps []string, category string, limit int) ([]*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	type scored struct {
		agent *core.Agent
		score float64
	}
	var matches []scored
	for _, a := range s.agents {
		if category != "" && a.Category != category {
			continue
		}
		score := 0.0
		if q != "" {
			name := strings.ToLower(a.Name)
			desc := strings.ToLower(a.Description)
			switch {
			case name == q:
				score += 3
			case strings.Contains(name, q):
				score += 2
			case strings.Contains(desc, q):
				score += 1
			}
		}
		if len(caps) > 0 {
			have := make(map[string]bool, len(a.Capabilities))
			for _, c := range a.Capabilities {
				have[c] = true
			}
			hit := 0
			for _, c := range caps {
				if have[c] {
					hit++
				}
			}
			if hit == 0 {
				continue
			}
			score += float64(hit) / float64(len(caps))
		}
		if score == 0 && (q != "" || len(caps) > 0) {
			continue
		}
		cp := *a
		matches = append(matches, scored{&cp, score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].agent.TrustScore > matches[j].agent.TrustScore
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*core.Agent, len(matches))
	for i, m := range matches {
		out[i] = m.agent
	}
	return out, nil
}

func (s *MemStore) ListAgentsByStatus(_ context.Context, status core.AgentStatus, limit int) ([]*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Agent
	for _, a := range s.agents {
		if a.Status == status {
			cp := *a
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Organizations
// ----------------------------------------------------------------------------

func (s *MemStore) CreateOrganization(_ context.Context, o *core.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&o.ID)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	cp := *o
	s.orgs[o.ID] = &cp
	if o.Domain != "" {
		s.orgsByDomain[o.Domain] = o.ID
	}
	return nil
}

func (s *MemStore) GetOrganization(_ context.Context, id string) (*core.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orgs[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) UpsertOrganizationByDomain(_ context.Context, domain string) (*core.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.orgsByDomain[domain]; ok {
		cp := *s.orgs[id]
		return &cp, nil
	}
	o := &core.Organization{
		ID:        uuid.NewString(),
		Name:      domain,
		Domain:    domain,
		CreatedAt: time.Now(),
	}
	s.orgs[o.ID] = o
	s.orgsByDomain[domain] = o.ID
	cp := *o
	return &cp, nil
}

func (s *MemStore) AddOrgMember(_ context.Context, m *core.OrgMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[m.OrgID] == nil {
		s.members[m.OrgID] = make(map[string]core.OrgRole)
	}
	s.members[m.OrgID][m.UserID] = m.Role
	return nil
}

func (s *MemStore) IsOrgMember(_ context.Context, orgID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[orgID][userID]
	return ok, nil
}

// ----------------------------------------------------------------------------
// ACL rules
// ----------------------------------------------------------------------------

func (s *MemStore) UpsertOrgAllow(_ context.Context, src, dst string, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(src, dst)
	if r, ok := s.orgAllows[key]; ok {
		r.Allowed = allowed
		return nil
	}
	s.orgAllows[key] = &core.OrgAllowRule{
		ID: uuid.NewString(), SourceOrgID: src, TargetOrgID: dst,
		Allowed: allowed, CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemStore) UpsertAgentAllow(_ context.Context, src, dst string, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(src, dst)
	if r, ok := s.agentAllows[key]; ok {
		r.Allowed = allowed
		return nil
	}
	s.agentAllows[key] = &core.AgentAllowRule{
		ID: uuid.NewString(), SourceAgentID: src, TargetAgentID: dst,
		Allowed: allowed, CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemStore) FindOrgAllow(_ context.Context, src, dst string) (*core.OrgAllowRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.orgAllows[pairKey(src, dst)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) FindAgentAllow(_ context.Context, src, dst string) (*core.AgentAllowRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.agentAllows[pairKey(src, dst)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

// ----------------------------------------------------------------------------
// Conversations, messages, receipts
// ----------------------------------------------------------------------------

func (s *MemStore) CreateConversation(_ context.Context, c *core.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *MemStore) GetConversation(_ context.Context, id string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) FindActiveConversation(_ context.Context, initiatorID, targetID string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *core.Conversation
	for _, c := range s.conversations {
		if c.Status != core.ConversationActive {
			continue
		}
		if c.InitiatorID == initiatorID && c.TargetID == targetID {
			if best == nil || c.CreatedAt.After(best.CreatedAt) {
				best = c
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemStore) CreateMessage(_ context.Context, m *core.Message, r *core.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IdempotencyKey != "" {
		key := pairKey(m.FromAgentID, m.IdempotencyKey)
		if _, dup := s.msgByIdem[key]; dup {
			return core.E(core.KindConflict, "duplicate idempotency key %q for agent %s", m.IdempotencyKey, m.FromAgentID)
		}
		defer func() { s.msgByIdem[key] = m.ID }()
	}
	ensureID(&m.ID)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	mc := *m
	s.messages[m.ID] = &mc

	r.MessageID = m.ID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.CreatedAt
	}
	rc := *r
	s.receipts[pairKey(r.MessageID, r.AgentID)] = &rc
	return nil
}

func (s *MemStore) GetMessage(_ context.Context, id string) (*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.messages[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) FindMessageByIdempotencyKey(_ context.Context, fromAgentID, key string) (*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.msgByIdem[pairKey(fromAgentID, key)]; ok {
		cp := *s.messages[id]
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) ListConversationMessages(_ context.Context, conversationID string, afterCreatedAt time.Time) ([]*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.CreatedAt.After(afterCreatedAt) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) GetReceipt(_ context.Context, messageID, agentID string) (*core.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.receipts[pairKey(messageID, agentID)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) MarkReceiptAttempt(_ context.Context, messageID, agentID string, at time.Time, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[pairKey(messageID, agentID)]
	if !ok {
		return core.E(core.KindNotFound, "receipt for message %s agent %s not found", messageID, agentID)
	}
	r.DeliveryAttempts++
	t := at
	r.LastAttemptAt = &t
	if delivered && r.DeliveredAt == nil {
		d := at
		r.DeliveredAt = &d
	}
	return nil
}

func (s *MemStore) AckReceipt(_ context.Context, messageID, agentID string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[pairKey(messageID, agentID)]
	if !ok {
		return time.Time{}, core.E(core.KindNotFound, "receipt for message %s agent %s not found", messageID, agentID)
	}
	if r.AckedAt != nil {
		return *r.AckedAt, nil
	}
	t := at
	r.AckedAt = &t
	return t, nil
}

func (s *MemStore) ListUnacked(_ context.Context, agentID string, limit int) ([]*core.InboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.InboxEntry
	for _, r := range s.receipts {
		if r.AgentID != agentID || r.AckedAt != nil {
			continue
		}
		m := s.messages[r.MessageID]
		mc, rc := *m, *r
		out = append(out, &core.InboxEntry{Message: &mc, Receipt: &rc})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Message.CreatedAt.After(out[j].Message.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Contracts
// ----------------------------------------------------------------------------

func (s *MemStore) CreateContract(_ context.Context, c *core.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemStore) UpdateContract(_ context.Context, c *core.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; !ok {
		return core.E(core.KindNotFound, "contract %s not found", c.ID)
	}
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemStore) GetContract(_ context.Context, id string) (*core.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.contracts[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) ListContractsByStatus(_ context.Context, status core.ContractStatus, minAge time.Duration) ([]*core.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-minAge)
	var out []*core.Contract
	for _, c := range s.contracts {
		if c.Status == status && !c.CreatedAt.After(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) CreateBid(_ context.Context, b *core.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(b.ContractID, b.AgentID)
	if _, dup := s.bids[key]; dup {
		return core.E(core.KindConflict, "agent %s already bid on contract %s", b.AgentID, b.ContractID)
	}
	ensureID(&b.ID)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	cp := *b
	s.bids[key] = &cp
	return nil
}

func (s *MemStore) GetBid(_ context.Context, contractID, agentID string) (*core.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.bids[pairKey(contractID, agentID)]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) ListBids(_ context.Context, contractID string) ([]*core.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Bid
	for _, b := range s.bids {
		if b.ContractID == contractID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) CreateDelivery(_ context.Context, d *core.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(d.ContractID, d.AgentID)
	if _, dup := s.deliveries[key]; dup {
		return core.E(core.KindConflict, "delivery already exists for contract %s agent %s", d.ContractID, d.AgentID)
	}
	ensureID(&d.ID)
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}
	cp := *d
	s.deliveries[key] = &cp
	return nil
}

func (s *MemStore) UpdateDelivery(_ context.Context, d *core.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(d.ContractID, d.AgentID)
	if _, ok := s.deliveries[key]; !ok {
		return core.E(core.KindNotFound, "delivery for contract %s agent %s not found", d.ContractID, d.AgentID)
	}
	cp := *d
	s.deliveries[key] = &cp
	return nil
}

func (s *MemStore) GetDelivery(_ context.Context, contractID, agentID string) (*core.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.deliveries[pairKey(contractID, agentID)]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) ListValidatedDeliveries(_ context.Context, agentID string) ([]*core.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Delivery
	for _, d := range s.deliveries {
		if d.AgentID == agentID && d.IsValidated {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Metrics, reputation, federation, auth, plans
// ----------------------------------------------------------------------------

func (s *MemStore) AppendMetric(_ context.Context, m *core.AgentMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&m.ID)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.metrics = append(s.metrics, &cp)
	return nil
}

func (s *MemStore) ListMetrics(_ context.Context, agentID string) ([]*core.AgentMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.AgentMetric
	for _, m := range s.metrics {
		if m.AgentID == agentID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) UpsertTrustScore(_ context.Context, t *core.AgentTrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now()
	cp := *t
	s.trustScores[t.AgentID] = &cp
	return nil
}

func (s *MemStore) GetTrustScore(_ context.Context, agentID string) (*core.AgentTrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.trustScores[agentID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) AppendTrustSnapshot(_ context.Context, snap *core.TrustSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&snap.ID)
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	cp := *snap
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *MemStore) CountCollaborations(_ context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, steps := range s.planSteps {
		for _, st := range steps {
			if st.AgentID == agentID {
				n++
			}
		}
	}
	return n, nil
}

func (s *MemStore) UpsertFederationContact(_ context.Context, c *core.FederationContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(c.Name, c.Domain)
	if prev, ok := s.contacts[key]; ok {
		prev.LastSeenAt = c.LastSeenAt
		if c.RemoteOrgID != "" {
			prev.RemoteOrgID = c.RemoteOrgID
		}
		if c.LocalOrgID != "" {
			prev.LocalOrgID = c.LocalOrgID
		}
		c.ID = prev.ID
		return nil
	}
	ensureID(&c.ID)
	cp := *c
	s.contacts[key] = &cp
	return nil
}

func (s *MemStore) RecordPolicyDecision(_ context.Context, d *core.PolicyDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&d.ID)
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	cp := *d
	s.decisions = append(s.decisions, &cp)
	return nil
}

func (s *MemStore) CreateAPIKey(_ context.Context, k *core.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&k.ID)
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	cp := *k
	s.apiKeys[k.ID] = &cp
	return nil
}

func (s *MemStore) GetAPIKey(_ context.Context, id string) (*core.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.apiKeys[id]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) CreatePlan(_ context.Context, p *core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *MemStore) UpdatePlan(_ context.Context, p *core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; !ok {
		return core.E(core.KindNotFound, "plan %s not found", p.ID)
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *MemStore) CreatePlanStep(_ context.Context, st *core.PlanStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&st.ID)
	cp := *st
	s.planSteps[st.PlanID] = append(s.planSteps[st.PlanID], &cp)
	return nil
}

func (s *MemStore) ListPlanSteps(_ context.Context, planID string) ([]*core.PlanStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.planSteps[planID]
	out := make([]*core.PlanStep, len(steps))
	for i, st := range steps {
		cp := *st
		out[i] = &cp
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
