package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/hub/internal/core"
)

func TestCreateAgentEnforcesUniqueName(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.CreateAgent(ctx, &core.Agent{Name: "bob"}))

	err := s.CreateAgent(ctx, &core.Agent{Name: "bob"})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestUpdateAgentRename(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := &core.Agent{Name: "old"}
	require.NoError(t, s.CreateAgent(ctx, a))
	require.NoError(t, s.CreateAgent(ctx, &core.Agent{Name: "taken"}))

	a.Name = "taken"
	err := s.UpdateAgent(ctx, a)
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	a.Name = "new"
	require.NoError(t, s.UpdateAgent(ctx, a))

	found, err := s.FindAgentByName(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, found)
	// The old name is released.
	gone, err := s.FindAgentByName(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestGetAgentMissReturnsNilNil(t *testing.T) {
	s := NewMemStore()
	a, err := s.GetAgent(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestCreateMessageIdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	msg := &core.Message{FromAgentID: "a1", ToAgentID: "a2", IdempotencyKey: "k1"}
	require.NoError(t, s.CreateMessage(ctx, msg, &core.Receipt{AgentID: "a2"}))

	dup := &core.Message{FromAgentID: "a1", ToAgentID: "a2", IdempotencyKey: "k1"}
	err := s.CreateMessage(ctx, dup, &core.Receipt{AgentID: "a2"})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	// A different sender may reuse the key.
	other := &core.Message{FromAgentID: "a9", ToAgentID: "a2", IdempotencyKey: "k1"}
	require.NoError(t, s.CreateMessage(ctx, other, &core.Receipt{AgentID: "a2"}))

	found, err := s.FindMessageByIdempotencyKey(ctx, "a1", "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, msg.ID, found.ID)
}

func TestAckReceiptFirstTimeWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	msg := &core.Message{FromAgentID: "a1", ToAgentID: "a2"}
	require.NoError(t, s.CreateMessage(ctx, msg, &core.Receipt{AgentID: "a2"}))

	first := time.Now()
	got, err := s.AckReceipt(ctx, msg.ID, "a2", first)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// A later ack returns the original timestamp unchanged.
	later, err := s.AckReceipt(ctx, msg.ID, "a2", first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, later)

	_, err = s.AckReceipt(ctx, "nope", "a2", time.Now())
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestMarkReceiptAttemptAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	msg := &core.Message{FromAgentID: "a1", ToAgentID: "a2"}
	require.NoError(t, s.CreateMessage(ctx, msg, &core.Receipt{AgentID: "a2"}))

	t1 := time.Now()
	require.NoError(t, s.MarkReceiptAttempt(ctx, msg.ID, "a2", t1, false))
	require.NoError(t, s.MarkReceiptAttempt(ctx, msg.ID, "a2", t1.Add(time.Second), true))
	// delivered_at is stamped once and never moves.
	require.NoError(t, s.MarkReceiptAttempt(ctx, msg.ID, "a2", t1.Add(time.Minute), true))

	r, err := s.GetReceipt(ctx, msg.ID, "a2")
	require.NoError(t, err)
	assert.Equal(t, 3, r.DeliveryAttempts)
	require.NotNil(t, r.DeliveredAt)
	assert.Equal(t, t1.Add(time.Second), *r.DeliveredAt)
}

func TestListUnackedNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	old := &core.Message{FromAgentID: "a1", ToAgentID: "a2", CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, s.CreateMessage(ctx, old, &core.Receipt{AgentID: "a2"}))
	recent := &core.Message{FromAgentID: "a1", ToAgentID: "a2"}
	require.NoError(t, s.CreateMessage(ctx, recent, &core.Receipt{AgentID: "a2"}))

	entries, err := s.ListUnacked(ctx, "a2", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, recent.ID, entries[0].Message.ID)

	_, err = s.AckReceipt(ctx, recent.ID, "a2", time.Now())
	require.NoError(t, err)
	entries, err = s.ListUnacked(ctx, "a2", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, old.ID, entries[0].Message.ID)
}

func TestBidAndDeliveryUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.CreateBid(ctx, &core.Bid{ContractID: "c1", AgentID: "a1", Price: 5}))
	err := s.CreateBid(ctx, &core.Bid{ContractID: "c1", AgentID: "a1", Price: 4})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	// Same agent, different contract is fine.
	require.NoError(t, s.CreateBid(ctx, &core.Bid{ContractID: "c2", AgentID: "a1", Price: 5}))

	require.NoError(t, s.CreateDelivery(ctx, &core.Delivery{ContractID: "c1", AgentID: "a1"}))
	err = s.CreateDelivery(ctx, &core.Delivery{ContractID: "c1", AgentID: "a1"})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestListContractsByStatusHonorsMinAge(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ripe := &core.Contract{IssuerID: "u1", Status: core.ContractBidding, CreatedAt: time.Now().Add(-time.Minute)}
	require.NoError(t, s.CreateContract(ctx, ripe))
	fresh := &core.Contract{IssuerID: "u1", Status: core.ContractBidding}
	require.NoError(t, s.CreateContract(ctx, fresh))

	out, err := s.ListContractsByStatus(ctx, core.ContractBidding, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ripe.ID, out[0].ID)

	out, err = s.ListContractsByStatus(ctx, core.ContractBidding, 0)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestUpsertOrganizationByDomainIsStable(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	first, err := s.UpsertOrganizationByDomain(ctx, "x.example")
	require.NoError(t, err)
	second, err := s.UpsertOrganizationByDomain(ctx, "x.example")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := s.UpsertOrganizationByDomain(ctx, "y.example")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestUpsertFederationContactRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	t1 := time.Now().Add(-time.Hour)
	c := &core.FederationContact{Name: "A", Domain: "x.example", LocalOrgID: "o1", LastSeenAt: t1}
	require.NoError(t, s.UpsertFederationContact(ctx, c))
	firstID := c.ID

	t2 := time.Now()
	again := &core.FederationContact{Name: "A", Domain: "x.example", LastSeenAt: t2}
	require.NoError(t, s.UpsertFederationContact(ctx, again))
	// The upsert resolves to the existing row.
	assert.Equal(t, firstID, again.ID)
}

func TestSearchAgentsRanking(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.CreateAgent(ctx, &core.Agent{Name: "translator", Description: "translates text", Capabilities: []string{"translate"}}))
	require.NoError(t, s.CreateAgent(ctx, &core.Agent{Name: "summarizer", Description: "can also translate"}))
	require.NoError(t, s.CreateAgent(ctx, &core.Agent{Name: "unrelated"}))

	out, err := s.SearchAgents(ctx, "translator", nil, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "translator", out[0].Name)

	// Capability filter excludes agents with no overlap at all.
	out, err = s.SearchAgents(ctx, "", []string{"translate"}, "", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "translator", out[0].Name)
}

func TestTrustScoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	missing, err := s.GetTrustScore(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpsertTrustScore(ctx, &core.AgentTrustScore{AgentID: "a1", TrustScore: 0.7, TrustGrade: "B"}))
	require.NoError(t, s.UpsertTrustScore(ctx, &core.AgentTrustScore{AgentID: "a1", TrustScore: 0.9, TrustGrade: "A"}))

	got, err := s.GetTrustScore(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.9, got.TrustScore)
	assert.Equal(t, "A", got.TrustGrade)
}
