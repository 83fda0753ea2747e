package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/hub/internal/acl"
	"github.com/agentmesh/hub/internal/auth"
	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/ratelimit"
	"github.com/agentmesh/hub/internal/store"
)

type fixture struct {
	store    *store.MemStore
	registry *presence.Registry
	router   *Router
	owner    *auth.Principal
	from     *core.Agent
	to       *core.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemStore()
	reg := presence.NewRegistry(nil)
	authn := auth.NewAuthenticator(st, nil)
	eval := acl.NewEvaluator(st, nil)
	lim := ratelimit.New(nil, nil)
	rt := New(st, reg, eval, lim, authn, nil, Config{LocalDomain: "local.example"}, nil)

	from := &core.Agent{Name: "sender", Status: core.AgentActive, CreatorID: "u1"}
	require.NoError(t, st.CreateAgent(ctx, from))
	to := &core.Agent{Name: "receiver", Status: core.AgentActive, IsPublic: true}
	require.NoError(t, st.CreateAgent(ctx, to))

	return &fixture{
		store:    st,
		registry: reg,
		router:   rt,
		owner:    &auth.Principal{UserID: "u1"},
		from:     from,
		to:       to,
	}
}

type recordingStream struct{ events []presence.Event }

func (r *recordingStream) Send(event any) error {
	r.events = append(r.events, event.(presence.Event))
	return nil
}
func (r *recordingStream) Close() {}

func TestSendQueuedWhenRecipientOffline(t *testing.T) {
	f := newFixture(t)
	res, err := f.router.Send(context.Background(), f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   f.to.ID,
		Type:        "request",
		Content:     map[string]any{"q": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)
	assert.NotEmpty(t, res.ConversationID)

	r, err := f.store.GetReceipt(context.Background(), res.MessageID, f.to.ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 0, r.DeliveryAttempts)
	assert.Nil(t, r.DeliveredAt)
}

func TestSendPushesToOnlineRecipient(t *testing.T) {
	f := newFixture(t)
	stream := &recordingStream{}
	f.registry.SubscribeAgent(f.to.ID, stream)

	res, err := f.router.Send(context.Background(), f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   f.to.ID,
		Type:        "request",
		Content:     map[string]any{"q": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Status)
	require.Len(t, stream.events, 1)
	assert.Equal(t, "a2a_message", stream.events[0].Type)

	r, err := f.store.GetReceipt(context.Background(), res.MessageID, f.to.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.DeliveryAttempts)
	require.NotNil(t, r.DeliveredAt)
}

func TestSendIdempotencyKeyReturnsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &SendRequest{
		FromAgentID:    f.from.ID,
		ToAgentID:      f.to.ID,
		Type:           "request",
		Content:        map[string]any{"q": "once"},
		IdempotencyKey: "key-1",
	}
	first, err := f.router.Send(ctx, f.owner, req)
	require.NoError(t, err)
	second, err := f.router.Send(ctx, f.owner, req)
	require.NoError(t, err)

	assert.Equal(t, "duplicate", second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	// Only one message exists for the conversation.
	msgs, err := f.store.ListConversationMessages(ctx, first.ConversationID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendDeniedByACL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	private := &core.Agent{Name: "private", Status: core.AgentActive}
	require.NoError(t, f.store.CreateAgent(ctx, private))

	_, err := f.router.Send(ctx, f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   private.ID,
		Type:        "request",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
	assert.Contains(t, err.Error(), "no permission rules allow this access")
}

func TestSendRejectsForeignPrincipal(t *testing.T) {
	f := newFixture(t)
	stranger := &auth.Principal{UserID: "u2"}
	_, err := f.router.Send(context.Background(), stranger, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   f.to.ID,
		Type:        "request",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
}

func TestSendValidatesTargetFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Send(context.Background(), f.owner, &SendRequest{FromAgentID: f.from.ID})
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))

	_, err = f.router.Send(context.Background(), f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   f.to.ID,
		ToAddress:   "x@y.example",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))
}

func TestSendLocalAddressCollapses(t *testing.T) {
	f := newFixture(t)
	res, err := f.router.Send(context.Background(), f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAddress:   "receiver@local.example",
		Type:        "request",
	})
	require.NoError(t, err)

	msg, err := f.store.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, f.to.ID, msg.ToAgentID)
}

func TestUnknownMessageTypeBecomesNotification(t *testing.T) {
	f := newFixture(t)
	res, err := f.router.Send(context.Background(), f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   f.to.ID,
		Type:        "telepathy",
	})
	require.NoError(t, err)

	msg, err := f.store.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, core.MessageNotification, msg.Type)
}

func TestAckIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.router.Send(ctx, f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   f.to.ID,
		Type:        "request",
	})
	require.NoError(t, err)

	// The recipient has no creator; give the caller ownership.
	f.to.CreatorID = "u1"
	require.NoError(t, f.store.UpdateAgent(ctx, f.to))

	first, err := f.router.Ack(ctx, f.owner, res.MessageID, f.to.ID)
	require.NoError(t, err)
	second, err := f.router.Ack(ctx, f.owner, res.MessageID, f.to.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestInboxStampsDeliveredAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.router.Send(ctx, f.owner, &SendRequest{
		FromAgentID: f.from.ID,
		ToAgentID:   f.to.ID,
		Type:        "request",
	})
	require.NoError(t, err)

	f.to.CreatorID = "u1"
	require.NoError(t, f.store.UpdateAgent(ctx, f.to))

	entries, err := f.router.Inbox(ctx, f.owner, f.to.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.MessageID, entries[0].Message.ID)
	require.NotNil(t, entries[0].Receipt.DeliveredAt)

	// After ack the inbox is empty.
	_, err = f.router.Ack(ctx, f.owner, res.MessageID, f.to.ID)
	require.NoError(t, err)
	entries, err = f.router.Inbox(ctx, f.owner, f.to.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type countingLimiter struct {
	counts map[string]int64
}

func (c *countingLimiter) Incr(_ context.Context, key string) (int64, error) {
	c.counts[key]++
	return c.counts[key], nil
}

func (c *countingLimiter) Expire(context.Context, string, time.Duration) error { return nil }

func TestSendEnforcesAPIKeyQuota(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	authn := auth.NewAuthenticator(st, nil)
	eval := acl.NewEvaluator(st, nil)
	lim := ratelimit.New(&countingLimiter{counts: make(map[string]int64)}, nil)
	rt := New(st, nil, eval, lim, authn, nil, Config{}, nil)

	from := &core.Agent{Name: "sender", Status: core.AgentActive, CreatorID: "u1"}
	require.NoError(t, st.CreateAgent(ctx, from))
	to := &core.Agent{Name: "receiver", Status: core.AgentActive, IsPublic: true}
	require.NoError(t, st.CreateAgent(ctx, to))

	p := &auth.Principal{UserID: "u1", APIKeyID: "k1", QuotaPerMin: 2}
	req := &SendRequest{FromAgentID: from.ID, ToAgentID: to.ID, Type: "request"}

	_, err := rt.Send(ctx, p, req)
	require.NoError(t, err)
	_, err = rt.Send(ctx, p, req)
	require.NoError(t, err)
	_, err = rt.Send(ctx, p, req)
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
}
