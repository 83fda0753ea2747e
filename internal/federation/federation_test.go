package federation

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/hub/internal/acl"
	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/store"
)

func TestSignAndVerify(t *testing.T) {
	s := NewSigner("topsecret", true, nil)
	body := []byte(`{"id":"E1","from":"A@x","to":"B@local"}`)

	header := s.Sign(body)
	assert.True(t, strings.HasPrefix(header, "sha256="))
	assert.NoError(t, s.Verify(body, header))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	s := NewSigner("topsecret", true, nil)
	body := []byte(`{"id":"E1"}`)
	header := s.Sign(body)

	// Flip one hex digit.
	flipped := []byte(header)
	last := flipped[len(flipped)-1]
	if last == '0' {
		flipped[len(flipped)-1] = '1'
	} else {
		flipped[len(flipped)-1] = '0'
	}
	err := s.Verify(body, string(flipped))
	require.Error(t, err)
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	s := NewSigner("topsecret", true, nil)
	header := s.Sign([]byte(`{"id":"E1"}`))
	err := s.Verify([]byte(`{"id":"E2"}`), header)
	require.Error(t, err)
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
}

func TestVerifyMissingSignature(t *testing.T) {
	required := NewSigner("s", true, nil)
	err := required.Verify([]byte("x"), "")
	require.Error(t, err)
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))

	// Optional mode lets a missing header through, but a wrong one
	// still fails.
	optional := NewSigner("s", false, nil)
	assert.NoError(t, optional.Verify([]byte("x"), ""))
	assert.Error(t, optional.Verify([]byte("x"), "sha256=00"))
}

func TestVerifyUnsignedAcceptanceIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewSigner("s", false, logger)

	require.NoError(t, s.Verify([]byte("x"), ""))
	assert.Contains(t, buf.String(), "unsigned")
	assert.Contains(t, buf.String(), "WARN")
}

func TestEnvelopeEncodeIsCompact(t *testing.T) {
	env := &Envelope{
		ID:      "E1",
		From:    "A@x.example",
		To:      "B@local.example",
		Type:    "request",
		Payload: map[string]any{"q": "hi"},
	}
	raw, err := env.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "\n")
	assert.NotContains(t, string(raw), ": ")

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Payload["q"], decoded.Payload["q"])
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := Decode([]byte(`{"id":"E1"}`))
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))
}

func TestSplitAddress(t *testing.T) {
	name, domain, ok := SplitAddress("researcher@hub.example.com")
	require.True(t, ok)
	assert.Equal(t, "researcher", name)
	assert.Equal(t, "hub.example.com", domain)

	for _, bad := range []string{"", "nodomain", "@x", "x@"} {
		_, _, ok := SplitAddress(bad)
		assert.False(t, ok, "address %q", bad)
	}
}

func newBridge(t *testing.T) (*Bridge, *store.MemStore, *presence.Registry) {
	t.Helper()
	st := store.NewMemStore()
	reg := presence.NewRegistry(nil)
	eval := acl.NewEvaluator(st, nil)
	// No client: outbound ACKs are skipped in tests.
	b := NewBridge(st, reg, eval, nil, "local.example", nil)
	return b, st, reg
}

func seedLocalAgent(t *testing.T, st store.Store, name string) *core.Agent {
	t.Helper()
	a := &core.Agent{Name: name, Status: core.AgentActive, IsPublic: true}
	require.NoError(t, st.CreateAgent(context.Background(), a))
	return a
}

func TestInboundPersistsAndDedupes(t *testing.T) {
	b, st, _ := newBridge(t)
	ctx := context.Background()
	target := seedLocalAgent(t, st, "B")

	env := &Envelope{
		ID:      "E1",
		From:    "A@x.example",
		To:      "B@local.example",
		Type:    "request",
		Payload: map[string]any{"q": "hi"},
	}
	res, err := b.HandleInbound(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)

	msg, err := st.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, msg.ToAgentID)
	assert.Equal(t, "E1", msg.IdempotencyKey)

	r, err := st.GetReceipt(ctx, msg.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.DeliveryAttempts)

	// Replay of the same envelope id collapses to duplicate.
	res2, err := b.HandleInbound(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", res2.Status)
	assert.Equal(t, res.MessageID, res2.MessageID)
}

func TestInboundCreatesRemoteStub(t *testing.T) {
	b, st, _ := newBridge(t)
	ctx := context.Background()
	seedLocalAgent(t, st, "B")

	_, err := b.HandleInbound(ctx, &Envelope{
		ID: "E1", From: "A@x.example", To: "B@local.example", Type: "request",
	})
	require.NoError(t, err)

	stub, err := st.FindAgentByName(ctx, "A@x.example")
	require.NoError(t, err)
	require.NotNil(t, stub)
	assert.Equal(t, core.AgentInactive, stub.Status)
	assert.Equal(t, core.CategoryFederated, stub.Category)
	assert.NotEmpty(t, stub.OrgID)
}

func TestInboundRejectsWrongDomain(t *testing.T) {
	b, _, _ := newBridge(t)
	_, err := b.HandleInbound(context.Background(), &Envelope{
		ID: "E1", From: "A@x.example", To: "B@other.example", Type: "request",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))
}

func TestInboundUnknownTargetIs404(t *testing.T) {
	b, _, _ := newBridge(t)
	_, err := b.HandleInbound(context.Background(), &Envelope{
		ID: "E1", From: "A@x.example", To: "ghost@local.example", Type: "request",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestInboundDeniedByACL(t *testing.T) {
	b, st, _ := newBridge(t)
	ctx := context.Background()
	// Private target, no rules, default allow off.
	a := &core.Agent{Name: "B", Status: core.AgentActive}
	require.NoError(t, st.CreateAgent(ctx, a))

	_, err := b.HandleInbound(ctx, &Envelope{
		ID: "E1", From: "A@x.example", To: "B@local.example", Type: "request",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
}

func TestInboundPushesToOnlineTarget(t *testing.T) {
	b, st, reg := newBridge(t)
	ctx := context.Background()
	target := seedLocalAgent(t, st, "B")

	stream := &captureStream{}
	reg.SubscribeAgent(target.ID, stream)

	res, err := b.HandleInbound(ctx, &Envelope{
		ID: "E1", From: "A@x.example", To: "B@local.example", Type: "request",
	})
	require.NoError(t, err)
	require.Len(t, stream.events, 1)

	r, err := st.GetReceipt(ctx, res.MessageID, target.ID)
	require.NoError(t, err)
	assert.NotNil(t, r.DeliveredAt)
}

// seedOutboundMessage persists a message from a local agent to a
// remote stub, the state an outbound federated send leaves behind.
func seedOutboundMessage(t *testing.T, st store.Store, local *core.Agent, remoteAddress string) (*core.Message, *core.Agent) {
	t.Helper()
	ctx := context.Background()
	stub := &core.Agent{Name: remoteAddress, Category: core.CategoryFederated, Status: core.AgentInactive}
	require.NoError(t, st.CreateAgent(ctx, stub))
	conv := &core.Conversation{
		InitiatorID: local.ID,
		TargetID:    stub.ID,
		Topic:       "a2a",
		Status:      core.ConversationActive,
	}
	require.NoError(t, st.CreateConversation(ctx, conv))
	msg := &core.Message{
		ConversationID: conv.ID,
		FromAgentID:    local.ID,
		ToAgentID:      stub.ID,
		Type:           core.MessageRequest,
	}
	require.NoError(t, st.CreateMessage(ctx, msg, &core.Receipt{AgentID: stub.ID}))
	return msg, stub
}

func TestInboundAckMarksReceipt(t *testing.T) {
	b, st, _ := newBridge(t)
	ctx := context.Background()
	local := seedLocalAgent(t, st, "B")
	msg, stub := seedOutboundMessage(t, st, local, "A@x.example")

	ackRes, err := b.HandleInbound(ctx, &Envelope{
		ID: msg.ID, From: "A@x.example", To: "B@local.example", Type: TypeAck,
	})
	require.NoError(t, err)
	assert.Equal(t, "acked", ackRes.Status)

	r, err := st.GetReceipt(ctx, msg.ID, stub.ID)
	require.NoError(t, err)
	assert.NotNil(t, r.AckedAt)
}

func TestInboundAckFromWrongDomainRejected(t *testing.T) {
	b, st, _ := newBridge(t)
	ctx := context.Background()
	local := seedLocalAgent(t, st, "B")
	msg, stub := seedOutboundMessage(t, st, local, "A@x.example")

	// A third hub that learned the message id may not close the receipt.
	_, err := b.HandleInbound(ctx, &Envelope{
		ID: msg.ID, From: "A@evil.example", To: "B@local.example", Type: TypeAck,
	})
	require.Error(t, err)
	assert.Equal(t, core.KindForbidden, core.KindOf(err))

	r, err := st.GetReceipt(ctx, msg.ID, stub.ID)
	require.NoError(t, err)
	assert.Nil(t, r.AckedAt)
}

func TestUnknownEnvelopeTypeBecomesNotification(t *testing.T) {
	b, st, _ := newBridge(t)
	ctx := context.Background()
	seedLocalAgent(t, st, "B")

	res, err := b.HandleInbound(ctx, &Envelope{
		ID: "E1", From: "A@x.example", To: "B@local.example", Type: "hologram",
	})
	require.NoError(t, err)
	msg, err := st.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, core.MessageNotification, msg.Type)
}

type captureStream struct{ events []presence.Event }

func (c *captureStream) Send(event any) error {
	c.events = append(c.events, event.(presence.Event))
	return nil
}
func (c *captureStream) Close() {}
