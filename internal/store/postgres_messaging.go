package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/hub/internal/core"
)

// ----------------------------------------------------------------------------
// Conversations
// ----------------------------------------------------------------------------

func (p *Postgres) CreateConversation(ctx context.Context, c *core.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO a2a_conversations (id, initiator_id, target_id, topic, status, context_data, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.InitiatorID, c.TargetID, c.Topic, c.Status,
		marshalJSON(c.ContextData), c.CreatedAt, c.UpdatedAt)
	return classify(err, "create conversation")
}

func scanConversation(row interface{ Scan(...any) error }) (*core.Conversation, error) {
	var c core.Conversation
	var ctxData []byte
	err := row.Scan(&c.ID, &c.InitiatorID, &c.TargetID, &c.Topic, &c.Status,
		&ctxData, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ContextData = unmarshalJSON(ctxData)
	return &c, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*core.Conversation, error) {
	c, err := scanConversation(p.db.QueryRowContext(ctx, `
		SELECT id, initiator_id, target_id, topic, status, context_data, created_at, updated_at
		FROM a2a_conversations WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get conversation")
	}
	return c, nil
}

func (p *Postgres) FindActiveConversation(ctx context.Context, initiatorID, targetID string) (*core.Conversation, error) {
	c, err := scanConversation(p.db.QueryRowContext(ctx, `
		SELECT id, initiator_id, target_id, topic, status, context_data, created_at, updated_at
		FROM a2a_conversations
		WHERE initiator_id=$1 AND target_id=$2 AND status='active'
		ORDER BY created_at DESC LIMIT 1`, initiatorID, targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "find active conversation")
	}
	return c, nil
}

// ----------------------------------------------------------------------------
// Messages and receipts
// ----------------------------------------------------------------------------

func (p *Postgres) CreateMessage(ctx context.Context, m *core.Message, r *core.Receipt) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.MessageID = m.ID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.CreatedAt
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin message tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO a2a_messages (id, conversation_id, from_agent_id, to_agent_id,
			message_type, content, requires_response, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.ConversationID, m.FromAgentID, m.ToAgentID, m.Type,
		marshalJSON(m.Content), m.RequiresResponse, nullStr(m.IdempotencyKey), m.CreatedAt)
	if err != nil {
		return classify(err, "insert message")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO a2a_message_receipts (message_id, agent_id, delivery_attempts,
			last_attempt_at, delivered_at, acked_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.MessageID, r.AgentID, r.DeliveryAttempts,
		nullTime(r.LastAttemptAt), nullTime(r.DeliveredAt), nullTime(r.AckedAt), r.CreatedAt)
	if err != nil {
		return classify(err, "insert receipt")
	}
	return classify(tx.Commit(), "commit message tx")
}

const messageColumns = `id, conversation_id, from_agent_id, to_agent_id,
	message_type, content, requires_response, idempotency_key, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*core.Message, error) {
	var m core.Message
	var content []byte
	var idem sql.NullString
	err := row.Scan(&m.ID, &m.ConversationID, &m.FromAgentID, &m.ToAgentID,
		&m.Type, &content, &m.RequiresResponse, &idem, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Content = unmarshalJSON(content)
	m.IdempotencyKey = idem.String
	return &m, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM a2a_messages WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get message")
	}
	return m, nil
}

func (p *Postgres) FindMessageByIdempotencyKey(ctx context.Context, fromAgentID, key string) (*core.Message, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM a2a_messages WHERE from_agent_id=$1 AND idempotency_key=$2`,
		fromAgentID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "find message by idempotency key")
	}
	return m, nil
}

func (p *Postgres) ListConversationMessages(ctx context.Context, conversationID string, afterCreatedAt time.Time) ([]*core.Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM a2a_messages
		WHERE conversation_id=$1 AND created_at > $2
		ORDER BY created_at ASC`, conversationID, afterCreatedAt)
	if err != nil {
		return nil, classify(err, "list conversation messages")
	}
	defer rows.Close()
	var out []*core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err, "scan message")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanReceipt(row interface{ Scan(...any) error }) (*core.Receipt, error) {
	var r core.Receipt
	var lastAttempt, delivered, acked sql.NullTime
	err := row.Scan(&r.MessageID, &r.AgentID, &r.DeliveryAttempts,
		&lastAttempt, &delivered, &acked, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.LastAttemptAt = timePtr(lastAttempt)
	r.DeliveredAt = timePtr(delivered)
	r.AckedAt = timePtr(acked)
	return &r, nil
}

func (p *Postgres) GetReceipt(ctx context.Context, messageID, agentID string) (*core.Receipt, error) {
	r, err := scanReceipt(p.db.QueryRowContext(ctx, `
		SELECT message_id, agent_id, delivery_attempts, last_attempt_at, delivered_at, acked_at, created_at
		FROM a2a_message_receipts WHERE message_id=$1 AND agent_id=$2`, messageID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get receipt")
	}
	return r, nil
}

func (p *Postgres) MarkReceiptAttempt(ctx context.Context, messageID, agentID string, at time.Time, delivered bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE a2a_message_receipts
		SET delivery_attempts = delivery_attempts + 1,
		    last_attempt_at = $3,
		    delivered_at = CASE WHEN $4 AND delivered_at IS NULL THEN $3 ELSE delivered_at END
		WHERE message_id=$1 AND agent_id=$2`,
		messageID, agentID, at, delivered)
	if err != nil {
		return classify(err, "mark receipt attempt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "receipt %s/%s not found", messageID, agentID)
	}
	return nil
}

func (p *Postgres) AckReceipt(ctx context.Context, messageID, agentID string, at time.Time) (time.Time, error) {
	var acked time.Time
	err := p.db.QueryRowContext(ctx, `
		UPDATE a2a_message_receipts
		SET acked_at = COALESCE(acked_at, $3)
		WHERE message_id=$1 AND agent_id=$2
		RETURNING acked_at`, messageID, agentID, at).Scan(&acked)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, core.E(core.KindNotFound, "receipt %s/%s not found", messageID, agentID)
	}
	if err != nil {
		return time.Time{}, classify(err, "ack receipt")
	}
	return acked, nil
}

func (p *Postgres) ListUnacked(ctx context.Context, agentID string, limit int) ([]*core.InboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.from_agent_id, m.to_agent_id,
		       m.message_type, m.content, m.requires_response, m.idempotency_key, m.created_at,
		       r.message_id, r.agent_id, r.delivery_attempts, r.last_attempt_at,
		       r.delivered_at, r.acked_at, r.created_at
		FROM a2a_message_receipts r
		JOIN a2a_messages m ON m.id = r.message_id
		WHERE r.agent_id=$1 AND r.acked_at IS NULL
		ORDER BY m.created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, classify(err, "list unacked")
	}
	defer rows.Close()
	var out []*core.InboxEntry
	for rows.Next() {
		var m core.Message
		var r core.Receipt
		var content []byte
		var idem sql.NullString
		var lastAttempt, delivered, acked sql.NullTime
		err := rows.Scan(&m.ID, &m.ConversationID, &m.FromAgentID, &m.ToAgentID,
			&m.Type, &content, &m.RequiresResponse, &idem, &m.CreatedAt,
			&r.MessageID, &r.AgentID, &r.DeliveryAttempts, &lastAttempt,
			&delivered, &acked, &r.CreatedAt)
		if err != nil {
			return nil, classify(err, "scan inbox entry")
		}
		m.Content = unmarshalJSON(content)
		m.IdempotencyKey = idem.String
		r.LastAttemptAt = timePtr(lastAttempt)
		r.DeliveredAt = timePtr(delivered)
		r.AckedAt = timePtr(acked)
		out = append(out, &core.InboxEntry{Message: &m, Receipt: &r})
	}
	return out, rows.Err()
}
