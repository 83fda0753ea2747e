package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentmesh/hub/internal/core"
)

// Postgres is the production Store backed by database/sql + lib/pq.
// Invariants (agent-name uniqueness, directed ACL pairs, idempotency
// keys, one bid/delivery per contract+agent) are enforced by unique
// indexes so concurrent writers cannot race past them.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping reports store connectivity for the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the schema. Idempotent; safe to run at every boot.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    domain      TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS organizations_domain_idx
    ON organizations (domain) WHERE domain IS NOT NULL;

CREATE TABLE IF NOT EXISTS org_members (
    org_id      TEXT NOT NULL REFERENCES organizations(id),
    user_id     TEXT NOT NULL,
    role        TEXT NOT NULL DEFAULT 'member',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (org_id, user_id)
);

CREATE TABLE IF NOT EXISTS agents (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL UNIQUE,
    description      TEXT NOT NULL DEFAULT '',
    endpoint         TEXT NOT NULL DEFAULT '',
    capabilities     TEXT[] NOT NULL DEFAULT '{}',
    category         TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'active',
    creator_id       TEXT,
    org_id           TEXT REFERENCES organizations(id),
    trust_score      DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    is_public        BOOLEAN NOT NULL DEFAULT false,
    total_calls      BIGINT NOT NULL DEFAULT 0,
    successful_calls BIGINT NOT NULL DEFAULT 0,
    failed_calls     BIGINT NOT NULL DEFAULT 0,
    avg_duration     DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agents_status_idx ON agents (status);
CREATE INDEX IF NOT EXISTS agents_category_idx ON agents (category);

CREATE TABLE IF NOT EXISTS a2a_org_allows (
    id             TEXT PRIMARY KEY,
    source_org_id  TEXT NOT NULL,
    target_org_id  TEXT NOT NULL,
    allowed        BOOLEAN NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source_org_id, target_org_id)
);

CREATE TABLE IF NOT EXISTS a2a_agent_allows (
    id               TEXT PRIMARY KEY,
    source_agent_id  TEXT NOT NULL,
    target_agent_id  TEXT NOT NULL,
    allowed          BOOLEAN NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source_agent_id, target_agent_id)
);

CREATE TABLE IF NOT EXISTS a2a_conversations (
    id            TEXT PRIMARY KEY,
    initiator_id  TEXT NOT NULL REFERENCES agents(id),
    target_id     TEXT NOT NULL REFERENCES agents(id),
    topic         TEXT NOT NULL DEFAULT 'a2a',
    status        TEXT NOT NULL DEFAULT 'active',
    context_data  JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS conversations_pair_idx
    ON a2a_conversations (initiator_id, target_id, status);

CREATE TABLE IF NOT EXISTS a2a_messages (
    id                TEXT PRIMARY KEY,
    conversation_id   TEXT NOT NULL REFERENCES a2a_conversations(id) ON DELETE CASCADE,
    from_agent_id     TEXT NOT NULL,
    to_agent_id       TEXT NOT NULL,
    message_type      TEXT NOT NULL,
    content           JSONB NOT NULL DEFAULT '{}',
    requires_response BOOLEAN NOT NULL DEFAULT false,
    idempotency_key   TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS messages_idempotency_idx
    ON a2a_messages (from_agent_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON a2a_messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS a2a_message_receipts (
    message_id        TEXT NOT NULL REFERENCES a2a_messages(id) ON DELETE CASCADE,
    agent_id          TEXT NOT NULL,
    delivery_attempts INT NOT NULL DEFAULT 0,
    last_attempt_at   TIMESTAMPTZ,
    delivered_at      TIMESTAMPTZ,
    acked_at          TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, agent_id)
);
CREATE INDEX IF NOT EXISTS receipts_unacked_idx
    ON a2a_message_receipts (agent_id) WHERE acked_at IS NULL;

CREATE TABLE IF NOT EXISTS contracts (
    id            TEXT PRIMARY KEY,
    issuer_id     TEXT NOT NULL,
    issuer_type   TEXT NOT NULL DEFAULT 'user',
    intent        TEXT NOT NULL,
    context       JSONB,
    reward_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'bidding',
    strategy      TEXT NOT NULL DEFAULT '',
    awarded_to    TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    awarded_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    expires_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS contracts_status_idx ON contracts (status, created_at);

CREATE TABLE IF NOT EXISTS bids (
    id          TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL REFERENCES contracts(id),
    agent_id    TEXT NOT NULL,
    price       DOUBLE PRECISION NOT NULL,
    eta_seconds INT NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (contract_id, agent_id)
);

CREATE TABLE IF NOT EXISTS deliveries (
    id               TEXT PRIMARY KEY,
    contract_id      TEXT NOT NULL REFERENCES contracts(id),
    agent_id         TEXT NOT NULL,
    data             JSONB,
    delivered_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    is_validated     BOOLEAN NOT NULL DEFAULT false,
    validation_score DOUBLE PRECISION,
    UNIQUE (contract_id, agent_id)
);

CREATE TABLE IF NOT EXISTS agent_metrics (
    id             TEXT PRIMARY KEY,
    agent_id       TEXT NOT NULL,
    contract_id    TEXT,
    execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
    promised_time  DOUBLE PRECISION NOT NULL DEFAULT 0,
    success        BOOLEAN NOT NULL,
    user_rating    INT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agent_metrics_agent_idx ON agent_metrics (agent_id, created_at);

CREATE TABLE IF NOT EXISTS agent_trust_scores (
    agent_id      TEXT PRIMARY KEY,
    quality       DOUBLE PRECISION NOT NULL,
    reliability   DOUBLE PRECISION NOT NULL,
    speed         DOUBLE PRECISION NOT NULL,
    honesty       DOUBLE PRECISION NOT NULL,
    collaboration DOUBLE PRECISION NOT NULL,
    trust_score   DOUBLE PRECISION NOT NULL,
    trust_grade   TEXT NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trust_snapshots (
    id          TEXT PRIMARY KEY,
    agent_id    TEXT NOT NULL,
    trust_score DOUBLE PRECISION NOT NULL,
    trust_grade TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS trust_snapshots_agent_idx ON trust_snapshots (agent_id, created_at);

CREATE TABLE IF NOT EXISTS federation_contacts (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    domain        TEXT NOT NULL,
    remote_org_id TEXT,
    local_org_id  TEXT,
    last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (name, domain)
);

CREATE TABLE IF NOT EXISTS a2a_policy_cache (
    id              TEXT PRIMARY KEY,
    source_agent_id TEXT NOT NULL,
    target_agent_id TEXT NOT NULL,
    allowed         BOOLEAN NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    decided_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
    id            TEXT PRIMARY KEY,
    owner_user_id TEXT NOT NULL,
    agent_id      TEXT,
    org_id        TEXT,
    key_hash      TEXT NOT NULL,
    quota_per_min INT NOT NULL DEFAULT 100,
    active        BOOLEAN NOT NULL DEFAULT true,
    expires_at    TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS plans (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    query        TEXT NOT NULL,
    pattern      TEXT NOT NULL,
    complexity   DOUBLE PRECISION NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    result       JSONB,
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS plan_steps (
    id           TEXT PRIMARY KEY,
    plan_id      TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
    node_id      TEXT NOT NULL,
    level        INT NOT NULL,
    agent_id     TEXT NOT NULL,
    status       TEXT NOT NULL,
    output       JSONB,
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS plan_steps_agent_idx ON plan_steps (agent_id);
`

// classify converts driver errors into the runtime's error kinds.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return core.Wrap(core.KindConflict, err, "%s", op)
		case "23503": // foreign_key_violation
			return core.Wrap(core.KindIntegrity, err, "%s", op)
		}
	}
	return core.Wrap(core.KindTransientIO, err, "%s", op)
}

func marshalJSON(v map[string]any) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func unmarshalJSON(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func nullStr(s string) sql.NullString  { return sql.NullString{String: s, Valid: s != ""} }
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

const agentColumns = `id, name, description, endpoint, capabilities, category, status,
	creator_id, org_id, trust_score, is_public,
	total_calls, successful_calls, failed_calls, avg_duration, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*core.Agent, error) {
	var a core.Agent
	var creator, org sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Endpoint,
		pq.Array(&a.Capabilities), &a.Category, &a.Status,
		&creator, &org, &a.TrustScore, &a.IsPublic,
		&a.TotalCalls, &a.SuccessfulCalls, &a.FailedCalls, &a.AvgDuration,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.CreatorID = creator.String
	a.OrgID = org.String
	return &a, nil
}

func (p *Postgres) CreateAgent(ctx context.Context, a *core.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		a.ID, a.Name, a.Description, a.Endpoint, pq.Array(a.Capabilities),
		a.Category, a.Status, nullStr(a.CreatorID), nullStr(a.OrgID),
		a.TrustScore, a.IsPublic, a.TotalCalls, a.SuccessfulCalls,
		a.FailedCalls, a.AvgDuration, a.CreatedAt, a.UpdatedAt)
	return classify(err, "create agent")
}

func (p *Postgres) UpdateAgent(ctx context.Context, a *core.Agent) error {
	a.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET name=$2, description=$3, endpoint=$4, capabilities=$5,
			category=$6, status=$7, creator_id=$8, org_id=$9, trust_score=$10,
			is_public=$11, total_calls=$12, successful_calls=$13, failed_calls=$14,
			avg_duration=$15, updated_at=$16
		WHERE id=$1`,
		a.ID, a.Name, a.Description, a.Endpoint, pq.Array(a.Capabilities),
		a.Category, a.Status, nullStr(a.CreatorID), nullStr(a.OrgID),
		a.TrustScore, a.IsPublic, a.TotalCalls, a.SuccessfulCalls,
		a.FailedCalls, a.AvgDuration, a.UpdatedAt)
	if err != nil {
		return classify(err, "update agent")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "agent %s not found", a.ID)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	a, err := scanAgent(p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get agent")
	}
	return a, nil
}

func (p *Postgres) GetAgents(ctx context.Context, ids []string) (map[string]*core.Agent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, classify(err, "get agents")
	}
	defer rows.Close()
	out := make(map[string]*core.Agent, len(ids))
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, classify(err, "scan agent")
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (p *Postgres) FindAgentByName(ctx context.Context, name string) (*core.Agent, error) {
	a, err := scanAgent(p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name=$1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "find agent by name")
	}
	return a, nil
}

// SearchAgents ranks by trigram-style similarity on name/description
// plus capability overlap. Substring ILIKE keeps it portable to plain
// Postgres; pg_trgm, when installed, improves the ordering transparently
// through the similarity() call.
func (p *Postgres) SearchAgents(ctx context.Context, query string, caps []string, category string, limit int) ([]*core.Agent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE ($1 = '' OR name ILIKE '%'||$1||'%' OR description ILIKE '%'||$1||'%')
		  AND ($2::text[] = '{}' OR capabilities && $2)
		  AND ($3 = '' OR category = $3)
		ORDER BY (name ILIKE '%'||$1||'%') DESC, trust_score DESC, created_at ASC
		LIMIT $4`,
		query, pq.Array(nonNilTextArray(caps)), category, limit)
	if err != nil {
		return nil, classify(err, "search agents")
	}
	defer rows.Close()
	var out []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, classify(err, "scan agent")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// nonNilTextArray keeps array binds non-NULL: pq encodes a nil slice
// as SQL NULL, which poisons the '{}' comparison above into
// three-valued unknown.
func nonNilTextArray(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (p *Postgres) ListAgentsByStatus(ctx context.Context, status core.AgentStatus, limit int) ([]*core.Agent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status=$1 ORDER BY created_at LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, classify(err, "list agents by status")
	}
	defer rows.Close()
	var out []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, classify(err, "scan agent")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Organizations and membership
// ----------------------------------------------------------------------------

func (p *Postgres) CreateOrganization(ctx context.Context, o *core.Organization) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, domain, created_at) VALUES ($1,$2,$3,$4)`,
		o.ID, o.Name, nullStr(o.Domain), o.CreatedAt)
	return classify(err, "create organization")
}

func (p *Postgres) GetOrganization(ctx context.Context, id string) (*core.Organization, error) {
	var o core.Organization
	var domain sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, domain, created_at FROM organizations WHERE id=$1`, id).
		Scan(&o.ID, &o.Name, &domain, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get organization")
	}
	o.Domain = domain.String
	return &o, nil
}

func (p *Postgres) UpsertOrganizationByDomain(ctx context.Context, domain string) (*core.Organization, error) {
	var o core.Organization
	var d sql.NullString
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO organizations (id, name, domain)
		VALUES ($1, $2, $2)
		ON CONFLICT (domain) WHERE domain IS NOT NULL
		DO UPDATE SET name = organizations.name
		RETURNING id, name, domain, created_at`,
		uuid.NewString(), domain).
		Scan(&o.ID, &o.Name, &d, &o.CreatedAt)
	if err != nil {
		return nil, classify(err, "upsert organization by domain")
	}
	o.Domain = d.String
	return &o, nil
}

func (p *Postgres) AddOrgMember(ctx context.Context, m *core.OrgMember) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role)
		VALUES ($1,$2,$3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.OrgID, m.UserID, m.Role)
	return classify(err, "add org member")
}

func (p *Postgres) IsOrgMember(ctx context.Context, orgID, userID string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM org_members WHERE org_id=$1 AND user_id=$2`,
		orgID, userID).Scan(&n)
	if err != nil {
		return false, classify(err, "is org member")
	}
	return n > 0, nil
}

// ----------------------------------------------------------------------------
// ACL rules
// ----------------------------------------------------------------------------

func (p *Postgres) UpsertOrgAllow(ctx context.Context, src, dst string, allowed bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO a2a_org_allows (id, source_org_id, target_org_id, allowed)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (source_org_id, target_org_id) DO UPDATE SET allowed = EXCLUDED.allowed`,
		uuid.NewString(), src, dst, allowed)
	return classify(err, "upsert org allow")
}

func (p *Postgres) UpsertAgentAllow(ctx context.Context, src, dst string, allowed bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO a2a_agent_allows (id, source_agent_id, target_agent_id, allowed)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (source_agent_id, target_agent_id) DO UPDATE SET allowed = EXCLUDED.allowed`,
		uuid.NewString(), src, dst, allowed)
	return classify(err, "upsert agent allow")
}

func (p *Postgres) FindOrgAllow(ctx context.Context, src, dst string) (*core.OrgAllowRule, error) {
	var r core.OrgAllowRule
	err := p.db.QueryRowContext(ctx, `
		SELECT id, source_org_id, target_org_id, allowed, created_at
		FROM a2a_org_allows WHERE source_org_id=$1 AND target_org_id=$2`, src, dst).
		Scan(&r.ID, &r.SourceOrgID, &r.TargetOrgID, &r.Allowed, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "find org allow")
	}
	return &r, nil
}

func (p *Postgres) FindAgentAllow(ctx context.Context, src, dst string) (*core.AgentAllowRule, error) {
	var r core.AgentAllowRule
	err := p.db.QueryRowContext(ctx, `
		SELECT id, source_agent_id, target_agent_id, allowed, created_at
		FROM a2a_agent_allows WHERE source_agent_id=$1 AND target_agent_id=$2`, src, dst).
		Scan(&r.ID, &r.SourceAgentID, &r.TargetAgentID, &r.Allowed, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "find agent allow")
	}
	return &r, nil
}

var _ Store = (*Postgres)(nil)
