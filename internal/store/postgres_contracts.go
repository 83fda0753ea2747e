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
// Contracts, bids, deliveries
// ----------------------------------------------------------------------------

const contractColumns = `id, issuer_id, issuer_type, intent, context, reward_amount,
	status, strategy, awarded_to, created_at, awarded_at, completed_at, expires_at`

func scanContract(row interface{ Scan(...any) error }) (*core.Contract, error) {
	var c core.Contract
	var ctxData []byte
	var awardedTo sql.NullString
	var awardedAt, completedAt, expiresAt sql.NullTime
	err := row.Scan(&c.ID, &c.IssuerID, &c.IssuerType, &c.Intent, &ctxData,
		&c.RewardAmount, &c.Status, &c.Strategy, &awardedTo,
		&c.CreatedAt, &awardedAt, &completedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	c.Context = unmarshalJSON(ctxData)
	c.AwardedTo = awardedTo.String
	c.AwardedAt = timePtr(awardedAt)
	c.CompletedAt = timePtr(completedAt)
	c.ExpiresAt = timePtr(expiresAt)
	return &c, nil
}

func (p *Postgres) CreateContract(ctx context.Context, c *core.Contract) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.IssuerID, c.IssuerType, c.Intent, marshalJSON(c.Context),
		c.RewardAmount, c.Status, c.Strategy, nullStr(c.AwardedTo),
		c.CreatedAt, nullTime(c.AwardedAt), nullTime(c.CompletedAt), nullTime(c.ExpiresAt))
	return classify(err, "create contract")
}

func (p *Postgres) UpdateContract(ctx context.Context, c *core.Contract) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET status=$2, strategy=$3, awarded_to=$4,
			awarded_at=$5, completed_at=$6, expires_at=$7, context=$8
		WHERE id=$1`,
		c.ID, c.Status, c.Strategy, nullStr(c.AwardedTo),
		nullTime(c.AwardedAt), nullTime(c.CompletedAt), nullTime(c.ExpiresAt),
		marshalJSON(c.Context))
	if err != nil {
		return classify(err, "update contract")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "contract %s not found", c.ID)
	}
	return nil
}

func (p *Postgres) GetContract(ctx context.Context, id string) (*core.Contract, error) {
	c, err := scanContract(p.db.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get contract")
	}
	return c, nil
}

func (p *Postgres) ListContractsByStatus(ctx context.Context, status core.ContractStatus, minAge time.Duration) ([]*core.Contract, error) {
	cutoff := time.Now().Add(-minAge)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE status=$1 AND created_at <= $2
		ORDER BY created_at ASC`, status, cutoff)
	if err != nil {
		return nil, classify(err, "list contracts by status")
	}
	defer rows.Close()
	var out []*core.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, classify(err, "scan contract")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateBid(ctx context.Context, b *core.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bids (id, contract_id, agent_id, price, eta_seconds, confidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.ContractID, b.AgentID, b.Price, b.ETASeconds, b.Confidence, b.CreatedAt)
	return classify(err, "create bid")
}

func (p *Postgres) GetBid(ctx context.Context, contractID, agentID string) (*core.Bid, error) {
	var b core.Bid
	err := p.db.QueryRowContext(ctx, `
		SELECT id, contract_id, agent_id, price, eta_seconds, confidence, created_at
		FROM bids WHERE contract_id=$1 AND agent_id=$2`, contractID, agentID).
		Scan(&b.ID, &b.ContractID, &b.AgentID, &b.Price, &b.ETASeconds, &b.Confidence, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get bid")
	}
	return &b, nil
}

func (p *Postgres) ListBids(ctx context.Context, contractID string) ([]*core.Bid, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, agent_id, price, eta_seconds, confidence, created_at
		FROM bids WHERE contract_id=$1 ORDER BY created_at ASC`, contractID)
	if err != nil {
		return nil, classify(err, "list bids")
	}
	defer rows.Close()
	var out []*core.Bid
	for rows.Next() {
		var b core.Bid
		if err := rows.Scan(&b.ID, &b.ContractID, &b.AgentID, &b.Price,
			&b.ETASeconds, &b.Confidence, &b.CreatedAt); err != nil {
			return nil, classify(err, "scan bid")
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func scanDelivery(row interface{ Scan(...any) error }) (*core.Delivery, error) {
	var d core.Delivery
	var data []byte
	var score sql.NullFloat64
	err := row.Scan(&d.ID, &d.ContractID, &d.AgentID, &data,
		&d.DeliveredAt, &d.IsValidated, &score)
	if err != nil {
		return nil, err
	}
	d.Data = unmarshalJSON(data)
	if score.Valid {
		v := score.Float64
		d.ValidationScore = &v
	}
	return &d, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, d *core.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}
	var score sql.NullFloat64
	if d.ValidationScore != nil {
		score = sql.NullFloat64{Float64: *d.ValidationScore, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, contract_id, agent_id, data, delivered_at, is_validated, validation_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.ContractID, d.AgentID, marshalJSON(d.Data),
		d.DeliveredAt, d.IsValidated, score)
	return classify(err, "create delivery")
}

func (p *Postgres) UpdateDelivery(ctx context.Context, d *core.Delivery) error {
	var score sql.NullFloat64
	if d.ValidationScore != nil {
		score = sql.NullFloat64{Float64: *d.ValidationScore, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE deliveries SET data=$2, is_validated=$3, validation_score=$4 WHERE id=$1`,
		d.ID, marshalJSON(d.Data), d.IsValidated, score)
	if err != nil {
		return classify(err, "update delivery")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "delivery %s not found", d.ID)
	}
	return nil
}

func (p *Postgres) GetDelivery(ctx context.Context, contractID, agentID string) (*core.Delivery, error) {
	d, err := scanDelivery(p.db.QueryRowContext(ctx, `
		SELECT id, contract_id, agent_id, data, delivered_at, is_validated, validation_score
		FROM deliveries WHERE contract_id=$1 AND agent_id=$2`, contractID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get delivery")
	}
	return d, nil
}

func (p *Postgres) ListValidatedDeliveries(ctx context.Context, agentID string) ([]*core.Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, agent_id, data, delivered_at, is_validated, validation_score
		FROM deliveries WHERE agent_id=$1 AND is_validated ORDER BY delivered_at ASC`, agentID)
	if err != nil {
		return nil, classify(err, "list validated deliveries")
	}
	defer rows.Close()
	var out []*core.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, classify(err, "scan delivery")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Metrics and reputation
// ----------------------------------------------------------------------------

func (p *Postgres) AppendMetric(ctx context.Context, m *core.AgentMetric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	var rating sql.NullInt64
	if m.UserRating > 0 {
		rating = sql.NullInt64{Int64: int64(m.UserRating), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_metrics (id, agent_id, contract_id, execution_time, promised_time, success, user_rating, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.AgentID, nullStr(m.ContractID), m.ExecutionTime, m.PromisedTime,
		m.Success, rating, m.CreatedAt)
	return classify(err, "append metric")
}

func (p *Postgres) ListMetrics(ctx context.Context, agentID string) ([]*core.AgentMetric, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, contract_id, execution_time, promised_time, success, user_rating, created_at
		FROM agent_metrics WHERE agent_id=$1 ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, classify(err, "list metrics")
	}
	defer rows.Close()
	var out []*core.AgentMetric
	for rows.Next() {
		var m core.AgentMetric
		var contractID sql.NullString
		var rating sql.NullInt64
		if err := rows.Scan(&m.ID, &m.AgentID, &contractID, &m.ExecutionTime,
			&m.PromisedTime, &m.Success, &rating, &m.CreatedAt); err != nil {
			return nil, classify(err, "scan metric")
		}
		m.ContractID = contractID.String
		m.UserRating = int(rating.Int64)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertTrustScore(ctx context.Context, s *core.AgentTrustScore) error {
	s.UpdatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_trust_scores (agent_id, quality, reliability, speed, honesty, collaboration, trust_score, trust_grade, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (agent_id) DO UPDATE SET
			quality=EXCLUDED.quality, reliability=EXCLUDED.reliability,
			speed=EXCLUDED.speed, honesty=EXCLUDED.honesty,
			collaboration=EXCLUDED.collaboration, trust_score=EXCLUDED.trust_score,
			trust_grade=EXCLUDED.trust_grade, updated_at=EXCLUDED.updated_at`,
		s.AgentID, s.Quality, s.Reliability, s.Speed, s.Honesty,
		s.Collaboration, s.TrustScore, s.TrustGrade, s.UpdatedAt)
	return classify(err, "upsert trust score")
}

func (p *Postgres) GetTrustScore(ctx context.Context, agentID string) (*core.AgentTrustScore, error) {
	var s core.AgentTrustScore
	err := p.db.QueryRowContext(ctx, `
		SELECT agent_id, quality, reliability, speed, honesty, collaboration, trust_score, trust_grade, updated_at
		FROM agent_trust_scores WHERE agent_id=$1`, agentID).
		Scan(&s.AgentID, &s.Quality, &s.Reliability, &s.Speed, &s.Honesty,
			&s.Collaboration, &s.TrustScore, &s.TrustGrade, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get trust score")
	}
	return &s, nil
}

func (p *Postgres) AppendTrustSnapshot(ctx context.Context, s *core.TrustSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trust_snapshots (id, agent_id, trust_score, trust_grade, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.AgentID, s.TrustScore, s.TrustGrade, s.CreatedAt)
	return classify(err, "append trust snapshot")
}

func (p *Postgres) CountCollaborations(ctx context.Context, agentID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM plan_steps WHERE agent_id=$1`, agentID).Scan(&n)
	if err != nil {
		return 0, classify(err, "count collaborations")
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Federation
// ----------------------------------------------------------------------------

func (p *Postgres) UpsertFederationContact(ctx context.Context, c *core.FederationContact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.LastSeenAt.IsZero() {
		c.LastSeenAt = time.Now()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO federation_contacts (id, name, domain, remote_org_id, local_org_id, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (name, domain) DO UPDATE SET
			remote_org_id = COALESCE(EXCLUDED.remote_org_id, federation_contacts.remote_org_id),
			local_org_id  = COALESCE(EXCLUDED.local_org_id, federation_contacts.local_org_id),
			last_seen_at  = EXCLUDED.last_seen_at
		RETURNING id`,
		c.ID, c.Name, c.Domain, nullStr(c.RemoteOrgID), nullStr(c.LocalOrgID), c.LastSeenAt).
		Scan(&c.ID)
	return classify(err, "upsert federation contact")
}

func (p *Postgres) RecordPolicyDecision(ctx context.Context, d *core.PolicyDecision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO a2a_policy_cache (id, source_agent_id, target_agent_id, allowed, reason, decided_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		d.ID, d.SourceAgentID, d.TargetAgentID, d.Allowed, d.Reason, d.DecidedAt)
	return classify(err, "record policy decision")
}

// ----------------------------------------------------------------------------
// API keys
// ----------------------------------------------------------------------------

func (p *Postgres) CreateAPIKey(ctx context.Context, k *core.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, owner_user_id, agent_id, org_id, key_hash, quota_per_min, active, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		k.ID, k.OwnerUserID, nullStr(k.AgentID), nullStr(k.OrgID), k.KeyHash,
		k.QuotaPerMin, k.Active, nullTime(k.ExpiresAt), k.CreatedAt)
	return classify(err, "create api key")
}

func (p *Postgres) GetAPIKey(ctx context.Context, id string) (*core.APIKey, error) {
	var k core.APIKey
	var agentID, orgID sql.NullString
	var expires sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, agent_id, org_id, key_hash, quota_per_min, active, expires_at, created_at
		FROM api_keys WHERE id=$1`, id).
		Scan(&k.ID, &k.OwnerUserID, &agentID, &orgID, &k.KeyHash,
			&k.QuotaPerMin, &k.Active, &expires, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get api key")
	}
	k.AgentID = agentID.String
	k.OrgID = orgID.String
	k.ExpiresAt = timePtr(expires)
	return &k, nil
}

// ----------------------------------------------------------------------------
// Orchestration plans
// ----------------------------------------------------------------------------

func (p *Postgres) CreatePlan(ctx context.Context, pl *core.Plan) error {
	if pl.ID == "" {
		pl.ID = uuid.NewString()
	}
	if pl.CreatedAt.IsZero() {
		pl.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (id, user_id, query, pattern, complexity, status, result, confidence, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		pl.ID, pl.UserID, pl.Query, pl.Pattern, pl.Complexity, pl.Status,
		marshalJSON(pl.Result), pl.Confidence, pl.CreatedAt, nullTime(pl.CompletedAt))
	return classify(err, "create plan")
}

func (p *Postgres) UpdatePlan(ctx context.Context, pl *core.Plan) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE plans SET status=$2, result=$3, confidence=$4, completed_at=$5 WHERE id=$1`,
		pl.ID, pl.Status, marshalJSON(pl.Result), pl.Confidence, nullTime(pl.CompletedAt))
	if err != nil {
		return classify(err, "update plan")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "plan %s not found", pl.ID)
	}
	return nil
}

func (p *Postgres) CreatePlanStep(ctx context.Context, s *core.PlanStep) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plan_steps (id, plan_id, node_id, level, agent_id, status, output, confidence, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.PlanID, s.NodeID, s.Level, s.AgentID, s.Status,
		marshalJSON(s.Output), s.Confidence, s.StartedAt, nullTime(s.CompletedAt))
	return classify(err, "create plan step")
}

func (p *Postgres) ListPlanSteps(ctx context.Context, planID string) ([]*core.PlanStep, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, plan_id, node_id, level, agent_id, status, output, confidence, started_at, completed_at
		FROM plan_steps WHERE plan_id=$1 ORDER BY level ASC, started_at ASC`, planID)
	if err != nil {
		return nil, classify(err, "list plan steps")
	}
	defer rows.Close()
	var out []*core.PlanStep
	for rows.Next() {
		var s core.PlanStep
		var output []byte
		var completed sql.NullTime
		if err := rows.Scan(&s.ID, &s.PlanID, &s.NodeID, &s.Level, &s.AgentID,
			&s.Status, &output, &s.Confidence, &s.StartedAt, &completed); err != nil {
			return nil, classify(err, "scan plan step")
		}
		s.Output = unmarshalJSON(output)
		s.CompletedAt = timePtr(completed)
		out = append(out, &s)
	}
	return out, rows.Err()
}
