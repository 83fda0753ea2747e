// Package auth resolves request credentials into a Principal. Agents
// authenticate with API keys ("<key id>.<secret>", bcrypt-verified);
// users present bearer tokens checked by a pluggable verifier.
package auth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/store"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID      string
	APIKeyID    string
	AgentID     string
	OrgID       string
	QuotaPerMin int
}

// IsUser reports whether the caller authenticated with a user token
// rather than an agent API key.
func (p *Principal) IsUser() bool { return p.APIKeyID == "" }

// TokenVerifier validates a user bearer token and returns the user id.
// JWT issuance lives outside this service; production wires a verifier
// for the platform's identity provider and tests use a stub.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Authenticator checks API keys against the store.
type Authenticator struct {
	store  store.Store
	tokens TokenVerifier
}

func NewAuthenticator(st store.Store, tokens TokenVerifier) *Authenticator {
	return &Authenticator{store: st, tokens: tokens}
}

// AuthenticateAPIKey resolves an X-API-Key header value.
func (a *Authenticator) AuthenticateAPIKey(ctx context.Context, raw string) (*Principal, error) {
	id, secret, ok := strings.Cut(raw, ".")
	if !ok || id == "" || secret == "" {
		return nil, core.E(core.KindUnauthorized, "malformed api key")
	}
	key, err := a.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.Active {
		return nil, core.E(core.KindUnauthorized, "invalid api key")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, core.E(core.KindUnauthorized, "expired api key")
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, core.E(core.KindUnauthorized, "invalid api key")
	}
	return &Principal{
		UserID:      key.OwnerUserID,
		APIKeyID:    key.ID,
		AgentID:     key.AgentID,
		OrgID:       key.OrgID,
		QuotaPerMin: key.QuotaPerMin,
	}, nil
}

// AuthenticateBearer resolves an Authorization: Bearer token.
func (a *Authenticator) AuthenticateBearer(ctx context.Context, token string) (*Principal, error) {
	if a.tokens == nil {
		return nil, core.E(core.KindUnauthorized, "user authentication is not configured")
	}
	userID, err := a.tokens.Verify(ctx, token)
	if err != nil {
		return nil, core.Wrap(core.KindUnauthorized, err, "invalid bearer token")
	}
	return &Principal{UserID: userID}, nil
}

// MintAPIKey creates a key row and returns the one-time secret in
// "<key id>.<secret>" form. The secret is never stored in the clear.
func (a *Authenticator) MintAPIKey(ctx context.Context, key *core.APIKey, secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", core.Wrap(core.KindInternal, err, "hash api key secret")
	}
	key.KeyHash = string(hash)
	key.Active = true
	if key.QuotaPerMin <= 0 {
		key.QuotaPerMin = 100
	}
	if err := a.store.CreateAPIKey(ctx, key); err != nil {
		return "", err
	}
	return key.ID + "." + secret, nil
}

// MayActFor reports whether the principal may send as the given agent:
// its key is bound to the agent, it created the agent, or it belongs
// to the agent's org.
func (a *Authenticator) MayActFor(ctx context.Context, p *Principal, agent *core.Agent) (bool, error) {
	if p.AgentID != "" && p.AgentID == agent.ID {
		return true, nil
	}
	if p.UserID != "" && p.UserID == agent.CreatorID {
		return true, nil
	}
	if p.UserID != "" && agent.OrgID != "" {
		return a.store.IsOrgMember(ctx, agent.OrgID, p.UserID)
	}
	return false, nil
}
