// Package acl decides whether one agent may message another. The
// precedence chain is fixed: agent status, agent-pair rule, org-pair
// rule, same-org shortcut, public flag, then the default deny.
// Explicit rules always beat the same-org and public shortcuts, so a
// deny rule revokes access a shortcut would otherwise grant.
package acl

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/metrics"
	"github.com/agentmesh/hub/internal/store"
)

// Deny reason strings are part of the API surface; clients match on
// them, so they never change casually.
const (
	ReasonSourceNotActive = "source agent is not active"
	ReasonTargetNotActive = "target agent is not active"
	ReasonTargetPublic    = "target agent is public"
	ReasonSameOrg         = "agents share an organization"
	ReasonAgentRule       = "explicit agent-level rule"
	ReasonAgentRuleDeny   = "agent-level rule denies this access"
	ReasonOrgRule         = "explicit org-level rule"
	ReasonOrgRuleDeny     = "org-level rule denies this access"
	ReasonDefaultDeny     = "no permission rules allow this access"
	ReasonFederatedOpen   = "federation default allow"
)

// Decision is the result of one evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Evaluator runs the precedence chain against the store. Decisions are
// recorded to a short-TTL cache and the audit table; evaluation itself
// always reruns the chain so revocations take effect immediately.
type Evaluator struct {
	store store.Store
	cache *gocache.Cache
	log   *slog.Logger

	// FederationDefaultAllow opens inbound federated traffic that no
	// explicit rule covers. Off by default.
	FederationDefaultAllow bool
}

func NewEvaluator(st store.Store, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		store: st,
		cache: gocache.New(5*time.Minute, 10*time.Minute),
		log:   log,
	}
}

// Check evaluates whether source may message target. Both must be
// local agents; federated targets go through CheckFederated.
func (e *Evaluator) Check(ctx context.Context, source, target *core.Agent) (Decision, error) {
	if source.Status != core.AgentActive {
		return e.record(ctx, source, target, Decision{false, ReasonSourceNotActive}), nil
	}
	return e.checkTarget(ctx, source, target)
}

// CheckFederated evaluates an inbound federated sender against a local
// target. The source is a stub pinned inactive, so the source-status
// step does not apply; the fall-through honors the federation default
// instead of the hard deny.
func (e *Evaluator) CheckFederated(ctx context.Context, source, target *core.Agent) (Decision, error) {
	d, err := e.evaluateTarget(ctx, source, target, e.FederationDefaultAllow)
	if err != nil {
		return Decision{}, err
	}
	return e.record(ctx, source, target, d), nil
}

func (e *Evaluator) checkTarget(ctx context.Context, source, target *core.Agent) (Decision, error) {
	d, err := e.evaluateTarget(ctx, source, target, false)
	if err != nil {
		return Decision{}, err
	}
	return e.record(ctx, source, target, d), nil
}

func (e *Evaluator) evaluateTarget(ctx context.Context, source, target *core.Agent, defaultAllow bool) (Decision, error) {
	if target.Status != core.AgentActive {
		return Decision{false, ReasonTargetNotActive}, nil
	}

	agentRule, err := e.store.FindAgentAllow(ctx, source.ID, target.ID)
	if err != nil {
		return Decision{}, err
	}
	if agentRule != nil {
		if agentRule.Allowed {
			return Decision{true, ReasonAgentRule}, nil
		}
		return Decision{false, ReasonAgentRuleDeny}, nil
	}

	if source.OrgID != "" && target.OrgID != "" {
		orgRule, err := e.store.FindOrgAllow(ctx, source.OrgID, target.OrgID)
		if err != nil {
			return Decision{}, err
		}
		if orgRule != nil {
			if orgRule.Allowed {
				return Decision{true, ReasonOrgRule}, nil
			}
			return Decision{false, ReasonOrgRuleDeny}, nil
		}
	}

	if source.OrgID != "" && source.OrgID == target.OrgID {
		return Decision{true, ReasonSameOrg}, nil
	}
	if target.IsPublic {
		return Decision{true, ReasonTargetPublic}, nil
	}

	if defaultAllow {
		return Decision{true, ReasonFederatedOpen}, nil
	}
	return Decision{false, ReasonDefaultDeny}, nil
}

// CheckBulk evaluates one source against many targets with a single
// batched agent fetch. Missing targets come back as not-active denials.
func (e *Evaluator) CheckBulk(ctx context.Context, source *core.Agent, targetIDs []string) (map[string]Decision, error) {
	out := make(map[string]Decision, len(targetIDs))
	if source.Status != core.AgentActive {
		for _, id := range targetIDs {
			out[id] = Decision{false, ReasonSourceNotActive}
		}
		return out, nil
	}
	targets, err := e.store.GetAgents(ctx, targetIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range targetIDs {
		target, ok := targets[id]
		if !ok {
			out[id] = Decision{false, ReasonTargetNotActive}
			continue
		}
		d, err := e.checkTarget(ctx, source, target)
		if err != nil {
			return nil, err
		}
		out[id] = d
	}
	return out, nil
}

// record caches and audits a decision. Failures here never flip the
// decision; they are logged and dropped.
func (e *Evaluator) record(ctx context.Context, source, target *core.Agent, d Decision) Decision {
	metrics.ACLDecisions.WithLabelValues(strconv.FormatBool(d.Allowed)).Inc()
	e.cache.SetDefault(source.ID+"|"+target.ID, d)
	err := e.store.RecordPolicyDecision(ctx, &core.PolicyDecision{
		SourceAgentID: source.ID,
		TargetAgentID: target.ID,
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		DecidedAt:     time.Now(),
	})
	if err != nil {
		e.log.Warn("policy decision audit write failed",
			"source", source.ID, "target", target.ID, "error", err)
	}
	return d
}
