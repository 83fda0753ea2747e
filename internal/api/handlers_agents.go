package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentmesh/hub/internal/core"
)

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		Endpoint     string   `json:"endpoint"`
		Capabilities []string `json:"capabilities"`
		Category     string   `json:"category"`
		OrgID        string   `json:"org_id"`
		IsPublic     bool     `json:"is_public"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, core.E(core.KindBadRequest, "agent name is required"))
		return
	}
	if req.OrgID != "" {
		member, err := s.Store.IsOrgMember(r.Context(), req.OrgID, p.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !member {
			writeError(w, core.E(core.KindForbidden, "caller is not a member of org %s", req.OrgID))
			return
		}
	}
	agent := &core.Agent{
		Name:         req.Name,
		Description:  req.Description,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		Category:     req.Category,
		Status:       core.AgentActive,
		CreatorID:    p.UserID,
		OrgID:        req.OrgID,
		TrustScore:   0.5,
		IsPublic:     req.IsPublic,
	}
	if err := s.Store.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.Store.GetAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, core.E(core.KindNotFound, "agent not found"))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSearchAgents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	var caps []string
	if raw := q.Get("capabilities"); raw != "" {
		caps = strings.Split(raw, ",")
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	agents, err := s.Store.SearchAgents(r.Context(), q.Get("query"), caps, q.Get("category"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	agentID := mux.Vars(r)["id"]
	score, err := s.Store.GetTrustScore(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if score == nil {
		// Agents without history report the neutral default.
		score = &core.AgentTrustScore{
			AgentID: agentID, Quality: 0.5, Reliability: 0.5, Speed: 0.5,
			Honesty: 0.5, Collaboration: 0.5, TrustScore: 0.5, TrustGrade: "D",
		}
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleMintAPIKey(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agentID := mux.Vars(r)["id"]
	agent, err := s.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, core.E(core.KindNotFound, "agent not found"))
		return
	}
	allowed, err := s.Auth.MayActFor(r.Context(), p, agent)
	if err != nil {
		writeError(w, err)
		return
	}
	if !allowed {
		writeError(w, core.E(core.KindForbidden, "caller may not mint keys for agent %s", agentID))
		return
	}
	var req struct {
		QuotaPerMin int `json:"quota_per_min"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	secret := uuid.NewString()
	key := &core.APIKey{
		OwnerUserID: p.UserID,
		AgentID:     agent.ID,
		OrgID:       agent.OrgID,
		QuotaPerMin: req.QuotaPerMin,
	}
	full, err := s.Auth.MintAPIKey(r.Context(), key, secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key_id":        key.ID,
		"api_key":       full, // shown once
		"quota_per_min": key.QuotaPerMin,
	})
}

func (s *Server) handleUpsertOrgAllow(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		SourceOrgID string `json:"source_org_id"`
		TargetOrgID string `json:"target_org_id"`
		Allowed     bool   `json:"allowed"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	member, err := s.Store.IsOrgMember(r.Context(), req.TargetOrgID, p.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !member {
		writeError(w, core.E(core.KindForbidden, "only target org members may manage its rules"))
		return
	}
	if err := s.Store.UpsertOrgAllow(r.Context(), req.SourceOrgID, req.TargetOrgID, req.Allowed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUpsertAgentAllow(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		SourceAgentID string `json:"source_agent_id"`
		TargetAgentID string `json:"target_agent_id"`
		Allowed       bool   `json:"allowed"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	target, err := s.Store.GetAgent(r.Context(), req.TargetAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if target == nil {
		writeError(w, core.E(core.KindNotFound, "target agent not found"))
		return
	}
	allowed, err := s.Auth.MayActFor(r.Context(), p, target)
	if err != nil {
		writeError(w, err)
		return
	}
	if !allowed {
		writeError(w, core.E(core.KindForbidden, "only the target's owner may manage its rules"))
		return
	}
	if err := s.Store.UpsertAgentAllow(r.Context(), req.SourceAgentID, req.TargetAgentID, req.Allowed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheckACL(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		SourceAgentID string   `json:"source_agent_id"`
		TargetAgentID string   `json:"target_agent_id,omitempty"`
		TargetIDs     []string `json:"target_agent_ids,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	source, err := s.Store.GetAgent(r.Context(), req.SourceAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if source == nil {
		writeError(w, core.E(core.KindNotFound, "source agent not found"))
		return
	}

	if len(req.TargetIDs) > 0 {
		decisions, err := s.Evaluator.CheckBulk(r.Context(), source, req.TargetIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
		return
	}

	target, err := s.Store.GetAgent(r.Context(), req.TargetAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if target == nil {
		writeError(w, core.E(core.KindNotFound, "target agent not found"))
		return
	}
	decision, err := s.Evaluator.Check(r.Context(), source, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
