package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/metrics"
)

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Intent       string         `json:"intent"`
		Context      map[string]any `json:"context"`
		RewardAmount float64        `json:"reward_amount"`
		Strategy     string         `json:"strategy"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	issuerType := core.IssuerUser
	issuerID := p.UserID
	if !p.IsUser() && p.AgentID != "" {
		issuerType = core.IssuerAgent
		issuerID = p.AgentID
	}
	c, err := s.Contracts.Create(r.Context(), &core.Contract{
		IssuerID:     issuerID,
		IssuerType:   issuerType,
		Intent:       req.Intent,
		Context:      req.Context,
		RewardAmount: req.RewardAmount,
		Strategy:     req.Strategy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ContractTransitions.WithLabelValues(string(c.Status)).Inc()
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.Store.GetContract(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		writeError(w, core.E(core.KindNotFound, "contract not found"))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		AgentID    string  `json:"agent_id"`
		Price      float64 `json:"price"`
		ETASeconds int     `json:"eta_seconds"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.Store.GetAgent(r.Context(), req.AgentID)
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
		writeError(w, core.E(core.KindForbidden, "caller may not bid as agent %s", req.AgentID))
		return
	}
	bid, err := s.Contracts.SubmitBid(r.Context(), &core.Bid{
		ContractID: mux.Vars(r)["id"],
		AgentID:    req.AgentID,
		Price:      req.Price,
		ETASeconds: req.ETASeconds,
		Confidence: req.Confidence,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	bids, err := s.Store.ListBids(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		AgentID string         `json:"agent_id"`
		Data    map[string]any `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.Store.GetAgent(r.Context(), req.AgentID)
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
		writeError(w, core.E(core.KindForbidden, "caller may not deliver as agent %s", req.AgentID))
		return
	}
	d, err := s.Contracts.Deliver(r.Context(), mux.Vars(r)["id"], req.AgentID, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ContractTransitions.WithLabelValues(string(core.ContractDelivered)).Inc()
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	contractID := mux.Vars(r)["id"]
	c, err := s.Store.GetContract(r.Context(), contractID)
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		writeError(w, core.E(core.KindNotFound, "contract not found"))
		return
	}
	if c.IssuerType == core.IssuerUser && c.IssuerID != p.UserID {
		writeError(w, core.E(core.KindForbidden, "only the issuer may validate"))
		return
	}
	var req struct {
		Score float64 `json:"score"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.Contracts.Validate(r.Context(), contractID, req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ContractTransitions.WithLabelValues(string(updated.Status)).Inc()
	writeJSON(w, http.StatusOK, updated)
}
