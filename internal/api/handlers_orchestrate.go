package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentmesh/hub/internal/core"
)

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Query == "" {
		writeError(w, core.E(core.KindBadRequest, "query is required"))
		return
	}
	plan, err := s.Orchestrator.Run(r.Context(), p.UserID, req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleListPlanSteps(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.Store.ListPlanSteps(r.Context(), mux.Vars(r)["plan_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}
