package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/metrics"
	"github.com/agentmesh/hub/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin; auth happens after the
	// upgrade, not via Origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleAgentWS subscribes the caller to an agent's push stream. The
// stream carries that agent's message payloads, so the caller must be
// entitled to act for the agent, same as send and ack.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agentID := mux.Vars(r)["agent_id"]
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
		writeError(w, core.E(core.KindForbidden, "caller may not stream as agent %s", agentID))
		return
	}
	s.serveWS(w, r, func(ch *presence.Channel) {
		s.Registry.SubscribeAgent(agentID, ch)
	})
}

func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	userID := mux.Vars(r)["user_id"]
	s.serveWS(w, r, func(ch *presence.Channel) {
		s.Registry.SubscribeUser(userID, ch)
	})
}

func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		writeError(w, err)
		return
	}
	taskID := mux.Vars(r)["task_id"]
	s.serveWS(w, r, func(ch *presence.Channel) {
		s.Registry.SubscribeTask(taskID, ch)
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, subscribe func(*presence.Channel)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Debug("websocket upgrade failed", "error", err)
		return
	}
	metrics.ActiveStreams.Inc()

	var ch *presence.Channel
	ch = presence.NewChannel(conn, func() {
		s.Registry.Unsubscribe(ch)
		metrics.ActiveStreams.Dec()
	}, s.Log)
	subscribe(ch)
	ch.Run(nil)
}
