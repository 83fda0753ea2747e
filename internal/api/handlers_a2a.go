package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/federation"
	"github.com/agentmesh/hub/internal/metrics"
	"github.com/agentmesh/hub/internal/router"
)

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req router.SendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Router.Send(r.Context(), p, &req)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.MessagesSent.WithLabelValues(res.Status).Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
		AgentID   string `json:"agent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ackedAt, err := s.Router.Ack(r.Context(), p, req.MessageID, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.MessagesAcked.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"acked_at": ackedAt})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.Router.Inbox(r.Context(), p, mux.Vars(r)["agent_id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": entries})
}

// readEnvelope verifies the body HMAC against the exact raw bytes
// before any parsing.
func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) *federation.Envelope {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	if err != nil {
		writeError(w, core.Wrap(core.KindBadRequest, err, "read body"))
		return nil
	}
	if err := s.Signer.Verify(body, r.Header.Get(federation.SignatureHeader)); err != nil {
		metrics.FederationInbound.WithLabelValues("unauthorized").Inc()
		writeError(w, err)
		return nil
	}
	env, err := federation.Decode(body)
	if err != nil {
		metrics.FederationInbound.WithLabelValues("malformed").Inc()
		writeError(w, err)
		return nil
	}
	return env
}

func (s *Server) handleFederationInbox(w http.ResponseWriter, r *http.Request) {
	env := s.readEnvelope(w, r)
	if env == nil {
		return
	}
	res, err := s.Bridge.HandleInbound(r.Context(), env)
	if err != nil {
		metrics.FederationInbound.WithLabelValues(string(core.KindOf(err))).Inc()
		writeError(w, err)
		return
	}
	metrics.FederationInbound.WithLabelValues(res.Status).Inc()
	writeJSON(w, http.StatusOK, res)
}

// handleFederationAck accepts a bare ack envelope. Peers that fold acks
// into the inbox stream hit the same bridge path; this endpoint exists
// for peers that keep the two flows separate.
func (s *Server) handleFederationAck(w http.ResponseWriter, r *http.Request) {
	env := s.readEnvelope(w, r)
	if env == nil {
		return
	}
	env.Type = federation.TypeAck
	res, err := s.Bridge.HandleInbound(r.Context(), env)
	if err != nil {
		metrics.FederationInbound.WithLabelValues(string(core.KindOf(err))).Inc()
		writeError(w, err)
		return
	}
	metrics.FederationInbound.WithLabelValues(res.Status).Inc()
	writeJSON(w, http.StatusOK, res)
}

// handleFederationHealth describes this hub to its peers.
func (s *Server) handleFederationHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"domain": s.Bridge.Domain(),
		"signing": map[string]any{
			"enabled":       s.Signer.Enabled(),
			"key_id":        s.Signer.KeyID(),
			"hmac_required": s.Signer.Required,
		},
		"inbox": "/api/v1/a2a/federation/inbox",
	})
}
