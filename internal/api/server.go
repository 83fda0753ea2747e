// Package api is the HTTP surface: REST endpoints for agents,
// messaging, contracts, federation and orchestration, plus websocket
// streaming endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/hub/internal/acl"
	"github.com/agentmesh/hub/internal/auth"
	"github.com/agentmesh/hub/internal/contracts"
	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/federation"
	"github.com/agentmesh/hub/internal/metrics"
	"github.com/agentmesh/hub/internal/orchestrator"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/reputation"
	"github.com/agentmesh/hub/internal/router"
	"github.com/agentmesh/hub/internal/store"
)

// Server wires every subsystem behind the REST and websocket surface.
type Server struct {
	Store        store.Store
	Auth         *auth.Authenticator
	Router       *router.Router
	Contracts    *contracts.Engine
	Bridge       *federation.Bridge
	Signer       *federation.Signer
	Orchestrator *orchestrator.Engine
	Registry     *presence.Registry
	Evaluator    *acl.Evaluator
	Reputation   *reputation.Engine
	Log          *slog.Logger

	// Pinger reports store health; nil means always healthy (memory
	// store dev mode).
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

// Routes builds the router with all endpoints and middleware.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware, corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Agent registry
	api.HandleFunc("/agents", s.handleCreateAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/search", s.handleSearchAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/trust", s.handleGetTrust).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/keys", s.handleMintAPIKey).Methods(http.MethodPost)

	// ACL rules
	api.HandleFunc("/acl/org", s.handleUpsertOrgAllow).Methods(http.MethodPost)
	api.HandleFunc("/acl/agent", s.handleUpsertAgentAllow).Methods(http.MethodPost)
	api.HandleFunc("/acl/check", s.handleCheckACL).Methods(http.MethodPost)

	// A2A message plane
	api.HandleFunc("/a2a/send", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/a2a/ack", s.handleAck).Methods(http.MethodPost)
	api.HandleFunc("/a2a/inbox/{agent_id}", s.handleInbox).Methods(http.MethodGet)
	api.HandleFunc("/a2a/federation/inbox", s.handleFederationInbox).Methods(http.MethodPost)
	api.HandleFunc("/a2a/federation/ack", s.handleFederationAck).Methods(http.MethodPost)
	api.HandleFunc("/a2a/federation/health", s.handleFederationHealth).Methods(http.MethodGet)

	// Contract market
	api.HandleFunc("/contracts", s.handleCreateContract).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}", s.handleGetContract).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/bids", s.handleSubmitBid).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/bids", s.handleListBids).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/deliver", s.handleDeliver).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/validate", s.handleValidate).Methods(http.MethodPost)

	// Orchestration
	api.HandleFunc("/orchestrate", s.handleOrchestrate).Methods(http.MethodPost)
	api.HandleFunc("/orchestrate/{plan_id}/steps", s.handleListPlanSteps).Methods(http.MethodGet)

	// Streaming
	r.HandleFunc("/ws/agent/{agent_id}", s.handleAgentWS)
	r.HandleFunc("/ws/user/{user_id}", s.handleUserWS)
	r.HandleFunc("/ws/task/{task_id}", s.handleTaskWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Pinger.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// principal authenticates the request: X-API-Key first, then a bearer
// token.
func (s *Server) principal(r *http.Request) (*auth.Principal, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return s.Auth.AuthenticateAPIKey(r.Context(), key)
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return s.Auth.AuthenticateBearer(r.Context(), strings.TrimPrefix(h, "Bearer "))
	}
	return nil, core.E(core.KindUnauthorized, "missing credentials")
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		elapsed := time.Since(start)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())
		s.Log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", elapsed)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Hub-Signature-256")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	msg := err.Error()
	var ce *core.Error
	if errors.As(err, &ce) {
		msg = ce.Msg
	}
	if kind == core.KindRateLimited {
		metrics.RateLimited.Inc()
	}
	writeJSON(w, core.HTTPStatus(kind), map[string]string{
		"error": msg,
		"kind":  string(kind),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return core.Wrap(core.KindBadRequest, err, "malformed request body")
	}
	return nil
}
