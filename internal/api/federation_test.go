package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/hub/internal/acl"
	"github.com/agentmesh/hub/internal/core"
	"github.com/agentmesh/hub/internal/federation"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/store"
)

func newFederationServer(t *testing.T) (*httptest.Server, *federation.Signer, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	reg := presence.NewRegistry(nil)
	eval := acl.NewEvaluator(st, nil)
	signer := federation.NewSigner("shared-secret", true, nil)
	bridge := federation.NewBridge(st, reg, eval, nil, "local.example", nil)
	s := &Server{
		Store:     st,
		Bridge:    bridge,
		Signer:    signer,
		Registry:  reg,
		Evaluator: eval,
		Log:       slog.Default(),
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv, signer, st
}

func postEnvelope(t *testing.T, srv *httptest.Server, path string, env *federation.Envelope, header string) *http.Response {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(federation.SignatureHeader, header)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestFederationInboxAcceptsSignedEnvelope(t *testing.T) {
	srv, signer, st := newFederationServer(t)
	target := &core.Agent{Name: "helper", Status: core.AgentActive, IsPublic: true}
	require.NoError(t, st.CreateAgent(context.Background(), target))

	env := &federation.Envelope{
		ID:      "env-1",
		From:    "researcher@peer.example",
		To:      "helper@local.example",
		Type:    "request",
		Payload: map[string]any{"text": "hello"},
	}
	body, err := env.Encode()
	require.NoError(t, err)

	resp := postEnvelope(t, srv, "/api/v1/a2a/federation/inbox", env, signer.Sign(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res federation.InboundResult
	decodeJSON(t, resp, &res)
	assert.Equal(t, "accepted", res.Status)
	assert.NotEmpty(t, res.MessageID)

	// Replaying the same envelope collapses onto the first delivery.
	resp = postEnvelope(t, srv, "/api/v1/a2a/federation/inbox", env, signer.Sign(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dup federation.InboundResult
	decodeJSON(t, resp, &dup)
	assert.Equal(t, "duplicate", dup.Status)
	assert.Equal(t, res.MessageID, dup.MessageID)
}

func TestFederationInboxRejectsBadSignature(t *testing.T) {
	srv, _, st := newFederationServer(t)
	target := &core.Agent{Name: "helper", Status: core.AgentActive, IsPublic: true}
	require.NoError(t, st.CreateAgent(context.Background(), target))

	env := &federation.Envelope{
		ID:   "env-2",
		From: "researcher@peer.example",
		To:   "helper@local.example",
		Type: "request",
	}

	resp := postEnvelope(t, srv, "/api/v1/a2a/federation/inbox", env, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Missing header fails too while the signer requires signatures.
	resp = postEnvelope(t, srv, "/api/v1/a2a/federation/inbox", env, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Nothing got through to the store.
	msgs, err := st.ListUnacked(context.Background(), target.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFederationHealthDescribesHub(t *testing.T) {
	srv, _, _ := newFederationServer(t)
	resp, err := srv.Client().Get(srv.URL + "/api/v1/a2a/federation/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "local.example", body["domain"])
	assert.Equal(t, "/api/v1/a2a/federation/inbox", body["inbox"])

	signing, ok := body["signing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, signing["enabled"])
	assert.Equal(t, true, signing["hmac_required"])
	assert.NotEmpty(t, signing["key_id"])
}
