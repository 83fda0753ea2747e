package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.FederationTimeout())
	assert.True(t, cfg.HMACRequired())
	assert.Equal(t, 600, cfg.A2A.OrgRateLimitPerMin)
	assert.Equal(t, 3, cfg.Contracts.BiddingWindowSecs)
	assert.Equal(t, 60, cfg.Contracts.NoBidExpirySecs)
	assert.Equal(t, 10, cfg.Contracts.ExecutionWindowMin)
	assert.Equal(t, 0.6, cfg.Contracts.ValidationThreshold)
	assert.Equal(t, 300, cfg.Reputation.RecalcIntervalSecs)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  public_domain: hub.example.com
federation:
  shared_secret: sekrit
  hmac_required: false
contracts:
  validation_threshold: 0.8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Federation domain falls back to the public domain.
	assert.Equal(t, "hub.example.com", cfg.Federation.Domain)
	assert.Equal(t, "sekrit", cfg.Federation.SharedSecret)
	// An explicit false in the file survives the defaults pass.
	assert.False(t, cfg.HMACRequired())
	assert.Equal(t, 0.8, cfg.Contracts.ValidationThreshold)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("FEDERATION_HMAC_REQUIRED", "false")
	t.Setenv("CONTRACT_VALIDATION_THRESHOLD", "0.75")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.False(t, cfg.HMACRequired())
	assert.Equal(t, 0.75, cfg.Contracts.ValidationThreshold)
}
