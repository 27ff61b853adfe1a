package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary YAML config file with known values.
	// t.TempDir() gives us a directory that's auto-deleted after the test.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s
  max_upstream_conns: 128
  default_fragment_timeout: 3s
  fallback_snippet: "<!-- unavailable -->"

fetchers:
  template_base_url: https://templates.internal
  context_base_url: https://context.internal

fragments:
  max_asset_links: 8
  fragment_tag: fragment
  slot_tag: slot
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 128, cfg.Server.MaxUpstreamConns)
	assert.Equal(t, 3*time.Second, cfg.Server.DefaultFragmentTimeout)
	assert.Equal(t, "<!-- unavailable -->", cfg.Server.FallbackSnippet)

	assert.Equal(t, "https://templates.internal", cfg.Fetchers.TemplateBaseURL)
	assert.Equal(t, "https://context.internal", cfg.Fetchers.ContextBaseURL)

	assert.Equal(t, 8, cfg.Fragments.MaxAssetLinks)
}

func TestLoadEnvOverride(t *testing.T) {
	// Verify that FRAGSERV_ env vars override YAML values.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// This should override server.port from 8080 to 3000.
	t.Setenv("FRAGSERV_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoad_AppliesDefaultsWhenOmitted(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Server.MaxUpstreamConns)
	assert.Equal(t, 2*time.Second, cfg.Server.DefaultFragmentTimeout)
	assert.Equal(t, 4, cfg.Fragments.MaxAssetLinks)
	assert.Equal(t, "fragment", cfg.Fragments.FragmentTag)
	assert.Equal(t, "slot", cfg.Fragments.SlotTag)
}
