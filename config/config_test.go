package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	if cfg.Storage.Driver != "sqlite" || cfg.Event.Driver != "memory" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadPartialConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"storage": {"driver": "postgres", "dsn": "postgres://localhost/loom"},
		"registries": [{"name": "hub", "url": "https://hub.example.com/index.json"}]
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Event.Driver != "memory" || cfg.Blob.Driver != "fs" {
		t.Errorf("omitted sections not defaulted: %+v", cfg)
	}
	if len(cfg.Registries) != 1 || cfg.Registries[0].Name != "hub" {
		t.Errorf("registries = %+v", cfg.Registries)
	}
}

func TestLoadMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadMCPServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcp_servers": {
			"files": {"command": "npx", "args": ["-y", "server-filesystem"], "transport": "stdio"}
		}
	}`), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	if cfg.MCPServers["files"].Command != "npx" {
		t.Errorf("mcp_servers = %+v", cfg.MCPServers)
	}
}
