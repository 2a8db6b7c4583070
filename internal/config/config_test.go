package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr)
	}
	if cfg.Jobs.ReconcileSchedule != "0 * * * *" {
		t.Fatalf("unexpected reconcile schedule %s", cfg.Jobs.ReconcileSchedule)
	}
}

func TestFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9090"
store:
  backend: remote
  url: https://store.example.com
cache:
  ttl: 45s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ECONOMY_SERVER_ADDR", ":7070")
	t.Setenv("ECONOMY_CACHE_TTL", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env must win over file, got %s", cfg.Server.Addr)
	}
	if cfg.Store.Backend != "remote" || cfg.Store.URL != "https://store.example.com" {
		t.Fatalf("file values not applied: %+v", cfg.Store)
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Fatalf("env duration not applied: %v", cfg.Cache.TTL)
	}
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	t.Setenv("ECONOMY_STORE_BACKEND", "remote")
	if _, err := Load(""); err == nil {
		t.Fatal("remote backend without url must fail")
	}

	t.Setenv("ECONOMY_STORE_BACKEND", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("unknown backend must fail")
	}
}
