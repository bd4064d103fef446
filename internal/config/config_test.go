package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Container.Network != "agcluster-network" {
		t.Fatalf("expected default network agcluster-network, got %q", cfg.Container.Network)
	}
	if cfg.Sessions.IdleTimeout != 1800*time.Second {
		t.Fatalf("expected default idle timeout 1800s, got %v", cfg.Sessions.IdleTimeout)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := `
server:
  port: 9090
sessions:
  idle_timeout: 5m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected overridden port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Sessions.IdleTimeout != 5*time.Minute {
		t.Fatalf("expected overridden idle timeout, got %v", cfg.Sessions.IdleTimeout)
	}
	// Untouched sections keep their default values.
	if cfg.Container.Network != "agcluster-network" {
		t.Fatalf("expected default network preserved, got %q", cfg.Container.Network)
	}
}

func TestLoad_RejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := "version: 999\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported config version")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "42s")
	t.Setenv("GATEWAY_PORT", "7070")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Sessions.IdleTimeout != 42*time.Second {
		t.Fatalf("expected env-overridden idle timeout, got %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env-overridden port, got %d", cfg.Server.Port)
	}
}
