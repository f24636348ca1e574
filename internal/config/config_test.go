package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jarvis.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, "agent:\n  id: agent-dev-1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Hub.Port != 8700 {
		t.Errorf("default port = %d, want 8700", cfg.Hub.Port)
	}
	if cfg.Hub.HeartbeatTimeout != 90*time.Second {
		t.Errorf("heartbeat timeout = %s, want 90s", cfg.Hub.HeartbeatTimeout)
	}
	if cfg.Bus.RequestTimeout != 5*time.Second {
		t.Errorf("bus request timeout = %s, want 5s", cfg.Bus.RequestTimeout)
	}
	if cfg.Agent.ID != "agent-dev-1" {
		t.Errorf("agent id = %q", cfg.Agent.ID)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_JARVIS_MODEL", "gpt-4o")
	path := writeConfig(t, "agent:\n  model: ${TEST_JARVIS_MODEL}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", cfg.Agent.Model)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("AUTH_TOKEN", "deadbeefdeadbeefdeadbeefdeadbeef")
	t.Setenv("JARVIS_AGENT_ID", "agent-x")
	path := writeConfig(t, "hub:\n  port: 8701\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Port != 9100 {
		t.Errorf("env PORT should win, got %d", cfg.Hub.Port)
	}
	if cfg.Auth.Token == "" {
		t.Error("AUTH_TOKEN not applied")
	}
	if cfg.Agent.ID != "agent-x" {
		t.Errorf("agent id = %q, want agent-x", cfg.Agent.ID)
	}
}

func TestLoad_RejectsBadRole(t *testing.T) {
	path := writeConfig(t, "agent:\n  role: wizard\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestLoad_RejectsTimeoutBelowInterval(t *testing.T) {
	path := writeConfig(t, "hub:\n  heartbeat_interval: 60s\n  heartbeat_timeout: 30s\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for timeout below interval")
	}
}
