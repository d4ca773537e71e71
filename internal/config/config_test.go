package config

import (
	"strings"
	"testing"
	"time"
)

func envWith(extra ...string) []string {
	base := []string{
		"AGENTMC_HUB_URL=https://hub.agentmc.test",
		"AGENTMC_API_KEY=key-1",
	}
	return append(base, extra...)
}

func TestFromEnviron_Defaults(t *testing.T) {
	cfg, err := fromEnviron(envWith())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Hub.URL != "https://hub.agentmc.test" {
		t.Errorf("expected hub url, got %q", cfg.Hub.URL)
	}
	if cfg.Session.PollInterval.Duration != 1200*time.Millisecond {
		t.Errorf("expected 1.2s poll interval, got %v", cfg.Session.PollInterval.Duration)
	}
	if cfg.Session.CatchupInterval.Duration != 15*time.Second {
		t.Errorf("expected 15s catchup interval, got %v", cfg.Session.CatchupInterval.Duration)
	}
	if cfg.Engine.WaitTimeout.Duration != 90*time.Second {
		t.Errorf("expected 90s wait timeout, got %v", cfg.Engine.WaitTimeout.Duration)
	}
	if cfg.Engine.RecurringWaitTimeout.Duration != 600*time.Second {
		t.Errorf("expected 600s recurring wait, got %v", cfg.Engine.RecurringWaitTimeout.Duration)
	}
	if cfg.Engine.Mode != "auto" {
		t.Errorf("expected auto engine mode, got %q", cfg.Engine.Mode)
	}
	if cfg.Engine.AgentToken != "main" {
		t.Errorf("expected main agent token, got %q", cfg.Engine.AgentToken)
	}
	if !cfg.Notifications.Enabled {
		t.Error("expected notifications enabled by default")
	}
	if cfg.Session.ThinkingText != "Thinking..." {
		t.Errorf("expected default thinking text, got %q", cfg.Session.ThinkingText)
	}
	if len(cfg.Session.DocAllowlist) == 0 {
		t.Error("expected a default doc allowlist")
	}
}

func TestFromEnviron_TrailingSlashTrimmed(t *testing.T) {
	cfg, err := fromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.agentmc.test///",
		"AGENTMC_API_KEY=k",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.HasSuffix(cfg.Hub.URL, "/") {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.Hub.URL)
	}
}

func TestFromEnviron_MissingHubURL(t *testing.T) {
	_, err := fromEnviron([]string{"AGENTMC_API_KEY=k"})
	if err == nil {
		t.Fatal("expected error for missing hub url")
	}
}

func TestFromEnviron_MissingCredential(t *testing.T) {
	_, err := fromEnviron([]string{"AGENTMC_HUB_URL=https://hub.agentmc.test"})
	if err == nil {
		t.Fatal("expected error for missing credential")
	}
}

func TestFromEnviron_ExternalRequiresCommand(t *testing.T) {
	_, err := fromEnviron(envWith("AGENTMC_ENGINE_MODE=external"))
	if err == nil {
		t.Fatal("expected error for external mode without command")
	}

	cfg, err := fromEnviron(envWith("AGENTMC_ENGINE_MODE=external", "AGENTMC_ENGINE_COMMAND=/usr/bin/runner"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Command != "/usr/bin/runner" {
		t.Errorf("expected engine command, got %q", cfg.Engine.Command)
	}
}

func TestFromEnviron_Durations(t *testing.T) {
	cfg, err := fromEnviron(envWith(
		"AGENTMC_WAIT_TIMEOUT=2m",
		"AGENTMC_SESSION_POLL_INTERVAL=2.5",
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.WaitTimeout.Duration != 2*time.Minute {
		t.Errorf("expected 2m, got %v", cfg.Engine.WaitTimeout.Duration)
	}
	if cfg.Session.PollInterval.Duration != 2500*time.Millisecond {
		t.Errorf("expected bare number to parse as seconds, got %v", cfg.Session.PollInterval.Duration)
	}

	if _, err := fromEnviron(envWith("AGENTMC_WAIT_TIMEOUT=soon")); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestCredentials_SingleAgent(t *testing.T) {
	cfg, err := fromEnviron(envWith(
		"AGENTMC_AGENT_ID=42",
		"AGENTMC_WORKSPACE_DIR=/srv/agent",
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	creds := cfg.Credentials()
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(creds))
	}
	if creds[0].AgentID != 42 {
		t.Errorf("expected agent 42, got %d", creds[0].AgentID)
	}
	if creds[0].WorkspaceDir != "/srv/agent" {
		t.Errorf("expected workspace /srv/agent, got %q", creds[0].WorkspaceDir)
	}
	if creds[0].StatePath != "/srv/agent/.agentmc/state.json" {
		t.Errorf("unexpected state path %q", creds[0].StatePath)
	}
}

func TestCredentials_MultiAgent(t *testing.T) {
	cfg, err := fromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.agentmc.test",
		"AGENTMC_API_KEY_7=key-seven",
		"AGENTMC_API_KEY_3=key-three",
		"AGENTMC_WORKSPACE_ROOT=/srv/agents",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	creds := cfg.Credentials()
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	// Sorted by agent id.
	if creds[0].AgentID != 3 || creds[1].AgentID != 7 {
		t.Errorf("expected ids [3 7], got [%d %d]", creds[0].AgentID, creds[1].AgentID)
	}
	if creds[0].APIKey != "key-three" {
		t.Errorf("expected key-three, got %q", creds[0].APIKey)
	}
	if creds[1].WorkspaceDir != "/srv/agents/agent-7" {
		t.Errorf("expected per-agent workspace, got %q", creds[1].WorkspaceDir)
	}
}

func TestFromEnviron_BadAgentKeySuffix(t *testing.T) {
	_, err := fromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.agentmc.test",
		"AGENTMC_API_KEY_abc=key",
	})
	if err == nil {
		t.Fatal("expected error for non-numeric agent id suffix")
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"45s"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 45*time.Second {
		t.Errorf("expected 45s, got %v", d.Duration)
	}

	if err := d.UnmarshalJSON([]byte(`1.5`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", d.Duration)
	}

	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Fatal("expected error for boolean duration")
	}
}
