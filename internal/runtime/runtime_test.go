package runtime

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmc-ai/supervisor/internal/config"
	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/internal/hubtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testConfig wires an external mock engine so no CLI discovery happens, and
// an explicit public IP so no echo endpoints are queried.
func testConfig(srv *hubtest.Server) *config.Config {
	cfg := &config.Config{}
	cfg.Hub.URL = srv.URL()
	cfg.Runtime.RecurringPollInterval = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Runtime.PublicIP = "198.51.100.7"
	cfg.Runtime.CloseSessionOnStop = true
	cfg.Engine.Mode = "external"
	cfg.Engine.Command = filepath.Join("/nonexistent", "mock-engine")
	cfg.Engine.Models = []string{"m1"}
	cfg.Engine.AgentToken = "main"
	cfg.Engine.SubmitTimeout = config.Duration{Duration: time.Second}
	cfg.Engine.WaitTimeout = config.Duration{Duration: time.Second}
	cfg.Engine.RecurringWaitTimeout = config.Duration{Duration: time.Second}
	cfg.Session.PollInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Session.CatchupInterval = config.Duration{Duration: 150 * time.Millisecond}
	cfg.Session.FallbackInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Session.DedupeTTL = config.Duration{Duration: time.Minute}
	cfg.Session.MinAge = config.Duration{Duration: time.Minute}
	cfg.Session.ConnectionStale = config.Duration{Duration: time.Minute}
	cfg.Session.ActivityStale = config.Duration{Duration: 2 * time.Minute}
	cfg.Session.DocAllowlist = []string{"AGENTS.md", "IDENTITY.md"}
	cfg.Session.FileSync = true
	cfg.Session.ChatDelta = true
	cfg.Session.ThinkingText = "Thinking..."
	cfg.Notifications.Enabled = true
	return cfg
}

func testCredential(t *testing.T, srv *hubtest.Server, agentID int64) config.Credential {
	t.Helper()
	dir := t.TempDir()
	return config.Credential{
		AgentID:      agentID,
		APIKey:       srv.APIKey,
		WorkspaceDir: dir,
		StatePath:    filepath.Join(dir, ".agentmc", "state.json"),
	}
}

func TestSupervisor_FailsWithoutHeartbeatInterval(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v1", nil, map[string]any{"note": "no interval"})

	sup := New(testConfig(srv), testCredential(t, srv, 7), "test", eventbus.New(), testLogger())
	err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("expected bootstrap to fail without a heartbeat interval")
	}
	if !strings.Contains(err.Error(), "heartbeat interval") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSupervisor_FailsWhenInitialSyncFails(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.Fail(hubtest.OpGetInstructions, 500, 1)

	sup := New(testConfig(srv), testCredential(t, srv, 7), "test", eventbus.New(), testLogger())
	err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("expected bootstrap to fail when the initial sync fails")
	}
	if !strings.Contains(err.Error(), "instruction sync") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSupervisor_BootsAndStops(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v1",
		[]hubapi.BundleFile{{Path: "AGENTS.md", Content: "# Agents\n"}},
		map[string]any{"heartbeat_interval_seconds": 3600})
	srv.SetAgentID(77)

	bus := eventbus.New()
	started := bus.Subscribe(eventbus.RuntimeStarted)

	cred := testCredential(t, srv, 77)
	sup := New(testConfig(srv), cred, "test", bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	waitFor(t, 5*time.Second, "startup heartbeat", func() bool {
		return len(srv.Heartbeats()) >= 1
	})
	select {
	case e := <-started:
		if e.AgentID != 77 {
			t.Fatalf("runtime.started agent_id = %d, want 77", e.AgentID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no runtime.started event")
	}

	body, err := os.ReadFile(filepath.Join(cred.WorkspaceDir, "AGENTS.md"))
	if err != nil || string(body) != "# Agents\n" {
		t.Fatalf("AGENTS.md = %q, %v", body, err)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	st, err := NewStateFile(cred.StatePath).Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.BundleVersion != "v1" || st.AgentID != 77 {
		t.Fatalf("state = %+v", st)
	}
	if st.LastHeartbeatAt == "" {
		t.Fatal("startup heartbeat should persist last_heartbeat_at")
	}
}

func TestSupervisor_AppliesBundleChange(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v1",
		[]hubapi.BundleFile{{Path: "AGENTS.md", Content: "# Agents v1\n"}},
		map[string]any{"heartbeat_interval_seconds": 1})
	srv.SetAgentID(78)

	bus := eventbus.New()
	changed := bus.Subscribe(eventbus.SyncChanged)

	cred := testCredential(t, srv, 78)
	sup := New(testConfig(srv), cred, "test", bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	}()

	waitFor(t, 5*time.Second, "startup heartbeat", func() bool {
		return len(srv.Heartbeats()) >= 1
	})

	srv.SetBundle("v2",
		[]hubapi.BundleFile{{Path: "SOPS.md", Content: "# SOPs\n"}},
		map[string]any{"heartbeat_interval_seconds": 1})

	stateFile := NewStateFile(cred.StatePath)
	waitFor(t, 10*time.Second, "bundle v2 applied", func() bool {
		st, err := stateFile.Load()
		return err == nil && st.BundleVersion == "v2"
	})

	select {
	case e := <-changed:
		if e.AgentID != 78 {
			t.Fatalf("sync.changed agent_id = %d, want 78", e.AgentID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no sync.changed event")
	}

	body, err := os.ReadFile(filepath.Join(cred.WorkspaceDir, "SOPS.md"))
	if err != nil || string(body) != "# SOPs\n" {
		t.Fatalf("SOPS.md = %q, %v", body, err)
	}
}

func TestSupervisor_SweepsRecurringRuns(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v1", nil, map[string]any{"heartbeat_interval_seconds": 3600})
	srv.SetAgentID(79)
	srv.AddDueRun(hubapi.RecurringRun{RunID: 31, TaskID: 9, Prompt: "tick", ClaimToken: "ct-31"})

	cred := testCredential(t, srv, 79)
	sup := New(testConfig(srv), cred, "test", eventbus.New(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	}()

	// The external engine command does not exist, so the run completes as an
	// engine error while still echoing the claim token.
	waitFor(t, 10*time.Second, "recurring completion", func() bool {
		_, ok := srv.Completions()[31]
		return ok
	})
	completion := srv.Completions()[31]
	if completion.Status != "error" {
		t.Fatalf("status = %q, want error", completion.Status)
	}
	if completion.ClaimToken != "ct-31" {
		t.Fatalf("claim token = %q, want ct-31", completion.ClaimToken)
	}
}
