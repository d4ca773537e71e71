package runtime

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/internal/hubtest"
	"github.com/agentmc-ai/supervisor/internal/workspace"
)

func newTestSyncer(t *testing.T, srv *hubtest.Server) (*Syncer, *workspace.Store, *StateFile) {
	t.Helper()
	store, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	state := NewStateFile(filepath.Join(t.TempDir(), "state.json"))
	return NewSyncer(srv.Client(), store, state, testLogger()), store, state
}

func TestSyncer_MaterializesChangedBundle(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v1", []hubapi.BundleFile{
		{Path: "AGENTS.md", Content: "# Agents\n"},
		{Path: "SOPS.md", Content: "# SOPs\n"},
	}, map[string]any{"heartbeat_interval_seconds": 1800})
	srv.SetAgentID(99)

	syncer, store, state := newTestSyncer(t, srv)
	res, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected first sync to report a changed bundle")
	}
	if res.Interval != 30*time.Minute {
		t.Fatalf("interval = %v, want 30m", res.Interval)
	}
	if res.AgentID != 99 {
		t.Fatalf("agent id = %d, want 99", res.AgentID)
	}

	body, err := store.Read("AGENTS.md")
	if err != nil || string(body) != "# Agents\n" {
		t.Fatalf("AGENTS.md = %q, %v", body, err)
	}
	if _, err := store.Read("SOPS.md"); err != nil {
		t.Fatalf("SOPS.md not materialized: %v", err)
	}

	st, err := state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.BundleVersion != "v1" || st.AgentID != 99 {
		t.Fatalf("state = %+v", st)
	}
	if st.LastSkillSyncAt == "" {
		t.Fatal("last_skill_sync_at not persisted")
	}
}

func TestSyncer_UnchangedBundleStillAdoptsAgentID(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v1", nil, map[string]any{"heartbeat_interval_seconds": 600})
	srv.SetAgentID(42)

	syncer, _, state := newTestSyncer(t, srv)
	ctx := context.Background()
	if _, err := syncer.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before, err := state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	// The hub can rebind the workspace to another agent without cutting a new
	// bundle version.
	srv.SetAgentID(43)
	res, err := syncer.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Changed {
		t.Fatal("expected unchanged bundle")
	}
	if res.AgentID != 43 {
		t.Fatalf("agent id = %d, want 43", res.AgentID)
	}

	after, err := state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if after.AgentID != 43 {
		t.Fatalf("stored agent id = %d, want 43", after.AgentID)
	}
	if after.BundleVersion != "v1" || after.LastSkillSyncAt != before.LastSkillSyncAt {
		t.Fatalf("unchanged sync must not advance the bundle cursor: %+v", after)
	}
}

func TestSyncer_SkipsEscapingBundlePaths(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v2", []hubapi.BundleFile{
		{Path: "../escape.md", Content: "nope"},
		{Path: "AGENTS.md", Content: "ok"},
	}, map[string]any{"heartbeat_interval_seconds": 600})

	syncer, store, _ := newTestSyncer(t, srv)
	res, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected changed bundle")
	}
	if _, err := store.Read("AGENTS.md"); err != nil {
		t.Fatalf("in-workspace file should be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "..", "escape.md")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("escaping path must not be written: %v", err)
	}
}

func TestSyncer_NoIntervalInDefaults(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.SetBundle("v1", nil, map[string]any{"note": "none"})

	syncer, _, _ := newTestSyncer(t, srv)
	res, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Interval != 0 {
		t.Fatalf("interval = %v, want 0 when defaults carry none", res.Interval)
	}
}

func TestSyncer_HubFailureSurfaces(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.Fail(hubtest.OpGetInstructions, 500, 1)

	syncer, _, _ := newTestSyncer(t, srv)
	if _, err := syncer.Sync(context.Background()); err == nil {
		t.Fatal("expected error when getInstructions fails")
	}
}
