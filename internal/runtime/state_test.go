package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStateFile_LoadMissing(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "nested", "state.json"))
	st, err := sf.Load()
	if err != nil {
		t.Fatalf("load missing state: %v", err)
	}
	if st != (State{}) {
		t.Fatalf("expected zero state, got %+v", st)
	}
}

func TestStateFile_PatchRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".agentmc", "state.json")
	sf := NewStateFile(path)

	st, err := sf.Patch(func(st *State) {
		st.AgentID = 7
		st.BundleVersion = "v3"
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if st.AgentID != 7 || st.BundleVersion != "v3" {
		t.Fatalf("patch result = %+v", st)
	}

	// A later patch merges with what is already on disk.
	if _, err := sf.Patch(func(st *State) { st.LastHeartbeatAt = "2026-02-03T04:05:06Z" }); err != nil {
		t.Fatalf("second patch: %v", err)
	}
	got, err := sf.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.AgentID != 7 || got.BundleVersion != "v3" || got.LastHeartbeatAt != "2026-02-03T04:05:06Z" {
		t.Fatalf("merged state = %+v", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatal("state file should end with a newline")
	}
}

func TestStateFile_PatchLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	sf := NewStateFile(filepath.Join(dir, "state.json"))
	if _, err := sf.Patch(func(st *State) { st.AgentID = 1 }); err != nil {
		t.Fatalf("patch: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only state.json, got %v", names)
	}
}

func TestStateFile_LoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewStateFile(path).Load(); err == nil {
		t.Fatal("expected parse error for garbage state")
	}
}
