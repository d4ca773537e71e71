package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// State is the small cursor file one runtime persists between starts.
// Timestamps are RFC3339 strings so the file stays human-readable.
type State struct {
	AgentID         int64  `json:"agent_id,omitempty"`
	BundleVersion   string `json:"bundle_version,omitempty"`
	LastSkillSyncAt string `json:"last_skill_sync_at,omitempty"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
}

// StateFile reads and patches the persisted runtime state. A missing file is
// an empty state; writes are atomic (temp file + rename).
type StateFile struct {
	mu   sync.Mutex
	path string
}

// NewStateFile binds a state file at path. The file and its parents are
// created on the first patch.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the backing file path.
func (f *StateFile) Path() string { return f.path }

// Load reads the current state. A missing file yields the zero state.
func (f *StateFile) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *StateFile) load() (State, error) {
	var st State
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read state %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse state %s: %w", f.path, err)
	}
	return st, nil
}

// Patch applies a read-merge-write update and returns the resulting state.
// Unknown keys written by other versions are dropped; the file holds exactly
// the State fields.
func (f *StateFile) Patch(apply func(*State)) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.load()
	if err != nil {
		return st, err
	}
	apply(&st)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return st, fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return st, fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return st, fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return st, fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return st, fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return st, fmt.Errorf("replace state: %w", err)
	}
	return st, nil
}
