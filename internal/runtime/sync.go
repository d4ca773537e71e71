package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/internal/workspace"
)

// InstructionSource is the hub surface the syncer consumes. Satisfied by
// *hubapi.Client.
type InstructionSource interface {
	GetInstructions(ctx context.Context, bundleVersion string) (*hubapi.InstructionBundle, int, error)
}

// SyncResult is what one instruction sync tells the supervisor loop.
// Interval is zero when the hub sent no usable
// defaults.heartbeat_interval_seconds.
type SyncResult struct {
	Changed  bool
	Interval time.Duration
	AgentID  int64
}

// Syncer pulls the instruction bundle, materializes its files into the
// workspace, and persists the bundle cursor.
type Syncer struct {
	hub    InstructionSource
	store  *workspace.Store
	state  *StateFile
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer builds a syncer for one runtime's workspace and state file.
func NewSyncer(hub InstructionSource, store *workspace.Store, state *StateFile, logger *slog.Logger) *Syncer {
	return &Syncer{
		hub:    hub,
		store:  store,
		state:  state,
		logger: logger.With("component", "instruction-sync"),
		now:    time.Now,
	}
}

// Sync performs one getInstructions round trip. An unchanged bundle still
// updates the stored agent id when the hub sent one; a changed bundle also
// rewrites the delivered files and advances the bundle cursor.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	st, err := s.state.Load()
	if err != nil {
		return nil, err
	}

	bundle, _, err := s.hub.GetInstructions(ctx, st.BundleVersion)
	if err != nil {
		return nil, fmt.Errorf("get instructions: %w", err)
	}

	if bundle.Changed {
		s.materialize(bundle.Files)
	}

	st, err = s.state.Patch(func(st *State) {
		if bundle.AgentID != 0 {
			st.AgentID = bundle.AgentID
		}
		if bundle.Changed {
			st.BundleVersion = bundle.BundleVersion
			st.LastSkillSyncAt = s.now().UTC().Format(time.RFC3339)
		}
	})
	if err != nil {
		return nil, err
	}

	interval, _ := bundle.HeartbeatInterval()
	if bundle.Changed {
		s.logger.Info("instruction bundle applied",
			"bundle_version", bundle.BundleVersion,
			"files", len(bundle.Files))
	}
	return &SyncResult{Changed: bundle.Changed, Interval: interval, AgentID: st.AgentID}, nil
}

// materialize writes the bundle files into the workspace. Files the store
// refuses (path escapes) are skipped, not fatal; the hub controls the list.
func (s *Syncer) materialize(files []hubapi.BundleFile) {
	for _, f := range files {
		if err := s.store.Write(f.Path, []byte(f.Content)); err != nil {
			s.logger.Warn("skipping bundle file", "path", f.Path, "error", err)
			continue
		}
		s.logger.Debug("bundle file written", "path", f.Path)
	}
}
