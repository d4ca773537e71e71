package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"time"

	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/internal/gateway"
	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/internal/telemetry"
)

// HeartbeatSender posts one heartbeat report to the hub.
type HeartbeatSender interface {
	Heartbeat(ctx context.Context, report *hubapi.HeartbeatReport) (int, error)
}

// HeartbeatOptions configures a heartbeat emitter.
type HeartbeatOptions struct {
	Hub      HeartbeatSender
	Provider *gateway.Provider
	Profile  Profile
	State    *StateFile
	Bus      *eventbus.Bus
	Logger   *slog.Logger

	AgentID      int64
	Version      string // supervisor version, used in the IP-echo user agent
	WorkspaceDir string // disk usage is sampled where the workspace lives
	PublicIP     string // explicit override; empty means autodetect

	FilesRealtime         bool
	NotificationsRealtime bool
}

// Heartbeat assembles and posts telemetry reports. Send failures leave
// last_heartbeat_at untouched so the caller retries on its next deadline.
type Heartbeat struct {
	opts HeartbeatOptions

	logger *slog.Logger
	now    func() time.Time
}

func NewHeartbeat(opts HeartbeatOptions) *Heartbeat {
	return &Heartbeat{
		opts:   opts,
		logger: opts.Logger.With("component", "heartbeat"),
		now:    time.Now,
	}
}

// Send posts one report. An empty model list after telemetry enrichment is an
// error: the hub treats a modelless agent as broken, so reporting one would
// mask an engine fault.
func (h *Heartbeat) Send(ctx context.Context) error {
	meta := h.engineMeta(ctx)
	models, _ := meta["models"].([]any)
	if len(models) == 0 {
		return errors.New("no engine models resolved")
	}

	publicIP := telemetry.ResolvePublicIP(ctx, h.opts.PublicIP, "agentmc-supervisor/"+h.opts.Version)
	host := telemetry.CollectHost(ctx, h.opts.WorkspaceDir, publicIP)

	report := &hubapi.HeartbeatReport{
		Meta:  meta,
		Host:  host.Report(),
		Agent: h.opts.Profile.Report(),
	}
	if _, err := h.opts.Hub.Heartbeat(ctx, report); err != nil {
		return fmt.Errorf("post heartbeat: %w", err)
	}

	if _, err := h.opts.State.Patch(func(st *State) {
		st.LastHeartbeatAt = h.now().UTC().Format(time.RFC3339)
	}); err != nil {
		h.logger.Warn("persist heartbeat time", "error", err)
	}
	h.opts.Bus.Publish(eventbus.Event{
		Type:    eventbus.HeartbeatSent,
		AgentID: h.opts.AgentID,
	})
	h.logger.Debug("heartbeat sent", "models", len(models), "host", host.Hostname)
	return nil
}

// engineMeta seeds the meta object from the resolved provider and, for an
// embedded engine, layers live CLI telemetry on top.
func (h *Heartbeat) engineMeta(ctx context.Context) map[string]any {
	p := h.opts.Provider

	engineRuntime := map[string]any{
		"name":    p.Name,
		"version": p.Version,
	}
	if p.Build != "" {
		engineRuntime["build"] = p.Build
	}
	meta := map[string]any{
		"type":         p.Kind,
		"runtime":      engineRuntime,
		"models":       modelsAsAny(p.Models),
		"runtime_mode": p.Mode,
		"node_version": goruntime.Version(),
		"tool_availability": map[string]any{
			"chat_realtime":          true,
			"files_realtime":         h.opts.FilesRealtime,
			"notifications_realtime": h.opts.NotificationsRealtime,
		},
	}
	if p.Kind == gateway.KindEmbedded && p.CLIPath != "" {
		engine := telemetry.CollectEngine(ctx, p.CLIPath)
		telemetry.MergeEngineMeta(meta, engine)
	}
	return meta
}

// modelsAsAny widens the provider's model list; the telemetry merge only
// extends []any slices.
func modelsAsAny(models []string) []any {
	out := make([]any, 0, len(models))
	for _, m := range models {
		out = append(out, m)
	}
	return out
}
