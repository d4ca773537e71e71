package hubapi

import (
	"time"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// Session is a hub-managed pairing of a browser client and an agent.
type Session struct {
	ID                int64      `json:"id"`
	Status            string     `json:"status"`
	RequestedByUserID int64      `json:"requested_by_user_id,omitempty"`
	Socket            SocketInfo `json:"socket"`
	CreatedAt         time.Time  `json:"created_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at,omitempty"`
}

// SocketInfo describes the signed realtime channel attached to a session.
type SocketInfo struct {
	Channel string `json:"channel"`
	Event   string `json:"event,omitempty"`
	Key     string `json:"key,omitempty"`
	Host    string `json:"host,omitempty"`
	Scheme  string `json:"scheme,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
	Cluster string `json:"cluster,omitempty"`
}

// SocketAuth is the hub's signature for one socket/channel pair.
type SocketAuth struct {
	Auth string `json:"auth"`
}

// BundleFile is one managed file delivered by the instructions endpoint.
type BundleFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// InstructionBundle is the hub's response to getInstructions. Defaults is
// hub-controlled loose JSON; heartbeat_interval_seconds lives there.
type InstructionBundle struct {
	Changed       bool           `json:"changed"`
	BundleVersion string         `json:"bundle_version"`
	AgentID       int64          `json:"agent_id,omitempty"`
	Files         []BundleFile   `json:"files,omitempty"`
	Defaults      map[string]any `json:"defaults,omitempty"`
}

// HeartbeatInterval extracts defaults.heartbeat_interval_seconds.
func (b *InstructionBundle) HeartbeatInterval() (time.Duration, bool) {
	secs, ok := protocol.Float(b.Defaults, "heartbeat_interval_seconds")
	if !ok || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// RecurringRun is one claimed due run of a scheduled recurring task.
type RecurringRun struct {
	RunID        int64  `json:"run_id"`
	TaskID       int64  `json:"task_id"`
	Prompt       string `json:"prompt"`
	ScheduledFor string `json:"scheduled_for,omitempty"`
	ClaimToken   string `json:"claim_token"`
	AgentID      int64  `json:"agent_id,omitempty"`
}

// RunCompletion reports the outcome of one recurring run. The claim token
// must echo the one received on listing.
type RunCompletion struct {
	Status       string         `json:"status"`
	ClaimToken   string         `json:"claim_token"`
	Summary      string         `json:"summary,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	RuntimeMeta  map[string]any `json:"runtime_meta,omitempty"`
}

// HeartbeatReport is the telemetry snapshot posted to the hub. The three
// top-level objects are loose by contract; their composition lives in the
// runtime package.
type HeartbeatReport struct {
	Meta  map[string]any `json:"meta"`
	Host  map[string]any `json:"host"`
	Agent map[string]any `json:"agent"`
}

// AgentRow is one row from listAgents; shape is hub-controlled.
type AgentRow = map[string]any
