// Package protocol defines the wire types exchanged between the AgentMC
// supervisor and the hub: session signals, chat/snapshot/file channel frames,
// and chunk envelopes for oversized payloads.
//
// Signal payloads are hub-controlled and weakly typed. They are represented
// as map[string]any and narrowed only through the value helpers in this
// package; concrete structs exist only for frames the supervisor produces.
package protocol

import "time"

// Signal senders.
const (
	SenderAgent   = "agent"
	SenderBrowser = "browser"
	SenderSystem  = "system"
)

// Signal envelope types.
const (
	SignalMessage = "message"
	SignalClose   = "close"
)

// Signal is one ordered event on a session. IDs are monotonic per session.
type Signal struct {
	ID        int64          `json:"id"`
	SessionID int64          `json:"session_id"`
	Sender    string         `json:"sender"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ChannelType returns the routing type carried inside the signal payload,
// lowercased. Empty when the payload has no type field.
func (s Signal) ChannelType() string {
	return LowerStr(s.Payload, "type")
}
