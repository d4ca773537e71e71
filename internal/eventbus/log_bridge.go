package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
)

// LogBridge mirrors every slog record it handles onto the bus as a LogEntry
// event while delegating to the wrapped handler. Records carrying agent_id or
// session_id attributes are promoted into the event envelope so subscribers
// can scope log streams the way they scope every other topic.
//
// Subscribers that log bus events must not subscribe to LogEntry through a
// logger backed by this bridge, or every mirrored record feeds itself.
type LogBridge struct {
	inner slog.Handler
	bus   *Bus
	bound []slog.Attr
	scope string
}

// NewLogBridge wraps inner so each record it accepts is also published on bus.
func NewLogBridge(inner slog.Handler, bus *Bus) *LogBridge {
	return &LogBridge{inner: inner, bus: bus}
}

func (h *LogBridge) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogBridge) Handle(ctx context.Context, r slog.Record) error {
	entry := make(map[string]any, r.NumAttrs()+len(h.bound)+3)
	for _, a := range h.bound {
		entry[a.Key] = flatten(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[qualify(h.scope, a.Key)] = flatten(a.Value)
		return true
	})
	entry["level"] = r.Level.String()
	entry["msg"] = r.Message
	entry["time"] = r.Time

	if raw, err := json.Marshal(entry); err == nil {
		h.bus.Publish(Event{
			Type:      LogEntry,
			AgentID:   attrID(entry, "agent_id"),
			SessionID: attrID(entry, "session_id"),
			Data:      raw,
		})
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs binds attrs under the currently open group, matching what the
// inner handler will render.
func (h *LogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make([]slog.Attr, 0, len(h.bound)+len(attrs))
	bound = append(bound, h.bound...)
	for _, a := range attrs {
		bound = append(bound, slog.Attr{Key: qualify(h.scope, a.Key), Value: a.Value})
	}
	return &LogBridge{inner: h.inner.WithAttrs(attrs), bus: h.bus, bound: bound, scope: h.scope}
}

func (h *LogBridge) WithGroup(name string) slog.Handler {
	return &LogBridge{
		inner: h.inner.WithGroup(name),
		bus:   h.bus,
		bound: h.bound,
		scope: qualify(h.scope, name),
	}
}

func qualify(scope, key string) string {
	if scope == "" {
		return key
	}
	return scope + "." + key
}

// flatten resolves LogValuers and renders error values as their message, so
// the mirrored entry marshals the way the text log reads.
func flatten(v slog.Value) any {
	resolved := v.Resolve()
	if err, ok := resolved.Any().(error); ok {
		return err.Error()
	}
	return resolved.Any()
}

func attrID(entry map[string]any, key string) int64 {
	switch v := entry[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
