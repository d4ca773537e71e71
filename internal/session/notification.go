package session

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// notificationBody returns the notification object carried by a payload, or
// nil when the payload is not notification-shaped. The notification may be
// nested or the payload itself.
func notificationBody(p map[string]any) map[string]any {
	if nested := protocol.Obj(p, "notification"); nested != nil {
		return nested
	}
	if protocol.Has(p, "notification_type", "subject_type", "response_action", "is_read") {
		return p
	}
	return nil
}

// routeNotification applies the skip rules and dedupe, then bridges the
// notification into a chat run.
func (w *Worker) routeNotification(ctx context.Context, sig protocol.Signal, body map[string]any) {
	if isRead, ok := protocol.Bool(body, "is_read"); ok && isRead && !w.opts.Notifications.ForwardRead {
		w.logger.Debug("skipping read notification", "signal_id", sig.ID)
		return
	}
	if types := w.opts.Notifications.Types; len(types) > 0 {
		ntype := protocol.LowerStr(body, "notification_type", "type")
		if !slices.Contains(types, ntype) {
			w.logger.Debug("notification type outside allow-list", "type", ntype, "signal_id", sig.ID)
			return
		}
	}
	if !w.dedupe.MarkOnce(notificationKey(sig, body)) {
		w.logger.Debug("duplicate notification", "signal_id", sig.ID)
		return
	}
	w.spawn(ctx, "notification", func(hctx context.Context) error {
		return w.runNotification(hctx, sig, body)
	})
}

// notificationKey versions the dedupe key on the notification's latest
// timestamp, so an updated notification is bridged again while a replay of
// the same state is not.
func notificationKey(sig protocol.Signal, body map[string]any) string {
	id := looseID(body, "id", "notification_id")
	if id == "" {
		return fmt.Sprintf("signal:%d", sig.ID)
	}
	version := protocol.Str(body, "updated_at", "read_at", "created_at")
	return fmt.Sprintf("notification:id:%s:v:%s", id, version)
}

// runNotification bridges one notification through the chat pipeline and
// marks it read at the hub when the run succeeds.
func (w *Worker) runNotification(ctx context.Context, sig protocol.Signal, body map[string]any) error {
	id := looseID(body, "id", "notification_id")
	requestID := "notification-" + safeIDSegment(id)
	if id == "" {
		requestID = fmt.Sprintf("notification-%d-%d", w.opts.Session.ID, sig.ID)
	}

	in := chatInput{
		origin:    "notification",
		requestID: requestID,
		text:      notificationPrompt(body),
		signalID:  sig.ID,
		payload:   sig.Payload,
	}
	out, err := w.runChat(ctx, in)
	if err != nil {
		return err
	}

	if out != nil && out.Status == "ok" && id != "" {
		if _, err := w.opts.Hub.MarkNotificationRead(ctx, id); err != nil && ctx.Err() == nil {
			w.logger.Warn("mark notification read failed", "notification_id", id, "error", err)
		}
	}

	status := ""
	if out != nil {
		status = out.Status
	}
	w.opts.Bus.PublishSession(eventbus.NotificationBridge, w.opts.AgentID, w.opts.Session.ID, map[string]any{
		"notification_id": id,
		"request_id":      requestID,
		"status":          status,
	})
	if w.opts.Hooks.OnNotificationBridge != nil {
		w.opts.Hooks.OnNotificationBridge(w.opts.Session.ID, id, out)
	}
	return nil
}

// notificationPrompt writes the bridged user text: instructions plus the raw
// notification, so the engine sees every field the hub sent.
func notificationPrompt(body map[string]any) string {
	var b strings.Builder
	b.WriteString("A notification arrived for you. Review it, take any action it calls for, and reply with a short summary of what you did or why nothing was needed.\n\nNotification:\n")
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Fprintf(&b, "%v", body)
	} else {
		b.Write(data)
	}
	if action := protocol.Str(body, "response_action"); action != "" {
		fmt.Fprintf(&b, "\n\nRequested response action: %s", action)
	}
	return b.String()
}

// looseID reads an identifier that may arrive as a string or a number.
func looseID(m map[string]any, keys ...string) string {
	if s := protocol.Str(m, keys...); s != "" {
		return s
	}
	if n, ok := protocol.Int64(m, keys...); ok {
		return strconv.FormatInt(n, 10)
	}
	return ""
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeIDSegment makes an id usable inside a request id.
func safeIDSegment(s string) string {
	return unsafeIDChars.ReplaceAllString(s, "-")
}
