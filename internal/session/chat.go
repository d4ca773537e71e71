package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmc-ai/supervisor/internal/gateway"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// emptyMessageText answers chat requests that carried no text at all.
const emptyMessageText = "Received an empty message, so there is nothing to answer."

// chatInput is one resolved chat request, from a browser message or the
// notification bridge.
type chatInput struct {
	origin    string // "chat" or "notification"; names the context-block source
	requestID string
	messageID int64
	text      string
	signalID  int64
	payload   map[string]any
}

// chatInputFromSignal resolves the request identity for a chat signal. A
// missing request id is minted so every frame of the exchange can correlate.
func (w *Worker) chatInputFromSignal(sig protocol.Signal) chatInput {
	p := sig.Payload
	requestID := protocol.Str(p, "request_id", "requestId")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	messageID, _ := protocol.Int64(p, "message_id", "messageId")
	return chatInput{
		origin:    "chat",
		requestID: requestID,
		messageID: messageID,
		text:      protocol.Str(p, "content", "message"),
		signalID:  sig.ID,
		payload:   p,
	}
}

// chatDedupeKey prefers the browser-assigned message id; replayed messages
// keep their id while re-sends of the same request keep their request id.
func chatDedupeKey(in chatInput) string {
	if in.messageID != 0 {
		return fmt.Sprintf("chat:message:%d", in.messageID)
	}
	return "chat:request:" + in.requestID
}

// runChat executes one chat exchange: at most one delta, exactly one done, all
// sharing the request id. The engine never sees the raw browser text; it gets
// the context block first so replies route back to this session.
func (w *Worker) runChat(ctx context.Context, in chatInput) (*gateway.RunOutcome, error) {
	if strings.TrimSpace(in.text) == "" {
		done := protocol.ChatDone{
			RequestID: in.requestID,
			Content:   emptyMessageText,
			MessageID: in.messageID,
			Meta:      w.chatMeta("", "error", "error", in.signalID),
		}
		return nil, w.publisher.Publish(ctx, protocol.TypeChatDone, done)
	}

	if w.opts.Tuning.ChatDelta && w.opts.Tuning.ThinkingText != "" {
		delta := protocol.ChatDelta{
			RequestID: in.requestID,
			Delta:     w.opts.Tuning.ThinkingText,
			MessageID: in.messageID,
		}
		if err := w.publisher.Publish(ctx, protocol.TypeChatDelta, delta); err != nil {
			w.logger.Warn("delta publish failed", "request_id", in.requestID, "error", err)
		}
	}

	bridged := w.contextBlock(in.origin, in.payload) + "\n" + in.text
	out := w.opts.Runner.Chat(ctx, w.opts.Session.ID, in.requestID, bridged, w.opts.WaitTimeout)

	content := SanitizeReply(out.Content)
	if content == "" {
		content = fallbackText(out.Status)
	}
	done := protocol.ChatDone{
		RequestID: in.requestID,
		Content:   content,
		MessageID: in.messageID,
		Meta:      w.chatMeta(out.RunID, out.Status, out.TextSource, in.signalID),
	}
	if err := w.publisher.Publish(ctx, protocol.TypeChatDone, done); err != nil {
		return out, err
	}
	return out, nil
}

func (w *Worker) chatMeta(runID, status, textSource string, signalID int64) map[string]any {
	return map[string]any{
		"source":       w.opts.Source,
		"run_id":       runID,
		"status":       status,
		"text_source":  textSource,
		"signal_id":    signalID,
		"generated_at": w.now().UTC().Format(time.RFC3339),
	}
}

// contextBlock builds the [AgentMC Context] preamble telling the engine where
// the message came from and who to act as. The actor falls back to the session
// requester when the payload names nobody.
func (w *Worker) contextBlock(source string, payload map[string]any) string {
	var b strings.Builder
	b.WriteString("[AgentMC Context]\n")
	b.WriteString("app: agentmc\n")
	fmt.Fprintf(&b, "source: %s\n", source)
	scope := "session"
	if source == "notification" {
		scope = "notification"
	}
	fmt.Fprintf(&b, "intent_scope: %s\n", scope)
	if tz := w.opts.Tuning.Timezone; tz != "" {
		fmt.Fprintf(&b, "timezone: %s\n", tz)
	}

	actor, haveActor := protocol.Int64(payload, "actor_user_id", "user_id", "sender_user_id")
	if !haveActor && w.opts.Session.RequestedByUserID != 0 {
		actor, haveActor = w.opts.Session.RequestedByUserID, true
	}
	if haveActor {
		fmt.Fprintf(&b, "actor_user_id: %d\n", actor)
	}
	assignee, haveAssignee := protocol.Int64(payload, "default_assignee_user_id")
	if !haveAssignee {
		assignee, haveAssignee = actor, haveActor
	}
	if haveAssignee {
		fmt.Fprintf(&b, "default_assignee_user_id: %d\n", assignee)
	}

	b.WriteString("Reply in this session; the supervisor relays your answer to the requester. Assign anything you create to the actor above unless the message says otherwise.\n")
	return b.String()
}

// fallbackText substitutes for replies that sanitize down to nothing.
func fallbackText(status string) string {
	switch status {
	case "timeout":
		return "Still working on it; the run has not finished yet."
	case "error":
		return "The run failed before producing any text."
	default:
		return "The run finished with no text output."
	}
}

// replyTagPattern matches routing tags some engines prepend to replies, like
// [[reply_to_current]] or [[reply_to:12]].
var replyTagPattern = regexp.MustCompile(`^\[\[reply_to(?:_current|:[^\]]*)\]\]\s*`)

// SanitizeReply strips engine framing from a reply: reply-routing tags, a
// whole-message code fence, and a leading "assistant:" label.
func SanitizeReply(s string) string {
	s = strings.TrimSpace(s)
	for {
		next := replyTagPattern.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = strings.TrimSpace(next)
	}
	s = stripWrappingFence(s)
	if rest, ok := cutPrefixFold(s, "assistant:"); ok {
		s = strings.TrimSpace(rest)
	}
	return strings.TrimSpace(s)
}

// stripWrappingFence unwraps a message that is one fenced code block, keeping
// interior fences intact.
func stripWrappingFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := s[3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return s
	}
	// The opening line may carry a language tag; it must not contain text
	// beyond that.
	if strings.ContainsAny(rest[:nl], " \t") {
		return s
	}
	body := strings.TrimRight(rest[nl+1:], " \t\n")
	inner, ok := strings.CutSuffix(body, "```")
	if !ok {
		return s
	}
	return strings.TrimSpace(inner)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
