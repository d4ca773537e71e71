package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentmc-ai/supervisor/internal/config"
	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/internal/gateway"
	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/internal/transport"
	"github.com/agentmc-ai/supervisor/internal/workspace"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// Close reasons reported when a worker ends. Self-heal reasons are derived
// from the connection state at closing time.
const (
	ReasonSessionClosed  = "session_closed"
	ReasonPollClosed     = "session_poll_closed"
	ReasonRuntimeStopped = "runtime_stopped"
	ReasonChannelFailed  = "session_channel_failed"
)

const (
	// pollLimit caps one backfill page.
	pollLimit = 100

	// remoteCloseGrace bounds the hub close call during teardown, which runs
	// on a fresh context because the worker's own may already be cancelled.
	remoteCloseGrace = 10 * time.Second

	signalBuffer = 256
	stateBuffer  = 32
)

// Hub is the control-plane surface one worker consumes. Satisfied by
// *hubapi.Client.
type Hub interface {
	ListSignals(ctx context.Context, sessionID, afterID int64, excludeSender string, limit int) ([]protocol.Signal, int, error)
	CreateSignal(ctx context.Context, sessionID int64, signalType string, payload any) (*protocol.Signal, int, error)
	CloseSession(ctx context.Context, sessionID int64, status string) (int, error)
	AuthenticateSocket(ctx context.Context, sessionID int64, socketID, channel string) (*hubapi.SocketAuth, int, error)
	MarkNotificationRead(ctx context.Context, notificationID string) (int, error)
}

// ChatRunner executes one engine chat turn. Satisfied by *gateway.Executor.
type ChatRunner interface {
	Chat(ctx context.Context, sessionID int64, requestID, message string, wait time.Duration) *gateway.RunOutcome
}

// Hooks observe worker activity. All hooks are optional and must not block;
// they run on the worker goroutine.
type Hooks struct {
	OnSignal             func(sig protocol.Signal)
	OnSessionClosed      func(sessionID int64, reason string)
	OnUnhandledMessage   func(sig protocol.Signal)
	OnNotificationBridge func(sessionID int64, notificationID string, outcome *gateway.RunOutcome)
}

// Options configures one session worker.
type Options struct {
	Session hubapi.Session
	AgentID int64

	Hub    Hub
	Runner ChatRunner
	Store  *workspace.Store
	Bus    *eventbus.Bus
	Logger *slog.Logger
	Hooks  Hooks

	// Source labels the engine provider in chat meta.
	Source      string
	WaitTimeout time.Duration
	CloseOnStop bool

	Tuning        config.SessionConfig
	Notifications config.NotificationConfig
}

type stopRequest struct {
	reason string
}

// Worker runs one claimed session: it consumes realtime frames, backfills over
// HTTP, routes browser requests to the engine and the managed-file store, and
// closes itself when the session ends or goes stale.
//
// All session state (cursors, connection state, dedupe) is owned by the Run
// goroutine; request handlers run as short-lived goroutines that only publish
// outbound signals.
type Worker struct {
	opts      Options
	logger    *slog.Logger
	publisher *transport.Publisher
	dedupe    *KeyCache
	now       func() time.Time

	signals chan protocol.Signal
	states  chan string
	stopCh  chan stopRequest
	done    chan struct{}

	pending sync.WaitGroup

	mu                sync.Mutex
	lastSignalID      int64
	lastNonAgentID    int64
	connState         string
	connChangedAt     time.Time
	notConnectedSince time.Time
	lastActivity      time.Time
	startedAt         time.Time
	connectedOnce     bool
	closeReason       string

	// Actor-owned; never touched outside the Run goroutine.
	closing     bool
	nextPollAt  time.Time
	pollLimiter logLimiter
}

// NewWorker creates a worker for one claimed session. Run must be called to
// start it.
func NewWorker(opts Options) *Worker {
	logger := opts.Logger.With("component", "session.worker", "session_id", opts.Session.ID)
	return &Worker{
		opts:      opts,
		logger:    logger,
		publisher: transport.NewPublisher(opts.Hub, opts.Session.ID, opts.Logger),
		dedupe:    NewKeyCache(opts.Tuning.DedupeTTL.Duration, 0),
		now:       time.Now,
		signals:   make(chan protocol.Signal, signalBuffer),
		states:    make(chan string, stateBuffer),
		stopCh:    make(chan stopRequest, 1),
		done:      make(chan struct{}),
	}
}

// SessionID returns the hub session id this worker serves.
func (w *Worker) SessionID() int64 { return w.opts.Session.ID }

// Done is closed once the worker has fully torn down.
func (w *Worker) Done() <-chan struct{} { return w.done }

// CloseReason returns the terminal reason, empty while the worker runs.
func (w *Worker) CloseReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeReason
}

// State returns the current connection state.
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connState
}

// Cursors returns (last_signal_id, last_non_agent_signal_id).
func (w *Worker) Cursors() (int64, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSignalID, w.lastNonAgentID
}

// Stop asks the worker to close with the given reason. It returns immediately;
// wait on Done for teardown. The first requested reason wins.
func (w *Worker) Stop(reason string) {
	select {
	case w.stopCh <- stopRequest{reason: reason}:
	case <-w.done:
	default:
	}
}

// Run drives the worker until the session closes. The realtime channel and the
// backfill poller feed one loop; request handlers are spawned per signal and
// drained on teardown.
func (w *Worker) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := w.now()
	w.mu.Lock()
	w.startedAt = start
	w.lastActivity = start
	w.connState = transport.StateConnecting
	w.connChangedAt = start
	w.notConnectedSince = start
	w.mu.Unlock()

	channel := transport.NewChannel(w.opts.Hub, w.opts.Session, transport.Callbacks{
		OnSignal: w.enqueueSignal,
		OnState:  w.enqueueState,
	}, w.opts.Logger)
	channelDone := make(chan error, 1)
	go func() { channelDone <- channel.Run(runCtx) }()

	ticker := time.NewTicker(w.opts.Tuning.FallbackInterval.Duration)
	defer ticker.Stop()

	w.logger.Info("session worker started", "channel", w.opts.Session.Socket.Channel)

	for !w.closing {
		select {
		case <-runCtx.Done():
			w.beginClose(ReasonRuntimeStopped)
		case req := <-w.stopCh:
			w.beginClose(req.reason)
		case sig := <-w.signals:
			w.acceptSignal(runCtx, sig)
		case state := <-w.states:
			w.applyState(runCtx, state)
		case err := <-channelDone:
			channelDone = nil
			if err != nil && runCtx.Err() == nil {
				w.opts.Bus.ReportError(w.opts.AgentID, w.opts.Session.ID, "session-channel", err)
				w.beginClose(ReasonChannelFailed)
			}
		case <-ticker.C:
			now := w.now()
			w.selfHeal(now)
			if !w.closing {
				w.maybePoll(runCtx, now)
			}
		}
	}

	cancel()
	w.pending.Wait()
	w.finishClose()
	close(w.done)
}

// enqueueSignal hands a realtime frame to the worker loop. It never blocks;
// a full buffer is repaired by the next backfill poll.
func (w *Worker) enqueueSignal(sig protocol.Signal) {
	select {
	case w.signals <- sig:
	default:
		w.logger.Warn("signal buffer full, deferring to backfill", "signal_id", sig.ID)
	}
}

func (w *Worker) enqueueState(state string) {
	select {
	case w.states <- state:
	default:
	}
}

// acceptSignal applies the dual-cursor rule and processes the signal.
// Agent-originated echoes advance last_signal_id only and are never routed, so
// they cannot gate browser or system progress.
func (w *Worker) acceptSignal(ctx context.Context, sig protocol.Signal) {
	if w.closing {
		return
	}
	now := w.now()

	w.mu.Lock()
	fresh := sig.ID > w.lastSignalID
	if fresh {
		w.lastSignalID = sig.ID
		w.lastActivity = now
	}
	if sig.Sender == protocol.SenderAgent {
		w.mu.Unlock()
		return
	}
	if sig.ID <= w.lastNonAgentID {
		w.mu.Unlock()
		return
	}
	w.lastNonAgentID = sig.ID
	w.lastActivity = now
	w.mu.Unlock()

	if w.opts.Hooks.OnSignal != nil {
		w.opts.Hooks.OnSignal(sig)
	}
	w.opts.Bus.PublishSession(eventbus.SignalReceived, w.opts.AgentID, w.opts.Session.ID, map[string]any{
		"signal_id": sig.ID,
		"sender":    sig.Sender,
		"type":      sig.Type,
	})

	if w.opts.Notifications.Enabled {
		if body := notificationBody(sig.Payload); body != nil {
			w.routeNotification(ctx, sig, body)
			return
		}
	}

	if sig.Type == protocol.SignalClose {
		w.beginClose(ReasonSessionClosed)
		return
	}

	if sig.Sender != protocol.SenderBrowser || sig.Type != protocol.SignalMessage {
		w.logger.Debug("signal observed, not routed", "signal_id", sig.ID, "sender", sig.Sender, "type", sig.Type)
		return
	}
	w.routeSignal(ctx, sig)
}

// routeSignal dispatches one browser message on payload.type. Dedupe marks are
// taken here, before the handler goroutine starts, so a replay arriving during
// handling is still suppressed.
func (w *Worker) routeSignal(ctx context.Context, sig protocol.Signal) {
	switch sig.ChannelType() {
	case protocol.TypeChatUser, protocol.TypeChatRequest:
		in := w.chatInputFromSignal(sig)
		if !w.dedupe.MarkOnce(chatDedupeKey(in)) {
			w.logger.Debug("duplicate chat request", "request_id", in.requestID, "message_id", in.messageID)
			return
		}
		w.spawn(ctx, "chat", func(hctx context.Context) error {
			_, err := w.runChat(hctx, in)
			return err
		})
	case protocol.TypeSnapshotReq:
		requestID := protocol.Str(sig.Payload, "request_id", "requestId")
		reason := requestID
		if reason == "" {
			reason = "requested"
		}
		w.spawn(ctx, "snapshot", func(hctx context.Context) error {
			return w.publishSnapshot(hctx, reason, requestID)
		})
	case protocol.TypeFileSave:
		w.routeFileSave(ctx, sig)
	case protocol.TypeFileDelete:
		w.routeFileDelete(ctx, sig)
	default:
		w.logger.Debug("unhandled message type", "signal_id", sig.ID, "type", sig.ChannelType())
		if w.opts.Hooks.OnUnhandledMessage != nil {
			w.opts.Hooks.OnUnhandledMessage(sig)
		}
		w.opts.Bus.PublishSession(eventbus.UnhandledMessage, w.opts.AgentID, w.opts.Session.ID, map[string]any{
			"signal_id": sig.ID,
			"type":      sig.ChannelType(),
		})
	}
}

// applyState records a connection transition and reschedules the backfill
// poll, since transition moments are exactly when frames go missing. The first
// connect publishes a session_ready snapshot, later ones a reconnected
// snapshot.
func (w *Worker) applyState(ctx context.Context, state string) {
	now := w.now()

	w.mu.Lock()
	prev := w.connState
	if prev == state {
		w.mu.Unlock()
		return
	}
	w.connState = state
	w.connChangedAt = now
	first := false
	if state == transport.StateConnected {
		w.lastActivity = now
		w.notConnectedSince = time.Time{}
		first = !w.connectedOnce
		w.connectedOnce = true
	} else if prev == transport.StateConnected {
		w.notConnectedSince = now
	}
	w.mu.Unlock()

	w.nextPollAt = now

	if state == transport.StateConnected && w.opts.Tuning.FileSync {
		reason := "reconnected"
		if first {
			reason = "session_ready"
		}
		w.spawn(ctx, "snapshot", func(hctx context.Context) error {
			return w.publishSnapshot(hctx, reason, "")
		})
	}
}

// maybePoll backfills signals over HTTP: every fallback interval while
// degraded, every catch-up interval while connected. Polls query after the
// non-agent cursor and exclude agent echoes.
func (w *Worker) maybePoll(ctx context.Context, now time.Time) {
	if now.Before(w.nextPollAt) {
		return
	}

	w.mu.Lock()
	afterID := w.lastNonAgentID
	connected := w.connState == transport.StateConnected
	w.mu.Unlock()

	signals, status, err := w.opts.Hub.ListSignals(ctx, w.opts.Session.ID, afterID, protocol.SenderAgent, pollLimit)
	if err != nil {
		switch status {
		case 404, 409, 422:
			w.logger.Warn("session gone at hub", "status", status)
			w.beginClose(ReasonPollClosed)
		case 429:
			fallback := w.opts.Tuning.FallbackInterval.Duration
			delay := maxDuration(2*fallback, 2500*time.Millisecond)
			w.nextPollAt = now.Add(delay)
			if w.pollLimiter.Allow(now) {
				w.logger.Warn("signal poll rate limited", "retry_in", delay)
			}
		default:
			if ctx.Err() == nil {
				w.opts.Bus.ReportError(w.opts.AgentID, w.opts.Session.ID, "signal-poll", err)
			}
			w.nextPollAt = now.Add(w.opts.Tuning.FallbackInterval.Duration)
		}
		return
	}

	for _, sig := range signals {
		w.acceptSignal(ctx, sig)
		if w.closing {
			return
		}
	}

	if connected {
		w.nextPollAt = now.Add(w.opts.Tuning.CatchupInterval.Duration)
	} else {
		w.nextPollAt = now.Add(w.opts.Tuning.FallbackInterval.Duration)
	}
}

// selfHeal closes workers that sit in a degraded connection state or see no
// signal traffic at all. Young sessions are exempt so slow first connects do
// not count as failures.
func (w *Worker) selfHeal(now time.Time) {
	if w.closing {
		return
	}

	w.mu.Lock()
	age := now.Sub(w.startedAt)
	state := w.connState
	notConnected := w.notConnectedSince
	idle := now.Sub(w.lastActivity)
	w.mu.Unlock()

	if age < w.opts.Tuning.MinAge.Duration {
		return
	}

	stale := w.opts.Tuning.ConnectionStale.Duration
	if isFallbackState(state) && !notConnected.IsZero() && now.Sub(notConnected) >= stale && idle >= stale {
		w.logger.Warn("self-heal: connection stale", "state", state, "down_for", now.Sub(notConnected), "idle", idle)
		w.beginClose(fmt.Sprintf("session_self_heal_%s_stale", state))
		return
	}
	if idle >= w.opts.Tuning.ActivityStale.Duration {
		w.logger.Warn("self-heal: activity stale", "idle", idle)
		w.beginClose("session_self_heal_activity_stale")
	}
}

// beginClose marks the worker closing; the first reason wins.
func (w *Worker) beginClose(reason string) {
	if w.closing {
		return
	}
	w.closing = true
	w.mu.Lock()
	w.closeReason = reason
	w.mu.Unlock()
}

// finishClose runs after handlers drain: it reports the closure and, for
// reasons that end the session rather than just this worker's view of it,
// closes the session at the hub.
func (w *Worker) finishClose() {
	reason := w.CloseReason()
	w.logger.Info("session closed", "reason", reason)

	if w.opts.Hooks.OnSessionClosed != nil {
		w.opts.Hooks.OnSessionClosed(w.opts.Session.ID, reason)
	}
	w.opts.Bus.PublishSession(eventbus.SessionClosed, w.opts.AgentID, w.opts.Session.ID, map[string]any{
		"reason": reason,
	})

	status := remoteCloseStatus(reason, w.opts.CloseOnStop)
	if status == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCloseGrace)
	defer cancel()
	if _, err := w.opts.Hub.CloseSession(ctx, w.opts.Session.ID, status); err != nil {
		w.logger.Warn("hub session close failed", "close_status", status, "error", err)
	}
}

// remoteCloseStatus maps a close reason to the status reported to the hub.
// Close signals and poll-detected closures need no call (the hub already
// knows); channel rejections leave the session for another claim.
func remoteCloseStatus(reason string, closeOnStop bool) string {
	switch {
	case strings.HasPrefix(reason, "session_self_heal_"):
		return "failed"
	case reason == ReasonRuntimeStopped && closeOnStop:
		return "closed"
	}
	return ""
}

// spawn runs one request handler off the worker loop. Handler errors are
// surfaced on the bus; they never affect the session lifecycle.
func (w *Worker) spawn(ctx context.Context, scope string, fn func(context.Context) error) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("handler failed", "scope", scope, "error", err)
			w.opts.Bus.ReportError(w.opts.AgentID, w.opts.Session.ID, scope, err)
		}
	}()
}

func isFallbackState(state string) bool {
	switch state {
	case transport.StateUnavailable, transport.StateFailed, transport.StateDisconnected:
		return true
	}
	return false
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// logLimiter suppresses repeated log lines to one per window.
type logLimiter struct {
	window time.Duration
	last   time.Time
}

// Allow reports whether a log line may be emitted at now, consuming the window
// when it does. The zero value uses a 5s window.
func (l *logLimiter) Allow(now time.Time) bool {
	window := l.window
	if window == 0 {
		window = 5 * time.Second
	}
	if !l.last.IsZero() && now.Sub(l.last) < window {
		return false
	}
	l.last = now
	return true
}
