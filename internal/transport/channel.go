package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// Connection states reported through Callbacks.OnState.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateUnavailable  = "unavailable"
	StateFailed       = "failed"
	StateDisconnected = "disconnected"
)

const (
	// readyTimeout bounds both the subscription ack wait and the Ready
	// barrier.
	readyTimeout     = 45 * time.Second
	handshakeTimeout = 10 * time.Second

	reconnectBase = time.Second
	reconnectCap  = 12 * time.Second

	// authRefreshSkew discards cached channel auth this close to expiry.
	authRefreshSkew = 10 * time.Second
)

// Socket frame events.
const (
	eventSubscribe  = "subscribe"
	eventSubscribed = "subscription_succeeded"
	eventError      = "error"

	defaultSignalEvent = "signal"
	defaultSocketPath  = "/socket"
)

// socketFrame is the envelope for every message on the socket.
type socketFrame struct {
	Event    string          `json:"event"`
	Channel  string          `json:"channel,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SocketAuthenticator signs one socket/channel pair. Satisfied by the hub
// client.
type SocketAuthenticator interface {
	AuthenticateSocket(ctx context.Context, sessionID int64, socketID, channel string) (*hubapi.SocketAuth, int, error)
}

// Callbacks receive channel activity. OnSignal runs on the read goroutine;
// implementations must not block indefinitely.
type Callbacks struct {
	OnSignal func(protocol.Signal)
	OnState  func(state string)
}

// subscribeError classifies a failed subscription attempt by the HTTP status
// (or its equivalent from an error frame).
type subscribeError struct {
	Status int
	Reason string
}

func (e *subscribeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("channel subscription failed with status %d", e.Status)
	}
	return fmt.Sprintf("channel subscription failed with status %d: %s", e.Status, e.Reason)
}

func (e *subscribeError) retryable() bool {
	switch e.Status {
	case 401, 403, 404, 422:
		return false
	}
	return true
}

// Channel maintains one signed private-channel subscription for a session.
// It reconnects with capped exponential backoff on retryable failures and
// stops permanently on auth-class rejections, reporting every transition
// through the state callback.
type Channel struct {
	auth    SocketAuthenticator
	session hubapi.Session
	cb      Callbacks
	logger  *slog.Logger

	mu             sync.Mutex
	state          string
	cachedAuth     string
	cachedSocketID string

	readyOnce sync.Once
	readyErr  error
	readyDone chan struct{}
}

// NewChannel creates a channel for one claimed session. Run must be called to
// start it.
func NewChannel(auth SocketAuthenticator, session hubapi.Session, cb Callbacks, logger *slog.Logger) *Channel {
	return &Channel{
		auth:      auth,
		session:   session,
		cb:        cb,
		logger:    logger.With("component", "transport.channel", "session_id", session.ID),
		readyDone: make(chan struct{}),
	}
}

// Run subscribes and consumes frames until ctx is cancelled or the hub
// rejects the subscription with a non-retryable status. Retryable failures
// back off with min(1s*2^attempt, 12s) and never return.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		c.setState(StateConnecting)

		wasConnected, err := c.subscribeAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Clean server close; resubscribe immediately.
			attempt = 0
			c.setState(StateDisconnected)
			continue
		}

		var sub *subscribeError
		if errors.As(err, &sub) && !sub.retryable() {
			c.logger.Warn("channel subscription rejected", "status", sub.Status, "error", sub.Reason)
			c.setState(StateFailed)
			c.fulfillReady(sub)
			return sub
		}

		if wasConnected {
			attempt = 0
			c.setState(StateDisconnected)
		} else {
			c.setState(StateUnavailable)
		}

		delay := reconnectDelay(attempt)
		attempt++
		c.logger.Debug("channel retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Ready blocks until the first subscription is acknowledged. It rejects when
// the channel fails permanently, the ready timeout elapses, or ctx is done.
func (c *Channel) Ready(ctx context.Context) error {
	select {
	case <-c.readyDone:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(readyTimeout):
		return fmt.Errorf("channel %s not ready after %s", c.session.Socket.Channel, readyTimeout)
	}
}

// State returns the last reported connection state.
func (c *Channel) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// subscribeAndRead performs one full connection cycle: sign, dial, subscribe,
// then consume frames until the connection drops. The returned bool reports
// whether the subscription was acknowledged before the cycle ended.
func (c *Channel) subscribeAndRead(ctx context.Context) (bool, error) {
	socketID, auth, err := c.channelAuth(ctx)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.socketURL(), nil)
	if err != nil {
		return false, fmt.Errorf("dial socket: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the caller cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := socketFrame{
		Event:    eventSubscribe,
		Channel:  c.session.Socket.Channel,
		Auth:     auth,
		SocketID: socketID,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(readyTimeout)); err != nil {
		return false, fmt.Errorf("set ack deadline: %w", err)
	}
	var ack socketFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return false, fmt.Errorf("read subscribe ack: %w", err)
	}
	switch ack.Event {
	case eventSubscribed:
	case eventError:
		return false, frameError(ack)
	default:
		return false, fmt.Errorf("unexpected ack event %q", ack.Event)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return true, fmt.Errorf("clear ack deadline: %w", err)
	}

	c.setState(StateConnected)
	c.fulfillReady(nil)
	c.logger.Info("channel subscribed", "channel", c.session.Socket.Channel)

	signalEvent := c.session.Socket.Event
	if signalEvent == "" {
		signalEvent = defaultSignalEvent
	}

	for {
		var frame socketFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("read frame: %w", err)
		}
		switch frame.Event {
		case signalEvent:
			sig, err := decodeSignalData(frame.Data)
			if err != nil {
				c.logger.Warn("undecodable signal frame", "error", err)
				continue
			}
			if c.cb.OnSignal != nil {
				c.cb.OnSignal(sig)
			}
		case eventError:
			err := frameError(frame)
			var sub *subscribeError
			if errors.As(err, &sub) && !sub.retryable() {
				return true, err
			}
			c.logger.Warn("channel error frame", "error", err)
		default:
			c.logger.Debug("ignoring socket frame", "event", frame.Event)
		}
	}
}

// channelAuth returns a socket id and channel signature, reusing the cached
// pair while its token is still comfortably unexpired.
func (c *Channel) channelAuth(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	socketID, cached := c.cachedSocketID, c.cachedAuth
	c.mu.Unlock()

	if cached != "" && !authExpired(cached, time.Now()) {
		return socketID, cached, nil
	}

	socketID = uuid.New().String()
	signed, status, err := c.auth.AuthenticateSocket(ctx, c.session.ID, socketID, c.session.Socket.Channel)
	if err != nil {
		if status != 0 {
			return "", "", &subscribeError{Status: status, Reason: err.Error()}
		}
		return "", "", fmt.Errorf("authenticate socket: %w", err)
	}

	c.mu.Lock()
	c.cachedSocketID, c.cachedAuth = socketID, signed.Auth
	c.mu.Unlock()
	return socketID, signed.Auth, nil
}

func (c *Channel) socketURL() string {
	s := c.session.Socket
	scheme := s.Scheme
	switch scheme {
	case "", "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	}
	host := s.Host
	if s.Port != 0 {
		host = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	}
	path := s.Path
	if path == "" {
		path = defaultSocketPath
	}
	q := url.Values{"client": {"agentmc-supervisor"}}
	if s.Key != "" {
		q.Set("key", s.Key)
	}
	if s.Cluster != "" {
		q.Set("cluster", s.Cluster)
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path, RawQuery: q.Encode()}
	return u.String()
}

func (c *Channel) setState(state string) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.mu.Unlock()

	c.logger.Debug("channel state", "from", prev, "to", state)
	if c.cb.OnState != nil {
		c.cb.OnState(state)
	}
}

func (c *Channel) fulfillReady(err error) {
	c.readyOnce.Do(func() {
		c.readyErr = err
		close(c.readyDone)
	})
}

// authExpired reports whether a cached channel token is expired or within the
// refresh skew of expiry. Tokens are hub-signed; only the exp claim is read,
// nothing is verified locally.
func authExpired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Add(authRefreshSkew).Before(claims.ExpiresAt.Time)
}

// decodeSignalData accepts the signal either as a JSON object or as a
// JSON-encoded string of one, which is how some channel brokers deliver
// event data.
func decodeSignalData(data json.RawMessage) (protocol.Signal, error) {
	var sig protocol.Signal
	if len(data) == 0 {
		return sig, fmt.Errorf("empty frame data")
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return sig, err
		}
		data = []byte(inner)
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// frameError extracts a status-bearing error from an error frame. The status
// may arrive as data.status or data.code.
func frameError(frame socketFrame) error {
	var body map[string]any
	_ = json.Unmarshal(frame.Data, &body)
	status, _ := protocol.Int64(body, "status", "code")
	return &subscribeError{Status: int(status), Reason: protocol.Str(body, "message", "error")}
}

func reconnectDelay(attempt int) time.Duration {
	if attempt >= 31 {
		return reconnectCap
	}
	delay := reconnectBase << attempt
	if delay > reconnectCap {
		delay = reconnectCap
	}
	return delay
}
