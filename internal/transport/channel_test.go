package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentmc-ai/supervisor/internal/hubtest"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

type signalCollector struct {
	mu      sync.Mutex
	signals []protocol.Signal
}

func (c *signalCollector) add(sig protocol.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
}

func (c *signalCollector) all() []protocol.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Signal, len(c.signals))
	copy(out, c.signals)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannel_DeliversSignals(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	sess := srv.AddRequestedSession(7)

	collector := &signalCollector{}
	ch := NewChannel(srv.Client(), sess, Callbacks{OnSignal: collector.add}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	if err := ch.Ready(readyCtx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if state := ch.State(); state != StateConnected {
		t.Fatalf("state = %q, want %q", state, StateConnected)
	}

	pushed := srv.PushSignal(7, protocol.SenderBrowser, "message.created",
		map[string]any{"type": "chat.user.message", "message": "hi"})
	waitUntil(t, 5*time.Second, "signal delivery", func() bool {
		return len(collector.all()) == 1
	})
	got := collector.all()[0]
	if got.ID != pushed.ID || got.SessionID != 7 {
		t.Fatalf("delivered signal = %+v, pushed id %d", got, pushed.ID)
	}
	if protocol.Str(got.Payload, "message") != "hi" {
		t.Fatalf("payload = %v", got.Payload)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestChannel_AuthRejectionIsPermanent(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	sess := srv.AddRequestedSession(8)
	srv.Fail(hubtest.OpAuthenticateSocket, 403, 0)

	ch := NewChannel(srv.Client(), sess, Callbacks{}, testLogger())

	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background()) }()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	err := ch.Ready(readyCtx)
	if err == nil {
		t.Fatal("expected ready to reject")
	}
	var sub *subscribeError
	if !errors.As(err, &sub) || sub.Status != 403 {
		t.Fatalf("ready error = %v, want subscribe error with status 403", err)
	}

	select {
	case runErr := <-done:
		if runErr == nil {
			t.Fatal("expected run to return the rejection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run kept retrying a non-retryable rejection")
	}
	if state := ch.State(); state != StateFailed {
		t.Fatalf("state = %q, want %q", state, StateFailed)
	}
}

func TestChannel_SubscribeErrorFramePermanent(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	sess := srv.AddRequestedSession(12)
	srv.Fail(hubtest.OpSubscribe, 401, 0)

	ch := NewChannel(srv.Client(), sess, Callbacks{}, testLogger())

	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background()) }()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	err := ch.Ready(readyCtx)
	var sub *subscribeError
	if !errors.As(err, &sub) || sub.Status != 401 {
		t.Fatalf("ready error = %v, want subscribe error with status 401", err)
	}
	select {
	case runErr := <-done:
		if runErr == nil {
			t.Fatal("expected run to return the rejection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run kept retrying a non-retryable rejection")
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	sess := srv.AddRequestedSession(9)

	collector := &signalCollector{}
	ch := NewChannel(srv.Client(), sess, Callbacks{OnSignal: collector.add}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	if err := ch.Ready(readyCtx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	srv.DropSockets()

	// Signals only reach live subscribers, so keep pushing until one lands
	// on the resubscribed socket.
	deadline := time.Now().Add(10 * time.Second)
	for len(collector.all()) == 0 {
		if !time.Now().Before(deadline) {
			t.Fatal("no signal delivered after socket drop")
		}
		srv.PushSignal(9, protocol.SenderBrowser, "message.created", map[string]any{"message": "again"})
		time.Sleep(200 * time.Millisecond)
	}
	if state := ch.State(); state != StateConnected {
		t.Fatalf("state = %q, want %q", state, StateConnected)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestChannel_RetryableFailureKeepsTrying(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	sess := srv.AddRequestedSession(10)
	srv.Fail(hubtest.OpAuthenticateSocket, 500, 2)

	ch := NewChannel(srv.Client(), sess, Callbacks{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	// Two 500s back off 1s then 2s before the third attempt succeeds.
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer readyCancel()
	if err := ch.Ready(readyCtx); err != nil {
		t.Fatalf("ready after retryable failures: %v", err)
	}
	if state := ch.State(); state != StateConnected {
		t.Fatalf("state = %q, want %q", state, StateConnected)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, reconnectCap},
		{10, reconnectCap},
		{40, reconnectCap},
	}
	for _, tc := range cases {
		if got := reconnectDelay(tc.attempt); got != tc.want {
			t.Errorf("reconnectDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDecodeSignalData(t *testing.T) {
	obj := `{"id":4,"session_id":7,"sender":"browser","type":"message","payload":{"type":"chat.user.message"}}`

	sig, err := decodeSignalData(json.RawMessage(obj))
	if err != nil {
		t.Fatalf("object form: %v", err)
	}
	if sig.ID != 4 || sig.ChannelType() != "chat.user.message" {
		t.Fatalf("decoded %+v", sig)
	}

	quoted, _ := json.Marshal(obj)
	sig, err = decodeSignalData(quoted)
	if err != nil {
		t.Fatalf("quoted form: %v", err)
	}
	if sig.ID != 4 || sig.SessionID != 7 {
		t.Fatalf("decoded %+v", sig)
	}

	if _, err := decodeSignalData(nil); err == nil {
		t.Fatal("empty data should fail")
	}
	if _, err := decodeSignalData(json.RawMessage(`"not json"`)); err == nil {
		t.Fatal("quoted non-object should fail")
	}
}

func TestAuthExpired(t *testing.T) {
	now := time.Now()
	sign := func(exp time.Time) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		signed, err := token.SignedString([]byte("k"))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}

	if !authExpired(sign(now.Add(-time.Minute)), now) {
		t.Error("expired token should report expired")
	}
	if !authExpired(sign(now.Add(5*time.Second)), now) {
		t.Error("token inside the refresh skew should report expired")
	}
	if authExpired(sign(now.Add(time.Hour)), now) {
		t.Error("fresh token should not report expired")
	}
	if !authExpired("not-a-token", now) {
		t.Error("garbage token should report expired")
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	signed, err := noExp.SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if authExpired(signed, now) {
		t.Error("token without exp never expires")
	}
}
