// Package hubapi is the typed REST client for the hub control plane. Every
// operation returns the decoded response, the HTTP status, and an error; the
// client never retries or backs off, callers own those schedules.
package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// StatusError is returned for any non-2xx hub response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("hub returned %d: %s", e.Status, body)
}

// Client talks to one hub with one agent credential.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
}

// New creates a hub client. The HTTP timeout is a transport-level backstop;
// per-call deadlines come from the caller's context.
func New(baseURL, apiKey, userAgent string) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		userAgent: userAgent,
		http:      &http.Client{Timeout: 60 * time.Second},
	}
}

// ListRequestedSessions returns sessions awaiting an agent claim.
func (c *Client) ListRequestedSessions(ctx context.Context, limit int) ([]Session, int, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var out []Session
	status, err := c.do(ctx, http.MethodGet, "/api/agent/sessions/requested?"+q.Encode(), nil, &out)
	return out, status, err
}

// ClaimSession claims one requested session for this agent.
func (c *Client) ClaimSession(ctx context.Context, sessionID int64) (*Session, int, error) {
	var out Session
	status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/agent/sessions/%d/claim", sessionID), nil, &out)
	if err != nil {
		return nil, status, err
	}
	return &out, status, nil
}

// AuthenticateSocket signs a socket/channel pair for a private subscription.
func (c *Client) AuthenticateSocket(ctx context.Context, sessionID int64, socketID, channel string) (*SocketAuth, int, error) {
	body := map[string]string{"socket_id": socketID, "channel_name": channel}
	var out SocketAuth
	status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/agent/sessions/%d/socket-auth", sessionID), body, &out)
	if err != nil {
		return nil, status, err
	}
	return &out, status, nil
}

// CreateSignal publishes one outbound signal on a session.
func (c *Client) CreateSignal(ctx context.Context, sessionID int64, signalType string, payload any) (*protocol.Signal, int, error) {
	body := map[string]any{"type": signalType, "payload": payload}
	var out protocol.Signal
	status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/agent/sessions/%d/signals", sessionID), body, &out)
	if err != nil {
		return nil, status, err
	}
	return &out, status, nil
}

// ListSignals returns session signals with id > afterID, optionally excluding
// one sender, capped at limit.
func (c *Client) ListSignals(ctx context.Context, sessionID, afterID int64, excludeSender string, limit int) ([]protocol.Signal, int, error) {
	q := url.Values{
		"after_id": {strconv.FormatInt(afterID, 10)},
		"limit":    {strconv.Itoa(limit)},
	}
	if excludeSender != "" {
		q.Set("exclude_sender", excludeSender)
	}
	var out []protocol.Signal
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/agent/sessions/%d/signals?%s", sessionID, q.Encode()), nil, &out)
	return out, status, err
}

// CloseSession marks a session terminal on the hub.
func (c *Client) CloseSession(ctx context.Context, sessionID int64, status string) (int, error) {
	body := map[string]string{"status": status}
	httpStatus, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/agent/sessions/%d/close", sessionID), body, nil)
	return httpStatus, err
}

// GetInstructions fetches the instruction bundle, conditional on the cursor.
func (c *Client) GetInstructions(ctx context.Context, bundleVersion string) (*InstructionBundle, int, error) {
	q := url.Values{}
	if bundleVersion != "" {
		q.Set("bundle_version", bundleVersion)
	}
	path := "/api/agent/instructions"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var out InstructionBundle
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, status, err
	}
	return &out, status, nil
}

// Heartbeat posts one telemetry report.
func (c *Client) Heartbeat(ctx context.Context, report *HeartbeatReport) (int, error) {
	return c.do(ctx, http.MethodPost, "/api/agent/heartbeat", report, nil)
}

// ListAgents returns the hub's agent roster rows for this credential.
func (c *Client) ListAgents(ctx context.Context) ([]AgentRow, int, error) {
	var out []AgentRow
	status, err := c.do(ctx, http.MethodGet, "/api/agent/agents", nil, &out)
	return out, status, err
}

// ListDueRecurringRuns claims up to limit due recurring-task runs.
func (c *Client) ListDueRecurringRuns(ctx context.Context, limit int) ([]RecurringRun, int, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var out []RecurringRun
	status, err := c.do(ctx, http.MethodGet, "/api/agent/recurring-task-runs/due?"+q.Encode(), nil, &out)
	return out, status, err
}

// CompleteRecurringRun reports one claimed run's outcome.
func (c *Client) CompleteRecurringRun(ctx context.Context, runID int64, completion *RunCompletion) (int, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/agent/recurring-task-runs/%d/complete", runID), completion, nil)
}

// MarkNotificationRead marks one notification read; idempotent at the hub.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) (int, error) {
	return c.do(ctx, http.MethodPost, "/api/agent/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
}

// do executes one request. Non-2xx responses return (*StatusError, status);
// transport failures return status 0.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
