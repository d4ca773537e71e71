// Package gateway wraps the local engine subprocess: the submit/wait RPC
// pair, CLI discovery, provider resolution, and the session-history fallback
// used when a run completes without text.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// execTimeoutMargin is the safety margin the gateway exec deadline keeps
// above the engine-side wait timeout.
const execTimeoutMargin = 30 * time.Second

// Run outcome texts for non-ok statuses.
const (
	stillWorkingText = "Still working…"
	noTextFallback   = "The run finished with no text output."
)

// SubmitParams are the arguments of the submit RPC.
type SubmitParams struct {
	IdempotencyKey string
	SessionKey     string
	Message        string
}

// WaitParams are the arguments of the wait RPC. Timeout is enforced
// engine-side; the exec deadline adds execTimeoutMargin on top.
type WaitParams struct {
	RunID   string
	Timeout time.Duration
}

// Gateway is the engine subprocess capability.
type Gateway interface {
	Submit(ctx context.Context, p SubmitParams) (string, error)
	Wait(ctx context.Context, p WaitParams) (map[string]any, error)
}

// CLIGateway drives the engine's gateway CLI
// (`<cli> gateway call <method> --json --params <json>`).
type CLIGateway struct {
	bin    string
	logger *slog.Logger
}

// NewCLIGateway wraps the gateway CLI at bin.
func NewCLIGateway(bin string, logger *slog.Logger) *CLIGateway {
	return &CLIGateway{bin: bin, logger: logger.With("component", "gateway")}
}

// Submit registers a message and returns the engine run id, falling back to
// the idempotency key when the response carries none.
func (g *CLIGateway) Submit(ctx context.Context, p SubmitParams) (string, error) {
	params := map[string]any{
		"idempotencyKey": p.IdempotencyKey,
		"sessionKey":     p.SessionKey,
		"message":        p.Message,
	}
	out, err := g.call(ctx, "submit", params)
	if err != nil {
		return "", err
	}
	if id := protocol.Str(out, "run_id", "runId", "id"); id != "" {
		return id, nil
	}
	return p.IdempotencyKey, nil
}

// Wait blocks on a run and returns the raw wait response.
func (g *CLIGateway) Wait(ctx context.Context, p WaitParams) (map[string]any, error) {
	params := map[string]any{
		"runId":     p.RunID,
		"timeoutMs": p.Timeout.Milliseconds(),
	}
	return g.call(ctx, "wait", params)
}

// call execs one gateway RPC. A nonzero exit is tolerated when stdout still
// carried a parseable JSON object.
func (g *CLIGateway) call(ctx context.Context, method string, params any) (map[string]any, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: marshal params: %w", method, err)
	}

	cmd := exec.CommandContext(ctx, g.bin, "gateway", "call", method, "--json", "--params", string(paramsJSON))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	parsed, parseErr := ParseJSONOutput(stdout.Bytes())
	if runErr != nil {
		if parsed != nil {
			g.logger.Debug("gateway call exited nonzero with JSON output", "method", method, "error", runErr)
			return parsed, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gateway %s: %w", method, ctx.Err())
		}
		return nil, fmt.Errorf("gateway %s: %w: %s", method, runErr, firstLine(stderr.Bytes()))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("gateway %s: %w", method, parseErr)
	}
	return parsed, nil
}

// RunSpec is one logical engine invocation.
type RunSpec struct {
	SessionKey     string
	IdempotencyKey string
	Message        string
	WaitTimeout    time.Duration
}

// RunOutcome is the mapped result of submit+wait.
type RunOutcome struct {
	RunID      string
	Status     string // "ok", "timeout", or "error"
	TextSource string // "wait", "session_history", "fallback", or "error"
	Content    string
}

// Runner orchestrates submit, wait, status mapping, and the session-history
// text fallback.
type Runner struct {
	gw            Gateway
	history       *HistoryReader // nil when the engine exposes no local store
	submitTimeout time.Duration
	logger        *slog.Logger
}

// NewRunner builds a Runner. history may be nil.
func NewRunner(gw Gateway, history *HistoryReader, submitTimeout time.Duration, logger *slog.Logger) *Runner {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Runner{
		gw:            gw,
		history:       history,
		submitTimeout: submitTimeout,
		logger:        logger.With("component", "engine-runner"),
	}
}

// Run executes one engine invocation. It never returns an error; failures are
// folded into the outcome so chat and recurring handlers always have content
// to report.
func (r *Runner) Run(ctx context.Context, spec RunSpec) *RunOutcome {
	sctx, cancel := context.WithTimeout(ctx, r.submitTimeout)
	runID, err := r.gw.Submit(sctx, SubmitParams{
		IdempotencyKey: spec.IdempotencyKey,
		SessionKey:     spec.SessionKey,
		Message:        spec.Message,
	})
	cancel()
	if err != nil {
		return errorOutcome(spec.IdempotencyKey, err)
	}

	// Exec deadline always sits execTimeoutMargin above the engine-side wait.
	wctx, cancel := context.WithTimeout(ctx, spec.WaitTimeout+execTimeoutMargin)
	raw, err := r.gw.Wait(wctx, WaitParams{RunID: runID, Timeout: spec.WaitTimeout})
	cancel()
	if err != nil {
		return errorOutcome(runID, err)
	}

	switch status := protocol.LowerStr(raw, "status"); status {
	case "timeout":
		return &RunOutcome{RunID: runID, Status: "timeout", TextSource: "wait", Content: stillWorkingText}
	case "ok":
	default:
		detail := protocol.Str(raw, "error", "message")
		if detail == "" {
			detail = fmt.Sprintf("status %q", status)
		}
		return &RunOutcome{
			RunID:      runID,
			Status:     "error",
			TextSource: "error",
			Content:    "OpenClaw run error: " + detail,
		}
	}

	if text := FirstText(raw); text != "" {
		return &RunOutcome{RunID: runID, Status: "ok", TextSource: "wait", Content: text}
	}
	if r.history != nil {
		if text := r.history.LastVisibleText(spec.SessionKey); text != "" {
			r.logger.Debug("wait response empty, recovered text from session history", "run_id", runID)
			return &RunOutcome{RunID: runID, Status: "ok", TextSource: "session_history", Content: text}
		}
	}
	return &RunOutcome{RunID: runID, Status: "ok", TextSource: "fallback", Content: noTextFallback}
}

func errorOutcome(runID string, err error) *RunOutcome {
	return &RunOutcome{
		RunID:      runID,
		Status:     "error",
		TextSource: "error",
		Content:    "OpenClaw run error: " + err.Error(),
	}
}
