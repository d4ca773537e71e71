package gateway

import (
	"context"
	"fmt"
	"time"
)

// Executor dispatches engine invocations to the resolved provider: external
// providers run through their RunFunc, embedded providers through the
// submit/wait Runner with derived session and idempotency keys.
type Executor struct {
	provider *Provider
	runner   *Runner
	token    string // engine agent token segment of session keys
}

// NewExecutor pairs a resolved provider with the embedded runner. runner may
// be nil for external providers.
func NewExecutor(provider *Provider, runner *Runner, agentToken string) *Executor {
	if agentToken == "" {
		agentToken = "main"
	}
	return &Executor{provider: provider, runner: runner, token: agentToken}
}

// Provider exposes the resolved provider for heartbeat and profile reporting.
func (e *Executor) Provider() *Provider { return e.provider }

// Chat runs one chat turn. Session and idempotency keys are derived from the
// hub session and request ids.
func (e *Executor) Chat(ctx context.Context, sessionID int64, requestID, message string, wait time.Duration) *RunOutcome {
	if e.provider.Run != nil {
		rctx, cancel := context.WithTimeout(ctx, wait+execTimeoutMargin)
		defer cancel()
		return e.provider.Run(rctx, sessionID, requestID, message)
	}
	return e.runner.Run(ctx, RunSpec{
		SessionKey:     fmt.Sprintf("agent:%s:agentmc:%d", e.token, sessionID),
		IdempotencyKey: fmt.Sprintf("agentmc-%d-%s", sessionID, requestID),
		Message:        message,
		WaitTimeout:    wait,
	})
}

// Recurring runs one recurring-task prompt. Runs of the same task share a
// session; idempotency is pinned to the run id.
func (e *Executor) Recurring(ctx context.Context, taskID, runID int64, prompt string, wait time.Duration) *RunOutcome {
	if e.provider.Run != nil {
		rctx, cancel := context.WithTimeout(ctx, wait+execTimeoutMargin)
		defer cancel()
		return e.provider.Run(rctx, taskID, fmt.Sprintf("recurring-%d", runID), prompt)
	}
	return e.runner.Run(ctx, RunSpec{
		SessionKey:     fmt.Sprintf("agent:%s:agentmc:recurring:%d", e.token, taskID),
		IdempotencyKey: fmt.Sprintf("agentmc-recurring-%d", runID),
		Message:        prompt,
		WaitTimeout:    wait,
	})
}
