package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/internal/gateway"
	"github.com/agentmc-ai/supervisor/internal/hubapi"
)

const (
	// recurringClaimLimit bounds one polling sweep; anything beyond it stays
	// due and is claimed next time.
	recurringClaimLimit = 5

	summaryMaxRunes      = 4000
	responseMetaMaxBytes = 24000
)

// RecurringSource claims due runs and reports their outcomes.
type RecurringSource interface {
	ListDueRecurringRuns(ctx context.Context, limit int) ([]hubapi.RecurringRun, int, error)
	CompleteRecurringRun(ctx context.Context, runID int64, completion *hubapi.RunCompletion) (int, error)
}

// recurringEngine is the slice of the engine executor recurring runs need.
type recurringEngine interface {
	Recurring(ctx context.Context, taskID, runID int64, prompt string, wait time.Duration) *gateway.RunOutcome
}

// Recurring claims due scheduled-task runs and executes them through the
// engine, one at a time.
type Recurring struct {
	hub      RecurringSource
	engine   recurringEngine
	agentID  int64
	wait     time.Duration
	timezone string
	bus      *eventbus.Bus
	logger   *slog.Logger

	now func() time.Time
}

func NewRecurring(hub RecurringSource, engine recurringEngine, agentID int64, wait time.Duration, timezone string, bus *eventbus.Bus, logger *slog.Logger) *Recurring {
	return &Recurring{
		hub:      hub,
		engine:   engine,
		agentID:  agentID,
		wait:     wait,
		timezone: timezone,
		bus:      bus,
		logger:   logger.With("component", "recurring"),
		now:      time.Now,
	}
}

// RunDue claims up to the sweep limit of due runs and executes each. Every
// claimed run gets a completion, mismatched ones included; a completion POST
// failure is reported and the batch continues.
func (r *Recurring) RunDue(ctx context.Context) (int, error) {
	runs, _, err := r.hub.ListDueRecurringRuns(ctx, recurringClaimLimit)
	if err != nil {
		return 0, fmt.Errorf("list due recurring runs: %w", err)
	}
	for _, run := range runs {
		completion := r.execute(ctx, run)
		if _, err := r.hub.CompleteRecurringRun(ctx, run.RunID, completion); err != nil {
			r.logger.Warn("complete recurring run", "run_id", run.RunID, "error", err)
			r.bus.ReportError(r.agentID, 0, "recurring", fmt.Errorf("complete run %d: %w", run.RunID, err))
			continue
		}
		r.logger.Info("recurring run finished",
			"run_id", run.RunID, "task_id", run.TaskID, "status", completion.Status)
	}
	return len(runs), nil
}

func (r *Recurring) execute(ctx context.Context, run hubapi.RecurringRun) *hubapi.RunCompletion {
	started := r.now().UTC()

	// The hub should only hand out our own runs, but a stale claim after an
	// agent reassignment can still surface here.
	if run.AgentID != 0 && run.AgentID != r.agentID {
		return &hubapi.RunCompletion{
			Status:       "error",
			ClaimToken:   run.ClaimToken,
			ErrorMessage: fmt.Sprintf("run %d is assigned to agent %d, not %d", run.RunID, run.AgentID, r.agentID),
			StartedAt:    started,
			FinishedAt:   r.now().UTC(),
		}
	}

	prompt := run.Prompt
	if !strings.Contains(prompt, "[AgentMC Context]") {
		prompt = r.contextBlock(run) + "\n" + prompt
	}

	out := r.engine.Recurring(ctx, run.TaskID, run.RunID, prompt, r.wait)
	finished := r.now().UTC()

	completion := &hubapi.RunCompletion{
		ClaimToken:  run.ClaimToken,
		Summary:     summarize(out.Content),
		StartedAt:   started,
		FinishedAt:  finished,
		RuntimeMeta: runtimeMeta(out),
	}
	if out.Status != "ok" {
		completion.Status = "error"
		completion.ErrorMessage = fmt.Sprintf("engine run finished with status %q", out.Status)
	} else {
		completion.Status = "success"
	}
	return completion
}

// contextBlock frames the scheduled run for the engine the way session chat
// frames user messages.
func (r *Recurring) contextBlock(run hubapi.RecurringRun) string {
	var b strings.Builder
	b.WriteString("[AgentMC Context]\n")
	b.WriteString("app: agentmc\n")
	b.WriteString("source: recurring_task\n")
	b.WriteString("intent_scope: recurring_task\n")
	fmt.Fprintf(&b, "task_id: %d\n", run.TaskID)
	fmt.Fprintf(&b, "run_id: %d\n", run.RunID)
	if run.ScheduledFor != "" {
		fmt.Fprintf(&b, "scheduled_for: %s\n", run.ScheduledFor)
	}
	if r.timezone != "" {
		fmt.Fprintf(&b, "timezone: %s\n", r.timezone)
	}
	b.WriteString("This is a scheduled run with no user waiting. Follow AGENTS.md and SOPS.md for standing rules, complete the task, and reply with a concise report of what you did.\n")
	return b.String()
}

// summarize collapses whitespace and caps the hub-facing summary.
func summarize(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= summaryMaxRunes {
		return s
	}
	return string([]rune(s)[:summaryMaxRunes])
}

func runtimeMeta(out *gateway.RunOutcome) map[string]any {
	response, truncated := truncateBytes(out.Content, responseMetaMaxBytes)
	return map[string]any{
		"run_id":                   out.RunID,
		"status":                   out.Status,
		"text_source":              out.TextSource,
		"agent_response":           response,
		"agent_response_bytes":     len(out.Content),
		"agent_response_truncated": truncated,
	}
}

// truncateBytes cuts at the last rune boundary at or below max bytes.
func truncateBytes(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
