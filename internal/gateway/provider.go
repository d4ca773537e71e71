package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmc-ai/supervisor/internal/config"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// Provider kinds.
const (
	KindEmbedded = "embedded"
	KindExternal = "external"
)

// RunFunc is the externally supplied execution path. It receives the session
// id, request id, and bridged user text, and returns a mapped run outcome.
type RunFunc func(ctx context.Context, sessionID int64, requestID, message string) *RunOutcome

// Provider is the resolved engine capability for one runtime.
type Provider struct {
	Kind    string
	Name    string
	Version string
	Build   string
	Mode    string
	Models  []string
	CLIPath string  // embedded only
	Command string  // external only
	Run     RunFunc // external only; embedded chat goes through the gateway
}

// ResolveProvider applies the resolution order: explicit external, explicit
// embedded (strict), then auto (embedded with fall-through to external).
func ResolveProvider(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (*Provider, error) {
	logger = logger.With("component", "engine-provider")
	switch cfg.Mode {
	case "external":
		return resolveExternal(ctx, cfg)
	case "embedded":
		return resolveEmbedded(ctx, cfg)
	default: // auto
		p, err := resolveEmbedded(ctx, cfg)
		if err == nil {
			return p, nil
		}
		logger.Info("embedded engine unavailable, trying external", "error", err)
		return resolveExternal(ctx, cfg)
	}
}

func resolveEmbedded(ctx context.Context, cfg config.EngineConfig) (*Provider, error) {
	path, version, err := DiscoverCLI(ctx, cfg.CLIPath)
	if err != nil {
		return nil, err
	}

	models := cfg.Models
	if len(models) == 0 {
		models = probeModels(ctx, path)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("embedded engine %s: no models available", path)
	}

	return &Provider{
		Kind:    KindEmbedded,
		Name:    defaultCLIName,
		Version: version,
		Mode:    KindEmbedded,
		Models:  NormalizeModelNames(models),
		CLIPath: path,
	}, nil
}

func resolveExternal(ctx context.Context, cfg config.EngineConfig) (*Provider, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("external engine: no command configured")
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("external engine: no models configured")
	}

	version := ""
	if v, err := ProbeVersion(ctx, cfg.Command); err == nil {
		version = v
	}

	p := &Provider{
		Kind:    KindExternal,
		Name:    filepath.Base(cfg.Command),
		Version: version,
		Mode:    KindExternal,
		Models:  NormalizeModelNames(cfg.Models),
		Command: cfg.Command,
	}
	p.Run = externalRun(cfg.Command)
	return p, nil
}

// externalRun execs `command --agentmc-input <json>` and maps stdout into a
// run outcome. JSON output may carry {run_id, status, text_source, content};
// anything else is treated as plain response text.
func externalRun(command string) RunFunc {
	return func(ctx context.Context, sessionID int64, requestID, message string) *RunOutcome {
		input, err := json.Marshal(map[string]any{
			"session_id": sessionID,
			"request_id": requestID,
			"message":    message,
		})
		if err != nil {
			return errorOutcome(requestID, fmt.Errorf("external run: marshal input: %w", err))
		}

		cmd := exec.CommandContext(ctx, command, "--agentmc-input", string(input))
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return errorOutcome(requestID, fmt.Errorf("external run: %w: %s", err, firstLine(stderr.Bytes())))
		}

		outcome := &RunOutcome{RunID: requestID, Status: "ok", TextSource: "wait"}
		parsed, parseErr := ParseJSONOutput(stdout.Bytes())
		if parseErr != nil {
			outcome.Content = strings.TrimSpace(stdout.String())
		} else {
			if id := protocol.Str(parsed, "run_id", "runId"); id != "" {
				outcome.RunID = id
			}
			if status := protocol.LowerStr(parsed, "status"); status != "" {
				outcome.Status = status
			}
			if src := protocol.LowerStr(parsed, "text_source"); src != "" {
				outcome.TextSource = src
			}
			outcome.Content = protocol.Str(parsed, "content", "output", "text")
		}
		if outcome.Status == "ok" && outcome.Content == "" {
			outcome.TextSource = "fallback"
			outcome.Content = noTextFallback
		}
		return outcome
	}
}

// probeModels asks the gateway CLI for its model roster.
func probeModels(ctx context.Context, bin string) []string {
	pctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, bin, "models", "status", "--json")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil
	}
	parsed, err := ParseJSONOutput(stdout.Bytes())
	if err != nil {
		return nil
	}
	return ModelNames(protocol.Arr(parsed, "models", "available"))
}

// ModelNames flattens a loose models array into names: plain strings pass
// through, objects contribute their name/id/model field.
func ModelNames(items []any) []string {
	var out []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if name := protocol.Str(v, "name", "id", "model"); name != "" {
				out = append(out, name)
			}
		}
	}
	return NormalizeModelNames(out)
}

// NormalizeModelNames trims and dedupes model names, preserving order.
func NormalizeModelNames(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// CommandOutput runs one CLI probe under a timeout and returns stdout. Shared
// by telemetry and profile discovery.
func CommandOutput(ctx context.Context, timeout time.Duration, bin string, args ...string) ([]byte, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, bin, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", filepath.Base(bin), strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}
