package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// writeStubCLI writes an executable shell script standing in for the engine
// binary.
func writeStubCLI(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "openclaw")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestCollectEngine_StructuredWithBanner(t *testing.T) {
	bin := writeStubCLI(t, `case "$*" in
"status --json --usage")
  echo 'session usage: 1,204 in · 96 out'
  echo '{"runtime":{"pid":41},"context_used":50000,"context_max":200000}'
  ;;
"models status --json")
  echo '{"models":["openclaw-main","openclaw-main",{"name":"openclaw-mini","tier":"fast"}]}'
  ;;
*) exit 1 ;;
esac`)

	out := CollectEngine(context.Background(), bin)

	if in, _ := protocol.Float(out, "tokens_in"); in != 1204 {
		t.Errorf("expected tokens_in 1204 from banner line, got %v", out["tokens_in"])
	}
	if o, _ := protocol.Float(out, "tokens_out"); o != 96 {
		t.Errorf("expected tokens_out 96, got %v", out["tokens_out"])
	}
	if rt := protocol.Obj(out, "runtime"); rt == nil || rt["pid"] == nil {
		t.Errorf("expected runtime.pid from structured status, got %v", out["runtime"])
	}
	if pct, _ := protocol.Float(out, "context_percent_used"); pct != 25 {
		t.Errorf("expected derived context_percent_used 25, got %v", out["context_percent_used"])
	}
	models, ok := out["models"].([]any)
	if !ok || len(models) != 2 {
		t.Fatalf("expected 2 deduped models, got %v", out["models"])
	}
	if models[0] != "openclaw-main" {
		t.Errorf("expected first model openclaw-main, got %v", models[0])
	}
	if obj, ok := models[1].(map[string]any); !ok || obj["tier"] != "fast" {
		t.Errorf("expected object model kept intact, got %v", models[1])
	}
}

func TestCollectEngine_FallsThroughProbes(t *testing.T) {
	bin := writeStubCLI(t, `case "$*" in
"health --json") echo '{"ok":true,"runtime_mode":"local"}' ;;
*) exit 1 ;;
esac`)

	out := CollectEngine(context.Background(), bin)

	if ok, _ := protocol.Bool(out, "ok"); !ok {
		t.Errorf("expected health probe fields, got %v", out)
	}
	if out["runtime_mode"] != "local" {
		t.Errorf("expected runtime_mode local, got %v", out["runtime_mode"])
	}
}

func TestCollectEngine_DarkEngine(t *testing.T) {
	bin := writeStubCLI(t, `exit 1`)

	out := CollectEngine(context.Background(), bin)
	if len(out) != 0 {
		t.Errorf("expected empty telemetry for a dark engine, got %v", out)
	}
}

func TestExtractUsageText(t *testing.T) {
	out := map[string]any{}
	extractUsageText(out, "tokens: 12,500 in · 301 out\ncache: 84.2% hit 9,000 cached 1,200 new\ncontext: 52,000/200,000 (26%)\nweekly: 61% left resets @ 14:30")

	checks := map[string]float64{
		"tokens_in":                 12500,
		"tokens_out":                301,
		"cache_hit_percent":         84.2,
		"cache_cached_tokens":       9000,
		"cache_new_tokens":          1200,
		"context_used":              52000,
		"context_max":               200000,
		"context_percent_used":      26,
		"usage_window_percent_left": 61,
	}
	for key, want := range checks {
		got, ok := protocol.Float(out, key)
		if !ok || got != want {
			t.Errorf("expected %s=%v, got %v", key, want, out[key])
		}
	}
	if out["usage_window_resets_at"] != "14:30" {
		t.Errorf("expected resets_at 14:30, got %v", out["usage_window_resets_at"])
	}
}

func TestExtractUsageText_KeepsStructuredValues(t *testing.T) {
	out := map[string]any{"tokens_in": float64(999)}
	extractUsageText(out, "1 in 2 out")

	if got, _ := protocol.Float(out, "tokens_in"); got != 999 {
		t.Errorf("free-text extraction must not clobber structured tokens_in, got %v", got)
	}
	if got, _ := protocol.Float(out, "tokens_out"); got != 2 {
		t.Errorf("expected tokens_out filled from text, got %v", out["tokens_out"])
	}
}

func TestMergeEngineMeta(t *testing.T) {
	meta := map[string]any{
		"runtime":           map[string]any{"name": "openclaw", "version": "2.1.0"},
		"models":            []any{"openclaw-main"},
		"tool_availability": map[string]any{"chat_realtime": true},
	}
	engine := map[string]any{
		"runtime":           map[string]any{"name": "other", "pid": float64(9)},
		"models":            []any{"openclaw-main", "openclaw-mini"},
		"tool_availability": map[string]any{"chat_realtime": false, "web_search": true},
		"tokens_in":         float64(42),
		"context_used":      float64(10),
		"context_max":       float64(40),
	}

	MergeEngineMeta(meta, engine)

	rt := protocol.Obj(meta, "runtime")
	if rt["name"] != "openclaw" {
		t.Errorf("explicit runtime.name must win, got %v", rt["name"])
	}
	if rt["pid"] != float64(9) {
		t.Errorf("expected runtime.pid merged in, got %v", rt["pid"])
	}
	tools := protocol.Obj(meta, "tool_availability")
	if v, _ := protocol.Bool(tools, "chat_realtime"); !v {
		t.Errorf("explicit chat_realtime must win, got %v", tools["chat_realtime"])
	}
	if v, _ := protocol.Bool(tools, "web_search"); !v {
		t.Errorf("expected web_search merged in, got %v", tools["web_search"])
	}
	models, _ := meta["models"].([]any)
	if len(models) != 2 {
		t.Errorf("expected union of 2 models, got %v", meta["models"])
	}
	if got, _ := protocol.Float(meta, "tokens_in"); got != 42 {
		t.Errorf("expected tokens_in copied, got %v", meta["tokens_in"])
	}
	if pct, _ := protocol.Float(meta, "context_percent_used"); pct != 25 {
		t.Errorf("expected derived context_percent_used 25, got %v", meta["context_percent_used"])
	}
}
