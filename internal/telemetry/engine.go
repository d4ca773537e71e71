package telemetry

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentmc-ai/supervisor/internal/gateway"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// probeTimeout caps each engine status invocation.
const probeTimeout = 4 * time.Second

// statusProbes are tried in order; the first that yields parseable JSON wins.
// Free-text extraction still scans whichever stdout was produced, since real
// CLIs print usage banners above their JSON.
var statusProbes = [][]string{
	{"status", "--json", "--usage"},
	{"status", "--json"},
	{"health", "--json"},
}

var modelsProbe = []string{"models", "status", "--json"}

// Free-text fallbacks for usage lines the CLI prints without structure.
var (
	tokensPattern   = regexp.MustCompile(`(\d[\d,]*)\s*in\b[^\d]*(\d[\d,]*)\s*out\b`)
	cachePattern    = regexp.MustCompile(`(\d+(?:\.\d+)?)%\s*hit\s+(\d[\d,]*)\s*cached\s+(\d[\d,]*)\s*new`)
	contextPattern  = regexp.MustCompile(`(\d[\d,]*)\s*/\s*(\d[\d,]*)\s*\((\d+(?:\.\d+)?)%\)`)
	percentLeftPat  = regexp.MustCompile(`(\d+(?:\.\d+)?)%\s*left`)
	resetsAtPattern = regexp.MustCompile(`@\s*(\d{1,2}:\d{2})`)
)

// CollectEngine probes the embedded engine CLI for telemetry and returns the
// merged status and models facts. Probe failures degrade to whatever the
// other probes produced; a fully dark engine yields an empty map.
func CollectEngine(ctx context.Context, bin string) map[string]any {
	out := make(map[string]any)

	for _, probe := range statusProbes {
		stdout, err := gateway.CommandOutput(ctx, probeTimeout, bin, probe...)
		if err != nil {
			continue
		}
		if parsed, perr := gateway.ParseJSONOutput(stdout); perr == nil {
			mergeEngineFields(out, parsed)
		}
		extractUsageText(out, string(stdout))
		break
	}

	if stdout, err := gateway.CommandOutput(ctx, probeTimeout, bin, modelsProbe...); err == nil {
		if parsed, perr := gateway.ParseJSONOutput(stdout); perr == nil {
			if models := protocol.Arr(parsed, "models", "available"); models != nil {
				out["models"] = mergeModels(out["models"], models)
			}
		}
	}

	recomputeContextPercent(out)
	return out
}

// MergeEngineMeta folds engine telemetry into a heartbeat meta object.
// Explicit meta fields win: runtime.* and tool_availability merge key-wise
// without clobbering, models union with string dedup, everything else copies
// only when absent.
func MergeEngineMeta(meta, engine map[string]any) {
	for key, value := range engine {
		switch key {
		case "runtime":
			mergeObject(meta, "runtime", value)
		case "tool_availability":
			mergeObject(meta, "tool_availability", value)
		case "models":
			if items, ok := value.([]any); ok {
				meta["models"] = mergeModels(meta["models"], items)
			}
		default:
			if _, exists := meta[key]; !exists {
				meta[key] = value
			}
		}
	}
	recomputeContextPercent(meta)
}

// mergeEngineFields copies a parsed status object, keeping earlier probes'
// fields.
func mergeEngineFields(dst, src map[string]any) {
	for key, value := range src {
		switch key {
		case "runtime":
			mergeObject(dst, "runtime", value)
		case "tool_availability":
			mergeObject(dst, "tool_availability", value)
		case "models":
			if items, ok := value.([]any); ok {
				dst["models"] = mergeModels(dst["models"], items)
			}
		default:
			if _, exists := dst[key]; !exists {
				dst[key] = value
			}
		}
	}
}

// mergeObject key-merges a nested object into dst[key], never overwriting
// existing keys.
func mergeObject(dst map[string]any, key string, value any) {
	src, ok := value.(map[string]any)
	if !ok {
		return
	}
	existing, ok := dst[key].(map[string]any)
	if !ok {
		existing = make(map[string]any, len(src))
		dst[key] = existing
	}
	for k, v := range src {
		if _, exists := existing[k]; !exists {
			existing[k] = v
		}
	}
}

// mergeModels unions model entries: strings dedup by value, objects pass
// through intact dedup'd by their name field.
func mergeModels(existing any, items []any) []any {
	var out []any
	seen := make(map[string]bool)
	add := func(item any) {
		switch v := item.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" || seen[v] {
				return
			}
			seen[v] = true
			out = append(out, v)
		case map[string]any:
			name := protocol.Str(v, "name", "id", "model")
			if name != "" && seen[name] {
				return
			}
			if name != "" {
				seen[name] = true
			}
			out = append(out, v)
		}
	}
	if prior, ok := existing.([]any); ok {
		for _, item := range prior {
			add(item)
		}
	}
	for _, item := range items {
		add(item)
	}
	return out
}

// extractUsageText fills canonical usage fields from free-text CLI lines,
// never overwriting structured values.
func extractUsageText(out map[string]any, text string) {
	setNum := func(key, raw string) {
		if _, exists := out[key]; exists {
			return
		}
		if n, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64); err == nil {
			out[key] = n
		}
	}

	if m := tokensPattern.FindStringSubmatch(text); m != nil {
		setNum("tokens_in", m[1])
		setNum("tokens_out", m[2])
	}
	if m := cachePattern.FindStringSubmatch(text); m != nil {
		setNum("cache_hit_percent", m[1])
		setNum("cache_cached_tokens", m[2])
		setNum("cache_new_tokens", m[3])
	}
	if m := contextPattern.FindStringSubmatch(text); m != nil {
		setNum("context_used", m[1])
		setNum("context_max", m[2])
		setNum("context_percent_used", m[3])
	}
	if m := percentLeftPat.FindStringSubmatch(text); m != nil {
		setNum("usage_window_percent_left", m[1])
	}
	if m := resetsAtPattern.FindStringSubmatch(text); m != nil {
		if _, exists := out["usage_window_resets_at"]; !exists {
			out["usage_window_resets_at"] = m[1]
		}
	}
}

// recomputeContextPercent derives context_percent_used from used/max when the
// CLI reported the parts but not the ratio.
func recomputeContextPercent(out map[string]any) {
	if _, exists := out["context_percent_used"]; exists {
		return
	}
	used, okUsed := protocol.Float(out, "context_used")
	limit, okLimit := protocol.Float(out, "context_max")
	if okUsed && okLimit && limit > 0 {
		out["context_percent_used"] = used / limit * 100
	}
}
