package gateway

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// HistoryReader extracts the last assistant-visible text from the engine's
// local sessions store. It is a best-effort text fallback: every failure
// path returns the empty string.
type HistoryReader struct {
	path string
}

// NewHistoryReader returns a reader over the sessions store at path. An
// empty path yields a reader that always misses.
func NewHistoryReader(path string) *HistoryReader {
	return &HistoryReader{path: path}
}

// LastVisibleText returns the newest assistant text recorded for sessionKey,
// or "" when the store, entry, or text is absent.
func (r *HistoryReader) LastVisibleText(sessionKey string) string {
	if r == nil || r.path == "" || sessionKey == "" {
		return ""
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return ""
	}

	entry := findSessionEntry(data, sessionKey)
	if entry == nil {
		return ""
	}

	for _, field := range []string{"messages", "history", "events"} {
		if items := protocol.Arr(entry, field); len(items) > 0 {
			if text := lastVisibleText(items); text != "" {
				return text
			}
		}
	}

	if file := protocol.Str(entry, "sessionFile", "session_file"); file != "" {
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(r.path), file)
		}
		return lastVisibleTextFromJSONL(file)
	}
	return ""
}

// findSessionEntry locates the session record for key in a store that is
// either an array of entries or a map (keyed by session key, or wrapping an
// array under "sessions").
func findSessionEntry(data []byte, key string) map[string]any {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil
	}

	switch store := root.(type) {
	case []any:
		return matchEntry(store, key)
	case map[string]any:
		if entry, ok := store[key].(map[string]any); ok {
			return entry
		}
		if items := protocol.Arr(store, "sessions"); items != nil {
			return matchEntry(items, key)
		}
	}
	return nil
}

func matchEntry(items []any, key string) map[string]any {
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if protocol.Str(entry, "key", "session_key", "sessionKey", "id", "session_id") == key {
			return entry
		}
	}
	return nil
}

// lastVisibleText scans items from the end for the newest assistant text.
func lastVisibleText(items []any) string {
	for i := len(items) - 1; i >= 0; i-- {
		msg, ok := items[i].(map[string]any)
		if !ok {
			continue
		}
		if text := visibleAssistantText(msg); text != "" {
			return text
		}
	}
	return ""
}

// lastVisibleTextFromJSONL scans a JSONL transcript bottom-up. Lines may be
// bare messages or `{type:"message", message:{…}}` wrappers.
func lastVisibleTextFromJSONL(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		var row map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &row); err != nil {
			continue
		}
		if inner := protocol.Obj(row, "message"); inner != nil {
			row = inner
		}
		if text := visibleAssistantText(row); text != "" {
			return text
		}
	}
	return ""
}

// visibleAssistantText extracts displayable text from one assistant message.
func visibleAssistantText(msg map[string]any) string {
	role := protocol.LowerStr(msg, "role", "sender", "author")
	if role != "" && role != "assistant" && role != "agent" {
		return ""
	}
	if hiddenBlock(msg) {
		return ""
	}

	switch content := msg["content"].(type) {
	case string:
		return strings.TrimSpace(content)
	case []any:
		var parts []string
		for _, block := range content {
			b, ok := block.(map[string]any)
			if !ok {
				if s, ok := block.(string); ok {
					parts = append(parts, s)
				}
				continue
			}
			if hiddenBlock(b) {
				continue
			}
			if text := protocol.Str(b, "text", "content"); text != "" {
				parts = append(parts, text)
			}
		}
		if joined := strings.TrimSpace(strings.Join(parts, "\n")); joined != "" {
			return joined
		}
	}
	return strings.TrimSpace(protocol.Str(msg, "text"))
}

var hiddenBlockKinds = []string{"thinking", "reasoning", "analysis", "debug"}

func hiddenBlock(block map[string]any) bool {
	kind := protocol.LowerStr(block, "type", "kind", "block_type")
	for _, hidden := range hiddenBlockKinds {
		if strings.Contains(kind, hidden) {
			return true
		}
	}
	return false
}
