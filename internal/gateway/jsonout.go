package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSONOutput decodes engine CLI stdout. The contract is JSON-on-stdout,
// but real invocations prepend banners and progress lines, so the whole
// buffer is tried first and then each line from the bottom up.
func ParseJSONOutput(stdout []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty output")
	}

	var whole map[string]any
	if err := json.Unmarshal(trimmed, &whole); err == nil {
		return whole, nil
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no JSON object in output")
}

// FirstText returns the first non-empty text field of a wait response, in
// preference order.
func FirstText(m map[string]any) string {
	for _, key := range []string{"content", "output_text", "text", "message", "response"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// firstLine returns the first non-empty line of b, for error context.
func firstLine(b []byte) string {
	for _, line := range bytes.Split(b, []byte("\n")) {
		if s := strings.TrimSpace(string(line)); s != "" {
			return s
		}
	}
	return ""
}
