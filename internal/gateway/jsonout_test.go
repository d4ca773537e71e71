package gateway

import "testing"

func TestParseJSONOutput_WholeBuffer(t *testing.T) {
	out, err := ParseJSONOutput([]byte(`{"status":"ok","content":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("expected status ok, got %v", out["status"])
	}
}

func TestParseJSONOutput_SkipsBannerLines(t *testing.T) {
	stdout := "openclaw gateway v2.1\nconnecting...\n{\"status\":\"ok\",\"run_id\":\"r-9\"}\n"
	out, err := ParseJSONOutput([]byte(stdout))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["run_id"] != "r-9" {
		t.Errorf("expected run_id r-9, got %v", out["run_id"])
	}
}

func TestParseJSONOutput_PrefersLastObjectLine(t *testing.T) {
	stdout := "{\"status\":\"pending\"}\nprogress 50%\n{\"status\":\"ok\"}\n"
	out, err := ParseJSONOutput([]byte(stdout))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("expected the bottom object to win, got %v", out["status"])
	}
}

func TestParseJSONOutput_NoJSON(t *testing.T) {
	if _, err := ParseJSONOutput([]byte("plain text only\n")); err == nil {
		t.Fatal("expected error for non-JSON output")
	}
	if _, err := ParseJSONOutput(nil); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestFirstText_PreferenceOrder(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"content wins", map[string]any{"content": "a", "text": "b"}, "a"},
		{"output_text before text", map[string]any{"output_text": "o", "text": "t"}, "o"},
		{"message before response", map[string]any{"message": "m", "response": "r"}, "m"},
		{"response last", map[string]any{"response": "r"}, "r"},
		{"blank content skipped", map[string]any{"content": "  ", "text": "t"}, "t"},
		{"non-string skipped", map[string]any{"content": 42, "text": "t"}, "t"},
		{"nothing", map[string]any{"status": "ok"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FirstText(tt.in); got != tt.want {
				t.Errorf("FirstText = %q, want %q", got, tt.want)
			}
		})
	}
}
