package gateway

import (
	"context"
	"testing"
)

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"openclaw 2.1.0", "2.1.0"},
		{"v3.5", "3.5"},
		{"gateway version 1.2.3-beta.1 (build abc)", "1.2.3-beta.1"},
		{"  no digits here  ", "no digits here"},
	}
	for _, tt := range tests {
		if got := ExtractVersion(tt.line); got != tt.want {
			t.Errorf("ExtractVersion(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestProbeVersion(t *testing.T) {
	bin := writeStubCLI(t, `echo "openclaw 9.8.7"`)
	v, err := ProbeVersion(context.Background(), bin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "9.8.7" {
		t.Errorf("expected 9.8.7, got %q", v)
	}
}

func TestProbeVersion_Failure(t *testing.T) {
	bin := writeStubCLI(t, `exit 1`)
	if _, err := ProbeVersion(context.Background(), bin); err == nil {
		t.Fatal("expected error for failing binary")
	}
}

func TestDiscoverCLI_ConfiguredPathWins(t *testing.T) {
	bin := writeStubCLI(t, `echo "openclaw 1.0.0"`)
	path, version, err := DiscoverCLI(context.Background(), bin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != bin {
		t.Errorf("expected configured path, got %q", path)
	}
	if version != "1.0.0" {
		t.Errorf("expected probed version, got %q", version)
	}
}

func TestCLICandidates_Dedupes(t *testing.T) {
	got := cliCandidates("/same/path")
	seen := make(map[string]bool)
	for _, c := range got {
		if seen[c] {
			t.Errorf("duplicate candidate %q", c)
		}
		seen[c] = true
	}
	if len(got) == 0 || got[0] != "/same/path" {
		t.Errorf("configured path must come first, got %v", got)
	}
}
