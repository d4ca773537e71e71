package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// defaultCLIName is the engine gateway binary looked up on PATH.
const defaultCLIName = "openclaw"

// versionProbeTimeout caps each --version invocation.
const versionProbeTimeout = 4 * time.Second

// versionPattern extracts N.N(.N)?(-suffix)? from version output.
var versionPattern = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?(?:-[A-Za-z0-9.]+)?)`)

// fallbackDirs are probed after PATH lookup fails, in order.
var fallbackDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
}

// DiscoverCLI locates a working engine gateway CLI: the configured path
// first, then PATH (with platform extension variants), then a fixed fallback
// list. A candidate counts only when `--version` succeeds.
func DiscoverCLI(ctx context.Context, configured string) (path, version string, err error) {
	var probeErrs []string
	for _, candidate := range cliCandidates(configured) {
		v, perr := ProbeVersion(ctx, candidate)
		if perr == nil {
			return candidate, v, nil
		}
		probeErrs = append(probeErrs, fmt.Sprintf("%s: %v", candidate, perr))
	}
	if len(probeErrs) == 0 {
		return "", "", fmt.Errorf("engine CLI %q not found", defaultCLIName)
	}
	return "", "", fmt.Errorf("no working engine CLI: %s", strings.Join(probeErrs, "; "))
}

func cliCandidates(configured string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	add(configured)

	names := []string{defaultCLIName}
	if runtime.GOOS == "windows" {
		names = append(names, defaultCLIName+".exe", defaultCLIName+".cmd")
	}
	for _, name := range names {
		if p, err := exec.LookPath(name); err == nil {
			add(p)
		}
	}

	home, _ := os.UserHomeDir()
	dirs := fallbackDirs
	if home != "" {
		dirs = append([]string{
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "."+defaultCLIName, "bin"),
		}, dirs...)
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, defaultCLIName)
		if _, err := os.Stat(p); err == nil {
			add(p)
		}
	}
	return out
}

// ProbeVersion runs `<bin> --version` and extracts the version number from
// the first non-empty stdout line.
func ProbeVersion(ctx context.Context, bin string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, bin, "--version")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("--version: %w", err)
	}

	line := firstLine(stdout.Bytes())
	if line == "" {
		return "", fmt.Errorf("--version produced no output")
	}
	return ExtractVersion(line), nil
}

// ExtractVersion pulls the semantic version out of a version line, returning
// the full line when no version-shaped token is present.
func ExtractVersion(line string) string {
	if m := versionPattern.FindString(line); m != "" {
		return m
	}
	return strings.TrimSpace(line)
}
