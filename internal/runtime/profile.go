package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentmc-ai/supervisor/internal/config"
	"github.com/agentmc-ai/supervisor/internal/gateway"
	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/internal/workspace"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// profileProbeTimeout caps each agent-discovery CLI call.
const profileProbeTimeout = 10 * time.Second

// AgentDirectory lists the hub-side agent roster.
type AgentDirectory interface {
	ListAgents(ctx context.Context) ([]hubapi.AgentRow, int, error)
}

// Profile is the resolved agent identity reported in heartbeats.
type Profile struct {
	ID       int64
	Name     string
	Type     string
	Identity map[string]any
}

// Report shapes the profile into the heartbeat agent object.
func (p Profile) Report() map[string]any {
	return map[string]any{
		"id":       p.ID,
		"name":     p.Name,
		"type":     p.Type,
		"identity": p.Identity,
	}
}

// ResolveProfile assembles the agent profile: engine agent rows (CLI probes,
// then engine config files), the hub roster, workspace IDENTITY.md, and
// configured overrides, falling back to agent-<id>.
func ResolveProfile(ctx context.Context, agentID int64, provider *gateway.Provider, cfg *config.Config, store *workspace.Store, hub AgentDirectory, logger *slog.Logger) Profile {
	logger = logger.With("component", "agent-profile")

	rows := discoverAgentRows(ctx, provider, cfg, store.Root(), logger)

	name := fmt.Sprintf("agent-%d", agentID)
	typ := "external"
	if provider != nil && provider.Name != "" {
		typ = provider.Name
	}

	row := matchRow(rows, store.Root(), cfg.Engine.AgentToken, name)
	if row == nil {
		row = hubRoleRow(ctx, hub, agentID)
	}
	if row != nil {
		logger.Debug("matched agent row", "row_name", protocol.Str(row, "name"), "row_key", rowKey(row))
	}

	identity := make(map[string]any)
	doc := parseIdentityDoc(readWorkspaceDoc(store, "IDENTITY.md"))
	if v := doc["creature"]; v != "" {
		identity["creature"] = v
	}
	if v := doc["vibe"]; v != "" {
		identity["vibe"] = v
	}
	if v := doc["name"]; v != "" {
		name = v
	}
	if row != nil {
		if v := protocol.Str(row, "name"); v != "" {
			name = v
		}
		if emoji := rowEmoji(row); emoji != "" {
			identity["emoji"] = emoji
		}
	}

	if v := cfg.Identity.Name; v != "" {
		name = v
	}
	if v := cfg.Identity.Creature; v != "" {
		identity["creature"] = v
	}
	if v := cfg.Identity.Vibe; v != "" {
		identity["vibe"] = v
	}
	if v := cfg.Identity.Emoji; v != "" {
		identity["emoji"] = v
	}
	if v := cfg.Identity.Type; v != "" {
		typ = v
	}
	identity["name"] = name

	return Profile{ID: agentID, Name: name, Type: typ, Identity: identity}
}

// discoverAgentRows tries the engine's discovery CLI first, then its config
// files. The first source that yields rows wins.
func discoverAgentRows(ctx context.Context, provider *gateway.Provider, cfg *config.Config, workspaceDir string, logger *slog.Logger) []hubapi.AgentRow {
	if provider != nil && provider.CLIPath != "" {
		probes := [][]string{
			{"agents", "list", "--json"},
			{"gateway", "call", "agents.list", "--json"},
			{"gateway", "call", "agents.list", "--json", "--params", "{}"},
			{"gateway", "call", "config.get", "--json"},
		}
		for _, args := range probes {
			out, err := gateway.CommandOutput(ctx, profileProbeTimeout, provider.CLIPath, args...)
			if err != nil {
				continue
			}
			parsed, err := gateway.ParseJSONOutput(out)
			if err != nil {
				continue
			}
			if rows := agentRows(parsed); len(rows) > 0 {
				logger.Debug("agent rows from CLI probe", "args", strings.Join(args, " "), "rows", len(rows))
				return rows
			}
		}
	}

	home, _ := os.UserHomeDir()
	paths := []string{cfg.Engine.ConfigPath}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".openclaw", "openclaw.json"))
	}
	paths = append(paths, filepath.Join(workspaceDir, ".openclaw", "openclaw.json"))
	if cfg.Engine.SessionsFile != "" {
		paths = append(paths, filepath.Join(filepath.Dir(cfg.Engine.SessionsFile), "openclaw.json"))
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if rows := readAgentFile(path); len(rows) > 0 {
			logger.Debug("agent rows from config file", "path", path, "rows", len(rows))
			return rows
		}
	}
	return nil
}

// hubRoleRow asks the hub roster for this agent's row. Hub rows carry the
// hub agent id, so matching is exact.
func hubRoleRow(ctx context.Context, hub AgentDirectory, agentID int64) hubapi.AgentRow {
	if hub == nil {
		return nil
	}
	rows, _, err := hub.ListAgents(ctx)
	if err != nil {
		return nil
	}
	for _, row := range rows {
		if id, ok := protocol.Int64(row, "id", "agent_id"); ok && id == agentID {
			return row
		}
	}
	return nil
}

func readAgentFile(path string) []hubapi.AgentRow {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	return agentRows(parsed)
}

// agentRows extracts agent entries from a discovery or config response. The
// engine has shipped both list and keyed-map shapes.
func agentRows(parsed map[string]any) []hubapi.AgentRow {
	if parsed == nil {
		return nil
	}
	for _, key := range []string{"agents", "items", "data", "rows"} {
		switch v := parsed[key].(type) {
		case []any:
			return rowsFromList(v)
		case map[string]any:
			return rowsFromKeyed(v)
		}
	}
	if nested := protocol.Obj(parsed, "result", "config"); nested != nil {
		return agentRows(nested)
	}
	return nil
}

func rowsFromList(items []any) []hubapi.AgentRow {
	var rows []hubapi.AgentRow
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

// rowsFromKeyed flattens a token-keyed agent map, preserving the key so token
// matching still works.
func rowsFromKeyed(m map[string]any) []hubapi.AgentRow {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rows []hubapi.AgentRow
	for _, k := range keys {
		entry, ok := m[k].(map[string]any)
		if !ok {
			continue
		}
		row := make(hubapi.AgentRow, len(entry)+1)
		for ek, ev := range entry {
			row[ek] = ev
		}
		if _, exists := row["key"]; !exists {
			row["key"] = k
		}
		rows = append(rows, row)
	}
	return rows
}

// matchRow ranks candidate rows: exact workspace path, then path containment,
// then agent-token key match, then name match, then a single-row shortcut.
func matchRow(rows []hubapi.AgentRow, workspaceDir, token, name string) hubapi.AgentRow {
	if len(rows) == 0 {
		return nil
	}
	var best hubapi.AgentRow
	bestRank := 0
	for _, row := range rows {
		if rank := rowRank(row, workspaceDir, token, name); rank > bestRank {
			best, bestRank = row, rank
		}
	}
	if best == nil && len(rows) == 1 {
		return rows[0]
	}
	return best
}

func rowRank(row hubapi.AgentRow, workspaceDir, token, name string) int {
	path := protocol.Str(row, "workspace", "workspace_path", "workspacePath", "path", "cwd", "dir")
	if path != "" && workspaceDir != "" {
		rowPath := filepath.Clean(path)
		ours := filepath.Clean(workspaceDir)
		switch {
		case rowPath == ours:
			return 5
		case pathContains(rowPath, ours) || pathContains(ours, rowPath):
			return 4
		}
	}
	if token != "" && normalizeKey(rowKey(row)) == normalizeKey(token) {
		return 3
	}
	if name != "" && normalizeKey(protocol.Str(row, "name")) == normalizeKey(name) {
		return 2
	}
	return 0
}

func pathContains(parent, child string) bool {
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// rowKey reads a row's identifying token, which may be a string or a number.
func rowKey(row hubapi.AgentRow) string {
	if s := protocol.Str(row, "key", "id", "token", "slug", "handle"); s != "" {
		return s
	}
	if n, ok := protocol.Int64(row, "id"); ok {
		return strconv.FormatInt(n, 10)
	}
	return ""
}

// normalizeKey lowercases and strips separators so "My-Agent" matches
// "my_agent".
func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch r {
		case ' ', '-', '_', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rowEmoji reads the row's emoji from its own keys or a nested identity
// object.
func rowEmoji(row hubapi.AgentRow) string {
	keys := []string{"emoji", "avatar_emoji", "profile_emoji", "icon_emoji", "icon"}
	if v := protocol.Str(row, keys...); v != "" {
		return v
	}
	if nested := protocol.Obj(row, "identity", "profile"); nested != nil {
		return protocol.Str(nested, keys...)
	}
	return ""
}

func readWorkspaceDoc(store *workspace.Store, docID string) []byte {
	body, err := store.Read(docID)
	if err != nil {
		return nil
	}
	return body
}

// parseIdentityDoc scans IDENTITY.md for Name/Creature/Vibe lines. Markdown
// decoration (headings, bullets, bold) is tolerated; the first value per
// field wins.
func parseIdentityDoc(body []byte) map[string]string {
	out := make(map[string]string)
	if len(body) == 0 {
		return out
	}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.ReplaceAll(line, "**", "")
		line = strings.TrimSpace(strings.TrimLeft(line, "#-*> \t"))
		for _, field := range []string{"Name", "Creature", "Vibe"} {
			key := strings.ToLower(field)
			if out[key] != "" {
				continue
			}
			if v, ok := fieldValue(line, field); ok && v != "" {
				out[key] = v
			}
		}
	}
	return out
}

// fieldValue matches "<Field>: value" case-insensitively.
func fieldValue(line, field string) (string, bool) {
	prefix := field + ":"
	if len(line) < len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(prefix):]), true
}
