// Package config loads supervisor configuration from the environment and
// applies validation and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// envPrefix is the namespace for every supervisor environment variable.
const envPrefix = "AGENTMC_"

// Config is the top-level supervisor configuration.
type Config struct {
	Hub           HubConfig
	Runtime       RuntimeConfig
	Engine        EngineConfig
	Session       SessionConfig
	Notifications NotificationConfig
	Identity      IdentityConfig
}

// HubConfig defines how the supervisor reaches the hub.
type HubConfig struct {
	URL     string
	APIKey  string          // single-agent credential
	APIKeys map[int64]string // multi-agent credentials keyed by agent id
}

// RuntimeConfig defines per-runtime paths and cadences.
type RuntimeConfig struct {
	AgentID               int64
	WorkspaceDir          string
	WorkspaceRoot         string // multi-agent workspaces live under <root>/agent-<id>
	StatePath             string
	RecurringPollInterval Duration
	LogLevel              string
	PublicIP              string
	CloseSessionOnStop    bool
}

// EngineConfig carries provider hints for resolving the local engine.
type EngineConfig struct {
	Mode                 string   // "auto", "embedded", or "external"
	Command              string   // external run command
	Models               []string
	CLIPath              string   // embedded gateway CLI path hint
	AgentToken           string   // token segment of engine session keys
	SessionsFile         string   // engine session-history store hint
	ConfigPath           string   // engine agents config file hint
	SubmitTimeout        Duration
	WaitTimeout          Duration
	RecurringWaitTimeout Duration
}

// SessionConfig tunes the session poller and per-session workers.
type SessionConfig struct {
	PollInterval     Duration // requested-session discovery cadence
	CatchupInterval  Duration // signal backfill while connected
	FallbackInterval Duration // signal backfill while degraded
	DedupeTTL        Duration
	MinAge           Duration // self-heal grace period for young sessions
	ConnectionStale  Duration
	ActivityStale    Duration
	DocAllowlist     []string
	FileSync         bool
	ChatDelta        bool
	ThinkingText     string
	Timezone         string
}

// NotificationConfig tunes the notification bridge.
type NotificationConfig struct {
	Enabled     bool
	ForwardRead bool
	Types       []string // allow-list; empty allows all
}

// IdentityConfig overrides resolved agent identity fields.
type IdentityConfig struct {
	Name     string
	Creature string
	Vibe     string
	Emoji    string
	Type     string
}

// Credential binds one agent id to one API key and workspace.
type Credential struct {
	AgentID      int64
	APIKey       string
	WorkspaceDir string
	StatePath    string
}

// Duration is an env- and JSON-friendly time.Duration. It accepts Go duration
// strings ("90s", "2m") and bare numbers interpreted as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		return d.Set(val)
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
		return nil
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Set parses a duration string or a bare number of seconds.
func (d *Duration) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("empty duration")
	}
	if dur, err := time.ParseDuration(s); err == nil {
		d.Duration = dur
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// FromEnv builds a Config from AGENTMC_* environment variables, validates it,
// and applies defaults.
func FromEnv() (*Config, error) {
	return fromEnviron(os.Environ())
}

func fromEnviron(environ []string) (*Config, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	cfg := &Config{}
	var err error

	cfg.Hub.URL = strings.TrimRight(env[envPrefix+"HUB_URL"], "/")
	cfg.Hub.APIKey = env[envPrefix+"API_KEY"]
	cfg.Hub.APIKeys, err = keyedCredentials(env)
	if err != nil {
		return nil, err
	}

	if v := env[envPrefix+"AGENT_ID"]; v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%sAGENT_ID must be a positive integer, got %q", envPrefix, v)
		}
		cfg.Runtime.AgentID = id
	}
	cfg.Runtime.WorkspaceDir = env[envPrefix+"WORKSPACE_DIR"]
	cfg.Runtime.WorkspaceRoot = env[envPrefix+"WORKSPACE_ROOT"]
	cfg.Runtime.StatePath = env[envPrefix+"STATE_PATH"]
	cfg.Runtime.LogLevel = env[envPrefix+"LOG_LEVEL"]
	cfg.Runtime.PublicIP = env[envPrefix+"PUBLIC_IP"]
	cfg.Runtime.CloseSessionOnStop = boolEnv(env, "CLOSE_SESSION_ON_STOP", true)
	if err := durEnv(env, "RECURRING_POLL_INTERVAL", &cfg.Runtime.RecurringPollInterval); err != nil {
		return nil, err
	}

	cfg.Engine.Mode = strings.ToLower(env[envPrefix+"ENGINE_MODE"])
	cfg.Engine.Command = env[envPrefix+"ENGINE_COMMAND"]
	cfg.Engine.Models = csvEnv(env, "ENGINE_MODELS")
	cfg.Engine.CLIPath = env[envPrefix+"ENGINE_CLI_PATH"]
	cfg.Engine.AgentToken = env[envPrefix+"ENGINE_AGENT_TOKEN"]
	cfg.Engine.SessionsFile = env[envPrefix+"ENGINE_SESSIONS_FILE"]
	cfg.Engine.ConfigPath = env[envPrefix+"ENGINE_CONFIG_PATH"]
	for name, dst := range map[string]*Duration{
		"SUBMIT_TIMEOUT":         &cfg.Engine.SubmitTimeout,
		"WAIT_TIMEOUT":           &cfg.Engine.WaitTimeout,
		"RECURRING_WAIT_TIMEOUT": &cfg.Engine.RecurringWaitTimeout,
	} {
		if err := durEnv(env, name, dst); err != nil {
			return nil, err
		}
	}

	for name, dst := range map[string]*Duration{
		"SESSION_POLL_INTERVAL":     &cfg.Session.PollInterval,
		"SIGNAL_CATCHUP_INTERVAL":   &cfg.Session.CatchupInterval,
		"SIGNAL_FALLBACK_INTERVAL":  &cfg.Session.FallbackInterval,
		"DEDUPE_TTL":                &cfg.Session.DedupeTTL,
		"SELF_HEAL_MIN_AGE":         &cfg.Session.MinAge,
		"SELF_HEAL_CONNECTION_STALE": &cfg.Session.ConnectionStale,
		"SELF_HEAL_ACTIVITY_STALE":  &cfg.Session.ActivityStale,
	} {
		if err := durEnv(env, name, dst); err != nil {
			return nil, err
		}
	}
	cfg.Session.DocAllowlist = csvEnv(env, "DOC_ALLOWLIST")
	cfg.Session.FileSync = boolEnv(env, "FILE_SYNC", true)
	cfg.Session.ChatDelta = boolEnv(env, "CHAT_DELTA", true)
	cfg.Session.ThinkingText = env[envPrefix+"THINKING_TEXT"]
	cfg.Session.Timezone = env[envPrefix+"TIMEZONE"]

	cfg.Notifications.Enabled = boolEnv(env, "NOTIFICATIONS", true)
	cfg.Notifications.ForwardRead = boolEnv(env, "FORWARD_READ_NOTIFICATIONS", false)
	cfg.Notifications.Types = csvEnv(env, "NOTIFICATION_TYPES")

	cfg.Identity.Name = env[envPrefix+"IDENTITY_NAME"]
	cfg.Identity.Creature = env[envPrefix+"IDENTITY_CREATURE"]
	cfg.Identity.Vibe = env[envPrefix+"IDENTITY_VIBE"]
	cfg.Identity.Emoji = env[envPrefix+"IDENTITY_EMOJI"]
	cfg.Identity.Type = env[envPrefix+"IDENTITY_TYPE"]

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// keyedCredentials scans for AGENTMC_API_KEY_<agent_id> variables.
func keyedCredentials(env map[string]string) (map[int64]string, error) {
	keys := make(map[int64]string)
	for k, v := range env {
		suffix, ok := strings.CutPrefix(k, envPrefix+"API_KEY_")
		if !ok || v == "" {
			continue
		}
		id, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%s: agent id suffix must be a positive integer", k)
		}
		keys[id] = v
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

func (c *Config) validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("%sHUB_URL is required", envPrefix)
	}
	if c.Hub.APIKey == "" && len(c.Hub.APIKeys) == 0 {
		return fmt.Errorf("%sAPI_KEY or at least one %sAPI_KEY_<agent_id> is required", envPrefix, envPrefix)
	}
	switch c.Engine.Mode {
	case "", "auto", "embedded", "external":
	default:
		return fmt.Errorf("%sENGINE_MODE must be auto, embedded, or external, got %q", envPrefix, c.Engine.Mode)
	}
	if c.Engine.Mode == "external" && c.Engine.Command == "" {
		return fmt.Errorf("%sENGINE_COMMAND is required when %sENGINE_MODE=external", envPrefix, envPrefix)
	}
	return nil
}

func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	if c.Runtime.WorkspaceRoot == "" {
		c.Runtime.WorkspaceRoot = filepath.Join(home, ".agentmc", "agents")
	}
	if c.Runtime.WorkspaceDir == "" {
		c.Runtime.WorkspaceDir = filepath.Join(home, ".agentmc", "workspace")
	}
	if c.Runtime.RecurringPollInterval.Duration == 0 {
		c.Runtime.RecurringPollInterval.Duration = 60 * time.Second
	}
	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = "info"
	}

	if c.Engine.Mode == "" {
		c.Engine.Mode = "auto"
	}
	if c.Engine.AgentToken == "" {
		c.Engine.AgentToken = "main"
	}
	if c.Engine.SubmitTimeout.Duration == 0 {
		c.Engine.SubmitTimeout.Duration = 30 * time.Second
	}
	if c.Engine.WaitTimeout.Duration == 0 {
		c.Engine.WaitTimeout.Duration = 90 * time.Second
	}
	if c.Engine.RecurringWaitTimeout.Duration == 0 {
		c.Engine.RecurringWaitTimeout.Duration = 600 * time.Second
	}

	if c.Session.PollInterval.Duration == 0 {
		c.Session.PollInterval.Duration = 1200 * time.Millisecond
	}
	if c.Session.CatchupInterval.Duration == 0 {
		c.Session.CatchupInterval.Duration = 15 * time.Second
	}
	if c.Session.FallbackInterval.Duration == 0 {
		c.Session.FallbackInterval.Duration = time.Second
	}
	if c.Session.DedupeTTL.Duration == 0 {
		c.Session.DedupeTTL.Duration = 45 * time.Second
	}
	if c.Session.MinAge.Duration == 0 {
		c.Session.MinAge.Duration = 20 * time.Second
	}
	if c.Session.ConnectionStale.Duration == 0 {
		c.Session.ConnectionStale.Duration = 45 * time.Second
	}
	if c.Session.ActivityStale.Duration == 0 {
		c.Session.ActivityStale.Duration = 120 * time.Second
	}
	if len(c.Session.DocAllowlist) == 0 {
		c.Session.DocAllowlist = []string{"AGENTS.md", "IDENTITY.md", "SOPS.md", "TOOLS.md"}
	}
	if c.Session.ThinkingText == "" {
		c.Session.ThinkingText = "Thinking..."
	}
}

// Credentials expands the configuration into one Credential per agent.
// Multi-agent keys win over the single API key; each keyed agent defaults to
// its own workspace under WorkspaceRoot.
func (c *Config) Credentials() []Credential {
	if len(c.Hub.APIKeys) > 0 {
		ids := make([]int64, 0, len(c.Hub.APIKeys))
		for id := range c.Hub.APIKeys {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		creds := make([]Credential, 0, len(ids))
		for _, id := range ids {
			dir := filepath.Join(c.Runtime.WorkspaceRoot, fmt.Sprintf("agent-%d", id))
			creds = append(creds, Credential{
				AgentID:      id,
				APIKey:       c.Hub.APIKeys[id],
				WorkspaceDir: dir,
				StatePath:    filepath.Join(dir, ".agentmc", "state.json"),
			})
		}
		return creds
	}

	statePath := c.Runtime.StatePath
	if statePath == "" {
		statePath = filepath.Join(c.Runtime.WorkspaceDir, ".agentmc", "state.json")
	}
	return []Credential{{
		AgentID:      c.Runtime.AgentID,
		APIKey:       c.Hub.APIKey,
		WorkspaceDir: c.Runtime.WorkspaceDir,
		StatePath:    statePath,
	}}
}

func boolEnv(env map[string]string, name string, def bool) bool {
	v, ok := env[envPrefix+name]
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func csvEnv(env map[string]string, name string) []string {
	v := env[envPrefix+name]
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func durEnv(env map[string]string, name string, dst *Duration) error {
	v, ok := env[envPrefix+name]
	if !ok || v == "" {
		return nil
	}
	if err := dst.Set(v); err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	return nil
}
