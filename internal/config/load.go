package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with built-in defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentSpec{
				Model:         "claude-sonnet-4-5",
				MaxTokens:     8192,
				Temperature:   0.7,
				MaxTurns:      10,
				ContextWindow: 200000,
				ToolProfile:   "full",
			},
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18900,
			RateLimitRPM: 60,
		},
		Session: SessionConfig{
			DMScope:             "per-channel-peer",
			IdleResetMinutes:    0,
			MaxHistory:          200,
			QueueMode:           "followup",
			QueueDebounceMs:     1000,
			CompactionMode:      "summary",
			CompactionThreshold: 0.8,
			ReserveTokens:       4000,
		},
		Security: SecurityConfig{
			RateLimitPerMin:  30,
			ShellTimeoutSecs: 30,
		},
		Cron: CronConfig{
			StuckRunMs:         2 * 60 * 60 * 1000,
			SessionRetentionMs: 24 * 60 * 60 * 1000,
			JobTimeoutMs:       10 * 60 * 1000,
		},
		Dedup: DedupConfig{TTLSeconds: 60},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} tokens with process environment values.
// Unknown variables substitute to the empty string.
func substituteEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads bashclaw.json, substitutes ${VAR} references, overlays env
// vars, and validates. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(substituteEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays process environment onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GOOGLE_API_KEY", &c.Providers.Google.APIKey)
	envStr("BRAVE_API_KEY", &c.Providers.Brave.APIKey)
	envStr("PERPLEXITY_API_KEY", &c.Providers.Perplexity.APIKey)
	envStr("BASHCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("BASHCLAW_STATE_ROOT", &c.State.Root)

	channelToken := func(name, env string) {
		if v := os.Getenv(env); v != "" {
			if c.Channels == nil {
				c.Channels = ChannelsConfig{}
			}
			spec := c.Channels[name]
			spec.Token = v
			spec.Enabled = true
			c.Channels[name] = spec
		}
	}
	channelToken("telegram", "BASHCLAW_TELEGRAM_TOKEN")
	channelToken("discord", "BASHCLAW_DISCORD_TOKEN")
	channelToken("slack", "BASHCLAW_SLACK_BOT_TOKEN")
	if v := os.Getenv("BASHCLAW_SLACK_APP_TOKEN"); v != "" && c.Channels != nil {
		spec := c.Channels["slack"]
		spec.AppToken = v
		c.Channels["slack"] = spec
	}
}

var validDMScopes = map[string]bool{
	"": true, "main": true, "per-peer": true,
	"per-channel-peer": true, "per-account-channel-peer": true,
}

// Validate checks the structural invariants the rest of the runtime
// assumes. Runs on init and on write.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p := c.Gateway.Port; p < 1 || p > 65535 {
		return fmt.Errorf("config: gateway.port %d out of range [1,65535]", p)
	}
	for i, e := range c.Agents.List {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("config: agents.list[%d].id is empty", i)
		}
	}
	if !validDMScopes[c.Session.DMScope] {
		return fmt.Errorf("config: session.dmScope %q not recognized", c.Session.DMScope)
	}
	for i, b := range c.Bindings {
		if strings.TrimSpace(b.AgentID) == "" {
			return fmt.Errorf("config: bindings[%d].agentId is empty", i)
		}
	}
	for i, l := range c.IdentityLinks {
		if strings.TrimSpace(l.Canonical) == "" {
			return fmt.Errorf("config: identityLinks[%d].canonical is empty", i)
		}
	}
	return nil
}

// Save writes the config document atomically.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked, for the
// config API.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.Google.APIKey)
	maskNonEmpty(&cp.Providers.Brave.APIKey)
	maskNonEmpty(&cp.Providers.Perplexity.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	for name, spec := range cp.Channels {
		maskNonEmpty(&spec.Token)
		maskNonEmpty(&spec.AppToken)
		cp.Channels[name] = spec
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
