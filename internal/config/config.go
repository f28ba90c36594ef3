// Package config holds the live bashclaw.json document and the model
// catalog. Accessors fall through per-agent overrides → defaults → built-in
// defaults, and every read sees a consistent snapshot for the duration of
// one call.
package config

import (
	"sync"
)

// DefaultAgentID is used when no agent is marked default.
const DefaultAgentID = "main"

// Config is the root configuration document (bashclaw.json).
type Config struct {
	mu sync.RWMutex `json:"-"`

	Agents        AgentsConfig      `json:"agents,omitempty"`
	Channels      ChannelsConfig    `json:"channels,omitempty"`
	Bindings      []Binding         `json:"bindings,omitempty"`
	IdentityLinks []IdentityLink    `json:"identityLinks,omitempty"`
	Gateway       GatewayConfig     `json:"gateway,omitempty"`
	Session       SessionConfig     `json:"session,omitempty"`
	Security      SecurityConfig    `json:"security,omitempty"`
	Cron          CronConfig        `json:"cron,omitempty"`
	Plugins       PluginsConfig     `json:"plugins,omitempty"`
	Lanes         map[string]int    `json:"lanes,omitempty"`
	Providers     ProvidersConfig   `json:"providers,omitempty"`
	Tools         ToolsConfig       `json:"tools,omitempty"`
	State         StateConfig       `json:"state,omitempty"`
	Dedup         DedupConfig       `json:"dedup,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// AgentsConfig holds shared defaults plus per-agent overrides.
type AgentsConfig struct {
	DefaultID string       `json:"defaultId,omitempty"`
	Defaults  AgentSpec    `json:"defaults,omitempty"`
	List      []AgentEntry `json:"list,omitempty"`
}

// AgentEntry is one configured agent.
type AgentEntry struct {
	ID string `json:"id"`
	AgentSpec
}

// AgentSpec is the per-agent configuration bundle. Zero values mean
// "inherit from defaults".
type AgentSpec struct {
	Model           string   `json:"model,omitempty"`
	FallbackModels  []string `json:"fallbackModels,omitempty"`
	Workspace       string   `json:"workspace,omitempty"`
	SystemPrompt    string   `json:"systemPrompt,omitempty"`
	MaxTokens       int      `json:"maxTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	MaxTurns        int      `json:"maxTurns,omitempty"`
	ContextWindow   int      `json:"contextWindow,omitempty"`
	ToolProfile     string   `json:"toolProfile,omitempty"`
	ToolsAllow      []string `json:"toolsAllow,omitempty"`
	ToolsDeny       []string `json:"toolsDeny,omitempty"`
	Reflection      *bool    `json:"reflection,omitempty"`
	MemoryEnabled   *bool    `json:"memory,omitempty"`
	SoulEvilChance  float64  `json:"soulEvilChance,omitempty"`
	SoulEvilWindow  string   `json:"soulEvilWindow,omitempty"` // "HH-HH" UTC hour window
	InjectionAction string   `json:"injectionAction,omitempty"`
	MaxMessageChars int      `json:"maxMessageChars,omitempty"`
}

// ChannelsConfig is keyed by channel name (telegram, discord, slack,
// feishu, web, cli).
type ChannelsConfig map[string]ChannelSpec

// ChannelSpec configures one channel.
type ChannelSpec struct {
	Enabled     bool        `json:"enabled,omitempty"`
	Token       string      `json:"token,omitempty"`
	AppToken    string      `json:"appToken,omitempty"` // slack socket mode
	BotName     string      `json:"botName,omitempty"`
	AgentID     string      `json:"agentId,omitempty"`
	DMPolicy    string      `json:"dmPolicy,omitempty"`    // open|allowlist|pairing
	GroupPolicy string      `json:"groupPolicy,omitempty"` // open|mention-only|disabled
	Allowlist   []string    `json:"allowlist,omitempty"`
	DebounceMs  int         `json:"debounceMs,omitempty"`
	TextLimit   int         `json:"textLimit,omitempty"`
	AutoReplies []AutoReply `json:"autoReplies,omitempty"`
}

// AutoReply is a pattern-based canned response evaluated before the agent.
// Pattern is pipe-separated fixed-string alternatives, case-insensitive.
type AutoReply struct {
	Pattern  string `json:"pattern"`
	Response string `json:"response"`
}

// Binding routes messages to an agent. Most-specific match wins; see the
// resolver for the level ordering.
type Binding struct {
	AgentID   string   `json:"agentId"`
	Channel   string   `json:"channel,omitempty"`
	Peer      *PeerRef `json:"peer,omitempty"`
	GuildID   string   `json:"guildId,omitempty"`
	TeamID    string   `json:"teamId,omitempty"`
	AccountID string   `json:"accountId,omitempty"`
}

// PeerRef identifies a peer inside a binding.
type PeerRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"` // direct|group
}

// IdentityLink collapses multiple (channel,sender) pairs into one canonical
// identity before session keys are built.
type IdentityLink struct {
	Canonical string   `json:"canonical"`
	Peers     []string `json:"peers"` // "sender" or "channel:sender"
}

// GatewayConfig configures the built-in web/REST gateway.
type GatewayConfig struct {
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	Token        string `json:"token,omitempty"`
	RateLimitRPM int    `json:"rateLimitRPM,omitempty"`
}

// SessionConfig governs session lifecycle.
type SessionConfig struct {
	Scope               string  `json:"scope,omitempty"`   // per-sender|global
	DMScope             string  `json:"dmScope,omitempty"` // main|per-peer|per-channel-peer|per-account-channel-peer
	MainKey             string  `json:"mainKey,omitempty"`
	IdleResetMinutes    int     `json:"idleResetMinutes,omitempty"`
	MaxHistory          int     `json:"maxHistory,omitempty"`
	QueueMode           string  `json:"queueMode,omitempty"`
	QueueDebounceMs     int     `json:"queueDebounceMs,omitempty"`
	CompactionMode      string  `json:"compactionMode,omitempty"` // summary|truncate
	CompactionThreshold float64 `json:"compactionThreshold,omitempty"`
	ReserveTokens       int     `json:"reserveTokens,omitempty"`
	HeartbeatMinutes    int     `json:"heartbeatMinutes,omitempty"`
}

// SecurityConfig governs elevation, audit, and rate limits.
type SecurityConfig struct {
	ElevatedTools    []string `json:"elevatedTools,omitempty"`
	RateLimitPerMin  int      `json:"rateLimitPerMin,omitempty"`
	AuditEnabled     *bool    `json:"audit,omitempty"`
	ShellTimeoutSecs int      `json:"shellTimeoutSecs,omitempty"`
}

// CronConfig governs the scheduler.
type CronConfig struct {
	StuckRunMs         int64 `json:"stuckRunMs,omitempty"`
	SessionRetentionMs int64 `json:"sessionRetentionMs,omitempty"`
	JobTimeoutMs       int64 `json:"jobTimeoutMs,omitempty"`
}

// PluginsConfig lists hook scripts registered from config.
type PluginsConfig struct {
	Hooks []HookSpec `json:"hooks,omitempty"`
}

// HookSpec is one configured hook registration.
type HookSpec struct {
	Name     string `json:"name"`
	Event    string `json:"event"`
	Script   string `json:"script,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Strategy string `json:"strategy,omitempty"` // void|modifying|sync (override)
}

// ProvidersConfig holds provider credentials/endpoints. Catalog entries may
// instead reference api_key_env.
type ProvidersConfig struct {
	Anthropic  ProviderCreds `json:"anthropic,omitempty"`
	OpenAI     ProviderCreds `json:"openai,omitempty"`
	Google     ProviderCreds `json:"google,omitempty"`
	Brave      ProviderCreds `json:"brave,omitempty"`
	Perplexity ProviderCreds `json:"perplexity,omitempty"`
}

// ProviderCreds is one provider's credentials.
type ProviderCreds struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// ToolsConfig holds tool-wide settings.
type ToolsConfig struct {
	Profile        string `json:"profile,omitempty"`
	WebFetchMaxCh  int    `json:"webFetchMaxChars,omitempty"`
	SearchProvider string `json:"searchProvider,omitempty"` // brave|perplexity|auto
}

// StateConfig points at the writable state root and selects the session
// store backing.
type StateConfig struct {
	Root    string `json:"root,omitempty"`
	Backing string `json:"backing,omitempty"` // file (default) | sqlite
}

// DedupConfig governs inbound message deduplication.
type DedupConfig struct {
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

// ResolveAgent returns the effective spec for an agent id, merging defaults
// with the per-agent entry.
func (c *Config) ResolveAgent(agentID string) AgentSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	for _, e := range c.Agents.List {
		if e.ID != agentID {
			continue
		}
		if e.Model != "" {
			d.Model = e.Model
		}
		if len(e.FallbackModels) > 0 {
			d.FallbackModels = e.FallbackModels
		}
		if e.Workspace != "" {
			d.Workspace = e.Workspace
		}
		if e.SystemPrompt != "" {
			d.SystemPrompt = e.SystemPrompt
		}
		if e.MaxTokens > 0 {
			d.MaxTokens = e.MaxTokens
		}
		if e.Temperature > 0 {
			d.Temperature = e.Temperature
		}
		if e.MaxTurns > 0 {
			d.MaxTurns = e.MaxTurns
		}
		if e.ContextWindow > 0 {
			d.ContextWindow = e.ContextWindow
		}
		if e.ToolProfile != "" {
			d.ToolProfile = e.ToolProfile
		}
		if e.ToolsAllow != nil {
			d.ToolsAllow = e.ToolsAllow
		}
		if e.ToolsDeny != nil {
			d.ToolsDeny = e.ToolsDeny
		}
		if e.Reflection != nil {
			d.Reflection = e.Reflection
		}
		if e.MemoryEnabled != nil {
			d.MemoryEnabled = e.MemoryEnabled
		}
		if e.SoulEvilChance > 0 {
			d.SoulEvilChance = e.SoulEvilChance
		}
		if e.SoulEvilWindow != "" {
			d.SoulEvilWindow = e.SoulEvilWindow
		}
		if e.InjectionAction != "" {
			d.InjectionAction = e.InjectionAction
		}
		if e.MaxMessageChars > 0 {
			d.MaxMessageChars = e.MaxMessageChars
		}
		break
	}
	return d
}

// ResolveDefaultAgentID returns agents.defaultId, else the first listed
// agent, else "main".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agents.DefaultID != "" {
		return c.Agents.DefaultID
	}
	if len(c.Agents.List) > 0 {
		return c.Agents.List[0].ID
	}
	return DefaultAgentID
}

// Channel returns the spec for a channel name (zero value if absent).
func (c *Config) Channel(name string) ChannelSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Channels == nil {
		return ChannelSpec{}
	}
	return c.Channels[name]
}

// LaneMax returns the configured max concurrency for a lane type, or def.
func (c *Config) LaneMax(lane string, def int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.Lanes[lane]; ok && v > 0 {
		return v
	}
	return def
}

// StateRoot returns the configured state root (may be empty).
func (c *Config) StateRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State.Root
}

// Snapshot returns a read-locked shallow copy of top-level sections that the
// router walks (bindings, identity links). Slices are copied so a reload
// cannot mutate them mid-walk.
func (c *Config) Snapshot() (bindings []Binding, links []IdentityLink) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bindings = make([]Binding, len(c.Bindings))
	copy(bindings, c.Bindings)
	links = make([]IdentityLink, len(c.IdentityLinks))
	copy(links, c.IdentityLinks)
	return bindings, links
}
