// Session keys follow the canonical format
//
//	agent:{agentId}:{rest}
//
// where {rest} depends on the session type:
//
//	DM:        {channel}:direct:{peerId}
//	Group:     {channel}:group:{groupId}
//	Channel:   {channel}           (channel-scoped, no peer)
//	Subagent:  spawn:{label}
//	Cron:      cron:{jobId}:run:{runId}
//	Queue:     queue:{name}
//	Boot:      boot
//	Heartbeat: heartbeat
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Session scopes (config session.scope / session.dmScope).
const (
	ScopePerSender            = "per-sender"
	ScopePerPeer              = "per-peer"
	ScopePerChannelPeer       = "per-channel-peer"
	ScopePerAccountChannelPeer = "per-account-channel-peer"
	ScopePerChannel           = "per-channel"
	ScopeGlobal               = "global"
	ScopeMain                 = "main" // dmScope: all DMs share the main session
)

// KeyParts carries everything scope resolution can draw on.
type KeyParts struct {
	AgentID   string
	Channel   string
	AccountID string
	Kind      PeerKind
	PeerID    string
	SenderID  string
	MainKey   string // session.mainKey, default "main"
}

// BuildKey resolves the session key for the given scope.
func BuildKey(scope string, p KeyParts) string {
	main := p.MainKey
	if main == "" {
		main = "main"
	}
	switch scope {
	case ScopeGlobal:
		return fmt.Sprintf("agent:%s:%s", p.AgentID, main)
	case ScopePerChannel:
		return fmt.Sprintf("agent:%s:%s", p.AgentID, p.Channel)
	case ScopePerSender:
		return fmt.Sprintf("agent:%s:%s:direct:%s", p.AgentID, p.Channel, p.SenderID)
	case ScopePerAccountChannelPeer:
		return fmt.Sprintf("agent:%s:%s:%s:%s:%s", p.AgentID, p.AccountID, p.Channel, p.Kind, p.PeerID)
	case ScopePerPeer:
		return fmt.Sprintf("agent:%s:%s:%s", p.AgentID, p.Kind, p.PeerID)
	default: // per-channel-peer
		return fmt.Sprintf("agent:%s:%s:%s:%s", p.AgentID, p.Channel, p.Kind, p.PeerID)
	}
}

// BuildDirectKey builds a DM session key.
func BuildDirectKey(agentID, channel, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, channel, peerID)
}

// BuildGroupKey builds a group session key.
func BuildGroupKey(agentID, channel, groupID string) string {
	return fmt.Sprintf("agent:%s:%s:group:%s", agentID, channel, groupID)
}

// BuildMainKey builds the agent's shared main session key.
func BuildMainKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildSpawnKey builds a subagent session key.
func BuildSpawnKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:spawn:%s", agentID, label)
}

// BuildCronKey builds an isolated cron-run session key.
func BuildCronKey(jobID, runID string) string {
	return fmt.Sprintf("cron:%s:run:%s", jobID, runID)
}

// BuildBootKey builds the bootstrap session key.
func BuildBootKey(agentID string) string {
	return fmt.Sprintf("agent:%s:boot", agentID)
}

// BuildHeartbeatKey builds the heartbeat session key.
func BuildHeartbeatKey(agentID string) string {
	return fmt.Sprintf("agent:%s:heartbeat", agentID)
}

// AgentIDFromKey extracts the agent id from a session key, or "" when the
// key is not agent-scoped (isolated cron runs).
func AgentIDFromKey(key string) string {
	if !strings.HasPrefix(key, "agent:") {
		return ""
	}
	rest := key[len("agent:"):]
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// IsSpawnKey reports whether the key addresses a subagent or isolated cron
// session. Those sessions skip the pre-compaction memory flush.
func IsSpawnKey(key string) bool {
	return strings.Contains(key, ":spawn:") || strings.HasPrefix(key, "cron:")
}
