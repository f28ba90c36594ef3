// Package routing resolves which agent handles an inbound message, applies
// the admission gates, and plans the outbound delivery.
package routing

import (
	"strings"

	"github.com/bashclaw/bashclaw/internal/config"
)

// Target identifies the inbound coordinates resolution works from.
type Target struct {
	Channel    string
	Sender     string
	ParentPeer string // thread parent, for inheritance
	GuildID    string
	TeamID     string
	AccountID  string
}

// ResolveAgent walks the seven levels of destination resolution, most
// specific first:
//
//  1. binding on channel + peer == sender
//  2. binding on channel + peer == parent peer (thread inheritance)
//  3. binding on guild
//  4. binding on team
//  5. binding on account id alone
//  6. binding on bare channel, else the channel's agentId
//  7. the default agent
func ResolveAgent(cfg *config.Config, t Target) string {
	bindings, _ := cfg.Snapshot()

	// Level 1: exact peer.
	for _, b := range bindings {
		if b.Channel == t.Channel && b.Peer != nil && b.Peer.ID == t.Sender {
			return b.AgentID
		}
	}
	// Level 2: thread parent.
	if t.ParentPeer != "" {
		for _, b := range bindings {
			if b.Channel == t.Channel && b.Peer != nil && b.Peer.ID == t.ParentPeer {
				return b.AgentID
			}
		}
	}
	// Level 3: guild.
	if t.GuildID != "" {
		for _, b := range bindings {
			if b.GuildID == t.GuildID {
				return b.AgentID
			}
		}
	}
	// Level 4: team.
	if t.TeamID != "" {
		for _, b := range bindings {
			if b.TeamID == t.TeamID {
				return b.AgentID
			}
		}
	}
	// Level 5: account id with nothing narrower set.
	if t.AccountID != "" {
		for _, b := range bindings {
			if b.AccountID == t.AccountID && b.Peer == nil && b.GuildID == "" && b.TeamID == "" {
				return b.AgentID
			}
		}
	}
	// Level 6: bare channel binding, else the channel's configured agent.
	for _, b := range bindings {
		if b.Channel == t.Channel && b.Peer == nil && b.GuildID == "" && b.TeamID == "" && b.AccountID == "" {
			return b.AgentID
		}
	}
	if spec := cfg.Channel(t.Channel); spec.AgentID != "" {
		return spec.AgentID
	}
	// Level 7.
	return cfg.ResolveDefaultAgentID()
}

// CanonicalSender collapses linked identities: if any identityLinks[] entry
// lists "sender" or "channel:sender" among its peers, the entry's canonical
// value replaces the sender.
func CanonicalSender(cfg *config.Config, channel, sender string) string {
	_, links := cfg.Snapshot()
	qualified := channel + ":" + sender
	for _, link := range links {
		for _, peer := range link.Peers {
			if peer == sender || strings.EqualFold(peer, qualified) {
				return link.Canonical
			}
		}
	}
	return sender
}
