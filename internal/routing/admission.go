package routing

import (
	"strings"

	"github.com/bashclaw/bashclaw/internal/audit"
	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/pairing"
	"github.com/bashclaw/bashclaw/internal/ratelimit"
)

// Admission verdicts.
const (
	VerdictAccept    = "accept"
	VerdictDeny      = "deny"       // silent drop
	VerdictAutoReply = "auto-reply" // deliver Reply without invoking the agent
	VerdictPairing   = "pairing"    // deliver pairing instructions
)

// Decision is the outcome of the admission gates.
type Decision struct {
	Verdict string
	Reason  string
	Reply   string // set for auto-reply and pairing verdicts
}

// Gatekeeper evaluates the admission gates in order: audit, rate limit,
// DM/group policy, auto-replies. Debounce and dedup run in the router
// around the gatekeeper.
type Gatekeeper struct {
	audit   *audit.Logger
	limiter *ratelimit.Limiter
	pairing *pairing.Store
}

// NewGatekeeper wires the gate dependencies. audit may be nil.
func NewGatekeeper(auditLog *audit.Logger, limiter *ratelimit.Limiter, pairingStore *pairing.Store) *Gatekeeper {
	return &Gatekeeper{audit: auditLog, limiter: limiter, pairing: pairingStore}
}

// Admit runs the gates for one inbound message.
func (g *Gatekeeper) Admit(cfg *config.Config, msg bus.InboundMessage) Decision {
	spec := cfg.Channel(msg.Channel)

	deny := func(reason string) Decision {
		g.audit.Admission(msg.Channel, msg.SenderID, "denied", reason)
		return Decision{Verdict: VerdictDeny, Reason: reason}
	}

	if g.limiter != nil && !g.limiter.Allow(msg.Channel+":"+msg.SenderID) {
		return deny("rate_limited")
	}

	if msg.PeerKind == "group" {
		switch spec.GroupPolicy {
		case "disabled":
			return deny("group_disabled")
		case "mention-only":
			if !mentionsBot(msg.Content, spec.BotName) {
				return deny("no_mention")
			}
		}
	} else {
		switch spec.DMPolicy {
		case "allowlist":
			if !inAllowlist(spec.Allowlist, msg.SenderID) {
				return deny("not_allowlisted")
			}
		case "pairing":
			if g.pairing != nil && !g.pairing.IsVerified(msg.Channel, msg.SenderID) {
				code, err := g.pairing.Begin(msg.Channel, msg.SenderID)
				if err != nil {
					return deny("pairing_error")
				}
				g.audit.Admission(msg.Channel, msg.SenderID, "pairing", "code issued")
				return Decision{
					Verdict: VerdictPairing,
					Reply:   "This bot requires pairing. Ask the operator to approve code " + code + ".",
				}
			}
		}
	}

	if reply, ok := matchAutoReply(spec.AutoReplies, msg.Content); ok {
		g.audit.Admission(msg.Channel, msg.SenderID, "auto_reply", "")
		return Decision{Verdict: VerdictAutoReply, Reply: reply}
	}

	g.audit.Admission(msg.Channel, msg.SenderID, "allowed", "")
	return Decision{Verdict: VerdictAccept}
}

// mentionsBot checks for "@botName" or "botName", case-insensitive.
func mentionsBot(content, botName string) bool {
	if botName == "" {
		return false
	}
	lower := strings.ToLower(content)
	name := strings.ToLower(botName)
	return strings.Contains(lower, "@"+name) || strings.Contains(lower, name)
}

func inAllowlist(list []string, sender string) bool {
	for _, s := range list {
		if s == sender || s == "*" {
			return true
		}
	}
	return false
}

// matchAutoReply checks pipe-separated fixed-string alternatives,
// case-insensitive.
func matchAutoReply(rules []config.AutoReply, content string) (string, bool) {
	lower := strings.ToLower(content)
	for _, rule := range rules {
		for _, alt := range strings.Split(rule.Pattern, "|") {
			alt = strings.TrimSpace(strings.ToLower(alt))
			if alt != "" && strings.Contains(lower, alt) {
				return rule.Response, true
			}
		}
	}
	return "", false
}
