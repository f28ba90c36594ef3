package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Tool groups referenced by profiles.
var toolGroups = map[string][]string{
	"group:fs":        {"read_file", "write_file", "list_files", "file_search"},
	"group:web":       {"web_fetch", "web_search"},
	"group:memory":    {"memory"},
	"group:agents":    {"agent_message", "spawn", "spawn_status"},
	"group:schedule":  {"cron"},
	"group:runtime":   {"shell"},
	"group:messaging": {"send_message"},
}

// toolProfiles maps profile name to tool/group names. The full profile is
// the empty list: every registered tool.
var toolProfiles = map[string][]string{
	"minimal":   {"group:memory", "read_file"},
	"coding":    {"group:fs", "group:runtime", "group:memory", "group:web"},
	"messaging": {"group:web", "group:memory", "group:agents", "group:schedule", "group:messaging"},
	"full":      {},
}

// subagentDenyList: tools never available to spawned subagents.
var subagentDenyList = []string{"spawn", "agent_message", "cron"}

// Policy filters the registry down to the set an agent may call and gates
// elevated tools.
type Policy struct {
	Profile       string
	Allow         []string // restricts to these (after profile), also admits optional tools
	Deny          []string
	ElevatedTools []string // security.elevatedTools
	Subagent      bool
	Root          *state.Root
	audit         AuditSink
}

// AuditSink records tool policy decisions. May be nil.
type AuditSink interface {
	Tool(sessionKey, tool, decision, reason string)
}

// NewPolicy builds a policy for one agent invocation.
func NewPolicy(profile string, allow, deny, elevated []string, subagent bool, root *state.Root, audit AuditSink) *Policy {
	return &Policy{
		Profile:       profile,
		Allow:         allow,
		Deny:          deny,
		ElevatedTools: elevated,
		Subagent:      subagent,
		Root:          root,
		audit:         audit,
	}
}

// FilterTools resolves the final tool name set from the registry:
// profile expansion, then allow restriction, then deny subtraction.
// Optional tools (shell, write_file) are dropped unless the allow list
// names them explicitly.
func (p *Policy) FilterTools(reg *Registry) []string {
	profile := p.Profile
	if profile == "" {
		profile = "full"
	}
	spec, ok := toolProfiles[profile]
	if !ok {
		slog.Warn("unknown tool profile, falling back to full", "profile", profile)
		spec = nil
	}

	selected := make(map[string]bool)
	if len(spec) == 0 {
		for _, t := range reg.List() {
			selected[t.Name()] = true
		}
	} else {
		for _, name := range expandGroups(spec) {
			if _, ok := reg.Get(name); ok {
				selected[name] = true
			}
		}
	}

	allowed := make(map[string]bool)
	for _, name := range expandGroups(p.Allow) {
		allowed[name] = true
	}
	if len(allowed) > 0 {
		for name := range selected {
			if !allowed[name] {
				delete(selected, name)
			}
		}
		// Allow admits optional tools not in the profile.
		for name := range allowed {
			if t, ok := reg.Get(name); ok && toolOptional(t) {
				selected[name] = true
			}
		}
	}

	// Optional tools require an explicit allow entry.
	for name := range selected {
		if t, ok := reg.Get(name); ok && toolOptional(t) && !allowed[name] {
			delete(selected, name)
		}
	}

	for _, name := range expandGroups(p.Deny) {
		delete(selected, name)
	}
	if p.Subagent {
		for _, name := range subagentDenyList {
			delete(selected, name)
		}
	}

	out := make([]string, 0, len(selected))
	for name := range selected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckElevation gates a call by the tool's elevation level. Elevated and
// dangerous tools are admitted when listed in security.elevatedTools or
// when an approval marker exists for this session and tool. Otherwise an
// elevated tool proceeds with a warning; a dangerous tool is rejected.
func (p *Policy) CheckElevation(t Tool, sessionKey string) error {
	level := toolElevation(t)
	if level == ElevationNone {
		return nil
	}
	if p.isElevated(t.Name()) || p.hasApproval(sessionKey, t.Name()) {
		if p.audit != nil {
			p.audit.Tool(sessionKey, t.Name(), "allow", "elevation granted")
		}
		return nil
	}
	if level == ElevationDangerous {
		if p.audit != nil {
			p.audit.Tool(sessionKey, t.Name(), "deny", "dangerous tool not elevated")
		}
		return fmt.Errorf("tool %s requires elevation", t.Name())
	}
	// Elevated but not granted: log and proceed.
	slog.Warn("elevated tool invoked without grant", "tool", t.Name(), "session", sessionKey)
	if p.audit != nil {
		p.audit.Tool(sessionKey, t.Name(), "allow", "elevated without grant")
	}
	return nil
}

func (p *Policy) isElevated(name string) bool {
	for _, e := range p.ElevatedTools {
		if e == name {
			return true
		}
	}
	return false
}

// Approve writes a persistent approval marker for (sessionKey, tool).
func Approve(root *state.Root, sessionKey, tool string) error {
	path := approvalPath(root, sessionKey, tool)
	return state.WriteFileAtomic(path, []byte("approved\n"), 0o600)
}

// Revoke removes an approval marker.
func Revoke(root *state.Root, sessionKey, tool string) error {
	err := os.Remove(approvalPath(root, sessionKey, tool))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *Policy) hasApproval(sessionKey, tool string) bool {
	_, err := os.Stat(approvalPath(p.Root, sessionKey, tool))
	return err == nil
}

func approvalPath(root *state.Root, sessionKey, tool string) string {
	return filepath.Join(root.ApprovalsDir(), state.SafeKey(sessionKey)+"__"+state.SafeKey(tool))
}

func expandGroups(names []string) []string {
	var out []string
	for _, name := range names {
		if members, ok := toolGroups[name]; ok {
			out = append(out, members...)
			continue
		}
		out = append(out, name)
	}
	return out
}
