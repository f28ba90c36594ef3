// Package audit appends admission and tool decisions to a JSONL trail.
package audit

import (
	"log/slog"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Record is one audit line.
type Record struct {
	TS       int64  `json:"ts"`
	Kind     string `json:"kind"` // admission | tool | elevation
	Channel  string `json:"channel,omitempty"`
	Sender   string `json:"sender,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Tool     string `json:"tool,omitempty"`
	Decision string `json:"decision"` // allowed | denied | rate_limited | ...
	Reason   string `json:"reason,omitempty"`
}

// Logger writes the trail. A nil Logger is a no-op, so call sites never
// need to branch on whether audit is enabled.
type Logger struct {
	root *state.Root
}

// New creates a logger, or nil when auditing is disabled.
func New(root *state.Root, enabled bool) *Logger {
	if !enabled {
		return nil
	}
	return &Logger{root: root}
}

// Log appends one record. Failures are logged, never propagated; audit must
// not block message flow.
func (l *Logger) Log(r Record) {
	if l == nil {
		return
	}
	if r.TS == 0 {
		r.TS = time.Now().UnixMilli()
	}
	if err := state.AppendJSONLine(l.root.AuditLog(), r); err != nil {
		slog.Warn("audit append failed", "error", err)
	}
}

// Admission records an admission decision.
func (l *Logger) Admission(channel, sender, decision, reason string) {
	l.Log(Record{Kind: "admission", Channel: channel, Sender: sender, Decision: decision, Reason: reason})
}

// Tool records a tool policy decision.
func (l *Logger) Tool(agentID, tool, decision, reason string) {
	l.Log(Record{Kind: "tool", AgentID: agentID, Tool: tool, Decision: decision, Reason: reason})
}
