// Package sessions stores conversations as append-only JSONL logs, one per
// session key, with a sidecar metadata record. The manager owns locking,
// idle reset, token estimation and compaction bookkeeping.
package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/bashclaw/bashclaw/internal/providers"
)

// Entry roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Entry types.
const (
	TypeSession    = "session" // header, always the first line
	TypeMessage    = "message"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
)

const sessionVersion = 1

// Entry is one record in a session log.
type Entry struct {
	TS   int64  `json:"ts"`
	Role string `json:"role,omitempty"`
	Type string `json:"type"`

	// type=message
	Content string `json:"content,omitempty"`

	// type=tool_call
	ToolName  string         `json:"tool_name,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// type=tool_result (Content carries the result text)
	IsError bool `json:"is_error,omitempty"`

	// Synthetic compaction summary marker.
	Compacted bool `json:"compacted,omitempty"`

	// type=session header fields
	ID        string `json:"id,omitempty"`
	Version   int    `json:"version,omitempty"`
	Engine    string `json:"engine,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewHeader creates the session header entry.
func NewHeader() Entry {
	now := time.Now()
	return Entry{
		TS:        now.UnixMilli(),
		Type:      TypeSession,
		ID:        uuid.NewString(),
		Version:   sessionVersion,
		Engine:    "bashclaw",
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// NewMessage creates a message entry.
func NewMessage(role, content string) Entry {
	return Entry{TS: time.Now().UnixMilli(), Role: role, Type: TypeMessage, Content: content}
}

// NewToolCall creates a tool_call entry.
func NewToolCall(call providers.ToolCall) Entry {
	return Entry{
		TS:        time.Now().UnixMilli(),
		Role:      RoleAssistant,
		Type:      TypeToolCall,
		ToolName:  call.Name,
		ToolID:    call.ID,
		ToolInput: call.Input,
	}
}

// NewToolResult creates a tool_result entry.
func NewToolResult(toolID, content string, isError bool) Entry {
	return Entry{
		TS:      time.Now().UnixMilli(),
		Role:    RoleTool,
		Type:    TypeToolResult,
		ToolID:  toolID,
		Content: content,
		IsError: isError,
	}
}

// Meta is the sidecar metadata for one session.
type Meta struct {
	SessionID                  string `json:"sessionId"`
	UpdatedAt                  int64  `json:"updatedAt"`
	TotalTokens                int64  `json:"totalTokens"`
	CompactionCount            int    `json:"compactionCount"`
	MemoryFlushCompactionCount int    `json:"memoryFlushCompactionCount"`
	QueueMode                  string `json:"queueMode,omitempty"`
	Label                      string `json:"label,omitempty"`
	SpawnedBy                  string `json:"spawnedBy,omitempty"`
	SpawnDepth                 int    `json:"spawnDepth,omitempty"`
	Model                      string `json:"model,omitempty"`
	Channel                    string `json:"channel,omitempty"`
}

// ToProviderMessages serializes log entries into the normalized provider
// message shape, interleaving tool calls with their results. The header and
// unmatched fragments are skipped.
func ToProviderMessages(entries []Entry) []providers.Message {
	msgs := make([]providers.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case TypeMessage:
			role := e.Role
			if role == "" {
				role = RoleUser
			}
			msgs = append(msgs, providers.Message{Role: role, Content: e.Content})
		case TypeToolCall:
			call := providers.ToolCall{ID: e.ToolID, Name: e.ToolName, Input: e.ToolInput}
			// Merge consecutive tool calls into one assistant message.
			if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" && len(msgs[n-1].ToolCalls) > 0 {
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
			} else {
				msgs = append(msgs, providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{call}})
			}
		case TypeToolResult:
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				ToolCallID: e.ToolID,
				Content:    e.Content,
				IsError:    e.IsError,
			})
		}
	}
	return msgs
}
