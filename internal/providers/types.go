// Package providers normalizes the three supported LLM wire formats
// (anthropic, openai, google) into one response shape the agent loop
// consumes. Adapters speak raw HTTP; nothing above this package knows
// which API produced a response.
package providers

import "context"

// Stop reasons, normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Provider is the interface all LLM adapters implement.
type Provider interface {
	// Chat sends messages and returns the normalized response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// ChatRequest is the input for a Chat call.
type ChatRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// ChatResponse is the normalized result of an LLM call.
type ChatResponse struct {
	StopReason string     `json:"stop_reason"` // end_turn | tool_use | max_tokens
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	Model      string     `json:"model,omitempty"`
}

// Message is one conversation message.
type Message struct {
	Role       string         `json:"role"` // system | user | assistant | tool
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool"
	IsError    bool           `json:"is_error,omitempty"`     // tool result error flag
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolDefinition describes a tool offered to the model. Adapters translate
// this neutral shape into the provider-specific schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
