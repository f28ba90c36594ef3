package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// AgentCaller runs one agent conversation turn on behalf of a tool. The
// implementation lives in the agent loop; tools receive it injected to
// keep the dependency one-way.
type AgentCaller interface {
	Call(ctx context.Context, targetAgentID, sessionKey, message string) (string, error)
}

// AgentCallerFunc adapts a function to an AgentCaller.
type AgentCallerFunc func(ctx context.Context, targetAgentID, sessionKey, message string) (string, error)

func (f AgentCallerFunc) Call(ctx context.Context, targetAgentID, sessionKey, message string) (string, error) {
	return f(ctx, targetAgentID, sessionKey, message)
}

// AgentMessageTool sends a message to another configured agent and waits
// for its reply. The exchange runs in an agent-scoped session so repeated
// messages share context.
type AgentMessageTool struct {
	caller      AgentCaller
	fromAgentID string
	knownAgents func() []string
}

func NewAgentMessageTool(caller AgentCaller, fromAgentID string, knownAgents func() []string) *AgentMessageTool {
	return &AgentMessageTool{caller: caller, fromAgentID: fromAgentID, knownAgents: knownAgents}
}

func (t *AgentMessageTool) Name() string { return "agent_message" }

func (t *AgentMessageTool) Description() string {
	return "Send a message to another agent and return its reply."
}

func (t *AgentMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{"type": "string"},
			"message":  map[string]any{"type": "string"},
		},
		"required": []any{"agent_id", "message"},
	}
}

func (t *AgentMessageTool) Execute(ctx context.Context, args map[string]any) *Result {
	target, _ := args["agent_id"].(string)
	message, _ := args["message"].(string)
	if target == "" || message == "" {
		return ErrorResult(errJSON("agent_id and message are required"))
	}
	if target == t.fromAgentID {
		return ErrorResult(errJSON("an agent cannot message itself"))
	}
	if t.knownAgents != nil && !contains(t.knownAgents(), target) {
		return ErrorResult(errJSON(fmt.Sprintf("unknown agent: %s", target)))
	}

	sessionKey := fmt.Sprintf("agent:%s:agent:direct:%s", target, t.fromAgentID)
	reply, err := t.caller.Call(ctx, target, sessionKey, message)
	if err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("agent %s failed: %v", target, err)))
	}
	out, _ := json.Marshal(map[string]string{"agent": target, "reply": reply})
	return NewResult(string(out))
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
