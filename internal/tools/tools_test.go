package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/state"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes" }

func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []any{"text"},
	}
}

func (echoTool) Execute(_ context.Context, args map[string]any) *Result {
	text, _ := args["text"].(string)
	return NewResult(text)
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool{})

	res := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	if res.IsError || res.ForLLM != "hi" {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryValidatesInput(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool{})

	res := r.Execute(context.Background(), "echo", map[string]any{})
	if !res.IsError || !strings.Contains(res.ForLLM, "invalid arguments") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	res := r.Execute(context.Background(), "nope", nil)
	if !res.IsError {
		t.Error("unknown tool did not error")
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(res.ForLLM), &payload); err != nil || payload["error"] == "" {
		t.Errorf("error shape = %q", res.ForLLM)
	}
}

func TestPreToolHookRewritesArgs(t *testing.T) {
	hookReg := hooks.NewRegistry()
	hookReg.Register(hooks.Hook{
		Name: "rewrite", Event: hooks.EventPreTool, Enabled: true,
		Fn: func(_ context.Context, p hooks.Payload) (hooks.Payload, error) {
			args := p["args"].(map[string]any)
			args["text"] = "rewritten"
			return p, nil
		},
	})
	r := NewRegistry(hookReg)
	r.Register(echoTool{})

	res := r.Execute(context.Background(), "echo", map[string]any{"text": "orig"})
	if res.ForLLM != "rewritten" {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func TestPostToolHookRewritesResult(t *testing.T) {
	hookReg := hooks.NewRegistry()
	hookReg.Register(hooks.Hook{
		Name: "redact", Event: hooks.EventPostTool, Enabled: true,
		Fn: func(_ context.Context, p hooks.Payload) (hooks.Payload, error) {
			p["result"] = "[redacted]"
			return p, nil
		},
	})
	r := NewRegistry(hookReg)
	r.Register(echoTool{})

	res := r.Execute(context.Background(), "echo", map[string]any{"text": "secret"})
	if res.ForLLM != "[redacted]" {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func TestPreToolHookBlocks(t *testing.T) {
	hookReg := hooks.NewRegistry()
	hookReg.Register(hooks.Hook{
		Name: "deny", Event: hooks.EventPreTool, Enabled: true,
		Fn: func(_ context.Context, p hooks.Payload) (hooks.Payload, error) {
			p["block"] = true
			p["block_reason"] = "not allowed here"
			return p, nil
		},
	})
	r := NewRegistry(hookReg)
	r.Register(echoTool{})

	res := r.Execute(context.Background(), "echo", map[string]any{"text": "x"})
	if !res.IsError || !strings.Contains(res.ForLLM, "not allowed here") {
		t.Errorf("result = %+v", res)
	}
}

func newTestRoot(t *testing.T) *state.Root {
	t.Helper()
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	return root
}

func fullRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	ws := t.TempDir()
	r.Register(NewReadFileTool(ws))
	r.Register(NewWriteFileTool(ws))
	r.Register(NewListFilesTool(ws))
	r.Register(NewFileSearchTool(ws))
	r.Register(NewShellTool(ws, 0, nil, ""))
	r.Register(NewWebFetchTool(0))
	r.Register(NewWebSearchTool("", ""))
	return r
}

func TestPolicyProfileAndOptionalGating(t *testing.T) {
	reg := fullRegistry(t)
	root := newTestRoot(t)

	p := NewPolicy("coding", nil, nil, nil, false, root, nil)
	names := p.FilterTools(reg)
	for _, name := range names {
		if name == "shell" || name == "write_file" {
			t.Errorf("optional tool %s admitted without allow", name)
		}
	}
	if !contains(names, "read_file") || !contains(names, "web_fetch") {
		t.Errorf("coding profile = %v", names)
	}

	p = NewPolicy("coding", []string{"shell", "read_file"}, nil, nil, false, root, nil)
	names = p.FilterTools(reg)
	if !contains(names, "shell") {
		t.Errorf("allow did not admit shell: %v", names)
	}
	if contains(names, "web_fetch") {
		t.Errorf("allow did not restrict: %v", names)
	}
}

func TestPolicyDenySubtracts(t *testing.T) {
	reg := fullRegistry(t)
	p := NewPolicy("full", nil, []string{"web_fetch"}, nil, false, newTestRoot(t), nil)
	names := p.FilterTools(reg)
	if contains(names, "web_fetch") {
		t.Errorf("deny ignored: %v", names)
	}
	if !contains(names, "web_search") {
		t.Errorf("deny over-subtracted: %v", names)
	}
}

func TestPolicySubagentDenyList(t *testing.T) {
	reg := fullRegistry(t)
	reg.Register(NewSpawnStatusTool(newTestRoot(t)))
	p := NewPolicy("full", nil, nil, nil, true, newTestRoot(t), nil)
	names := p.FilterTools(reg)
	for _, banned := range []string{"spawn", "agent_message", "cron"} {
		if contains(names, banned) {
			t.Errorf("subagent got %s", banned)
		}
	}
	if !contains(names, "spawn_status") {
		t.Errorf("spawn_status should survive: %v", names)
	}
}

type dangerousTool struct{ echoTool }

func (dangerousTool) Name() string      { return "danger" }
func (dangerousTool) Elevation() string { return ElevationDangerous }

func TestElevationDangerousRejectedWithoutGrant(t *testing.T) {
	root := newTestRoot(t)
	p := NewPolicy("full", nil, nil, nil, false, root, nil)
	if err := p.CheckElevation(dangerousTool{}, "agent:main:x"); err == nil {
		t.Fatal("dangerous tool admitted without grant")
	}

	p = NewPolicy("full", nil, nil, []string{"danger"}, false, root, nil)
	if err := p.CheckElevation(dangerousTool{}, "agent:main:x"); err != nil {
		t.Fatalf("elevatedTools grant rejected: %v", err)
	}
}

func TestElevationApprovalMarker(t *testing.T) {
	root := newTestRoot(t)
	key := "agent:main:telegram:direct:42"
	if err := Approve(root, key, "danger"); err != nil {
		t.Fatal(err)
	}
	p := NewPolicy("full", nil, nil, nil, false, root, nil)
	if err := p.CheckElevation(dangerousTool{}, key); err != nil {
		t.Fatalf("approval marker ignored: %v", err)
	}
	// Approval is scoped to the session.
	if err := p.CheckElevation(dangerousTool{}, "agent:main:other"); err == nil {
		t.Fatal("approval leaked across sessions")
	}
	if err := Revoke(root, key, "danger"); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckElevation(dangerousTool{}, key); err == nil {
		t.Fatal("revoked approval still honored")
	}
}

func TestElevatedProceedsWithoutGrant(t *testing.T) {
	p := NewPolicy("full", nil, nil, nil, false, newTestRoot(t), nil)
	if err := p.CheckElevation(NewShellTool(t.TempDir(), 0, nil, ""), "agent:main:x"); err != nil {
		t.Fatalf("elevated tool should proceed with a warning: %v", err)
	}
}
