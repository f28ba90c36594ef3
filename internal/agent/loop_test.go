package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/events"
	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/memory"
	"github.com/bashclaw/bashclaw/internal/providers"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
	"github.com/bashclaw/bashclaw/internal/usage"
)

// scriptedProvider returns canned responses (or errors) in order, then
// repeats the last one.
type scriptedProvider struct {
	name  string
	steps []func() (*providers.ChatResponse, error)
	calls int
	seen  []providers.ChatRequest
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.seen = append(p.seen, req)
	i := p.calls
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.calls++
	return p.steps[i]()
}

func reply(text string) func() (*providers.ChatResponse, error) {
	return func() (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			StopReason: providers.StopEndTurn,
			Content:    text,
			Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func toolUse(name string, input map[string]any) func() (*providers.ChatResponse, error) {
	return func() (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			StopReason: providers.StopToolUse,
			ToolCalls:  []providers.ToolCall{{ID: "call-1", Name: name, Input: input}},
			Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func overflow() func() (*providers.ChatResponse, error) {
	return func() (*providers.ChatResponse, error) {
		return nil, &providers.APIError{Provider: "test", Status: 400, Body: "prompt is too long: maximum context length exceeded"}
	}
}

type testRig struct {
	loop     *Loop
	sessions *sessions.Manager
	provider *scriptedProvider
	root     *state.Root
	cfg      *config.Config
}

func newRig(t *testing.T, p *scriptedProvider) *testRig {
	t.Helper()
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	mgrCfg, err := config.NewManager(filepath.Join(t.TempDir(), "bashclaw.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgrCfg.Close)
	cfg := mgrCfg.Current()
	cfg.Agents.Defaults.Workspace = t.TempDir()

	catalog, err := config.LoadCatalog(filepath.Join(t.TempDir(), "missing-models.json"))
	if err != nil {
		t.Fatal(err)
	}
	sess := sessions.NewManager(sessions.NewFileBacking(root))
	loop := NewLoop(Deps{
		Config:   mgrCfg,
		Catalog:  catalog,
		Sessions: sess,
		Hooks:    hooks.NewRegistry(),
		Events:   events.NewQueue(root),
		Pending:  queue.NewPendingStore(root, nil),
		Engine:   queue.NewEngine(root, nil),
		Usage:    usage.NewTracker(root),
		Memory:   memory.NewStore(root),
		Root:     root,
		Providers: func(_ *config.Config, _ config.ModelRef) (providers.Provider, error) {
			return p, nil
		},
	})
	return &testRig{loop: loop, sessions: sess, provider: p, root: root, cfg: cfg}
}

func TestSimpleTurn(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){reply("hello there")}}
	rig := newRig(t, p)

	key := sessions.BuildDirectKey("main", "telegram", "42")
	text, err := rig.loop.Run(context.Background(), Request{
		AgentID: "main", SessionKey: key, Message: "hi", Channel: "telegram",
	})
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello there" {
		t.Errorf("reply = %q", text)
	}

	history, _ := rig.sessions.History(key, 0)
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Role != sessions.RoleUser || history[1].Role != sessions.RoleAssistant {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}
}

func TestToolLoopWithReflection(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){
		toolUse("memory", map[string]any{"action": "set", "key": "color", "value": "the user likes green"}),
		reply("noted"),
	}}
	rig := newRig(t, p)

	key := sessions.BuildDirectKey("main", "web", "u1")
	text, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "remember green"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "noted" {
		t.Errorf("reply = %q", text)
	}

	history, _ := rig.sessions.History(key, 0)
	var sawCall, sawResult, sawNudge bool
	for _, e := range history {
		switch {
		case e.Type == sessions.TypeToolCall && e.ToolName == "memory":
			sawCall = true
		case e.Type == sessions.TypeToolResult:
			sawResult = true
			if e.IsError {
				t.Errorf("tool result errored: %s", e.Content)
			}
		case e.Role == sessions.RoleUser && e.Content == reflectionNudge:
			sawNudge = true
		}
	}
	if !sawCall || !sawResult || !sawNudge {
		t.Errorf("call=%v result=%v nudge=%v", sawCall, sawResult, sawNudge)
	}
}

func TestReflectionDisabled(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){
		toolUse("memory", map[string]any{"action": "list"}),
		reply("done"),
	}}
	rig := newRig(t, p)
	off := false
	rig.cfg.Agents.Defaults.Reflection = &off

	key := sessions.BuildDirectKey("main", "web", "u2")
	if _, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "x"}); err != nil {
		t.Fatal(err)
	}
	history, _ := rig.sessions.History(key, 0)
	for _, e := range history {
		if e.Content == reflectionNudge {
			t.Error("reflection nudge appended while disabled")
		}
	}
}

func TestOverflowRecoversByPruning(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){
		overflow(),
		reply("recovered"),
	}}
	rig := newRig(t, p)

	key := sessions.BuildDirectKey("main", "web", "u3")
	text, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "big"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "recovered" {
		t.Errorf("reply = %q", text)
	}
	if p.calls != 2 {
		t.Errorf("provider calls = %d", p.calls)
	}
}

func TestNonOverflowErrorFatal(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){
		func() (*providers.ChatResponse, error) {
			return nil, &providers.APIError{Provider: "test", Status: 500, Body: "internal"}
		},
	}}
	rig := newRig(t, p)
	key := sessions.BuildDirectKey("main", "web", "u4")
	if _, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "x"}); err == nil {
		t.Fatal("server error not surfaced")
	}
}

// modelBoundProvider overflows on the primary model and succeeds on any
// other, regardless of how many summary-compaction calls happen between.
type modelBoundProvider struct {
	failModel string
	lastModel string
}

func (p *modelBoundProvider) Name() string { return "test" }

func (p *modelBoundProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.lastModel = req.Model
	if req.Model == p.failModel {
		return nil, &providers.APIError{Provider: "test", Status: 413, Body: "request_too_large"}
	}
	return &providers.ChatResponse{StopReason: providers.StopEndTurn, Content: "from fallback"}, nil
}

func TestModelFallbackAfterCompactionRetries(t *testing.T) {
	p := &modelBoundProvider{failModel: "claude-sonnet-4-5"}
	rig := newRig(t, &scriptedProvider{name: "unused", steps: []func() (*providers.ChatResponse, error){reply("x")}})
	rig.loop.deps.Providers = func(_ *config.Config, _ config.ModelRef) (providers.Provider, error) {
		return p, nil
	}
	rig.cfg.Agents.Defaults.Model = "claude-sonnet-4-5"
	rig.cfg.Agents.Defaults.FallbackModels = []string{"claude-haiku-4-5"}

	key := sessions.BuildDirectKey("main", "web", "u5")
	text, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "from fallback" {
		t.Errorf("reply = %q", text)
	}
	if p.lastModel != "claude-haiku-4-5" {
		t.Errorf("model after fallback = %q", p.lastModel)
	}
}

func TestAbortShortCircuits(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){reply("should not run")}}
	rig := newRig(t, p)

	key := sessions.BuildDirectKey("main", "web", "u6")
	pending := queue.NewPendingStore(rig.root, nil)
	if _, err := pending.HandleBusy(key, queue.PendingMessage{Message: "urgent"}, queue.ModeInterrupt, 0); err != nil {
		t.Fatal(err)
	}

	text, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "" {
		t.Errorf("aborted turn returned %q", text)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times after abort", p.calls)
	}
}

func TestSystemEventsDrainedIntoTurn(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){reply("ok")}}
	rig := newRig(t, p)

	key := sessions.BuildDirectKey("main", "web", "u7")
	evq := events.NewQueue(rig.root)
	evq.Enqueue(key, "cron job finished", "cron")

	if _, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	history, _ := rig.sessions.History(key, 0)
	if len(history) == 0 || !strings.HasPrefix(history[0].Content, "[SYSTEM EVENT]") {
		t.Errorf("history = %+v", history)
	}
}

func TestIdleResetFiresSessionEndHook(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){reply("ok")}}
	rig := newRig(t, p)
	rig.cfg.Session.IdleResetMinutes = 1

	key := sessions.BuildDirectKey("main", "web", "u9")
	rig.sessions.Append(key, sessions.NewMessage(sessions.RoleUser, "stale chatter"))
	rig.sessions.UpdateMeta(key, func(m *sessions.Meta) {
		m.UpdatedAt = time.Now().Add(-time.Hour).UnixMilli()
	})

	var endReason string
	var resetFired bool
	rig.loop.deps.Hooks.Register(hooks.Hook{
		Name: "end", Event: hooks.EventSessionEnd, Enabled: true, Strategy: hooks.StrategySync,
		Fn: func(_ context.Context, p hooks.Payload) (hooks.Payload, error) {
			endReason, _ = p["reason"].(string)
			return nil, nil
		},
	})
	rig.loop.deps.Hooks.Register(hooks.Hook{
		Name: "reset", Event: hooks.EventOnSessionReset, Enabled: true, Strategy: hooks.StrategySync,
		Fn: func(_ context.Context, p hooks.Payload) (hooks.Payload, error) {
			resetFired = true
			return nil, nil
		},
	})

	if _, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	if endReason != "idle_timeout" {
		t.Errorf("session_end reason = %q", endReason)
	}
	if !resetFired {
		t.Error("on_session_reset did not fire")
	}
}

func TestMemoryFlushSkippedForSubagents(t *testing.T) {
	key := sessions.BuildDirectKey("main", "web", "u10")
	big := strings.Repeat("x", 8000)

	run := func(t *testing.T, subagent bool) *scriptedProvider {
		p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){reply("ok")}}
		rig := newRig(t, p)
		rig.cfg.Agents.Defaults.ContextWindow = 25000
		rig.sessions.Append(key, sessions.NewMessage(sessions.RoleUser, big))
		// A compaction since the last flush arms the gate.
		rig.sessions.UpdateMeta(key, func(m *sessions.Meta) { m.CompactionCount = 1 })
		if _, err := rig.loop.Run(context.Background(), Request{
			AgentID: "main", SessionKey: key, Message: "hi", IsSubagent: subagent,
		}); err != nil {
			t.Fatal(err)
		}
		return p
	}

	p := run(t, false)
	var sawFlush bool
	for _, req := range p.seen {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "store any durable facts") {
				sawFlush = true
			}
		}
	}
	if !sawFlush {
		t.Fatal("near-full session did not get a memory flush turn")
	}

	p = run(t, true)
	for _, req := range p.seen {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "store any durable facts") {
				t.Fatal("subagent request got a memory flush turn")
			}
		}
	}
}

func TestUsageTracked(t *testing.T) {
	p := &scriptedProvider{name: "test", steps: []func() (*providers.ChatResponse, error){reply("ok")}}
	rig := newRig(t, p)
	key := sessions.BuildDirectKey("main", "web", "u8")
	if _, err := rig.loop.Run(context.Background(), Request{AgentID: "main", SessionKey: key, Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	meta, _ := rig.sessions.Meta(key)
	if meta.TotalTokens != 15 {
		t.Errorf("totalTokens = %d", meta.TotalTokens)
	}
}

func TestIsSilent(t *testing.T) {
	if !IsSilent("SILENT_REPLY") || !IsSilent("  SILENT_REPLY\n") {
		t.Error("silent token not recognized")
	}
	if IsSilent("SILENT_REPLY but more") {
		t.Error("non-silent reply treated as silent")
	}
}
