package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bashclaw/bashclaw/internal/agent"
	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/channels"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/events"
	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/memory"
	"github.com/bashclaw/bashclaw/internal/providers"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/routing"
	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
	"github.com/bashclaw/bashclaw/internal/usage"
)

type stubProvider struct{ text string }

func (p stubProvider) Name() string { return "stub" }

func (p stubProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{StopReason: providers.StopEndTurn, Content: p.text}, nil
}

type rig struct {
	server     *Server
	dispatcher *Dispatcher
	bus        *bus.MessageBus
	cfg        *config.Config
	cfgMgr     *config.Manager
	sessions   *sessions.Manager
	engine     *queue.Engine
}

func newRig(t *testing.T, replyText string) *rig {
	t.Helper()
	return newRigWithProvider(t, stubProvider{text: replyText})
}

func newRigWithProvider(t *testing.T, provider providers.Provider) *rig {
	t.Helper()
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	cfgMgr, err := config.NewManager(filepath.Join(t.TempDir(), "bashclaw.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cfgMgr.Close)
	cfg := cfgMgr.Current()
	cfg.Agents.Defaults.Workspace = t.TempDir()

	catalog, err := config.LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	sess := sessions.NewManager(sessions.NewFileBacking(root))
	engine := queue.NewEngine(root, nil)
	pending := queue.NewPendingStore(root, nil)
	mb := bus.NewMessageBus()
	hookReg := hooks.NewRegistry()

	loop := agent.NewLoop(agent.Deps{
		Config:   cfgMgr,
		Catalog:  catalog,
		Sessions: sess,
		Hooks:    hookReg,
		Events:   events.NewQueue(root),
		Pending:  pending,
		Engine:   engine,
		Usage:    usage.NewTracker(root),
		Memory:   memory.NewStore(root),
		Root:     root,
		Providers: func(*config.Config, config.ModelRef) (providers.Provider, error) {
			return provider, nil
		},
	})

	gate := routing.NewGatekeeper(nil, nil, nil)
	dispatcher := NewDispatcher(cfgMgr, loop, mb, engine, pending, gate, nil, hookReg)

	server := NewServer(ServerDeps{
		Config:    cfgMgr,
		Catalog:   catalog,
		Sessions:  sess,
		Channels:  channels.NewManager(mb),
		Loop:      loop,
		Dispatch:  dispatcher,
		Publisher: mb,
	})
	return &rig{server: server, dispatcher: dispatcher, bus: mb, cfg: cfg, cfgMgr: cfgMgr, sessions: sess, engine: engine}
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestChatEndpoint(t *testing.T) {
	r := newRig(t, "hello from agent")
	mux := r.server.mux()

	w := postJSON(t, mux, "/api/chat", map[string]string{"message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["text"] != "hello from agent" {
		t.Errorf("text = %q", resp["text"])
	}
}

func TestChatRequiresMessage(t *testing.T) {
	r := newRig(t, "x")
	w := postJSON(t, r.server.mux(), "/api/chat", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestChatSilentReplyMapsToEmpty(t *testing.T) {
	r := newRig(t, "SILENT_REPLY")
	w := postJSON(t, r.server.mux(), "/api/chat", map[string]string{"message": "hi"})
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["text"] != "" {
		t.Errorf("silent reply leaked: %q", resp["text"])
	}
}

func TestAuthToken(t *testing.T) {
	r := newRig(t, "x")
	r.cfg.Gateway.Token = "secret"
	mux := r.server.mux()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := newRig(t, "x")
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	r.server.mux().ServeHTTP(w, req)

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status body = %v", resp)
	}
	if _, ok := resp["agents"].([]any); !ok {
		t.Errorf("agents missing: %v", resp)
	}
}

func TestConfigEndpointMasksSecrets(t *testing.T) {
	r := newRig(t, "x")
	r.cfg.Gateway.Token = "secret"
	r.cfg.Providers.Anthropic.APIKey = "sk-ant-verysecret"

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.server.mux().ServeHTTP(w, req)

	body := w.Body.String()
	if bytes.Contains([]byte(body), []byte("verysecret")) {
		t.Error("api key leaked in config response")
	}
	if !bytes.Contains([]byte(body), []byte("***")) {
		t.Error("mask marker missing")
	}
}

func TestModelsEndpoint(t *testing.T) {
	r := newRig(t, "x")
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	w := httptest.NewRecorder()
	r.server.mux().ServeHTTP(w, req)

	var resp struct {
		Models []map[string]any `json:"models"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Models) == 0 {
		t.Error("no models in catalog response")
	}
}

func TestSessionsClearValidation(t *testing.T) {
	r := newRig(t, "x")
	w := postJSON(t, r.server.mux(), "/api/sessions/clear", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestDispatcherDeliversReply(t *testing.T) {
	r := newRig(t, "pong")
	ctx := context.Background()

	r.dispatcher.Handle(ctx, bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "u1",
		ChatID:   "chat1",
		Content:  "ping",
		PeerKind: "direct",
	})

	consumeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, ok := r.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Channel != "telegram" || out.ChatID != "chat1" || out.Content != "pong" {
		t.Errorf("outbound = %+v", out)
	}
}

func TestDispatcherSuppressesSilent(t *testing.T) {
	r := newRig(t, "SILENT_REPLY")
	r.dispatcher.Handle(context.Background(), bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "x", PeerKind: "direct",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if out, ok := r.bus.ConsumeOutbound(ctx); ok {
		t.Errorf("silent reply delivered: %+v", out)
	}
}

func TestDispatcherAutoReply(t *testing.T) {
	r := newRig(t, "agent should not run")
	r.cfg.Channels = config.ChannelsConfig{
		"telegram": {AutoReplies: []config.AutoReply{{Pattern: "ping|are you there", Response: "pong!"}}},
	}
	r.dispatcher.Handle(context.Background(), bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "PING", PeerKind: "direct",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, ok := r.bus.ConsumeOutbound(ctx)
	if !ok || out.Content != "pong!" {
		t.Errorf("auto reply = %+v ok=%v", out, ok)
	}
}

func TestDispatcherGroupDisabled(t *testing.T) {
	r := newRig(t, "nope")
	r.cfg.Channels = config.ChannelsConfig{"telegram": {GroupPolicy: "disabled"}}
	r.dispatcher.Handle(context.Background(), bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "g1", Content: "x", PeerKind: "group",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if out, ok := r.bus.ConsumeOutbound(ctx); ok {
		t.Errorf("disabled group got reply: %+v", out)
	}
}

func TestDispatcherSessionKeyScopes(t *testing.T) {
	r := newRig(t, "x")
	cfg := r.cfgMgr.Current()

	msg := bus.InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1", PeerKind: "direct"}
	if key := r.dispatcher.sessionKey(cfg, "main", msg); key != "agent:main:main" {
		t.Errorf("default dm scope key = %q", key)
	}

	cfg.Session.DMScope = sessions.ScopePerChannelPeer
	if key := r.dispatcher.sessionKey(cfg, "main", msg); key != "agent:main:telegram:direct:c1" {
		t.Errorf("per-channel-peer key = %q", key)
	}

	msg.PeerKind = "group"
	msg.ChatID = "g9"
	if key := r.dispatcher.sessionKey(cfg, "main", msg); key != "agent:main:telegram:group:g9" {
		t.Errorf("group key = %q", key)
	}

	msg.SessionKey = "agent:main:custom"
	if key := r.dispatcher.sessionKey(cfg, "main", msg); key != "agent:main:custom" {
		t.Errorf("explicit key not honored: %q", key)
	}
}

// gatedProvider blocks its first call until released, so tests can park
// messages against a busy session.
type gatedProvider struct {
	block chan struct{}

	mu      sync.Mutex
	calls   int
	prompts []string
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	p.prompts = append(p.prompts, last)
	p.mu.Unlock()
	if n == 1 {
		<-p.block
	}
	return &providers.ChatResponse{StopReason: providers.StopEndTurn, Content: fmt.Sprintf("reply %d", n)}, nil
}

func (p *gatedProvider) prompt(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.prompts) {
		return ""
	}
	return p.prompts[i]
}

func (r *rig) waitBusy(t *testing.T, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.engine.IsBusy(key) {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherRunsBacklogAfterBusyTurn(t *testing.T) {
	p := &gatedProvider{block: make(chan struct{})}
	r := newRigWithProvider(t, p)
	ctx := context.Background()

	go r.dispatcher.Handle(ctx, bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "first", PeerKind: "direct",
	})
	r.waitBusy(t, "agent:main:main")

	// Arrives mid-turn: parked as a followup, delivered once the turn ends.
	r.dispatcher.Handle(ctx, bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "c2", Content: "second", PeerKind: "direct",
	})
	close(p.block)

	consumeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	first, ok := r.bus.ConsumeOutbound(consumeCtx)
	if !ok || first.Content != "reply 1" {
		t.Fatalf("first outbound = %+v ok=%v", first, ok)
	}
	second, ok := r.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("queued followup never produced a turn")
	}
	if second.Content != "reply 2" || second.ChatID != "c2" {
		t.Errorf("followup outbound = %+v", second)
	}
}

func TestDispatcherFlushesCollectWindow(t *testing.T) {
	p := &gatedProvider{block: make(chan struct{})}
	r := newRigWithProvider(t, p)
	r.cfg.Session.QueueMode = queue.ModeCollect
	ctx := context.Background()

	go r.dispatcher.Handle(ctx, bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "first", PeerKind: "direct",
	})
	r.waitBusy(t, "agent:main:main")

	r.dispatcher.Handle(ctx, bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "second", PeerKind: "direct",
	})
	r.dispatcher.Handle(ctx, bus.InboundMessage{
		Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "third", PeerKind: "direct",
	})
	close(p.block)

	consumeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	first, ok := r.bus.ConsumeOutbound(consumeCtx)
	if !ok || first.Content != "reply 1" {
		t.Fatalf("first outbound = %+v ok=%v", first, ok)
	}
	// The collect window (1s minimum debounce) closes and the batch runs
	// as one merged turn.
	merged, ok := r.bus.ConsumeOutbound(consumeCtx)
	if !ok {
		t.Fatal("collect window never flushed a turn")
	}
	if merged.Content != "reply 2" {
		t.Errorf("merged outbound = %+v", merged)
	}
	got := p.prompt(1)
	if !strings.Contains(got, "Messages received while you were busy:") ||
		!strings.Contains(got, "- second") || !strings.Contains(got, "- third") {
		t.Errorf("merged prompt = %q", got)
	}
}
