// Package agent drives one conversational turn: prompt assembly, the
// provider tool loop, overflow recovery, and session bookkeeping.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/cron"
	"github.com/bashclaw/bashclaw/internal/events"
	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/memory"
	"github.com/bashclaw/bashclaw/internal/providers"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
	"github.com/bashclaw/bashclaw/internal/tools"
	"github.com/bashclaw/bashclaw/internal/usage"
)

const (
	defaultMaxTurns      = 10
	defaultMaxHistory    = 200
	defaultContextWindow = 200000
	defaultMaxTokens     = 8192
	pruneFloor           = 10

	// Context headroom reserved before the memory flush gate triggers.
	memoryFlushHeadroom = 20000
	memoryFlushReserve  = 4000

	maxCompactionRetries = 3

	reflectionNudge = "Analyze the tool result. If complete, provide a final response. If not, decide the next action."

	memoryFlushPrompt = "Context is nearly full and older history will be compacted soon. Review this conversation and store any durable facts, user preferences, decisions, or unfinished tasks into memory now using the memory tool. Reply " + silentReplyToken + " when done."
)

// SilentReply is the literal token an agent emits to deliver nothing.
const SilentReply = silentReplyToken

// Request is one unit of agent work.
type Request struct {
	AgentID     string
	SessionKey  string
	Message     string
	Channel     string
	Sender      string
	IsSubagent  bool
	IsHeartbeat bool
	SpawnDepth  int
}

// ProviderFactory resolves a provider client for a model ref. Swappable
// in tests.
type ProviderFactory func(cfg *config.Config, ref config.ModelRef) (providers.Provider, error)

// Deps wires the loop into the runtime.
type Deps struct {
	Config    *config.Manager
	Catalog   *config.Catalog
	Sessions  *sessions.Manager
	Hooks     *hooks.Registry
	Events    *events.Queue
	Pending   *queue.PendingStore
	Engine    *queue.Engine
	Usage     *usage.Tracker
	Memory    *memory.Store
	Root      *state.Root
	Cron      *cron.Store
	Router    bus.MessageRouter  // may be nil (CLI one-shot)
	Publisher bus.EventPublisher // may be nil
	Providers ProviderFactory    // nil = providers.ForModel
	Audit     tools.AuditSink    // may be nil
}

// Loop runs agent turns.
type Loop struct {
	deps      Deps
	compactor *sessions.Compactor
}

func NewLoop(deps Deps) *Loop {
	if deps.Providers == nil {
		deps.Providers = providers.ForModel
	}
	return &Loop{deps: deps, compactor: sessions.NewCompactor(deps.Sessions)}
}

// Call lets tools (agent_message, spawn) re-enter the loop as subagents.
func (l *Loop) Call(ctx context.Context, agentID, sessionKey, message string) (string, error) {
	return l.Run(ctx, Request{
		AgentID:    agentID,
		SessionKey: sessionKey,
		Message:    message,
		IsSubagent: true,
	})
}

// Run executes one full turn and returns the final assistant text (which
// may be the SILENT_REPLY token).
func (l *Loop) Run(ctx context.Context, req Request) (string, error) {
	tracer := otel.Tracer("bashclaw/agent")
	ctx, span := tracer.Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.String("session.key", req.SessionKey),
		attribute.Bool("agent.subagent", req.IsSubagent),
	)
	defer span.End()

	cfg := l.deps.Config.Current()
	spec := cfg.ResolveAgent(req.AgentID)

	models := append([]string{spec.Model}, spec.FallbackModels...)
	if models[0] == "" {
		models[0] = "claude-sonnet-4-5"
	}

	l.deps.Hooks.Dispatch(ctx, hooks.EventBeforeAgentStart, hooks.Payload{
		"agent_id": req.AgentID, "session_key": req.SessionKey,
	})
	l.broadcast(bus.Event{Name: bus.EventAgentStart, Payload: req.SessionKey})

	// Idle reset and first-turn hook.
	if cfg.Session.IdleResetMinutes > 0 {
		if reset, _ := l.deps.Sessions.IdleResetIfStale(req.SessionKey, cfg.Session.IdleResetMinutes); reset {
			l.deps.Hooks.Dispatch(ctx, hooks.EventSessionEnd, hooks.Payload{
				"session_key": req.SessionKey, "reason": "idle_timeout",
			})
			l.deps.Hooks.Dispatch(ctx, hooks.EventOnSessionReset, hooks.Payload{"session_key": req.SessionKey})
		}
	}
	if history, _ := l.deps.Sessions.History(req.SessionKey, 1); len(history) == 0 {
		l.deps.Hooks.Dispatch(ctx, hooks.EventSessionStart, hooks.Payload{"session_key": req.SessionKey})
	}

	text, err := l.run(ctx, req, cfg, spec, models, false)

	l.deps.Hooks.Dispatch(ctx, hooks.EventPostMessage, hooks.Payload{
		"agent_id": req.AgentID, "session_key": req.SessionKey, "reply": text,
	})
	l.deps.Hooks.Dispatch(ctx, hooks.EventAgentEnd, hooks.Payload{
		"agent_id": req.AgentID, "session_key": req.SessionKey,
	})
	l.broadcast(bus.Event{Name: bus.EventAgentEnd, Payload: req.SessionKey})
	if err != nil {
		span.RecordError(err)
	}
	return text, err
}

func (l *Loop) run(ctx context.Context, req Request, cfg *config.Config, spec config.AgentSpec, models []string, isFlushTurn bool) (string, error) {
	key := req.SessionKey
	mgr := l.deps.Sessions

	contextWindow, maxTokens, modelIdx := spec.ContextWindow, spec.MaxTokens, 0
	ref, provider, err := l.resolveModel(cfg, models[modelIdx])
	if err != nil {
		return "", err
	}
	if contextWindow == 0 {
		contextWindow = ref.Model.ContextWindow
	}
	if contextWindow == 0 {
		contextWindow = defaultContextWindow
	}
	if maxTokens == 0 {
		maxTokens = ref.Model.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	// Memory flush gate: before the window fills, give the model one turn
	// to persist durable memories. Skipped for subagents, spawn/cron
	// sessions, and re-entry.
	if !isFlushTurn && !req.IsSubagent && !sessions.IsSpawnKey(key) && boolVal(spec.MemoryEnabled, true) {
		meta, _ := mgr.Meta(key)
		if mgr.EstimatedTokens(key) > contextWindow-memoryFlushHeadroom-memoryFlushReserve &&
			meta.MemoryFlushCompactionCount != meta.CompactionCount {
			flushReq := req
			flushReq.Message = memoryFlushPrompt
			if _, err := l.run(ctx, flushReq, cfg, spec, models, true); err != nil {
				slog.Warn("memory flush turn failed", "session", key, "error", err)
			}
			mgr.UpdateMeta(key, func(m *sessions.Meta) {
				m.MemoryFlushCompactionCount = m.CompactionCount
			})
		}
	}

	// Drain background events into the conversation ahead of the message.
	if drained, _ := l.deps.Events.Drain(key); len(drained) > 0 {
		mgr.Append(key, sessions.NewMessage(sessions.RoleUser, events.RenderDrained(drained)))
	}

	userMessage := req.Message
	p := l.deps.Hooks.Dispatch(ctx, hooks.EventPreMessage, hooks.Payload{
		"session_key": key, "content": userMessage,
	})
	if next, ok := p["content"].(string); ok {
		userMessage = next
	}
	if err := mgr.Append(key, sessions.NewMessage(sessions.RoleUser, userMessage)); err != nil {
		return "", fmt.Errorf("append user message: %w", err)
	}

	reg, policy := l.buildTools(cfg, spec, req)
	toolNames := policy.FilterTools(reg)

	systemPrompt := BuildSystemPrompt(PromptInput{
		AgentID:        req.AgentID,
		SystemPrompt:   spec.SystemPrompt,
		Workspace:      spec.Workspace,
		StateDir:       filepath.Join(l.deps.Root.Dir(), "agents", state.SafeKey(req.AgentID)),
		ToolNames:      toolNames,
		MemoryEnabled:  boolVal(spec.MemoryEnabled, true),
		Channel:        req.Channel,
		IsSubagent:     req.IsSubagent,
		IsHeartbeat:    req.IsHeartbeat,
		SoulEvilChance: spec.SoulEvilChance,
		SoulEvilWindow: spec.SoulEvilWindow,
	})

	maxTurns := spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	maxHistory := cfg.Session.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}

	var (
		finalText       string
		ladderLevel     int
		compactionTries int
		restarted       bool
	)

	for turn := 0; turn < maxTurns; turn++ {
		if l.deps.Pending != nil && l.deps.Pending.CheckAbort(key) {
			slog.Info("turn aborted", "session", key)
			return finalText, nil
		}

		l.maybeCompact(ctx, cfg, key, contextWindow, provider, ref.Model.ID)

		history, err := mgr.History(key, maxHistory)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}

		resp, err := provider.Chat(ctx, providers.ChatRequest{
			Messages:    sessions.ToProviderMessages(history),
			Tools:       reg.Definitions(toolNames),
			Model:       ref.Model.ID,
			System:      systemPrompt,
			MaxTokens:   maxTokens,
			Temperature: spec.Temperature,
		})
		if err != nil {
			if !providers.IsOverflow(err) {
				l.deps.Hooks.Dispatch(ctx, hooks.EventOnError, hooks.Payload{
					"session_key": key, "error": err.Error(),
				})
				return "", err
			}
			switch {
			case ladderLevel == 0:
				half := maxHistory / 2
				if half < pruneFloor {
					half = pruneFloor
				}
				mgr.PruneToMaxHistory(key, half)
			case compactionTries < maxCompactionRetries:
				compactionTries++
				l.compactWithHooks(ctx, key, sessions.CompactSummary, cfg.Session.ReserveTokens, provider, ref.Model.ID)
			case modelIdx+1 < len(models):
				modelIdx++
				ref, provider, err = l.resolveModel(cfg, models[modelIdx])
				if err != nil {
					return "", err
				}
				slog.Warn("overflow: switched to fallback model", "session", key, "model", models[modelIdx])
			case !restarted:
				restarted = true
				ladderLevel, compactionTries = 0, 0
				mgr.Clear(key)
				mgr.Append(key, sessions.NewMessage(sessions.RoleUser, userMessage))
				slog.Warn("overflow: cleared session and restarted", "session", key)
			default:
				return "", fmt.Errorf("context overflow not recoverable: %w", err)
			}
			ladderLevel++
			turn-- // recovery steps do not consume turns
			continue
		}

		l.trackUsage(req.AgentID, ref.Model.ID, key, resp.Usage)

		if resp.StopReason != providers.StopToolUse {
			finalText = resp.Content
			if finalText != "" {
				mgr.Append(key, sessions.NewMessage(sessions.RoleAssistant, finalText))
			}
			break
		}

		if resp.Content != "" {
			mgr.Append(key, sessions.NewMessage(sessions.RoleAssistant, resp.Content))
		}
		for _, call := range resp.ToolCalls {
			mgr.Append(key, sessions.NewToolCall(call))
			result := l.executeTool(ctx, reg, policy, key, call)
			content := result.ForLLM
			tp := l.deps.Hooks.Dispatch(ctx, hooks.EventToolResultPersist, hooks.Payload{
				"session_key": key, "tool": call.Name, "content": content, "is_error": result.IsError,
			})
			if next, ok := tp["content"].(string); ok {
				content = next
			}
			mgr.Append(key, sessions.NewToolResult(call.ID, content, result.IsError))
			l.broadcast(bus.Event{Name: bus.EventToolResult, Payload: call.Name})
		}
		if boolVal(spec.Reflection, true) {
			mgr.Append(key, sessions.NewMessage(sessions.RoleUser, reflectionNudge))
		}
	}

	mgr.PruneToMaxHistory(key, maxHistory)
	return finalText, nil
}

func (l *Loop) resolveModel(cfg *config.Config, model string) (config.ModelRef, providers.Provider, error) {
	ref, err := l.deps.Catalog.Resolve(model)
	if err != nil {
		return config.ModelRef{}, nil, err
	}
	provider, err := l.deps.Providers(cfg, ref)
	if err != nil {
		return config.ModelRef{}, nil, err
	}
	return ref, provider, nil
}

// maybeCompact runs threshold-driven compaction before a provider call.
func (l *Loop) maybeCompact(ctx context.Context, cfg *config.Config, key string, contextWindow int, provider providers.Provider, model string) {
	threshold := cfg.Session.CompactionThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	if float64(l.deps.Sessions.EstimatedTokens(key)) < float64(contextWindow)*threshold {
		return
	}
	mode := cfg.Session.CompactionMode
	if mode == "" {
		mode = sessions.CompactSummary
	}
	l.compactWithHooks(ctx, key, mode, cfg.Session.ReserveTokens, provider, model)
}

func (l *Loop) compactWithHooks(ctx context.Context, key, mode string, reserveTokens int, provider providers.Provider, model string) {
	l.deps.Hooks.Dispatch(ctx, hooks.EventBeforeCompaction, hooks.Payload{"session_key": key, "mode": mode})
	if err := l.compactor.Compact(ctx, key, mode, reserveTokens, provider, model); err != nil {
		slog.Warn("compaction failed", "session", key, "mode", mode, "error", err)
		return
	}
	l.deps.Hooks.Dispatch(ctx, hooks.EventAfterCompaction, hooks.Payload{"session_key": key, "mode": mode})
}

func (l *Loop) executeTool(ctx context.Context, reg *tools.Registry, policy *tools.Policy, key string, call providers.ToolCall) *tools.Result {
	t, ok := reg.Get(call.Name)
	if !ok {
		return tools.ErrorResult(toolErrJSON("unknown tool: " + call.Name))
	}
	if err := policy.CheckElevation(t, key); err != nil {
		return tools.ErrorResult(toolErrJSON(err.Error()))
	}
	ctx, span := otel.Tracer("bashclaw/agent").Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()
	l.broadcast(bus.Event{Name: bus.EventToolCall, Payload: call.Name})
	res := reg.Execute(ctx, call.Name, call.Input)
	if res != nil && res.IsError {
		span.SetAttributes(attribute.Bool("tool.error", true))
	}
	return res
}

// buildTools assembles the per-turn tool registry and policy.
func (l *Loop) buildTools(cfg *config.Config, spec config.AgentSpec, req Request) (*tools.Registry, *tools.Policy) {
	reg := tools.NewRegistry(l.deps.Hooks)

	workspace := spec.Workspace
	if req.IsSubagent {
		workspace = "" // subagents get no workspace file access
	}
	if workspace != "" {
		reg.Register(tools.NewReadFileTool(workspace))
		reg.Register(tools.NewWriteFileTool(workspace))
		reg.Register(tools.NewListFilesTool(workspace))
		reg.Register(tools.NewFileSearchTool(workspace))
		reg.Register(tools.NewShellTool(workspace, cfg.Security.ShellTimeoutSecs, l.deps.Audit, req.SessionKey))
	}
	reg.Register(tools.NewWebFetchTool(cfg.Tools.WebFetchMaxCh))
	reg.Register(tools.NewWebSearchTool(cfg.Providers.Brave.APIKey, cfg.Providers.Perplexity.APIKey))
	if boolVal(spec.MemoryEnabled, true) {
		reg.Register(tools.NewMemoryTool(l.deps.Memory, workspace))
	}
	if l.deps.Cron != nil {
		reg.Register(tools.NewCronTool(l.deps.Cron, req.AgentID))
	}
	reg.Register(tools.NewAgentMessageTool(l, req.AgentID, func() []string { return agentIDs(cfg) }))
	if l.deps.Engine != nil {
		reg.Register(tools.NewSpawnTool(l, l.deps.Engine, l.deps.Events, l.deps.Root, req.AgentID, req.SessionKey, req.SpawnDepth))
	}
	reg.Register(tools.NewSpawnStatusTool(l.deps.Root))
	if l.deps.Router != nil {
		reg.Register(tools.NewSendMessageTool(l.deps.Router))
	}

	profile := spec.ToolProfile
	if profile == "" {
		profile = cfg.Tools.Profile
	}
	policy := tools.NewPolicy(profile, spec.ToolsAllow, spec.ToolsDeny,
		cfg.Security.ElevatedTools, req.IsSubagent, l.deps.Root, l.deps.Audit)
	return reg, policy
}

func (l *Loop) broadcast(ev bus.Event) {
	if l.deps.Publisher != nil {
		l.deps.Publisher.Broadcast(ev)
	}
}

func (l *Loop) trackUsage(agentID, model, key string, u providers.Usage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	if l.deps.Usage != nil {
		l.deps.Usage.Track(usage.Record{
			AgentID:      agentID,
			Model:        model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			Timestamp:    time.Now().UnixMilli(),
		})
	}
	l.deps.Sessions.AccumulateTokens(key, u.InputTokens, u.OutputTokens)
}

func agentIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Agents.List))
	for _, e := range cfg.Agents.List {
		ids = append(ids, e.ID)
	}
	return ids
}

func boolVal(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func toolErrJSON(reason string) string {
	b, _ := json.Marshal(map[string]string{"error": reason})
	return string(b)
}

// IsSilent reports whether a reply is the silent token (surrounding
// whitespace tolerated).
func IsSilent(reply string) bool {
	return strings.TrimSpace(reply) == SilentReply
}
