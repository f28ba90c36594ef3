// Package hooks dispatches lifecycle events to registered hooks. A hook is
// either an in-process function or an external script; dispatch strategy is
// void (parallel fire-and-forget), modifying (serial payload pipeline), or
// sync (serial, blocking, no transformation).
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Strategies.
const (
	StrategyVoid      = "void"
	StrategyModifying = "modifying"
	StrategySync      = "sync"
)

// Events.
const (
	EventPreMessage        = "pre_message"
	EventPostMessage       = "post_message"
	EventMessageReceived   = "message_received"
	EventMessageSending    = "message_sending"
	EventMessageSent       = "message_sent"
	EventPreTool           = "pre_tool"
	EventPostTool          = "post_tool"
	EventToolResultPersist = "tool_result_persist"
	EventSessionStart      = "session_start"
	EventSessionEnd        = "session_end"
	EventOnSessionReset    = "on_session_reset"
	EventBeforeCompaction  = "before_compaction"
	EventAfterCompaction   = "after_compaction"
	EventBeforeAgentStart  = "before_agent_start"
	EventAgentEnd          = "agent_end"
	EventGatewayStart      = "gateway_start"
	EventGatewayStop       = "gateway_stop"
	EventOnError           = "on_error"
)

// defaultStrategy fixes the dispatch strategy per event; a hook may
// override in its registration.
var defaultStrategy = map[string]string{
	EventPreMessage:        StrategyModifying,
	EventPostMessage:       StrategyVoid,
	EventMessageReceived:   StrategyVoid,
	EventMessageSending:    StrategyModifying,
	EventMessageSent:       StrategyVoid,
	EventPreTool:           StrategyModifying,
	EventPostTool:          StrategyModifying,
	EventToolResultPersist: StrategyModifying,
	EventSessionStart:      StrategyVoid,
	EventSessionEnd:        StrategyVoid,
	EventOnSessionReset:    StrategyVoid,
	EventBeforeCompaction:  StrategySync,
	EventAfterCompaction:   StrategyVoid,
	EventBeforeAgentStart:  StrategySync,
	EventAgentEnd:          StrategyVoid,
	EventGatewayStart:      StrategyVoid,
	EventGatewayStop:       StrategySync,
	EventOnError:           StrategyVoid,
}

// DefaultStrategy returns the fixed strategy for an event (void for
// unknown events).
func DefaultStrategy(event string) string {
	if s, ok := defaultStrategy[event]; ok {
		return s
	}
	return StrategyVoid
}

// Payload is the event payload passed through hooks.
type Payload map[string]any

// Func is an in-process hook.
type Func func(ctx context.Context, p Payload) (Payload, error)

// Hook is one registration.
type Hook struct {
	Name     string
	Event    string
	Fn       Func   // in-process hook
	Script   string // external script hook (mutually exclusive with Fn)
	Enabled  bool
	Priority int    // ascending execution order
	Strategy string // override; "" = event default
	Source   string // config | builtin | api
}

const scriptTimeout = 10 * time.Second

// Registry holds hooks grouped by event.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string][]Hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string][]Hook)}
}

// Register adds a hook. Hooks on the same event run in ascending priority.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[h.Event] = append(r.hooks[h.Event], h)
	sort.SliceStable(r.hooks[h.Event], func(i, j int) bool {
		return r.hooks[h.Event][i].Priority < r.hooks[h.Event][j].Priority
	})
}

// Unregister removes all hooks with the given name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for event, list := range r.hooks {
		kept := list[:0]
		for _, h := range list {
			if h.Name != name {
				kept = append(kept, h)
			}
		}
		r.hooks[event] = kept
	}
}

// List returns all registrations for an event ("" = all), priority order.
func (r *Registry) List(event string) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if event != "" {
		return append([]Hook(nil), r.hooks[event]...)
	}
	var all []Hook
	for _, list := range r.hooks {
		all = append(all, list...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Event != all[j].Event {
			return all[i].Event < all[j].Event
		}
		return all[i].Priority < all[j].Priority
	})
	return all
}

// Dispatch fires an event. The returned payload reflects modifying hooks;
// void hooks run in the background, sync hooks block without transforming.
func (r *Registry) Dispatch(ctx context.Context, event string, p Payload) Payload {
	r.mu.RLock()
	list := append([]Hook(nil), r.hooks[event]...)
	r.mu.RUnlock()
	if len(list) == 0 {
		return p
	}

	for _, h := range list {
		if !h.Enabled {
			continue
		}
		strategy := h.Strategy
		if strategy == "" {
			strategy = DefaultStrategy(event)
		}
		switch strategy {
		case StrategyModifying:
			next, err := r.invoke(ctx, h, event, p)
			if err != nil {
				slog.Warn("modifying hook failed, payload unchanged",
					"hook", h.Name, "event", event, "error", err)
				continue
			}
			if next != nil {
				p = next
			}
		case StrategySync:
			if _, err := r.invoke(ctx, h, event, p); err != nil {
				slog.Warn("sync hook failed", "hook", h.Name, "event", event, "error", err)
			}
		default: // void
			go func(h Hook, snapshot Payload) {
				if _, err := r.invoke(context.WithoutCancel(ctx), h, event, snapshot); err != nil {
					slog.Debug("void hook failed", "hook", h.Name, "event", event, "error", err)
				}
			}(h, clonePayload(p))
		}
	}
	return p
}

func (r *Registry) invoke(ctx context.Context, h Hook, event string, p Payload) (Payload, error) {
	if h.Fn != nil {
		return h.Fn(ctx, p)
	}
	return runScript(ctx, h.Script, event, p)
}

// runScript executes a script hook: payload JSON on stdin, transformed
// payload (optional) on stdout.
func runScript(ctx context.Context, script, event string, p Payload) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	input, err := json.Marshal(map[string]any{"event": event, "payload": p})
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, script)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var next Payload
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(out, &next); err != nil {
		// Non-JSON output is informational, not a transformation.
		return nil, nil
	}
	return next, nil
}

func clonePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
