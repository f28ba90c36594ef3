package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/bashclaw/bashclaw/internal/agent"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/sessions"
)

const heartbeatPrompt = "Heartbeat check-in. Review HEARTBEAT.md and any pending system events."

// Heartbeat periodically wakes each agent for an autonomous check-in turn.
// Disabled unless session.heartbeatMinutes > 0.
type Heartbeat struct {
	cfg    *config.Manager
	loop   *agent.Loop
	engine *queue.Engine
}

func NewHeartbeat(cfg *config.Manager, loop *agent.Loop, engine *queue.Engine) *Heartbeat {
	return &Heartbeat{cfg: cfg, loop: loop, engine: engine}
}

// Run ticks every minute and fires when the configured interval has
// elapsed. Interval changes via config reload take effect on the next tick.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			minutes := h.cfg.Current().Session.HeartbeatMinutes
			if minutes <= 0 {
				continue
			}
			if !last.IsZero() && now.Sub(last) < time.Duration(minutes)*time.Minute {
				continue
			}
			last = now
			h.fire(ctx)
		}
	}
}

func (h *Heartbeat) fire(ctx context.Context) {
	cfg := h.cfg.Current()
	ids := []string{cfg.ResolveDefaultAgentID()}
	for _, e := range cfg.Agents.List {
		if e.ID != ids[0] {
			ids = append(ids, e.ID)
		}
	}
	for _, agentID := range ids {
		key := sessions.BuildHeartbeatKey(agentID)
		if h.engine.IsBusy(key) {
			continue
		}
		id := agentID
		go func() {
			err := h.engine.DualEnqueue(ctx, key, queue.LaneCron, func(ctx context.Context) error {
				reply, err := h.loop.Run(ctx, agent.Request{
					AgentID:     id,
					SessionKey:  key,
					Message:     heartbeatPrompt,
					Channel:     "system",
					IsHeartbeat: true,
				})
				if err != nil {
					return err
				}
				if reply != "" && !agent.IsSilent(reply) {
					slog.Info("heartbeat surfaced output", "agent", id, "chars", len(reply))
				}
				return nil
			})
			if err != nil {
				slog.Error("heartbeat turn failed", "agent", id, "error", err)
			}
		}()
	}
}
