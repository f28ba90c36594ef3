package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/bashclaw/bashclaw/internal/agent"
	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/routing"
	"github.com/bashclaw/bashclaw/internal/sessions"
)

// Dispatcher runs the inbound pipeline: guard, identity, resolution,
// admission, dedup, debounce, queueing, the agent turn, and reply delivery.
type Dispatcher struct {
	cfg      *config.Manager
	loop     *agent.Loop
	bus      bus.MessageRouter
	engine   *queue.Engine
	pending  *queue.PendingStore
	gate     *routing.Gatekeeper
	dedup    *routing.Deduper
	debounce *routing.Debouncer
	hooks    *hooks.Registry
}

// NewDispatcher wires the pipeline. dedup may be nil to disable
// deduplication (tests).
func NewDispatcher(cfg *config.Manager, loop *agent.Loop, router bus.MessageRouter,
	engine *queue.Engine, pending *queue.PendingStore, gate *routing.Gatekeeper,
	dedup *routing.Deduper, hookReg *hooks.Registry) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		loop:     loop,
		bus:      router,
		engine:   engine,
		pending:  pending,
		gate:     gate,
		dedup:    dedup,
		debounce: routing.NewDebouncer(),
		hooks:    hookReg,
	}
	// Collect windows that close while the session is idle flush through
	// the dispatcher as a merged turn.
	pending.SetFlush(d.flushCollected)
	return d
}

// Run consumes inbound messages until ctx is cancelled. Each message is
// handled on its own goroutine; session serialization happens in the queue
// engine, not here.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go d.Handle(ctx, msg)
	}
}

// Handle runs the full pipeline for one inbound message.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) {
	cfg := d.cfg.Current()

	msg.SenderID = routing.CanonicalSender(cfg, msg.Channel, msg.SenderID)

	agentID := msg.AgentID
	if agentID == "" {
		agentID = routing.ResolveAgent(cfg, routing.Target{
			Channel:   msg.Channel,
			Sender:    msg.SenderID,
			GuildID:   msg.Metadata["guild_id"],
			TeamID:    msg.Metadata["team_id"],
			AccountID: msg.Metadata["account_id"],
		})
	}

	decision := d.gate.Admit(cfg, msg)
	switch decision.Verdict {
	case routing.VerdictDeny:
		return
	case routing.VerdictAutoReply, routing.VerdictPairing:
		d.deliver(ctx, msg, decision.Reply)
		return
	}

	if d.dedup != nil && d.dedup.Seen(msg.Channel, msg.SenderID, msg.Metadata["message_id"], msg.Content) {
		slog.Debug("duplicate message dropped", "channel", msg.Channel, "sender", msg.SenderID)
		return
	}

	spec := cfg.ResolveAgent(agentID)
	content, blocked := GuardMessage(spec, msg.Channel, msg.SenderID, msg.Content)
	if blocked {
		return
	}
	msg.Content = content

	chSpec := cfg.Channel(msg.Channel)
	if chSpec.DebounceMs > 0 {
		window := time.Duration(chSpec.DebounceMs) * time.Millisecond
		key := msg.Channel + ":" + msg.SenderID + ":" + msg.ChatID
		d.debounce.Submit(key, msg.Content, window, func(merged string) {
			m := msg
			m.Content = merged
			d.process(ctx, cfg, agentID, m)
		})
		return
	}
	d.process(ctx, cfg, agentID, msg)
}

// process queues the turn (or parks the message if the session is busy)
// and delivers the reply.
func (d *Dispatcher) process(ctx context.Context, cfg *config.Config, agentID string, msg bus.InboundMessage) {
	d.hooks.Dispatch(ctx, hooks.EventMessageReceived, hooks.Payload{
		"channel": msg.Channel, "sender": msg.SenderID, "content": msg.Content,
	})

	key := d.sessionKey(cfg, agentID, msg)

	if d.engine.IsBusy(key) {
		mode := cfg.Session.QueueMode
		if mode == "" {
			mode = queue.ModeFollowup
		}
		debounce := time.Duration(cfg.Session.QueueDebounceMs) * time.Millisecond
		disp, err := d.pending.HandleBusy(key, pendingFromInbound(agentID, msg), mode, debounce)
		if err != nil {
			slog.Error("busy handling failed", "session", key, "error", err)
			return
		}
		slog.Info("session busy", "session", key, "disposition", disp)
		if disp != queue.DispInterrupted {
			return
		}
		// Interrupt falls through: the new message runs once the aborted
		// turn releases the session lock.
	}

	lane := msg.Lane
	if lane == "" {
		lane = queue.LaneMain
	}
	err := d.engine.DualEnqueue(ctx, key, lane, func(ctx context.Context) error {
		d.turn(ctx, key, agentID, msg)
		return nil
	})
	if err != nil {
		slog.Error("turn failed", "session", key, "agent", agentID, "error", err)
		d.deliver(ctx, msg, "Something went wrong handling that message.")
		return
	}
	d.runBacklog(ctx, key)
}

// turn runs one agent turn and delivers the reply.
func (d *Dispatcher) turn(ctx context.Context, key, agentID string, msg bus.InboundMessage) {
	reply, err := d.loop.Run(ctx, agent.Request{
		AgentID:    agentID,
		SessionKey: key,
		Message:    msg.Content,
		Channel:    msg.Channel,
		Sender:     msg.SenderID,
	})
	if err != nil {
		slog.Error("turn failed", "session", key, "agent", agentID, "error", err)
		d.deliver(ctx, msg, "Something went wrong handling that message.")
		return
	}
	d.deliver(ctx, msg, reply)
}

// runBacklog drains messages parked while the finished turn held the
// session. Followups each get their own turn; collected entries merge into
// one. Loops until the session quiesces with an empty pending list.
func (d *Dispatcher) runBacklog(ctx context.Context, key string) {
	for {
		// An open collect window owns the backlog until its timer fires.
		if d.pending.HasCollectWindow(key) {
			return
		}
		msgs, err := d.pending.DrainPending(key)
		if err != nil {
			slog.Error("drain pending failed", "session", key, "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		var collected []queue.PendingMessage
		for _, pm := range msgs {
			if pm.Mode == queue.ModeCollect {
				collected = append(collected, pm)
				continue
			}
			inbound := inboundFromPending(pm)
			if err := d.engine.DualEnqueue(ctx, key, queue.LaneMain, func(ctx context.Context) error {
				d.turn(ctx, key, pm.AgentID, inbound)
				return nil
			}); err != nil {
				slog.Error("backlog turn failed", "session", key, "error", err)
			}
		}
		if len(collected) > 0 {
			last := collected[len(collected)-1]
			inbound := inboundFromPending(last)
			inbound.Content = queue.MergeCollected(collected)
			if err := d.engine.DualEnqueue(ctx, key, queue.LaneMain, func(ctx context.Context) error {
				d.turn(ctx, key, last.AgentID, inbound)
				return nil
			}); err != nil {
				slog.Error("backlog turn failed", "session", key, "error", err)
			}
		}
	}
}

// flushCollected handles a collect window closing while the session is
// idle: the drained batch becomes one merged turn.
func (d *Dispatcher) flushCollected(key string, msgs []queue.PendingMessage) {
	if len(msgs) == 0 {
		return
	}
	ctx := context.Background()
	last := msgs[len(msgs)-1]
	inbound := inboundFromPending(last)
	inbound.Content = queue.MergeCollected(msgs)
	if err := d.engine.DualEnqueue(ctx, key, queue.LaneMain, func(ctx context.Context) error {
		d.turn(ctx, key, last.AgentID, inbound)
		return nil
	}); err != nil {
		slog.Error("collect flush failed", "session", key, "error", err)
		return
	}
	d.runBacklog(ctx, key)
}

func pendingFromInbound(agentID string, msg bus.InboundMessage) queue.PendingMessage {
	return queue.PendingMessage{
		Message: msg.Content,
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Sender:  msg.SenderID,
		AgentID: agentID,
	}
}

func inboundFromPending(pm queue.PendingMessage) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  pm.Channel,
		ChatID:   pm.ChatID,
		SenderID: pm.Sender,
		Content:  pm.Message,
	}
}

// sessionKey builds the key from the configured scope. Groups always get
// group scope; DMs follow session.dmScope.
func (d *Dispatcher) sessionKey(cfg *config.Config, agentID string, msg bus.InboundMessage) string {
	if msg.SessionKey != "" {
		return msg.SessionKey
	}
	if msg.PeerKind == "group" {
		return sessions.BuildGroupKey(agentID, msg.Channel, msg.ChatID)
	}
	scope := cfg.Session.DMScope
	if scope == "" {
		scope = sessions.ScopeMain
	}
	if scope == sessions.ScopeMain {
		return sessions.BuildMainKey(agentID, cfg.Session.MainKey)
	}
	return sessions.BuildKey(scope, sessions.KeyParts{
		AgentID:   agentID,
		Channel:   msg.Channel,
		AccountID: msg.Metadata["account_id"],
		Kind:      sessions.PeerDirect,
		PeerID:    msg.ChatID,
		SenderID:  msg.SenderID,
		MainKey:   cfg.Session.MainKey,
	})
}

// deliver publishes the reply outbound, honoring the silent token and the
// message_sending/message_sent hooks.
func (d *Dispatcher) deliver(ctx context.Context, inbound bus.InboundMessage, reply string) {
	if reply == "" || agent.IsSilent(reply) {
		return
	}
	p := d.hooks.Dispatch(ctx, hooks.EventMessageSending, hooks.Payload{
		"channel": inbound.Channel, "chat_id": inbound.ChatID, "content": reply,
	})
	if s, ok := p["content"].(string); ok {
		reply = s
	}
	if reply == "" {
		return
	}
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  inbound.Channel,
		ChatID:   inbound.ChatID,
		Content:  reply,
		Metadata: replyMetadata(inbound),
	})
	d.hooks.Dispatch(ctx, hooks.EventMessageSent, hooks.Payload{
		"channel": inbound.Channel, "chat_id": inbound.ChatID,
	})
}

// replyMetadata carries thread coordinates back to the adapter.
func replyMetadata(inbound bus.InboundMessage) map[string]string {
	out := map[string]string{}
	if ts := inbound.Metadata["thread_ts"]; ts != "" {
		out["thread_ts"] = ts
	}
	if id := inbound.Metadata["message_id"]; id != "" {
		out["reply_to"] = id
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
