package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bashclaw/bashclaw/internal/bus"
)

// Manager owns the adapter lifecycle and the outbound dispatch loop.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      bus.MessageRouter
	cancel   context.CancelFunc
}

// NewManager creates a manager; adapters are added with Register before
// StartAll.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{channels: make(map[string]Channel), bus: router}
}

// Register adds an adapter. Registering the same name twice replaces the
// previous adapter.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Get returns the adapter registered under name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Statuses reports each registered channel's running state, sorted by name
// for stable API output.
func (m *Manager) Statuses() []ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChannelStatus, 0, len(m.channels))
	for name, ch := range m.channels {
		out = append(out, ChannelStatus{Name: name, Running: ch.IsRunning()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChannelStatus is one row of Statuses.
type ChannelStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// StartAll starts the outbound dispatcher and every registered adapter.
// A single adapter failing to connect does not stop the others.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	for _, ch := range channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", ch.Name(), "error", err)
			continue
		}
		slog.Info("channel started", "channel", ch.Name())
	}
	return nil
}

// StopAll stops the dispatcher and all adapters.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
	return nil
}

// dispatchOutbound routes bus outbound messages to their adapter. Messages
// for internal channels or unregistered adapters are dropped with a log
// line; delivery errors do not stop the loop.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if IsInternal(msg.Channel) {
			continue
		}
		ch, found := m.Get(msg.Channel)
		if !found {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if !ch.IsRunning() {
			slog.Warn("outbound message for stopped channel", "channel", msg.Channel)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("outbound delivery failed",
				"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

// Deliver sends directly through a named adapter, bypassing the bus. Used
// by the gateway for synchronous replies.
func (m *Manager) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := m.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("channel %q not registered", msg.Channel)
	}
	return ch.Send(ctx, msg)
}
