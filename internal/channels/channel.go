// Package channels hosts the chat platform adapters. Each adapter turns
// platform events into bus.InboundMessage and delivers bus.OutboundMessage
// back out. Admission (allowlists, pairing, mention gating) happens in the
// routing package, not here; adapters publish everything they receive.
package channels

import (
	"context"
	"sync"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/routing"
)

// Channel is a connected chat platform adapter.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// internalChannels never map to an adapter; outbound messages addressed to
// them are consumed elsewhere (CLI loop, event feed, subagent plumbing).
var internalChannels = map[string]bool{
	"cli":      true,
	"web":      true,
	"system":   true,
	"subagent": true,
}

// IsInternal reports whether name is a virtual channel with no adapter.
func IsInternal(name string) bool { return internalChannels[name] }

// BaseChannel carries the state shared by every adapter: the bus handle,
// the channel spec, and the running flag.
type BaseChannel struct {
	name string
	bus  bus.MessageRouter
	spec config.ChannelSpec

	mu      sync.RWMutex
	running bool
}

// NewBaseChannel creates the shared adapter core.
func NewBaseChannel(name string, router bus.MessageRouter, spec config.ChannelSpec) *BaseChannel {
	return &BaseChannel{name: name, bus: router, spec: spec}
}

func (b *BaseChannel) Name() string { return b.name }

// Spec returns the channel configuration the adapter was built from.
func (b *BaseChannel) Spec() config.ChannelSpec { return b.spec }

func (b *BaseChannel) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *BaseChannel) SetRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

// HandleMessage publishes a platform message to the runtime. peerKind is
// "direct" or "group".
func (b *BaseChannel) HandleMessage(senderID, chatID, content, peerKind string, meta map[string]string) {
	b.bus.PublishInbound(bus.InboundMessage{
		Channel:  b.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		PeerKind: peerKind,
		AgentID:  b.spec.AgentID,
		Metadata: meta,
	})
}

// TextLimit returns the outbound chunk size for this channel, honoring a
// per-channel override.
func (b *BaseChannel) TextLimit() int {
	if b.spec.TextLimit > 0 {
		return b.spec.TextLimit
	}
	return routing.TextLimit(b.name)
}
