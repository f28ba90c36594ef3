// Package bus carries messages between channel adapters and the agent
// runtime, and broadcasts runtime events to subscribers (websocket feed,
// hook bridges).
package bus

import "context"

// InboundMessage is a message received from a channel adapter.
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SenderID     string            `json:"sender_id"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	Media        []string          `json:"media,omitempty"`
	PeerKind     string            `json:"peer_kind,omitempty"` // "direct" or "group"
	AgentID      string            `json:"agent_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Lane         string            `json:"lane,omitempty"`        // main | cron | subagent | nested
	SessionKey   string            `json:"session_key,omitempty"` // set when the sender pre-resolved it
	HistoryLimit int               `json:"history_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to deliver through a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a file sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a runtime event broadcast to subscribers.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Event names published by the runtime.
const (
	EventAgentStart   = "agent.start"
	EventAgentEnd     = "agent.end"
	EventToolCall     = "tool.call"
	EventToolResult   = "tool.result"
	EventSessionReset = "session.reset"
	EventCronRun      = "cron.run"
	EventHealth       = "health"
	EventChat         = "chat"
)

// MessageHandler handles one inbound message.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter routes messages between channel adapters and the runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
