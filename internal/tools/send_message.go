package tools

import (
	"context"
	"fmt"

	"github.com/bashclaw/bashclaw/internal/bus"
)

// SendMessageTool delivers a message to a chat on a connected channel,
// outside the normal reply flow (proactive sends, cross-chat posts).
type SendMessageTool struct {
	router bus.MessageRouter
}

func NewSendMessageTool(router bus.MessageRouter) *SendMessageTool {
	return &SendMessageTool{router: router}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to a chat on a connected channel (telegram, discord, slack, feishu)."
}

func (t *SendMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{"type": "string"},
			"chat_id": map[string]any{"type": "string"},
			"message": map[string]any{"type": "string"},
		},
		"required": []any{"channel", "chat_id", "message"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]any) *Result {
	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	message, _ := args["message"].(string)
	if channel == "" || chatID == "" || message == "" {
		return ErrorResult(errJSON("channel, chat_id, and message are required"))
	}
	t.router.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: message,
	})
	return NewResult(fmt.Sprintf(`{"sent": true, "channel": %q, "chat_id": %q}`, channel, chatID))
}
