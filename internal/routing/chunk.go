package routing

import "strings"

// Per-channel outbound text limits.
var channelTextLimits = map[string]int{
	"telegram": 4096,
	"discord":  2000,
	"slack":    40000,
	"feishu":   30000,
	"web":      100000,
}

const defaultTextLimit = 4096

// TextLimit returns the outbound chunk limit for a channel.
func TextLimit(channel string) int {
	if limit, ok := channelTextLimits[channel]; ok {
		return limit
	}
	return defaultTextLimit
}

// SplitMessage splits text into chunks of at most limit characters,
// preferring paragraph boundaries, then newlines, then spaces, with a hard
// cut as the last resort.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = defaultTextLimit
	}
	if len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		window := rest[:limit]
		cut := -1
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			cut = i + 2
		} else if i := strings.LastIndexByte(window, '\n'); i > 0 {
			cut = i + 1
		} else if i := strings.LastIndexByte(window, ' '); i > 0 {
			cut = i + 1
		} else {
			cut = limit
		}
		chunk := strings.TrimRight(rest[:cut], "\n ")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeft(rest[cut:], "\n ")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// DeliveryPlan tells a transport adapter where the reply goes.
type DeliveryPlan struct {
	Channel          string `json:"channel"`
	To               string `json:"to"`
	ThreadID         string `json:"thread_id,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	AccountID        string `json:"account_id,omitempty"`
	TextLimit        int    `json:"text_limit"`
}

// PlanDelivery builds the delivery plan for an accepted message.
func PlanDelivery(channel, to, threadID, replyTo, accountID string, limitOverride int) DeliveryPlan {
	limit := limitOverride
	if limit <= 0 {
		limit = TextLimit(channel)
	}
	return DeliveryPlan{
		Channel:          channel,
		To:               to,
		ThreadID:         threadID,
		ReplyToMessageID: replyTo,
		AccountID:        accountID,
		TextLimit:        limit,
	}
}
