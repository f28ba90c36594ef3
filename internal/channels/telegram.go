package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/routing"
)

// TelegramChannel connects to the Telegram Bot API via long polling.
type TelegramChannel struct {
	*BaseChannel
	bot    *telego.Bot
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram builds the adapter from config. The bot token is validated
// lazily on Start, not here.
func NewTelegram(spec config.ChannelSpec, router bus.MessageRouter) (*TelegramChannel, error) {
	if spec.Token == "" {
		return nil, fmt.Errorf("telegram: token not configured")
	}
	bot, err := telego.NewBot(spec.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", router, spec),
		bot:         bot,
	}, nil
}

// Start begins long polling for updates.
func (c *TelegramChannel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)
	go func() {
		defer close(c.done)
		for update := range updates {
			c.handleUpdate(update)
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update loop to drain.
func (c *TelegramChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	c.SetRunning(false)
	return nil
}

func (c *TelegramChannel) handleUpdate(update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}
	peerKind := "group"
	if msg.Chat.Type == telego.ChatTypePrivate {
		peerKind = "direct"
	}
	meta := map[string]string{"message_id": strconv.Itoa(msg.MessageID)}
	if msg.From.Username != "" {
		meta["username"] = msg.From.Username
	}
	c.HandleMessage(
		strconv.FormatInt(msg.From.ID, 10),
		strconv.FormatInt(msg.Chat.ID, 10),
		text,
		peerKind,
		meta,
	)
}

// Send delivers a message, splitting it into chunks under the platform
// text limit.
func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}
	for _, chunk := range routing.SplitMessage(msg.Content, c.TextLimit()) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send to %d: %w", chatID, err)
		}
	}
	for _, m := range msg.Media {
		doc := tu.Document(tu.ID(chatID), telego.InputFile{URL: m.URL})
		if m.Caption != "" {
			doc = doc.WithCaption(m.Caption)
		}
		if _, err := c.bot.SendDocument(ctx, doc); err != nil {
			slog.Warn("telegram: media send failed", "url", m.URL, "error", err)
		}
	}
	return nil
}
