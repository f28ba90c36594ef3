package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/routing"
)

// SlackChannel connects via Socket Mode, so no public HTTP endpoint is
// needed. Requires both a bot token (xoxb-) and an app token (xapp-).
type SlackChannel struct {
	*BaseChannel
	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSlack builds the adapter from config.
func NewSlack(spec config.ChannelSpec, router bus.MessageRouter) (*SlackChannel, error) {
	if spec.Token == "" || spec.AppToken == "" {
		return nil, fmt.Errorf("slack: token and appToken both required")
	}
	api := slack.New(spec.Token, slack.OptionAppLevelToken(spec.AppToken))
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", router, spec),
		api:         api,
		socket:      socketmode.New(api),
	}, nil
}

// Start authenticates, then runs the socket connection and event loop.
func (c *SlackChannel) Start(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleEvents(runCtx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack: socket mode exited", "error", err)
			c.SetRunning(false)
		}
	}()

	c.SetRunning(true)
	return nil
}

// Stop cancels the socket connection and waits for the loops to exit.
func (c *SlackChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	c.SetRunning(false)
	return nil
}

func (c *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
				if ok {
					c.handleEventsAPI(apiEvent)
				}
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack: connection error", "data", evt.Data)
			}
		}
	}
}

func (c *SlackChannel) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.User == c.botUserID || ev.SubType != "" {
			return
		}
		c.publishMessage(ev.User, ev.Channel, ev.Text, ev.ChannelType, ev.TimeStamp, ev.ThreadTimeStamp)
	case *slackevents.AppMentionEvent:
		if ev.User == c.botUserID {
			return
		}
		c.publishMessage(ev.User, ev.Channel, ev.Text, "channel", ev.TimeStamp, ev.ThreadTimeStamp)
	}
}

func (c *SlackChannel) publishMessage(user, channel, text, channelType, ts, threadTS string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	peerKind := "group"
	if channelType == "im" {
		peerKind = "direct"
	}
	meta := map[string]string{"message_id": ts}
	if threadTS != "" {
		meta["thread_ts"] = threadTS
	}
	c.HandleMessage(user, channel, text, peerKind, meta)
}

// Send posts the message, threading replies when the inbound carried a
// thread timestamp.
func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("slack: empty chat id")
	}
	for _, chunk := range routing.SplitMessage(msg.Content, c.TextLimit()) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if ts := msg.Metadata["thread_ts"]; ts != "" {
			opts = append(opts, slack.MsgOptionTS(ts))
		}
		if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
			return fmt.Errorf("slack: post to %s: %w", msg.ChatID, err)
		}
	}
	return nil
}
