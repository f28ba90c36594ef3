package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/routing"
)

// DiscordChannel connects to the Discord gateway.
type DiscordChannel struct {
	*BaseChannel
	session   *discordgo.Session
	botUserID string
}

// NewDiscord builds the adapter from config.
func NewDiscord(spec config.ChannelSpec, router bus.MessageRouter) (*DiscordChannel, error) {
	if spec.Token == "" {
		return nil, fmt.Errorf("discord: token not configured")
	}
	session, err := discordgo.New("Bot " + spec.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", router, spec),
		session:     session,
	}, nil
}

// Start opens the gateway connection.
func (c *DiscordChannel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	return nil
}

// Stop closes the gateway connection.
func (c *DiscordChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	peerKind := "group"
	if m.GuildID == "" {
		peerKind = "direct"
	}
	meta := map[string]string{"message_id": m.ID}
	if m.GuildID != "" {
		meta["guild_id"] = m.GuildID
	}
	if m.Author.Username != "" {
		meta["username"] = m.Author.Username
	}
	c.HandleMessage(m.Author.ID, m.ChannelID, m.Content, peerKind, meta)
}

// Send delivers a message in limit-sized chunks.
func (c *DiscordChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord: empty chat id")
	}
	for _, chunk := range routing.SplitMessage(msg.Content, c.TextLimit()) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord: send to %s: %w", msg.ChatID, err)
		}
	}
	return nil
}
