// Package discord owns the Discord gateway session: direct-message command
// intake, presence and user lookups.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// Presence is the game status set once the session is ready.
const Presence = "Managing Subscriptions"

// Intents requested on the gateway. Message content is needed to read
// commands sent by direct message.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildPresences |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// CommandHandler answers a direct message. ok is false when nothing should
// be sent back.
type CommandHandler interface {
	Handle(ctx context.Context, userID, content string) (reply string, ok bool)
}

// messenger is the part of *discordgo.Session used to answer a message.
type messenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// presenter is the part of *discordgo.Session used to set the status.
type presenter interface {
	UpdateGameStatus(idle int, name string) error
}

// NewSession creates an unopened bot session.
func NewSession(token string) (*discordgo.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	return s, nil
}

// Bot joins the gateway and routes direct messages to a CommandHandler.
type Bot struct {
	session  *discordgo.Session
	commands CommandHandler
}

// NewBot creates a Bot over session.
func NewBot(session *discordgo.Session, commands CommandHandler) *Bot {
	return &Bot{session: session, commands: commands}
}

// Run opens the gateway and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	removeReady := b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.onReady(s, r)
	})
	removeMessage := b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.onMessage(ctx, s, m)
	})
	defer removeReady()
	defer removeMessage()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	<-ctx.Done()

	if err := b.session.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close discord session")
	}
	log.Info().Msg("Discord session closed")
	return nil
}

func (b *Bot) onReady(p presenter, r *discordgo.Ready) {
	user := ""
	if r != nil && r.User != nil {
		user = FormatDisplayName(r.User)
	}
	log.Info().Str("user", user).Msg("Logged in to Discord")
	if err := p.UpdateGameStatus(0, Presence); err != nil {
		log.Warn().Err(err).Msg("Failed to set presence")
	}
}

func (b *Bot) onMessage(ctx context.Context, out messenger, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	// Guild messages are never commands.
	if m.Author.Bot || m.GuildID != "" {
		return
	}

	reply, ok := b.commands.Handle(ctx, m.Author.ID, m.Content)
	if !ok {
		return
	}
	if _, err := out.ChannelMessageSend(m.ChannelID, reply, discordgo.WithContext(ctx)); err != nil {
		log.Error().Err(err).Str("discord_id", m.Author.ID).Msg("Failed to send direct message reply")
	}
}
