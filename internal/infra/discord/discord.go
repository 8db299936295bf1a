package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/sifan077/HookRelay/config"
	"github.com/sifan077/HookRelay/internal/app/model"
)

// ErrEmptyMessage is returned for messages with neither content nor embeds.
var ErrEmptyMessage = errors.New("discord: empty message")

type messageAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sender posts relay messages to Discord channels through the bot session.
type Sender struct {
	api messageAPI
}

// NewSession creates a bot session for REST calls. No gateway connection is
// opened; the relay only sends.
func NewSession(cfg config.DiscordConfig) (*discordgo.Session, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	return session, nil
}

// NewSender wraps a session (or anything with the same send method).
func NewSender(api messageAPI) *Sender {
	return &Sender{api: api}
}

// SendToChannel converts msg into a Discord message and sends it.
func (s *Sender) SendToChannel(ctx context.Context, channelID string, msg model.Message) error {
	if msg.Empty() {
		return ErrEmptyMessage
	}

	send := &discordgo.MessageSend{
		Content: msg.Content,
		// Relayed text must not ping anyone.
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	for i, raw := range msg.Embeds {
		var embed discordgo.MessageEmbed
		if err := json.Unmarshal(raw, &embed); err != nil {
			return fmt.Errorf("discord: decode embed %d: %w", i, err)
		}
		send.Embeds = append(send.Embeds, &embed)
	}

	if _, err := s.api.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send to channel %s: %w", channelID, err)
	}
	return nil
}
