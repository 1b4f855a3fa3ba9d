// Package discord implements the messaging capability for Discord.
//
// The gateway transport (websocket session, channel CRUD, attachment
// download) lives outside the daemon core; this package only needs the
// narrow API surface below, which also keeps tests free of real HTTP calls.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/discode-sh/discode/internal/messaging"
)

// API abstracts the subset of the Discord client used by Messenger.
type API interface {
	ChannelMessageSend(channelID, content string) (messageID string, err error)
	ChannelFilesSend(channelID, content string, paths []string) error
	MessageReactionAdd(channelID, messageID, emoji string) error
	MessageReactionRemove(channelID, messageID, emoji string) error
	GuildTextChannelEnsure(guildID, name string) (channelID string, err error)
}

// Messenger implements messaging.Messenger for Discord.
type Messenger struct {
	api     API
	guildID string
	limiter *rate.Limiter

	mu       sync.RWMutex
	bindings map[string]messaging.ChannelBinding
	handler  messaging.InboundHandler
}

// Compile-time interface check.
var _ messaging.Messenger = (*Messenger)(nil)

// NewMessenger creates a Discord Messenger for the given guild.
func NewMessenger(api API, guildID string) *Messenger {
	return &Messenger{
		api:     api,
		guildID: guildID,
		// Discord allows ~50 requests/s per bot; stay well under it.
		limiter:  rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		bindings: make(map[string]messaging.ChannelBinding),
	}
}

// Connect is a no-op: the gateway session is owned by the external transport.
func (m *Messenger) Connect(_ context.Context) error { return nil }

// Close is a no-op for the API-driven messenger.
func (m *Messenger) Close() error { return nil }

// Platform returns "discord".
func (m *Messenger) Platform() string { return "discord" }

// SendToChannel posts text split to the Discord limit and returns the first
// message ID.
func (m *Messenger) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	chunks := messaging.SplitMessage(text, messaging.DiscordMessageLimit)

	firstID := ""
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return firstID, fmt.Errorf("discord.Messenger.SendToChannel: %w", err)
		}
		msgID, err := m.api.ChannelMessageSend(channelID, chunk)
		if err != nil {
			return firstID, fmt.Errorf("discord.Messenger.SendToChannel: %w", err)
		}
		if firstID == "" {
			firstID = msgID
		}
	}
	return firstID, nil
}

// SendToChannelWithFiles posts text plus file attachments by local path.
func (m *Messenger) SendToChannelWithFiles(ctx context.Context, channelID, text string, files []string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord.Messenger.SendToChannelWithFiles: %w", err)
	}
	if err := m.api.ChannelFilesSend(channelID, text, files); err != nil {
		return fmt.Errorf("discord.Messenger.SendToChannelWithFiles: %w", err)
	}
	return nil
}

// AddReaction adds the bot's reaction to a message.
func (m *Messenger) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord.Messenger.AddReaction: %w", err)
	}
	if err := m.api.MessageReactionAdd(channelID, messageID, emoji); err != nil {
		return fmt.Errorf("discord.Messenger.AddReaction: %w", err)
	}
	return nil
}

// ReplaceReaction swaps one bot reaction for another. Removal failures are
// logged and ignored so a missing old reaction never blocks the new one.
func (m *Messenger) ReplaceReaction(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord.Messenger.ReplaceReaction: %w", err)
	}
	if err := m.api.MessageReactionRemove(channelID, messageID, oldEmoji); err != nil {
		log.Debug().Err(err).Str("channel", channelID).Msg("discord: remove old reaction")
	}
	if err := m.api.MessageReactionAdd(channelID, messageID, newEmoji); err != nil {
		return fmt.Errorf("discord.Messenger.ReplaceReaction: %w", err)
	}
	return nil
}

// EnsureChannel creates or finds the dedicated channel for an instance.
func (m *Messenger) EnsureChannel(ctx context.Context, projectName, agentType, instanceID string) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("discord.Messenger.EnsureChannel: %w", err)
	}
	name := messaging.ChannelName(projectName, agentType, instanceID)
	channelID, err := m.api.GuildTextChannelEnsure(m.guildID, name)
	if err != nil {
		return "", fmt.Errorf("discord.Messenger.EnsureChannel: %w", err)
	}
	return channelID, nil
}

// RegisterChannels replaces the routing table for inbound messages.
func (m *Messenger) RegisterChannels(bindings map[string]messaging.ChannelBinding) {
	cp := make(map[string]messaging.ChannelBinding, len(bindings))
	for k, v := range bindings {
		cp[k] = v
	}
	m.mu.Lock()
	m.bindings = cp
	m.mu.Unlock()
}

// OnInboundMessage registers the inbound handler.
func (m *Messenger) OnInboundMessage(handler messaging.InboundHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// HandleInbound is called by the gateway transport for every message created
// in a channel the bot can see. Unbound channels are ignored.
func (m *Messenger) HandleInbound(ctx context.Context, channelID, content, messageID string, attachments []messaging.Attachment) {
	m.mu.RLock()
	binding, bound := m.bindings[channelID]
	handler := m.handler
	m.mu.RUnlock()

	if !bound || handler == nil {
		return
	}

	handler(ctx, messaging.InboundMessage{
		AgentType:   binding.AgentType,
		Content:     content,
		ProjectName: binding.ProjectName,
		ChannelID:   channelID,
		MessageID:   messageID,
		InstanceID:  binding.InstanceID,
		Attachments: attachments,
	})
}
