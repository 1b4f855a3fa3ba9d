// Package slack implements the messaging capability for Slack.
package slack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/discode-sh/discode/internal/messaging"
)

// API abstracts the subset of the Slack client used by Messenger.
// This allows testing without real HTTP calls.
type API interface {
	AuthTestContext(ctx context.Context) (*slacklib.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
	UploadFileV2Context(ctx context.Context, params slacklib.UploadFileV2Parameters) (*slacklib.FileSummary, error)
	AddReactionContext(ctx context.Context, name string, item slacklib.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slacklib.ItemRef) error
	CreateConversationContext(ctx context.Context, params slacklib.CreateConversationParams) (*slacklib.Channel, error)
	GetConversationsContext(ctx context.Context, params *slacklib.GetConversationsParameters) ([]slacklib.Channel, string, error)
}

// emojiNames maps the capability's unicode reactions to Slack emoji names.
var emojiNames = map[string]string{
	messaging.ReactionPending:   "hourglass_flowing_sand",
	messaging.ReactionCompleted: "white_check_mark",
	messaging.ReactionError:     "x",
}

// Messenger implements messaging.Messenger for Slack.
type Messenger struct {
	api     API
	limiter *rate.Limiter

	mu       sync.RWMutex
	bindings map[string]messaging.ChannelBinding
	handler  messaging.InboundHandler
}

// Compile-time interface check.
var _ messaging.Messenger = (*Messenger)(nil)

// NewMessenger creates a Slack Messenger with the given API client.
func NewMessenger(api API) *Messenger {
	return &Messenger{
		api: api,
		// Slack Web API tier 3 allows ~50 calls/min for chat.postMessage;
		// one message per second is the documented safe burst.
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		bindings: make(map[string]messaging.ChannelBinding),
	}
}

// Connect verifies the bot token.
func (m *Messenger) Connect(ctx context.Context) error {
	if _, err := m.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack.Messenger.Connect: %w", err)
	}
	return nil
}

// Close is a no-op; the socket-mode transport is owned externally.
func (m *Messenger) Close() error { return nil }

// Platform returns "slack".
func (m *Messenger) Platform() string { return "slack" }

// SendToChannel posts text split to the Slack limit and returns the first
// message timestamp as its ID.
func (m *Messenger) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	chunks := messaging.SplitMessage(text, messaging.SlackMessageLimit)

	firstTS := ""
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return firstTS, fmt.Errorf("slack.Messenger.SendToChannel: %w", err)
		}
		_, ts, err := m.api.PostMessageContext(ctx, channelID, slacklib.MsgOptionText(chunk, false))
		if err != nil {
			return firstTS, fmt.Errorf("slack.Messenger.SendToChannel: %w", err)
		}
		if firstTS == "" {
			firstTS = ts
		}
	}
	return firstTS, nil
}

// SendToChannelWithFiles posts text, then uploads each file to the channel.
func (m *Messenger) SendToChannelWithFiles(ctx context.Context, channelID, text string, files []string) error {
	if text != "" {
		if _, err := m.SendToChannel(ctx, channelID, text); err != nil {
			return fmt.Errorf("slack.Messenger.SendToChannelWithFiles: %w", err)
		}
	}

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("slack: skipping unreadable attachment")
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("slack.Messenger.SendToChannelWithFiles: %w", err)
		}
		_, err = m.api.UploadFileV2Context(ctx, slacklib.UploadFileV2Parameters{
			Channel:  channelID,
			File:     path,
			Filename: filepath.Base(path),
			FileSize: int(info.Size()),
		})
		if err != nil {
			return fmt.Errorf("slack.Messenger.SendToChannelWithFiles: upload %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// AddReaction adds the bot's reaction to a message.
func (m *Messenger) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack.Messenger.AddReaction: %w", err)
	}
	err := m.api.AddReactionContext(ctx, emojiName(emoji), slacklib.NewRefToMessage(channelID, messageID))
	if err != nil {
		return fmt.Errorf("slack.Messenger.AddReaction: %w", err)
	}
	return nil
}

// ReplaceReaction swaps one bot reaction for another. Removal failures are
// logged and ignored.
func (m *Messenger) ReplaceReaction(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack.Messenger.ReplaceReaction: %w", err)
	}
	ref := slacklib.NewRefToMessage(channelID, messageID)
	if err := m.api.RemoveReactionContext(ctx, emojiName(oldEmoji), ref); err != nil {
		log.Debug().Err(err).Str("channel", channelID).Msg("slack: remove old reaction")
	}
	if err := m.api.AddReactionContext(ctx, emojiName(newEmoji), ref); err != nil {
		return fmt.Errorf("slack.Messenger.ReplaceReaction: %w", err)
	}
	return nil
}

// EnsureChannel finds or creates the public channel for an instance.
func (m *Messenger) EnsureChannel(ctx context.Context, projectName, agentType, instanceID string) (string, error) {
	name := slackChannelName(messaging.ChannelName(projectName, agentType, instanceID))

	// Walk existing conversations first; channel creation is not idempotent.
	cursor := ""
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("slack.Messenger.EnsureChannel: %w", err)
		}
		channels, next, err := m.api.GetConversationsContext(ctx, &slacklib.GetConversationsParameters{
			Cursor:          cursor,
			Limit:           1000,
			ExcludeArchived: true,
		})
		if err != nil {
			return "", fmt.Errorf("slack.Messenger.EnsureChannel: list: %w", err)
		}
		for _, ch := range channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("slack.Messenger.EnsureChannel: %w", err)
	}
	ch, err := m.api.CreateConversationContext(ctx, slacklib.CreateConversationParams{ChannelName: name})
	if err != nil {
		return "", fmt.Errorf("slack.Messenger.EnsureChannel: create: %w", err)
	}
	return ch.ID, nil
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

// HandleInbound is called by the socket-mode transport for message events.
// Unbound channels are ignored.
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

func emojiName(emoji string) string {
	if name, ok := emojiNames[emoji]; ok {
		return name
	}
	return emoji
}

// slackChannelName lowercases and sanitizes a channel name to Slack's rules
// (lowercase letters, numbers, hyphens, underscores; max 80 chars).
func slackChannelName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 80 {
		out = out[:80]
	}
	return out
}
