// Package messaging abstracts the chat platform behind a capability
// interface. The daemon core only ever talks to Messenger; the Discord and
// Slack implementations live in subpackages and hide the platform clients.
package messaging

import "context"

// Reaction emojis the pending tracker cycles through on user messages.
const (
	ReactionPending   = "⏳"
	ReactionCompleted = "✅"
	ReactionError     = "❌"
)

// Attachment describes a file attached to an inbound chat message.
type Attachment struct {
	Filename    string
	URL         string
	Size        int64
	ContentType string
}

// InboundMessage is a chat message addressed to one agent instance.
type InboundMessage struct {
	AgentType   string
	Content     string
	ProjectName string
	ChannelID   string
	MessageID   string // empty for synthetic messages
	InstanceID  string // empty when the binding does not pin an instance
	Attachments []Attachment
}

// InboundHandler consumes inbound chat messages. Handlers must not block the
// platform transport; long work belongs on the router's per-instance queue.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// ChannelBinding maps a channel to the agent instance it is bound to.
type ChannelBinding struct {
	ProjectName string
	AgentType   string
	InstanceID  string
}

// Messenger is the messaging capability consumed by the daemon core.
type Messenger interface {
	// Connect establishes the platform session. Implementations that are
	// purely API-driven may treat this as a credential check.
	Connect(ctx context.Context) error

	// Close releases the platform session.
	Close() error

	// Platform returns the platform identifier ("discord", "slack").
	Platform() string

	// SendToChannel posts text to a channel, splitting it to the platform
	// limit, and returns the ID of the first message posted.
	SendToChannel(ctx context.Context, channelID, text string) (string, error)

	// SendToChannelWithFiles posts text plus file attachments by local path.
	SendToChannelWithFiles(ctx context.Context, channelID, text string, files []string) error

	// AddReaction adds the daemon's own reaction to a message.
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error

	// ReplaceReaction swaps one of the daemon's reactions for another.
	ReplaceReaction(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error

	// EnsureChannel creates (or finds) the dedicated channel for an agent
	// instance and returns its ID.
	EnsureChannel(ctx context.Context, projectName, agentType, instanceID string) (string, error)

	// RegisterChannels replaces the channel-to-instance binding table used
	// to route inbound messages.
	RegisterChannels(bindings map[string]ChannelBinding)

	// OnInboundMessage registers the handler for inbound chat messages.
	OnInboundMessage(handler InboundHandler)
}

// ChannelName returns the conventional channel name for an instance:
// "<project>-<agent>" for primaries, "<project>-<instanceId>" otherwise.
func ChannelName(projectName, agentType, instanceID string) string {
	if instanceID == "" || instanceID == agentType {
		return projectName + "-" + agentType
	}
	return projectName + "-" + instanceID
}
