// Package pending tracks the at-most-one outstanding request per agent
// instance and drives the reaction lifecycle on the triggering message.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/messaging"
)

// completedTTL is how long a completed entry stays resolvable for late
// replies from the agent hook.
const completedTTL = 30 * time.Second

// Entry is the tracked state of one user request awaiting a response.
type Entry struct {
	ChannelID      string
	UserMessageID  string
	StartMessageID string
	CreatedAt      time.Time
}

// Reactor is the slice of the messaging capability the tracker needs.
type Reactor interface {
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	ReplaceReaction(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error
}

// Tracker keeps active and recently-completed entries keyed per instance.
type Tracker struct {
	reactor Reactor
	ttl     time.Duration

	mu        sync.Mutex
	active    map[string]*Entry
	completed map[string]*Entry
	timers    map[string]*time.Timer
}

// NewTracker creates a Tracker that reacts through the given messenger.
func NewTracker(reactor Reactor) *Tracker {
	return &Tracker{
		reactor:   reactor,
		ttl:       completedTTL,
		active:    make(map[string]*Entry),
		completed: make(map[string]*Entry),
		timers:    make(map[string]*time.Timer),
	}
}

// Key builds the tracking key for an instance. When the instance id is
// unknown the agent type stands in for it.
func Key(projectName, agentType, instanceID string) string {
	if instanceID == "" {
		instanceID = agentType
	}
	return projectName + "/" + instanceID
}

// MarkPending records a new active request and adds the ⏳ reaction to the
// user's message. Any previous entry for the key is overwritten and its
// recently-completed cache cleared.
func (t *Tracker) MarkPending(ctx context.Context, projectName, agentType, channelID, userMessageID, instanceID string) {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	t.dropCompletedLocked(key)
	t.active[key] = &Entry{
		ChannelID:     channelID,
		UserMessageID: userMessageID,
		CreatedAt:     time.Now(),
	}
	t.mu.Unlock()

	if userMessageID != "" {
		if err := t.reactor.AddReaction(ctx, channelID, userMessageID, messaging.ReactionPending); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("pending: add reaction")
		}
	}
}

// EnsurePending records an active request with no triggering user message.
// Used by hooks that fire without an inbound chat message. Idempotent: an
// existing active entry is kept as-is.
func (t *Tracker) EnsurePending(projectName, agentType, channelID, instanceID string) {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return
	}
	t.dropCompletedLocked(key)
	t.active[key] = &Entry{
		ChannelID: channelID,
		CreatedAt: time.Now(),
	}
}

// MarkCompleted resolves the active entry for the key: the ⏳ reaction is
// replaced with ✅ when a user message exists, and the entry moves to the
// recently-completed cache for late thread replies.
func (t *Tracker) MarkCompleted(ctx context.Context, projectName, agentType, instanceID string) {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	entry, ok := t.active[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.dropCompletedLocked(key)
	t.completed[key] = entry
	t.timers[key] = time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.completed, key)
		delete(t.timers, key)
	})
	t.mu.Unlock()

	if entry.UserMessageID != "" {
		err := t.reactor.ReplaceReaction(ctx, entry.ChannelID, entry.UserMessageID,
			messaging.ReactionPending, messaging.ReactionCompleted)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("pending: complete reaction")
		}
	}
}

// MarkError resolves the active entry as failed: ⏳ becomes ❌ when a user
// message exists. Errored entries are discarded, not cached.
func (t *Tracker) MarkError(ctx context.Context, projectName, agentType, instanceID string) {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	entry, ok := t.active[key]
	if ok {
		delete(t.active, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if entry.UserMessageID != "" {
		err := t.reactor.ReplaceReaction(ctx, entry.ChannelID, entry.UserMessageID,
			messaging.ReactionPending, messaging.ReactionError)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("pending: error reaction")
		}
	}
}

// SetStartMessage stores the id of the "Processing…" message posted for the
// active entry, so later flows can reference it.
func (t *Tracker) SetStartMessage(projectName, agentType, instanceID, messageID string) {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.active[key]; ok {
		entry.StartMessageID = messageID
	}
}

// GetPending returns the active entry for the key, or the recently-completed
// one when the active slot is empty. The second return reports whether
// either was found.
func (t *Tracker) GetPending(projectName, agentType, instanceID string) (Entry, bool) {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.active[key]; ok {
		return *entry, true
	}
	if entry, ok := t.completed[key]; ok {
		return *entry, true
	}
	return Entry{}, false
}

// HasPending reports whether an active (not recently-completed) entry exists.
func (t *Tracker) HasPending(projectName, agentType, instanceID string) bool {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

// Reset discards all state for a key, active and cached alike. Used on
// session start/end events.
func (t *Tracker) Reset(projectName, agentType, instanceID string) {
	key := Key(projectName, agentType, instanceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, key)
	t.dropCompletedLocked(key)
}

func (t *Tracker) dropCompletedLocked(key string) {
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	delete(t.completed, key)
}
