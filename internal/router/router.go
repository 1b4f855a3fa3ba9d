// Package router turns inbound chat messages into agent prompts: it
// resolves the target instance, stages attachments, submits the text to
// the runtime window, and arms the buffer fallback for hookless agents.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/state"
)

const maxPromptLength = 10000

// sessionMissingPattern recognizes runtime errors meaning the window (and
// likely the whole session) is gone.
var sessionMissingPattern = regexp.MustCompile(`(?i)can't find (window|pane)`)

// PendingTracker is the slice of the pending tracker the router drives.
type PendingTracker interface {
	MarkPending(ctx context.Context, projectName, agentType, channelID, userMessageID, instanceID string)
	MarkCompleted(ctx context.Context, projectName, agentType, instanceID string)
	MarkError(ctx context.Context, projectName, agentType, instanceID string)
	HasPending(projectName, agentType, instanceID string) bool
}

// ContainerInjector copies staged files into a container's workspace.
type ContainerInjector interface {
	CopyFileToContainer(ctx context.Context, containerID, localPath, destDir string) error
}

// queueDepth bounds the per-channel backlog; beyond it new messages are
// dropped rather than blocking the platform transport.
const queueDepth = 64

// Router consumes inbound messages from the messaging capability.
type Router struct {
	state       *state.Store
	messenger   messaging.Messenger
	pending     PendingTracker
	runtime     runtime.Runtime
	fallback    *FallbackScheduler
	attachments *AttachmentStore
	container   ContainerInjector // nil when container support is off

	mu     sync.Mutex
	queues map[string]chan queuedMessage
}

type queuedMessage struct {
	ctx context.Context
	msg messaging.InboundMessage
}

// NewRouter wires the router. container may be nil.
func NewRouter(st *state.Store, m messaging.Messenger, p PendingTracker, rt runtime.Runtime, fb *FallbackScheduler, container ContainerInjector) *Router {
	return &Router{
		state:       st,
		messenger:   m,
		pending:     p,
		runtime:     rt,
		fallback:    fb,
		attachments: NewAttachmentStore(),
		container:   container,
		queues:      make(map[string]chan queuedMessage),
	}
}

// HandleMessage is the callback registered with the messaging capability.
// It returns immediately: the message goes onto its channel's queue and is
// processed by that queue's worker goroutine, so submissions to one
// instance stay ordered while different instances proceed in parallel.
// A channel maps to at most one instance, so the channel ID is the queue key.
func (r *Router) HandleMessage(ctx context.Context, msg messaging.InboundMessage) {
	// The transport's context dies with its session; processing must not.
	qm := queuedMessage{ctx: context.WithoutCancel(ctx), msg: msg}

	r.mu.Lock()
	q, ok := r.queues[msg.ChannelID]
	if !ok {
		q = make(chan queuedMessage, queueDepth)
		r.queues[msg.ChannelID] = q
		go r.work(q)
	}
	r.mu.Unlock()

	select {
	case q <- qm:
	default:
		log.Warn().Str("channel", msg.ChannelID).Msg("router: queue full, message dropped")
	}
}

func (r *Router) work(q chan queuedMessage) {
	for qm := range q {
		r.process(qm.ctx, qm.msg)
	}
}

func (r *Router) process(ctx context.Context, msg messaging.InboundMessage) {
	logMsg := log.With().
		Str("project", msg.ProjectName).
		Str("agent", msg.AgentType).
		Str("instance", msg.InstanceID).
		Logger()

	proj, err := r.state.GetProject(msg.ProjectName)
	if err != nil {
		r.replyf(ctx, msg.ChannelID, "No project named `%s` is registered. Run `discode new` first.", msg.ProjectName)
		return
	}

	inst := r.resolveInstance(proj, msg)
	if inst == nil {
		r.replyf(ctx, msg.ChannelID, "No agent instance is bound to this channel.")
		return
	}

	content := msg.Content
	if len(msg.Attachments) > 0 {
		content = r.stageAttachments(ctx, proj, inst, msg.Attachments, content)
	}

	content = strings.TrimRight(content, " \t\r\n")
	if reason := sanitizeReason(content); reason != "" {
		r.replyf(ctx, msg.ChannelID, "Message not sent: %s", reason)
		return
	}

	r.pending.MarkPending(ctx, proj.ProjectName, inst.AgentType, msg.ChannelID, msg.MessageID, inst.InstanceID)

	session := proj.SessionName
	if session == "" {
		session = runtime.SessionName(proj.ProjectName)
	}

	err = r.submit(session, inst.WindowName, content, inst.AgentType)
	if err == nil {
		r.fallback.Schedule(proj.ProjectName, inst.AgentType, inst.InstanceID, session, inst.WindowName, msg.ChannelID)
	}

	if err != nil {
		logMsg.Error().Err(err).Msg("router: submit failed")
		r.pending.MarkError(ctx, proj.ProjectName, inst.AgentType, inst.InstanceID)
		r.replyf(ctx, msg.ChannelID, "%s", submitErrorGuidance(err, proj.ProjectName))
		return
	}

	if err := r.state.UpdateLastActive(proj.ProjectName); err != nil {
		logMsg.Debug().Err(err).Msg("router: update lastActive")
	}
	logMsg.Debug().Msg("router: prompt submitted")
}

func (r *Router) submit(session, window, content, agentHint string) error {
	if err := r.runtime.TypeKeysToWindow(session, window, content); err != nil {
		return err
	}
	time.Sleep(runtime.SubmitDelay(agentHint))
	return r.runtime.SendEnterToWindow(session, window)
}

func (r *Router) resolveInstance(p *state.Project, msg messaging.InboundMessage) *state.Instance {
	if msg.InstanceID != "" {
		if inst, ok := p.Instances[msg.InstanceID]; ok {
			return inst
		}
	}
	if inst := state.InstanceByChannel(p, msg.ChannelID); inst != nil {
		return inst
	}
	return state.PrimaryInstance(p, msg.AgentType)
}

// stageAttachments downloads supported attachments, injects them into the
// container when applicable, and appends [file:…] markers to the content.
func (r *Router) stageAttachments(ctx context.Context, proj *state.Project, inst *state.Instance, atts []messaging.Attachment, content string) string {
	for _, att := range atts {
		path, err := r.attachments.Download(ctx, proj.ProjectPath, att)
		if err != nil {
			log.Warn().Err(err).Str("file", att.Filename).Msg("router: attachment download")
			continue
		}
		if path == "" {
			continue
		}
		if inst.ContainerMode && r.container != nil && inst.ContainerID != "" {
			if err := r.container.CopyFileToContainer(ctx, inst.ContainerID, path, "/workspace/.discode/files"); err != nil {
				log.Warn().Err(err).Str("file", path).Msg("router: container inject")
			}
		}
		content += "\n[file:" + path + "]"
	}
	return content
}

// sanitizeReason rejects prompts the runtime cannot safely type.
func sanitizeReason(content string) string {
	if strings.TrimSpace(content) == "" {
		return "the message is empty."
	}
	if len(content) > maxPromptLength {
		return fmt.Sprintf("the message exceeds %d characters.", maxPromptLength)
	}
	for _, r := range content {
		if r < 0x20 && r != '\n' && r != '\t' {
			return "the message contains unsupported control characters."
		}
	}
	return ""
}

func submitErrorGuidance(err error, projectName string) string {
	if sessionMissingPattern.MatchString(err.Error()) {
		return fmt.Sprintf("The agent session is gone. Start it again with `discode new --name %s`.", projectName)
	}
	return "Could not deliver the message to the agent. Check `discode status` and try again."
}

func (r *Router) replyf(ctx context.Context, channelID, format string, args ...any) {
	if _, err := r.messenger.SendToChannel(ctx, channelID, fmt.Sprintf(format, args...)); err != nil {
		log.Warn().Err(err).Str("channel", channelID).Msg("router: reply")
	}
}
