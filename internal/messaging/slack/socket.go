package slack

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/discode-sh/discode/internal/messaging"
)

// NewClient builds the slack-go Web API client. The app-level token is
// required for Socket Mode.
func NewClient(botToken, appToken string) *slacklib.Client {
	return slacklib.New(botToken, slacklib.OptionAppLevelToken(appToken))
}

// SocketTransport runs a Socket Mode session and feeds message events to
// the Messenger.
type SocketTransport struct {
	socket    *socketmode.Client
	messenger *Messenger
}

// NewSocketTransport wires a Socket Mode transport over the given client.
func NewSocketTransport(api *slacklib.Client, messenger *Messenger) *SocketTransport {
	return &SocketTransport{
		socket:    socketmode.New(api),
		messenger: messenger,
	}
}

// Run pumps Socket Mode events until ctx is cancelled. The socketmode
// client reconnects internally.
func (t *SocketTransport) Run(ctx context.Context) error {
	go func() {
		if err := t.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("slack: socket mode session")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-t.socket.Events:
			if !ok {
				return fmt.Errorf("slack.SocketTransport.Run: event channel closed")
			}
			t.handle(ctx, evt)
		}
	}
}

func (t *SocketTransport) handle(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			t.socket.Ack(*evt.Request)
		}
		t.handleEventsAPI(ctx, apiEvent)
	case socketmode.EventTypeConnectionError:
		log.Warn().Interface("data", evt.Data).Msg("slack: socket connection error")
	case socketmode.EventTypeConnected:
		log.Info().Msg("slack: socket mode connected")
	}
}

func (t *SocketTransport) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Skip bot echoes and edits/joins; only plain user messages route.
	if msg.BotID != "" || msg.SubType != "" {
		return
	}

	// slackevents.MessageEvent has no Files field; the unmarshaler copies
	// the top-level message payload (including files) into msg.Message.
	var files []slacklib.File
	if msg.Message != nil {
		files = msg.Message.Files
	}
	attachments := make([]messaging.Attachment, 0, len(files))
	for _, f := range files {
		attachments = append(attachments, messaging.Attachment{
			Filename:    f.Name,
			URL:         f.URLPrivateDownload,
			Size:        int64(f.Size),
			ContentType: f.Mimetype,
		})
	}

	// Slack messages are identified by their channel timestamp.
	t.messenger.HandleInbound(ctx, msg.Channel, msg.Text, msg.TimeStamp, attachments)
}
