package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/messaging"
)

// Gateway intents: GUILDS, GUILD_MESSAGES, MESSAGE_CONTENT.
const gatewayIntents = (1 << 0) | (1 << 9) | (1 << 15)

// Gateway opcodes used by the session.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opHello          = 10
	opHeartbeatAck   = 11
	opReconnectAsked = 7
)

type gatewayPayload struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type messageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		Bot bool `json:"bot"`
	} `json:"author"`
	Attachments []struct {
		Filename    string `json:"filename"`
		URL         string `json:"url"`
		Size        int64  `json:"size"`
		ContentType string `json:"content_type"`
	} `json:"attachments"`
}

// Gateway maintains the Discord websocket session and feeds inbound
// messages to the Messenger.
type Gateway struct {
	client    *Client
	messenger *Messenger
	token     string
}

// NewGateway wires a gateway session for the given bot token.
func NewGateway(client *Client, messenger *Messenger, token string) *Gateway {
	return &Gateway{client: client, messenger: messenger, token: token}
}

// Run keeps the gateway session alive until ctx is cancelled, reconnecting
// with backoff on failure.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("discord: gateway session ended, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// session runs one connect-identify-read cycle.
func (g *Gateway) session(ctx context.Context) error {
	gatewayURL, err := g.client.GatewayURL(ctx)
	if err != nil {
		return fmt.Errorf("discord.Gateway.session: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, gatewayURL+"?v=10&encoding=json", nil)
	if err != nil {
		return fmt.Errorf("discord.Gateway.session: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	// HELLO carries the heartbeat interval.
	var hello gatewayPayload
	if err := readPayload(ctx, conn, &hello); err != nil {
		return fmt.Errorf("discord.Gateway.session: read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("discord.Gateway.session: expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("discord.Gateway.session: %w", err)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os": "linux", "browser": "discode", "device": "discode",
			},
		},
	}
	if err := writePayload(ctx, conn, identify); err != nil {
		return fmt.Errorf("discord.Gateway.session: identify: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastSeq int64
	heartbeatErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				beat := map[string]any{"op": opHeartbeat, "d": lastSeq}
				if err := writePayload(sessionCtx, conn, beat); err != nil {
					heartbeatErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-heartbeatErr:
			return fmt.Errorf("discord.Gateway.session: heartbeat: %w", err)
		default:
		}

		var p gatewayPayload
		if err := readPayload(sessionCtx, conn, &p); err != nil {
			return fmt.Errorf("discord.Gateway.session: read: %w", err)
		}
		if p.S != nil {
			lastSeq = *p.S
		}

		switch p.Op {
		case opDispatch:
			if p.T == "MESSAGE_CREATE" {
				g.dispatchMessage(sessionCtx, p.D)
			}
		case opHeartbeat:
			beat := map[string]any{"op": opHeartbeat, "d": lastSeq}
			if err := writePayload(sessionCtx, conn, beat); err != nil {
				return fmt.Errorf("discord.Gateway.session: %w", err)
			}
		case opReconnectAsked:
			return fmt.Errorf("discord.Gateway.session: server requested reconnect")
		case opHeartbeatAck:
			// fine
		}
	}
}

func (g *Gateway) dispatchMessage(ctx context.Context, raw json.RawMessage) {
	var msg messageCreate
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("discord: bad MESSAGE_CREATE payload")
		return
	}
	if msg.Author.Bot {
		return
	}

	attachments := make([]messaging.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, messaging.Attachment{
			Filename:    a.Filename,
			URL:         a.URL,
			Size:        a.Size,
			ContentType: a.ContentType,
		})
	}
	g.messenger.HandleInbound(ctx, msg.ChannelID, msg.Content, msg.ID, attachments)
}

func readPayload(ctx context.Context, conn *websocket.Conn, out *gatewayPayload) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func writePayload(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
