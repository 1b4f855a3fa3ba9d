package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const restBase = "https://discord.com/api/v10"

// Client is the concrete Discord REST client behind the API interface.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

var _ API = (*Client)(nil)

// NewClient creates a REST client authenticated with a bot token.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: restBase,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("discord: %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ChannelMessageSend posts a message and returns its id.
func (c *Client) ChannelMessageSend(channelID, content string) (string, error) {
	var msg struct {
		ID string `json:"id"`
	}
	err := c.do(http.MethodPost, "/channels/"+channelID+"/messages",
		map[string]string{"content": content}, &msg)
	if err != nil {
		return "", fmt.Errorf("discord.Client.ChannelMessageSend: %w", err)
	}
	return msg.ID, nil
}

// ChannelFilesSend posts a message with file attachments via multipart.
func (c *Client) ChannelFilesSend(channelID, content string, paths []string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
	}
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
	}

	for i, path := range paths {
		part, err := w.CreateFormFile(fmt.Sprintf("files[%d]", i), filepath.Base(path))
		if err != nil {
			return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/channels/"+channelID+"/messages", &buf)
	if err != nil {
		return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord.Client.ChannelFilesSend: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("discord.Client.ChannelFilesSend: status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// MessageReactionAdd adds the bot's reaction to a message.
func (c *Client) MessageReactionAdd(channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	if err := c.do(http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("discord.Client.MessageReactionAdd: %w", err)
	}
	return nil
}

// MessageReactionRemove removes the bot's reaction from a message.
func (c *Client) MessageReactionRemove(channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	if err := c.do(http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("discord.Client.MessageReactionRemove: %w", err)
	}
	return nil
}

// GuildTextChannelEnsure finds a text channel by name or creates it.
func (c *Client) GuildTextChannelEnsure(guildID, name string) (string, error) {
	var channels []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type int    `json:"type"`
	}
	if err := c.do(http.MethodGet, "/guilds/"+guildID+"/channels", nil, &channels); err != nil {
		return "", fmt.Errorf("discord.Client.GuildTextChannelEnsure: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == 0 && ch.Name == name {
			return ch.ID, nil
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	err := c.do(http.MethodPost, "/guilds/"+guildID+"/channels",
		map[string]any{"name": name, "type": 0}, &created)
	if err != nil {
		return "", fmt.Errorf("discord.Client.GuildTextChannelEnsure: %w", err)
	}
	return created.ID, nil
}

// GatewayURL asks the REST API for the websocket gateway endpoint.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gateway/bot", nil)
	if err != nil {
		return "", fmt.Errorf("discord.Client.GatewayURL: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("discord.Client.GatewayURL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discord.Client.GatewayURL: status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("discord.Client.GatewayURL: %w", err)
	}
	return out.URL, nil
}
