package discord

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("tok-123")
	c.baseURL = srv.URL
	return c
}

func TestChannelMessageSend(t *testing.T) {
	t.Parallel()

	var gotAuth, gotContent string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/channels/ch-1/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotContent = body["content"]

		json.NewEncoder(w).Encode(map[string]string{"id": "msg-9"})
	})

	id, err := c.ChannelMessageSend("ch-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg-9", id)
	assert.Equal(t, "Bot tok-123", gotAuth)
	assert.Equal(t, "hello", gotContent)
}

func TestChannelMessageSendHTTPError(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Missing Access"}`, http.StatusForbidden)
	})

	_, err := c.ChannelMessageSend("ch-1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestGuildTextChannelEnsure(t *testing.T) {
	t.Parallel()

	t.Run("reuses existing channel", func(t *testing.T) {
		t.Parallel()

		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": "voice-1", "name": "demo-claude", "type": 2},
				{"id": "text-1", "name": "demo-claude", "type": 0},
			})
		})

		id, err := c.GuildTextChannelEnsure("g-1", "demo-claude")
		require.NoError(t, err)
		assert.Equal(t, "text-1", id, "voice channel with same name is skipped")
	})

	t.Run("creates missing channel", func(t *testing.T) {
		t.Parallel()

		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "demo-gemini", body["name"])
			assert.EqualValues(t, 0, body["type"])
			json.NewEncoder(w).Encode(map[string]string{"id": "new-1"})
		})

		id, err := c.GuildTextChannelEnsure("g-1", "demo-gemini")
		require.NoError(t, err)
		assert.Equal(t, "new-1", id)
	})
}

func TestMessageReactionAddEscapesEmoji(t *testing.T) {
	t.Parallel()

	var gotPath string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.MessageReactionAdd("ch-1", "msg-1", "⏳"))
	assert.Equal(t, "/channels/ch-1/messages/msg-1/reactions/"+url.PathEscape("⏳")+"/@me", gotPath)
}

func TestChannelFilesSendMultipart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.JSONEq(t, `{"content":"see attached"}`, r.FormValue("payload_json"))

		file, header, err := r.FormFile("files[0]")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "report.txt", header.Filename)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"m"}`))
	})

	require.NoError(t, c.ChannelFilesSend("ch-1", "see attached", []string{path}))
}
