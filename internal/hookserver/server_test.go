package hookserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/pending"
	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/state"
)

type sentMessage struct {
	channelID string
	text      string
	files     []string
}

type mockMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *mockMessenger) Connect(context.Context) error { return nil }
func (m *mockMessenger) Close() error                  { return nil }
func (m *mockMessenger) Platform() string              { return "mock" }

func (m *mockMessenger) SendToChannel(_ context.Context, channelID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{channelID: channelID, text: text})
	return "m-1", nil
}

func (m *mockMessenger) SendToChannelWithFiles(_ context.Context, channelID, text string, files []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{channelID: channelID, text: text, files: files})
	return nil
}

func (m *mockMessenger) AddReaction(context.Context, string, string, string) error     { return nil }
func (m *mockMessenger) ReplaceReaction(context.Context, string, string, string, string) error {
	return nil
}
func (m *mockMessenger) EnsureChannel(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (m *mockMessenger) RegisterChannels(map[string]messaging.ChannelBinding) {}
func (m *mockMessenger) OnInboundMessage(messaging.InboundHandler)            {}

func (m *mockMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type fakeRuntime struct {
	windows []runtime.WindowSnapshot
}

func (f *fakeRuntime) GetOrCreateSession(p, _ string) (string, error)       { return runtime.SessionName(p), nil }
func (f *fakeRuntime) SetSessionEnv(string, string, string) error           { return nil }
func (f *fakeRuntime) WindowExists(string, string) bool                     { return true }
func (f *fakeRuntime) StartAgentInWindow(string, string, string) error      { return nil }
func (f *fakeRuntime) TypeKeysToWindow(string, string, string) error        { return nil }
func (f *fakeRuntime) SendEnterToWindow(string, string) error               { return nil }
func (f *fakeRuntime) SendKeysToWindow(string, string, string, string) error { return nil }
func (f *fakeRuntime) WriteInput(string, string, []byte) error              { return nil }
func (f *fakeRuntime) GetWindowBuffer(string, string) (string, error)       { return "", nil }
func (f *fakeRuntime) GetWindowFrame(string, string, int, int) (*runtime.StyledFrame, error) {
	return nil, nil
}
func (f *fakeRuntime) ResizeWindow(string, string, int, int) error { return nil }
func (f *fakeRuntime) StopWindow(string, string, os.Signal) bool   { return true }
func (f *fakeRuntime) ListWindows(string) []runtime.WindowSnapshot { return f.windows }
func (f *fakeRuntime) Dispose(os.Signal)                           {}

func newTestServer(t *testing.T, projectPath string) (*Server, *mockMessenger, *pending.Tracker) {
	t.Helper()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, store.SetProject(&state.Project{
		ProjectName: "demo",
		ProjectPath: projectPath,
		SessionName: "bridge",
		Instances: map[string]*state.Instance{
			"opencode": {InstanceID: "opencode", AgentType: "opencode", WindowName: "opencode", ChannelID: "ch-1"},
		},
	}))

	messenger := &mockMessenger{}
	tracker := pending.NewTracker(messenger)
	srv := NewServer(0, Deps{
		State:     store,
		Messenger: messenger,
		Pending:   tracker,
		Runtime:   &fakeRuntime{windows: []runtime.WindowSnapshot{{Session: "bridge", Window: "opencode", Running: true}}},
		Reload:    func(context.Context) error { return nil },
	})
	return srv, messenger, tracker
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMethodAndPathRestrictions(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, t.TempDir())
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/no-such-endpoint", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReload(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, t.TempDir())
	rec := postJSON(t, srv.Handler(), "/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestEventRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, t.TempDir())
	h := srv.Handler()

	assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/opencode-event", "{{{").Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/opencode-event", `{"type":"session.idle"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		postJSON(t, h, "/opencode-event", `{"projectName":"nope","agentType":"opencode","type":"session.idle"}`).Code)
}

func TestSessionIdleSendsTextAndFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	chart := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(chart, []byte("png"), 0o644))

	srv, messenger, tracker := newTestServer(t, dir)
	tracker.EnsurePending("demo", "opencode", "ch-1", "opencode")

	body := `{"projectName":"demo","agentType":"opencode","type":"session.idle",` +
		`"text":"done, wrote ` + chart + `","turnText":"done, wrote ` + chart + `"}`
	rec := postJSON(t, srv.Handler(), "/opencode-event", body)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := messenger.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ch-1", msgs[0].channelID)
	assert.Equal(t, "done, wrote", msgs[0].text, "path stripped from text")
	assert.Equal(t, []string{chart}, msgs[1].files)

	// Completion is dispatched asynchronously.
	assert.Eventually(t, func() bool {
		return !tracker.HasPending("demo", "opencode", "opencode")
	}, time.Second, 10*time.Millisecond)
}

func TestSessionErrorNotifiesChannel(t *testing.T) {
	t.Parallel()

	srv, messenger, tracker := newTestServer(t, t.TempDir())
	tracker.EnsurePending("demo", "opencode", "ch-1", "opencode")

	body := `{"projectName":"demo","agentType":"opencode","type":"session.error","text":"boom"}`
	rec := postJSON(t, srv.Handler(), "/opencode-event", body)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "⚠️ session error: boom", msgs[0].text)
	assert.False(t, tracker.HasPending("demo", "opencode", "opencode"))
}

func TestSendFiles(t *testing.T) {
	t.Parallel()

	srv, messenger, _ := newTestServer(t, t.TempDir())
	body := `{"projectName":"demo","agentType":"opencode","files":["/tmp/a.png"]}`
	rec := postJSON(t, srv.Handler(), "/send-files", body)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"/tmp/a.png"}, msgs[0].files)
}

func TestWindowsListing(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, t.TempDir())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/windows", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"opencode"`)
}

func TestFocusForwards(t *testing.T) {
	t.Parallel()

	var focused string
	srv, _, _ := newTestServer(t, t.TempDir())
	srv.deps.Focus = func(id string) { focused = id }

	rec := postJSON(t, srv.Handler(), "/focus", `{"windowId":"bridge:opencode"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bridge:opencode", focused)
}
