package project

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discode-sh/discode/internal/config"
	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/state"
)

func TestLookupAgent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "claude", LookupAgent("claude").Name())
	assert.True(t, LookupAgent("opencode").HasHook())

	generic := LookupAgent("somecli")
	assert.False(t, generic.HasHook())
	assert.Equal(t, "cd '/tmp/p' && somecli", generic.StartCommand("/tmp/p", false))
}

func TestOpencodeStartCommandPermissionMode(t *testing.T) {
	t.Parallel()

	a := LookupAgent("opencode")
	assert.Equal(t, "cd '/tmp/p' && opencode", a.StartCommand("/tmp/p", false))
	assert.Contains(t, a.StartCommand("/tmp/p", true), `OPENCODE_PERMISSION='{"*":"allow"}'`)
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "'/tmp/plain'", shellQuote("/tmp/plain"))
	assert.Equal(t, `'/tmp/it'\''s here'`, shellQuote("/tmp/it's here"))
}

func TestExportPrefixStableOrder(t *testing.T) {
	t.Parallel()

	prefix := exportPrefix(map[string]string{
		"AGENT_DISCORD_PROJECT": "demo",
		"AGENT_DISCORD_AGENT":   "claude",
	})
	assert.Equal(t, "export AGENT_DISCORD_AGENT='claude'; export AGENT_DISCORD_PROJECT='demo'; ", prefix)
}

func TestInstallSendHelper(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, InstallSendHelper(dir, "demo", 18470))

	script, err := os.ReadFile(filepath.Join(dir, ".discode", "bin", "discode-send"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `"demo"`)
	assert.Contains(t, string(script), "18470")

	info, err := os.Stat(filepath.Join(dir, ".discode", "bin", "discode-send"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	pkg, err := os.ReadFile(filepath.Join(dir, ".discode", "bin", "package.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"commonjs"}`, string(pkg))
}

func TestOpencodeHookInstall(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, LookupAgent("opencode").InstallHook(dir, 18470))

	plugin, err := os.ReadFile(filepath.Join(dir, ".opencode", "plugin", "discode.js"))
	require.NoError(t, err)
	assert.Contains(t, string(plugin), "/opencode-event")
	assert.Contains(t, string(plugin), "18470")
	assert.Contains(t, string(plugin), "session.idle")
}

func TestClaudeHookInstallMergesSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	settingsPath := filepath.Join(home, ".claude", "settings.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(settingsPath), 0o755))
	require.NoError(t, os.WriteFile(settingsPath, []byte(`{"model":"opus","hooks":{"PreToolUse":[]}}`), 0o644))

	require.NoError(t, LookupAgent("claude").InstallHook("/tmp/p", 18470))

	raw, err := os.ReadFile(settingsPath)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `"model": "opus"`, "existing settings preserved")
	assert.Contains(t, text, `"PreToolUse"`, "existing hooks preserved")
	assert.Contains(t, text, "discode-send")
}

// --- service tests ---

type mockMessenger struct {
	channelID string
	connected bool
}

func (m *mockMessenger) Connect(context.Context) error { m.connected = true; return nil }
func (m *mockMessenger) Close() error                  { return nil }
func (m *mockMessenger) Platform() string              { return "mock" }
func (m *mockMessenger) SendToChannel(context.Context, string, string) (string, error) {
	return "", nil
}
func (m *mockMessenger) SendToChannelWithFiles(context.Context, string, string, []string) error {
	return nil
}
func (m *mockMessenger) AddReaction(context.Context, string, string, string) error { return nil }
func (m *mockMessenger) ReplaceReaction(context.Context, string, string, string, string) error {
	return nil
}
func (m *mockMessenger) EnsureChannel(context.Context, string, string, string) (string, error) {
	return m.channelID, nil
}
func (m *mockMessenger) RegisterChannels(map[string]messaging.ChannelBinding) {}
func (m *mockMessenger) OnInboundMessage(messaging.InboundHandler)            {}

type recordRuntime struct {
	started map[string]string // window -> command
	env     map[string]string
	exists  bool
}

func newRecordRuntime() *recordRuntime {
	return &recordRuntime{started: make(map[string]string), env: make(map[string]string)}
}

func (r *recordRuntime) GetOrCreateSession(p, _ string) (string, error) {
	return runtime.SessionName(p), nil
}
func (r *recordRuntime) SetSessionEnv(_, k, v string) error { r.env[k] = v; return nil }
func (r *recordRuntime) WindowExists(string, string) bool   { return r.exists }
func (r *recordRuntime) StartAgentInWindow(_, window, cmd string) error {
	r.started[window] = cmd
	return nil
}
func (r *recordRuntime) TypeKeysToWindow(string, string, string) error         { return nil }
func (r *recordRuntime) SendEnterToWindow(string, string) error                { return nil }
func (r *recordRuntime) SendKeysToWindow(string, string, string, string) error { return nil }
func (r *recordRuntime) WriteInput(string, string, []byte) error               { return nil }
func (r *recordRuntime) GetWindowBuffer(string, string) (string, error)        { return "", nil }
func (r *recordRuntime) GetWindowFrame(string, string, int, int) (*runtime.StyledFrame, error) {
	return nil, nil
}
func (r *recordRuntime) ResizeWindow(string, string, int, int) error { return nil }
func (r *recordRuntime) StopWindow(string, string, os.Signal) bool   { return true }
func (r *recordRuntime) ListWindows(string) []runtime.WindowSnapshot { return nil }
func (r *recordRuntime) Dispose(os.Signal)                           {}

func newTestService(t *testing.T) (*Service, *state.Store, *recordRuntime, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir()) // hook installs stay inside the test

	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	rt := newRecordRuntime()
	projectPath := t.TempDir()
	svc := NewService(&config.Config{}, store, rt, &mockMessenger{channelID: "ch-1"})
	return svc, store, rt, projectPath
}

func TestSetupInstancePersistsChannel(t *testing.T) {
	svc, store, _, projectPath := newTestService(t)

	inst, err := svc.SetupInstance(context.Background(), "demo", projectPath, "claude", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "claude", inst.InstanceID, "empty instance id defaults to agent name")
	assert.Equal(t, "ch-1", inst.ChannelID)
	assert.Equal(t, "demo-claude", inst.WindowName, "window names carry the project prefix")

	proj, err := store.GetProject("demo")
	require.NoError(t, err)
	assert.Equal(t, projectPath, proj.ProjectPath)
	assert.Contains(t, proj.Instances, "claude")

	// The helper landed in the project.
	_, err = os.Stat(filepath.Join(projectPath, ".discode", "bin", "discode-send"))
	assert.NoError(t, err)
}

func TestResumeInstanceStartsWindowWithEnv(t *testing.T) {
	svc, store, rt, projectPath := newTestService(t)

	_, err := svc.SetupInstance(context.Background(), "demo", projectPath, "opencode", "", 0)
	require.NoError(t, err)

	proj, err := store.GetProject("demo")
	require.NoError(t, err)
	require.NoError(t, svc.ResumeInstance(context.Background(), "demo", proj.Instances["opencode"], 18470))

	cmd, ok := rt.started["demo-opencode"]
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(cmd, "export AGENT_DISCORD_AGENT='opencode'; "))
	assert.Contains(t, cmd, "export AGENT_DISCORD_PORT='18470'; ")
	assert.Contains(t, cmd, "&& opencode")
	assert.Equal(t, "demo", rt.env["AGENT_DISCORD_PROJECT"])

	// The hook install succeeded, so eventHook is now persisted.
	proj, err = store.GetProject("demo")
	require.NoError(t, err)
	assert.True(t, proj.Instances["opencode"].EventHook)
}

func TestResumeInstanceSkipsRunningWindow(t *testing.T) {
	svc, store, rt, projectPath := newTestService(t)
	rt.exists = true

	_, err := svc.SetupInstance(context.Background(), "demo", projectPath, "claude", "", 0)
	require.NoError(t, err)
	proj, _ := store.GetProject("demo")
	require.NoError(t, svc.ResumeInstance(context.Background(), "demo", proj.Instances["claude"], 18470))

	assert.Empty(t, rt.started)
}

func TestResumeContainerInstanceUsesDockerStart(t *testing.T) {
	svc, store, rt, projectPath := newTestService(t)

	_, err := svc.SetupInstance(context.Background(), "demo", projectPath, "claude", "", 0)
	require.NoError(t, err)
	proj, _ := store.GetProject("demo")
	inst := proj.Instances["claude"]
	inst.ContainerMode = true
	inst.ContainerID = "abc123"
	require.NoError(t, store.SetProject(proj))

	require.NoError(t, svc.ResumeInstance(context.Background(), "demo", inst, 18470))
	assert.Contains(t, rt.started["demo-claude"], "docker start -ai abc123")
	assert.Equal(t, "host.docker.internal", rt.env["AGENT_DISCORD_HOSTNAME"])
}

func TestRemoveInstanceDropsProjectWithLast(t *testing.T) {
	svc, store, _, projectPath := newTestService(t)

	_, err := svc.SetupInstance(context.Background(), "demo", projectPath, "claude", "claude", 0)
	require.NoError(t, err)
	_, err = svc.SetupInstance(context.Background(), "demo", projectPath, "claude", "claude-2", 0)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveInstance("demo", "claude-2"))
	proj, err := store.GetProject("demo")
	require.NoError(t, err)
	assert.NotContains(t, proj.Instances, "claude-2")

	require.NoError(t, svc.RemoveInstance("demo", "claude"))
	_, err = store.GetProject("demo")
	assert.ErrorIs(t, err, state.ErrProjectNotFound)
}
