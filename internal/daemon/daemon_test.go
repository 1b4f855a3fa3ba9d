package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/state"
)

type captureMessenger struct {
	bindings map[string]messaging.ChannelBinding
}

func (m *captureMessenger) Connect(context.Context) error { return nil }
func (m *captureMessenger) Close() error                  { return nil }
func (m *captureMessenger) Platform() string              { return "capture" }
func (m *captureMessenger) SendToChannel(context.Context, string, string) (string, error) {
	return "", nil
}
func (m *captureMessenger) SendToChannelWithFiles(context.Context, string, string, []string) error {
	return nil
}
func (m *captureMessenger) AddReaction(context.Context, string, string, string) error { return nil }
func (m *captureMessenger) ReplaceReaction(context.Context, string, string, string, string) error {
	return nil
}
func (m *captureMessenger) EnsureChannel(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (m *captureMessenger) RegisterChannels(b map[string]messaging.ChannelBinding) { m.bindings = b }
func (m *captureMessenger) OnInboundMessage(messaging.InboundHandler)              {}

func TestReloadRegistersChannelBindings(t *testing.T) {
	st, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, st.SetProject(&state.Project{
		ProjectName: "demo",
		ProjectPath: "/tmp/demo",
		Instances: map[string]*state.Instance{
			"claude":   {InstanceID: "claude", AgentType: "claude", ChannelID: "ch-1"},
			"claude-2": {InstanceID: "claude-2", AgentType: "claude", ChannelID: "ch-2"},
			"nochan":   {InstanceID: "nochan", AgentType: "gemini"},
		},
	}))

	m := &captureMessenger{}
	app := &App{State: st, Messenger: m}
	require.NoError(t, app.Reload(context.Background()))

	require.Len(t, m.bindings, 2, "instances without channels are skipped")
	assert.Equal(t, "demo", m.bindings["ch-1"].ProjectName)
	assert.Equal(t, "claude-2", m.bindings["ch-2"].InstanceID)
}

func TestPortBusy(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.True(t, PortBusy(port))

	ln.Close()
	assert.False(t, PortBusy(port))
}

func TestPIDFileRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	pid, err := ReadPID()
	require.NoError(t, err)
	assert.Zero(t, pid, "missing pid file reads as zero")

	require.NoError(t, WritePID())
	pid, err = ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	got, ok := Running()
	assert.True(t, ok, "our own pid is alive")
	assert.Equal(t, os.Getpid(), got)

	RemovePID()
	pid, err = ReadPID()
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestSocketPathUnderHome(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	p, err := SocketPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".discode", "runtime.sock"), p)
}
