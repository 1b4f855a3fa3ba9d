package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func TestNextInstanceID(t *testing.T) {
	t.Parallel()

	p := &Project{ProjectName: "demo", Instances: map[string]*Instance{}}
	assert.Equal(t, "claude", NextInstanceID(p, "claude"))

	p.Instances["claude"] = &Instance{InstanceID: "claude", AgentType: "claude"}
	assert.Equal(t, "claude-2", NextInstanceID(p, "claude"))

	p.Instances["claude-2"] = &Instance{InstanceID: "claude-2", AgentType: "claude"}
	assert.Equal(t, "claude-3", NextInstanceID(p, "claude"))

	// A hole gets filled first.
	delete(p.Instances, "claude-2")
	assert.Equal(t, "claude-2", NextInstanceID(p, "claude"))
}

func TestPrimaryInstance(t *testing.T) {
	t.Parallel()

	p := &Project{Instances: map[string]*Instance{
		"claude-2": {InstanceID: "claude-2", AgentType: "claude", ChannelID: "ch-2"},
		"claude":   {InstanceID: "claude", AgentType: "claude", ChannelID: "ch-1"},
		"gemini":   {InstanceID: "gemini", AgentType: "gemini", ChannelID: "ch-3"},
	}}

	primary := PrimaryInstance(p, "claude")
	require.NotNil(t, primary)
	assert.Equal(t, "claude", primary.InstanceID)

	// Without the unsuffixed instance the lowest suffix wins.
	delete(p.Instances, "claude")
	primary = PrimaryInstance(p, "claude")
	require.NotNil(t, primary)
	assert.Equal(t, "claude-2", primary.InstanceID)

	assert.Nil(t, PrimaryInstance(p, "opencode"))
}

func TestNormalizeProjectMigratesLegacyFields(t *testing.T) {
	t.Parallel()

	p := &Project{
		ProjectName: "demo",
		Instances: map[string]*Instance{
			"claude": {InstanceID: "claude", AgentType: "claude", LegacyChannelID: "ch-legacy"},
		},
		LegacyChannels: map[string]string{"gemini": "ch-gem"},
	}
	NormalizeProject(p)

	assert.Equal(t, "ch-legacy", p.Instances["claude"].ChannelID)
	assert.Empty(t, p.Instances["claude"].LegacyChannelID)

	require.Contains(t, p.Instances, "gemini")
	assert.Equal(t, "ch-gem", p.Instances["gemini"].ChannelID)

	assert.Nil(t, p.LegacyChannels)
	assert.Equal(t, map[string]string{"claude": "ch-legacy", "gemini": "ch-gem"}, p.Channels)
}

func TestStateRoundTripPreservesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	raw := `{
		"guildId": "g-1",
		"futureField": {"nested": true},
		"projects": {
			"demo": {
				"projectName": "demo",
				"projectPath": "/u/demo",
				"instances": {
					"claude": {"instanceId": "claude", "agentType": "claude", "discordChannelId": "ch-1"}
				}
			}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	s, err := NewStore(path)
	require.NoError(t, err)

	// Legacy field migrated, derived map rebuilt.
	p, err := s.GetProject("demo")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", p.Instances["claude"].ChannelID)
	assert.Equal(t, map[string]string{"claude": "ch-1"}, p.Channels)

	// Force a write, then verify the unknown field survived.
	require.NoError(t, s.SetGuildID("g-2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var reread map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &reread))
	assert.Contains(t, reread, "futureField")
	assert.JSONEq(t, `{"nested": true}`, string(reread["futureField"]))

	// The legacy field must not be written back.
	assert.NotContains(t, string(data), "discordChannelId")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestChannelLookups(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetProject(&Project{
		ProjectName: "demo",
		ProjectPath: "/u/demo",
		Instances: map[string]*Instance{
			"claude":   {InstanceID: "claude", AgentType: "claude", ChannelID: "ch-1"},
			"claude-2": {InstanceID: "claude-2", AgentType: "claude", ChannelID: "ch-2"},
		},
	}))

	p, err := s.FindProjectByChannel("ch-2")
	require.NoError(t, err)
	assert.Equal(t, "demo", p.ProjectName)

	agentType, err := s.AgentTypeByChannel("ch-1")
	require.NoError(t, err)
	assert.Equal(t, "claude", agentType)

	_, err = s.FindProjectByChannel("ch-none")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestRemoveProject(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetProject(&Project{ProjectName: "demo", ProjectPath: "/u/demo"}))
	require.NoError(t, s.RemoveProject("demo"))
	assert.ErrorIs(t, s.RemoveProject("demo"), ErrProjectNotFound)
	assert.Empty(t, s.ListProjects())
}

func TestUpdateLastActive(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetProject(&Project{ProjectName: "demo", ProjectPath: "/u/demo"}))
	require.NoError(t, s.UpdateLastActive("demo"))

	p, err := s.GetProject("demo")
	require.NoError(t, err)
	assert.False(t, p.LastActive.IsZero())
}
