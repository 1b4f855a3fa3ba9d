package slack_test

import (
	"context"
	"strings"
	"testing"

	slacklib "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/messaging/slack"
)

type mockAPI struct {
	posted       []string
	reactionsAdd []string
	reactionsRm  []string
	existing     []slacklib.Channel
	created      []string
}

func (m *mockAPI) AuthTestContext(context.Context) (*slacklib.AuthTestResponse, error) {
	return &slacklib.AuthTestResponse{UserID: "U1"}, nil
}

func (m *mockAPI) PostMessageContext(_ context.Context, _ string, options ...slacklib.MsgOption) (string, string, error) {
	m.posted = append(m.posted, "")
	return "C1", "1724500000.000100", nil
}

func (m *mockAPI) UploadFileV2Context(context.Context, slacklib.UploadFileV2Parameters) (*slacklib.FileSummary, error) {
	return &slacklib.FileSummary{ID: "F1"}, nil
}

func (m *mockAPI) AddReactionContext(_ context.Context, name string, _ slacklib.ItemRef) error {
	m.reactionsAdd = append(m.reactionsAdd, name)
	return nil
}

func (m *mockAPI) RemoveReactionContext(_ context.Context, name string, _ slacklib.ItemRef) error {
	m.reactionsRm = append(m.reactionsRm, name)
	return nil
}

func (m *mockAPI) CreateConversationContext(_ context.Context, params slacklib.CreateConversationParams) (*slacklib.Channel, error) {
	m.created = append(m.created, params.ChannelName)
	ch := &slacklib.Channel{}
	ch.ID = "C-new"
	ch.Name = params.ChannelName
	return ch, nil
}

func (m *mockAPI) GetConversationsContext(context.Context, *slacklib.GetConversationsParameters) ([]slacklib.Channel, string, error) {
	return m.existing, "", nil
}

func TestReactionsUseSlackEmojiNames(t *testing.T) {
	t.Parallel()

	api := &mockAPI{}
	m := slack.NewMessenger(api)

	err := m.ReplaceReaction(context.Background(), "C1", "1724500000.000100",
		messaging.ReactionPending, messaging.ReactionCompleted)
	require.NoError(t, err)
	assert.Equal(t, []string{"hourglass_flowing_sand"}, api.reactionsRm)
	assert.Equal(t, []string{"white_check_mark"}, api.reactionsAdd)
}

func TestEnsureChannelReusesExisting(t *testing.T) {
	t.Parallel()

	existing := slacklib.Channel{}
	existing.ID = "C-old"
	existing.Name = "demo-claude"

	api := &mockAPI{existing: []slacklib.Channel{existing}}
	m := slack.NewMessenger(api)

	id, err := m.EnsureChannel(context.Background(), "demo", "claude", "claude")
	require.NoError(t, err)
	assert.Equal(t, "C-old", id)
	assert.Empty(t, api.created)
}

func TestEnsureChannelCreatesAndSanitizes(t *testing.T) {
	t.Parallel()

	api := &mockAPI{}
	m := slack.NewMessenger(api)

	id, err := m.EnsureChannel(context.Background(), "My Project", "claude", "claude-2")
	require.NoError(t, err)
	assert.Equal(t, "C-new", id)
	require.Len(t, api.created, 1)
	assert.Equal(t, "my-project-claude-2", api.created[0])
}

func TestSendToChannelSplitsAtSlackLimit(t *testing.T) {
	t.Parallel()

	api := &mockAPI{}
	m := slack.NewMessenger(api)

	long := strings.Repeat("padding line for a long slack message\n", 300)
	ts, err := m.SendToChannel(context.Background(), "C1", long)
	require.NoError(t, err)
	assert.Equal(t, "1724500000.000100", ts)
	assert.Greater(t, len(api.posted), 1)
}
