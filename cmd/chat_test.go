package cmd

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatkeeper/internal/aiconnectors"
	"github.com/chatkeeper/internal/retry"
	"github.com/chatkeeper/internal/session"
	"github.com/chatkeeper/internal/store"
	"github.com/chatkeeper/pkg/models"
)

type echoGenerator struct{}

func (echoGenerator) Name() string { return "echo" }

func (echoGenerator) GenerateText(ctx context.Context, prompt string, history []models.Turn) (string, error) {
	return "echo: " + prompt, nil
}

func (echoGenerator) GenerateImage(ctx context.Context, prompt string) (*models.Image, error) {
	return &models.Image{Kind: models.ImageURL, Data: "https://img.example/1.png"}, nil
}

func openTestSession(t *testing.T) *session.Session {
	t.Helper()
	m := session.NewManager(store.NewInMemoryStore(), aiconnectors.NewChain(echoGenerator{}), session.Options{
		Retry: retry.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1},
	})
	t.Cleanup(m.Close)
	sess, err := m.Open(context.Background(), "repl-user")
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func TestRunREPL(t *testing.T) {
	sess := openTestSession(t)
	in := strings.NewReader("hello\n/image a cat\n/new\n/select 9\n/bogus words\n/quit\nignored\n")
	var out strings.Builder

	require.NoError(t, runREPL(context.Background(), sess, in, &out))

	got := out.String()
	assert.Contains(t, got, "[assistant] echo: hello")
	assert.Contains(t, got, "[assistant] image: https://img.example/1.png")
	assert.Contains(t, got, "Started ")
	assert.Contains(t, got, "! pick a conversation number between 1 and")
	assert.Contains(t, got, "[assistant] echo: /bogus words")
	assert.NotContains(t, got, "ignored")
}

func TestRunREPL_EmptyImagePrompt(t *testing.T) {
	sess := openTestSession(t)
	var out strings.Builder

	require.NoError(t, runREPL(context.Background(), sess, strings.NewReader("/image\n"), &out))
	assert.Contains(t, out.String(), "! "+session.ErrEmptyPrompt.Error())
}

func TestPickConversation(t *testing.T) {
	v := session.View{Conversations: []models.Conversation{{ID: "b"}, {ID: "a"}}}

	id, err := pickConversation(v, "2")
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	_, err = pickConversation(v, "0")
	assert.Error(t, err)
	_, err = pickConversation(v, "x")
	assert.Error(t, err)
}
