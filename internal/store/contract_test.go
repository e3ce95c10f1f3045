package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatkeeper/pkg/models"
)

// runStoreContract exercises the behavior every Store backend must share
func runStoreContract(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ConversationsNewestFirst", func(t *testing.T) {
		first := &models.Conversation{Name: "Chat 1", AccountID: "acct-order", CreatedAt: base}
		second := &models.Conversation{Name: "Chat 2", AccountID: "acct-order", CreatedAt: base.Add(time.Minute)}
		other := &models.Conversation{Name: "Chat 1", AccountID: "someone-else", CreatedAt: base}
		require.NoError(t, st.CreateConversation(ctx, first))
		require.NoError(t, st.CreateConversation(ctx, second))
		require.NoError(t, st.CreateConversation(ctx, other))
		assert.NotEmpty(t, first.ID)
		assert.NotEqual(t, first.ID, second.ID)

		list, err := st.ListConversations(ctx, "acct-order")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID)
		assert.Equal(t, first.ID, list[1].ID)

		got, err := st.GetConversation(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "Chat 1", got.Name)
		assert.True(t, base.Equal(got.CreatedAt))
	})

	t.Run("MessagesOldestFirstAndIdempotent", func(t *testing.T) {
		c := &models.Conversation{Name: "Chat 1", AccountID: "acct-msgs", CreatedAt: base}
		require.NoError(t, st.CreateConversation(ctx, c))

		reply := &models.Message{ID: "m2", Content: "hi there", Role: models.RoleAssistant, AccountID: "acct-msgs", CreatedAt: base.Add(2 * time.Second)}
		prompt := &models.Message{ID: "m1", Content: "hello", Role: models.RoleUser, AccountID: "acct-msgs", CreatedAt: base.Add(time.Second)}
		image := &models.Message{ID: "m3", Content: "https://img/1.png", Role: models.RoleAssistant, AccountID: "acct-msgs",
			Image: &models.Image{Kind: models.ImageURL, Data: "https://img/1.png"}, CreatedAt: base.Add(3 * time.Second)}
		require.NoError(t, st.PutMessage(ctx, c.ID, reply))
		require.NoError(t, st.PutMessage(ctx, c.ID, prompt))
		require.NoError(t, st.PutMessage(ctx, c.ID, image))
		require.NoError(t, st.PutMessage(ctx, c.ID, prompt), "rewriting the same id must not duplicate")

		msgs, err := st.ListMessages(ctx, c.ID)
		require.NoError(t, err)
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if diff := cmp.Diff([]string{"m1", "m2", "m3"}, ids); diff != "" {
			t.Fatalf("message order mismatch (-want +got):\n%s", diff)
		}
		require.NotNil(t, msgs[2].Image)
		assert.Equal(t, models.ImageURL, msgs[2].Image.Kind)

		n, err := st.CountMessages(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("PutMessageRequiresConversation", func(t *testing.T) {
		err := st.PutMessage(ctx, "does-not-exist", &models.Message{ID: "x", Role: models.RoleUser, Content: "x"})
		assert.ErrorIs(t, err, ErrConversationNotFound)

		c := &models.Conversation{Name: "Chat 1", AccountID: "acct-invalid"}
		require.NoError(t, st.CreateConversation(ctx, c))
		err = st.PutMessage(ctx, c.ID, &models.Message{Content: "no id", Role: models.RoleUser})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("DeleteRemovesMessages", func(t *testing.T) {
		c := &models.Conversation{Name: "Chat 1", AccountID: "acct-delete"}
		require.NoError(t, st.CreateConversation(ctx, c))
		require.NoError(t, st.PutMessage(ctx, c.ID, &models.Message{ID: "m1", Content: "hello", Role: models.RoleUser}))

		require.NoError(t, st.DeleteConversation(ctx, c.ID))
		assert.ErrorIs(t, st.DeleteConversation(ctx, c.ID), ErrConversationNotFound)

		_, err := st.GetConversation(ctx, c.ID)
		assert.ErrorIs(t, err, ErrConversationNotFound)

		n, err := st.CountMessages(ctx, c.ID)
		require.NoError(t, err)
		assert.Zero(t, n)

		list, err := st.ListConversations(ctx, "acct-delete")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("WatchConversations", func(t *testing.T) {
		sub := WatchConversations(ctx, st, "acct-watch", WatchOptions{})
		defer sub.Close()

		initial := nextSnapshot(t, sub)
		assert.Empty(t, initial)

		c := &models.Conversation{Name: "Chat 1", AccountID: "acct-watch"}
		require.NoError(t, st.CreateConversation(ctx, c))

		snap := nextSnapshot(t, sub)
		require.Len(t, snap, 1)
		assert.Equal(t, c.ID, snap[0].ID)

		require.NoError(t, st.DeleteConversation(ctx, c.ID))
		assert.Empty(t, nextSnapshot(t, sub))
	})

	t.Run("WatchMessages", func(t *testing.T) {
		c := &models.Conversation{Name: "Chat 1", AccountID: "acct-watch-msgs"}
		require.NoError(t, st.CreateConversation(ctx, c))

		sub := WatchMessages(ctx, st, c.ID, WatchOptions{})
		defer sub.Close()
		assert.Empty(t, nextSnapshot(t, sub))

		require.NoError(t, st.PutMessage(ctx, c.ID, &models.Message{ID: "m1", Content: "hello", Role: models.RoleUser}))
		snap := nextSnapshot(t, sub)
		require.Len(t, snap, 1)
		assert.Equal(t, "hello", snap[0].Content)
	})
}

func nextSnapshot[T any](t *testing.T, sub *Subscription[T]) []T {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		require.True(t, ok, "subscription closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}
