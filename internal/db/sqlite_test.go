package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxtalk/fluxtalk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, opts ...Option) *Database {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func strPtr(s string) *string { return &s }

func TestCreateAndLoadConversation(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	var id int64
	require.NoError(t, database.WithTx(ctx, func(tx *Tx) error {
		conv, err := tx.CreateConversation("")
		require.NoError(t, err)
		assert.Equal(t, models.DefaultTitle, conv.Title)
		assert.NotZero(t, conv.ID)
		id = conv.ID
		return nil
	}))

	require.NoError(t, database.WithTx(ctx, func(tx *Tx) error {
		conv, err := tx.LoadConversation(id)
		require.NoError(t, err)
		assert.Equal(t, id, conv.ID)
		assert.Empty(t, conv.Messages)
		assert.Nil(t, conv.ModelSource)
		return nil
	}))
}

func TestGetConversationNotFound(t *testing.T) {
	database := newTestDB(t)

	err := database.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.GetConversation(42)
		return err
	})

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesOrderedByCreationTime(t *testing.T) {
	database := newTestDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, database.WithTx(context.Background(), func(tx *Tx) error {
		conv, err := tx.CreateConversation("ordering")
		require.NoError(t, err)

		for _, offset := range []time.Duration{3 * time.Second, time.Second, 2500 * time.Millisecond} {
			msg := &models.Message{
				ConvID:    conv.ID,
				Role:      models.RoleUser,
				Content:   offset.String(),
				CreatedAt: base.Add(offset),
			}
			require.NoError(t, tx.SaveMessage(msg))
		}

		messages, err := tx.GetMessages(conv.ID)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, "1s", messages[0].Content)
		assert.Equal(t, "2.5s", messages[1].Content)
		assert.Equal(t, "3s", messages[2].Content)
		return nil
	}))
}

func TestModelSourceRoundTrip(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.WithTx(context.Background(), func(tx *Tx) error {
		conv, err := tx.CreateConversation("")
		require.NoError(t, err)

		src := &models.ModelSource{
			ConvID:  conv.ID,
			Name:    "openai",
			Host:    strPtr("https://api.openai.com"),
			Model:   strPtr("gpt-4o"),
			APIKey:  strPtr("sk-secret"),
			IsLocal: false,
		}
		require.NoError(t, tx.CreateModelSource(src))

		src.Name = "lmstudio"
		src.Host = nil
		src.Model = nil
		src.APIKey = nil
		src.IsLocal = true
		require.NoError(t, tx.UpdateModelSource(src))

		got, err := tx.GetModelSource(conv.ID)
		require.NoError(t, err)
		assert.Equal(t, src.ID, got.ID)
		assert.Equal(t, "lmstudio", got.Name)
		assert.Nil(t, got.Host)
		assert.Nil(t, got.Model)
		assert.Nil(t, got.APIKey)
		assert.True(t, got.IsLocal)
		return nil
	}))
}

func TestModelSourceUniquePerConversation(t *testing.T) {
	database := newTestDB(t)

	err := database.WithTx(context.Background(), func(tx *Tx) error {
		conv, err := tx.CreateConversation("")
		require.NoError(t, err)
		require.NoError(t, tx.CreateModelSource(&models.ModelSource{ConvID: conv.ID, Name: "a", IsLocal: true}))
		return tx.CreateModelSource(&models.ModelSource{ConvID: conv.ID, Name: "b", IsLocal: true})
	})

	assert.Error(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var id int64
	err := database.WithTx(ctx, func(tx *Tx) error {
		conv, err := tx.CreateConversation("doomed")
		require.NoError(t, err)
		id = conv.ID
		require.NoError(t, tx.SaveMessage(&models.Message{ConvID: conv.ID, Role: "user", Content: "hi"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = database.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.GetConversation(id)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = database.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.CreateConversation("panicked")
			require.NoError(t, err)
			panic("boom")
		})
	})

	require.NoError(t, database.WithTx(ctx, func(tx *Tx) error {
		conversations, err := tx.ListConversations()
		require.NoError(t, err)
		assert.Empty(t, conversations)
		return nil
	}))
}

func TestDeleteConversationRemovesOwnedRows(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	var id int64
	require.NoError(t, database.WithTx(ctx, func(tx *Tx) error {
		conv, err := tx.CreateConversation("")
		require.NoError(t, err)
		id = conv.ID
		require.NoError(t, tx.SaveMessage(&models.Message{ConvID: id, Role: "user", Content: "hi"}))
		require.NoError(t, tx.CreateModelSource(&models.ModelSource{ConvID: id, Name: "lmstudio", IsLocal: true}))
		return nil
	}))

	require.NoError(t, database.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteConversation(id)
	}))

	require.NoError(t, database.WithTx(ctx, func(tx *Tx) error {
		messages, err := tx.GetMessages(id)
		require.NoError(t, err)
		assert.Empty(t, messages)

		_, err = tx.GetModelSource(id)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, tx.DeleteConversation(id), ErrNotFound)
		return nil
	}))
}

func TestListConversationsNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	database := newTestDB(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))

	require.NoError(t, database.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.CreateConversation("first")
		require.NoError(t, err)
		_, err = tx.CreateConversation("second")
		require.NoError(t, err)

		conversations, err := tx.ListConversations()
		require.NoError(t, err)
		require.Len(t, conversations, 2)
		assert.Equal(t, "second", conversations[0].Title)
		assert.Equal(t, "first", conversations[1].Title)
		return nil
	}))
}

func TestUpdateConversationTitle(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.WithTx(context.Background(), func(tx *Tx) error {
		conv, err := tx.CreateConversation("")
		require.NoError(t, err)
		require.NoError(t, tx.UpdateConversationTitle(conv.ID, "Renamed"))

		got, err := tx.GetConversation(conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)

		assert.ErrorIs(t, tx.UpdateConversationTitle(conv.ID+100, "x"), ErrNotFound)
		return nil
	}))
}
