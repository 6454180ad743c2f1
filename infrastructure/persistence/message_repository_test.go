package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chat-relay/domain/persistence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRepository_ConversationLifecycle(t *testing.T) {
	dm := setupTestDB(t)
	_, messages, _ := dm.GetRepositories()
	ctx := context.Background()

	conv := &persistence.ConversationRecord{UserID: "user-1", Title: "Hello"}
	require.NoError(t, messages.CreateConversation(ctx, conv))
	require.NotEqual(t, uuid.Nil, conv.ID)

	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	for i, turn := range []persistence.MessageRecord{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!", Model: "gpt-4o-mini", PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	} {
		msg := turn
		msg.ConversationID = conv.ID
		msg.UserID = "user-1"
		msg.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, messages.AppendMessage(ctx, &msg))
	}

	found, err := messages.FindMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Hi", found[0].Content)
	assert.Equal(t, "Hello!", found[1].Content)
	assert.Equal(t, int64(5), found[1].TotalTokens)

	limited, err := messages.FindMessages(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "Hello!", limited[0].Content, "limit keeps the newest messages")

	touched := base.Add(time.Hour)
	require.NoError(t, messages.TouchConversation(ctx, conv.ID, "user-1", touched))
	reloaded, err := messages.FindConversation(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, reloaded.UpdatedAt.Equal(touched))
}

func TestMessageRepository_FindMessagesLimitKeepsLatest(t *testing.T) {
	dm := setupTestDB(t)
	_, messages, _ := dm.GetRepositories()
	ctx := context.Background()

	conv := &persistence.ConversationRecord{UserID: "user-1", Title: "Long"}
	require.NoError(t, messages.CreateConversation(ctx, conv))

	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, messages.AppendMessage(ctx, &persistence.MessageRecord{
			ConversationID: conv.ID,
			UserID:         "user-1",
			Role:           "user",
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	found, err := messages.FindMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "m2", found[0].Content)
	assert.Equal(t, "m3", found[1].Content)
	assert.Equal(t, "m4", found[2].Content)
}

func TestMessageRepository_TouchForeignConversation(t *testing.T) {
	dm := setupTestDB(t)
	_, messages, _ := dm.GetRepositories()
	ctx := context.Background()

	conv := &persistence.ConversationRecord{UserID: "owner", Title: "mine"}
	require.NoError(t, messages.CreateConversation(ctx, conv))

	err := messages.TouchConversation(ctx, conv.ID, "intruder", time.Now())
	assert.ErrorIs(t, err, ErrConversationNotFound)

	err = messages.TouchConversation(ctx, uuid.New(), "owner", time.Now())
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
