package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateConversationIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	history := NewHistoryStore(db)
	ctx := context.Background()

	created, err := history.CreateConversation(ctx, "chat-1", "what is the capital of France?")
	require.NoError(t, err)
	require.True(t, created)

	created, err = history.CreateConversation(ctx, "chat-1", "something else")
	require.NoError(t, err)
	require.False(t, created)

	exists, err := history.ConversationExists(ctx, "chat-1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = history.ConversationExists(ctx, "chat-2")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCreateConversationTruncatesTitle(t *testing.T) {
	db := openTestDB(t)
	history := NewHistoryStore(db)
	ctx := context.Background()

	long := strings.Repeat("q", 300)
	_, err := history.CreateConversation(ctx, "chat-1", long)
	require.NoError(t, err)

	convs, err := history.Conversations(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.LessOrEqual(t, len(convs[0].Title), 120)
}

func TestMessagesRoundtripWithSources(t *testing.T) {
	db := openTestDB(t)
	history := NewHistoryStore(db)
	ctx := context.Background()

	_, err := history.CreateConversation(ctx, "chat-1", "q")
	require.NoError(t, err)

	require.NoError(t, history.AddMessage(ctx, "chat-1", "user", "what is X?", nil))
	sources := []Source{{Type: SourceTypeDocument, Source: "x.txt", Score: 0.91}}
	require.NoError(t, history.AddMessage(ctx, "chat-1", "assistant", "X is a thing.", sources))

	msgs, err := history.Messages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Empty(t, msgs[0].Sources)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].Sources, 1)
	require.Equal(t, "x.txt", msgs[1].Sources[0].Source)
	require.Equal(t, 0.91, msgs[1].Sources[0].Score)
}

func TestRecentMessagesWindow(t *testing.T) {
	db := openTestDB(t)
	history := NewHistoryStore(db)
	ctx := context.Background()

	_, err := history.CreateConversation(ctx, "chat-1", "q")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, history.AddMessage(ctx, "chat-1", "user", fmt.Sprintf("message %d", i), nil))
	}

	recent, err := history.RecentMessages(ctx, "chat-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// The window is the newest messages, returned oldest first.
	require.Equal(t, "message 2", recent[0].Content)
	require.Equal(t, "message 4", recent[2].Content)
}

func TestConversationsPagination(t *testing.T) {
	db := openTestDB(t)
	history := NewHistoryStore(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := history.CreateConversation(ctx, fmt.Sprintf("chat-%d", i), "q")
		require.NoError(t, err)
	}

	page, err := history.Conversations(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := history.Conversations(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 3)
}

func TestSearchMessages(t *testing.T) {
	db := openTestDB(t)
	history := NewHistoryStore(db)
	ctx := context.Background()

	_, err := history.CreateConversation(ctx, "chat-1", "q")
	require.NoError(t, err)
	require.NoError(t, history.AddMessage(ctx, "chat-1", "user", "tell me about turbines", nil))
	require.NoError(t, history.AddMessage(ctx, "chat-1", "user", "unrelated question", nil))

	msgs, err := history.SearchMessages(ctx, "turbine")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Content, "turbines")
}

func TestClearRemovesEverything(t *testing.T) {
	db := openTestDB(t)
	history := NewHistoryStore(db)
	ctx := context.Background()

	_, err := history.CreateConversation(ctx, "chat-1", "q")
	require.NoError(t, err)
	require.NoError(t, history.AddMessage(ctx, "chat-1", "user", "one", nil))
	require.NoError(t, history.AddMessage(ctx, "chat-1", "assistant", "two", nil))

	deleted, err := history.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	convs, err := history.Conversations(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, convs)
}
