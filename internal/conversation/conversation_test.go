package conversation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/internal/common/errors"
	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/dify"
	"github.com/chatgate/chatgate/internal/events/bus"
)

func TestGenerateTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "New Chat"},
		{"whitespace only", "  \n ", "New Chat"},
		{"short message", "What is the weather?", "What is the weather?"},
		{"attachments stripped", "Check this out\n\n[Attachments]\nreport.pdf", "Check this out"},
		{"attachments only", "[Attachments]\nreport.pdf", "New Chat"},
		{
			"strips from the first attachments block",
			"See below\n[Attachments]\na.pdf\n[Attachments]\nb.pdf",
			"See below",
		},
		{
			"long message truncated",
			strings.Repeat("a", 60),
			strings.Repeat("a", 50) + "...",
		},
		{
			"truncation counts runes",
			strings.Repeat("あ", 60),
			strings.Repeat("あ", 50) + "...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateTitle(tt.input))
		})
	}
}

func TestMemoryRepositoryRoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &Conversation{
		ID: "c1", User: "alice", Title: "First", UpdatedAt: time.Now().UTC(),
	}))

	conv, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "First", conv.Title)

	// Empty title on update keeps the existing one.
	require.NoError(t, repo.Upsert(ctx, &Conversation{
		ID: "c1", User: "alice", UpdatedAt: time.Now().UTC(),
	}))
	conv, err = repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "First", conv.Title)

	require.NoError(t, repo.Delete(ctx, "c1"))
	_, err = repo.Get(ctx, "c1")
	assert.True(t, errors.IsNotFound(err))

	// Deleting again is not an error.
	require.NoError(t, repo.Delete(ctx, "c1"))
}

func TestMemoryRepositoryListByUser(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, repo.Upsert(ctx, &Conversation{ID: "old", User: "alice", Title: "Old", UpdatedAt: base.Add(-time.Hour)}))
	require.NoError(t, repo.Upsert(ctx, &Conversation{ID: "new", User: "alice", Title: "New", UpdatedAt: base}))
	require.NoError(t, repo.Upsert(ctx, &Conversation{ID: "other", User: "bob", Title: "Bob's", UpdatedAt: base}))

	list, err := repo.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}

func TestSQLiteRepositoryRoundTrip(t *testing.T) {
	repo, err := NewSQLiteRepository(t.TempDir() + "/mirror.db")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.Upsert(ctx, &Conversation{ID: "c1", User: "alice", Title: "First", UpdatedAt: base}))
	require.NoError(t, repo.Upsert(ctx, &Conversation{ID: "c2", User: "alice", Title: "Second", UpdatedAt: base.Add(time.Minute)}))

	// Upsert with empty title bumps recency but keeps the title.
	require.NoError(t, repo.Upsert(ctx, &Conversation{ID: "c1", User: "alice", UpdatedAt: base.Add(2 * time.Minute)}))

	conv, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "First", conv.Title)

	list, err := repo.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)

	require.NoError(t, repo.Delete(ctx, "c2"))
	_, err = repo.Get(ctx, "c2")
	assert.True(t, errors.IsNotFound(err))
}

func TestMirrorHandlesChatCompleted(t *testing.T) {
	repo := NewMemoryRepository()
	mirror := NewMirror(repo, logger.Default())
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	require.NoError(t, mirror.Start(eventBus))
	defer mirror.Stop()

	event := bus.NewEvent(bus.SubjectChatCompleted, "chat-service", map[string]interface{}{
		"conversation_id":  "c1",
		"user":             "alice",
		"query":            "Tell me about Go",
		"new_conversation": "true",
	})
	require.NoError(t, eventBus.Publish(context.Background(), bus.SubjectChatCompleted, event))

	// Memory bus delivers asynchronously.
	require.Eventually(t, func() bool {
		_, err := repo.Get(context.Background(), "c1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	conv, err := repo.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.User)
	assert.Equal(t, "Tell me about Go", conv.Title)
}

func TestMirrorFillTitles(t *testing.T) {
	repo := NewMemoryRepository()
	mirror := NewMirror(repo, logger.Default())
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &Conversation{ID: "c1", User: "alice", Title: "Mirrored title", UpdatedAt: time.Now().UTC()}))

	list := &dify.ConversationList{Data: []dify.ConversationItem{
		{ID: "c1", Name: ""},
		{ID: "c2", Name: "Upstream name"},
		{ID: "c3", Name: ""},
	}}
	mirror.FillTitles(ctx, list)

	assert.Equal(t, "Mirrored title", list.Data[0].Name)
	assert.Equal(t, "Upstream name", list.Data[1].Name)
	assert.Equal(t, "", list.Data[2].Name)
}
