package conversation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/dify"
	"github.com/chatgate/chatgate/internal/events/bus"
)

// Mirror keeps the local conversation store in sync with what flows
// through the gateway: completed chats arriving on the event bus and
// list responses fetched from upstream.
type Mirror struct {
	repo   Repository
	logger *logger.Logger
	sub    bus.Subscription
}

// NewMirror creates a mirror over the given repository.
func NewMirror(repo Repository, log *logger.Logger) *Mirror {
	return &Mirror{repo: repo, logger: log}
}

// Start subscribes the mirror to chat completion events. The queue
// group keeps updates single-delivery when several gateway instances
// share a NATS bus.
func (m *Mirror) Start(eventBus bus.EventBus) error {
	sub, err := eventBus.QueueSubscribe(bus.SubjectChatCompleted, "conversation-mirror", m.handleChatCompleted)
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

// Stop cancels the bus subscription.
func (m *Mirror) Stop() {
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe conversation mirror", zap.Error(err))
		}
		m.sub = nil
	}
}

func (m *Mirror) handleChatCompleted(ctx context.Context, event *bus.Event) error {
	conversationID := event.String("conversation_id")
	if conversationID == "" {
		return nil
	}

	conv := &Conversation{
		ID:        conversationID,
		User:      event.String("user"),
		UpdatedAt: event.Timestamp,
	}
	// Only a first turn names the conversation; later turns just bump
	// recency (the repository keeps the existing title on empty).
	if event.String("new_conversation") == "true" {
		conv.Title = GenerateTitle(event.String("query"))
	}

	if err := m.repo.Upsert(ctx, conv); err != nil {
		m.logger.Error("Failed to mirror conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// SyncFromList refreshes mirror rows from an upstream list response.
// Upstream is authoritative for names it has; unnamed entries keep any
// locally generated title.
func (m *Mirror) SyncFromList(ctx context.Context, user string, list *dify.ConversationList) {
	for _, item := range list.Data {
		conv := &Conversation{
			ID:        item.ID,
			User:      user,
			Title:     item.Name,
			UpdatedAt: time.Unix(item.UpdatedAt, 0).UTC(),
		}
		if err := m.repo.Upsert(ctx, conv); err != nil {
			m.logger.Warn("Failed to sync conversation from upstream list",
				zap.String("conversation_id", item.ID), zap.Error(err))
		}
	}
}

// FillTitles replaces missing names in an upstream list response with
// mirrored titles.
func (m *Mirror) FillTitles(ctx context.Context, list *dify.ConversationList) {
	for i, item := range list.Data {
		if item.Name != "" {
			continue
		}
		conv, err := m.repo.Get(ctx, item.ID)
		if err != nil {
			continue
		}
		list.Data[i].Name = conv.Title
	}
}

// Evict drops a conversation from the mirror after an upstream delete.
func (m *Mirror) Evict(ctx context.Context, conversationID string) {
	if err := m.repo.Delete(ctx, conversationID); err != nil {
		m.logger.Warn("Failed to evict mirrored conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
