package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/chatgate/chatgate/internal/common/errors"
)

// MemoryRepository provides in-memory conversation mirror storage.
type MemoryRepository struct {
	conversations map[string]*Conversation
	mu            sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory conversation repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]*Conversation),
	}
}

// Close is a no-op for in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// Upsert inserts or replaces a conversation row. An update with an
// empty title keeps the existing one.
func (r *MemoryRepository) Upsert(ctx context.Context, conv *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conversations[conv.ID]; ok && conv.Title == "" {
		conv.Title = existing.Title
	}
	clone := *conv
	r.conversations[conv.ID] = &clone
	return nil
}

// Get retrieves a conversation by ID.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, errors.NotFound("conversation", id)
	}
	clone := *conv
	return &clone, nil
}

// Delete removes a conversation by ID. Deleting a conversation that
// was never mirrored is not an error.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conversations, id)
	return nil
}

// ListByUser returns a user's conversations, most recently updated first.
func (r *MemoryRepository) ListByUser(ctx context.Context, user string) ([]*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Conversation
	for _, conv := range r.conversations {
		if conv.User == user {
			clone := *conv
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}
