package conversation

import (
	"context"
)

// Repository defines the interface for conversation mirror storage.
type Repository interface {
	Upsert(ctx context.Context, conv *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, user string) ([]*Conversation, error)

	// Close closes the repository (for database connections).
	Close() error
}
