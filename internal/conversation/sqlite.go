package conversation

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chatgate/chatgate/internal/common/errors"
)

// SQLiteRepository provides SQLite-based conversation mirror storage.
type SQLiteRepository struct {
	db *sqlx.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite conversation repository.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user TEXT NOT NULL,
		title TEXT DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Upsert inserts or replaces a conversation row. An update with an
// empty title keeps the existing one.
func (r *SQLiteRepository) Upsert(ctx context.Context, conv *Conversation) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO conversations (id, user, title, updated_at)
		VALUES (:id, :user, :title, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			user = excluded.user,
			title = CASE WHEN excluded.title = '' THEN conversations.title ELSE excluded.title END,
			updated_at = excluded.updated_at`, conv)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// Get retrieves a conversation by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT id, user, title, updated_at FROM conversations WHERE id = ?`, id)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// Delete removes a conversation by ID. Deleting a conversation that
// was never mirrored is not an error.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// ListByUser returns a user's conversations, most recently updated first.
func (r *SQLiteRepository) ListByUser(ctx context.Context, user string) ([]*Conversation, error) {
	var result []*Conversation
	err := r.db.SelectContext(ctx, &result,
		`SELECT id, user, title, updated_at FROM conversations WHERE user = ? ORDER BY updated_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return result, nil
}
