package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxRetries    = 3
	baseDelay     = 50 * time.Millisecond
	maxListLimit  = 500
	messageColumns = `id, channel_id, kind, author_id, author_name, text, content_json,
		created_at, updated_at, delete_at`
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		author_id TEXT,
		author_name TEXT,
		text TEXT,
		content_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		delete_at INTEGER,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_delete_at ON messages(delete_at) WHERE deleted_at IS NULL AND delete_at IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs fn with exponential backoff on SQLITE_BUSY errors.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	return withRetry(ctx, "update last_seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
		}
		return nil
	})
}

// InsertMessage stores a new chat message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.ChatMessage) error {
	var contentJSON any
	if msg.Content != nil {
		b, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("encode message content: %w", err)
		}
		contentJSON = string(b)
	}
	var deleteAt any
	if msg.DeleteAt != nil {
		deleteAt = msg.DeleteAt.UnixMilli()
	}

	query := `
	INSERT INTO messages (id, channel_id, kind, author_id, author_name, text, content_json,
		created_at, updated_at, delete_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "insert message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.ChannelID, string(msg.Kind), msg.AuthorID, msg.AuthorName, msg.Text, contentJSON,
			msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli(), deleteAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// GetMessage retrieves a live message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.ChatMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ? AND deleted_at IS NULL`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	return msg, err
}

// UpdateMessageText replaces the text of a live message.
func (s *SQLiteStore) UpdateMessageText(ctx context.Context, id, text string, at time.Time) error {
	query := `UPDATE messages SET text = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	return s.execOne(ctx, "update message", query, text, at.UnixMilli(), id)
}

// MarkMessageDeleted soft-deletes a live message.
func (s *SQLiteStore) MarkMessageDeleted(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE messages SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	return s.execOne(ctx, "delete message", query, at.UnixMilli(), at.UnixMilli(), id)
}

// ScheduleMessageDelete records the deletion time of a live message.
// An earlier schedule wins over a later one.
func (s *SQLiteStore) ScheduleMessageDelete(ctx context.Context, id string, at time.Time) error {
	query := `
	UPDATE messages SET delete_at = MIN(COALESCE(delete_at, ?), ?)
	WHERE id = ? AND deleted_at IS NULL`
	return s.execOne(ctx, "schedule message delete", query, at.UnixMilli(), at.UnixMilli(), id)
}

// execOne runs a single-row update and maps "no row" to ErrMessageNotFound.
func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	return withRetry(ctx, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrMessageNotFound
		}
		return nil
	})
}

// DueMessages returns live messages whose scheduled deletion has passed.
func (s *SQLiteStore) DueMessages(ctx context.Context, now time.Time) ([]*domain.ChatMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE deleted_at IS NULL AND delete_at IS NOT NULL AND delete_at <= ?
		ORDER BY delete_at`
	return s.queryMessages(ctx, "due messages", query, now.UnixMilli())
}

// ListMessages returns the newest live messages of a channel, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, channelID string, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	query := `SELECT * FROM (
		SELECT ` + messageColumns + ` FROM messages
		WHERE channel_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	) ORDER BY created_at ASC`
	return s.queryMessages(ctx, "list messages", query, channelID, limit)
}

// PurgeDeletedMessages removes messages deleted before the cutoff.
func (s *SQLiteStore) PurgeDeletedMessages(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, "purge messages", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE deleted_at IS NOT NULL AND deleted_at < ?`, before.UnixMilli())
		if err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

func (s *SQLiteStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]*domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "op", op, "error", closeErr)
		}
	}()

	var msgs []*domain.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	var kind string
	var authorID, authorName, text, contentJSON sql.NullString
	var createdAt, updatedAt int64
	var deleteAt sql.NullInt64

	err := row.Scan(&msg.ID, &msg.ChannelID, &kind, &authorID, &authorName, &text, &contentJSON,
		&createdAt, &updatedAt, &deleteAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}

	msg.Kind = domain.MessageKind(kind)
	msg.AuthorID = authorID.String
	msg.AuthorName = authorName.String
	msg.Text = text.String
	msg.CreatedAt = time.UnixMilli(createdAt)
	msg.UpdatedAt = time.UnixMilli(updatedAt)
	if deleteAt.Valid {
		t := time.UnixMilli(deleteAt.Int64)
		msg.DeleteAt = &t
	}
	if contentJSON.Valid && contentJSON.String != "" {
		var c domain.Content
		if err := json.Unmarshal([]byte(contentJSON.String), &c); err != nil {
			return nil, fmt.Errorf("decode content of message %s: %w", msg.ID, err)
		}
		msg.Content = &c
	}
	return &msg, nil
}
