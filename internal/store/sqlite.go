package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/core"
	"gwi.com/study-assistant/internal/realtime"
)

// SQLiteStore is the durable store for users, threads, messages and usage.
// Every message insert is also published on the thread's push topic.
type SQLiteStore struct {
	db        *sql.DB
	publisher realtime.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

func NewSQLiteStore(dataSourceName string, publisher realtime.Publisher, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows a single writer

	store := &SQLiteStore{
		db:        db,
		publisher: publisher,
		log:       log.With().Str("component", "sqlite-store").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS threads (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        thread_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
        content TEXT NOT NULL,
        user_id TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (thread_id) REFERENCES threads (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages (thread_id, created_at);

    CREATE TABLE IF NOT EXISTS message_usage (
        user_id TEXT NOT NULL,
        period TEXT NOT NULL, -- YYYY-MM
        count INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (user_id, period)
    );

    CREATE TABLE IF NOT EXISTS subscriptions (
        user_id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        current_period_end DATETIME NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, passwordHash string) (*User, error) {
	user := User{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		PasswordHash:   passwordHash,
		CreatedAt:      s.now(),
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO users (id, external_user_id, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.ExternalUserID, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return &user, nil
}

// Thread methods
func (s *SQLiteStore) CreateThread(ctx context.Context, userID, title string) (core.Thread, error) {
	if title == "" {
		title = core.SentinelTitle
	}
	thread := core.Thread{ID: uuid.NewString(), Title: title, OwnerID: userID, CreatedAt: s.now()}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO threads (id, user_id, title, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return core.Thread{}, fmt.Errorf("failed to prepare thread insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.ExecContext(ctx, thread.ID, thread.OwnerID, thread.Title, thread.CreatedAt); err != nil {
		return core.Thread{}, fmt.Errorf("failed to execute thread insert: %w", err)
	}
	return thread, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (core.Thread, error) {
	var t core.Thread
	err := s.db.QueryRowContext(ctx, "SELECT id, user_id, title, created_at FROM threads WHERE id = ?", threadID).
		Scan(&t.ID, &t.OwnerID, &t.Title, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Thread{}, core.ErrThreadNotFound
		}
		return core.Thread{}, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, userID string) ([]core.Thread, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, title, created_at FROM threads WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []core.Thread
	for rows.Next() {
		var t core.Thread
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *SQLiteStore) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	stmt, err := s.db.PrepareContext(ctx, "UPDATE threads SET title = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare thread title update: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, title, threadID)
	if err != nil {
		return fmt.Errorf("failed to execute thread title update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return core.ErrThreadNotFound
	}
	return nil
}

// Message methods
func (s *SQLiteStore) InsertMessage(ctx context.Context, threadID string, role core.Role, content, userID string) (core.Confirmed, error) {
	msg := core.Confirmed{
		ServerID: uuid.NewString(),
		MessageFields: core.MessageFields{
			ThreadID:  threadID,
			Role:      role,
			Content:   content,
			UserID:    userID,
			CreatedAt: s.now(),
		},
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO messages (id, thread_id, role, content, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return core.Confirmed{}, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, msg.ServerID, msg.ThreadID, string(msg.Role), msg.Content, msg.UserID, msg.CreatedAt)
	if err != nil {
		return core.Confirmed{}, fmt.Errorf("failed to execute message insert: %w", err)
	}

	s.publish(ctx, realtime.EventInsert, msg)
	return msg, nil
}

func (s *SQLiteStore) FetchMessages(ctx context.Context, threadID string) ([]core.Confirmed, error) {
	query := "SELECT id, thread_id, role, content, user_id, created_at FROM messages WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC"
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []core.Confirmed
	for rows.Next() {
		var msg core.Confirmed
		var role string
		if err := rows.Scan(&msg.ServerID, &msg.ThreadID, &role, &msg.Content, &msg.UserID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = core.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteMessage removes a message of threadID and publishes the deletion.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	var msg core.Confirmed
	var role string
	err := s.db.QueryRowContext(ctx, "SELECT id, thread_id, role, content, user_id, created_at FROM messages WHERE id = ? AND thread_id = ?", messageID, threadID).
		Scan(&msg.ServerID, &msg.ThreadID, &role, &msg.Content, &msg.UserID, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrMessageNotFound
		}
		return fmt.Errorf("failed to load message: %w", err)
	}
	msg.Role = core.Role(role)

	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	s.publish(ctx, realtime.EventDelete, msg)
	return nil
}

func (s *SQLiteStore) publish(ctx context.Context, typ realtime.EventType, msg core.Confirmed) {
	if s.publisher == nil {
		return
	}
	row, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ServerID).Msg("failed to encode push row")
		return
	}
	ev := realtime.Event{Type: typ, Table: "messages"}
	if typ == realtime.EventDelete {
		ev.Old = row
	} else {
		ev.New = row
	}
	topic := realtime.Filter{Table: "messages", Column: "thread_id", Value: msg.ThreadID}.Topic()
	if err := s.publisher.Publish(ctx, topic, ev); err != nil {
		s.log.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("failed to publish message change")
	}
}

// Usage methods
func (s *SQLiteStore) MessageCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT count FROM message_usage WHERE user_id = ? AND period = ?", userID, s.period()).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query message count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) IncrementMessageCount(ctx context.Context, userID string) (int, error) {
	period := s.period()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO message_usage (user_id, period, count) VALUES (?, ?, 1)
        ON CONFLICT (user_id, period) DO UPDATE SET count = count + 1`, userID, period)
	if err != nil {
		return 0, fmt.Errorf("failed to increment message count: %w", err)
	}
	return s.MessageCount(ctx, userID)
}

func (s *SQLiteStore) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, "SELECT user_id, status, current_period_end FROM subscriptions WHERE user_id = ?", userID).
		Scan(&sub.UserID, &sub.Status, &sub.CurrentPeriodEnd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query subscription: %w", err)
	}
	return sub.Status == SubscriptionActive && sub.CurrentPeriodEnd.After(s.now()), nil
}

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO subscriptions (user_id, status, current_period_end) VALUES (?, ?, ?)
        ON CONFLICT (user_id) DO UPDATE SET status = excluded.status, current_period_end = excluded.current_period_end`,
		sub.UserID, sub.Status, sub.CurrentPeriodEnd.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) period() string {
	return s.now().Format("2006-01")
}
