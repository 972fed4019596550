package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/gchat/internal/crypto"
	"github.com/eldtechnologies/gchat/internal/metrics"
	"github.com/eldtechnologies/gchat/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/gchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/gchat.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer; one connection keeps appends in id order.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		author TEXT NOT NULL,
		body TEXT NOT NULL,
		client_id TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (author, client_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:           crypto.NewUUIDv7(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, user.ID.String(), user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return user, nil
}

// GetUserByName retrieves a user by username.
func (s *SQLiteStore) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = ?
	`, username).Scan(
		&idStr,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := user.ID.UnmarshalText([]byte(idStr)); err != nil {
		return nil, err
	}
	return user, nil
}

// CountUsers returns the total number of registered users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// AppendMessage stores a message at the tail of the log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, author, body, clientID string) (*models.Message, bool, error) {
	defer metrics.ObserveSince(metrics.StoreLatency.WithLabelValues("append"), time.Now())

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (author, body, client_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (author, client_id) DO NOTHING
	`, author, body, nullable(clientID), now)
	if err != nil {
		return nil, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		// Replayed client id
		msg, err := s.FindMessageByClientID(ctx, author, clientID)
		return msg, false, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	return &models.Message{
		ID:        id,
		Author:    author,
		Body:      body,
		ClientID:  clientID,
		CreatedAt: now,
	}, true, nil
}

// FindMessageByClientID returns the author's message carrying clientID, or nil.
func (s *SQLiteStore) FindMessageByClientID(ctx context.Context, author, clientID string) (*models.Message, error) {
	if clientID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, author, body, client_id, created_at
		FROM messages WHERE author = ? AND client_id = ?
	`, author, clientID)

	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// MessagesSince returns up to limit messages with id > cursor, oldest first.
func (s *SQLiteStore) MessagesSince(ctx context.Context, cursor int64, limit int) ([]models.Message, error) {
	defer metrics.ObserveSince(metrics.StoreLatency.WithLabelValues("read_since"), time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, body, client_id, created_at
		FROM messages
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteMessages(rows)
}

// RecentMessages returns the newest messages, newest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, body, client_id, created_at
		FROM messages
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteMessages(rows)
}

// CountMessages returns the number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetMostRecentActivity returns the timestamp of the newest message.
func (s *SQLiteStore) GetMostRecentActivity(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM messages ORDER BY id DESC LIMIT 1
	`).Scan(&t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var clientID sql.NullString
	err := row.Scan(
		&msg.ID,
		&msg.Author,
		&msg.Body,
		&clientID,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.ClientID = clientID.String
	return &msg, nil
}

func collectSQLiteMessages(rows *sql.Rows) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}
