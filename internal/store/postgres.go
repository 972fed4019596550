package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/gchat/internal/crypto"
	"github.com/eldtechnologies/gchat/internal/metrics"
	"github.com/eldtechnologies/gchat/internal/models"
)

// appendLockKey is the advisory lock serializing appends, so ids commit in order
// and a reader never skips a row that commits after a larger id.
const appendLockKey = 0x67636861 // "gcha"

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, created_at
	`, crypto.NewUUIDv7(), username, passwordHash).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return user, nil
}

// GetUserByName retrieves a user by username.
func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = $1
	`, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// CountUsers returns the total number of registered users.
func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// AppendMessage stores a message at the tail of the log.
func (s *PostgresStore) AppendMessage(ctx context.Context, author, body, clientID string) (*models.Message, bool, error) {
	defer metrics.ObserveSince(metrics.StoreLatency.WithLabelValues("append"), time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, false, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (author, body, client_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (author, client_id) DO NOTHING
		RETURNING id, author, body, client_id, created_at
	`, author, body, nullable(clientID))

	msg, err := scanPostgresMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Replayed client id
		existing, err := scanPostgresMessage(tx.QueryRow(ctx, `
			SELECT id, author, body, client_id, created_at
			FROM messages WHERE author = $1 AND client_id = $2
		`, author, clientID))
		if err != nil {
			return nil, false, err
		}
		return existing, false, tx.Commit(ctx)
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// FindMessageByClientID returns the author's message carrying clientID, or nil.
func (s *PostgresStore) FindMessageByClientID(ctx context.Context, author, clientID string) (*models.Message, error) {
	if clientID == "" {
		return nil, nil
	}
	msg, err := scanPostgresMessage(s.pool.QueryRow(ctx, `
		SELECT id, author, body, client_id, created_at
		FROM messages WHERE author = $1 AND client_id = $2
	`, author, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// MessagesSince returns up to limit messages with id > cursor, oldest first.
func (s *PostgresStore) MessagesSince(ctx context.Context, cursor int64, limit int) ([]models.Message, error) {
	defer metrics.ObserveSince(metrics.StoreLatency.WithLabelValues("read_since"), time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT id, author, body, client_id, created_at
		FROM messages
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPostgresMessages(rows)
}

// RecentMessages returns the newest messages, newest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, author, body, client_id, created_at
		FROM messages
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPostgresMessages(rows)
}

// CountMessages returns the number of stored messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetMostRecentActivity returns the timestamp of the newest message.
func (s *PostgresStore) GetMostRecentActivity(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanPostgresMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var clientID *string
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
	if clientID != nil {
		msg.ClientID = *clientID
	}
	return &msg, nil
}

func collectPostgresMessages(rows pgx.Rows) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}
