package store

import (
	"context"
	"errors"
	"time"

	"github.com/eldtechnologies/gchat/internal/models"
)

// ErrUsernameTaken is returned by CreateUser when the username is already registered.
var ErrUsernameTaken = errors.New("username already exists")

// DataStore defines the interface for persistent storage of users and the message log.
// Both PostgresStore and SQLiteStore implement this interface.
//
// The message log is strictly append-only: ids are assigned by the store, increase
// monotonically in commit order, and rows are never updated or deleted.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByName(ctx context.Context, username string) (*models.User, error)
	CountUsers(ctx context.Context) (int64, error)

	// Message log operations

	// AppendMessage stores a message and reports whether a new row was created.
	// A non-empty clientID that the author already used returns the stored message
	// with created == false.
	AppendMessage(ctx context.Context, author, body, clientID string) (msg *models.Message, created bool, err error)
	FindMessageByClientID(ctx context.Context, author, clientID string) (*models.Message, error)
	// MessagesSince returns messages with id > cursor in ascending id order.
	MessagesSince(ctx context.Context, cursor int64, limit int) ([]models.Message, error)
	// RecentMessages returns the newest messages, newest first.
	RecentMessages(ctx context.Context, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context) (int64, error)
	GetMostRecentActivity(ctx context.Context) (*time.Time, error)
}

// nullable maps an empty client id to SQL NULL so the (author, client_id)
// uniqueness only applies to sends that carry one.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
