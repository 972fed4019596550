// Package chat implements the server side of the message synchronization
// protocol: an append-only log exposed through append and a cursor-based read.
package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/gchat/internal/metrics"
	"github.com/eldtechnologies/gchat/internal/models"
	"github.com/eldtechnologies/gchat/internal/store"
)

// Cooldowns claims a per-author send slot. *store.RedisStore implements it.
type Cooldowns interface {
	AcquireCooldown(ctx context.Context, author string, window time.Duration) (bool, time.Duration, error)
	ReleaseCooldown(ctx context.Context, author string) error
}

// Options tunes the log.
type Options struct {
	MaxLength   int           // runes per message
	PageSize    int           // default readSince limit
	PageSizeMax int           // hard ceiling on readSince limit
	Cooldown    time.Duration // minimum interval between stored sends per author; 0 disables
}

// DefaultOptions mirrors the defaults in internal/config.
func DefaultOptions() Options {
	return Options{
		MaxLength:   500,
		PageSize:    50,
		PageSizeMax: 200,
		Cooldown:    2 * time.Second,
	}
}

// Page is one readSince batch.
type Page struct {
	Messages []models.Message
	Cursor   int64 // id of the last message in the batch, or the request cursor when empty
	HasMore  bool
}

// Log is the shared message log.
type Log struct {
	store     store.DataStore
	cooldowns Cooldowns
	opts      Options
	logger    zerolog.Logger
}

// NewLog creates a message log. cooldowns may be nil, which disables the server-side cooldown.
func NewLog(ds store.DataStore, cooldowns Cooldowns, opts Options, logger zerolog.Logger) *Log {
	defaults := DefaultOptions()
	if opts.MaxLength <= 0 {
		opts.MaxLength = defaults.MaxLength
	}
	if opts.PageSizeMax <= 0 {
		opts.PageSizeMax = defaults.PageSizeMax
	}
	if opts.PageSize <= 0 || opts.PageSize > opts.PageSizeMax {
		opts.PageSize = min(defaults.PageSize, opts.PageSizeMax)
	}
	return &Log{store: ds, cooldowns: cooldowns, opts: opts, logger: logger}
}

// Options returns the effective options.
func (l *Log) Options() Options {
	return l.opts
}

// Validate trims text and checks it against the length bounds.
func (l *Log) Validate(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(text) > l.opts.MaxLength {
		return "", ErrTooLong
	}
	return text, nil
}

// Append stores text from author and returns the stored message.
//
// A clientID the author already used returns the stored message without
// storing a second copy, so a retry after a lost response converges.
func (l *Log) Append(ctx context.Context, author, text, clientID string) (*models.Message, error) {
	if author == "" {
		return nil, ErrAuth
	}

	text, err := l.Validate(text)
	if err != nil {
		metrics.MessagesAppended.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if clientID != "" {
		existing, err := l.store.FindMessageByClientID(ctx, author, clientID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			metrics.MessagesAppended.WithLabelValues("replayed").Inc()
			return existing, nil
		}
	}

	if l.cooldowns != nil && l.opts.Cooldown > 0 {
		ok, remaining, err := l.cooldowns.AcquireCooldown(ctx, author, l.opts.Cooldown)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.MessagesAppended.WithLabelValues("cooldown").Inc()
			l.logger.Warn().
				Str("type", "security").
				Str("event", "send_cooldown").
				Str("author", author).
				Dur("remaining", remaining).
				Msg("send rejected during cooldown")
			return nil, &CooldownError{Remaining: remaining}
		}
	}

	msg, created, err := l.store.AppendMessage(ctx, author, text, clientID)
	if err != nil {
		l.releaseCooldown(author)
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent retry of the same client id.
		l.releaseCooldown(author)
		metrics.MessagesAppended.WithLabelValues("replayed").Inc()
		return msg, nil
	}

	metrics.MessagesAppended.WithLabelValues("stored").Inc()
	return msg, nil
}

func (l *Log) releaseCooldown(author string) {
	if l.cooldowns == nil || l.opts.Cooldown <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.cooldowns.ReleaseCooldown(ctx, author); err != nil {
		l.logger.Error().Err(err).Str("author", author).Msg("failed to release cooldown")
	}
}

// ReadSince returns messages with id > cursor in ascending id order.
// limit <= 0 selects the page size; larger values are capped at the hard ceiling.
// An empty batch is not an error.
func (l *Log) ReadSince(ctx context.Context, cursor int64, limit int) (*Page, error) {
	if cursor < 0 {
		cursor = 0
	}
	if limit <= 0 {
		limit = l.opts.PageSize
	}
	if limit > l.opts.PageSizeMax {
		limit = l.opts.PageSizeMax
	}

	messages, err := l.store.MessagesSince(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}
	metrics.PollsServed.Inc()

	page := &Page{Messages: messages, Cursor: cursor, HasMore: len(messages) == limit}
	if n := len(messages); n > 0 {
		page.Cursor = messages[n-1].ID
	}
	return page, nil
}
