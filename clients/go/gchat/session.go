package gchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Options configures a Session.
type Options struct {
	PollInterval   time.Duration
	Cooldown       time.Duration
	RequestTimeout time.Duration
	PageSize       int
	MaxDrain       int // pages fetched per tick while the server reports more
	Retention      int // bound for both the pending cache and the timeline
	MaxLength      int

	Logger zerolog.Logger
	Now    func() time.Time
}

// DefaultOptions returns the standard client settings.
func DefaultOptions() Options {
	return Options{
		PollInterval:   time.Second,
		Cooldown:       2 * time.Second,
		RequestTimeout: 10 * time.Second,
		PageSize:       50,
		MaxDrain:       10,
		Retention:      100,
		MaxLength:      500,
		Logger:         zerolog.Nop(),
		Now:            time.Now,
	}
}

// Session keeps a timeline in sync with the server log and sends messages
// with optimistic display.
//
// All state (cursor, pending cache, timeline, throttle) is owned by the
// session and guarded by one mutex. Network calls run without the lock;
// their results are applied only if the session generation is unchanged.
type Session struct {
	endpoint Endpoint
	identity Identity
	opts     Options
	logger   zerolog.Logger
	updates  chan struct{}

	mu           sync.Mutex
	active       bool
	generation   uint64
	author       string
	cursor       int64
	polls        int
	pollFailures int
	pending      *PendingCache
	timeline     *Timeline
	throttle     *Throttle
	cancel       context.CancelFunc
	done         chan struct{}

	inflight sync.WaitGroup // sends started by Submit and Retry; see Wait
}

// NewSession creates an inactive session. Zero option fields take defaults.
func NewSession(endpoint Endpoint, identity Identity, opts Options) *Session {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.MaxDrain <= 0 {
		opts.MaxDrain = def.MaxDrain
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = def.MaxLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		endpoint: endpoint,
		identity: identity,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "session").Logger(),
		updates:  make(chan struct{}, 1),
		pending:  NewPendingCache(opts.Retention),
		timeline: NewTimeline(opts.Retention),
	}
	s.throttle = NewThrottle(opts.Cooldown, opts.Now, s.notify)
	return s
}

// Start begins syncing: an immediate initial load, then a poll every PollInterval.
// Starting resets the cursor and timeline.
func (s *Session) Start(ctx context.Context) error {
	author, ok := s.identity.CurrentIdentity()
	if !ok {
		return ErrAuth
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.generation++
	s.author = author
	s.cursor = 0
	s.polls = 0
	s.pollFailures = 0
	s.pending = NewPendingCache(s.opts.Retention)
	s.timeline = NewTimeline(s.opts.Retention)
	s.throttle.Stop()

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	gen := s.generation
	s.mu.Unlock()

	s.logger.Info().Str("author", author).Msg("session started")
	go s.pollLoop(pollCtx, gen, done)
	return nil
}

// End stops polling and the cooldown timer and waits for the poll loop to exit.
// Sends still in flight finish on their own; their results are discarded.
func (s *Session) End() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.generation++
	s.throttle.Stop()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("session ended")
}

// Wait blocks until every send in flight has finished or ctx is done.
// Call it before End to let pending sends resolve instead of discarding them.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Updates signals that the timeline changed. Signals coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Timeline returns a snapshot of the displayed entries.
func (s *Session) Timeline() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Snapshot()
}

// Cursor returns the highest server id applied to the timeline.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Polls returns the number of successful polls.
func (s *Session) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// PollFailures returns the number of consecutive failed polls.
func (s *Session) PollFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollFailures
}

// CooldownRemaining returns the time until the next send is allowed.
func (s *Session) CooldownRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttle.Remaining()
}

// Unresolved returns the sends still sending or failed, oldest first.
func (s *Session) Unresolved() []PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingEntry
	for _, e := range s.pending.Entries() {
		if e.Status.Unresolved() {
			out = append(out, e)
		}
	}
	return out
}

// Pending returns the pending cache entry for localID.
func (s *Session) Pending(localID string) (PendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Get(localID)
}

// Submit validates text and starts sending it. The entry is shown immediately
// with status sending; the returned local id identifies it for Retry.
func (s *Session) Submit(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if utf8.RuneCountInString(text) > s.opts.MaxLength {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrValidation, s.opts.MaxLength)
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return "", ErrNotActive
	}
	if _, ok := s.identity.CurrentIdentity(); !ok {
		s.mu.Unlock()
		return "", ErrAuth
	}
	if err := s.throttle.Check(); err != nil {
		s.mu.Unlock()
		return "", err
	}

	now := s.opts.Now()
	localID := ulid.Make().String()
	entry := PendingEntry{
		LocalID:   localID,
		Author:    s.author,
		Text:      text,
		Status:    StatusSending,
		Attempts:  1,
		CreatedAt: now,
	}
	if err := s.pending.Insert(entry); err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("local id collision")
		return "", err
	}
	s.timeline.add(Entry{
		LocalID:   localID,
		Author:    s.author,
		Text:      text,
		CreatedAt: now,
		Status:    StatusSending,
	})
	s.timeline.trim()
	gen := s.generation
	s.inflight.Add(1)
	s.mu.Unlock()

	s.notify()
	go s.deliver(gen, localID, text)
	return localID, nil
}

// Retry resends a failed entry with the same local id and text.
func (s *Session) Retry(localID string) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNotActive
	}
	entry, ok := s.pending.Get(localID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	if entry.Status != StatusFailed {
		s.mu.Unlock()
		return fmt.Errorf("%w: entry is %s", ErrNotRetryable, entry.Status)
	}
	if _, ok := s.identity.CurrentIdentity(); !ok {
		s.mu.Unlock()
		return ErrAuth
	}
	if err := s.throttle.Check(); err != nil {
		s.mu.Unlock()
		return err
	}

	s.pending.Update(localID, StatusSending, 0)
	s.timeline.setStatus(localID, StatusSending, "")
	gen := s.generation
	s.inflight.Add(1)
	s.mu.Unlock()

	s.notify()
	go s.deliver(gen, localID, entry.Text)
	return nil
}

// deliver performs one append attempt and applies its outcome.
func (s *Session) deliver(gen uint64, localID, text string) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	msg, err := s.endpoint.Append(ctx, text, localID)
	cancel()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug().Str("local_id", localID).AnErr("send_err", err).Msg("discarding send result after session end")
		return
	}

	entry, ok := s.pending.Get(localID)
	if !ok {
		s.mu.Unlock()
		return
	}

	if err != nil {
		if entry.Status == StatusSent {
			// A poll already found it in the log.
			s.mu.Unlock()
			return
		}
		s.pending.Update(localID, StatusFailed, 0)
		s.timeline.setStatus(localID, StatusFailed, err.Error())
		s.mu.Unlock()

		s.logger.Warn().Err(err).Str("local_id", localID).Int("attempts", entry.Attempts).Msg("send failed")
		s.notify()
		return
	}

	s.pending.Update(localID, StatusSent, msg.ID)
	s.timeline.fold(localID, *msg)
	if entry.Status != StatusSent {
		s.throttle.Engage()
	}
	s.pending.Evict(s.cursor)
	s.timeline.trim()
	s.mu.Unlock()

	s.logger.Debug().Str("local_id", localID).Int64("id", msg.ID).Msg("send confirmed")
	s.notify()
}

func (s *Session) pollLoop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	s.pollOnce(ctx, gen)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, gen)
		}
	}
}

// pollOnce fetches pages until the server has no more or MaxDrain is reached.
func (s *Session) pollOnce(ctx context.Context, gen uint64) {
	for i := 0; i < s.opts.MaxDrain; i++ {
		if !s.fetch(ctx, gen) {
			return
		}
	}
}

// fetch reads one page past the cursor and merges it. It reports whether another page is waiting.
func (s *Session) fetch(ctx context.Context, gen uint64) bool {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	page, err := s.endpoint.ReadSince(reqCtx, cursor, s.opts.PageSize)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		if gen == s.generation {
			s.pollFailures++
		}
		failures := s.pollFailures
		s.mu.Unlock()

		s.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("poll failed")
		s.notify()
		return false
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.polls++
	hadFailures := s.pollFailures > 0
	s.pollFailures = 0
	changed := s.merge(page.Messages)
	s.mu.Unlock()

	if changed || hadFailures {
		s.notify()
	}
	return page.HasMore && len(page.Messages) > 0
}

// merge applies a batch in id order. Caller holds s.mu.
func (s *Session) merge(messages []Message) bool {
	changed := false
	for _, m := range messages {
		if m.ID <= s.cursor {
			continue
		}
		s.cursor = m.ID
		changed = true

		if entry, ok := s.pending.LookupServerID(m.ID); ok {
			s.timeline.fold(entry.LocalID, m)
			continue
		}

		// Stored before the append response reached us, or the response was lost.
		if m.ClientID != "" && m.Author == s.author {
			if entry, ok := s.pending.Get(m.ClientID); ok {
				s.pending.Update(entry.LocalID, StatusSent, m.ID)
				s.timeline.fold(entry.LocalID, m)
				if entry.Status != StatusSent {
					s.throttle.Engage()
				}
				continue
			}
		}

		s.timeline.add(Entry{
			ServerID:  m.ID,
			Author:    m.Author,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
			Status:    StatusSent,
		})
	}

	if changed {
		s.pending.Evict(s.cursor)
		s.timeline.trim()
	}
	return changed
}
