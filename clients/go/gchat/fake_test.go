package gchat

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memLog is an in-memory server log shared by fake endpoints.
type memLog struct {
	mu       sync.Mutex
	messages []Message
	nextID   int64
}

func newMemLog() *memLog {
	return &memLog{nextID: 1}
}

func (l *memLog) store(author, text, clientID string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if clientID != "" {
		for _, m := range l.messages {
			if m.Author == author && m.ClientID == clientID {
				return m
			}
		}
	}
	m := Message{ID: l.nextID, Author: author, Text: text, ClientID: clientID, CreatedAt: time.Now()}
	l.nextID++
	l.messages = append(l.messages, m)
	return m
}

func (l *memLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// fakeEndpoint is one user's view of a memLog.
type fakeEndpoint struct {
	log    *memLog
	author string

	mu         sync.Mutex
	appends    int
	reads      int
	hideClient bool // strip client ids from polled messages
	appendHook func(ctx context.Context, text, clientID string) (*Message, error)
	readErr    error
	signedOut  bool
}

func newFakeEndpoint(log *memLog, author string) *fakeEndpoint {
	return &fakeEndpoint{log: log, author: author}
}

func (f *fakeEndpoint) CurrentIdentity() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.author, !f.signedOut
}

func (f *fakeEndpoint) Append(ctx context.Context, text, clientID string) (*Message, error) {
	f.mu.Lock()
	f.appends++
	hook := f.appendHook
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, text, clientID)
	}
	m := f.log.store(f.author, text, clientID)
	return &m, nil
}

func (f *fakeEndpoint) ReadSince(ctx context.Context, cursor int64, limit int) (*Page, error) {
	f.mu.Lock()
	f.reads++
	err := f.readErr
	hide := f.hideClient
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f.log.mu.Lock()
	defer f.log.mu.Unlock()
	page := &Page{Cursor: cursor}
	for _, m := range f.log.messages {
		if m.ID <= cursor {
			continue
		}
		if len(page.Messages) == limit {
			break
		}
		if hide {
			m.ClientID = ""
		}
		page.Messages = append(page.Messages, m)
		page.Cursor = m.ID
	}
	page.HasMore = len(page.Messages) == limit
	return page, nil
}

func (f *fakeEndpoint) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

func (f *fakeEndpoint) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeEndpoint) set(fn func(f *fakeEndpoint)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
