package gchat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type testSession struct {
	*Session
	ep    *fakeEndpoint
	clock *fakeClock
}

// newTestSession starts a session whose ticker never fires during a test;
// polls are driven with pollNow.
func newTestSession(t *testing.T, log *memLog, author string, tweak func(*Options)) *testSession {
	t.Helper()
	ep := newFakeEndpoint(log, author)
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.PollInterval = time.Hour
	opts.Now = clock.Now
	if tweak != nil {
		tweak(&opts)
	}

	s := NewSession(ep, ep, opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.End)
	waitFor(t, "initial load", func() bool { return s.Polls() >= 1 })
	return &testSession{Session: s, ep: ep, clock: clock}
}

func (s *testSession) pollNow() {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.pollOnce(context.Background(), gen)
}

func (s *testSession) settle() {
	s.Wait(context.Background())
}

func entriesBy(entries []Entry, author string) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Author == author {
			out = append(out, e)
		}
	}
	return out
}

func TestSubmitShowsOptimisticEntryThenConfirms(t *testing.T) {
	log := newMemLog()
	log.nextID = 7
	s := newTestSession(t, log, "alice", nil)

	release := make(chan struct{})
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			<-release
			m := log.store("alice", text, clientID)
			return &m, nil
		}
	})

	localID, err := s.Submit("hi")
	if err != nil {
		t.Fatal(err)
	}

	entries := s.Timeline()
	if len(entries) != 1 || entries[0].Status != StatusSending || entries[0].LocalID != localID || entries[0].Text != "hi" {
		t.Fatalf("expected one sending entry, got %+v", entries)
	}

	close(release)
	s.settle()

	entries = s.Timeline()
	if len(entries) != 1 || entries[0].Status != StatusSent || entries[0].ServerID != 7 {
		t.Fatalf("expected confirmed entry with id 7, got %+v", entries)
	}

	s.pollNow()
	entries = s.Timeline()
	if len(entries) != 1 {
		t.Fatalf("poll must not duplicate a confirmed entry, got %+v", entries)
	}
	if s.Cursor() != 7 {
		t.Fatalf("expected cursor 7, got %d", s.Cursor())
	}
}

func TestRetryAfterFailure(t *testing.T) {
	log := newMemLog()
	log.nextID = 9
	s := newTestSession(t, log, "alice", nil)

	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			return nil, ErrNetwork
		}
	})
	localID, err := s.Submit("hello")
	if err != nil {
		t.Fatal(err)
	}
	s.settle()

	entries := s.Timeline()
	if len(entries) != 1 || entries[0].Status != StatusFailed || entries[0].Err == "" {
		t.Fatalf("expected failed entry, got %+v", entries)
	}

	s.ep.set(func(f *fakeEndpoint) { f.appendHook = nil })
	if err := s.Retry(localID); err != nil {
		t.Fatal(err)
	}
	s.settle()
	s.pollNow()

	entries = s.Timeline()
	if len(entries) != 1 || entries[0].Status != StatusSent || entries[0].ServerID != 9 || entries[0].LocalID != localID {
		t.Fatalf("expected one sent entry with id 9, got %+v", entries)
	}
	if p, _ := s.Pending(localID); p.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", p.Attempts)
	}
}

func TestRetryRejectsUnknownAndUnfailed(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", nil)

	if err := s.Retry("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	localID, err := s.Submit("hi")
	if err != nil {
		t.Fatal(err)
	}
	s.settle()
	if err := s.Retry(localID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestPollAppendsOtherAuthors(t *testing.T) {
	log := newMemLog()
	for i := 0; i < 11; i++ {
		log.store("bob", "old", "")
	}
	s := newTestSession(t, log, "alice", nil)
	if s.Cursor() != 11 {
		t.Fatalf("expected cursor 11 after initial load, got %d", s.Cursor())
	}
	before := len(s.Timeline())

	log.store("bob", "yo", "")
	s.pollNow()

	entries := s.Timeline()
	if len(entries) != before+1 {
		t.Fatalf("expected exactly one new entry, got %d -> %d", before, len(entries))
	}
	last := entries[len(entries)-1]
	if last.Author != "bob" || last.Text != "yo" || last.ServerID != 12 || last.LocalID != "" {
		t.Fatalf("unexpected entry %+v", last)
	}
	if s.Cursor() != 12 {
		t.Fatalf("expected cursor 12, got %d", s.Cursor())
	}
}

func TestCooldownBlocksSecondSubmit(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", nil)

	if _, err := s.Submit("one"); err != nil {
		t.Fatal(err)
	}
	s.settle()

	_, err := s.Submit("two")
	var throttled *ThrottledError
	if !errors.As(err, &throttled) || !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ThrottledError, got %v", err)
	}
	if throttled.Seconds() != 2 {
		t.Fatalf("expected 2s remaining, got %v", throttled.Remaining)
	}
	if n := s.ep.appendCount(); n != 1 {
		t.Fatalf("throttled submit must not append, got %d appends", n)
	}
	if len(s.Timeline()) != 1 {
		t.Fatal("throttled submit must not create an entry")
	}

	s.clock.Advance(2 * time.Second)
	if _, err := s.Submit("two"); err != nil {
		t.Fatalf("expected cooldown to have elapsed, got %v", err)
	}
	s.settle()
	if n := s.ep.appendCount(); n != 2 {
		t.Fatalf("expected 2 appends, got %d", n)
	}
}

func TestRetryRespectsCooldown(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", nil)

	failing := true
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			if failing {
				return nil, ErrNetwork
			}
			m := f.log.store("alice", text, clientID)
			return &m, nil
		}
	})

	failedID, _ := s.Submit("first")
	s.settle()

	failing = false
	if _, err := s.Submit("second"); err != nil {
		t.Fatal(err)
	}
	s.settle()

	if err := s.Retry(failedID); !errors.Is(err, ErrThrottled) {
		t.Fatalf("retry during cooldown: expected ErrThrottled, got %v", err)
	}
	s.clock.Advance(2 * time.Second)
	if err := s.Retry(failedID); err != nil {
		t.Fatal(err)
	}
	s.settle()
}

func TestPollBeforeAckMatchesClientID(t *testing.T) {
	log := newMemLog()
	s := newTestSession(t, log, "alice", nil)

	stored := make(chan struct{})
	release := make(chan struct{})
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			m := log.store("alice", text, clientID)
			close(stored)
			<-release
			return &m, nil
		}
	})

	localID, err := s.Submit("race")
	if err != nil {
		t.Fatal(err)
	}
	<-stored
	s.pollNow()

	entries := s.Timeline()
	if len(entries) != 1 || entries[0].LocalID != localID || entries[0].Status != StatusSent {
		t.Fatalf("poll should fold into the optimistic entry, got %+v", entries)
	}

	close(release)
	s.settle()
	entries = s.Timeline()
	if len(entries) != 1 || entries[0].ServerID != 1 {
		t.Fatalf("late ack must not add an entry, got %+v", entries)
	}
}

func TestLateAckReplacesPolledCopy(t *testing.T) {
	log := newMemLog()
	s := newTestSession(t, log, "alice", nil)
	s.ep.set(func(f *fakeEndpoint) { f.hideClient = true })

	stored := make(chan struct{})
	release := make(chan struct{})
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			m := log.store("alice", text, clientID)
			close(stored)
			<-release
			return &m, nil
		}
	})

	log.store("bob", "before", "")
	localID, err := s.Submit("mine")
	if err != nil {
		t.Fatal(err)
	}
	<-stored
	s.pollNow()

	close(release)
	s.settle()

	entries := s.Timeline()
	mine := entriesBy(entries, "alice")
	if len(mine) != 1 || mine[0].LocalID != localID || mine[0].ServerID != 2 || mine[0].Status != StatusSent {
		t.Fatalf("expected one confirmed entry, got %+v", entries)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
}

func TestSameAuthorOtherSessionShownOnce(t *testing.T) {
	log := newMemLog()
	first := newTestSession(t, log, "alice", nil)
	second := newTestSession(t, log, "alice", nil)

	if _, err := second.Submit("from the other tab"); err != nil {
		t.Fatal(err)
	}
	second.settle()

	first.pollNow()
	first.pollNow()
	entries := first.Timeline()
	if len(entries) != 1 || entries[0].Text != "from the other tab" || entries[0].LocalID != "" {
		t.Fatalf("expected the other session's message once, got %+v", entries)
	}
}

func TestSendTimeoutMarksFailed(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", func(o *Options) {
		o.RequestTimeout = 20 * time.Millisecond
	})
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			<-ctx.Done()
			return nil, ErrTimeout
		}
	})

	localID, err := s.Submit("slow")
	if err != nil {
		t.Fatal(err)
	}
	s.settle()

	p, ok := s.Pending(localID)
	if !ok || p.Status != StatusFailed {
		t.Fatalf("expected failed pending entry, got %+v", p)
	}
}

func TestFailedEntryPromotedWhenSeenInLog(t *testing.T) {
	log := newMemLog()
	s := newTestSession(t, log, "alice", nil)

	// Stored, but the response is lost.
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			log.store("alice", text, clientID)
			return nil, ErrTimeout
		}
	})
	localID, _ := s.Submit("lost ack")
	s.settle()
	if p, _ := s.Pending(localID); p.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", p.Status)
	}

	s.pollNow()
	entries := s.Timeline()
	if len(entries) != 1 || entries[0].Status != StatusSent || entries[0].ServerID != 1 {
		t.Fatalf("expected promotion to sent, got %+v", entries)
	}
	if err := s.Retry(localID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("promoted entry must not be retryable, got %v", err)
	}
	if log.count() != 1 {
		t.Fatalf("expected a single stored message, got %d", log.count())
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", func(o *Options) { o.MaxLength = 5 })

	for _, text := range []string{"", "   ", strings.Repeat("x", 6)} {
		if _, err := s.Submit(text); !errors.Is(err, ErrValidation) {
			t.Fatalf("%q: expected ErrValidation, got %v", text, err)
		}
	}
	if len(s.Timeline()) != 0 || s.ep.appendCount() != 0 {
		t.Fatal("invalid submits must not create entries or appends")
	}

	s.ep.set(func(f *fakeEndpoint) { f.signedOut = true })
	if _, err := s.Submit("hi"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth after sign-out, got %v", err)
	}
}

func TestStartRequiresIdentity(t *testing.T) {
	ep := newFakeEndpoint(newMemLog(), "alice")
	ep.signedOut = true
	s := NewSession(ep, ep, DefaultOptions())

	if err := s.Start(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if _, err := s.Submit("hi"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if ep.readCount() != 0 {
		t.Fatal("no poll may run without an identity")
	}
}

func TestPollDrainsFullPages(t *testing.T) {
	log := newMemLog()
	for i := 0; i < 5; i++ {
		log.store("bob", "m", "")
	}
	s := newTestSession(t, log, "alice", func(o *Options) { o.PageSize = 2 })
	waitFor(t, "backlog drained", func() bool { return s.Cursor() == 5 })

	if n := s.Polls(); n != 3 {
		t.Fatalf("expected 3 page fetches in the initial load, got %d", n)
	}
	if len(s.Timeline()) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(s.Timeline()))
	}
	var last int64
	for _, e := range s.Timeline() {
		if e.ServerID <= last {
			t.Fatalf("entries out of order: %d after %d", e.ServerID, last)
		}
		last = e.ServerID
	}
}

func TestPollFailuresAreCounted(t *testing.T) {
	log := newMemLog()
	s := newTestSession(t, log, "alice", nil)

	s.ep.set(func(f *fakeEndpoint) { f.readErr = ErrNetwork })
	s.pollNow()
	s.pollNow()
	if n := s.PollFailures(); n != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", n)
	}

	s.ep.set(func(f *fakeEndpoint) { f.readErr = nil })
	log.store("bob", "back", "")
	s.pollNow()
	if n := s.PollFailures(); n != 0 {
		t.Fatalf("expected failures to reset, got %d", n)
	}
	if len(s.Timeline()) != 1 {
		t.Fatal("expected the message after recovery")
	}
}

func TestEndStopsPollingAndDiscardsLateResults(t *testing.T) {
	log := newMemLog()
	s := newTestSession(t, log, "alice", func(o *Options) { o.PollInterval = 5 * time.Millisecond })

	release := make(chan struct{})
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			<-release
			m := log.store("alice", text, clientID)
			return &m, nil
		}
	})
	localID, err := s.Submit("in flight")
	if err != nil {
		t.Fatal(err)
	}

	s.End()
	reads := s.ep.readCount()

	close(release)
	s.settle()
	time.Sleep(20 * time.Millisecond)

	if n := s.ep.readCount(); n != reads {
		t.Fatalf("poll ran after End: %d -> %d reads", reads, n)
	}
	p, _ := s.Pending(localID)
	if p.Status != StatusSending {
		t.Fatalf("result after End must be discarded, entry is %s", p.Status)
	}
	if _, err := s.Submit("late"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after End, got %v", err)
	}
	if s.CooldownRemaining() != 0 {
		t.Fatal("End must clear the cooldown")
	}
}

func TestUpdatesSignalTimelineChanges(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", nil)

	// Drain anything from the initial load.
	select {
	case <-s.Updates():
	default:
	}

	if _, err := s.Submit("hi"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Updates():
	case <-time.After(time.Second):
		t.Fatal("expected an update after submit")
	}
}

func TestTimelineRetentionKeepsUnresolved(t *testing.T) {
	log := newMemLog()
	s := newTestSession(t, log, "alice", func(o *Options) {
		o.Retention = 3
		o.Cooldown = 0
	})
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			return nil, ErrNetwork
		}
	})
	var failed []string
	for i := 0; i < 2; i++ {
		id, err := s.Submit("stuck")
		if err != nil {
			t.Fatal(err)
		}
		failed = append(failed, id)
	}
	s.settle()

	for i := 0; i < 5; i++ {
		log.store("bob", "m", "")
	}
	s.pollNow()

	entries := s.Timeline()
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(entries))
	}
	for _, id := range failed {
		if _, ok := s.Pending(id); !ok {
			t.Fatalf("failed entry %s was evicted", id)
		}
	}
	if entries[2].ServerID != 5 {
		t.Fatalf("expected newest message kept, got %+v", entries[2])
	}
}

func TestRetryRejectedAfterSignOut(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", nil)
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			return nil, ErrNetwork
		}
	})
	localID, err := s.Submit("hello")
	if err != nil {
		t.Fatal(err)
	}
	s.settle()

	s.ep.set(func(f *fakeEndpoint) { f.signedOut = true })
	if err := s.Retry(localID); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	s.settle()
	if n := s.ep.appendCount(); n != 1 {
		t.Fatalf("retry without identity must not append, got %d appends", n)
	}
	if p, _ := s.Pending(localID); p.Status != StatusFailed {
		t.Fatalf("entry should stay failed, got %s", p.Status)
	}
}

func TestPollConfirmationStartsCooldown(t *testing.T) {
	log := newMemLog()
	s := newTestSession(t, log, "alice", nil)

	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			log.store("alice", text, clientID)
			return nil, ErrTimeout
		}
	})
	if _, err := s.Submit("first"); err != nil {
		t.Fatal(err)
	}
	s.settle()
	s.pollNow()

	s.ep.set(func(f *fakeEndpoint) { f.appendHook = nil })
	if _, err := s.Submit("second"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled after a send confirmed by poll, got %v", err)
	}
	if log.count() != 1 {
		t.Fatalf("expected 1 stored message, got %d", log.count())
	}

	s.clock.Advance(2 * time.Second)
	if _, err := s.Submit("second"); err != nil {
		t.Fatal(err)
	}
	s.settle()
	if log.count() != 2 {
		t.Fatalf("expected 2 stored messages, got %d", log.count())
	}
}

func TestWaitForInflightSends(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", nil)

	release := make(chan struct{})
	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			<-release
			m := f.log.store("alice", text, clientID)
			return &m, nil
		}
	})
	localID, err := s.Submit("hi")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Wait to time out while the send is blocked, got %v", err)
	}

	close(release)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.Pending(localID); p.Status != StatusSent {
		t.Fatalf("expected sent after Wait, got %s", p.Status)
	}
}

func TestUnresolvedListsOpenSends(t *testing.T) {
	s := newTestSession(t, newMemLog(), "alice", func(o *Options) { o.Cooldown = 0 })

	if _, err := s.Submit("ok"); err != nil {
		t.Fatal(err)
	}
	s.settle()

	s.ep.set(func(f *fakeEndpoint) {
		f.appendHook = func(ctx context.Context, text, clientID string) (*Message, error) {
			return nil, ErrNetwork
		}
	})
	failedID, err := s.Submit("broken")
	if err != nil {
		t.Fatal(err)
	}
	s.settle()

	open := s.Unresolved()
	if len(open) != 1 || open[0].LocalID != failedID || open[0].Status != StatusFailed {
		t.Fatalf("expected only the failed send, got %+v", open)
	}
}
