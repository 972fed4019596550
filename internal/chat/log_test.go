package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/gchat/internal/store"
)

func newTestLog(t *testing.T, opts Options) (*Log, *miniredis.Miniredis) {
	t.Helper()
	ds, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ds.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLog(ds, store.NewRedisStoreFromClient(client), opts, zerolog.Nop()), mr
}

func TestAppendValidation(t *testing.T) {
	l, _ := newTestLog(t, Options{MaxLength: 5, Cooldown: 0})
	ctx := context.Background()

	cases := []struct {
		name   string
		author string
		text   string
		want   error
	}{
		{"empty", "alice", "", ErrValidation},
		{"whitespace", "alice", "   \n", ErrValidation},
		{"too long", "alice", "abcdef", ErrValidation},
		{"unauthenticated", "", "hi", ErrAuth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.Append(ctx, tc.author, tc.text, ""); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// Length is counted in runes, after trimming.
	msg, err := l.Append(ctx, "alice", "  héllo ", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "héllo" {
		t.Fatalf("expected trimmed body, got %q", msg.Body)
	}

	page, _ := l.ReadSince(ctx, 0, 0)
	if len(page.Messages) != 1 {
		t.Fatalf("rejected appends must not be stored, got %d messages", len(page.Messages))
	}
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	l, _ := newTestLog(t, Options{Cooldown: 0})
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		msg, err := l.Append(ctx, "alice", "hi", "")
		if err != nil {
			t.Fatal(err)
		}
		if msg.ID <= last {
			t.Fatalf("id %d not above %d", msg.ID, last)
		}
		if msg.CreatedAt.IsZero() {
			t.Fatal("expected server timestamp")
		}
		last = msg.ID
	}
}

func TestServerCooldown(t *testing.T) {
	l, mr := newTestLog(t, Options{Cooldown: 2 * time.Second})
	ctx := context.Background()

	if _, err := l.Append(ctx, "alice", "one", "a1"); err != nil {
		t.Fatal(err)
	}

	_, err := l.Append(ctx, "alice", "two", "a2")
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) || !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected CooldownError, got %v", err)
	}
	if cooldown.Remaining <= 0 {
		t.Fatalf("expected remaining time, got %v", cooldown.Remaining)
	}

	// A replay of an already stored client id is not throttled.
	replay, err := l.Append(ctx, "alice", "one", "a1")
	if err != nil {
		t.Fatalf("replay should bypass cooldown, got %v", err)
	}
	if replay.Body != "one" {
		t.Fatalf("unexpected replay %+v", replay)
	}

	// Other authors are unaffected.
	if _, err := l.Append(ctx, "bob", "yo", ""); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Second)
	if _, err := l.Append(ctx, "alice", "two", "a2"); err != nil {
		t.Fatalf("expected cooldown to elapse, got %v", err)
	}
}

func TestAppendIdempotentByClientID(t *testing.T) {
	l, _ := newTestLog(t, Options{Cooldown: 0})
	ctx := context.Background()

	first, err := l.Append(ctx, "alice", "hi", "01HZX")
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Append(ctx, "alice", "hi", "01HZX")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same message, got %d and %d", first.ID, second.ID)
	}

	page, _ := l.ReadSince(ctx, 0, 0)
	if len(page.Messages) != 1 {
		t.Fatalf("expected one stored message, got %d", len(page.Messages))
	}
}

func TestReadSinceCapsLimit(t *testing.T) {
	l, _ := newTestLog(t, Options{PageSize: 2, PageSizeMax: 3, Cooldown: 0})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, "alice", strings.Repeat("x", i+1), ""); err != nil {
			t.Fatal(err)
		}
	}

	page, err := l.ReadSince(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("default page: %d messages, has_more=%v", len(page.Messages), page.HasMore)
	}

	page, _ = l.ReadSince(ctx, 0, 1000)
	if len(page.Messages) != 3 {
		t.Fatalf("limit must be capped at 3, got %d", len(page.Messages))
	}

	page, _ = l.ReadSince(ctx, page.Cursor, 1000)
	if len(page.Messages) != 2 || page.HasMore {
		t.Fatalf("tail page: %d messages, has_more=%v", len(page.Messages), page.HasMore)
	}

	tail := page.Cursor
	page, err = l.ReadSince(ctx, tail, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 0 || page.Cursor != tail {
		t.Fatalf("expected empty batch at cursor %d, got %+v", tail, page)
	}

	page, _ = l.ReadSince(ctx, -5, 1)
	if len(page.Messages) != 1 || page.Messages[0].Body != "x" {
		t.Fatalf("negative cursor should read from the start, got %+v", page.Messages)
	}
}

func TestReadSinceConcurrentWithAppend(t *testing.T) {
	l, _ := newTestLog(t, Options{PageSize: 10, PageSizeMax: 10, Cooldown: 0})
	ctx := context.Background()

	const total = 40
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := l.Append(ctx, "alice", "m", ""); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	var cursor int64
	seen := 0
	deadline := time.Now().Add(10 * time.Second)
	for seen < total && time.Now().Before(deadline) {
		page, err := l.ReadSince(ctx, cursor, 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range page.Messages {
			if m.ID <= cursor {
				t.Fatalf("repeat: id %d at cursor %d", m.ID, cursor)
			}
			if m.Body != "m" || m.Author != "alice" {
				t.Fatalf("partially visible message %+v", m)
			}
			cursor = m.ID
			seen++
		}
	}
	wg.Wait()

	if seen != total {
		t.Fatalf("expected %d messages, saw %d", total, seen)
	}
}
