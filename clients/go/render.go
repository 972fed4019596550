package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/eldtechnologies/gchat/clients/go/gchat"
)

// renderer prints timeline changes as lines: new entries once, then status changes.
type renderer struct {
	out io.Writer

	mu       sync.Mutex
	seen     map[string]gchat.Status
	failures int
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, seen: make(map[string]gchat.Status)}
}

func (r *renderer) render(entries []gchat.Entry, pollFailures int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]gchat.Status, len(entries))
	for _, e := range entries {
		prev, ok := r.seen[e.Key()]
		current[e.Key()] = e.Status
		switch {
		case !ok:
			fmt.Fprintf(r.out, "%s %s: %s%s\n", e.CreatedAt.Local().Format("15:04:05"), e.Author, e.Text, marker(e))
		case prev != e.Status:
			fmt.Fprintf(r.out, "  %q%s\n", e.Text, marker(e))
		}
	}

	// Entries that left the timeline are forgotten.
	r.seen = current

	const warnAfter = 3
	if pollFailures >= warnAfter && r.failures < warnAfter {
		fmt.Fprintln(r.out, "! connection problems, still retrying")
	}
	if pollFailures == 0 && r.failures >= warnAfter {
		fmt.Fprintln(r.out, "! reconnected")
	}
	r.failures = pollFailures
}

func marker(e gchat.Entry) string {
	switch e.Status {
	case gchat.StatusSending:
		if e.LocalID != "" {
			return " (sending)"
		}
	case gchat.StatusFailed:
		return fmt.Sprintf(" (failed: %s; /retry %s)", e.Err, e.LocalID)
	case gchat.StatusSent:
		if e.LocalID != "" {
			return " (sent)"
		}
	}
	return ""
}

// listUnresolved prints the sends that are still sending or failed.
func listUnresolved(out io.Writer, entries []gchat.PendingEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no pending messages")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "  %s  %-7s %q (attempts: %d)\n", e.LocalID, e.Status, e.Text, e.Attempts)
	}
}
