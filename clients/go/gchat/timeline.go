package gchat

import (
	"strconv"
	"time"
)

// Entry is one rendered line of the conversation.
type Entry struct {
	LocalID   string // empty for messages first seen through a poll
	ServerID  int64  // zero until the server has confirmed the message
	Author    string
	Text      string
	CreatedAt time.Time
	Status    Status
	Err       string // last send failure for failed entries
}

// Key identifies the entry across snapshots.
func (e Entry) Key() string {
	if e.LocalID != "" {
		return "local:" + e.LocalID
	}
	return "msg:" + strconv.FormatInt(e.ServerID, 10)
}

// Timeline is the bounded, ordered view shown to the user.
// Owned by a Session; not safe for concurrent use.
type Timeline struct {
	limit   int
	entries []Entry
}

// NewTimeline creates a timeline retaining about limit entries.
func NewTimeline(limit int) *Timeline {
	if limit <= 0 {
		limit = 100
	}
	return &Timeline{limit: limit}
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// Snapshot returns a copy of the entries in display order.
func (t *Timeline) Snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Timeline) add(e Entry) {
	t.entries = append(t.entries, e)
}

func (t *Timeline) indexLocal(localID string) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// indexPolled finds a copy of server message id that no local entry owns.
func (t *Timeline) indexPolled(id int64) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].LocalID == "" && t.entries[i].ServerID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) remove(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

func (t *Timeline) setStatus(localID string, status Status, errText string) {
	if i := t.indexLocal(localID); i >= 0 {
		t.entries[i].Status = status
		t.entries[i].Err = errText
	}
}

// fold marks the optimistic entry for localID as the confirmed message m.
// A copy of m rendered earlier from a poll is dropped; the local entry keeps its position.
func (t *Timeline) fold(localID string, m Message) {
	if j := t.indexPolled(m.ID); j >= 0 {
		t.remove(j)
	}
	i := t.indexLocal(localID)
	if i < 0 {
		return
	}
	e := &t.entries[i]
	e.ServerID = m.ID
	e.Text = m.Text
	e.Status = StatusSent
	e.Err = ""
	if !m.CreatedAt.IsZero() {
		e.CreatedAt = m.CreatedAt
	}
}

// trim drops the oldest settled entries while over the limit.
func (t *Timeline) trim() {
	excess := len(t.entries) - t.limit
	if excess <= 0 {
		return
	}
	kept := t.entries[:0]
	for _, e := range t.entries {
		if excess > 0 && !e.Status.Unresolved() {
			excess--
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = Entry{}
	}
	t.entries = kept
}
