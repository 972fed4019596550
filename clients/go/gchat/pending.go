package gchat

import (
	"fmt"
	"time"
)

// Status is the state of a locally originated send.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Unresolved reports whether the server outcome is still open.
func (s Status) Unresolved() bool {
	return s == StatusSending || s == StatusFailed
}

// PendingEntry is a send in flight or recently resolved.
type PendingEntry struct {
	LocalID   string
	Author    string
	Text      string
	Status    Status
	ServerID  int64 // set once Status is StatusSent
	Attempts  int
	CreatedAt time.Time
}

// PendingCache holds locally originated sends keyed by local id.
//
// Retention is bounded: once the cache exceeds its limit, the oldest sent
// entries already reconciled with the log are evicted first. Sending and
// failed entries are never evicted. PendingCache is not safe for concurrent use.
type PendingCache struct {
	limit    int
	order    []string
	entries  map[string]*PendingEntry
	byServer map[int64]string
}

// NewPendingCache creates a cache retaining about limit entries.
func NewPendingCache(limit int) *PendingCache {
	if limit <= 0 {
		limit = 100
	}
	return &PendingCache{
		limit:    limit,
		entries:  make(map[string]*PendingEntry),
		byServer: make(map[int64]string),
	}
}

// Insert adds a new entry.
func (c *PendingCache) Insert(e PendingEntry) error {
	if _, ok := c.entries[e.LocalID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLocalID, e.LocalID)
	}
	entry := e
	c.entries[e.LocalID] = &entry
	c.order = append(c.order, e.LocalID)
	if e.Status == StatusSent && e.ServerID != 0 {
		c.byServer[e.ServerID] = e.LocalID
	}
	return nil
}

// Update moves an entry to status. serverID is recorded when status is StatusSent.
// Moving to StatusSending counts a new attempt.
func (c *PendingCache) Update(localID string, status Status, serverID int64) error {
	entry, ok := c.entries[localID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}

	if status == StatusSending && entry.Status != StatusSending {
		entry.Attempts++
	}
	entry.Status = status

	if status == StatusSent && serverID != 0 {
		if entry.ServerID != 0 && entry.ServerID != serverID {
			delete(c.byServer, entry.ServerID)
		}
		entry.ServerID = serverID
		c.byServer[serverID] = localID
	}
	return nil
}

// Get returns a copy of the entry for localID.
func (c *PendingCache) Get(localID string) (PendingEntry, bool) {
	entry, ok := c.entries[localID]
	if !ok {
		return PendingEntry{}, false
	}
	return *entry, true
}

// LookupServerID returns the entry confirmed with server id.
func (c *PendingCache) LookupServerID(id int64) (PendingEntry, bool) {
	localID, ok := c.byServer[id]
	if !ok {
		return PendingEntry{}, false
	}
	return c.Get(localID)
}

// Len returns the number of cached entries.
func (c *PendingCache) Len() int {
	return len(c.entries)
}

// Entries returns the cached entries in insertion order.
func (c *PendingCache) Entries() []PendingEntry {
	out := make([]PendingEntry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.entries[id])
	}
	return out
}

// Evict drops the oldest sent entries with ServerID <= cursor while the cache
// is over its limit, and returns how many were removed.
func (c *PendingCache) Evict(cursor int64) int {
	removed := 0
	kept := c.order[:0]
	excess := len(c.order) - c.limit
	for _, id := range c.order {
		entry := c.entries[id]
		if removed < excess && entry.Status == StatusSent && entry.ServerID <= cursor {
			delete(c.entries, id)
			delete(c.byServer, entry.ServerID)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	// Clear the tail so evicted ids are not retained by the backing array.
	for i := len(kept); i < len(c.order); i++ {
		c.order[i] = ""
	}
	c.order = kept
	return removed
}
