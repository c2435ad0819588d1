package tap

import (
	"sync"
	"time"
)

// DefaultFeedSize is the number of recent events kept
const DefaultFeedSize = 200

// Entry is one line of the recent-events feed
type Entry struct {
	Time   time.Time `json:"time"`
	Name   string    `json:"name"`
	Source string    `json:"source"`
	Data   any       `json:"data,omitempty"`
}

// Feed is a bounded list of the most recent entries
type Feed struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewFeed creates a feed holding up to size entries
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{entries: make([]Entry, size)}
}

// Push appends e, evicting the oldest entry when full
func (f *Feed) Push(e Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[f.next] = e
	f.next = (f.next + 1) % len(f.entries)
	if f.next == 0 {
		f.full = true
	}
}

// Entries returns the entries oldest first
func (f *Feed) Entries() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.full {
		return append([]Entry(nil), f.entries[:f.next]...)
	}
	out := make([]Entry, 0, len(f.entries))
	out = append(out, f.entries[f.next:]...)
	return append(out, f.entries[:f.next]...)
}

// Len returns the number of stored entries
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.full {
		return len(f.entries)
	}
	return f.next
}
