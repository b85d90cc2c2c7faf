// Package history keeps a bounded, in-memory record of session activity.
package history

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 1000

type Category string

const (
	UserMessage Category = "user_message"
	Connect     Category = "connect"
	Disconnect  Category = "disconnect"
	AdminAction Category = "admin_action"
	Broadcast   Category = "broadcast"
)

type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"socketId"`
	Category  Category  `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Ring holds the most recent entries in arrival order. Entries past the
// capacity are evicted oldest first.
type Ring struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
	start    int
	now      func() time.Time
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		entries:  make([]Entry, 0, min(capacity, 64)),
		now:      time.Now,
	}
}

func (r *Ring) Append(sessionID string, category Category, content string) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		SessionID: strings.TrimSpace(sessionID),
		Category:  category,
		Content:   content,
		Timestamp: r.now().UTC(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, e)
		return e
	}
	r.entries[r.start] = e
	r.start = (r.start + 1) % r.capacity
	return e
}

// Recent returns up to limit of the newest entries, oldest first.
// A limit <= 0 returns everything retained.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - limit; i < n; i++ {
		out = append(out, r.entries[(r.start+i)%n])
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Ring) Capacity() int {
	return r.capacity
}
