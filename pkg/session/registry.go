package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrDuplicateSession = errors.New("session already registered")

const knownAddressLimit = 4096

// BlockEntry denies (re)connection for a session id or a network address.
type BlockEntry struct {
	Target string    `json:"target"`
	Reason string    `json:"reason"`
	At     time.Time `json:"timestamp"`
	By     string    `json:"blockedBy"`
}

// Registry owns live sessions and the two block collections. All mutation
// goes through its methods; no lock is held while sending to a session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byID     map[string]BlockEntry
	byAddr   map[string]BlockEntry
	now      func() time.Time

	// known maps session ids to the address they connected from, kept after
	// disconnect so an id can still be used to lift an address block.
	known      map[string]string
	knownOrder []string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		byID:     map[string]BlockEntry{},
		byAddr:   map[string]BlockEntry{},
		now:      time.Now,
		known:    map[string]string{},
	}
}

func (r *Registry) Register(s *Session) error {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	r.sessions[s.ID] = s
	r.rememberLocked(s.ID, s.Address)
	return nil
}

// Admit registers s unless its id or address is blocked. The check and the
// registration happen under one lock.
func (r *Registry) Admit(s *Session) (BlockEntry, bool, error) {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return BlockEntry{}, false, errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rememberLocked(s.ID, s.Address)
	if e, ok := r.blockedLocked(s.ID, s.Address); ok {
		return e, true, nil
	}
	if _, ok := r.sessions[s.ID]; ok {
		return BlockEntry{}, false, fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	r.sessions[s.ID] = s
	return BlockEntry{}, false, nil
}

func (r *Registry) rememberLocked(id, address string) {
	if address == "" {
		return
	}
	if _, ok := r.known[id]; !ok {
		r.knownOrder = append(r.knownOrder, id)
	}
	r.known[id] = address
	for len(r.knownOrder) > knownAddressLimit {
		delete(r.known, r.knownOrder[0])
		r.knownOrder = r.knownOrder[1:]
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Unregister removes id and reports whether it was present. Repeated calls
// are harmless.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// ListActive returns registered sessions that are still connected, oldest
// connection first.
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Connected() {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IsBlocked reports whether either the id or the address is blocked.
func (r *Registry) IsBlocked(id, address string) (BlockEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blockedLocked(id, address)
}

func (r *Registry) blockedLocked(id, address string) (BlockEntry, bool) {
	if id != "" {
		if e, ok := r.byID[id]; ok {
			return e, true
		}
	}
	if address != "" {
		if e, ok := r.byAddr[address]; ok {
			return e, true
		}
	}
	return BlockEntry{}, false
}

func (r *Registry) BlockID(id, reason, by string) BlockEntry {
	e := BlockEntry{Target: id, Reason: reason, At: r.now().UTC(), By: by}
	r.mu.Lock()
	r.byID[id] = e
	r.mu.Unlock()
	return e
}

func (r *Registry) BlockAddress(address, reason, by string) BlockEntry {
	e := BlockEntry{Target: address, Reason: reason, At: r.now().UTC(), By: by}
	r.mu.Lock()
	r.byAddr[address] = e
	r.mu.Unlock()
	return e
}

// Unblock removes target from both collections. When target is a session
// id whose address is known, the block on that address is lifted too.
func (r *Registry) Unblock(target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	if _, ok := r.byID[target]; ok {
		delete(r.byID, target)
		found = true
	}
	if _, ok := r.byAddr[target]; ok {
		delete(r.byAddr, target)
		found = true
	}
	if addr, ok := r.known[target]; ok {
		if _, ok := r.byAddr[addr]; ok {
			delete(r.byAddr, addr)
			found = true
		}
	}
	return found
}

func (r *Registry) BlockedIDs() []BlockEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedEntries(r.byID)
}

func (r *Registry) BlockedAddresses() []BlockEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedEntries(r.byAddr)
}

func (r *Registry) BlockedCounts() (ids int, addresses int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), len(r.byAddr)
}

func sortedEntries(m map[string]BlockEntry) []BlockEntry {
	out := make([]BlockEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
