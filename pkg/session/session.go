// Package session tracks live client connections and administrative blocks.
package session

import (
	"sync"
	"time"
)

type Role string

const (
	RoleNormal Role = "normal"
	RoleAdmin  Role = "admin"
)

const (
	outboundBuffer = 64
	controlBuffer  = 16
	controlWait    = 2 * time.Second
)

// Event is one outbound message queued for a session's writer.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Session is one live connection. Outbound events are queued on a channel
// drained by a single writer, so events from one sender arrive in the order
// they were sent. Control events travel on a separate channel which the
// writer drains first, so a full stream buffer cannot hold them back.
type Session struct {
	ID          string
	Address     string
	UserAgent   string
	ConnectedAt time.Time
	Role        Role
	Language    string

	out       chan Event
	ctrl      chan Event
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func New(id, address, userAgent string, role Role) *Session {
	if role == "" {
		role = RoleNormal
	}
	return &Session{
		ID:          id,
		Address:     address,
		UserAgent:   userAgent,
		ConnectedAt: time.Now().UTC(),
		Role:        role,
		out:         make(chan Event, outboundBuffer),
		ctrl:        make(chan Event, controlBuffer),
		done:        make(chan struct{}),
	}
}

func (s *Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// OnClose registers fn to run once when the session closes. It must be set
// before the session is shared.
func (s *Session) OnClose(fn func()) {
	s.onClose = fn
}

// Send queues an event. It blocks until the event is queued or the session
// closes, and reports whether the event was queued.
func (s *Session) Send(name string, data any) bool {
	if !s.Connected() {
		return false
	}
	select {
	case s.out <- Event{Name: name, Data: data}:
		return true
	case <-s.done:
		return false
	}
}

// TrySend queues an event without waiting for buffer space.
func (s *Session) TrySend(name string, data any) bool {
	if !s.Connected() {
		return false
	}
	select {
	case s.out <- Event{Name: name, Data: data}:
		return true
	default:
		return false
	}
}

// SendControl queues a priority event such as an admin notice. It waits at
// most a short bounded time for space and never queues behind stream output.
func (s *Session) SendControl(name string, data any) bool {
	if !s.Connected() {
		return false
	}
	ev := Event{Name: name, Data: data}
	select {
	case s.ctrl <- ev:
		return true
	default:
	}
	t := time.NewTimer(controlWait)
	defer t.Stop()
	select {
	case s.ctrl <- ev:
		return true
	case <-s.done:
		return false
	case <-t.C:
		return false
	}
}

func (s *Session) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) Outbound() <-chan Event {
	return s.out
}

// Control carries priority events. Writers drain it before Outbound.
func (s *Session) Control() <-chan Event {
	return s.ctrl
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// DisconnectAfter closes the session once d has elapsed, leaving the writer
// time to deliver already queued notices.
func (s *Session) DisconnectAfter(d time.Duration) {
	if d <= 0 {
		s.Close()
		return
	}
	time.AfterFunc(d, s.Close)
}

// Info is the admin-facing view of a session.
type Info struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	UserAgent   string    `json:"userAgent"`
	ConnectedAt time.Time `json:"connectedAt"`
	IsAdmin     bool      `json:"isAdmin"`
}

func (s *Session) Info() Info {
	return Info{
		ID:          s.ID,
		Address:     s.Address,
		UserAgent:   s.UserAgent,
		ConnectedAt: s.ConnectedAt,
		IsAdmin:     s.IsAdmin(),
	}
}
