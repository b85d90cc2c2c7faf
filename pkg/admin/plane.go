// Package admin implements the privileged session controls.
package admin

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/history"
	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/lkarlslund/chatrelay/pkg/metrics"
	"github.com/lkarlslund/chatrelay/pkg/session"
)

var ErrUnauthorized = errors.New("unauthorized")

// Event names pushed to affected sessions.
const (
	EventKicked      = "kicked"
	EventBlocked     = "blocked"
	EventChatMessage = "chat_message"
)

type Notice struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type BroadcastMessage struct {
	From      string    `json:"from"`
	Message   string    `json:"message"`
	Broadcast bool      `json:"broadcast"`
	Timestamp time.Time `json:"timestamp"`
}

type Stats struct {
	ActiveSessions   int       `json:"activeConnections"`
	AdminSessions    int       `json:"adminConnections"`
	HistorySize      int       `json:"historySize"`
	HistoryCapacity  int       `json:"historyCapacity"`
	BlockedIDs       int       `json:"blockedSockets"`
	BlockedAddresses int       `json:"blockedIPs"`
	UptimeSeconds    int64     `json:"uptime"`
	Timestamp        time.Time `json:"timestamp"`
}

type BlockedList struct {
	Sessions  []session.BlockEntry `json:"blockedSockets"`
	Addresses []session.BlockEntry `json:"blockedIPs"`
}

// Plane is safe for concurrent use and may act on any session while that
// session's turns are streaming.
type Plane struct {
	cfg      config.ServerConfig
	sessions *session.Registry
	history  *history.Ring
	grace    time.Duration
	started  time.Time
}

func New(cfg config.ServerConfig, sessions *session.Registry, hist *history.Ring) *Plane {
	grace := time.Duration(cfg.Admin.GraceMillis) * time.Millisecond
	if grace <= 0 {
		grace = time.Second
	}
	return &Plane{
		cfg:      cfg,
		sessions: sessions,
		history:  hist,
		grace:    grace,
		started:  time.Now(),
	}
}

// Authorize compares secret with the configured admin secret in constant
// time. An unset admin secret authorizes nobody.
func (p *Plane) Authorize(secret string) bool {
	return safeEqual(strings.TrimSpace(secret), p.cfg.Admin.Secret)
}

// PerOperationAuth reports whether each admin command must carry the secret.
func (p *Plane) PerOperationAuth() bool {
	return p.cfg.Admin.PerOperationAuth
}

// Grace is the delay between a refusal notice and the forced disconnect.
func (p *Plane) Grace() time.Duration {
	return p.grace
}

func (p *Plane) Kick(by, target string) bool {
	metrics.AdminActions.WithLabelValues("kick").Inc()
	s, ok := p.sessions.Get(target)
	found := ok && s.Connected()
	if found {
		s.SendControl(EventKicked, Notice{Message: p.cfg.MessagesFor(s.Language).Kicked})
		s.DisconnectAfter(p.grace)
	}
	p.record(by, fmt.Sprintf("kick %s found=%t", target, found))
	logutil.For("admin").Info("kick", "by", by, "target", target, "found", found)
	return found
}

// Block always records a block on the id. A connected target also has its
// address blocked and is disconnected after the grace delay.
func (p *Plane) Block(by, target, reason string) bool {
	metrics.AdminActions.WithLabelValues("block").Inc()
	target = strings.TrimSpace(target)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "blocked by admin"
	}
	p.sessions.BlockID(target, reason, by)
	s, ok := p.sessions.Get(target)
	if ok && s.Connected() {
		if s.Address != "" {
			p.sessions.BlockAddress(s.Address, reason, by)
		}
		s.SendControl(EventBlocked, Notice{Message: p.cfg.MessagesFor(s.Language).Blocked, Reason: reason})
		s.DisconnectAfter(p.grace)
	}
	p.record(by, fmt.Sprintf("block %s: %s", target, reason))
	logutil.For("admin").Info("block", "by", by, "target", target, "connected", ok)
	return true
}

func (p *Plane) Unblock(by, target string) bool {
	metrics.AdminActions.WithLabelValues("unblock").Inc()
	found := p.sessions.Unblock(target)
	p.record(by, fmt.Sprintf("unblock %s found=%t", target, found))
	return found
}

// Broadcast sends message to every connected non-admin session and returns
// the number of sessions it was queued for.
func (p *Plane) Broadcast(by, message string) int {
	metrics.AdminActions.WithLabelValues("broadcast").Inc()
	msg := BroadcastMessage{
		From:      "admin",
		Message:   strings.TrimSpace(message),
		Broadcast: true,
		Timestamp: time.Now().UTC(),
	}
	n := 0
	for _, s := range p.sessions.ListActive() {
		if s.IsAdmin() {
			continue
		}
		if s.SendControl(EventChatMessage, msg) {
			n++
		}
	}
	p.history.Append(by, history.Broadcast, msg.Message)
	logutil.For("admin").Info("broadcast", "by", by, "recipients", n)
	return n
}

func (p *Plane) Stats() Stats {
	active := p.sessions.ListActive()
	admins := 0
	for _, s := range active {
		if s.IsAdmin() {
			admins++
		}
	}
	ids, addrs := p.sessions.BlockedCounts()
	return Stats{
		ActiveSessions:   len(active),
		AdminSessions:    admins,
		HistorySize:      p.history.Len(),
		HistoryCapacity:  p.history.Capacity(),
		BlockedIDs:       ids,
		BlockedAddresses: addrs,
		UptimeSeconds:    int64(time.Since(p.started).Seconds()),
		Timestamp:        time.Now().UTC(),
	}
}

func (p *Plane) History(limit int) []history.Entry {
	return p.history.Recent(limit)
}

func (p *Plane) Users() []session.Info {
	active := p.sessions.ListActive()
	out := make([]session.Info, 0, len(active))
	for _, s := range active {
		out = append(out, s.Info())
	}
	return out
}

func (p *Plane) Blocked() BlockedList {
	return BlockedList{
		Sessions:  p.sessions.BlockedIDs(),
		Addresses: p.sessions.BlockedAddresses(),
	}
}

func (p *Plane) record(by, content string) {
	p.history.Append(by, history.AdminAction, content)
}

func safeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
