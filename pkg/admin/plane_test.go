package admin

import (
	"testing"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/history"
	"github.com/lkarlslund/chatrelay/pkg/session"
)

func newPlane(t *testing.T) (*Plane, *session.Registry, *history.Ring) {
	t.Helper()
	cfg := config.NewDefaultServerConfig()
	cfg.Admin.Secret = "s3cret"
	cfg.Admin.GraceMillis = 20
	cfg.Normalize()
	reg := session.NewRegistry()
	hist := history.NewRing(100)
	return New(*cfg, reg, hist), reg, hist
}

func connect(t *testing.T, reg *session.Registry, id, addr string, role session.Role) *session.Session {
	t.Helper()
	s := session.New(id, addr, "test", role)
	if err := reg.Register(s); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return s
}

func waitClosed(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s was not disconnected", s.ID)
	}
}

func TestBroadcastCountsConnectedSessionsOnly(t *testing.T) {
	p, reg, hist := newPlane(t)
	var users []*session.Session
	for _, id := range []string{"u1", "u2", "u3"} {
		users = append(users, connect(t, reg, id, "10.0.0."+id[1:], session.RoleNormal))
	}
	gone := connect(t, reg, "u4", "10.0.0.4", session.RoleNormal)
	gone.Close()
	connect(t, reg, "admin", "10.0.0.100", session.RoleAdmin)

	n := p.Broadcast("admin", "maintenance in 5 min")
	if n != 3 {
		t.Fatalf("expected 3 recipients, got %d", n)
	}
	for _, u := range users {
		ev := <-u.Control()
		msg, ok := ev.Data.(BroadcastMessage)
		if ev.Name != EventChatMessage || !ok || msg.Message != "maintenance in 5 min" || !msg.Broadcast {
			t.Fatalf("unexpected event for %s: %+v", u.ID, ev)
		}
	}
	select {
	case ev := <-gone.Control():
		t.Fatalf("disconnected session received %+v", ev)
	default:
	}
	entries := hist.Recent(0)
	if len(entries) != 1 || entries[0].Category != history.Broadcast {
		t.Fatalf("expected one broadcast history entry, got %+v", entries)
	}
}

func TestKickNotifiesThenDisconnects(t *testing.T) {
	p, reg, hist := newPlane(t)
	s := connect(t, reg, "victim", "10.1.1.1", session.RoleNormal)
	if !p.Kick("admin", "victim") {
		t.Fatal("expected kick to find connected session")
	}
	ev := <-s.Control()
	if ev.Name != EventKicked {
		t.Fatalf("expected kicked notice, got %+v", ev)
	}
	waitClosed(t, s)
	if p.Kick("admin", "nobody") {
		t.Fatal("kick of unknown session must report false")
	}
	if hist.Len() != 2 {
		t.Fatalf("expected both kicks in history, got %d", hist.Len())
	}
}

func TestBlockConnectedSessionBlocksAddressToo(t *testing.T) {
	p, reg, _ := newPlane(t)
	s := connect(t, reg, "bad", "198.51.100.20", session.RoleNormal)
	if !p.Block("admin", "bad", "spam") {
		t.Fatal("block must always succeed")
	}
	ev := <-s.Control()
	if n, ok := ev.Data.(Notice); ev.Name != EventBlocked || !ok || n.Reason != "spam" {
		t.Fatalf("unexpected notice %+v", ev)
	}
	waitClosed(t, s)
	reg.Unregister("bad")

	if _, blocked := reg.IsBlocked("fresh-id", "198.51.100.20"); !blocked {
		t.Fatal("address block must outlive the session")
	}
	list := p.Blocked()
	if len(list.Sessions) != 1 || len(list.Addresses) != 1 {
		t.Fatalf("unexpected blocked list %+v", list)
	}
	if !p.Unblock("admin", "bad") {
		t.Fatal("unblock by id should succeed")
	}
	if _, blocked := reg.IsBlocked("bad", "198.51.100.20"); blocked {
		t.Fatal("unblock by id should restore connectability for that session")
	}
}

func TestNoticesReachSessionsWithFullStreamBuffer(t *testing.T) {
	p, reg, _ := newPlane(t)
	busy := connect(t, reg, "busy", "10.2.2.2", session.RoleNormal)
	for busy.TrySend("partial_response", "chunk") {
	}

	if n := p.Broadcast("admin", "heads up"); n != 1 {
		t.Fatalf("expected streaming session to receive broadcast, got %d recipients", n)
	}
	if !p.Kick("admin", "busy") {
		t.Fatal("expected kick to find streaming session")
	}
	first := <-busy.Control()
	second := <-busy.Control()
	if first.Name != EventChatMessage || second.Name != EventKicked {
		t.Fatalf("unexpected control events %+v then %+v", first, second)
	}
	waitClosed(t, busy)
}

func TestPreemptiveBlock(t *testing.T) {
	p, reg, _ := newPlane(t)
	if !p.Block("admin", "future", "") {
		t.Fatal("pre-emptive block must succeed")
	}
	if _, blocked := reg.IsBlocked("future", ""); !blocked {
		t.Fatal("expected id block")
	}
	if p.Unblock("admin", "never-blocked") {
		t.Fatal("unblock of unknown target must report false")
	}
}

func TestStatsAreLive(t *testing.T) {
	p, reg, _ := newPlane(t)
	a := connect(t, reg, "a", "10.0.0.1", session.RoleNormal)
	connect(t, reg, "adm", "10.0.0.2", session.RoleAdmin)
	st := p.Stats()
	if st.ActiveSessions != 2 || st.AdminSessions != 1 || st.HistoryCapacity != 100 {
		t.Fatalf("unexpected stats %+v", st)
	}
	a.Close()
	p.Block("adm", "x", "")
	st = p.Stats()
	if st.ActiveSessions != 1 || st.BlockedIDs != 1 || st.HistorySize != 1 {
		t.Fatalf("stats not recomputed: %+v", st)
	}
	if len(p.Users()) != 1 {
		t.Fatalf("expected one user listed, got %d", len(p.Users()))
	}
}

func TestAuthorize(t *testing.T) {
	p, _, _ := newPlane(t)
	if !p.Authorize("s3cret") || p.Authorize("s3cre") || p.Authorize("") {
		t.Fatal("unexpected authorization result")
	}
	cfg := config.NewDefaultServerConfig()
	open := New(*cfg, session.NewRegistry(), history.NewRing(10))
	if open.Authorize("") {
		t.Fatal("empty configured secret must authorize nobody")
	}
}
