package keypool

import (
	"errors"
	"strings"
	"testing"
)

func TestSelectRotatesLeastRecentlyUsed(t *testing.T) {
	p := New([]string{"sk-aaaa-1111", "sk-bbbb-2222", "sk-cccc-3333", "sk-aaaa-1111", " "})
	if p.Len() != 3 {
		t.Fatalf("expected duplicates and blanks dropped, got %d", p.Len())
	}
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, p.Select().Secret())
	}
	want := "sk-aaaa-1111,sk-bbbb-2222,sk-cccc-3333,sk-aaaa-1111,sk-bbbb-2222,sk-cccc-3333"
	if strings.Join(got, ",") != want {
		t.Fatalf("rotation = %v", got)
	}
}

func TestFailingCredentialIsExcludedThenPoolRecovers(t *testing.T) {
	p := New([]string{"key-one-aaaa", "key-two-bbbb"})
	boom := errors.New("status 401")

	first := p.Select()
	for i := 0; i < FailureThreshold; i++ {
		p.MarkFailure(first, boom)
	}
	if p.ActiveCount() != 1 {
		t.Fatalf("expected one active credential, got %d", p.ActiveCount())
	}
	for i := 0; i < 4; i++ {
		if c := p.Select(); c == first {
			t.Fatalf("deactivated credential returned on select %d", i)
		}
	}

	second := p.Select()
	for i := 0; i < FailureThreshold; i++ {
		p.MarkFailure(second, boom)
	}
	if p.ActiveCount() != 0 {
		t.Fatalf("expected all credentials inactive, got %d", p.ActiveCount())
	}
	c := p.Select()
	if c == nil || c != first {
		t.Fatalf("expected pool reset to return first credential, got %v", c)
	}
	if p.ActiveCount() != 2 {
		t.Fatalf("expected all credentials reactivated, got %d", p.ActiveCount())
	}
}

func TestMarkSuccessResetsStreak(t *testing.T) {
	p := New([]string{"only-key-value"})
	c := p.Select()
	p.MarkFailure(c, errors.New("timeout"))
	p.MarkFailure(c, errors.New("timeout"))
	p.MarkSuccess(c)
	p.MarkFailure(c, errors.New("timeout"))
	if p.ActiveCount() != 1 {
		t.Fatal("non-consecutive failures must not deactivate")
	}
	st := p.Stats()[0]
	if st.Requests != 4 || st.Successes != 1 || st.Failures != 3 || st.Streak != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.LastError != "timeout" {
		t.Fatalf("last error = %q", st.LastError)
	}
}

func TestCredentialsAreNeverExposedRaw(t *testing.T) {
	secret := "sk-or-v1-0123456789abcdef"
	p := New([]string{secret})
	st := p.Stats()[0]
	if strings.Contains(st.ID, secret) || strings.Contains(st.Masked, "0123456789") {
		t.Fatalf("secret leaked in stats: %+v", st)
	}
	if !strings.HasPrefix(st.ID, "key_") || len(st.ID) != 14 {
		t.Fatalf("unexpected id %q", st.ID)
	}
	if st.ID != p.Select().ID() {
		t.Fatal("id must be stable")
	}
	if Mask("short") != "*****" {
		t.Fatalf("mask short = %q", Mask("short"))
	}
}

func TestEmptyPoolSelectsNothing(t *testing.T) {
	if New(nil).Select() != nil {
		t.Fatal("expected nil credential from empty pool")
	}
}

func TestPeekLeavesRotationAlone(t *testing.T) {
	p := New([]string{"key-one-aaaa", "key-two-bbbb"})
	peeked := p.Peek()
	if again := p.Peek(); again != peeked {
		t.Fatal("repeated peeks must return the same credential")
	}
	for _, st := range p.Stats() {
		if !st.LastUsed.IsZero() || st.Requests != 0 {
			t.Fatalf("peek touched credential state %+v", st)
		}
	}
	if sel := p.Select(); sel != peeked {
		t.Fatalf("select = %s, peek promised %s", sel.ID(), peeked.ID())
	}
	if p.Peek() == peeked {
		t.Fatal("peek must follow the rotation after a select")
	}
	if New(nil).Peek() != nil {
		t.Fatal("expected nil credential from empty pool")
	}
}
