// Package keypool load-balances API credentials for one backend.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// FailureThreshold is the number of consecutive failures that deactivates a
// credential.
const FailureThreshold = 3

// Credential is one pooled API key. The raw secret never leaves the package
// except through Secret, which is only called when building an upstream
// request.
type Credential struct {
	secret string
	id     string

	requests  int64
	successes int64
	failures  int64
	streak    int
	active    bool
	lastUsed  time.Time
	useSeq    uint64
	lastError string
}

// ID is a short non-reversible identifier derived from the secret.
func (c *Credential) ID() string {
	return c.id
}

func (c *Credential) Secret() string {
	return c.secret
}

// CredentialStats is the externally visible view of a credential.
type CredentialStats struct {
	ID        string    `json:"id"`
	Masked    string    `json:"masked"`
	Active    bool      `json:"active"`
	Requests  int64     `json:"requests"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	Streak    int       `json:"consecutive_failures"`
	LastUsed  time.Time `json:"last_used,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Pool struct {
	mu    sync.Mutex
	creds []*Credential
	seq   uint64
	now   func() time.Time
}

func New(secrets []string) *Pool {
	p := &Pool{now: time.Now}
	seen := map[string]struct{}{}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		p.creds = append(p.creds, &Credential{secret: s, id: shortID(s), active: true})
	}
	return p
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.creds)
}

// Select returns the least recently used active credential. When every
// credential is inactive the pool is reactivated and the first one returned.
// It returns nil only for an empty pool.
func (p *Pool) Select() *Credential {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return nil
	}
	pick := p.leastRecent()
	if pick == nil {
		for _, c := range p.creds {
			c.active = true
			c.streak = 0
		}
		pick = p.creds[0]
	}
	p.seq++
	pick.useSeq = p.seq
	pick.lastUsed = p.now().UTC()
	return pick
}

// Peek returns the credential Select would hand out next without touching
// the rotation or reactivating anything.
func (p *Pool) Peek() *Credential {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return nil
	}
	if pick := p.leastRecent(); pick != nil {
		return pick
	}
	return p.creds[0]
}

func (p *Pool) leastRecent() *Credential {
	var pick *Credential
	for _, c := range p.creds {
		if !c.active {
			continue
		}
		if pick == nil || c.useSeq < pick.useSeq {
			pick = c
		}
	}
	return pick
}

func (p *Pool) MarkSuccess(c *Credential) {
	if p == nil || c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c.requests++
	c.successes++
	c.streak = 0
}

// MarkFailure records err against c and deactivates it once the consecutive
// failure count reaches FailureThreshold.
func (p *Pool) MarkFailure(c *Credential, err error) {
	if p == nil || c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c.requests++
	c.failures++
	c.streak++
	if err != nil {
		c.lastError = err.Error()
	}
	if c.streak >= FailureThreshold {
		c.active = false
	}
}

func (p *Pool) Stats() []CredentialStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CredentialStats, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, CredentialStats{
			ID:        c.id,
			Masked:    Mask(c.secret),
			Active:    c.active,
			Requests:  c.requests,
			Successes: c.successes,
			Failures:  c.failures,
			Streak:    c.streak,
			LastUsed:  c.lastUsed,
			LastError: c.lastError,
		})
	}
	return out
}

// ActiveCount reports how many credentials are currently selectable.
func (p *Pool) ActiveCount() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.creds {
		if c.active {
			n++
		}
	}
	return n
}

// Mask keeps the first and last four characters of a secret.
func Mask(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

func shortID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "key_" + hex.EncodeToString(sum[:])[:10]
}
