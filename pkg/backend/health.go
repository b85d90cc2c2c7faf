package backend

import (
	"context"
	"sync"
	"time"
)

const (
	healthCheckInterval = 5 * time.Minute
	healthRetryInterval = 30 * time.Second
	healthCheckTimeout  = 20 * time.Second
)

// HealthChecker periodically probes every backend in a Set and folds in the
// outcome of live turns.
type HealthChecker struct {
	set      *Set
	interval time.Duration
	retry    time.Duration
	poll     time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	byName  map[string]Health
	forceCh chan struct{}
}

func NewHealthChecker(set *Set, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = healthCheckInterval
	}
	poll := healthRetryInterval
	if interval < poll {
		poll = interval
	}
	return &HealthChecker{
		set:      set,
		interval: interval,
		retry:    healthRetryInterval,
		poll:     poll,
		now:      time.Now,
		byName:   map[string]Health{},
		forceCh:  make(chan struct{}, 1),
	}
}

func (c *HealthChecker) Run(ctx context.Context) {
	if c == nil || c.set == nil {
		return
	}
	c.checkOnce(ctx, false)
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.checkOnce(ctx, false)
		case <-c.forceCh:
			c.checkOnce(ctx, true)
		}
	}
}

// Trigger requests an immediate probe of every backend. It reports false
// when a forced round is already pending.
func (c *HealthChecker) Trigger() bool {
	if c == nil {
		return false
	}
	select {
	case c.forceCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *HealthChecker) Snapshot(name string) (Health, bool) {
	if c == nil {
		return Health{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byName[name]
	return v, ok
}

// RecordResult updates a backend's status from a live turn.
func (c *HealthChecker) RecordResult(name string, latency time.Duration, err error) {
	if c == nil || name == "" {
		return
	}
	snap := Health{
		Status:     StatusOnline,
		ResponseMS: latency.Milliseconds(),
		CheckedAt:  c.now().UTC(),
	}
	if err != nil {
		snap.Status = healthStatusFor(err)
		snap.Error = err.Error()
	}
	c.mu.Lock()
	if prev, ok := c.byName[name]; ok {
		snap.ModelCount = prev.ModelCount
	}
	c.byName[name] = snap
	c.mu.Unlock()
}

func (c *HealthChecker) shouldCheck(name string, now time.Time, force bool) bool {
	if force {
		return true
	}
	c.mu.RLock()
	snap, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok || snap.CheckedAt.IsZero() {
		return true
	}
	age := now.Sub(snap.CheckedAt)
	if snap.Status == StatusOnline {
		return age >= c.interval
	}
	return age >= c.retry
}

func (c *HealthChecker) checkOnce(parent context.Context, force bool) {
	now := c.now()
	for _, b := range c.set.List() {
		if !c.shouldCheck(b.Name(), now, force) {
			continue
		}
		ctx, cancel := context.WithTimeout(parent, healthCheckTimeout)
		snap := b.HealthCheck(ctx)
		cancel()
		c.mu.Lock()
		c.byName[b.Name()] = snap
		c.mu.Unlock()
	}
}
