package testutil

import (
	"sync"
	"time"

	"licensed/internal/license"
)

// T0 is the reference instant license fixtures are built around.
var T0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a settable time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// UnusedLicense is a key issued an hour before T0.
func UnusedLicense(key string, d license.Duration) license.License {
	return license.New(key, d, "admin-1", "", T0.Add(-time.Hour))
}

// ActiveLicense is a key bound to identity at activatedAt.
func ActiveLicense(key string, d license.Duration, identity string, activatedAt time.Time) license.License {
	return UnusedLicense(key, d).Activate(identity, activatedAt)
}

// ExpiredLicense is a key that ran out before T0 and was swept.
func ExpiredLicense(key string, d license.Duration, identity string) license.License {
	l := ActiveLicense(key, d, identity, T0.Add(-d.Length()-time.Hour))
	l.Sweep(T0)
	return l
}
