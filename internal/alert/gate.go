// Package alert decides when an accident may be announced and fans the
// announcement out to every configured channel.
package alert

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum spacing between two alerts of one stream
const DefaultCooldown = 20 * time.Second

// Gate enforces the alert cooldown of a single stream
type Gate struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     time.Time
	fired    bool
}

// NewGate creates a gate. A non-positive cooldown uses DefaultCooldown.
func NewGate(cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Gate{cooldown: cooldown}
}

// ShouldDispatch reports whether an alert may go out at now and, if so,
// records now as the last dispatch. Check and update happen under one lock.
func (g *Gate) ShouldDispatch(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired && now.Sub(g.last) < g.cooldown {
		return false
	}
	g.last = now
	g.fired = true
	return true
}

// LastDispatch returns the time of the last permitted dispatch and whether
// there has been one
func (g *Gate) LastDispatch() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.fired
}

// Cooldown returns the configured cooldown
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}
