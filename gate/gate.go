// Package gate schedules pixel writes so the client never sends one the
// service is going to reject for being too soon.
package gate

import (
	"context"
	"sync"
	"time"

	"pixeldraw/core"

	"github.com/sirupsen/logrus"
)

// Config selects the rate model the gate enforces. The per-pixel cooldown
// map is always consulted; the two knobs below add stricter models for
// services that document them.
type Config struct {
	// Pacing is the minimum interval between any two writes, regardless of
	// pixel. Zero disables global pacing.
	Pacing time.Duration

	// SharedCooldown widens every recorded cooldown to cover the whole
	// canvas, for services that throttle the client as a whole rather than
	// individual pixels.
	SharedCooldown bool
}

// Gate suspends writers until the cooldown store says their pixel is
// writable and any global pacing constraint is satisfied. One gate is meant
// to be shared by every writer in the process; the store behind it is the
// single source of truth for cooldowns.
type Gate struct {
	store core.CooldownStore
	cfg   Config

	mu     sync.Mutex
	next   time.Time // earliest instant the pacing slot frees up
	shared time.Time // canvas-wide horizon when SharedCooldown is set
}

// New creates a gate over the given store.
func New(store core.CooldownStore, cfg Config) *Gate {
	return &Gate{store: store, cfg: cfg}
}

// Acquire suspends the caller until p may be written or ctx is done. It
// does not reserve anything for the pixel itself: the service stays
// authoritative, and a write that still comes back rate-limited should be
// fed to Record before the caller tries Acquire again.
func (g *Gate) Acquire(ctx context.Context, p core.Point) error {
	for {
		wait, pass := g.tryPass(p)
		if pass {
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"pixel": p.String(),
			"wait":  wait.String(),
		}).Debug("Waiting for cooldown")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryPass computes the earliest instant p may be written. When that instant
// has arrived it claims the pacing slot and lets the caller through;
// otherwise it reports how long to sleep before checking again.
func (g *Gate) tryPass(p core.Point) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	deadline := now
	if t, ok := g.store.Get(p); ok && t.After(deadline) {
		deadline = t
	}
	if g.cfg.SharedCooldown && g.shared.After(deadline) {
		deadline = g.shared
	}
	if g.next.After(deadline) {
		deadline = g.next
	}

	if deadline.After(now) {
		return deadline.Sub(now), false
	}
	if g.cfg.Pacing > 0 {
		g.next = now.Add(g.cfg.Pacing)
	}
	return 0, true
}

// Record notes the cooldown the service reported for p after a write
// attempt, successful or rejected, converting the relative duration to an
// absolute wall-clock instant. The store keeps the later of the old and new
// instants, so out-of-order responses cannot shorten a window. A
// persistence failure costs durability, not the draw: it is logged and
// swallowed.
func (g *Gate) Record(ctx context.Context, p core.Point, retryAfter time.Duration) {
	notBefore := time.Now().Add(retryAfter)
	g.store.Set(p, notBefore)

	if g.cfg.SharedCooldown {
		g.mu.Lock()
		if notBefore.After(g.shared) {
			g.shared = notBefore
		}
		g.mu.Unlock()
	}

	if err := g.store.Persist(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to persist cooldowns, continuing in-memory")
	}
}

// Close flushes and closes the backing store.
func (g *Gate) Close() error {
	return g.store.Close()
}
