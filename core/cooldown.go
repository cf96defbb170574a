package core

import (
	"context"
	"time"
)

type (
	// CooldownEntry pairs a pixel with the wall-clock instant before which
	// the service will reject another write to it.
	CooldownEntry struct {
		Pixel     Point     `json:"pixel"`
		NotBefore time.Time `json:"notBefore"`
	}

	// CooldownStore remembers, per pixel, the earliest time the next write
	// may be sent, and persists that map so a restarted process keeps
	// honoring windows it learned before shutdown.
	//
	// Implementations must be safe for concurrent use. Timestamps are wall
	// clock so they stay meaningful across restarts; entries already in the
	// past simply mean "writable now".
	CooldownStore interface {
		// Get returns the recorded not-before time for a pixel, or false if
		// the pixel has never been written. An absent pixel is immediately
		// writable.
		Get(p Point) (time.Time, bool)

		// Set records the not-before time for a pixel. The later of the
		// stored and given instants wins; a cooldown never moves backward,
		// which protects against out-of-order response handling.
		Set(p Point, notBefore time.Time)

		// Snapshot returns a copy of the full map, for persistence and
		// inspection.
		Snapshot() map[Point]time.Time

		// Load merges the persisted map into the in-memory one, keeping the
		// later instant per pixel. Missing backing data yields an empty map;
		// malformed data also yields an empty map and is reported as a
		// warning, never a startup failure.
		Load(ctx context.Context) error

		// Persist writes the current map to the backing store. A failure
		// must not lose the in-memory state.
		Persist(ctx context.Context) error

		// Close flushes and releases the backing store. Idempotent.
		Close() error
	}
)
