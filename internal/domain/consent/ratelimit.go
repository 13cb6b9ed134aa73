package consent

import (
	"sync"
	"time"
)

// grantRateLimit tracks per-actor grant timestamps within a rolling hour.
type grantRateLimit struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newGrantRateLimit() *grantRateLimit {
	return &grantRateLimit{entries: make(map[string][]time.Time)}
}

// reserve prunes timestamps older than an hour and records now if the actor
// is still under maxPerHour. maxPerHour <= 0 disables the limit.
func (rl *grantRateLimit) reserve(actorID string, now time.Time, maxPerHour int) bool {
	if maxPerHour <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	pruned := prune(rl.entries[actorID], now.Add(-time.Hour))
	if len(pruned) >= maxPerHour {
		rl.entries[actorID] = pruned
		return false
	}
	rl.entries[actorID] = append(pruned, now)
	return true
}

// release gives back a slot taken by reserve at the same instant, for grants
// that were never stored.
func (rl *grantRateLimit) release(actorID string, at time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	timestamps := rl.entries[actorID]
	for i := len(timestamps) - 1; i >= 0; i-- {
		if timestamps[i].Equal(at) {
			rl.entries[actorID] = append(timestamps[:i], timestamps[i+1:]...)
			return
		}
	}
}

// cleanup drops actors with no timestamps inside the window.
func (rl *grantRateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	for actorID, timestamps := range rl.entries {
		pruned := prune(timestamps, cutoff)
		if len(pruned) == 0 {
			delete(rl.entries, actorID)
		} else {
			rl.entries[actorID] = pruned
		}
	}
}

func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}
