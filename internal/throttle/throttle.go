package throttle

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum spacing between durable snapshots of a trip.
const DefaultInterval = 3 * time.Minute

// Throttle admits at most one snapshot per trip per interval, measured from
// the last admitted write rather than fixed buckets.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func New(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval, last: make(map[string]time.Time)}
}

// Admit reports whether a snapshot for tripID may be written at now and,
// if so, records now as the trip's last write. The first call for a trip is
// always admitted.
func (t *Throttle) Admit(tripID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[tripID]; ok && now.Sub(last) <= t.interval {
		return false
	}
	t.last[tripID] = now
	return true
}

// Prune drops trips whose last write is more than one interval before now.
// Such entries can no longer reject anything, so dropping them does not
// change any decision.
func (t *Throttle) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for trip, last := range t.last {
		if now.Sub(last) > t.interval {
			delete(t.last, trip)
			n++
		}
	}
	return n
}

// Len reports how many trips are tracked.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

// Interval returns the configured spacing.
func (t *Throttle) Interval() time.Duration { return t.interval }
