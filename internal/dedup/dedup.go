// Package dedup suppresses repeat notifications for the same alert inside
// a cooldown window. Callers must send first and Record only after the send
// succeeded, so a failed delivery is retried on the next poll cycle.
package dedup

import (
	"sync"
	"time"
)

type Deduplicator struct {
	cooldown time.Duration

	mu   sync.Mutex
	last map[int64]time.Time
}

func New(cooldown time.Duration) *Deduplicator {
	return &Deduplicator{
		cooldown: cooldown,
		last:     make(map[int64]time.Time),
	}
}

// ShouldNotify reports whether a notification for alertID is due at now:
// either no prior record exists, or the cooldown has fully elapsed.
func (d *Deduplicator) ShouldNotify(alertID int64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.last[alertID]
	if !ok {
		return true
	}
	return now.Sub(t) >= d.cooldown
}

// Record marks alertID as notified at now.
func (d *Deduplicator) Record(alertID int64, now time.Time) {
	d.mu.Lock()
	d.last[alertID] = now
	d.mu.Unlock()
}

// Prune drops records for alerts that are no longer live, so ids recycled
// by the remote cannot inherit a stale cooldown.
func (d *Deduplicator) Prune(live map[int64]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.last {
		if _, ok := live[id]; !ok {
			delete(d.last, id)
		}
	}
}

// SetCooldown hot-applies a new cooldown window. Existing records keep
// their timestamps; only the window length changes.
func (d *Deduplicator) SetCooldown(cd time.Duration) {
	d.mu.Lock()
	d.cooldown = cd
	d.mu.Unlock()
}

// Len reports the number of tracked alert ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}
