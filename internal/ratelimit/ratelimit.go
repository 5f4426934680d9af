// Package ratelimit implements a per-peer sliding-window rate limiter used
// to bound how many relay envelopes a single sender may push through this
// node within a one-minute window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// window is the sliding window width.
const window = time.Minute

// Limiter tracks, per sender PeerId, the timestamps of recent events
// within the trailing window. Entries older than the window are
// garbage-collected lazily on access.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	events map[peer.ID][]time.Time
}

// New creates a Limiter allowing up to limit events per peer per minute.
func New(limit int) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	return &Limiter{
		limit:  limit,
		events: make(map[peer.ID][]time.Time),
	}
}

// Allow reports whether sender may perform one more event at now, and
// records the event if so.
func (l *Limiter) Allow(sender peer.ID, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.events[sender], now)
	if len(kept) >= l.limit {
		l.events[sender] = kept
		return false
	}
	l.events[sender] = append(kept, now)
	return true
}

// GC drops per-peer entries that are entirely stale, bounding the map's
// size across senders that have gone quiet.
func (l *Limiter) GC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, times := range l.events {
		kept := prune(times, now)
		if len(kept) == 0 {
			delete(l.events, p)
		} else {
			l.events[p] = kept
		}
	}
}

func prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
