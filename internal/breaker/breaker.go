// Package breaker implements a per-peer circuit breaker suppressing
// dials and requests to a peer that is repeatedly failing, so one
// flapping peer can't monopolize the event loop's retry attention.
package breaker

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// State is a circuit's position in the closed/open/half-open cycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Defaults for the failure threshold and the open-timeout backoff.
const (
	defaultFailureThreshold = 5
	defaultBaseTimeout      = 30 * time.Second
	defaultMaxTimeout       = 10 * time.Minute
)

type circuit struct {
	state     State
	failures  int
	until     time.Time
	timeout   time.Duration
	probing   bool
}

// Breaker tracks one circuit per peer. Failures counted: dial failures,
// handshake failures, request/response timeouts and resets. Successes
// counted: any completed handshake or request/response cycle.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[peer.ID]*circuit
	threshold int
	baseTimeout time.Duration
	maxTimeout  time.Duration
}

// New creates a Breaker. threshold is the consecutive-failure count that
// trips a circuit open; baseTimeout is the first open duration, doubled
// each time a half-open probe fails and capped at maxTimeout.
func New(threshold int, baseTimeout, maxTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if baseTimeout <= 0 {
		baseTimeout = defaultBaseTimeout
	}
	if maxTimeout <= 0 {
		maxTimeout = defaultMaxTimeout
	}
	return &Breaker{
		circuits:    make(map[peer.ID]*circuit),
		threshold:   threshold,
		baseTimeout: baseTimeout,
		maxTimeout:  maxTimeout,
	}
}

func (b *Breaker) get(p peer.ID) *circuit {
	c, ok := b.circuits[p]
	if !ok {
		c = &circuit{state: Closed}
		b.circuits[p] = c
	}
	return c
}

// Allow reports whether an operation against p may proceed, and advances
// an expired open circuit into half_open (granting exactly one probe)
// as a side effect.
func (b *Breaker) Allow(p peer.ID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(p)
	switch c.state {
	case Closed:
		return true
	case HalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	case Open:
		if now.Before(c.until) {
			return false
		}
		c.state = HalfOpen
		c.probing = true
		return true
	}
	return true
}

// State returns p's current circuit state.
func (b *Breaker) State(p peer.ID) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(p).state
}

// RecordSuccess closes p's circuit and resets its failure count.
func (b *Breaker) RecordSuccess(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(p)
	c.state = Closed
	c.failures = 0
	c.timeout = 0
	c.probing = false
}

// RecordFailure registers a failure against p. From closed, the circuit
// opens once failures reach the threshold. From half_open, the probe
// failed: the circuit reopens with its timeout doubled (capped at
// maxTimeout).
func (b *Breaker) RecordFailure(p peer.ID, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(p)

	switch c.state {
	case HalfOpen:
		c.probing = false
		c.timeout = nextTimeout(c.timeout, b.baseTimeout, b.maxTimeout)
		c.state = Open
		c.until = now.Add(c.timeout)
	case Open:
		// Another failure while already open (e.g. a queued retry that
		// raced the breaker) changes nothing; it is already rejecting.
	default: // Closed
		c.failures++
		if c.failures >= b.threshold {
			c.timeout = b.baseTimeout
			c.state = Open
			c.until = now.Add(c.timeout)
		}
	}
}

func nextTimeout(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}
