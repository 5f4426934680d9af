// Package bootstrap implements the node's connect-to-known-peers state
// machine: not_started, in_progress, connected, or failed, advanced only
// by the event loop reporting dial outcomes and timer ticks. Bootstrap
// itself never dials anything — it is passive state, same as
// CircuitBreaker and DMRetry.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/inkmesh/node/internal/config"
)

// backoffCap is the maximum delay between bootstrap attempts.
const backoffCap = 80 * time.Second

// Status is the bootstrap state machine's current state.
type Status int

const (
	NotStarted Status = iota
	InProgress
	Connected
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Bootstrap tracks the bootstrap state machine. All methods are safe to
// call only from the event loop goroutine; there is no internal locking
// because, per the concurrency model, passive state like this is owned
// exclusively by the loop.
type Bootstrap struct {
	peers         []string
	retryInterval time.Duration
	maxRetries    uint32
	timeout       time.Duration

	status      Status
	reason      string
	retriesUsed uint32
	tried       int
	dialing     bool
	nextRetryAt time.Time
}

// New builds a Bootstrap from the node's persisted bootstrap configuration.
func New(cfg config.BootstrapConfig) *Bootstrap {
	return &Bootstrap{
		peers:         append([]string(nil), cfg.BootstrapPeers...),
		retryInterval: time.Duration(cfg.RetryIntervalMs) * time.Millisecond,
		maxRetries:    cfg.MaxRetryAttempts,
		timeout:       time.Duration(cfg.BootstrapTimeoutMs) * time.Millisecond,
		status:        NotStarted,
	}
}

// Status returns the current state and, if Failed, the reason.
func (b *Bootstrap) Status() (Status, string) {
	return b.status, b.reason
}

// Timeout is the per-dial connection timeout bootstrap dials should use.
func (b *Bootstrap) Timeout() time.Duration {
	return b.timeout
}

// Start transitions not_started to in_progress and returns the peer list
// for the first attempt. Returns nil if bootstrap has already started (or
// there are no configured peers).
func (b *Bootstrap) Start() []string {
	if b.status != NotStarted || len(b.peers) == 0 {
		return nil
	}
	b.status = InProgress
	b.tried = 0
	b.dialing = true
	return append([]string(nil), b.peers...)
}

// Tick is called on the bootstrap timer. When a backoff delay has elapsed
// it returns the peer list for a fresh attempt (for in_progress, the next
// attempt in the current session; for failed, a new session after the
// state machine's recovery timer). Returns nil if there is nothing to do
// yet.
func (b *Bootstrap) Tick(now time.Time) []string {
	if b.dialing || b.nextRetryAt.IsZero() || now.Before(b.nextRetryAt) {
		return nil
	}
	switch b.status {
	case InProgress:
		b.tried = 0
		b.dialing = true
		return append([]string(nil), b.peers...)
	case Failed:
		b.status = InProgress
		b.reason = ""
		b.retriesUsed = 0
		b.tried = 0
		b.dialing = true
		return append([]string(nil), b.peers...)
	default:
		return nil
	}
}

// PeerDialed reports the outcome of one dial from the current attempt's
// peer list. Any success ends the attempt and transitions to connected.
func (b *Bootstrap) PeerDialed(success bool, now time.Time) {
	if b.status != InProgress {
		return
	}
	if success {
		b.status = Connected
		b.reason = ""
		b.dialing = false
		b.nextRetryAt = time.Time{}
		b.retriesUsed = 0
		return
	}
	if !b.dialing {
		return
	}

	b.tried++
	if b.tried < len(b.peers) {
		return
	}

	// The whole peer list was tried this attempt with no success.
	b.dialing = false
	b.tried = 0
	if b.retriesUsed >= b.maxRetries {
		b.status = Failed
		b.reason = fmt.Sprintf("exhausted %d retries", b.maxRetries)
		b.nextRetryAt = now.Add(backoffCap)
		return
	}

	delay := b.retryInterval << b.retriesUsed
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	b.retriesUsed++
	b.nextRetryAt = now.Add(delay)
}

// ConnectionsLost reports that the node has no remaining connections,
// moving a connected session back to in_progress so bootstrap resumes.
func (b *Bootstrap) ConnectionsLost(now time.Time) {
	if b.status != Connected {
		return
	}
	b.status = InProgress
	b.retriesUsed = 0
	b.tried = 0
	b.dialing = false
	b.nextRetryAt = now
}
