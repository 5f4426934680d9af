// Package dmretry implements the node's direct-message retry queue: a set
// of pending messages that couldn't be relayed securely (the target's
// public key was never observed), retried on new connections from a
// matching alias and on a fixed timer, persisted across restarts.
package dmretry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	klog "github.com/inkmesh/node/internal/log"
	"github.com/inkmesh/node/internal/storage"
)

const keyPrefix = "dmretry/"

// Outcome is surfaced to the UI exactly once per pending message, on
// either final success or final failure.
type Outcome struct {
	ToName  string
	Success bool
	Attempts uint32
}

// PendingDirectMessage is one message awaiting delivery.
type PendingDirectMessage struct {
	ID             string `json:"id"`
	ToName         string `json:"to_name"`
	Body           string `json:"body"`
	Attempts       uint32 `json:"attempts"`
	NextAttemptAt  int64  `json:"next_attempt_at"`
	FirstEnqueuedAt int64 `json:"first_enqueued_at"`
}

// DeliverFunc attempts one delivery of a pending message (§4.7 step 1: a
// direct DirectMessageRequest to a live, authenticated connection for
// ToName). It returns true on confirmed delivery.
type DeliverFunc func(p PendingDirectMessage) bool

// Queue is the in-memory pending-message set plus its persisted backing
// store. Queue itself never dials; EventLoop calls Tick/OnConnection and
// supplies the delivery attempt via DeliverFunc.
type Queue struct {
	mu            sync.Mutex
	pending       map[string]PendingDirectMessage
	maxAttempts   uint32
	retryInterval time.Duration
	db            storage.DB
	nextID        uint64
}

// New creates an empty Queue. maxAttempts and retryInterval come from
// DirectMessageConfig.
func New(db storage.DB, maxAttempts uint32, retryInterval time.Duration) *Queue {
	return &Queue{
		pending:       make(map[string]PendingDirectMessage),
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		db:            db,
	}
}

// Enqueue adds a new pending message, to be attempted on the next matching
// connection or timer tick.
func (q *Queue) Enqueue(toName, body string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := fmt.Sprintf("%d", q.nextID)
	q.pending[id] = PendingDirectMessage{
		ID:              id,
		ToName:          toName,
		Body:            body,
		Attempts:        0,
		NextAttemptAt:   now.Unix(),
		FirstEnqueuedAt: now.Unix(),
	}
}

// OnConnection is the connection trigger: attempt delivery immediately for
// every pending message addressed to alias.
func (q *Queue) OnConnection(alias string, now time.Time, deliver DeliverFunc) []Outcome {
	return q.attempt(now, deliver, func(p PendingDirectMessage) bool { return p.ToName == alias })
}

// Tick is the timer trigger: attempt delivery for every pending message
// whose NextAttemptAt has elapsed.
func (q *Queue) Tick(now time.Time, deliver DeliverFunc) []Outcome {
	return q.attempt(now, deliver, func(p PendingDirectMessage) bool { return p.NextAttemptAt <= now.Unix() })
}

func (q *Queue) attempt(now time.Time, deliver DeliverFunc, match func(PendingDirectMessage) bool) []Outcome {
	q.mu.Lock()
	var candidates []PendingDirectMessage
	for _, p := range q.pending {
		if match(p) {
			candidates = append(candidates, p)
		}
	}
	q.mu.Unlock()

	var outcomes []Outcome
	for _, p := range candidates {
		delivered := deliver(p)

		q.mu.Lock()
		cur, ok := q.pending[p.ID]
		if !ok {
			q.mu.Unlock()
			continue
		}
		if delivered {
			delete(q.pending, p.ID)
			q.mu.Unlock()
			outcomes = append(outcomes, Outcome{ToName: cur.ToName, Success: true, Attempts: cur.Attempts + 1})
			continue
		}

		cur.Attempts++
		if cur.Attempts >= q.maxAttempts {
			delete(q.pending, p.ID)
			q.mu.Unlock()
			klog.DMRetry.Warn().Str("to", cur.ToName).Uint32("attempts", cur.Attempts).
				Msg("direct message retry queue gave up on pending message")
			outcomes = append(outcomes, Outcome{ToName: cur.ToName, Success: false, Attempts: cur.Attempts})
			continue
		}
		cur.NextAttemptAt = now.Add(q.retryInterval).Unix()
		q.pending[p.ID] = cur
		q.mu.Unlock()
	}
	return outcomes
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// LoadPersisted restores pending messages from storage on startup.
func (q *Queue) LoadPersisted() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.ForEach([]byte(keyPrefix), func(key, value []byte) error {
		var p PendingDirectMessage
		if err := json.Unmarshal(value, &p); err != nil {
			return nil
		}
		q.pending[p.ID] = p
		return nil
	})
}

// PersistAll flushes the current queue to storage in one atomic batch when
// the backing DB supports batching, falling back to sequential puts
// otherwise. Called on graceful shutdown.
func (q *Queue) PersistAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if batcher, ok := q.db.(storage.Batcher); ok {
		batch := batcher.NewBatch()
		for _, p := range q.pending {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("dmretry: marshal pending message: %w", err)
			}
			if err := batch.Put([]byte(keyPrefix+p.ID), data); err != nil {
				return fmt.Errorf("dmretry: batch put: %w", err)
			}
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("dmretry: commit batch: %w", err)
		}
		return nil
	}

	for _, p := range q.pending {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("dmretry: marshal pending message: %w", err)
		}
		if err := q.db.Put([]byte(keyPrefix+p.ID), data); err != nil {
			return fmt.Errorf("dmretry: put pending message: %w", err)
		}
	}
	return nil
}
