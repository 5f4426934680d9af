package dmretry

import (
	"testing"
	"time"

	"github.com/inkmesh/node/internal/storage"
)

func TestEnqueueAndOnConnectionDelivers(t *testing.T) {
	q := New(storage.NewMemory(), 3, 30*time.Second)
	now := time.Unix(1700000000, 0)
	q.Enqueue("bob", "hello", now)

	outcomes := q.OnConnection("bob", now, func(p PendingDirectMessage) bool { return true })
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("outcomes = %+v, want one successful delivery", outcomes)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after successful delivery", q.Len())
	}
}

func TestOnConnectionIgnoresOtherAliases(t *testing.T) {
	q := New(storage.NewMemory(), 3, 30*time.Second)
	now := time.Unix(1700000000, 0)
	q.Enqueue("bob", "hello", now)

	called := false
	q.OnConnection("carol", now, func(p PendingDirectMessage) bool { called = true; return true })
	if called {
		t.Error("delivery should not be attempted for a non-matching alias")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1, message should remain pending", q.Len())
	}
}

func TestTickRetriesAndGivesUpAfterMaxAttempts(t *testing.T) {
	q := New(storage.NewMemory(), 2, 30*time.Second)
	now := time.Unix(1700000000, 0)
	q.Enqueue("bob", "hello", now)

	outcomes := q.Tick(now, func(p PendingDirectMessage) bool { return false })
	if len(outcomes) != 0 {
		t.Fatalf("first failed attempt should not surface an outcome yet, got %+v", outcomes)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after one failed attempt (maxAttempts=2)", q.Len())
	}

	later := now.Add(31 * time.Second)
	outcomes = q.Tick(later, func(p PendingDirectMessage) bool { return false })
	if len(outcomes) != 1 || outcomes[0].Success {
		t.Fatalf("outcomes = %+v, want one final failure after maxAttempts reached", outcomes)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after giving up", q.Len())
	}
}

func TestTickSkipsEntriesNotYetDue(t *testing.T) {
	q := New(storage.NewMemory(), 3, 30*time.Second)
	now := time.Unix(1700000000, 0)
	q.Enqueue("bob", "hello", now.Add(time.Hour))

	called := false
	q.Tick(now, func(p PendingDirectMessage) bool { called = true; return true })
	if called {
		t.Error("Tick should not attempt delivery before NextAttemptAt")
	}
}

func TestPersistAllAndLoadPersistedRoundTrip(t *testing.T) {
	db := storage.NewMemory()
	q := New(db, 3, 30*time.Second)
	now := time.Unix(1700000000, 0)
	q.Enqueue("bob", "hello", now)
	q.Enqueue("carol", "hi", now)

	if err := q.PersistAll(); err != nil {
		t.Fatalf("PersistAll: %v", err)
	}

	q2 := New(db, 3, 30*time.Second)
	if err := q2.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if q2.Len() != 2 {
		t.Errorf("Len() after reload = %d, want 2", q2.Len())
	}
}
