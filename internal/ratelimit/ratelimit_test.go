package ratelimit

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestAllowEnforcesPerPeerLimit(t *testing.T) {
	l := New(3)
	p := peer.ID("peer-a")
	now := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		if !l.Allow(p, now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if l.Allow(p, now) {
		t.Fatal("4th event within the window should be rejected")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(1)
	p := peer.ID("peer-a")
	now := time.Unix(1700000000, 0)

	if !l.Allow(p, now) {
		t.Fatal("first event should be allowed")
	}
	if l.Allow(p, now.Add(30*time.Second)) {
		t.Fatal("second event within the window should be rejected")
	}
	if !l.Allow(p, now.Add(61*time.Second)) {
		t.Fatal("event after the window has elapsed should be allowed")
	}
}

func TestAllowTracksPeersIndependently(t *testing.T) {
	l := New(1)
	now := time.Unix(1700000000, 0)

	if !l.Allow(peer.ID("peer-a"), now) {
		t.Fatal("peer-a's first event should be allowed")
	}
	if !l.Allow(peer.ID("peer-b"), now) {
		t.Fatal("peer-b's first event should be allowed, independent of peer-a")
	}
}

func TestGCDropsStaleEntries(t *testing.T) {
	l := New(1)
	p := peer.ID("peer-a")
	now := time.Unix(1700000000, 0)

	l.Allow(p, now)
	l.GC(now.Add(2 * time.Minute))

	if _, ok := l.events[p]; ok {
		t.Error("GC should have dropped peer-a's entirely stale entry")
	}
}
