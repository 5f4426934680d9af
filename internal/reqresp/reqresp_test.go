package reqresp

import (
	"context"
	"testing"
	"time"

	"github.com/inkmesh/node/internal/wire"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestDirectMessageRoundTrip(t *testing.T) {
	a, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host a: %v", err)
	}
	defer a.Close()

	b, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host b: %v", err)
	}
	defer b.Close()

	b.Peerstore().AddAddrs(a.ID(), a.Addrs(), time.Hour)
	if err := b.Connect(context.Background(), peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	serverA := New(a, 5*time.Second, 8)
	var received DirectMessageRequest
	serverA.RegisterDirectMessageHandler(func(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
		received = req
		return DirectMessageResponse{Status: StatusDelivered}
	})

	clientB := New(b, 5*time.Second, 8)
	req := DirectMessageRequest{
		FromPeerID: b.ID(),
		FromName:   "alice",
		ToName:     "bob",
		Message:    "hello",
		Timestamp:  time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := clientB.RequestDirectMessage(ctx, a.ID(), req)
	if err != nil {
		t.Fatalf("RequestDirectMessage: %v", err)
	}
	if resp.Status != StatusDelivered {
		t.Errorf("Status = %q, want %q", resp.Status, StatusDelivered)
	}
	if received.Message != "hello" {
		t.Errorf("handler received Message = %q, want hello", received.Message)
	}
}

func TestDirectMessageRejectsSenderMismatch(t *testing.T) {
	a, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host a: %v", err)
	}
	defer a.Close()

	b, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host b: %v", err)
	}
	defer b.Close()

	b.Peerstore().AddAddrs(a.ID(), a.Addrs(), time.Hour)
	if err := b.Connect(context.Background(), peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	serverA := New(a, 5*time.Second, 8)
	handlerCalled := false
	serverA.RegisterDirectMessageHandler(func(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
		handlerCalled = true
		return DirectMessageResponse{Status: StatusDelivered}
	})

	clientB := New(b, 5*time.Second, 8)
	// Claim to be a different peer than the authenticated stream peer.
	forged := DirectMessageRequest{
		FromPeerID: a.ID(),
		FromName:   "mallory",
		ToName:     "bob",
		Message:    "spoofed",
		Timestamp:  time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := clientB.RequestDirectMessage(ctx, a.ID(), forged)
	if err != nil {
		t.Fatalf("RequestDirectMessage: %v", err)
	}
	if resp.Status != StatusRejected {
		t.Errorf("Status = %q, want %q", resp.Status, StatusRejected)
	}
	if handlerCalled {
		t.Error("handler must not be invoked when sender peer ID is forged")
	}
}

func TestNodeDescriptionRoundTrip(t *testing.T) {
	a, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host a: %v", err)
	}
	defer a.Close()

	b, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host b: %v", err)
	}
	defer b.Close()

	b.Peerstore().AddAddrs(a.ID(), a.Addrs(), time.Hour)
	if err := b.Connect(context.Background(), peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	serverA := New(a, 5*time.Second, 8)
	serverA.RegisterNodeDescriptionHandler(func(p peer.ID) NodeDescriptionResponse {
		return NodeDescriptionResponse{Set: true, Description: "storyteller"}
	})

	clientB := New(b, 5*time.Second, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := clientB.RequestNodeDescription(ctx, a.ID())
	if err != nil {
		t.Fatalf("RequestNodeDescription: %v", err)
	}
	if !resp.Set || resp.Description != "storyteller" {
		t.Errorf("resp = %+v, want Set=true Description=storyteller", resp)
	}
}

func TestStorySyncRoundTripCapsResults(t *testing.T) {
	a, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host a: %v", err)
	}
	defer a.Close()

	b, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host b: %v", err)
	}
	defer b.Close()

	b.Peerstore().AddAddrs(a.ID(), a.Addrs(), time.Hour)
	if err := b.Connect(context.Background(), peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	serverA := New(a, 5*time.Second, 8)
	serverA.RegisterStorySyncHandler(func(from peer.ID, req StorySyncRequest) StorySyncResponse {
		stories := make([]wire.PublishedStory, maxStorySyncResults+10)
		return StorySyncResponse{Stories: stories}
	})

	clientB := New(b, 5*time.Second, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := clientB.RequestStorySync(ctx, a.ID(), StorySyncRequest{Channels: []string{"general"}})
	if err != nil {
		t.Fatalf("RequestStorySync: %v", err)
	}
	if len(resp.Stories) != maxStorySyncResults {
		t.Errorf("len(Stories) = %d, want %d", len(resp.Stories), maxStorySyncResults)
	}
}

func TestAcquireReleaseEnforcesPerPeerLimit(t *testing.T) {
	s := New(nil, time.Second, 2)
	p := peer.ID("peer-a")

	if !s.acquire(p) {
		t.Fatal("first acquire should succeed")
	}
	if !s.acquire(p) {
		t.Fatal("second acquire should succeed (limit is 2)")
	}
	if s.acquire(p) {
		t.Fatal("third acquire should fail, limit is 2")
	}

	s.release(p)
	if !s.acquire(p) {
		t.Fatal("acquire after release should succeed")
	}
}
