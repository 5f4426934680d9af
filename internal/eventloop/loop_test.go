package eventloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/inkmesh/node/internal/bootstrap"
	"github.com/inkmesh/node/internal/breaker"
	"github.com/inkmesh/node/internal/broadcast"
	"github.com/inkmesh/node/internal/config"
	appcrypto "github.com/inkmesh/node/internal/crypto"
	"github.com/inkmesh/node/internal/discovery"
	"github.com/inkmesh/node/internal/dmretry"
	"github.com/inkmesh/node/internal/ratelimit"
	"github.com/inkmesh/node/internal/relay"
	"github.com/inkmesh/node/internal/reqresp"
	"github.com/inkmesh/node/internal/storage"
	"github.com/inkmesh/node/internal/storystore"
	"github.com/inkmesh/node/internal/wire"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("NewMultiaddr(%q): %v", s, err)
	}
	return addr
}

// newTestLoop builds a Loop over a real libp2p host (needed by New's
// stream-handler registration and the swarm notifier) and in-memory-backed
// components, suitable for calling handler methods directly without
// running Run's full ticker/select machinery.
func newTestLoop(t *testing.T, cfg config.Config) *Loop {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	db := storage.NewMemory()
	keyCache := appcrypto.NewKeyCache()
	cr := appcrypto.New(h.ID(), nil, keyCache)
	limiter := ratelimit.New(10)

	d := Deps{
		Host:      h,
		Config:    cfg,
		Bootstrap: bootstrap.New(cfg.Bootstrap),
		ReqResp:   reqresp.New(h, 5*time.Second, 8),
		Relay:     relay.New(h.ID(), cr, 3, true, limiter),
		DMRetry:   dmretry.New(db, 3, 30*time.Second),
		Breaker:   breaker.New(3, time.Second, time.Minute),
		Peers:     discovery.NewPeerStore(db),
		Stories:   storystore.New(db),
		Crypto:    cr,
		KeyCache:  keyCache,
	}
	return New(d)
}

func TestHandleConnStatePopulatesKeyCache(t *testing.T) {
	l := newTestLoop(t, *config.Default())

	other, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create other host: %v", err)
	}
	defer other.Close()

	if _, ok := l.d.KeyCache.Get(other.ID()); ok {
		t.Fatal("key cache should be empty before any connection event")
	}

	l.handleConnState(connState{peer: other.ID(), connected: true})

	pub, ok := l.d.KeyCache.Get(other.ID())
	if !ok {
		t.Fatal("KeyCache should contain other's key after handleConnState(connected=true)")
	}
	extracted, err := appcrypto.PublicKeyFromPeerID(other.ID())
	if err != nil {
		t.Fatalf("PublicKeyFromPeerID: %v", err)
	}
	if string(pub) != string(extracted) {
		t.Error("cached key does not match the key extracted directly from the peer id")
	}
}

func TestHandleConnStateEmitsBootstrapConnected(t *testing.T) {
	cfg := *config.Default()
	cfg.Bootstrap.BootstrapPeers = []string{"/ip4/127.0.0.1/tcp/1/p2p/12D3KooWGRUTnoSaoDvQnKAEkhyHfxbJdNmbY3aLuoBYLi8esYPL"}
	l := newTestLoop(t, cfg)
	l.d.Bootstrap.Start()

	other, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create other host: %v", err)
	}
	defer other.Close()

	l.handleConnState(connState{peer: other.ID(), connected: true})

	found := false
	for drained := false; !drained; {
		select {
		case ev := <-l.events:
			if bse, ok := ev.(BootstrapStatusEvent); ok && bse.Status == bootstrap.Connected {
				found = true
			}
		default:
			drained = true
		}
	}
	if !found {
		t.Error("expected a BootstrapStatusEvent{Status: Connected} among the emitted events")
	}
}

func TestDialPeerEmitsBootstrapFailedAfterExhaustingRetries(t *testing.T) {
	cfg := *config.Default()
	cfg.Bootstrap.BootstrapPeers = []string{"/ip4/127.0.0.1/tcp/1/p2p/12D3KooWGRUTnoSaoDvQnKAEkhyHfxbJdNmbY3aLuoBYLi8esYPL"}
	cfg.Bootstrap.MaxRetryAttempts = 0
	cfg.Bootstrap.BootstrapTimeoutMs = 200
	l := newTestLoop(t, cfg)
	l.d.Bootstrap.Start()

	unreachable, err := peer.Decode("12D3KooWGRUTnoSaoDvQnKAEkhyHfxbJdNmbY3aLuoBYLi8esYPL")
	if err != nil {
		t.Fatalf("peer.Decode: %v", err)
	}
	l.d.Host.Peerstore().AddAddr(unreachable, mustAddr(t, "/ip4/127.0.0.1/tcp/1"), time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.dialPeer(ctx, unreachable)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.events:
			if bse, ok := ev.(BootstrapStatusEvent); ok && bse.Status == bootstrap.Failed {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for BootstrapStatusEvent{Failed}")
		}
	}
}

func TestHandleBroadcastDropsOversizedStory(t *testing.T) {
	l := newTestLoop(t, *config.Default())

	oversized := make([]byte, wire.MaxStoryNameLen+1)
	for i := range oversized {
		oversized[i] = 'a'
	}
	ps := wire.PublishedStory{
		Story:     wire.Story{ID: 1, Name: string(oversized), Channel: "general"},
		Publisher: l.self,
	}
	data, err := json.Marshal(ps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	l.handleBroadcast(broadcast.Message{Topic: broadcast.TopicStories, From: l.self, Data: data})

	if has, _ := l.d.Stories.HasStory(l.self, 1); has {
		t.Error("oversized story must not be persisted")
	}
}

func TestHandleCommandRejectsInvalidAlias(t *testing.T) {
	l := newTestLoop(t, *config.Default())

	l.handleCommand(context.Background(), SetAliasCommand{Alias: "not a valid alias!!"})

	if l.alias != "" {
		t.Errorf("alias = %q, want empty after rejecting an invalid alias", l.alias)
	}
	select {
	case ev := <-l.events:
		nee, ok := ev.(NetworkErrorEvent)
		if !ok || nee.Kind != "validation" {
			t.Errorf("event = %+v, want NetworkErrorEvent{Kind: validation}", ev)
		}
	default:
		t.Error("expected a NetworkErrorEvent for the invalid alias")
	}
}

func TestSendDirectQueuesWhenPreferDirectAndRelayAreOff(t *testing.T) {
	cfg := *config.Default()
	cfg.Relay.PreferDirect = false
	cfg.Relay.EnableRelay = false
	l := newTestLoop(t, cfg)

	other, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create other host: %v", err)
	}
	defer other.Close()
	if err := l.d.Host.Connect(context.Background(), peer.AddrInfo{ID: other.ID(), Addrs: other.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.aliases["bob"] = other.ID()

	l.sendDirect(context.Background(), "bob", "hi", time.Now())

	if l.d.DMRetry.Len() != 1 {
		t.Errorf("DMRetry.Len() = %d, want 1 (prefer_direct off and relay off must fall through to the retry queue)", l.d.DMRetry.Len())
	}
}
