package transport

import (
	"sync"
	"time"

	"github.com/inkmesh/node/internal/config"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// limitGater enforces the swarm's connection-count limits (max per peer,
// max pending incoming/outgoing, max established total) at the points
// libp2p calls into a network.ConnectionGater, before a dial or accept is
// allowed to proceed.
type limitGater struct {
	maxPerPeer     int
	maxPendingIn   int
	maxPendingOut  int
	maxEstablished int
	establishTTL   time.Duration

	mu      sync.Mutex
	pending pendingSet // outgoing + incoming dials/accepts not yet Connected
	perPeer map[peer.ID]int
	total   int
	net     network.Network
}

// pendingSet tracks in-flight dials/accepts with an expiry, so a dial that
// is allowed through but never completes (no Connected, no explicit
// failure callback exists on ConnectionGater) eventually stops counting
// against the watermark instead of leaking it permanently.
type pendingSet struct {
	in  map[uint64]time.Time
	out map[uint64]time.Time
	seq uint64
}

func newLimitGater(cfg config.NetworkConfig) *limitGater {
	ttl := time.Duration(cfg.ConnectionEstablishmentTimeoutSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &limitGater{
		maxPerPeer:     intOrOne(cfg.MaxConnectionsPerPeer),
		maxPendingIn:   intOrOne(cfg.MaxPendingIncoming),
		maxPendingOut:  intOrOne(cfg.MaxPendingOutgoing),
		maxEstablished: intOrOne(cfg.MaxEstablishedTotal),
		establishTTL:   ttl,
		pending: pendingSet{
			in:  make(map[uint64]time.Time),
			out: make(map[uint64]time.Time),
		},
		perPeer: make(map[peer.ID]int),
	}
}

func intOrOne(v uint32) int {
	if v == 0 {
		return 1
	}
	return int(v)
}

func (g *limitGater) attach(n network.Network) {
	g.mu.Lock()
	g.net = n
	g.mu.Unlock()
}

func (g *limitGater) sweepLocked(now time.Time) {
	for k, exp := range g.pending.in {
		if now.After(exp) {
			delete(g.pending.in, k)
		}
	}
	for k, exp := range g.pending.out {
		if now.After(exp) {
			delete(g.pending.out, k)
		}
	}
}

// InterceptPeerDial always allows; per-peer circuit breaking happens one
// layer up, outside the gater, so a tripped breaker never touches the swarm.
func (g *limitGater) InterceptPeerDial(p peer.ID) bool {
	return true
}

// InterceptAddrDial enforces the outgoing-pending watermark before a dial
// to a specific address is attempted.
func (g *limitGater) InterceptAddrDial(p peer.ID, a ma.Multiaddr) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	g.sweepLocked(now)
	if len(g.pending.out) >= g.maxPendingOut {
		return false
	}
	g.pending.seq++
	g.pending.out[g.pending.seq] = now.Add(g.establishTTL)
	return true
}

// InterceptAccept enforces the incoming-pending watermark and the total
// established ceiling before accepting a raw inbound connection.
func (g *limitGater) InterceptAccept(c network.ConnMultiaddrs) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	g.sweepLocked(now)
	if len(g.pending.in) >= g.maxPendingIn || g.total >= g.maxEstablished {
		return false
	}
	g.pending.seq++
	g.pending.in[g.pending.seq] = now.Add(g.establishTTL)
	return true
}

// InterceptSecured enforces the per-peer connection cap once the remote
// peer's identity is known (post Noise handshake, pre-mux).
func (g *limitGater) InterceptSecured(dir network.Direction, p peer.ID, c network.ConnMultiaddrs) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perPeer[p] < g.maxPerPeer
}

// InterceptUpgraded always allows; all limit checks already ran at the
// dial/accept/secured stages.
func (g *limitGater) InterceptUpgraded(c network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// notifee returns the network.Notifiee that keeps the gater's live
// connection counters in sync as connections open and close.
func (g *limitGater) notifee() network.Notifiee {
	return &gaterNotifee{g: g}
}

type gaterNotifee struct {
	network.NoopNotifiee
	g *limitGater
}

func (n *gaterNotifee) Connected(_ network.Network, c network.Conn) {
	g := n.g
	g.mu.Lock()
	g.perPeer[c.RemotePeer()]++
	g.total++
	g.mu.Unlock()
}

func (n *gaterNotifee) Disconnected(_ network.Network, c network.Conn) {
	g := n.g
	g.mu.Lock()
	if g.perPeer[c.RemotePeer()] > 0 {
		g.perPeer[c.RemotePeer()]--
		if g.perPeer[c.RemotePeer()] == 0 {
			delete(g.perPeer, c.RemotePeer())
		}
	}
	if g.total > 0 {
		g.total--
	}
	g.mu.Unlock()
}
