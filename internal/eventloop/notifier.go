package eventloop

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// connState is a change in a connection's up/down status, forwarded onto a
// channel so the single-threaded loop can react to it on its own turn
// instead of on the libp2p swarm's notifier goroutine.
type connState struct {
	peer      peer.ID
	connected bool
}

// swarmNotifier forwards host.Network() Connected/Disconnected callbacks
// onto a channel the event loop drains like any other input.
type swarmNotifier struct {
	network.NoopNotifiee
	self peer.ID
	ch   chan connState
}

func newSwarmNotifier(self peer.ID) *swarmNotifier {
	return &swarmNotifier{self: self, ch: make(chan connState, 256)}
}

func (n *swarmNotifier) Connected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()
	if p == n.self {
		return
	}
	n.send(connState{peer: p, connected: true})
}

func (n *swarmNotifier) Disconnected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()
	if p == n.self {
		return
	}
	n.send(connState{peer: p, connected: false})
}

func (n *swarmNotifier) send(s connState) {
	select {
	case n.ch <- s:
	default:
		// The loop is behind and this change is dropped. Connection
		// maintenance checks host.Network().Peers() before redialing, but
		// nothing replays the missed event or updates the peer record.
	}
}
