// Package transport builds and owns the libp2p host: the swarm, its
// listener, and the TCP/Noise/yamux stack beneath it.
package transport

import (
	"fmt"
	"runtime"
	"time"

	"github.com/inkmesh/node/internal/config"
	"github.com/inkmesh/node/internal/identity"
	klog "github.com/inkmesh/node/internal/log"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	tcp "github.com/libp2p/go-libp2p/p2p/transport/tcp"
	yamux "github.com/libp2p/go-yamux/v5"
)

// maxConcurrentSubstreams caps how many substreams a single connection's
// multiplexer will accept before the peer must close some.
const maxConcurrentSubstreams = 512

// idleConnTimeout is the idle-connection period reported by IdleTimeout.
// Nothing in the node closes idle connections with it.
const idleConnTimeout = 60 * time.Second

// Transport owns the libp2p host and the connection gater enforcing the
// swarm's pending/established connection limits.
type Transport struct {
	host  host.Host
	gater *limitGater
}

// New builds a libp2p host listening on listenAddr/port, authenticated with
// id's Ed25519 key, using TCP+Noise+yamux and the limits in netCfg.
func New(id *identity.Identity, listenAddr string, port int, netCfg config.NetworkConfig) (*Transport, error) {
	priv, err := id.Libp2pPrivKey()
	if err != nil {
		return nil, fmt.Errorf("transport: wrap identity key: %w", err)
	}

	gater := newLimitGater(netCfg)

	cm, err := connmgr.NewConnManager(
		int(netCfg.MaxEstablishedTotal)/2,
		int(netCfg.MaxEstablishedTotal),
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: connection manager: %w", err)
	}

	muxTransport := *yamux.DefaultConfig()
	muxTransport.AcceptBacklog = maxConcurrentSubstreams

	addr := fmt.Sprintf("/ip4/%s/tcp/%d", listenAddr, port)

	tcpOpts := []interface{}{
		tcp.WithConnectionTimeout(time.Duration(netCfg.ConnectionEstablishmentTimeoutSeconds) * time.Second),
	}
	if runtime.GOOS == "windows" {
		tcpOpts = append(tcpOpts, tcp.DisableReuseport())
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.Identity(priv),
		libp2p.ConnectionGater(gater),
		libp2p.ConnectionManager(cm),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport, tcpOpts...),
		libp2p.Muxer("/yamux/1.0.0", &muxTransport),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}
	gater.attach(h.Network())

	t := &Transport{host: h, gater: gater}
	h.Network().Notify(gater.notifee())
	klog.Transport.Info().Str("addr", addr).Str("peer", h.ID().String()[:16]).Msg("transport listening")
	return t, nil
}

// Host returns the underlying libp2p host.
func (t *Transport) Host() host.Host {
	return t.host
}

// Close shuts down the swarm and all open connections.
func (t *Transport) Close() error {
	return t.host.Close()
}

// ConnectedPeerCount returns the number of currently connected peers.
func (t *Transport) ConnectedPeerCount() int {
	return len(t.host.Network().Peers())
}

// IdleTimeout returns idleConnTimeout. The event loop's
// connection-maintenance pass does not call it and does not close idle
// connections; it only redials disconnected peers.
func IdleTimeout() time.Duration { return idleConnTimeout }

// IsIdle reports whether a connection currently has no open streams.
func IsIdle(c network.Conn) bool {
	return len(c.GetStreams()) == 0
}
