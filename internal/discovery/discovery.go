// Package discovery runs the node's two peer-discovery sources — local
// multicast (mDNS) and a Kademlia DHT — and reports what they find onto a
// single channel. It never dials or mutates peer state itself; the event
// loop owns that.
package discovery

import (
	"context"
	"fmt"
	"time"

	klog "github.com/inkmesh/node/internal/log"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

// dhtFindInterval is how often the DHT re-runs FIND_NODE for our rendezvous.
const dhtFindInterval = 30 * time.Second

// Source names where a PeerFound event came from.
const (
	SourceMDNS = "mdns"
	SourceDHT  = "dht"
)

// PeerFound is emitted whenever a discovery source observes a candidate
// peer. The event loop decides whether and when to dial it.
type PeerFound struct {
	Info   peer.AddrInfo
	Source string
}

// Discovery runs mDNS and the Kademlia DHT against a host and reports
// newly observed peers.
type Discovery struct {
	host       host.Host
	rendezvous string
	serverMode bool

	dht     *dht.IpfsDHT
	mdnsSvc mdns.Service

	found  chan PeerFound
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discovery bound to h. rendezvous namespaces both discovery
// sources so unrelated inkmesh networks don't cross-discover each other.
// serverMode puts the DHT into server mode (accepting queries) rather than
// client-only mode. The mode is fixed when Start creates the DHT; it does
// not change when bootstrap completes.
func New(h host.Host, rendezvous string, serverMode bool) *Discovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		host:       h,
		rendezvous: rendezvous,
		serverMode: serverMode,
		found:      make(chan PeerFound, 128),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Found returns the channel of discovered peers. Never closed while the
// Discovery is running; closed by Close.
func (d *Discovery) Found() <-chan PeerFound {
	return d.found
}

// Start launches both discovery sources. mDNS failures are non-fatal (the
// LAN may have multicast disabled); DHT failures are returned, since a
// broken DHT also breaks bootstrap-by-rendezvous.
func (d *Discovery) Start() error {
	mode := dht.ModeClient
	if d.serverMode {
		mode = dht.ModeServer
	}
	kad, err := dht.New(d.ctx, d.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("discovery: create dht: %w", err)
	}
	if err := kad.Bootstrap(d.ctx); err != nil {
		kad.Close()
		return fmt.Errorf("discovery: bootstrap dht: %w", err)
	}
	d.dht = kad

	svc := mdns.NewMdnsService(d.host, d.rendezvous, &mdnsNotifee{d: d})
	if err := svc.Start(); err != nil {
		klog.Discovery.Warn().Err(err).Msg("mdns start failed, continuing without local discovery")
	} else {
		d.mdnsSvc = svc
	}

	go d.runDHTDiscovery()
	return nil
}

// Close stops both discovery sources and closes the found channel.
func (d *Discovery) Close() error {
	d.cancel()
	if d.mdnsSvc != nil {
		d.mdnsSvc.Close()
	}
	var err error
	if d.dht != nil {
		err = d.dht.Close()
	}
	close(d.found)
	return err
}

// DHT exposes the underlying routing table for components (bootstrap,
// discovery-driven dialing) that need to query it directly.
func (d *Discovery) DHT() *dht.IpfsDHT {
	return d.dht
}

func (d *Discovery) emit(pf PeerFound) {
	select {
	case d.found <- pf:
	case <-d.ctx.Done():
	default:
		klog.Discovery.Warn().Msg("found channel full, dropping discovery event")
	}
}

type mdnsNotifee struct {
	d *Discovery
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.d.host.ID() || len(pi.Addrs) == 0 {
		return
	}
	n.d.emit(PeerFound{Info: pi, Source: SourceMDNS})
}

func (d *Discovery) runDHTDiscovery() {
	routingDiscovery := drouting.NewRoutingDiscovery(d.dht)
	dutil.Advertise(d.ctx, routingDiscovery, d.rendezvous)

	d.findDHTPeers(routingDiscovery)

	ticker := time.NewTicker(dhtFindInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.findDHTPeers(routingDiscovery)
		}
	}
}

func (d *Discovery) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(d.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, d.rendezvous)
	if err != nil {
		klog.Discovery.Warn().Err(err).Msg("dht find_peers failed")
		return
	}
	for p := range peerCh {
		if p.ID == d.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		d.emit(PeerFound{Info: p, Source: SourceDHT})
	}
}
