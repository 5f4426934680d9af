// Package eventloop runs the node's single cooperative control loop: one
// goroutine that drains commands, network events, and timers in strict
// priority order so that, in particular, a host command is never starved
// behind a burst of network activity. Peer dials, story-sync requests and
// node-description requests run on their own goroutines. Peer-record and
// story-store reads and writes, and direct-message requests (including
// retries from the DM queue), run inline on the loop's own goroutine.
package eventloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/inkmesh/node/internal/bootstrap"
	"github.com/inkmesh/node/internal/breaker"
	"github.com/inkmesh/node/internal/broadcast"
	"github.com/inkmesh/node/internal/config"
	appcrypto "github.com/inkmesh/node/internal/crypto"
	"github.com/inkmesh/node/internal/discovery"
	"github.com/inkmesh/node/internal/dmretry"
	klog "github.com/inkmesh/node/internal/log"
	"github.com/inkmesh/node/internal/relay"
	"github.com/inkmesh/node/internal/reqresp"
	"github.com/inkmesh/node/internal/storystore"
	"github.com/inkmesh/node/internal/wire"
)

// recentThreshold and the two redial intervals implement the spec's
// accelerated-reconnect rule: peers connected within the last 5 minutes
// are retried more eagerly than ones that have been gone longer.
const (
	recentThreshold = 5 * time.Minute
	recentRedial    = 15 * time.Second
	staleRedial     = 60 * time.Second

	dmRetryTick      = 30 * time.Second
	cleanupTick      = 60 * time.Second
	maxSyncResponses = 500
)

// Deps bundles every already-constructed component the loop wires
// together. All of it is built and owned by cmd/inkmeshd; the loop never
// constructs its own dependencies, only drives them.
type Deps struct {
	Host      host.Host
	Config    config.Config
	Broadcast *broadcast.Broadcast
	Discovery *discovery.Discovery
	Bootstrap *bootstrap.Bootstrap
	ReqResp   *reqresp.Server
	Relay     *relay.Relay
	DMRetry   *dmretry.Queue
	Breaker   *breaker.Breaker
	Peers     *discovery.PeerStore
	Stories   *storystore.Store
	Crypto    *appcrypto.Crypto
	KeyCache  *appcrypto.KeyCache
}

// Loop is the node's single cooperative event loop.
type Loop struct {
	d    Deps
	self peer.ID

	commands chan Command
	events   chan Event

	notifier *swarmNotifier

	alias       string
	description string
	aliases     map[string]peer.ID // alias -> peer, learned from AliasAnnouncements
	subs        map[string]bool

	lastDialAttempt map[peer.ID]time.Time
}

// New builds a Loop over d. The loop does not start running until Run is
// called.
func New(d Deps) *Loop {
	self := d.Host.ID()
	l := &Loop{
		d:               d,
		self:            self,
		commands:        make(chan Command, 64),
		events:          make(chan Event, 256),
		notifier:        newSwarmNotifier(self),
		aliases:         make(map[string]peer.ID),
		subs:            map[string]bool{wire.DefaultChannel: true},
		lastDialAttempt: make(map[peer.ID]time.Time),
	}
	d.Host.Network().Notify(l.notifier)
	d.ReqResp.RegisterDirectMessageHandler(l.handleIncomingDirectMessage)
	d.ReqResp.RegisterNodeDescriptionHandler(l.handleNodeDescriptionRequest)
	d.ReqResp.RegisterStorySyncHandler(l.handleStorySyncRequest)
	return l
}

// Commands returns the channel the host sends Commands on.
func (l *Loop) Commands() chan<- Command { return l.commands }

// Events returns the channel the host receives Events from.
func (l *Loop) Events() <-chan Event { return l.events }

func (l *Loop) emit(e Event) {
	select {
	case l.events <- e:
	default:
		klog.EventLoop.Warn().Msg("event channel full, dropping event")
	}
}

// Run drives the loop until ctx is cancelled or a ShutdownCommand arrives.
// It persists the DM retry queue before returning; peer records are saved
// as connection state changes, not at shutdown.
func (l *Loop) Run(ctx context.Context) {
	if peers := l.d.Bootstrap.Start(); peers != nil {
		l.dialAll(ctx, peers)
		l.emit(BootstrapStatusEvent{Status: bootstrap.InProgress})
	}

	bootstrapTimer := time.NewTicker(1 * time.Second)
	defer bootstrapTimer.Stop()

	maintInterval := time.Duration(l.d.Config.Network.ConnectionMaintenanceIntervalSeconds) * time.Second
	if maintInterval <= 0 {
		maintInterval = 30 * time.Second
	}
	maintTimer := time.NewTicker(maintInterval)
	defer maintTimer.Stop()

	dmTimer := time.NewTicker(dmRetryTick)
	defer dmTimer.Stop()

	cleanupTimer := time.NewTicker(cleanupTick)
	defer cleanupTimer.Stop()

	for {
		// Drain strictly in priority order: handling any single event
		// restarts the check from the top, so a burst on a low-priority
		// source can never starve a higher one out of this outer loop.
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case cmd := <-l.commands:
			if _, isShutdown := cmd.(ShutdownCommand); isShutdown {
				l.shutdown()
				return
			}
			l.handleCommand(ctx, cmd)
			continue
		default:
		}

		select {
		case pf := <-l.d.Discovery.Found():
			l.handleDiscovered(ctx, pf)
			continue
		default:
		}

		select {
		case cs := <-l.notifier.ch:
			l.handleConnState(cs)
			continue
		default:
		}

		select {
		case msg := <-l.d.Broadcast.Incoming():
			l.handleBroadcast(msg)
			continue
		default:
		}

		select {
		case <-bootstrapTimer.C:
			l.handleBootstrapTick(ctx)
			continue
		default:
		}

		select {
		case <-maintTimer.C:
			l.handleMaintenanceTick(ctx)
			continue
		default:
		}

		select {
		case <-dmTimer.C:
			l.handleDMRetryTick(ctx)
			continue
		default:
		}

		select {
		case <-cleanupTimer.C:
			l.handleCleanupTick()
			continue
		default:
		}

		// Nothing was immediately ready; block on everything at once.
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case cmd := <-l.commands:
			if _, isShutdown := cmd.(ShutdownCommand); isShutdown {
				l.shutdown()
				return
			}
			l.handleCommand(ctx, cmd)
		case pf := <-l.d.Discovery.Found():
			l.handleDiscovered(ctx, pf)
		case cs := <-l.notifier.ch:
			l.handleConnState(cs)
		case msg := <-l.d.Broadcast.Incoming():
			l.handleBroadcast(msg)
		case <-bootstrapTimer.C:
			l.handleBootstrapTick(ctx)
		case <-maintTimer.C:
			l.handleMaintenanceTick(ctx)
		case <-dmTimer.C:
			l.handleDMRetryTick(ctx)
		case <-cleanupTimer.C:
			l.handleCleanupTick()
		}
	}
}

func (l *Loop) shutdown() {
	if err := l.d.DMRetry.PersistAll(); err != nil {
		klog.EventLoop.Error().Err(err).Msg("persist dm retry queue on shutdown")
	}
	klog.EventLoop.Info().Msg("event loop stopped")
}

// --- commands ---

func (l *Loop) handleCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case PublishCommand:
		if err := l.d.Broadcast.Publish(c.Topic, c.Payload); err != nil {
			l.emit(NetworkErrorEvent{Kind: "publish", Detail: err.Error()})
		}
	case SendDirectCommand:
		l.sendDirect(ctx, c.ToAlias, c.Body, time.Now())
	case RequestStoriesCommand:
		l.requestStories(ctx, c)
	case RequestDescriptionCommand:
		go func() {
			resp, err := l.d.ReqResp.RequestNodeDescription(ctx, c.Peer)
			if err != nil {
				l.emit(NetworkErrorEvent{Kind: "node_description", Detail: err.Error()})
				return
			}
			if resp.Set {
				klog.EventLoop.Debug().Str("peer", c.Peer.String()[:16]).Str("description", resp.Description).Msg("received node description")
			}
		}()
	case DialCommand:
		addr, err := ma.NewMultiaddr(c.Multiaddr)
		if err != nil {
			l.emit(NetworkErrorEvent{Kind: "dial", Detail: err.Error()})
			return
		}
		l.dialAddr(ctx, addr)
	case SetAliasCommand:
		if err := wire.ValidateAlias(c.Alias); err != nil {
			l.emit(NetworkErrorEvent{Kind: "validation", Detail: err.Error()})
			return
		}
		l.alias = c.Alias
		l.broadcastAlias(c.Alias)
	case SetDescriptionCommand:
		if len(c.Description) > wire.MaxDescriptionLen {
			l.emit(NetworkErrorEvent{Kind: "validation", Detail: fmt.Sprintf("description exceeds %d bytes", wire.MaxDescriptionLen)})
			return
		}
		l.description = wire.SanitizeText(c.Description)
	case SubscribeChannelCommand:
		if err := wire.ValidateChannelName(c.Channel); err != nil {
			l.emit(NetworkErrorEvent{Kind: "validation", Detail: err.Error()})
			return
		}
		l.subs[c.Channel] = true
	case UnsubscribeChannelCommand:
		delete(l.subs, c.Channel)
	case ReloadConfigCommand:
		klog.EventLoop.Info().Msg("config reload requested; host must re-supply bootstrap/network values")
	}
}

// aliasFor reverse-looks-up the alias a peer has announced, if any.
func (l *Loop) aliasFor(p peer.ID) string {
	for alias, id := range l.aliases {
		if id == p {
			return alias
		}
	}
	return ""
}

func (l *Loop) broadcastAlias(alias string) {
	ann := wire.AliasAnnouncement{Peer: l.self, Alias: alias, Timestamp: time.Now().Unix()}
	msg := wire.ChannelsTopicMessage{Kind: "alias", Alias: &ann}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := l.d.Broadcast.Publish(broadcast.TopicChannels, data); err != nil {
		l.emit(NetworkErrorEvent{Kind: "publish", Detail: err.Error()})
	}
}

// sendDirect implements the relay fallback chain: a direct stream if
// there is a live connection to the target, prefer_direct is on, and the
// breaker allows it; else an encrypted relay broadcast; else the retry
// queue if the recipient's key isn't cached yet.
func (l *Loop) sendDirect(ctx context.Context, toAlias, body string, now time.Time) {
	target, known := l.aliases[toAlias]
	liveConn := known && l.d.Host.Network().Connectedness(target) == network.Connected

	if liveConn && l.d.Config.Relay.PreferDirect && l.d.Breaker.Allow(target, now) {
		req := reqresp.DirectMessageRequest{
			FromPeerID: l.self,
			FromName:   l.alias,
			ToName:     toAlias,
			Message:    body,
			Timestamp:  now.Unix(),
		}
		resp, err := l.d.ReqResp.RequestDirectMessage(ctx, target, req)
		if err == nil && resp.Status == reqresp.StatusDelivered {
			l.d.Breaker.RecordSuccess(target)
			l.emit(DirectMessageDeliveredEvent{ID: fmt.Sprintf("%s:%d", target, now.UnixNano())})
			return
		}
		l.d.Breaker.RecordFailure(target, now)
	}

	if known && l.d.Config.Relay.EnableRelay {
		dm := wire.DirectMessage{FromPeerID: l.self, FromName: l.alias, ToName: toAlias, Message: body, Timestamp: now.Unix()}
		env, err := l.d.Relay.Seal(dm, target, now)
		if err == nil {
			data, merr := json.Marshal(env)
			if merr == nil {
				if perr := l.d.Broadcast.Publish(broadcast.TopicRelay, data); perr == nil {
					return
				}
			}
		} else if !errors.Is(err, appcrypto.ErrUnknownRecipientKey) {
			l.emit(NetworkErrorEvent{Kind: "relay_seal", Detail: err.Error()})
			return
		}
	}

	l.d.DMRetry.Enqueue(toAlias, body, now)
}

func (l *Loop) requestStories(ctx context.Context, c RequestStoriesCommand) {
	peers := []peer.ID{c.Peer}
	if c.Peer == "" {
		peers = l.d.Host.Network().Peers()
	}
	req := reqresp.StorySyncRequest{Channels: c.Channels}
	for _, p := range peers {
		p := p
		go func() {
			resp, err := l.d.ReqResp.RequestStorySync(ctx, p, req)
			if err != nil {
				l.emit(NetworkErrorEvent{Kind: "story_sync", Detail: err.Error()})
				return
			}
			for _, ps := range resp.Stories {
				l.deliverStory(ps, p)
			}
		}()
	}
}

// --- swarm / discovery ---

func (l *Loop) handleDiscovered(ctx context.Context, pf discovery.PeerFound) {
	l.emit(PeerDiscoveredEvent{Peer: pf.Info.ID})
	if l.d.Host.Network().Connectedness(pf.Info.ID) != network.Connected {
		l.d.Host.Peerstore().AddAddrs(pf.Info.ID, pf.Info.Addrs, time.Hour)
		l.dialPeer(ctx, pf.Info.ID)
	}
}

func (l *Loop) handleConnState(cs connState) {
	now := time.Now()
	rec, err := l.d.Peers.Load(cs.peer)
	if err != nil {
		rec = &discovery.PeerRecord{ID: cs.peer.String()}
	}
	rec.LastSeen = now.Unix()

	if cs.connected {
		rec.State = discovery.StateConnected
		rec.LastConnectedAt = now.Unix()
		if alias := l.aliasFor(cs.peer); alias != "" {
			rec.Alias = alias
		}
		if _, cached := l.d.KeyCache.Get(cs.peer); !cached {
			if pub, err := appcrypto.PublicKeyFromPeerID(cs.peer); err == nil {
				l.d.KeyCache.Put(cs.peer, pub)
			} else {
				klog.EventLoop.Debug().Str("peer", cs.peer.String()[:16]).Err(err).Msg("could not extract public key from peer id")
			}
		}
		l.d.Breaker.RecordSuccess(cs.peer)
		l.emit(PeerConnectedEvent{Peer: cs.peer})
		if st, _ := l.d.Bootstrap.Status(); st == bootstrap.InProgress {
			l.d.Bootstrap.PeerDialed(true, now)
			l.emit(BootstrapStatusEvent{Status: bootstrap.Connected})
		}
		if rec.Alias != "" && l.d.Config.DirectMessage.EnableConnectionRetries {
			outcomes := l.d.DMRetry.OnConnection(rec.Alias, now, func(p dmretry.PendingDirectMessage) bool {
				return l.deliverPending(p)
			})
			l.reportOutcomes(outcomes)
		}
	} else {
		rec.State = discovery.StateDisconnected
		l.emit(PeerDisconnectedEvent{Peer: cs.peer})
		if len(l.d.Host.Network().Peers()) == 0 {
			l.d.Bootstrap.ConnectionsLost(now)
		}
	}

	if err := l.d.Peers.Save(*rec); err != nil {
		klog.EventLoop.Error().Err(err).Msg("save peer record")
	}
}

// --- broadcast ---

func (l *Loop) handleBroadcast(msg broadcast.Message) {
	switch msg.Topic {
	case broadcast.TopicStories:
		var ps wire.PublishedStory
		if err := json.Unmarshal(msg.Data, &ps); err != nil {
			return
		}
		if err := wire.ValidateStory(ps.Story); err != nil {
			klog.EventLoop.Debug().Str("peer", msg.From.String()[:16]).Err(err).Msg("dropping invalid story")
			return
		}
		ps.Story.Name = wire.SanitizeText(ps.Story.Name)
		ps.Story.Header = wire.SanitizeText(ps.Story.Header)
		ps.Story.Body = wire.SanitizeText(ps.Story.Body)
		l.deliverStory(ps, msg.From)
	case broadcast.TopicChannels:
		var m wire.ChannelsTopicMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return
		}
		switch m.Kind {
		case "channel":
			if m.Channel != nil {
				if err := wire.ValidateChannelName(m.Channel.Channel.Name); err != nil {
					klog.EventLoop.Debug().Str("peer", msg.From.String()[:16]).Err(err).Msg("dropping invalid channel announcement")
					return
				}
				m.Channel.Channel.Description = wire.SanitizeText(m.Channel.Channel.Description)
				if err := l.d.Stories.SaveChannel(*m.Channel); err != nil {
					klog.EventLoop.Error().Err(err).Msg("save channel")
				}
				l.emit(ChannelReceivedEvent{Channel: *m.Channel, From: msg.From})
			}
		case "alias":
			if m.Alias != nil {
				if err := wire.ValidateAlias(m.Alias.Alias); err != nil {
					klog.EventLoop.Debug().Str("peer", msg.From.String()[:16]).Err(err).Msg("dropping invalid alias announcement")
					return
				}
				l.aliases[m.Alias.Alias] = m.Alias.Peer
			}
		}
	case broadcast.TopicRelay:
		var env wire.RelayEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		l.handleRelayEnvelope(env)
	}
}

func (l *Loop) deliverStory(ps wire.PublishedStory, from peer.ID) {
	already, err := l.d.Stories.HasStory(ps.Publisher, ps.Story.ID)
	if err != nil {
		klog.EventLoop.Error().Err(err).Msg("check story dedup")
		return
	}
	if err := l.d.Stories.SaveStory(ps); err != nil {
		klog.EventLoop.Error().Err(err).Msg("save story")
		return
	}
	if already {
		return
	}
	if l.subs[ps.Story.Channel] {
		l.emit(StoryReceivedEvent{Story: ps, From: from})
	}
}

func (l *Loop) handleRelayEnvelope(env wire.RelayEnvelope) {
	outcome, dm, fwd := l.d.Relay.Receive(env, time.Now())
	switch outcome {
	case relay.OutcomeDelivered:
		l.emit(DirectMessageReceivedEvent{DM: dm})
	case relay.OutcomeForward:
		data, err := json.Marshal(fwd)
		if err != nil {
			return
		}
		if err := l.d.Broadcast.Publish(broadcast.TopicRelay, data); err != nil {
			klog.EventLoop.Warn().Err(err).Msg("forward relay envelope")
		}
	}
}

// --- timers ---

func (l *Loop) handleBootstrapTick(ctx context.Context) {
	now := time.Now()
	if peers := l.d.Bootstrap.Tick(now); peers != nil {
		l.dialAll(ctx, peers)
	}
}

func (l *Loop) handleMaintenanceTick(ctx context.Context) {
	now := time.Now()
	records, err := l.d.Peers.LoadAll()
	if err != nil {
		klog.EventLoop.Error().Err(err).Msg("load peer records for maintenance")
		return
	}
	connected := map[peer.ID]bool{}
	for _, p := range l.d.Host.Network().Peers() {
		connected[p] = true
	}
	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil {
			continue
		}
		if connected[id] {
			continue
		}
		redial := staleRedial
		if now.Sub(time.Unix(rec.LastConnectedAt, 0)) < recentThreshold {
			redial = recentRedial
		}
		if last, ok := l.lastDialAttempt[id]; ok && now.Sub(last) < redial {
			continue
		}
		l.dialPeer(ctx, id)
	}
}

func (l *Loop) handleDMRetryTick(ctx context.Context) {
	if !l.d.Config.DirectMessage.EnableTimedRetries {
		return
	}
	now := time.Now()
	outcomes := l.d.DMRetry.Tick(now, func(p dmretry.PendingDirectMessage) bool {
		return l.deliverPending(p)
	})
	l.reportOutcomes(outcomes)
	_ = ctx
}

func (l *Loop) handleCleanupTick() {
	l.d.Relay.GC(time.Now())
}

func (l *Loop) reportOutcomes(outcomes []dmretry.Outcome) {
	for _, o := range outcomes {
		if o.Success {
			l.emit(DirectMessageDeliveredEvent{ID: o.ToName})
		} else {
			l.emit(DirectMessageFailedEvent{ID: o.ToName, Reason: fmt.Sprintf("gave up after %d attempts", o.Attempts)})
		}
	}
}

// deliverPending attempts one direct delivery of a queued message, used as
// the dmretry.DeliverFunc: the queue decides when to call it, never dials
// itself.
func (l *Loop) deliverPending(p dmretry.PendingDirectMessage) bool {
	target, known := l.aliases[p.ToName]
	if !known || !l.d.Breaker.Allow(target, time.Now()) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(l.d.Config.Network.RequestTimeoutSeconds)*time.Second)
	defer cancel()
	req := reqresp.DirectMessageRequest{FromPeerID: l.self, FromName: l.alias, ToName: p.ToName, Message: p.Body, Timestamp: time.Now().Unix()}
	resp, err := l.d.ReqResp.RequestDirectMessage(ctx, target, req)
	if err != nil || resp.Status != reqresp.StatusDelivered {
		l.d.Breaker.RecordFailure(target, time.Now())
		return false
	}
	l.d.Breaker.RecordSuccess(target)
	return true
}

// --- dialing ---

func (l *Loop) dialAll(ctx context.Context, addrs []string) {
	for _, a := range addrs {
		addr, err := ma.NewMultiaddr(a)
		if err != nil {
			klog.EventLoop.Warn().Str("addr", a).Err(err).Msg("invalid bootstrap address")
			continue
		}
		l.dialAddr(ctx, addr)
	}
}

func (l *Loop) dialAddr(ctx context.Context, addr ma.Multiaddr) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		l.emit(NetworkErrorEvent{Kind: "dial", Detail: err.Error()})
		return
	}
	l.d.Host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	l.dialPeer(ctx, info.ID)
}

func (l *Loop) dialPeer(ctx context.Context, id peer.ID) {
	if !l.d.Breaker.Allow(id, time.Now()) {
		return
	}
	l.lastDialAttempt[id] = time.Now()
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, l.d.Bootstrap.Timeout())
		defer cancel()
		err := l.d.Host.Connect(dialCtx, l.d.Host.Peerstore().PeerInfo(id))
		now := time.Now()
		if err != nil {
			l.d.Breaker.RecordFailure(id, now)
			if st, _ := l.d.Bootstrap.Status(); st == bootstrap.InProgress {
				l.d.Bootstrap.PeerDialed(false, now)
				if st, reason := l.d.Bootstrap.Status(); st == bootstrap.Failed {
					l.emit(BootstrapStatusEvent{Status: bootstrap.Failed, Reason: reason})
				}
			}
			return
		}
		l.d.Breaker.RecordSuccess(id)
	}()
}

// --- request/response handlers (invoked on libp2p's own stream goroutine,
// so they must only touch data safe for concurrent access: the relay,
// crypto cache, and story store, never the loop's own unsynchronized
// fields like aliases or subs) ---

func (l *Loop) handleIncomingDirectMessage(from peer.ID, req reqresp.DirectMessageRequest) reqresp.DirectMessageResponse {
	l.emit(DirectMessageReceivedEvent{DM: req})
	return reqresp.DirectMessageResponse{Status: reqresp.StatusDelivered}
}

func (l *Loop) handleNodeDescriptionRequest(peer.ID) reqresp.NodeDescriptionResponse {
	return reqresp.NodeDescriptionResponse{Set: l.description != "", Description: l.description}
}

func (l *Loop) handleStorySyncRequest(from peer.ID, req reqresp.StorySyncRequest) reqresp.StorySyncResponse {
	stories, err := l.d.Stories.StoriesSince(req.Channels, req.LastSyncTimestamp, maxSyncResponses)
	if err != nil {
		klog.EventLoop.Error().Err(err).Str("peer", from.String()[:16]).Msg("story sync query failed")
		return reqresp.StorySyncResponse{}
	}
	return reqresp.StorySyncResponse{Stories: stories}
}
