// Package broadcast implements the node's three flood-dissemination
// topics (stories, channels, relay envelopes) over GossipSub, with an
// explicit bounded dedup cache in front of local delivery so a message
// reaches the application at most once per topic regardless of how many
// neighbors re-gossip it.
package broadcast

import (
	"context"
	"fmt"
	"time"

	klog "github.com/inkmesh/node/internal/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Topic names, fixed per the node's protocol — every node subscribes to
// all three at startup.
const (
	TopicStories  = "stories"
	TopicChannels = "channels"
	TopicRelay    = "relay"
)

// dedupCapacity and dedupTTL bound the local delivered-message cache.
const (
	dedupCapacity = 10000
	dedupTTL      = 60 * time.Second
)

var topics = [...]string{TopicStories, TopicChannels, TopicRelay}

// Message is one deduplicated, locally-deliverable broadcast message.
type Message struct {
	Topic string
	From  peer.ID
	Data  []byte
}

// Broadcast owns the three GossipSub topics and their subscriptions.
type Broadcast struct {
	ps   *pubsub.PubSub
	self peer.ID

	topicHandles map[string]*pubsub.Topic
	subs         map[string]*pubsub.Subscription

	dedup *lru.LRU[string, struct{}]

	incoming chan Message
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates GossipSub over h and joins+subscribes to all three topics.
// maxMessageSize bounds the largest payload GossipSub will accept; the
// caller sizes it over the largest broadcast payload (a published story
// with MaxStoryBodyLen body).
func New(h host.Host, maxMessageSize int) (*Broadcast, error) {
	ctx, cancel := context.WithCancel(context.Background())

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMaxMessageSize(maxMessageSize))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("broadcast: create pubsub: %w", err)
	}

	b := &Broadcast{
		ps:           ps,
		self:         h.ID(),
		topicHandles: make(map[string]*pubsub.Topic),
		subs:         make(map[string]*pubsub.Subscription),
		dedup:        lru.NewLRU[string, struct{}](dedupCapacity, nil, dedupTTL),
		incoming:     make(chan Message, 256),
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, name := range topics {
		t, err := ps.Join(name)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("broadcast: join topic %s: %w", name, err)
		}
		sub, err := t.Subscribe()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("broadcast: subscribe topic %s: %w", name, err)
		}
		b.topicHandles[name] = t
		b.subs[name] = sub
		go b.readLoop(name, sub)
	}

	return b, nil
}

// Incoming returns the channel of deduplicated, locally-deliverable
// messages the event loop drains.
func (b *Broadcast) Incoming() <-chan Message {
	return b.incoming
}

// Publish serializes payload onto topic for every connected, subscribed
// neighbor to receive and re-gossip.
func (b *Broadcast) Publish(topic string, payload []byte) error {
	t, ok := b.topicHandles[topic]
	if !ok {
		return fmt.Errorf("broadcast: unknown topic %q", topic)
	}
	if err := t.Publish(b.ctx, payload); err != nil {
		return fmt.Errorf("broadcast: publish on %s: %w", topic, err)
	}
	return nil
}

// Close cancels all subscriptions and releases topic handles.
func (b *Broadcast) Close() {
	b.cancel()
	for _, sub := range b.subs {
		sub.Cancel()
	}
	for _, t := range b.topicHandles {
		t.Close()
	}
}

func (b *Broadcast) readLoop(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(b.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == b.self {
			continue
		}
		if !b.markSeen(msg.ID) {
			continue
		}
		m := Message{Topic: topic, From: msg.ReceivedFrom, Data: msg.Data}
		select {
		case b.incoming <- m:
		case <-b.ctx.Done():
			return
		default:
			klog.Broadcast.Warn().Str("topic", topic).Msg("incoming channel full, dropping message")
		}
	}
}

// markSeen returns true the first time id is observed within dedupTTL,
// and false on every subsequent observation — the dedup gate that makes
// "deliver at most once per (peer-application, topic)" hold regardless of
// how many neighbors re-gossip the same message.
func (b *Broadcast) markSeen(id string) bool {
	if _, ok := b.dedup.Get(id); ok {
		return false
	}
	b.dedup.Add(id, struct{}{})
	return true
}
