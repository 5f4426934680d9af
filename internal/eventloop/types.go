package eventloop

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/inkmesh/node/internal/bootstrap"
	"github.com/inkmesh/node/internal/wire"
)

// Command is a host-issued instruction accepted on the UI command channel,
// the event loop's highest-priority source.
type Command interface{ isCommand() }

// PublishCommand broadcasts payload on one of the three fixed topics.
type PublishCommand struct {
	Topic   string
	Payload []byte
}

// SendDirectCommand sends body to the peer known by alias ToAlias, via the
// relay fallback chain (§4.7).
type SendDirectCommand struct {
	ToAlias string
	Body    string
}

// RequestStoriesCommand issues a StorySyncRequest. A zero Peer means
// "every connected peer".
type RequestStoriesCommand struct {
	Peer     peer.ID
	Channels []string
}

// RequestDescriptionCommand issues a NodeDescriptionRequest to Peer.
type RequestDescriptionCommand struct {
	Peer peer.ID
}

// DialCommand attempts a direct connection to a multiaddress.
type DialCommand struct {
	Multiaddr string
}

// SetAliasCommand sets and broadcasts the local node's alias.
type SetAliasCommand struct {
	Alias string
}

// SetDescriptionCommand sets the local node's description, served to peers
// over NodeDescriptionRequest.
type SetDescriptionCommand struct {
	Description string
}

// SubscribeChannelCommand / UnsubscribeChannelCommand update local
// subscription state.
type SubscribeChannelCommand struct{ Channel string }
type UnsubscribeChannelCommand struct{ Channel string }

// ReloadConfigCommand is accepted and logged. The loop does not re-read
// the configuration file; the configuration it was built with stays in use.
type ReloadConfigCommand struct{}

// ShutdownCommand begins graceful shutdown.
type ShutdownCommand struct{}

func (PublishCommand) isCommand()             {}
func (SendDirectCommand) isCommand()          {}
func (RequestStoriesCommand) isCommand()      {}
func (RequestDescriptionCommand) isCommand()  {}
func (DialCommand) isCommand()                {}
func (SetAliasCommand) isCommand()            {}
func (SetDescriptionCommand) isCommand()      {}
func (SubscribeChannelCommand) isCommand()    {}
func (UnsubscribeChannelCommand) isCommand()  {}
func (ReloadConfigCommand) isCommand()        {}
func (ShutdownCommand) isCommand()            {}

// Event is a core-emitted notification delivered to the host over the UI
// event channel.
type Event interface{ isEvent() }

type PeerDiscoveredEvent struct{ Peer peer.ID }
type PeerConnectedEvent struct{ Peer peer.ID }
type PeerDisconnectedEvent struct{ Peer peer.ID }
type StoryReceivedEvent struct {
	Story wire.PublishedStory
	From  peer.ID
}
type ChannelReceivedEvent struct {
	Channel wire.PublishedChannel
	From    peer.ID
}
type DirectMessageReceivedEvent struct{ DM wire.DirectMessage }
type DirectMessageDeliveredEvent struct{ ID string }
type DirectMessageFailedEvent struct {
	ID     string
	Reason string
}
type BootstrapStatusEvent struct {
	Status bootstrap.Status
	Reason string
}
type NetworkErrorEvent struct {
	Kind   string
	Detail string
}

func (PeerDiscoveredEvent) isEvent()        {}
func (PeerConnectedEvent) isEvent()         {}
func (PeerDisconnectedEvent) isEvent()      {}
func (StoryReceivedEvent) isEvent()         {}
func (ChannelReceivedEvent) isEvent()       {}
func (DirectMessageReceivedEvent) isEvent() {}
func (DirectMessageDeliveredEvent) isEvent() {}
func (DirectMessageFailedEvent) isEvent()   {}
func (BootstrapStatusEvent) isEvent()       {}
func (NetworkErrorEvent) isEvent()          {}
