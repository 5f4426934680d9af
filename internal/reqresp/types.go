package reqresp

import (
	"github.com/inkmesh/node/internal/wire"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Protocol IDs for the three request/response exchanges.
const (
	ProtoDirectMessage   = protocol.ID("/inkmesh/dm/1.0.0")
	ProtoNodeDescription = protocol.ID("/inkmesh/nodedesc/1.0.0")
	ProtoStorySync       = protocol.ID("/inkmesh/storysync/1.0.0")
)

// DM delivery outcomes.
const (
	StatusDelivered = "delivered"
	StatusRejected  = "rejected"
)

// DirectMessageRequest carries a point-to-point message addressed by
// recipient alias. The wire shape matches wire.DirectMessage exactly.
type DirectMessageRequest = wire.DirectMessage

// DirectMessageResponse reports whether the recipient accepted the message.
type DirectMessageResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// NodeDescriptionRequest is empty — the stream itself is the request.
type NodeDescriptionRequest struct{}

// NodeDescriptionResponse carries the peer's optional description text.
type NodeDescriptionResponse struct {
	Set         bool   `json:"set"`
	Description string `json:"description,omitempty"`
}

// StorySyncRequest asks a peer for stories in the given channels created
// after LastSyncTimestamp.
type StorySyncRequest struct {
	Channels          []string `json:"channels"`
	LastSyncTimestamp int64    `json:"last_sync_timestamp"`
}

// StorySyncResponse carries the matching stories, already filtered
// server-side by the requester's channel list.
type StorySyncResponse struct {
	Stories []wire.PublishedStory `json:"stories"`
}
