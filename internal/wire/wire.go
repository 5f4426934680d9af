// Package wire defines the JSON-serializable data model shared across the
// broadcast, request/response, and relay protocols, plus the boundary
// validation rules from the host-facing API.
package wire

import (
	"fmt"
	"regexp"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Length limits from the data model.
const (
	MaxAliasLen       = 30
	MaxChannelNameLen = 50
	MaxStoryNameLen   = 100
	MaxStoryHeaderLen = 200
	MaxStoryBodyLen   = 10000
	MaxDMMessageLen   = 1000
	MaxDescriptionLen = 1024
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,30}$`)
var channelPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,50}$`)

// DefaultChannel is the channel every node subscribes to at first start.
const DefaultChannel = "general"

// Story is an immutable, user-authored piece of content bound to a channel.
// (origin_peer_id, ID) is globally unique; ID alone is node-local.
type Story struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Header    string `json:"header"`
	Body      string `json:"body"`
	Public    bool   `json:"public"`
	Channel   string `json:"channel"`
	CreatedAt int64  `json:"created_at"`
}

// PublishedStory is the wire form of a Story used for broadcast and sync.
type PublishedStory struct {
	Story     Story   `json:"story"`
	Publisher peer.ID `json:"publisher"`
}

// Channel is a named topical grouping of stories.
type Channel struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Creator     peer.ID `json:"creator"`
	CreatedAt   int64   `json:"created_at"`
}

// PublishedChannel is the wire form of a Channel used for broadcast.
type PublishedChannel struct {
	Channel   Channel `json:"channel"`
	Publisher peer.ID `json:"publisher"`
}

// Subscription records when the local node subscribed to a channel.
type Subscription struct {
	Channel       string `json:"channel"`
	SubscribedAt  int64  `json:"subscribed_at"`
}

// DirectMessage is a point-to-point text message addressed by recipient alias.
type DirectMessage struct {
	FromPeerID peer.ID `json:"from_peer_id"`
	FromName   string  `json:"from_name"`
	ToName     string  `json:"to_name"`
	Message    string  `json:"message"`
	Timestamp  int64   `json:"timestamp"`
}

// AliasAnnouncement is carried on the channels topic alongside
// PublishedChannel, tagged by Kind so receivers can distinguish the two
// without adding a fourth GossipSub topic.
type AliasAnnouncement struct {
	Peer      peer.ID `json:"peer"`
	Alias     string  `json:"alias"`
	Timestamp int64   `json:"timestamp"`
}

// MaxHops bounds how many times a RelayEnvelope may be forwarded.
const MaxHops = 3

// RelayEnvelope is an encrypted, signed carrier for a DirectMessage
// forwarded through intermediaries when the target isn't directly
// connected. Signature covers Sender||Target||Ciphertext||Nonce||
// Timestamp; forwarders may only ever change HopCount, so it is never
// part of the signed payload and verifiers treat it as unauthenticated
// metadata; every other field survives every hop unchanged.
type RelayEnvelope struct {
	MessageID  string  `json:"message_id"`
	Sender     peer.ID `json:"sender"`
	Target     peer.ID `json:"target"`
	Ciphertext []byte  `json:"ciphertext"`
	Nonce      []byte  `json:"nonce"`
	Signature  []byte  `json:"signature"`
	Timestamp  int64   `json:"timestamp"`
	HopCount   uint8   `json:"hop_count"`
}

// SignedFields returns the byte sequence RelayEnvelope's signature covers.
// HopCount is deliberately excluded: it changes at every forwarding hop
// and including it would invalidate the original sender's signature
// after the first relay.
func (e RelayEnvelope) SignedFields() []byte {
	buf := make([]byte, 0, len(e.Sender)+len(e.Target)+len(e.Ciphertext)+len(e.Nonce)+8)
	buf = append(buf, []byte(e.Sender)...)
	buf = append(buf, []byte(e.Target)...)
	buf = append(buf, e.Ciphertext...)
	buf = append(buf, e.Nonce...)
	buf = appendInt64(buf, e.Timestamp)
	return buf
}

func appendInt64(buf []byte, v int64) []byte {
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

// ChannelsTopicMessage tags what kind of payload rides the channels topic.
type ChannelsTopicMessage struct {
	Kind      string            `json:"kind"` // "channel" or "alias"
	Channel   *PublishedChannel `json:"channel,omitempty"`
	Alias     *AliasAnnouncement `json:"alias,omitempty"`
}

// ValidateAlias enforces the alias charset and length rule: [A-Za-z0-9._-]{1,30}.
func ValidateAlias(alias string) error {
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("wire: alias %q must match [A-Za-z0-9._-]{1,30}", alias)
	}
	return nil
}

// ValidateChannelName enforces the channel charset and length rule.
func ValidateChannelName(name string) error {
	if !channelPattern.MatchString(name) {
		return fmt.Errorf("wire: channel name %q must match [A-Za-z0-9._-]{1,50}", name)
	}
	return nil
}

// ValidateStory checks the length invariants from the data model.
func ValidateStory(s Story) error {
	if len(s.Name) > MaxStoryNameLen {
		return fmt.Errorf("wire: story name exceeds %d bytes", MaxStoryNameLen)
	}
	if len(s.Header) > MaxStoryHeaderLen {
		return fmt.Errorf("wire: story header exceeds %d bytes", MaxStoryHeaderLen)
	}
	if len(s.Body) > MaxStoryBodyLen {
		return fmt.Errorf("wire: story body exceeds %d bytes", MaxStoryBodyLen)
	}
	return ValidateChannelName(s.Channel)
}

// ValidateDirectMessage checks the direct message body length limit.
func ValidateDirectMessage(body string) error {
	if len(body) > MaxDMMessageLen {
		return fmt.Errorf("wire: direct message exceeds %d bytes", MaxDMMessageLen)
	}
	return nil
}
