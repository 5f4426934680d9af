// Package relay implements the encrypted store-and-forward delivery path
// for direct messages: sealing a DirectMessage into a signed RelayEnvelope
// when the target isn't directly connected, and verifying, deduplicating,
// and selectively re-forwarding envelopes received over the relay topic.
package relay

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/inkmesh/node/internal/crypto"
	klog "github.com/inkmesh/node/internal/log"
	"github.com/inkmesh/node/internal/ratelimit"
	"github.com/inkmesh/node/internal/wire"
)

// ReplayWindow bounds how old an envelope's timestamp may be, and sizes
// the recent-envelope dedup cache's TTL.
const ReplayWindow = 5 * time.Minute

// futureSkew is how far into the future an envelope's timestamp may sit,
// tolerating modest clock drift between sender and verifier.
const futureSkew = 30 * time.Second

// recentEnvelopeCapacity bounds the recent-envelope dedup set.
const recentEnvelopeCapacity = 10000

// Outcome classifies what Receive did with an inbound envelope.
type Outcome int

const (
	// OutcomeDropped means the envelope failed verification or was a
	// duplicate/expired and must not be acted on further.
	OutcomeDropped Outcome = iota
	// OutcomeDelivered means the envelope targeted this node and was
	// decrypted into a DirectMessage.
	OutcomeDelivered
	// OutcomeForward means the envelope targets another peer and should
	// be re-broadcast with HopCount incremented.
	OutcomeForward
)

// Relay builds outbound envelopes and processes inbound ones.
type Relay struct {
	self     peer.ID
	crypto   *crypto.Crypto
	maxHops  uint8
	forward  bool
	limiter  *ratelimit.Limiter
	seen     *lru.LRU[string, struct{}]
}

// New creates a Relay for the local node. maxHops and allowForwarding come
// from RelayConfig; limiter enforces the per-sender forwarding rate.
func New(self peer.ID, c *crypto.Crypto, maxHops uint8, allowForwarding bool, limiter *ratelimit.Limiter) *Relay {
	return &Relay{
		self:    self,
		crypto:  c,
		maxHops: maxHops,
		forward: allowForwarding,
		limiter: limiter,
		seen:    lru.NewLRU[string, struct{}](recentEnvelopeCapacity, nil, ReplayWindow),
	}
}

// Seal builds a signed, encrypted RelayEnvelope carrying dm, addressed to
// target. Fails with crypto.ErrUnknownRecipientKey if target's public key
// hasn't been observed yet.
func (r *Relay) Seal(dm wire.DirectMessage, target peer.ID, now time.Time) (wire.RelayEnvelope, error) {
	plaintext, err := marshalDirectMessage(dm)
	if err != nil {
		return wire.RelayEnvelope{}, fmt.Errorf("relay: marshal direct message: %w", err)
	}

	ciphertext, nonce, err := r.crypto.Encrypt(plaintext, target)
	if err != nil {
		return wire.RelayEnvelope{}, fmt.Errorf("relay: encrypt: %w", err)
	}

	env := wire.RelayEnvelope{
		MessageID:  uuid.NewString(),
		Sender:     r.self,
		Target:     target,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Timestamp:  now.Unix(),
		HopCount:   0,
	}
	env.Signature = r.crypto.Sign(env.SignedFields())
	return env, nil
}

// Receive validates an inbound envelope and classifies it. On
// OutcomeDelivered, dm is the decrypted message. On OutcomeForward, fwd is
// the envelope to re-broadcast (HopCount incremented). now should be the
// time the envelope arrived.
func (r *Relay) Receive(env wire.RelayEnvelope, now time.Time) (outcome Outcome, dm wire.DirectMessage, fwd wire.RelayEnvelope) {
	if !r.crypto.Verify(env.SignedFields(), env.Signature, env.Sender) {
		klog.Relay.Debug().Str("sender", env.Sender.String()).Msg("relay envelope failed signature verification")
		return OutcomeDropped, wire.DirectMessage{}, wire.RelayEnvelope{}
	}

	age := now.Sub(time.Unix(env.Timestamp, 0))
	if age > ReplayWindow || age < -futureSkew {
		klog.Relay.Debug().Str("message_id", env.MessageID).Msg("relay envelope outside the replay window")
		return OutcomeDropped, wire.DirectMessage{}, wire.RelayEnvelope{}
	}

	if _, dup := r.seen.Get(env.MessageID); dup {
		return OutcomeDropped, wire.DirectMessage{}, wire.RelayEnvelope{}
	}
	r.seen.Add(env.MessageID, struct{}{})

	if env.Target == r.self {
		plaintext, err := r.crypto.Decrypt(env.Ciphertext, env.Nonce, env.Sender)
		if err != nil {
			klog.Relay.Warn().Err(err).Str("sender", env.Sender.String()).Msg("relay envelope decryption failed")
			return OutcomeDropped, wire.DirectMessage{}, wire.RelayEnvelope{}
		}
		decoded, err := unmarshalDirectMessage(plaintext)
		if err != nil {
			klog.Relay.Warn().Err(err).Msg("relay envelope plaintext is not a valid direct message")
			return OutcomeDropped, wire.DirectMessage{}, wire.RelayEnvelope{}
		}
		return OutcomeDelivered, decoded, wire.RelayEnvelope{}
	}

	if !r.forward || env.HopCount >= r.maxHops {
		return OutcomeDropped, wire.DirectMessage{}, wire.RelayEnvelope{}
	}
	if !r.limiter.Allow(env.Sender, now) {
		klog.Relay.Debug().Str("sender", env.Sender.String()).Msg("relay envelope dropped, sender over rate limit")
		return OutcomeDropped, wire.DirectMessage{}, wire.RelayEnvelope{}
	}

	next := env
	next.HopCount++
	return OutcomeForward, wire.DirectMessage{}, next
}

// GC prunes the per-sender rate limiter's stale entries. The envelope dedup
// cache needs no equivalent call: its LRU already expires entries by TTL.
func (r *Relay) GC(now time.Time) {
	r.limiter.GC(now)
}
