package relay

import (
	"crypto/ed25519"
	"testing"
	"time"

	lp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/inkmesh/node/internal/crypto"
	"github.com/inkmesh/node/internal/ratelimit"
	"github.com/inkmesh/node/internal/wire"
)

type testNode struct {
	id     peer.ID
	crypto *crypto.Crypto
}

func newTestNode(t *testing.T, cache *crypto.KeyCache) testNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	lp2pPub, err := lp2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		t.Fatalf("unmarshal libp2p public key: %v", err)
	}
	id, err := peer.IDFromPublicKey(lp2pPub)
	if err != nil {
		t.Fatalf("derive peer id: %v", err)
	}
	cache.Put(id, pub)
	return testNode{id: id, crypto: crypto.New(id, priv, cache)}
}

func newTestRelay(self testNode, maxHops uint8, forward bool) *Relay {
	return New(self.id, self.crypto, maxHops, forward, ratelimit.New(10))
}

func TestSealAndReceiveDelivery(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	targetRelay := newTestRelay(target, 3, true)

	dm := wire.DirectMessage{
		FromPeerID: sender.id,
		FromName:   "alice",
		ToName:     "bob",
		Message:    "hello",
		Timestamp:  time.Now().Unix(),
	}

	now := time.Now()
	env, err := senderRelay.Seal(dm, target.id, now)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	outcome, decoded, _ := targetRelay.Receive(env, now)
	if outcome != OutcomeDelivered {
		t.Fatalf("outcome = %v, want OutcomeDelivered", outcome)
	}
	if decoded.Message != "hello" {
		t.Errorf("decoded.Message = %q, want hello", decoded.Message)
	}
}

func TestReceiveDropsTamperedSignature(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	targetRelay := newTestRelay(target, 3, true)

	dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: time.Now().Unix()}
	now := time.Now()
	env, err := senderRelay.Seal(dm, target.id, now)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.Timestamp++ // altering any signed field must fail verification

	outcome, _, _ := targetRelay.Receive(env, now)
	if outcome != OutcomeDropped {
		t.Fatalf("outcome = %v, want OutcomeDropped", outcome)
	}
}

func TestReceiveDropsExpiredTimestamp(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	targetRelay := newTestRelay(target, 3, true)

	dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: time.Now().Unix()}
	sealedAt := time.Now().Add(-10 * time.Minute)
	env, err := senderRelay.Seal(dm, target.id, sealedAt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	outcome, _, _ := targetRelay.Receive(env, time.Now())
	if outcome != OutcomeDropped {
		t.Fatalf("outcome = %v, want OutcomeDropped for an envelope outside the replay window", outcome)
	}
}

func TestReceiveDropsDuplicateMessageID(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	targetRelay := newTestRelay(target, 3, true)

	dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: time.Now().Unix()}
	now := time.Now()
	env, err := senderRelay.Seal(dm, target.id, now)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if outcome, _, _ := targetRelay.Receive(env, now); outcome != OutcomeDelivered {
		t.Fatalf("first receive outcome = %v, want OutcomeDelivered", outcome)
	}
	if outcome, _, _ := targetRelay.Receive(env, now); outcome != OutcomeDropped {
		t.Fatalf("second receive of the same message_id outcome = %v, want OutcomeDropped", outcome)
	}
}

func TestReceiveForwardsForThirdParty(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	relayNode := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	relayRelay := newTestRelay(relayNode, 3, true)

	dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: time.Now().Unix()}
	now := time.Now()
	env, err := senderRelay.Seal(dm, target.id, now)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	outcome, _, fwd := relayRelay.Receive(env, now)
	if outcome != OutcomeForward {
		t.Fatalf("outcome = %v, want OutcomeForward", outcome)
	}
	if fwd.HopCount != 1 {
		t.Errorf("fwd.HopCount = %d, want 1", fwd.HopCount)
	}
	if fwd.MessageID != env.MessageID {
		t.Errorf("fwd.MessageID changed on forward, must stay stable for dedup")
	}
}

func TestReceiveVerifiesAcrossMultipleForwardingHops(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	relayA := newTestNode(t, cache)
	relayB := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	relayARelay := newTestRelay(relayA, 3, true)
	relayBRelay := newTestRelay(relayB, 3, true)
	targetRelay := newTestRelay(target, 3, true)

	dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: time.Now().Unix()}
	now := time.Now()
	env, err := senderRelay.Seal(dm, target.id, now)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	outcome, _, fwd1 := relayARelay.Receive(env, now)
	if outcome != OutcomeForward {
		t.Fatalf("first hop outcome = %v, want OutcomeForward", outcome)
	}
	if fwd1.HopCount != 1 {
		t.Fatalf("fwd1.HopCount = %d, want 1", fwd1.HopCount)
	}

	outcome, _, fwd2 := relayBRelay.Receive(fwd1, now)
	if outcome != OutcomeForward {
		t.Fatalf("second hop outcome = %v, want OutcomeForward; a HopCount increment must not invalidate the original signature", outcome)
	}
	if fwd2.HopCount != 2 {
		t.Fatalf("fwd2.HopCount = %d, want 2", fwd2.HopCount)
	}

	outcome, decoded, _ := targetRelay.Receive(fwd2, now)
	if outcome != OutcomeDelivered {
		t.Fatalf("final hop outcome = %v, want OutcomeDelivered", outcome)
	}
	if decoded.Message != "hello" {
		t.Errorf("decoded.Message = %q, want hello", decoded.Message)
	}
}

func TestReceiveDropsAtMaxHops(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	relayNode := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 1, true)
	relayRelay := newTestRelay(relayNode, 1, true)

	dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: time.Now().Unix()}
	now := time.Now()
	env, err := senderRelay.Seal(dm, target.id, now)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.HopCount = 1 // already at MaxHops for this relay's config

	outcome, _, _ := relayRelay.Receive(env, now)
	if outcome != OutcomeDropped {
		t.Fatalf("outcome = %v, want OutcomeDropped at hop_count >= max_hops", outcome)
	}
}

func TestReceiveDropsWhenForwardingDisabled(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	relayNode := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	relayRelay := newTestRelay(relayNode, 3, false)

	dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: time.Now().Unix()}
	now := time.Now()
	env, err := senderRelay.Seal(dm, target.id, now)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	outcome, _, _ := relayRelay.Receive(env, now)
	if outcome != OutcomeDropped {
		t.Fatalf("outcome = %v, want OutcomeDropped when forwarding is disabled", outcome)
	}
}

func TestReceiveDropsOverRateLimit(t *testing.T) {
	cache := crypto.NewKeyCache()
	sender := newTestNode(t, cache)
	relayNode := newTestNode(t, cache)
	target := newTestNode(t, cache)

	senderRelay := newTestRelay(sender, 3, true)
	relayRelay := New(relayNode.id, relayNode.crypto, 3, true, ratelimit.New(1))

	now := time.Now()
	for i := 0; i < 2; i++ {
		dm := wire.DirectMessage{FromPeerID: sender.id, ToName: "bob", Message: "hello", Timestamp: now.Unix()}
		env, err := senderRelay.Seal(dm, target.id, now)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		outcome, _, _ := relayRelay.Receive(env, now)
		if i == 0 && outcome != OutcomeForward {
			t.Fatalf("first envelope from sender should forward, got %v", outcome)
		}
		if i == 1 && outcome != OutcomeDropped {
			t.Fatalf("second envelope from sender within the rate window should be dropped, got %v", outcome)
		}
	}
}
