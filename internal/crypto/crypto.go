// Package crypto provides the node's cryptographic primitives: AEAD sealing
// for relay envelopes, Ed25519 signing/verification, and a cache of peers'
// Ed25519 public keys used to derive per-peer symmetric keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrUnknownRecipientKey is returned by Encrypt when the recipient's Ed25519
// public key has not been cached (no handshake has been observed with them).
var ErrUnknownRecipientKey = errors.New("crypto: recipient public key not cached")

// ErrDecryptionFailed is returned by Decrypt on AEAD tag mismatch.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// MaxPlaintextSize bounds plaintexts accepted by Encrypt.
const MaxPlaintextSize = 1 << 20 // 1 MiB

// hkdfSalt is the fixed HKDF salt for relay key derivation.
const hkdfSalt = "p2p-play/relay/v1"

// NonceSize is the ChaCha20-Poly1305 nonce length.
const NonceSize = chacha20poly1305.NonceSize

// KeyCache caches peers' Ed25519 public keys, observed during handshakes or
// request/response exchanges. It is safe for concurrent use; the event loop
// and worker tasks both query it.
type KeyCache struct {
	mu   sync.RWMutex
	keys map[peer.ID]ed25519.PublicKey
}

// NewKeyCache creates an empty key cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[peer.ID]ed25519.PublicKey)}
}

// Put records a peer's Ed25519 public key.
func (c *KeyCache) Put(id peer.ID, pub ed25519.PublicKey) {
	cp := make(ed25519.PublicKey, len(pub))
	copy(cp, pub)
	c.mu.Lock()
	c.keys[id] = cp
	c.mu.Unlock()
}

// Get returns a peer's cached Ed25519 public key, if any.
func (c *KeyCache) Get(id peer.ID) (ed25519.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pub, ok := c.keys[id]
	return pub, ok
}

// Delete forgets a peer's cached public key.
func (c *KeyCache) Delete(id peer.ID) {
	c.mu.Lock()
	delete(c.keys, id)
	c.mu.Unlock()
}

// PublicKeyFromPeerID extracts the Ed25519 public key embedded in a peer
// ID. Ed25519 keys are small enough that libp2p encodes them directly into
// the identity-hash peer ID rather than hashing them away, so the key
// never needs to be learned out of band: it can be unpacked from the peer
// ID the Noise handshake already authenticated.
func PublicKeyFromPeerID(id peer.ID) (ed25519.PublicKey, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: extract public key from peer id: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrap public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: peer id public key has unexpected length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Crypto performs the node's cryptographic operations: relay envelope
// sealing/opening (ChaCha20-Poly1305 keyed via HKDF-SHA256 over an X25519
// shared secret converted from Ed25519 keys) and Ed25519 signing/verification.
type Crypto struct {
	self  peer.ID
	priv  ed25519.PrivateKey
	cache *KeyCache
}

// New creates a Crypto instance for the local node.
func New(self peer.ID, priv ed25519.PrivateKey, cache *KeyCache) *Crypto {
	return &Crypto{self: self, priv: priv, cache: cache}
}

// Sign produces an Ed25519 signature over message.
func (c *Crypto) Sign(message []byte) []byte {
	return ed25519.Sign(c.priv, message)
}

// Verify checks an Ed25519 signature from peerID against message. Returns
// false (never panics) if the peer's public key is not cached or the
// signature does not verify.
func (c *Crypto) Verify(message, sig []byte, peerID peer.ID) bool {
	pub, ok := c.cache.Get(peerID)
	if !ok {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// Encrypt seals plaintext for recipient using a key derived from the X25519
// conversion of both parties' Ed25519 keys. Fails with ErrUnknownRecipientKey
// if the recipient's public key has not been cached.
func (c *Crypto) Encrypt(plaintext []byte, recipient peer.ID) (ciphertext, nonce []byte, err error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, nil, fmt.Errorf("crypto: plaintext exceeds %d bytes", MaxPlaintextSize)
	}
	recipientPub, ok := c.cache.Get(recipient)
	if !ok {
		return nil, nil, ErrUnknownRecipientKey
	}

	key, err := c.deriveKey(recipientPub, c.self, recipient)
	if err != nil {
		return nil, nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: init aead: %w", err)
	}

	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens a ciphertext sealed by sender via Encrypt. Fails with
// ErrUnknownRecipientKey if the sender's public key is not cached, or
// ErrDecryptionFailed on AEAD tag mismatch.
func (c *Crypto) Decrypt(ciphertext, nonce []byte, sender peer.ID) ([]byte, error) {
	senderPub, ok := c.cache.Get(sender)
	if !ok {
		return nil, ErrUnknownRecipientKey
	}

	key, err := c.deriveKey(senderPub, sender, c.self)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// deriveKey computes the ChaCha20-Poly1305 key shared between the local
// node and otherPub, scoped to the (sender, recipient) pair named by
// senderID/recipientID so the derived key is meaningless outside this
// specific direct-message exchange.
func (c *Crypto) deriveKey(otherPub ed25519.PublicKey, senderID, recipientID peer.ID) ([]byte, error) {
	localX := edPrivateToX25519(c.priv)
	defer zero(localX)

	otherX, err := edPublicToX25519(otherPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: convert peer key: %w", err)
	}

	ikm, err := curve25519.X25519(localX, otherX)
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519: %w", err)
	}
	defer zero(ikm)

	info := make([]byte, 0, len(senderID)+len(recipientID))
	info = append(info, []byte(senderID)...)
	info = append(info, []byte(recipientID)...)

	hk := hkdf.New(sha256.New, ikm, []byte(hkdfSalt), info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}

// zero overwrites a sensitive byte buffer before it is released.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
