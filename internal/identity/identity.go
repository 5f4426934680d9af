// Package identity manages the node's persistent Ed25519 keypair and the
// stable PeerId derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	klog "github.com/inkmesh/node/internal/log"
	lp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

const keyFileName = "node.key"

// Identity is the node's persistent Ed25519 keypair and derived PeerId.
// It is immutable for the node's lifetime once loaded.
type Identity struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	peerID peer.ID
}

// Load loads the identity keypair from dataDir, generating and persisting
// a new one on first run. The on-disk write is atomic (write-temp-then-rename)
// so a crash mid-write can never leave a corrupt key file.
func Load(dataDir string) (*Identity, error) {
	logger := klog.WithComponent("identity")
	keyPath := filepath.Join(dataDir, keyFileName)

	if data, err := os.ReadFile(keyPath); err == nil {
		raw, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("node key has unexpected length %d", len(raw))
		}
		return fromPrivateKey(ed25519.PrivateKey(raw))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := persist(dataDir, keyPath, priv); err != nil {
		return nil, err
	}
	logger.Info().Msg("generated new node identity")
	return fromPrivateKey(priv)
}

func persist(dataDir, keyPath string, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := keyPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(priv)), 0600); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}
	if err := os.Rename(tmp, keyPath); err != nil {
		return fmt.Errorf("install node key: %w", err)
	}
	return nil
}

func fromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("derive public key: unexpected key type")
	}
	lp2pPub, err := lp2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("wrap public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(lp2pPub)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{priv: priv, pub: pub, peerID: id}, nil
}

// PeerID returns the node's stable, Ed25519-derived PeerId.
func (id *Identity) PeerID() peer.ID {
	return id.peerID
}

// PublicKey returns the node's Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

// PrivateKey returns the node's full Ed25519 private key (seed || public key).
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return id.priv
}

// Libp2pPrivKey returns the identity wrapped as a libp2p crypto.PrivKey,
// suitable for libp2p.Identity(...) when constructing the transport host.
func (id *Identity) Libp2pPrivKey() (lp2pcrypto.PrivKey, error) {
	return lp2pcrypto.UnmarshalEd25519PrivateKey(id.priv)
}
