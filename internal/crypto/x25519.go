package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"math/big"
)

// curveP is the field modulus 2^255 - 19 shared by Curve25519 and Ed25519.
var curveP = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// edPrivateToX25519 derives an X25519 scalar from an Ed25519 private key.
// This is the standard libsodium-compatible conversion: the X25519 scalar
// is the clamped first half of SHA-512(seed), which is exactly how Ed25519
// itself expands its seed into a signing scalar.
func edPrivateToX25519(priv ed25519.PrivateKey) []byte {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	out := make([]byte, 32)
	copy(out, h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// edPublicToX25519 converts an Ed25519 public key (a twisted-Edwards point)
// to its Montgomery-curve u-coordinate via the standard birational map
// u = (1+y)/(1-y) mod p.
func edPublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: bad ed25519 public key length %d", len(pub))
	}

	// The encoded point is little-endian y with the sign of x in the top bit.
	yLE := make([]byte, 32)
	copy(yLE, pub)
	yLE[31] &= 0x7f

	y := new(big.Int).SetBytes(reversed(yLE))

	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, curveP)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, curveP)

	denInv := new(big.Int).ModInverse(den, curveP)
	if denInv == nil {
		return nil, fmt.Errorf("crypto: ed25519 public key is not convertible to x25519")
	}

	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, curveP)

	be := make([]byte, 32)
	u.FillBytes(be)
	return reversed(be), nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
