// Package keys holds secp256k1 key material and the signing primitives the
// planner uses: RFC6979 ECDSA, BIP-340 Schnorr, BIP-341 key tweaking and
// MuSig2 aggregation. Nothing in this package performs I/O except the
// encrypted keystore.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/pkg/helpers"
)

var (
	ErrInvalidSecret = errors.New("secret key out of range")
	ErrInvalidPubKey = errors.New("invalid public key")
	ErrInvalidDigest = errors.New("digest must be 32 bytes")
	ErrNilKey        = errors.New("key not initialized")
)

// PrivateKey is a secp256k1 scalar in [1, n-1].
type PrivateKey struct {
	key *btcec.PrivateKey
}

// NewPrivateKey parses a 32-byte big-endian scalar.
func NewPrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSecret, len(b))
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return nil, ErrInvalidSecret
	}
	return fromBTCEC(secp256k1.NewPrivateKey(&s)), nil
}

// FromSeed returns the key whose 32 bytes all equal b. Test vectors and the
// regtest scenarios use these fixed keys.
func FromSeed(b byte) *PrivateKey {
	seed := helpers.RepeatByte(b)
	k, err := NewPrivateKey(seed[:])
	if err != nil {
		panic(fmt.Sprintf("keys: seed %d: %v", b, err))
	}
	return k
}

// Generate creates a random key.
func Generate() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return fromBTCEC(k), nil
}

func fromBTCEC(k *btcec.PrivateKey) *PrivateKey {
	return &PrivateKey{key: k}
}

// ParseWIF decodes a wallet import format string.
func ParseWIF(s string) (*PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(s)
	if err != nil {
		return nil, fmt.Errorf("invalid WIF: %w", err)
	}
	return fromBTCEC(wif.PrivKey), nil
}

// WIF encodes the key for the given network (compressed public key flag set).
func (k *PrivateKey) WIF(params *chain.Params) (string, error) {
	wif, err := btcutil.NewWIF(k.key, params.ChainCfg(), true)
	if err != nil {
		return "", err
	}
	return wif.String(), nil
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

// BTCEC exposes the underlying btcec key.
func (k *PrivateKey) BTCEC() *btcec.PrivateKey {
	return k.key
}

// PubKey derives the public key by scalar-base multiplication.
func (k *PrivateKey) PubKey() *PublicKey {
	return fromBTCECPub(k.key.PubKey())
}

// Zero clears the scalar.
func (k *PrivateKey) Zero() {
	if k != nil && k.key != nil {
		k.key.Zero()
	}
}

// PublicKey is a secp256k1 point, serialised in compressed SEC1 form.
type PublicKey struct {
	key *btcec.PublicKey
}

// ParsePublicKey accepts a 33-byte compressed key, a 65-byte uncompressed
// key, or a 32-byte x-only key (lifted to even Y).
func ParsePublicKey(b []byte) (*PublicKey, error) {
	var (
		pub *btcec.PublicKey
		err error
	)
	if len(b) == 32 {
		pub, err = schnorr.ParsePubKey(b)
	} else {
		pub, err = btcec.ParsePubKey(b)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return fromBTCECPub(pub), nil
}

// ParsePublicKeyHex is ParsePublicKey over a hex string.
func ParsePublicKeyHex(s string) (*PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return ParsePublicKey(b)
}

func fromBTCECPub(pub *btcec.PublicKey) *PublicKey {
	return &PublicKey{key: pub}
}

// BTCEC exposes the underlying btcec key.
func (p *PublicKey) BTCEC() *btcec.PublicKey {
	return p.key
}

// Compressed returns the 33-byte SEC1 encoding.
func (p *PublicKey) Compressed() []byte {
	return p.key.SerializeCompressed()
}

// Hash160 returns RIPEMD160(SHA256(compressed)).
func (p *PublicKey) Hash160() []byte {
	return btcutil.Hash160(p.Compressed())
}

// XOnly strips the sign byte. Parity is 1 when Y is odd.
func (p *PublicKey) XOnly() (XOnly, byte) {
	var x XOnly
	c := p.Compressed()
	copy(x[:], c[1:])
	return x, c[0] - 0x02
}

// Equal reports whether both keys are the same point.
func (p *PublicKey) Equal(o *PublicKey) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.key.IsEqual(o.key)
}

func (p *PublicKey) String() string {
	return hex.EncodeToString(p.Compressed())
}

// XOnly is a BIP-340 32-byte public key.
type XOnly [32]byte

// NUMS is the BIP-341 point H. Its x coordinate is the SHA-256 of the
// uncompressed generator, so no secret key for it is known. A Taproot
// output with NUMS as internal key can only be spent through a leaf.
var NUMS = mustXOnly("50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0")

func mustXOnly(s string) XOnly {
	x, err := ParseXOnly(helpers.MustHex(s))
	if err != nil {
		panic(err)
	}
	return x
}

// IsNUMS reports whether x is the unspendable key NUMS.
func (x XOnly) IsNUMS() bool {
	return x == NUMS
}

// ParseXOnly validates that b is the x coordinate of a curve point.
func ParseXOnly(b []byte) (XOnly, error) {
	var x XOnly
	if len(b) != 32 {
		return x, fmt.Errorf("%w: x-only key must be 32 bytes, got %d", ErrInvalidPubKey, len(b))
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return x, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	copy(x[:], b)
	return x, nil
}

// PubKey lifts the x-only key to the point with even Y.
func (x XOnly) PubKey() (*PublicKey, error) {
	pub, err := schnorr.ParsePubKey(x[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return fromBTCECPub(pub), nil
}

// Bytes returns a copy of the key as a slice.
func (x XOnly) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, x[:])
	return out
}

func (x XOnly) String() string {
	return hex.EncodeToString(x[:])
}
