package keys

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SignECDSA produces a low-S RFC6979 DER signature over digest. The sighash
// flag byte is not appended.
func (k *PrivateKey) SignECDSA(digest []byte) ([]byte, error) {
	if k == nil || k.key == nil {
		return nil, ErrNilKey
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest))
	}
	return ecdsa.Sign(k.key, digest).Serialize(), nil
}

// SignSchnorr produces a 64-byte BIP-340 signature. When aux is nil the nonce
// is derived deterministically from the key and digest.
func (k *PrivateKey) SignSchnorr(digest []byte, aux *[32]byte) ([]byte, error) {
	if k == nil || k.key == nil {
		return nil, ErrNilKey
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest))
	}

	var opts []schnorr.SignOption
	if aux != nil {
		opts = append(opts, schnorr.CustomNonce(*aux))
	}
	sig, err := schnorr.Sign(k.key, digest, opts...)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// VerifyECDSA checks a DER signature (without sighash byte).
func VerifyECDSA(pub *PublicKey, digest, der []byte) bool {
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub.key)
}

// VerifySchnorr checks a 64-byte BIP-340 signature against an x-only key.
func VerifySchnorr(x XOnly, digest, sig []byte) bool {
	pub, err := schnorr.ParsePubKey(x[:])
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest, pub)
}
