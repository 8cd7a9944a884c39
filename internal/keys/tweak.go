package keys

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrInvalidTweak = errors.New("tweak produced an invalid key")

// TapTweakHash returns TaggedHash("TapTweak", internal || merkleRoot). An
// empty merkleRoot means the output commits to no script tree.
func TapTweakHash(internal XOnly, merkleRoot []byte) *chainhash.Hash {
	return chainhash.TaggedHash(chainhash.TagTapTweak, internal[:], merkleRoot)
}

// TapTweak returns the BIP-341 tweaked secret d' = d + t (mod n), where d is
// negated first when the internal public key has odd Y so that the x-only
// internal key corresponds to d.
func (k *PrivateKey) TapTweak(merkleRoot []byte) (*PrivateKey, error) {
	if k == nil || k.key == nil {
		return nil, ErrNilKey
	}

	d := k.key.Key
	pub := k.key.PubKey()
	if pub.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		d.Negate()
	}

	internal, _ := k.PubKey().XOnly()
	tweakHash := TapTweakHash(internal, merkleRoot)

	var t secp256k1.ModNScalar
	if overflow := t.SetBytes((*[32]byte)(tweakHash)); overflow != 0 {
		return nil, ErrInvalidTweak
	}
	d.Add(&t)
	if d.IsZero() {
		return nil, ErrInvalidTweak
	}

	return fromBTCEC(secp256k1.NewPrivateKey(&d)), nil
}

// TweakPublic computes the output key Q = P + t·G where P is internal lifted
// to even Y. Parity is 1 when Q has odd Y.
func TweakPublic(internal XOnly, merkleRoot []byte) (XOnly, byte, error) {
	var out XOnly
	p, err := schnorr.ParsePubKey(internal[:])
	if err != nil {
		return out, 0, err
	}

	var t secp256k1.ModNScalar
	if overflow := t.SetBytes((*[32]byte)(TapTweakHash(internal, merkleRoot))); overflow != 0 {
		return out, 0, ErrInvalidTweak
	}

	var pj, tg, q secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	secp256k1.ScalarBaseMultNonConst(&t, &tg)
	secp256k1.AddNonConst(&pj, &tg, &q)
	if (q.X.IsZero() && q.Y.IsZero()) || q.Z.IsZero() {
		return out, 0, ErrInvalidTweak
	}
	q.ToAffine()

	out, parity := fromBTCECPub(secp256k1.NewPublicKey(&q.X, &q.Y)).XOnly()
	return out, parity, nil
}
