package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

var (
	ErrKeyAggregationFailed = errors.New("key aggregation failed")
	ErrNotEnoughSigners     = errors.New("musig2 needs at least two signers")
)

// AggregateXOnly aggregates public keys with MuSig2 KeyAgg (keys sorted) and
// returns the untweaked aggregate as an x-only key, suitable as a Taproot
// internal key.
func AggregateXOnly(pubs ...*PublicKey) (XOnly, error) {
	var out XOnly
	if len(pubs) < 2 {
		return out, ErrNotEnoughSigners
	}

	aggKey, _, _, err := musig2.AggregateKeys(btcecPubs(pubs), true)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrKeyAggregationFailed, err)
	}
	out, _ = fromBTCECPub(aggKey.PreTweakedKey).XOnly()
	return out, nil
}

// MuSig2Sign runs a complete MuSig2 round with every signer held locally and
// returns the final 64-byte Schnorr signature for the Taproot output key
// committing to merkleRoot (nil for a key-only output).
func MuSig2Sign(signers []*PrivateKey, merkleRoot []byte, digest []byte) ([]byte, error) {
	if len(signers) < 2 {
		return nil, ErrNotEnoughSigners
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest))
	}

	pubs := make([]*PublicKey, len(signers))
	for i, s := range signers {
		pubs[i] = s.PubKey()
	}
	allPubs := btcecPubs(pubs)

	tweak := musig2.WithBip86TweakCtx()
	if len(merkleRoot) > 0 {
		tweak = musig2.WithTaprootTweakCtx(merkleRoot)
	}

	sessions := make([]*musig2.Session, len(signers))
	for i, s := range signers {
		ctx, err := musig2.NewContext(s.key, true, musig2.WithKnownSigners(allPubs), tweak)
		if err != nil {
			return nil, fmt.Errorf("failed to create context: %w", err)
		}
		session, err := ctx.NewSession()
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		sessions[i] = session
	}

	// Exchange nonces between all local sessions.
	for i, s := range sessions {
		for j, other := range sessions {
			if i == j {
				continue
			}
			if _, err := s.RegisterPubNonce(other.PublicNonce()); err != nil {
				return nil, fmt.Errorf("failed to register nonce: %w", err)
			}
		}
	}

	var msg [32]byte
	copy(msg[:], digest)

	partials := make([]*musig2.PartialSignature, len(sessions))
	for i, s := range sessions {
		sig, err := s.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("partial sign %d: %w", i, err)
		}
		partials[i] = sig
	}

	combiner := sessions[0]
	var haveFinal bool
	for _, sig := range partials[1:] {
		ok, err := combiner.CombineSig(sig)
		if err != nil {
			return nil, fmt.Errorf("failed to combine signatures: %w", err)
		}
		haveFinal = ok
	}
	if !haveFinal {
		return nil, errors.New("not enough signatures to finalize")
	}

	return combiner.FinalSig().Serialize(), nil
}

func btcecPubs(pubs []*PublicKey) []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(pubs))
	for i, p := range pubs {
		out[i] = p.key
	}
	return out
}
