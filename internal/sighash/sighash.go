// Package sighash computes signature digests for legacy, segwit v0 and
// Taproot inputs behind a single Digest call.
package sighash

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// Sighash flags supported by the engine.
const (
	SigHashAll     = txscript.SigHashAll
	SigHashDefault = txscript.SigHashDefault
)

// Mode selects the digest algorithm for one input.
type Mode interface {
	mode()
}

// Legacy is the pre-segwit digest over Subscript (the redeem script for
// P2SH, the scriptPubKey for P2PKH).
type Legacy struct {
	Subscript []byte
}

// SegwitV0 is the BIP-143 digest. ScriptCode is the witness script for
// P2WSH or the P2PKH template for P2WPKH.
type SegwitV0 struct {
	ScriptCode []byte
}

// TaprootKey is the BIP-341 key-path digest.
type TaprootKey struct{}

// TaprootScript is the BIP-342 script-path digest for Leaf.
type TaprootScript struct {
	Leaf txscript.TapLeaf
}

func (Legacy) mode()        {}
func (SegwitV0) mode()      {}
func (TaprootKey) mode()    {}
func (TaprootScript) mode() {}

func (m Legacy) String() string        { return "legacy" }
func (m SegwitV0) String() string      { return "segwit-v0" }
func (m TaprootKey) String() string    { return "taproot-key" }
func (m TaprootScript) String() string { return "taproot-script" }

// Engine computes digests for every input of one transaction. Midstate
// hashes are computed once and shared between inputs.
type Engine struct {
	tx       *wire.MsgTx
	prevouts []*wire.TxOut
	fetcher  *txscript.MultiPrevOutFetcher
	hashes   *txscript.TxSigHashes
}

// NewEngine binds tx to the outputs its inputs spend. prevouts[i] must be the
// output spent by tx.TxIn[i]; Taproot digests commit to all of them.
func NewEngine(tx *wire.MsgTx, prevouts []*wire.TxOut) (*Engine, error) {
	if tx == nil {
		return nil, spenderr.New(spenderr.KindSighash, "nil transaction")
	}
	if len(prevouts) != len(tx.TxIn) {
		return nil, spenderr.New(spenderr.KindSighash, "have %d prevouts for %d inputs",
			len(prevouts), len(tx.TxIn))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(prevouts)))
	for i, in := range tx.TxIn {
		if prevouts[i] == nil {
			return nil, spenderr.New(spenderr.KindMissingPrevout, "input %d (%s)", i, in.PreviousOutPoint)
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, prevouts[i])
	}

	return &Engine{
		tx:       tx,
		prevouts: prevouts,
		fetcher:  fetcher,
		hashes:   txscript.NewTxSigHashes(tx, fetcher),
	}, nil
}

// Fetcher exposes the prevout set, as needed by txscript.NewEngine.
func (e *Engine) Fetcher() txscript.PrevOutputFetcher {
	return e.fetcher
}

// Hashes exposes the cached midstate hashes.
func (e *Engine) Hashes() *txscript.TxSigHashes {
	return e.hashes
}

// Digest returns the 32-byte digest input idx must sign under mode.
// Legacy and segwit v0 use SIGHASH_ALL, Taproot uses SIGHASH_DEFAULT.
func (e *Engine) Digest(idx int, mode Mode) ([]byte, error) {
	if idx < 0 || idx >= len(e.tx.TxIn) {
		return nil, spenderr.New(spenderr.KindSighash, "input index %d out of range", idx)
	}

	var (
		digest []byte
		err    error
	)
	switch m := mode.(type) {
	case Legacy:
		if len(m.Subscript) == 0 {
			return nil, spenderr.New(spenderr.KindSighash, "legacy digest needs a subscript")
		}
		digest, err = txscript.CalcSignatureHash(m.Subscript, SigHashAll, e.tx, idx)

	case SegwitV0:
		if len(m.ScriptCode) == 0 {
			return nil, spenderr.New(spenderr.KindSighash, "segwit digest needs a script code")
		}
		digest, err = txscript.CalcWitnessSigHash(m.ScriptCode, e.hashes, SigHashAll,
			e.tx, idx, e.prevouts[idx].Value)

	case TaprootKey:
		digest, err = txscript.CalcTaprootSignatureHash(e.hashes, SigHashDefault,
			e.tx, idx, e.fetcher)

	case TaprootScript:
		digest, err = txscript.CalcTapscriptSignaturehash(e.hashes, SigHashDefault,
			e.tx, idx, e.fetcher, m.Leaf)

	default:
		return nil, spenderr.New(spenderr.KindSighash, "unknown mode %T", mode)
	}
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindSighash, err, "input %d %v", idx, mode)
	}
	if len(digest) != 32 {
		return nil, spenderr.New(spenderr.KindSighash, "digest is %d bytes", len(digest))
	}
	return digest, nil
}

// AppendHashType appends the one-byte SIGHASH_ALL flag to a DER signature.
func AppendHashType(der []byte) []byte {
	return append(der, byte(SigHashAll))
}
