package script

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// PayToPubKeyHash returns OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY OP_CHECKSIG.
// It is also the BIP-143 scriptCode of a P2WPKH input.
func PayToPubKeyHash(hash160 []byte) ([]byte, error) {
	return NewBuilder().
		Ops(txscript.OP_DUP, txscript.OP_HASH160).
		Data(hash160).
		Ops(txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG).
		Script()
}

// PayToScriptHash returns OP_HASH160 <hash160(redeem)> OP_EQUAL.
func PayToScriptHash(redeemScript []byte) ([]byte, error) {
	return NewBuilder().
		Op(txscript.OP_HASH160).
		Data(btcutil.Hash160(redeemScript)).
		Op(txscript.OP_EQUAL).
		Script()
}

// PayToWitnessPubKeyHash returns OP_0 <hash160>.
func PayToWitnessPubKeyHash(hash160 []byte) ([]byte, error) {
	return NewBuilder().Op(txscript.OP_0).Data(hash160).Script()
}

// PayToWitnessScriptHash returns OP_0 <sha256(witnessScript)>.
func PayToWitnessScriptHash(witnessScript []byte) ([]byte, error) {
	h := sha256.Sum256(witnessScript)
	return NewBuilder().Op(txscript.OP_0).Data(h[:]).Script()
}

// PayToTaproot returns OP_1 <xonly output key>.
func PayToTaproot(outputKey []byte) ([]byte, error) {
	return NewBuilder().Op(txscript.OP_1).Data(outputKey).Script()
}

// Class is the output type a scriptPubKey pays to.
type Class int

const (
	NonStandard Class = iota
	PubKeyHash
	ScriptHash
	WitnessV0PubKeyHash
	WitnessV0ScriptHash
	WitnessV1Taproot
)

func (c Class) String() string {
	switch c {
	case PubKeyHash:
		return "p2pkh"
	case ScriptHash:
		return "p2sh"
	case WitnessV0PubKeyHash:
		return "p2wpkh"
	case WitnessV0ScriptHash:
		return "p2wsh"
	case WitnessV1Taproot:
		return "p2tr"
	default:
		return "nonstandard"
	}
}

// IsWitness reports whether spends of this class carry a witness.
func (c Class) IsWitness() bool {
	return c == WitnessV0PubKeyHash || c == WitnessV0ScriptHash || c == WitnessV1Taproot
}

// Classify identifies the output type of pkScript.
func Classify(pkScript []byte) Class {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return PubKeyHash
	case txscript.ScriptHashTy:
		return ScriptHash
	case txscript.WitnessV0PubKeyHashTy:
		return WitnessV0PubKeyHash
	case txscript.WitnessV0ScriptHashTy:
		return WitnessV0ScriptHash
	case txscript.WitnessV1TaprootTy:
		return WitnessV1Taproot
	default:
		return NonStandard
	}
}
