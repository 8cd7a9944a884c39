package sighash

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/script"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/internal/taproot"
)

type fixture struct {
	tx       *wire.MsgTx
	prevouts []*wire.TxOut
	keys     []*keys.PrivateKey
	leaf     []byte
	tap      *taproot.SpendInfo
}

// newFixture builds a three-input transaction spending P2WPKH, P2PKH and a
// Taproot output with one checksig leaf.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{keys: []*keys.PrivateKey{keys.FromSeed(1), keys.FromSeed(2), keys.FromSeed(3)}}

	wpkh, err := script.PayToWitnessPubKeyHash(f.keys[0].PubKey().Hash160())
	require.NoError(t, err)
	pkh, err := script.PayToPubKeyHash(f.keys[1].PubKey().Hash160())
	require.NoError(t, err)

	x, _ := f.keys[2].PubKey().XOnly()
	f.leaf, err = txscript.NewScriptBuilder().AddData(x[:]).AddOp(txscript.OP_CHECKSIG).Script()
	require.NoError(t, err)
	f.tap, err = taproot.Build(x, taproot.Leaf(f.leaf))
	require.NoError(t, err)
	tr, err := f.tap.ScriptPubKey()
	require.NoError(t, err)

	f.prevouts = []*wire.TxOut{
		wire.NewTxOut(50_000, wpkh),
		wire.NewTxOut(60_000, pkh),
		wire.NewTxOut(70_000, tr),
	}

	f.tx = wire.NewMsgTx(2)
	for i := range f.prevouts {
		var h chainhash.Hash
		h[0] = byte(i + 1)
		in := wire.NewTxIn(wire.NewOutPoint(&h, uint32(i)), nil, nil)
		in.Sequence = 0xfffffffd
		f.tx.AddTxIn(in)
	}
	f.tx.AddTxOut(wire.NewTxOut(170_000, wpkh))
	f.tx.LockTime = 0
	return f
}

func dsha(b []byte) []byte {
	return chainhash.DoubleHashB(b)
}

func writeVarBytes(buf *bytes.Buffer, b []byte) {
	_ = wire.WriteVarBytes(buf, 0, b)
}

func le32(buf *bytes.Buffer, v uint32) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func le64(buf *bytes.Buffer, v int64) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func outpoints(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		buf.Write(in.PreviousOutPoint.Hash[:])
		le32(&buf, in.PreviousOutPoint.Index)
	}
	return buf.Bytes()
}

func sequences(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		le32(&buf, in.Sequence)
	}
	return buf.Bytes()
}

func outputs(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, out := range tx.TxOut {
		le64(&buf, out.Value)
		writeVarBytes(&buf, out.PkScript)
	}
	return buf.Bytes()
}

// bip143 is a direct transcription of the BIP-143 preimage.
func bip143(tx *wire.MsgTx, idx int, scriptCode []byte, amount int64) []byte {
	var buf bytes.Buffer
	le32(&buf, uint32(tx.Version))
	buf.Write(dsha(outpoints(tx)))
	buf.Write(dsha(sequences(tx)))
	in := tx.TxIn[idx]
	buf.Write(in.PreviousOutPoint.Hash[:])
	le32(&buf, in.PreviousOutPoint.Index)
	writeVarBytes(&buf, scriptCode)
	le64(&buf, amount)
	le32(&buf, in.Sequence)
	buf.Write(dsha(outputs(tx)))
	le32(&buf, tx.LockTime)
	le32(&buf, uint32(SigHashAll))
	return dsha(buf.Bytes())
}

// bip341 is a direct transcription of the BIP-341/342 SIGHASH_DEFAULT message.
func bip341(tx *wire.MsgTx, idx int, prevouts []*wire.TxOut, leafHash *chainhash.Hash) []byte {
	single := func(b []byte) []byte {
		h := sha256.Sum256(b)
		return h[:]
	}
	var amounts, spks bytes.Buffer
	for _, p := range prevouts {
		le64(&amounts, p.Value)
		writeVarBytes(&spks, p.PkScript)
	}

	var msg bytes.Buffer
	msg.WriteByte(0) // epoch
	msg.WriteByte(0) // hash type
	le32(&msg, uint32(tx.Version))
	le32(&msg, tx.LockTime)
	msg.Write(single(outpoints(tx)))
	msg.Write(single(amounts.Bytes()))
	msg.Write(single(spks.Bytes()))
	msg.Write(single(sequences(tx)))
	msg.Write(single(outputs(tx)))
	spendType := byte(0)
	if leafHash != nil {
		spendType = 2
	}
	msg.WriteByte(spendType)
	le32(&msg, uint32(idx))
	if leafHash != nil {
		msg.Write(leafHash[:])
		msg.WriteByte(0)
		le32(&msg, 0xffffffff)
	}
	return chainhash.TaggedHash(chainhash.TagTapSighash, msg.Bytes())[:]
}

func TestSegwitV0MatchesBIP143(t *testing.T) {
	f := newFixture(t)
	e, err := NewEngine(f.tx, f.prevouts)
	require.NoError(t, err)

	scriptCode, err := script.PayToPubKeyHash(f.keys[0].PubKey().Hash160())
	require.NoError(t, err)

	got, err := e.Digest(0, SegwitV0{ScriptCode: scriptCode})
	require.NoError(t, err)
	assert.Equal(t, bip143(f.tx, 0, scriptCode, 50_000), got)

	// The witness program itself is accepted as a P2WPKH script code.
	viaProgram, err := e.Digest(0, SegwitV0{ScriptCode: f.prevouts[0].PkScript})
	require.NoError(t, err)
	assert.Equal(t, got, viaProgram)
}

func TestLegacyMatchesPreimage(t *testing.T) {
	f := newFixture(t)
	e, err := NewEngine(f.tx, f.prevouts)
	require.NoError(t, err)

	got, err := e.Digest(1, Legacy{Subscript: f.prevouts[1].PkScript})
	require.NoError(t, err)

	cp := f.tx.Copy()
	for i, in := range cp.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
		if i == 1 {
			in.SignatureScript = f.prevouts[1].PkScript
		}
	}
	var buf bytes.Buffer
	require.NoError(t, cp.SerializeNoWitness(&buf))
	le32(&buf, uint32(SigHashAll))
	assert.Equal(t, dsha(buf.Bytes()), got)
}

func TestTaprootMatchesBIP341(t *testing.T) {
	f := newFixture(t)
	e, err := NewEngine(f.tx, f.prevouts)
	require.NoError(t, err)

	key, err := e.Digest(2, TaprootKey{})
	require.NoError(t, err)
	assert.Equal(t, bip341(f.tx, 2, f.prevouts, nil), key)

	leaf := f.tap.Leaves[0]
	scriptPath, err := e.Digest(2, TaprootScript{Leaf: leaf.TapLeaf()})
	require.NoError(t, err)
	assert.Equal(t, bip341(f.tx, 2, f.prevouts, &leaf.Hash), scriptPath)
	assert.NotEqual(t, key, scriptPath)
}

// Signing every input with the computed digests yields a transaction the
// script interpreter accepts.
func TestSignedInputsVerify(t *testing.T) {
	f := newFixture(t)
	e, err := NewEngine(f.tx, f.prevouts)
	require.NoError(t, err)

	scriptCode, _ := script.PayToPubKeyHash(f.keys[0].PubKey().Hash160())
	d0, err := e.Digest(0, SegwitV0{ScriptCode: scriptCode})
	require.NoError(t, err)
	sig0, err := f.keys[0].SignECDSA(d0)
	require.NoError(t, err)
	f.tx.TxIn[0].Witness = wire.TxWitness{AppendHashType(sig0), f.keys[0].PubKey().Compressed()}

	d1, err := e.Digest(1, Legacy{Subscript: f.prevouts[1].PkScript})
	require.NoError(t, err)
	sig1, err := f.keys[1].SignECDSA(d1)
	require.NoError(t, err)
	f.tx.TxIn[1].SignatureScript, err = txscript.NewScriptBuilder().
		AddData(AppendHashType(sig1)).
		AddData(f.keys[1].PubKey().Compressed()).
		Script()
	require.NoError(t, err)

	d2, err := e.Digest(2, TaprootScript{Leaf: f.tap.Leaves[0].TapLeaf()})
	require.NoError(t, err)
	sig2, err := f.keys[2].SignSchnorr(d2, nil)
	require.NoError(t, err)
	cb, err := f.tap.ControlBlock(0)
	require.NoError(t, err)
	f.tx.TxIn[2].Witness = wire.TxWitness{sig2, f.leaf, cb}

	for i, prev := range f.prevouts {
		vm, err := txscript.NewEngine(prev.PkScript, f.tx, i, txscript.StandardVerifyFlags,
			nil, e.Hashes(), prev.Value, e.Fetcher())
		require.NoError(t, err)
		assert.NoError(t, vm.Execute(), "input %d", i)
	}
}

func TestEngineErrors(t *testing.T) {
	f := newFixture(t)

	_, err := NewEngine(f.tx, f.prevouts[:2])
	assert.ErrorIs(t, err, spenderr.ErrSighash)

	_, err = NewEngine(f.tx, []*wire.TxOut{f.prevouts[0], nil, f.prevouts[2]})
	assert.ErrorIs(t, err, spenderr.ErrMissingPrevout)

	e, err := NewEngine(f.tx, f.prevouts)
	require.NoError(t, err)

	_, err = e.Digest(3, TaprootKey{})
	assert.ErrorIs(t, err, spenderr.ErrSighash)
	_, err = e.Digest(0, SegwitV0{})
	assert.ErrorIs(t, err, spenderr.ErrSighash)
	_, err = e.Digest(1, Legacy{})
	assert.ErrorIs(t, err, spenderr.ErrSighash)
}
