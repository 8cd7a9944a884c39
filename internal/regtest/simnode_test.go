package regtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

func newNode(t *testing.T) (*SimNode, string) {
	t.Helper()
	n := New(chain.MustGet(chain.Regtest), WithLogger(logging.Discard()))
	mineTo, err := n.GetNewAddress(context.Background())
	require.NoError(t, err)
	return n, mineTo
}

// fund sends amount to address, mines one block and returns the funded outpoint.
func fund(t *testing.T, n *SimNode, mineTo, address string, amount btcutil.Amount) (wire.OutPoint, *wire.TxOut) {
	t.Helper()
	ctx := context.Background()

	txid, err := n.SendToAddress(ctx, address, amount)
	require.NoError(t, err)
	_, err = n.GenerateToAddress(ctx, 1, mineTo)
	require.NoError(t, err)

	raw, err := n.GetRawTransaction(ctx, txid)
	require.NoError(t, err)
	for _, vout := range raw.Vout {
		if vout.ScriptPubKey.Address != address {
			continue
		}
		pkScript, err := vout.PkScript()
		require.NoError(t, err)
		sats, err := vout.ValueSats()
		require.NoError(t, err)
		hash, err := chainhash.NewHashFromStr(txid)
		require.NoError(t, err)
		return wire.OutPoint{Hash: *hash, Index: vout.N}, wire.NewTxOut(sats, pkScript)
	}
	t.Fatalf("no output pays %s", address)
	return wire.OutPoint{}, nil
}

// witnessScriptOutput returns the P2WSH address for ws.
func witnessScriptOutput(t *testing.T, ws []byte) string {
	t.Helper()
	h := sha256.Sum256(ws)
	addr, err := btcutil.NewAddressWitnessScriptHash(h[:], chain.MustGet(chain.Regtest).ChainCfg())
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func spendTx(op wire.OutPoint, value int64, sequence uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, Sequence: sequence})
	tx.AddTxOut(wire.NewTxOut(value-1000, []byte{txscript.OP_0, 0x14,
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}))
	return tx
}

func send(t *testing.T, n *SimNode, tx *wire.MsgTx) (string, error) {
	t.Helper()
	return n.SendRawTransaction(context.Background(), encodeTx(tx))
}

func rpcMessage(t *testing.T, err error) string {
	t.Helper()
	var rpcErr *spenderr.RPCError
	require.ErrorAs(t, err, &rpcErr)
	return rpcErr.Message
}

func TestMiningAdvancesTipAndTime(t *testing.T) {
	n, mineTo := newNode(t)
	ctx := context.Background()

	h, err := n.GetBlockCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, h)

	hashes, err := n.GenerateToAddress(ctx, 12, mineTo)
	require.NoError(t, err)
	assert.Len(t, hashes, 12)
	assert.Equal(t, int64(12), n.Tip())
	assert.NotEqual(t, hashes[0], hashes[1])

	// Median of blocks 2..12.
	assert.Equal(t, int64(GenesisTime+7*600), n.MedianTimePast())

	_, err = n.GenerateToAddress(ctx, 1, "not-an-address")
	assert.True(t, spenderr.IsRPCCode(err, spenderr.RPCInvalidAddress))
}

func TestFundAndSpendP2WPKH(t *testing.T) {
	n, mineTo := newNode(t)
	ctx := context.Background()
	params := chain.MustGet(chain.Regtest)

	key := keys.FromSeed(0x01)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(key.PubKey().Hash160(), params.ChainCfg())
	require.NoError(t, err)

	op, prev := fund(t, n, mineTo, addr.EncodeAddress(), btcutil.Amount(10_000_000))
	assert.Equal(t, int64(10_000_000), prev.Value)

	tx := spendTx(op, prev.Value, wire.MaxTxInSequenceNum-2)
	fetcher := txscript.NewCannedPrevOutputFetcher(prev.PkScript, prev.Value)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	wit, err := txscript.WitnessSignature(tx, hashes, 0, prev.Value, prev.PkScript,
		txscript.SigHashAll, key.BTCEC(), true)
	require.NoError(t, err)
	tx.TxIn[0].Witness = wit

	txid, err := send(t, n, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash().String(), txid)
	assert.True(t, n.InMempool(txid))

	wt, err := n.GetTransaction(ctx, txid)
	require.NoError(t, err)
	assert.Zero(t, wt.Confirmations)

	_, err = n.GenerateToAddress(ctx, 1, mineTo)
	require.NoError(t, err)
	wt, err = n.GetTransaction(ctx, txid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wt.Confirmations)
	assert.Equal(t, n.Tip(), wt.BlockHeight)

	// The spent output is gone.
	_, err = send(t, n, spendTx(op, prev.Value, 0))
	assert.Contains(t, rpcMessage(t, err), RejectMissingInputs)
	assert.True(t, spenderr.IsRPCCode(err, spenderr.RPCVerifyError))
}

func TestVerboseTransaction(t *testing.T) {
	n, mineTo := newNode(t)
	ctx := context.Background()

	dest, err := n.GetNewAddress(ctx)
	require.NoError(t, err)
	txid, err := n.SendToAddress(ctx, dest, btcutil.Amount(10_000_000))
	require.NoError(t, err)

	raw, err := n.GetRawTransaction(ctx, txid)
	require.NoError(t, err)
	assert.Equal(t, txid, raw.TxID)
	assert.Zero(t, raw.Confirmations)
	assert.Empty(t, raw.BlockHash)
	require.Len(t, raw.Vout, 2)

	var found bool
	for _, v := range raw.Vout {
		if v.ScriptPubKey.Address == dest {
			found = true
			assert.Equal(t, 0.1, v.Value)
			assert.Equal(t, "witness_v0_keyhash", v.ScriptPubKey.Type)
		}
	}
	assert.True(t, found)

	_, err = n.GenerateToAddress(ctx, 3, mineTo)
	require.NoError(t, err)
	raw, err = n.GetRawTransaction(ctx, txid)
	require.NoError(t, err)
	assert.Equal(t, int64(3), raw.Confirmations)
	assert.NotEmpty(t, raw.BlockHash)

	_, err = n.GetRawTransaction(ctx, strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, backend.ErrTxNotFound)
}

func TestAbsoluteLockFinality(t *testing.T) {
	n, mineTo := newNode(t)
	ctx := context.Background()

	const lock = 20
	ws, err := txscript.NewScriptBuilder().
		AddInt64(lock).AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_TRUE).Script()
	require.NoError(t, err)

	op, prev := fund(t, n, mineTo, witnessScriptOutput(t, ws), btcutil.Amount(1_000_000))

	tx := spendTx(op, prev.Value, wire.MaxTxInSequenceNum-1)
	tx.LockTime = lock
	tx.TxIn[0].Witness = wire.TxWitness{ws}

	_, err = send(t, n, tx)
	require.Error(t, err)
	assert.Equal(t, RejectNonFinal, rpcMessage(t, err))
	assert.True(t, spenderr.IsNonFinal(spenderr.AsNonFinal(err, lock)))

	// Final once the next block height exceeds the lock.
	_, err = n.GenerateToAddress(ctx, int(lock-n.Tip()), mineTo)
	require.NoError(t, err)
	_, err = send(t, n, tx)
	assert.NoError(t, err)
}

func TestFinalSequenceIgnoresLockTime(t *testing.T) {
	n, mineTo := newNode(t)

	ws := []byte{txscript.OP_TRUE}
	op, prev := fund(t, n, mineTo, witnessScriptOutput(t, ws), btcutil.Amount(1_000_000))

	tx := spendTx(op, prev.Value, wire.MaxTxInSequenceNum)
	tx.LockTime = 500
	tx.TxIn[0].Witness = wire.TxWitness{ws}

	_, err := send(t, n, tx)
	assert.NoError(t, err)
}

func TestRelativeLockBIP68(t *testing.T) {
	n, mineTo := newNode(t)
	ctx := context.Background()

	ws, err := txscript.NewScriptBuilder().
		AddInt64(3).AddOp(txscript.OP_CHECKSEQUENCEVERIFY).AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_TRUE).Script()
	require.NoError(t, err)

	op, prev := fund(t, n, mineTo, witnessScriptOutput(t, ws), btcutil.Amount(1_000_000))

	tx := spendTx(op, prev.Value, 3)
	tx.TxIn[0].Witness = wire.TxWitness{ws}

	// One confirmation: needs three.
	_, err = send(t, n, tx)
	assert.Equal(t, RejectNonBIP68Final, rpcMessage(t, err))
	nf := spenderr.AsNonFinal(err, 3)
	assert.True(t, spenderr.IsNonFinal(nf))

	_, err = n.GenerateToAddress(ctx, 1, mineTo)
	require.NoError(t, err)
	_, err = send(t, n, tx)
	assert.Equal(t, RejectNonBIP68Final, rpcMessage(t, err))

	// Version 1 ignores sequence locks, so the script check fails instead.
	v1 := tx.Copy()
	v1.Version = 1
	_, err = send(t, n, v1)
	assert.Contains(t, rpcMessage(t, err), RejectScriptFailed)

	_, err = n.GenerateToAddress(ctx, 1, mineTo)
	require.NoError(t, err)
	_, err = send(t, n, tx)
	assert.NoError(t, err)
}

func TestScriptFailureRejected(t *testing.T) {
	n, mineTo := newNode(t)
	params := chain.MustGet(chain.Regtest)

	owner := keys.FromSeed(0x02)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(owner.PubKey().Hash160(), params.ChainCfg())
	require.NoError(t, err)
	op, prev := fund(t, n, mineTo, addr.EncodeAddress(), btcutil.Amount(1_000_000))

	tx := spendTx(op, prev.Value, wire.MaxTxInSequenceNum)
	fetcher := txscript.NewCannedPrevOutputFetcher(prev.PkScript, prev.Value)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	// Signed by the wrong key for the right pubkey hash.
	wit, err := txscript.WitnessSignature(tx, hashes, 0, prev.Value, prev.PkScript,
		txscript.SigHashAll, keys.FromSeed(0x03).BTCEC(), true)
	require.NoError(t, err)
	wit[1] = owner.PubKey().Compressed()
	tx.TxIn[0].Witness = wit

	_, err = send(t, n, tx)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(rpcMessage(t, err), RejectScriptFailed))
	assert.True(t, spenderr.IsRPCCode(err, spenderr.RPCVerifyRejected))
	assert.False(t, spenderr.IsNonFinal(spenderr.AsNonFinal(err, 0)))
}

func TestValueAndFeeChecks(t *testing.T) {
	n, mineTo := newNode(t)

	ws := []byte{txscript.OP_TRUE}
	op, prev := fund(t, n, mineTo, witnessScriptOutput(t, ws), btcutil.Amount(100_000))

	tests := []struct {
		name  string
		value int64
		want  string
	}{
		{"outputs exceed inputs", prev.Value + 1, RejectInBelowOut},
		{"no fee", prev.Value, RejectMinRelayFee},
		{"dust output", 100, RejectDust},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := wire.NewMsgTx(2)
			tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, Sequence: wire.MaxTxInSequenceNum, Witness: wire.TxWitness{ws}})
			tx.AddTxOut(wire.NewTxOut(tt.value, prev.PkScript))
			_, err := send(t, n, tx)
			assert.Contains(t, rpcMessage(t, err), tt.want)
		})
	}
}

func TestCoinbaseMaturity(t *testing.T) {
	n, _ := newNode(t)
	ctx := context.Background()

	ws := []byte{txscript.OP_TRUE}
	addr := witnessScriptOutput(t, ws)
	hashes, err := n.GenerateToAddress(ctx, 1, addr)
	require.NoError(t, err)
	require.Len(t, hashes, 1)

	coinbase := n.blocks[1].txs[0]
	value := n.txs[coinbase].tx.TxOut[0].Value

	tx := spendTx(wire.OutPoint{Hash: coinbase}, value, wire.MaxTxInSequenceNum)
	tx.TxIn[0].Witness = wire.TxWitness{ws}
	_, err = send(t, n, tx)
	assert.Equal(t, RejectPrematureSpend, rpcMessage(t, err))

	_, err = n.GenerateToAddress(ctx, CoinbaseMaturity-1, addr)
	require.NoError(t, err)
	_, err = send(t, n, tx)
	assert.NoError(t, err)
}

func TestDuplicateAndGarbage(t *testing.T) {
	n, mineTo := newNode(t)

	ws := []byte{txscript.OP_TRUE}
	op, prev := fund(t, n, mineTo, witnessScriptOutput(t, ws), btcutil.Amount(1_000_000))
	tx := spendTx(op, prev.Value, wire.MaxTxInSequenceNum)
	tx.TxIn[0].Witness = wire.TxWitness{ws}

	_, err := send(t, n, tx)
	require.NoError(t, err)
	_, err = send(t, n, tx)
	assert.True(t, spenderr.IsRPCCode(err, spenderr.RPCVerifyAlreadyInUTXO))

	_, err = n.SendRawTransaction(context.Background(), "zz")
	assert.True(t, spenderr.IsRPCCode(err, spenderr.RPCDeserializationErr))
	_, err = n.SendRawTransaction(context.Background(), "0100")
	assert.True(t, spenderr.IsRPCCode(err, spenderr.RPCDeserializationErr))
}

func TestSignRawTransactionWithKeyP2SHMultisig(t *testing.T) {
	n, mineTo := newNode(t)
	ctx := context.Background()
	params := chain.MustGet(chain.Regtest)

	k1, k2, k3 := keys.FromSeed(1), keys.FromSeed(2), keys.FromSeed(3)
	redeem, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(k1.PubKey().Compressed()).
		AddData(k2.PubKey().Compressed()).
		AddData(k3.PubKey().Compressed()).
		AddOp(txscript.OP_3).AddOp(txscript.OP_CHECKMULTISIG).Script()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressScriptHash(redeem, params.ChainCfg())
	require.NoError(t, err)

	op, prev := fund(t, n, mineTo, addr.EncodeAddress(), btcutil.Amount(10_000_000))
	tx := spendTx(op, prev.Value, wire.MaxTxInSequenceNum-2)

	wif1, err := k1.WIF(params)
	require.NoError(t, err)
	wif2, err := k2.WIF(params)
	require.NoError(t, err)
	prevTxs := []backend.PrevTx{{
		TxID:         op.Hash.String(),
		Vout:         op.Index,
		ScriptPubKey: hex.EncodeToString(prev.PkScript),
		RedeemScript: hex.EncodeToString(redeem),
		Amount:       0.1,
	}}

	// One key is not enough.
	res, err := n.SignRawTransactionWithKey(ctx, encodeTx(tx), []string{wif1}, prevTxs)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.NotEmpty(t, res.Errors)

	res, err = n.SignRawTransactionWithKey(ctx, encodeTx(tx), []string{wif1, wif2}, prevTxs)
	require.NoError(t, err)
	require.True(t, res.Complete, "errors: %v", res.Errors)

	_, err = n.SendRawTransaction(ctx, res.Hex)
	assert.NoError(t, err)
}

func TestSignRawTransactionWithKeySkipsWitness(t *testing.T) {
	n, mineTo := newNode(t)
	ctx := context.Background()

	ws := []byte{txscript.OP_TRUE}
	op, prev := fund(t, n, mineTo, witnessScriptOutput(t, ws), btcutil.Amount(1_000_000))
	tx := spendTx(op, prev.Value, wire.MaxTxInSequenceNum)

	res, err := n.SignRawTransactionWithKey(ctx, encodeTx(tx), nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, op.Index, res.Errors[0].Vout)
}

func TestWallets(t *testing.T) {
	n, _ := newNode(t)
	ctx := context.Background()

	err := n.LoadWallet(ctx, "spendplanner")
	assert.True(t, spenderr.IsRPCCode(err, spenderr.RPCWalletNotFound))

	require.NoError(t, n.CreateWallet(ctx, "spendplanner"))
	require.NoError(t, n.CreateWallet(ctx, "spendplanner"))
	assert.NoError(t, n.LoadWallet(ctx, "spendplanner"))
}
