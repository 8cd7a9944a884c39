package regtest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// Rejection reasons, worded like Bitcoin Core so callers can match on them.
const (
	RejectMissingInputs   = "bad-txns-inputs-missingorspent"
	RejectNonFinal        = "non-final"
	RejectNonBIP68Final   = "non-BIP68-final"
	RejectScriptFailed    = "mandatory-script-verify-flag-failed"
	RejectInBelowOut      = "bad-txns-in-belowout"
	RejectMinRelayFee     = "min relay fee not met"
	RejectDust            = "dust"
	RejectPrematureSpend  = "bad-txns-premature-spend-of-coinbase"
	RejectAlreadyKnown    = "txn-already-known"
	RejectDecodeFailed    = "TX decode failed"
	RejectNoInputsOutputs = "bad-txns-vin-empty"
)

// MinRelayFeeRate is the minimum fee in sat/vB.
const MinRelayFeeRate = 1

// SendRawTransaction validates and accepts a transaction into the mempool.
//
// Checks run in this order, first failure wins: decode, known, missing
// inputs, coinbase maturity, value balance, dust, min relay fee, absolute
// lock finality, BIP-68 sequence locks, script execution.
func (n *SimNode) SendRawTransaction(_ context.Context, rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", reject(spenderr.RPCDeserializationErr, RejectDecodeFailed)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", reject(spenderr.RPCDeserializationErr, "%s: %v", RejectDecodeFailed, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.accept(tx); err != nil {
		n.log.Debug("Rejected transaction", "txid", tx.TxHash(), "error", err)
		return "", err
	}
	txid := n.addToMempool(tx, false)
	n.log.Debug("Accepted transaction", "txid", txid)
	return txid.String(), nil
}

func (n *SimNode) accept(tx *wire.MsgTx) error {
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return reject(spenderr.RPCVerifyRejected, RejectNoInputsOutputs)
	}
	if _, ok := n.txs[tx.TxHash()]; ok {
		return reject(spenderr.RPCVerifyAlreadyInUTXO, RejectAlreadyKnown)
	}

	prevouts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	var in int64
	for _, txIn := range tx.TxIn {
		out, ok := n.utxos[txIn.PreviousOutPoint]
		if !ok {
			return reject(spenderr.RPCVerifyError, RejectMissingInputs)
		}
		parent := n.txs[txIn.PreviousOutPoint.Hash]
		if blockchain.IsCoinBaseTx(parent.tx) && n.confirmations(parent) < CoinbaseMaturity {
			return reject(spenderr.RPCVerifyRejected, RejectPrematureSpend)
		}
		prevouts[txIn.PreviousOutPoint] = out
		in += out.Value
	}

	var out int64
	for _, txOut := range tx.TxOut {
		if mempool.IsDust(txOut, mempool.DefaultMinRelayTxFee) {
			return reject(spenderr.RPCVerifyRejected, RejectDust)
		}
		out += txOut.Value
	}
	if in < out {
		return reject(spenderr.RPCVerifyRejected, "%s, value in (%s) < value out (%s)",
			RejectInBelowOut, btcutil.Amount(in), btcutil.Amount(out))
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	vsize := (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor
	if fee := in - out; fee < vsize*MinRelayFeeRate {
		return reject(spenderr.RPCVerifyRejected, "%s, %d < %d", RejectMinRelayFee, fee, vsize*MinRelayFeeRate)
	}

	if !n.isFinal(tx) {
		return reject(spenderr.RPCVerifyRejected, RejectNonFinal)
	}
	if !n.sequenceLocksMet(tx) {
		return reject(spenderr.RPCVerifyRejected, RejectNonBIP68Final)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevouts)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prev := prevouts[txIn.PreviousOutPoint]
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prev.Value, fetcher)
		if err == nil {
			err = vm.Execute()
		}
		if err != nil {
			return reject(spenderr.RPCVerifyRejected, "%s (%v)", RejectScriptFailed, err)
		}
	}
	return nil
}

func (n *SimNode) confirmations(e *txEntry) int64 {
	if e.height == 0 {
		return 0
	}
	return n.tip() - e.height + 1
}

// isFinal applies the absolute lock_time rule for inclusion in the next
// block: heights compare against tip+1, times against the tip's median
// time past. A lock is ignored when every input sequence is final.
func (n *SimNode) isFinal(tx *wire.MsgTx) bool {
	if tx.LockTime == 0 {
		return true
	}
	limit := n.tip() + 1
	if tx.LockTime >= txscript.LockTimeThreshold {
		limit = n.medianTimePast(n.tip())
	}
	if int64(tx.LockTime) < limit {
		return true
	}
	for _, in := range tx.TxIn {
		if in.Sequence != wire.MaxTxInSequenceNum {
			return false
		}
	}
	return true
}

// sequenceLocksMet applies BIP-68 relative locks for inclusion in the next
// block. Unconfirmed parents count as confirming in that block.
func (n *SimNode) sequenceLocksMet(tx *wire.MsgTx) bool {
	if tx.Version < 2 {
		return true
	}
	next := n.tip() + 1
	mtp := n.medianTimePast(n.tip())

	for _, in := range tx.TxIn {
		seq := in.Sequence
		if seq&wire.SequenceLockTimeDisabled != 0 {
			continue
		}
		height := n.txs[in.PreviousOutPoint.Hash].height
		if height == 0 {
			height = next
		}
		units := int64(seq & wire.SequenceLockTimeMask)

		if seq&wire.SequenceLockTimeIsSeconds != 0 {
			base := height - 1
			if base > n.tip() {
				base = n.tip()
			}
			minTime := n.medianTimePast(base) + units<<wire.SequenceLockTimeGranularity - 1
			if minTime >= mtp {
				return false
			}
			continue
		}
		if height+units-1 >= next {
			return false
		}
	}
	return true
}

func reject(code int, format string, args ...interface{}) error {
	return &spenderr.RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func encodeTx(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}
