package regtest

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/pkg/helpers"
)

// SignRawTransactionWithKey signs legacy inputs (P2PKH and P2SH) with the
// given WIF keys, like bitcoind's RPC of the same name. Witness inputs are
// reported as errors and left untouched.
func (n *SimNode) SignRawTransactionWithKey(_ context.Context, rawTxHex string, wifs []string, prevTxs []backend.PrevTx) (*backend.SignResult, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return nil, reject(spenderr.RPCDeserializationErr, RejectDecodeFailed)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, reject(spenderr.RPCDeserializationErr, "%s: %v", RejectDecodeFailed, err)
	}

	cfg := n.params.ChainCfg()
	keysByAddr := make(map[string]*btcutil.WIF, len(wifs))
	for _, s := range wifs {
		wif, err := btcutil.DecodeWIF(s)
		if err != nil {
			return nil, reject(spenderr.RPCInvalidAddress, "Invalid private key")
		}
		pkHash := btcutil.Hash160(wif.SerializePubKey())
		addr, err := btcutil.NewAddressPubKeyHash(pkHash, cfg)
		if err != nil {
			return nil, err
		}
		keysByAddr[addr.EncodeAddress()] = wif
	}

	type prevInfo struct {
		pkScript []byte
		amount   int64
	}
	prevs := make(map[wire.OutPoint]prevInfo)
	scriptsByAddr := make(map[string][]byte)
	for _, p := range prevTxs {
		op, err := outPoint(p.TxID, p.Vout)
		if err != nil {
			return nil, err
		}
		pkScript, err := helpers.HexToBytes(p.ScriptPubKey)
		if err != nil {
			return nil, reject(spenderr.RPCDeserializationErr, "scriptPubKey must be hex")
		}
		amt, _ := btcutil.NewAmount(p.Amount)
		prevs[op] = prevInfo{pkScript: pkScript, amount: int64(amt)}
		if p.RedeemScript != "" {
			redeem, err := helpers.HexToBytes(p.RedeemScript)
			if err != nil {
				return nil, reject(spenderr.RPCDeserializationErr, "redeemScript must be hex")
			}
			addr, err := btcutil.NewAddressScriptHash(redeem, cfg)
			if err != nil {
				return nil, err
			}
			scriptsByAddr[addr.EncodeAddress()] = redeem
		}
	}

	n.mu.Lock()
	for _, in := range tx.TxIn {
		if _, ok := prevs[in.PreviousOutPoint]; ok {
			continue
		}
		if out, ok := n.utxos[in.PreviousOutPoint]; ok {
			prevs[in.PreviousOutPoint] = prevInfo{pkScript: out.PkScript, amount: out.Value}
		}
	}
	n.mu.Unlock()

	getKey := txscript.KeyClosure(func(addr btcutil.Address) (*btcec.PrivateKey, bool, error) {
		wif, ok := keysByAddr[addr.EncodeAddress()]
		if !ok {
			return nil, false, errors.New("no key for address")
		}
		return wif.PrivKey, wif.CompressPubKey, nil
	})
	getScript := txscript.ScriptClosure(func(addr btcutil.Address) ([]byte, error) {
		s, ok := scriptsByAddr[addr.EncodeAddress()]
		if !ok {
			return nil, errors.New("no script for address")
		}
		return s, nil
	})

	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(prevs)))
	for op, p := range prevs {
		fetcher.AddPrevOut(op, wire.NewTxOut(p.amount, p.pkScript))
	}

	result := &backend.SignResult{Complete: true}
	for i, in := range tx.TxIn {
		fail := func(msg string) {
			result.Complete = false
			result.Errors = append(result.Errors, backend.SignError{
				TxID:      in.PreviousOutPoint.Hash.String(),
				Vout:      in.PreviousOutPoint.Index,
				ScriptSig: hex.EncodeToString(in.SignatureScript),
				Sequence:  in.Sequence,
				Error:     msg,
			})
		}

		p, ok := prevs[in.PreviousOutPoint]
		if !ok {
			fail("Input not found or already spent")
			continue
		}
		if txscript.IsWitnessProgram(p.pkScript) {
			fail("Witness inputs are not supported by the simulator signer")
			continue
		}

		sigScript, err := txscript.SignTxOutput(cfg, tx, i, p.pkScript, txscript.SigHashAll,
			getKey, getScript, in.SignatureScript)
		if err != nil {
			fail(err.Error())
			continue
		}
		in.SignatureScript = sigScript

		vm, err := txscript.NewEngine(p.pkScript, tx, i, txscript.StandardVerifyFlags,
			nil, nil, p.amount, fetcher)
		if err == nil {
			err = vm.Execute()
		}
		if err != nil {
			fail(err.Error())
		}
	}

	result.Hex = encodeTx(tx)
	return result, nil
}

func outPoint(txid string, vout uint32) (wire.OutPoint, error) {
	op, err := wire.NewOutPointFromString(txid + ":" + strconv.FormatUint(uint64(vout), 10))
	if err != nil {
		return wire.OutPoint{}, reject(spenderr.RPCDeserializationErr, "txid must be hexadecimal string (not '%s')", txid)
	}
	return *op, nil
}
