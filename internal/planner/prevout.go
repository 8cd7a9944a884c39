package planner

import (
	"bytes"
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// Prevout is an output being spent together with its location.
type Prevout struct {
	OutPoint wire.OutPoint
	Output   *wire.TxOut
}

// Value returns the output amount in satoshis.
func (p *Prevout) Value() int64 {
	return p.Output.Value
}

// PrevoutAt builds a prevout from already known values.
func PrevoutAt(txid string, vout uint32, value int64, pkScript []byte) (*Prevout, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindMissingPrevout, err, "txid %q", txid)
	}
	return &Prevout{
		OutPoint: *wire.NewOutPoint(hash, vout),
		Output:   wire.NewTxOut(value, pkScript),
	}, nil
}

// PrevoutFromNode looks up txid on the node and returns the output paying to
// pkScript. The output index is found by script, so the funding transaction's
// change position does not matter.
func PrevoutFromNode(ctx context.Context, node backend.ChainReader, txid string, pkScript []byte) (*Prevout, error) {
	raw, err := node.GetRawTransaction(ctx, txid)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return nil, spenderr.Wrap(spenderr.KindMissingPrevout, err, "txid %s", txid)
		}
		return nil, err
	}

	for i := range raw.Vout {
		out := &raw.Vout[i]
		script, err := out.PkScript()
		if err != nil {
			return nil, spenderr.Wrap(spenderr.KindMissingPrevout, err, "%s:%d script", txid, out.N)
		}
		if !bytes.Equal(script, pkScript) {
			continue
		}
		value, err := out.ValueSats()
		if err != nil {
			return nil, spenderr.Wrap(spenderr.KindMissingPrevout, err, "%s:%d value", txid, out.N)
		}
		return PrevoutAt(txid, out.N, value, script)
	}
	return nil, spenderr.New(spenderr.KindMissingPrevout, "no output of %s pays to %x", txid, pkScript)
}
