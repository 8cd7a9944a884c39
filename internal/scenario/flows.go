package scenario

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/compiler"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/planner"
	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// Key seeds used by the scenarios.
const (
	seedA      = 8 // backup key of the disjunctions
	seedB      = 5
	seedC      = 6
	seedD      = 7
	seedTapKey = 5 // taproot internal key
	seedLeaf   = 2 // taproot script key
)

// Relative and absolute locks used by the scenarios.
const (
	cltvHeight   = 10
	csvBlocks    = 10
	leafCLTV     = 200
	leafCLTVLow  = 150
	fourLeafCSV  = 2
	hashlockWord = "helloworld"
)

func (e *Env) pubs(seeds ...byte) ([]*keys.PublicKey, error) {
	out := make([]*keys.PublicKey, len(seeds))
	for i, s := range seeds {
		p, err := e.Pub(s)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (e *Env) xonly(seed byte) (keys.XOnly, error) {
	p, err := e.Pub(seed)
	if err != nil {
		return keys.XOnly{}, err
	}
	x, _ := p.XOnly()
	return x, nil
}

func isNonFinal(err error) bool { return spenderr.IsNonFinal(err) }

func isScriptFailure(err error) bool {
	return spenderr.IsRPCCode(err, spenderr.RPCVerifyRejected) && !spenderr.IsNonFinal(err)
}

// S1. The planner's spend is cross-checked against the node's own signer
// before it is broadcast.
func runP2SHMultisig(ctx context.Context, env *Env, res *Result) error {
	ks, err := env.pubs(1, 2, 3)
	if err != nil {
		return err
	}
	a, err := env.Compile(&policy.Descriptor{Type: policy.Sh, Policy: &policy.Multi{K: 2, Keys: ks}})
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	prev, err := env.Fund(ctx, a)
	if err != nil {
		return err
	}
	sat, err := env.Satisfier(1, 2)
	if err != nil {
		return err
	}
	s, err := env.Plan(ctx, planner.Input{Artifact: a, Prevout: prev, Path: planner.MultiOf(0, 1), Satisfier: sat})
	if err != nil {
		return err
	}
	if err := crossCheckLegacy(ctx, env, s, a.RedeemScript, 1, 2); err != nil {
		return err
	}
	if _, err := env.Complete(ctx, s); err != nil {
		return err
	}
	res.confirmed(s)
	return nil
}

// crossCheckLegacy asks the node to sign the unsigned skeleton of s with the
// keys for seeds and requires a complete result.
func crossCheckLegacy(ctx context.Context, env *Env, s *planner.Spend, redeem []byte, seeds ...byte) error {
	unsigned := s.Tx.Copy()
	for _, in := range unsigned.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}
	var buf bytes.Buffer
	if err := unsigned.Serialize(&buf); err != nil {
		return err
	}

	wifs := make([]string, len(seeds))
	for i, seed := range seeds {
		k, err := env.Key(seed)
		if err != nil {
			return err
		}
		if wifs[i], err = k.WIF(env.params); err != nil {
			return err
		}
	}

	prevTxs := make([]backend.PrevTx, len(s.Prevouts))
	for i, p := range s.Prevouts {
		prevTxs[i] = backend.PrevTx{
			TxID:         p.OutPoint.Hash.String(),
			Vout:         p.OutPoint.Index,
			ScriptPubKey: hex.EncodeToString(p.Output.PkScript),
			RedeemScript: hex.EncodeToString(redeem),
			Amount:       btcutil.Amount(p.Output.Value).ToBTC(),
		}
	}

	result, err := env.node.SignRawTransactionWithKey(ctx, hex.EncodeToString(buf.Bytes()), wifs, prevTxs)
	if err != nil {
		return fmt.Errorf("signrawtransactionwithkey: %w", err)
	}
	if !result.Complete {
		return fmt.Errorf("node signer left the transaction incomplete: %+v", result.Errors)
	}
	env.log.Debug("Node signer agrees", "spend_id", s.ID)
	return nil
}

func (e *Env) timedMultisig(lock policy.Node) (*policy.Descriptor, error) {
	a, err := e.Pub(seedA)
	if err != nil {
		return nil, err
	}
	ms, err := e.pubs(seedB, seedC, seedD)
	if err != nil {
		return nil, err
	}
	return &policy.Descriptor{
		Type: policy.Wsh,
		Policy: policy.NewOr(
			&policy.Pk{Key: a},
			&policy.And{Left: &policy.Multi{K: 2, Keys: ms}, Right: lock},
		),
	}, nil
}

// S2. The backup key spends at any height; the multisig branch once the
// chain is past the lock.
func runP2WSHCLTV(ctx context.Context, env *Env, res *Result) error {
	d, err := env.timedMultisig(&policy.After{Value: cltvHeight})
	if err != nil {
		return err
	}
	a, err := env.Compile(d)
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	backup, err := env.Satisfier(seedA)
	if err != nil {
		return err
	}
	s, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.LeftBranch(nil), Satisfier: backup})
	if err != nil {
		return err
	}
	if s.Tx.LockTime != 0 || s.Tx.TxIn[0].Sequence != policy.SequenceRBF {
		return fmt.Errorf("backup spend has lock_time %d sequence %#x", s.Tx.LockTime, s.Tx.TxIn[0].Sequence)
	}

	if err := env.MineTo(ctx, cltvHeight); err != nil {
		return err
	}
	signers, err := env.Satisfier(seedB, seedC)
	if err != nil {
		return err
	}
	_, err = spendOnce(ctx, env, res, a, planner.Input{Path: planner.RightBranch(planner.MultiOf(0, 1)), Satisfier: signers})
	return err
}

// S3. A sequence below the lock is refused twice: by BIP-68 while the coin
// is young, and by CHECKSEQUENCEVERIFY once it is old enough.
func runP2WSHCSV(ctx context.Context, env *Env, res *Result) error {
	d, err := env.timedMultisig(&policy.Older{Value: csvBlocks})
	if err != nil {
		return err
	}
	a, err := env.Compile(d)
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	prev, err := env.Fund(ctx, a)
	if err != nil {
		return err
	}
	signers, err := env.Satisfier(seedB, seedC)
	if err != nil {
		return err
	}
	in := planner.Input{Artifact: a, Prevout: prev, Path: planner.RightBranch(planner.MultiOf(0, 1)), Satisfier: signers}

	early, err := env.Plan(ctx, in)
	if err != nil {
		return err
	}
	if err := env.ExpectRejected(ctx, early, isNonFinal); err != nil {
		return err
	}
	res.Rejected++

	if err := env.Mine(ctx, csvBlocks); err != nil {
		return err
	}

	short := in
	seq := uint32(csvBlocks - 1)
	short.Sequence = &seq
	s, err := env.Plan(ctx, short)
	if err != nil {
		return err
	}
	if err := env.ExpectRejected(ctx, s, isScriptFailure); err != nil {
		return err
	}
	res.Rejected++

	s, err = env.Plan(ctx, in)
	if err != nil {
		return err
	}
	if s.Tx.Version != 2 || s.Tx.TxIn[0].Sequence != csvBlocks {
		return fmt.Errorf("csv spend has version %d sequence %d", s.Tx.Version, s.Tx.TxIn[0].Sequence)
	}
	if _, err := env.Complete(ctx, s); err != nil {
		return err
	}
	res.confirmed(s)
	return nil
}

// S4.
func runP2TRKey(ctx context.Context, env *Env, res *Result) error {
	internal, err := env.xonly(seedTapKey)
	if err != nil {
		return err
	}
	a, err := env.Compile(&policy.Descriptor{Type: policy.Tr, Policy: &policy.Taproot{Internal: internal}})
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	sat, err := env.Satisfier(seedTapKey)
	if err != nil {
		return err
	}
	s, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.KeyPath{}, Satisfier: sat})
	if err != nil {
		return err
	}
	if w := s.Witness(0); len(w) != 1 || len(w[0]) != 64 {
		return fmt.Errorf("key path witness has %d elements", len(w))
	}
	return nil
}

// S5.
func runP2TRScript(ctx context.Context, env *Env, res *Result) error {
	internal, err := env.xonly(seedTapKey)
	if err != nil {
		return err
	}
	leafKey, err := env.Pub(seedLeaf)
	if err != nil {
		return err
	}
	a, err := env.Compile(&policy.Descriptor{
		Type:   policy.Tr,
		Policy: &policy.Taproot{Internal: internal, Tree: policy.TapLeaves(&policy.Pk{Key: leafKey})},
	})
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	sat, err := env.Satisfier(seedLeaf)
	if err != nil {
		return err
	}
	s, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.ScriptLeaf{Index: 0}, Satisfier: sat})
	if err != nil {
		return err
	}
	w := s.Witness(0)
	if len(w) != 3 {
		return fmt.Errorf("script path witness has %d elements", len(w))
	}
	if cb := w[2]; cb[0]&^1 != 0xc0 || !bytes.Equal(cb[1:33], internal[:]) {
		return fmt.Errorf("unexpected control block %x", cb)
	}
	return nil
}

// S6.
func runP2TRCLTVLeaf(ctx context.Context, env *Env, res *Result) error {
	internal, err := env.xonly(seedTapKey)
	if err != nil {
		return err
	}
	leafKey, err := env.Pub(seedLeaf)
	if err != nil {
		return err
	}
	a, err := env.Compile(&policy.Descriptor{
		Type: policy.Tr,
		Policy: &policy.Taproot{
			Internal: internal,
			Tree: policy.TapLeaves(
				&policy.Pk{Key: leafKey},
				&policy.And{Left: &policy.After{Value: leafCLTV}, Right: &policy.Pk{Key: leafKey}},
			),
		},
	})
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	sat, err := env.Satisfier(seedLeaf)
	if err != nil {
		return err
	}
	if _, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.ScriptLeaf{Index: 0}, Satisfier: sat}); err != nil {
		return err
	}

	prev, err := env.Fund(ctx, a)
	if err != nil {
		return err
	}
	in := planner.Input{Artifact: a, Prevout: prev, Path: planner.ScriptLeaf{Index: 1}, Satisfier: sat}

	low := uint32(leafCLTVLow)
	early, err := env.PlanRequest(ctx, &planner.Request{Inputs: []planner.Input{in}, LockTime: &low})
	if err != nil {
		return err
	}
	if err := env.ExpectRejected(ctx, early, nil); err != nil {
		return err
	}
	res.Rejected++

	if err := env.MineTo(ctx, leafCLTV); err != nil {
		return err
	}
	s, err := env.Plan(ctx, in)
	if err != nil {
		return err
	}
	if s.Tx.LockTime != leafCLTV || s.Tx.TxIn[0].Sequence != policy.SequenceLockEnabled {
		return fmt.Errorf("cltv leaf spend has lock_time %d sequence %#x", s.Tx.LockTime, s.Tx.TxIn[0].Sequence)
	}
	if _, err := env.Complete(ctx, s); err != nil {
		return err
	}
	res.confirmed(s)
	return nil
}

func runMultiInput(ctx context.Context, env *Env, res *Result) error {
	internal, err := env.xonly(seedTapKey)
	if err != nil {
		return err
	}
	tr, err := env.Compile(&policy.Descriptor{Type: policy.Tr, Policy: &policy.Taproot{Internal: internal}})
	if err != nil {
		return err
	}
	legacyKey, err := env.Pub(1)
	if err != nil {
		return err
	}
	pkh, err := env.Compile(&policy.Descriptor{Type: policy.Pkh, Policy: &policy.Pk{Key: legacyKey}})
	if err != nil {
		return err
	}
	res.Address = tr.Address.EncodeAddress()

	trPrev, err := env.Fund(ctx, tr)
	if err != nil {
		return err
	}
	pkhPrev, err := env.Fund(ctx, pkh)
	if err != nil {
		return err
	}
	sat, err := env.Satisfier(seedTapKey, 1)
	if err != nil {
		return err
	}
	s, err := env.PlanRequest(ctx, &planner.Request{Inputs: []planner.Input{
		{Artifact: tr, Prevout: trPrev, Path: planner.KeyPath{}, Satisfier: sat},
		{Artifact: pkh, Prevout: pkhPrev, Satisfier: sat},
	}})
	if err != nil {
		return err
	}
	if _, err := env.Complete(ctx, s); err != nil {
		return err
	}
	res.confirmed(s)
	return nil
}

func runTaprootMuSig(ctx context.Context, env *Env, res *Result) error {
	signers := make([]*keys.PrivateKey, 0, 3)
	for _, seed := range []byte{1, 2, 3} {
		k, err := env.Key(seed)
		if err != nil {
			return err
		}
		signers = append(signers, k)
	}
	group := planner.NewSatisfier()
	agg, err := group.AddMuSig2(signers...)
	if err != nil {
		return err
	}
	leafKey, err := env.Pub(4)
	if err != nil {
		return err
	}
	a, err := env.Compile(&policy.Descriptor{
		Type:   policy.Tr,
		Policy: &policy.Taproot{Internal: agg, Tree: policy.TapLeaves(&policy.Pk{Key: leafKey})},
	})
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	if _, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.KeyPath{}, Satisfier: group}); err != nil {
		return err
	}
	leaf, err := env.Satisfier(4)
	if err != nil {
		return err
	}
	_, err = spendOnce(ctx, env, res, a, planner.Input{Path: planner.ScriptLeaf{Index: 0}, Satisfier: leaf})
	return err
}

// hashlockPreimage is the 32-byte secret of the hashlock leaf.
func hashlockPreimage() []byte {
	h := sha256.Sum256([]byte(hashlockWord))
	return h[:]
}

func runFourLeafTree(ctx context.Context, env *Env, res *Result) error {
	internal, err := env.xonly(9)
	if err != nil {
		return err
	}
	alice, err := env.Pub(1)
	if err != nil {
		return err
	}
	bob, err := env.Pub(2)
	if err != nil {
		return err
	}
	preimage := hashlockPreimage()
	a, err := env.Compile(&policy.Descriptor{
		Type: policy.Tr,
		Policy: &policy.Taproot{
			Internal: internal,
			Tree: policy.TapLeaves(
				&policy.Sha256{Hash: sha256.Sum256(preimage)},
				&policy.MultiA{K: 2, Keys: []*keys.PublicKey{alice, bob}},
				&policy.And{Left: policy.OlderBlocks(fourLeafCSV), Right: &policy.Pk{Key: bob}},
				&policy.Pk{Key: bob},
			),
		},
	})
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	both, err := env.Satisfier(1, 2)
	if err != nil {
		return err
	}
	bobOnly, err := env.Satisfier(2)
	if err != nil {
		return err
	}

	hashlock := planner.NewSatisfier().AddPreimage(preimage)
	if _, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.ScriptLeaf{Index: 0}, Satisfier: hashlock}); err != nil {
		return fmt.Errorf("hashlock leaf: %w", err)
	}
	if _, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.ScriptLeaf{Index: 1}, Satisfier: both}); err != nil {
		return fmt.Errorf("multisig leaf: %w", err)
	}
	if err := spendCSVLeaf(ctx, env, res, a, bobOnly); err != nil {
		return fmt.Errorf("csv leaf: %w", err)
	}
	if _, err := spendOnce(ctx, env, res, a, planner.Input{Path: planner.ScriptLeaf{Index: 3}, Satisfier: bobOnly}); err != nil {
		return fmt.Errorf("signature leaf: %w", err)
	}
	return nil
}

// spendCSVLeaf spends the older(2) leaf: one confirmation is refused by
// BIP-68, the second lets it through.
func spendCSVLeaf(ctx context.Context, env *Env, res *Result, a *compiler.Artifact, sat *planner.Satisfier) error {
	prev, err := env.Fund(ctx, a)
	if err != nil {
		return err
	}
	in := planner.Input{Artifact: a, Prevout: prev, Path: planner.ScriptLeaf{Index: 2}, Satisfier: sat}
	if env.confirmBlocks < fourLeafCSV {
		early, err := env.Plan(ctx, in)
		if err != nil {
			return err
		}
		if err := env.ExpectRejected(ctx, early, isNonFinal); err != nil {
			return err
		}
		res.Rejected++
		if err := env.Mine(ctx, fourLeafCSV-env.confirmBlocks); err != nil {
			return err
		}
	}
	s, err := env.Plan(ctx, in)
	if err != nil {
		return err
	}
	if _, err := env.Complete(ctx, s); err != nil {
		return err
	}
	res.confirmed(s)
	return nil
}

// runChainedHashlock pays half of a NUMS-keyed escrow out and its change back
// to the escrow, then spends that change before the first transaction
// confirms, reusing the preimage the first spend put on chain.
func runChainedHashlock(ctx context.Context, env *Env, res *Result) error {
	ks, err := env.pubs(1, 2)
	if err != nil {
		return err
	}
	preimage := hashlockPreimage()
	a, err := env.Compile(&policy.Descriptor{
		Type: policy.Tr,
		Policy: &policy.Taproot{
			Internal: keys.NUMS,
			Tree: policy.TapLeaves(
				&policy.Sha256{Hash: sha256.Sum256(preimage)},
				&policy.MultiA{K: 2, Keys: ks},
			),
		},
	})
	if err != nil {
		return err
	}
	res.Address = a.Address.EncodeAddress()

	prev, err := env.Fund(ctx, a)
	if err != nil {
		return err
	}
	payTo, err := env.Destination(ctx)
	if err != nil {
		return err
	}
	payScript, err := txscript.PayToAddrScript(payTo)
	if err != nil {
		return err
	}

	first, err := env.PlanRequest(ctx, &planner.Request{
		Inputs: []planner.Input{{
			Artifact:  a,
			Prevout:   prev,
			Path:      planner.ScriptLeaf{Index: 0},
			Satisfier: planner.NewSatisfier().AddPreimage(preimage),
		}},
		Outputs:     []*wire.TxOut{wire.NewTxOut(prev.Value()/2, payScript)},
		Destination: a.Address,
	})
	if err != nil {
		return fmt.Errorf("first spend: %w", err)
	}
	if _, err := env.planner.Broadcast(ctx, first); err != nil {
		return fmt.Errorf("first spend: %w", err)
	}

	change, err := first.Output(1)
	if err != nil {
		return err
	}
	revealed := first.Witness(0)[0]
	second, err := env.Plan(ctx, planner.Input{
		Artifact:  a,
		Prevout:   change,
		Path:      planner.ScriptLeaf{Index: 0},
		Satisfier: planner.NewSatisfier().AddPreimage(revealed),
	})
	if err != nil {
		return fmt.Errorf("second spend: %w", err)
	}
	if _, err := env.Complete(ctx, second); err != nil {
		return fmt.Errorf("second spend: %w", err)
	}
	if _, err := env.planner.AwaitConfirmation(ctx, first.ID, 0); err != nil {
		return fmt.Errorf("first spend: %w", err)
	}
	res.confirmed(first)
	res.confirmed(second)
	return nil
}
