package planner

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/compiler"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/internal/script"
	"github.com/Klingon-tech/spendplanner/internal/sighash"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// target is an input resolved against its descriptor: the policy fragment
// to satisfy and how the result is laid out.
type target struct {
	artifact *compiler.Artifact
	node     policy.Node
	path     Path

	// Taproot only. leaf is -1 for a key-path spend.
	keyPath bool
	leaf    int
}

func resolve(a *compiler.Artifact, prev *Prevout, p Path) (*target, error) {
	if a == nil || a.Descriptor == nil {
		return nil, spenderr.New(spenderr.KindCompile, "input has no compiled descriptor")
	}
	if prev == nil || prev.Output == nil {
		return nil, spenderr.New(spenderr.KindMissingPrevout, "no prevout for %s", a.Descriptor.Type)
	}
	if !bytes.Equal(prev.Output.PkScript, a.ScriptPubKey) {
		return nil, spenderr.New(spenderr.KindMissingPrevout, "%s pays to %x, descriptor expects %x",
			prev.OutPoint, prev.Output.PkScript, a.ScriptPubKey)
	}

	t := &target{artifact: a, node: a.Descriptor.Policy, path: p, leaf: -1}
	switch a.Descriptor.Type {
	case policy.Pkh, policy.Wpkh:
		if _, ok := p.(KeyPath); p != nil && !ok {
			return nil, unsatisfiable("%s output has only a key path, got %s", a.Descriptor.Type, p)
		}
		t.path = nil

	case policy.Tr:
		switch sel := p.(type) {
		case nil, KeyPath:
			t.keyPath = true
			t.node = nil
			t.path = nil
		case ScriptLeaf:
			if sel.Index < 0 || sel.Index >= len(a.LeafPolicies) {
				return nil, unsatisfiable("leaf %d of %d", sel.Index, len(a.LeafPolicies))
			}
			t.leaf = sel.Index
			t.node = a.LeafPolicies[sel.Index]
			t.path = sel.Inner
		default:
			return nil, unsatisfiable("taproot output needs a key or leaf selector, got %s", p)
		}

	default:
		if _, ok := p.(ScriptLeaf); ok {
			return nil, unsatisfiable("%s output has no script leaves", a.Descriptor.Type)
		}
		if _, ok := p.(KeyPath); ok {
			return nil, unsatisfiable("%s output has no key path", a.Descriptor.Type)
		}
	}
	return t, nil
}

func (t *target) tapscript() bool {
	return t.leaf >= 0
}

// check walks the target without signing and returns its locks.
func (t *target) check(sat *Satisfier) (Locks, error) {
	if t.keyPath {
		internal := t.artifact.Taproot.InternalKey
		if internal.IsNUMS() {
			return Locks{}, unsatisfiable("internal key is the NUMS point, spend a leaf")
		}
		if _, ok := sat.MuSig2Group(internal); ok {
			return Locks{}, nil
		}
		if _, ok := sat.XOnlyKey(internal); !ok {
			return Locks{}, unsatisfiable("no secret for internal key %s", internal)
		}
		return Locks{}, nil
	}
	w := &walker{sat: sat, tapscript: t.tapscript()}
	if _, err := w.satisfy(t.node, t.path); err != nil {
		return Locks{}, err
	}
	return w.locks, nil
}

// mode returns the digest algorithm for the target.
func (t *target) mode() (sighash.Mode, error) {
	a := t.artifact
	switch a.Descriptor.Type {
	case policy.Pkh:
		return sighash.Legacy{Subscript: a.ScriptPubKey}, nil
	case policy.Wpkh:
		code, err := script.PayToPubKeyHash(a.Descriptor.Policy.(*policy.Pk).Key.Hash160())
		if err != nil {
			return nil, spenderr.Wrap(spenderr.KindSighash, err, "p2wpkh script code")
		}
		return sighash.SegwitV0{ScriptCode: code}, nil
	case policy.Sh:
		return sighash.Legacy{Subscript: a.RedeemScript}, nil
	case policy.Wsh:
		return sighash.SegwitV0{ScriptCode: a.WitnessScript}, nil
	case policy.Tr:
		if t.keyPath {
			return sighash.TaprootKey{}, nil
		}
		return sighash.TaprootScript{Leaf: a.Taproot.Leaves[t.leaf].TapLeaf()}, nil
	}
	return nil, spenderr.New(spenderr.KindSighash, "unsupported output type %s", a.Descriptor.Type)
}

// sign signs the target with digest and writes the scriptSig or witness to
// in. It returns the signatures produced.
func (t *target) sign(in *wire.TxIn, sat *Satisfier, digest []byte) ([]Signature, error) {
	if t.keyPath {
		return t.signKeyPath(in, sat, digest)
	}

	tapscript := t.tapscript()
	w := &walker{sat: sat, tapscript: tapscript}
	w.sign = func(k *keys.PrivateKey) ([]byte, error) {
		if tapscript {
			sig, err := k.SignSchnorr(digest, nil)
			return sig, spenderr.Wrap(spenderr.KindSign, err, "schnorr")
		}
		der, err := k.SignECDSA(digest)
		if err != nil {
			return nil, spenderr.Wrap(spenderr.KindSign, err, "ecdsa")
		}
		return sighash.AppendHashType(der), nil
	}
	stack, err := w.satisfy(t.node, t.path)
	if err != nil {
		return nil, err
	}

	a := t.artifact
	switch a.Descriptor.Type {
	case policy.Pkh:
		pub := a.Descriptor.Policy.(*policy.Pk).Key.Compressed()
		in.SignatureScript, err = pushScript(append(stack, pub))

	case policy.Wpkh:
		pub := a.Descriptor.Policy.(*policy.Pk).Key.Compressed()
		in.Witness = wire.TxWitness(append(stack, pub))

	case policy.Sh:
		in.SignatureScript, err = pushScript(append(stack, a.RedeemScript))

	case policy.Wsh:
		in.Witness = wire.TxWitness(append(stack, a.WitnessScript))

	case policy.Tr:
		leaf := a.Taproot.Leaves[t.leaf]
		cb, cbErr := a.Taproot.ControlBlock(t.leaf)
		if cbErr != nil {
			return nil, spenderr.Wrap(spenderr.KindSign, cbErr, "control block")
		}
		in.Witness = wire.TxWitness(append(stack, leaf.Script, cb))
	}
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindSign, err, "script sig")
	}
	return w.sigs, nil
}

func (t *target) signKeyPath(in *wire.TxIn, sat *Satisfier, digest []byte) ([]Signature, error) {
	info := t.artifact.Taproot

	var (
		sig []byte
		err error
	)
	if group, ok := sat.MuSig2Group(info.InternalKey); ok {
		sig, err = keys.MuSig2Sign(group, info.MerkleRoot, digest)
		if err != nil {
			return nil, spenderr.Wrap(spenderr.KindSign, err, "musig2 key path")
		}
	} else {
		k, ok := sat.XOnlyKey(info.InternalKey)
		if !ok {
			return nil, unsatisfiable("no secret for internal key %s", info.InternalKey)
		}
		tweaked, terr := k.TapTweak(info.MerkleRoot)
		if terr != nil {
			return nil, spenderr.Wrap(spenderr.KindSign, terr, "tap tweak")
		}
		sig, err = tweaked.SignSchnorr(digest, nil)
		if err != nil {
			return nil, spenderr.Wrap(spenderr.KindSign, err, "key path")
		}
	}

	in.Witness = wire.TxWitness{sig}
	return []Signature{{PubKey: info.OutputKey.Bytes(), Sig: sig, Schnorr: true}}, nil
}

// pushScript serialises stack as a push-only scriptSig.
func pushScript(stack [][]byte) ([]byte, error) {
	b := script.NewBuilder()
	for _, item := range stack {
		b.Data(item)
	}
	return b.Script()
}
