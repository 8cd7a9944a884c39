// Package compiler turns a policy descriptor into the scripts, Taproot spend
// info and address that pay to it.
package compiler

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/internal/script"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/internal/taproot"
)

// MaxRedeemScriptSize is the largest script a P2SH push can carry.
const MaxRedeemScriptSize = 520

// Artifact is the compiled form of a descriptor on one network.
type Artifact struct {
	Descriptor   *policy.Descriptor
	Network      *chain.Params
	ScriptPubKey []byte
	Address      btcutil.Address

	// RedeemScript is set for sh(), WitnessScript for wsh().
	RedeemScript  []byte
	WitnessScript []byte

	// Taproot is set for tr(). LeafPolicies is index-aligned with
	// Taproot.Leaves.
	Taproot      *taproot.SpendInfo
	LeafPolicies []policy.Node
}

// Class returns the output type of the artifact.
func (a *Artifact) Class() script.Class {
	return script.Classify(a.ScriptPubKey)
}

// Compiler compiles descriptors and caches Taproot spend info per policy
// container. It is safe for concurrent use.
type Compiler struct {
	tapCache sync.Map // *policy.Taproot -> *tapEntry
}

type tapEntry struct {
	info   *taproot.SpendInfo
	leaves []policy.Node
}

// New returns a compiler with an empty cache.
func New() *Compiler {
	return &Compiler{}
}

var defaultCompiler = New()

// Compile compiles d for net using a process-wide compiler.
func Compile(d *policy.Descriptor, net *chain.Params) (*Artifact, error) {
	return defaultCompiler.Compile(d, net)
}

// Compile validates d and produces its artifact.
func (c *Compiler) Compile(d *policy.Descriptor, net *chain.Params) (*Artifact, error) {
	if d == nil || net == nil {
		return nil, spenderr.New(spenderr.KindCompile, "descriptor and network are required")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	a := &Artifact{Descriptor: d, Network: net}
	cfg := net.ChainCfg()
	var err error

	switch d.Type {
	case policy.Pkh:
		hash := d.Policy.(*policy.Pk).Key.Hash160()
		if a.ScriptPubKey, err = script.PayToPubKeyHash(hash); err != nil {
			break
		}
		a.Address, err = btcutil.NewAddressPubKeyHash(hash, cfg)

	case policy.Wpkh:
		hash := d.Policy.(*policy.Pk).Key.Hash160()
		if a.ScriptPubKey, err = script.PayToWitnessPubKeyHash(hash); err != nil {
			break
		}
		a.Address, err = btcutil.NewAddressWitnessPubKeyHash(hash, cfg)

	case policy.Sh:
		if a.RedeemScript, err = Script(d.Policy, Legacy); err != nil {
			return nil, err
		}
		if len(a.RedeemScript) > MaxRedeemScriptSize {
			return nil, spenderr.New(spenderr.KindCompile, "redeem script is %d bytes, limit %d",
				len(a.RedeemScript), MaxRedeemScriptSize)
		}
		if a.ScriptPubKey, err = script.PayToScriptHash(a.RedeemScript); err != nil {
			break
		}
		a.Address, err = btcutil.NewAddressScriptHash(a.RedeemScript, cfg)

	case policy.Wsh:
		if a.WitnessScript, err = Script(d.Policy, Legacy); err != nil {
			return nil, err
		}
		if len(a.WitnessScript) > script.MaxStandardWitnessScriptSize {
			return nil, spenderr.New(spenderr.KindCompile, "witness script is %d bytes, limit %d",
				len(a.WitnessScript), script.MaxStandardWitnessScriptSize)
		}
		if a.ScriptPubKey, err = script.PayToWitnessScriptHash(a.WitnessScript); err != nil {
			break
		}
		a.Address, err = btcutil.NewAddressWitnessScriptHash(a.ScriptPubKey[2:], cfg)

	case policy.Tr:
		entry, terr := c.spendInfo(d.Policy.(*policy.Taproot))
		if terr != nil {
			return nil, terr
		}
		a.Taproot, a.LeafPolicies = entry.info, entry.leaves
		if a.ScriptPubKey, err = entry.info.ScriptPubKey(); err != nil {
			break
		}
		a.Address, err = btcutil.NewAddressTaproot(entry.info.OutputKey[:], cfg)
	}
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindCompile, err, "%s output", d.Type)
	}
	return a, nil
}

func (c *Compiler) spendInfo(tr *policy.Taproot) (*tapEntry, error) {
	if cached, ok := c.tapCache.Load(tr); ok {
		return cached.(*tapEntry), nil
	}

	tree, err := compileTree(tr.Tree)
	if err != nil {
		return nil, err
	}
	info, err := taproot.Build(tr.Internal, tree)
	if err != nil {
		return nil, err
	}

	entry := &tapEntry{info: info, leaves: tr.Tree.Leaves()}
	actual, _ := c.tapCache.LoadOrStore(tr, entry)
	return actual.(*tapEntry), nil
}

func compileTree(t *policy.TapTree) (*taproot.Tree, error) {
	if t == nil {
		return nil, nil
	}
	if t.IsLeaf() {
		s, err := Script(t.Leaf, Tapscript)
		if err != nil {
			return nil, err
		}
		return taproot.Leaf(s), nil
	}
	left, err := compileTree(t.Left)
	if err != nil {
		return nil, err
	}
	right, err := compileTree(t.Right)
	if err != nil {
		return nil, err
	}
	return taproot.Branch(left, right), nil
}
