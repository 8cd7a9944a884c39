package policy

import (
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// Limits enforced by Validate.
const (
	MaxMultiKeys    = 20  // CHECKMULTISIG
	MaxMultiAKeys   = 999 // tapscript stack limit
	MaxTapTreeDepth = 8
	maxLockValue    = 1<<31 - 1
)

// Validate checks the invariants of a policy tree. Top-level Taproot
// containers are validated together with their leaves.
func Validate(n Node) error {
	return validate(n, false)
}

func validate(n Node, inLeaf bool) error {
	switch v := n.(type) {
	case nil:
		return spenderr.New(spenderr.KindPolicyInvalid, "empty policy")

	case *Pk:
		if v.Key == nil {
			return spenderr.New(spenderr.KindPolicyInvalid, "pk without key")
		}

	case *Multi:
		if inLeaf {
			return spenderr.New(spenderr.KindPolicyInvalid, "multi is not available in tapscript, use multi_a")
		}
		if err := checkThreshold("multi", v.K, v.Keys, MaxMultiKeys); err != nil {
			return err
		}

	case *MultiA:
		if !inLeaf {
			return spenderr.New(spenderr.KindPolicyInvalid, "multi_a is only valid inside a taproot leaf")
		}
		if err := checkThreshold("multi_a", v.K, v.Keys, MaxMultiAKeys); err != nil {
			return err
		}

	case *After:
		if v.Value == 0 || v.Value > maxLockValue {
			return spenderr.New(spenderr.KindPolicyInvalid, "after(%d) out of range", v.Value)
		}

	case *Older:
		if v.Value&SequenceDisableFlag != 0 {
			return spenderr.New(spenderr.KindPolicyInvalid, "older(%d) has the disable flag set", v.Value)
		}
		if v.Units() == 0 {
			return spenderr.New(spenderr.KindPolicyInvalid, "older(%d) locks nothing", v.Value)
		}
		if v.Value&^(SequenceTypeFlag|SequenceMask) != 0 {
			return spenderr.New(spenderr.KindPolicyInvalid, "older(%d) sets bits outside the BIP-68 fields", v.Value)
		}

	case *Sha256:

	case *And:
		if err := validate(v.Left, inLeaf); err != nil {
			return err
		}
		if err := validate(v.Right, inLeaf); err != nil {
			return err
		}
		if err := checkLockMix(v); err != nil {
			return err
		}

	case *Or:
		if err := validate(v.Left, inLeaf); err != nil {
			return err
		}
		if err := validate(v.Right, inLeaf); err != nil {
			return err
		}
		if v.Shape == ShapeOrD && !dissatisfiable(v.Left) {
			return spenderr.New(spenderr.KindPolicyInvalid, "or_d needs a key check on the left")
		}

	case *Taproot:
		if inLeaf {
			return spenderr.New(spenderr.KindPolicyInvalid, "taproot leaf may not contain a taproot container")
		}
		if v.Tree == nil {
			if v.Internal.IsNUMS() {
				return spenderr.New(spenderr.KindPolicyInvalid, "taproot output on the NUMS key has no script tree")
			}
			return nil
		}
		if d := v.Tree.Depth(); d > MaxTapTreeDepth {
			return spenderr.New(spenderr.KindPolicyInvalid, "taproot tree depth %d exceeds %d", d, MaxTapTreeDepth)
		}
		if err := checkTreeShape(v.Tree); err != nil {
			return err
		}
		for _, leaf := range v.Tree.Leaves() {
			if err := validate(leaf, true); err != nil {
				return err
			}
		}

	default:
		return spenderr.New(spenderr.KindPolicyInvalid, "unknown policy node %T", n)
	}
	return nil
}

func checkThreshold(name string, k int, pubs []*keys.PublicKey, max int) error {
	n := len(pubs)
	if k < 1 || k > n {
		return spenderr.New(spenderr.KindPolicyInvalid, "%s threshold %d of %d keys", name, k, n)
	}
	if n > max {
		return spenderr.New(spenderr.KindPolicyInvalid, "%s has %d keys, limit is %d", name, n, max)
	}
	seen := make(map[string]bool, n)
	for _, p := range pubs {
		if p == nil {
			return spenderr.New(spenderr.KindPolicyInvalid, "%s with nil key", name)
		}
		if seen[p.String()] {
			return spenderr.New(spenderr.KindPolicyInvalid, "%s repeats key %s", name, p)
		}
		seen[p.String()] = true
	}
	return nil
}

// checkLockMix rejects conjunctions that combine heights with times, which
// no single transaction can satisfy.
func checkLockMix(a *And) error {
	var heights, times, blocks, seconds bool
	var collect func(Node)
	collect = func(n Node) {
		switch v := n.(type) {
		case *And:
			collect(v.Left)
			collect(v.Right)
		case *After:
			if v.IsHeight() {
				heights = true
			} else {
				times = true
			}
		case *Older:
			if v.IsSeconds() {
				seconds = true
			} else {
				blocks = true
			}
		}
	}
	collect(a)
	if heights && times {
		return spenderr.New(spenderr.KindPolicyInvalid, "conjunction mixes height and time absolute locks")
	}
	if blocks && seconds {
		return spenderr.New(spenderr.KindPolicyInvalid, "conjunction mixes block and time relative locks")
	}
	return nil
}

func checkTreeShape(t *TapTree) error {
	switch {
	case t == nil:
		return spenderr.New(spenderr.KindPolicyInvalid, "taproot branch with a missing child")
	case t.Leaf != nil && (t.Left != nil || t.Right != nil):
		return spenderr.New(spenderr.KindPolicyInvalid, "taproot node is both leaf and branch")
	case t.Leaf != nil:
		return nil
	}
	if err := checkTreeShape(t.Left); err != nil {
		return err
	}
	return checkTreeShape(t.Right)
}
