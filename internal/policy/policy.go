// Package policy is the typed spending-condition tree shared by every output
// type. Nodes are immutable after construction; the compiler turns them into
// scripts and the planner walks them to pick a spend path.
package policy

import (
	"github.com/Klingon-tech/spendplanner/internal/keys"
)

// Node is a spending condition.
type Node interface {
	node()
}

// Pk requires a signature from Key.
type Pk struct {
	Key *keys.PublicKey
}

// Multi is k-of-n CHECKMULTISIG over compressed keys (legacy and segwit v0).
type Multi struct {
	K    int
	Keys []*keys.PublicKey
}

// MultiA is k-of-n over x-only keys using CHECKSIGADD (tapscript only).
type MultiA struct {
	K    int
	Keys []*keys.PublicKey
}

// After is an absolute time lock (OP_CHECKLOCKTIMEVERIFY). Values below
// LockTimeThreshold are block heights, the rest Unix times.
type After struct {
	Value uint32
}

// Older is a relative time lock (OP_CHECKSEQUENCEVERIFY) in BIP-68 encoding.
type Older struct {
	Value uint32
}

// Sha256 requires a 32-byte preimage of Hash.
type Sha256 struct {
	Hash [32]byte
}

// And requires both sides.
type And struct {
	Left, Right Node
}

// OrShape selects the script wrapper used for a disjunction.
type OrShape int

const (
	// ShapeAuto lets the probability hint decide.
	ShapeAuto OrShape = iota
	// ShapeOrD compiles to [X] OP_IFDUP OP_NOTIF [Z] OP_ENDIF.
	ShapeOrD
	// ShapeOrI compiles to OP_IF [X] OP_ELSE [Z] OP_ENDIF.
	ShapeOrI
)

func (s OrShape) String() string {
	switch s {
	case ShapeOrD:
		return "or_d"
	case ShapeOrI:
		return "or_i"
	default:
		return "auto"
	}
}

// Or requires either side. LeftProb and RightProb are relative likelihoods
// used only to choose the wrapper shape and branch order.
type Or struct {
	Left, Right         Node
	LeftProb, RightProb uint32
	Shape               OrShape
}

// Taproot combines an internal key with an optional script tree.
type Taproot struct {
	Internal keys.XOnly
	Tree     *TapTree
}

// TapTree is either a leaf (Leaf set) or a branch (Left and Right set).
type TapTree struct {
	Leaf        Node
	Left, Right *TapTree
}

func (*Pk) node()      {}
func (*Multi) node()   {}
func (*MultiA) node()  {}
func (*After) node()   {}
func (*Older) node()   {}
func (*Sha256) node()  {}
func (*And) node()     {}
func (*Or) node()      {}
func (*Taproot) node() {}

// NewOr builds a disjunction with equal likelihood and automatic shape.
func NewOr(left, right Node) *Or {
	return &Or{Left: left, Right: right, LeftProb: 1, RightProb: 1}
}

// ResolvedShape returns the concrete wrapper for this disjunction.
//
// or_d is used when the left side is a key check that can be dissatisfied
// with an empty signature and is at least as likely as the right side.
// Otherwise or_i is used.
func (o *Or) ResolvedShape() OrShape {
	if o.Shape != ShapeAuto {
		return o.Shape
	}
	if dissatisfiable(o.Left) && o.LeftProb >= o.RightProb {
		return ShapeOrD
	}
	return ShapeOrI
}

// Ordered returns the branches with the IF (or IFDUP) side first. For an
// automatic or_i the more likely branch goes first; an explicit shape keeps
// the caller's order. swapped reports whether Left and Right traded places.
// The descriptor string is written in this order, see Parse.
func (o *Or) Ordered() (first, second Node, swapped bool) {
	if o.Shape == ShapeAuto && o.ResolvedShape() == ShapeOrI && o.RightProb > o.LeftProb {
		return o.Right, o.Left, true
	}
	return o.Left, o.Right, false
}

func dissatisfiable(n Node) bool {
	switch n.(type) {
	case *Pk, *Multi:
		return true
	}
	return false
}

// TapLeaf wraps a policy as a single tapscript leaf.
func TapLeaf(n Node) *TapTree {
	return &TapTree{Leaf: n}
}

// TapBranch joins two subtrees.
func TapBranch(left, right *TapTree) *TapTree {
	return &TapTree{Left: left, Right: right}
}

// TapLeaves builds a balanced tree from leaves in order, pairing neighbours
// level by level. Returns nil for no leaves.
func TapLeaves(leaves ...Node) *TapTree {
	if len(leaves) == 0 {
		return nil
	}
	level := make([]*TapTree, len(leaves))
	for i, l := range leaves {
		level[i] = TapLeaf(l)
	}
	for len(level) > 1 {
		next := make([]*TapTree, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, TapBranch(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// IsLeaf reports whether t is a leaf.
func (t *TapTree) IsLeaf() bool {
	return t != nil && t.Leaf != nil
}

// Leaves returns the leaf policies in depth-first, left-to-right order.
func (t *TapTree) Leaves() []Node {
	var out []Node
	t.walk(0, func(n Node, _ int) { out = append(out, n) })
	return out
}

// Depth returns the depth of the deepest leaf (0 for a single leaf).
func (t *TapTree) Depth() int {
	max := 0
	t.walk(0, func(_ Node, d int) {
		if d > max {
			max = d
		}
	})
	return max
}

func (t *TapTree) walk(depth int, fn func(Node, int)) {
	if t == nil {
		return
	}
	if t.Leaf != nil {
		fn(t.Leaf, depth)
		return
	}
	t.Left.walk(depth+1, fn)
	t.Right.walk(depth+1, fn)
}

// Walk visits n and every descendant in pre-order. Taproot leaves are visited too.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch v := n.(type) {
	case *And:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *Or:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *Taproot:
		for _, leaf := range v.Tree.Leaves() {
			Walk(leaf, fn)
		}
	}
}
