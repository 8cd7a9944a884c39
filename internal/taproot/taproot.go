// Package taproot builds BIP-341 script trees: leaf and branch hashes, the
// tweaked output key and a control block for every leaf.
package taproot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/script"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// BaseLeafVersion is the tapscript leaf version (0xc0).
const BaseLeafVersion = txscript.BaseLeafVersion

// MaxDepth is the consensus limit on control block path length.
const MaxDepth = txscript.ControlBlockMaxNodeCount

var (
	ErrEmptyBranch  = errors.New("branch with a missing child")
	ErrLeafNotFound = errors.New("leaf not found in tree")
)

// Tree is a script tree node: a leaf when Script is set, otherwise a branch
// with both children.
type Tree struct {
	Version     txscript.TapscriptLeafVersion
	Script      []byte
	Left, Right *Tree
}

// Leaf returns a leaf with the default version.
func Leaf(script []byte) *Tree {
	return &Tree{Version: BaseLeafVersion, Script: script}
}

// Branch joins two subtrees.
func Branch(left, right *Tree) *Tree {
	return &Tree{Left: left, Right: right}
}

// Balanced pairs leaves level by level, keeping their order.
func Balanced(scripts ...[]byte) *Tree {
	if len(scripts) == 0 {
		return nil
	}
	level := make([]*Tree, len(scripts))
	for i, s := range scripts {
		level[i] = Leaf(s)
	}
	for len(level) > 1 {
		var next []*Tree
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			next = append(next, Branch(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func (t *Tree) isLeaf() bool {
	return t.Left == nil && t.Right == nil
}

// LeafInfo describes one leaf of a built tree.
type LeafInfo struct {
	Version txscript.TapscriptLeafVersion
	Script  []byte
	Hash    chainhash.Hash
	// Path holds sibling hashes from the leaf up to the root.
	Path []chainhash.Hash
}

// TapLeaf returns the txscript form of the leaf.
func (l *LeafInfo) TapLeaf() txscript.TapLeaf {
	return txscript.NewTapLeaf(l.Version, l.Script)
}

// SpendInfo is everything needed to pay to and spend a Taproot output.
type SpendInfo struct {
	InternalKey keys.XOnly
	// MerkleRoot is nil for a key-only output.
	MerkleRoot []byte
	OutputKey  keys.XOnly
	// Parity is 1 when the output key has odd Y.
	Parity byte
	Leaves []*LeafInfo
}

// LeafHash is TaggedHash("TapLeaf", version || compact_size(len) || script).
func LeafHash(version txscript.TapscriptLeafVersion, script []byte) chainhash.Hash {
	return txscript.NewTapLeaf(version, script).TapHash()
}

// BranchHash is TaggedHash("TapBranch", min(a,b) || max(a,b)).
func BranchHash(a, b chainhash.Hash) chainhash.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return *chainhash.TaggedHash(chainhash.TagTapBranch, a[:], b[:])
}

// Build hashes the tree, tweaks the internal key and records a proof path
// for every leaf in depth-first order. A nil tree yields a key-only output.
func Build(internal keys.XOnly, tree *Tree) (*SpendInfo, error) {
	info := &SpendInfo{InternalKey: internal}

	if tree != nil {
		root, err := info.hashNode(tree, 0)
		if err != nil {
			return nil, err
		}
		info.MerkleRoot = root[:]
	}

	out, parity, err := keys.TweakPublic(internal, info.MerkleRoot)
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindCompile, err, "taproot output key")
	}
	info.OutputKey = out
	info.Parity = parity
	return info, nil
}

// hashNode returns the node hash and appends the sibling hash to the proof
// of every leaf under it.
func (s *SpendInfo) hashNode(t *Tree, depth int) (chainhash.Hash, error) {
	if t == nil {
		return chainhash.Hash{}, spenderr.Wrap(spenderr.KindCompile, ErrEmptyBranch, "taproot tree")
	}
	if depth > MaxDepth {
		return chainhash.Hash{}, spenderr.New(spenderr.KindCompile, "taproot tree deeper than %d", MaxDepth)
	}

	if t.isLeaf() {
		if len(t.Script) == 0 {
			return chainhash.Hash{}, spenderr.New(spenderr.KindCompile, "empty leaf script")
		}
		version := t.Version
		if version == 0 {
			version = BaseLeafVersion
		}
		h := LeafHash(version, t.Script)
		s.Leaves = append(s.Leaves, &LeafInfo{Version: version, Script: t.Script, Hash: h})
		return h, nil
	}

	first := len(s.Leaves)
	left, err := s.hashNode(t.Left, depth+1)
	if err != nil {
		return chainhash.Hash{}, err
	}
	mid := len(s.Leaves)
	right, err := s.hashNode(t.Right, depth+1)
	if err != nil {
		return chainhash.Hash{}, err
	}

	for _, l := range s.Leaves[first:mid] {
		l.Path = append(l.Path, right)
	}
	for _, l := range s.Leaves[mid:] {
		l.Path = append(l.Path, left)
	}
	return BranchHash(left, right), nil
}

// LeafIndex returns the position of script among the leaves, or -1.
func (s *SpendInfo) LeafIndex(script []byte) int {
	for i, l := range s.Leaves {
		if bytes.Equal(l.Script, script) {
			return i
		}
	}
	return -1
}

// ControlBlock serialises the control block for leaf i:
// (version | parity) || internal key || path.
func (s *SpendInfo) ControlBlock(i int) ([]byte, error) {
	if i < 0 || i >= len(s.Leaves) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrLeafNotFound, i, len(s.Leaves))
	}
	leaf := s.Leaves[i]

	cb := make([]byte, 0, txscript.ControlBlockBaseSize+len(leaf.Path)*chainhash.HashSize)
	cb = append(cb, byte(leaf.Version)|s.Parity)
	cb = append(cb, s.InternalKey[:]...)
	for _, h := range leaf.Path {
		cb = append(cb, h[:]...)
	}
	return cb, nil
}

// ScriptPubKey returns OP_1 <output key>.
func (s *SpendInfo) ScriptPubKey() ([]byte, error) {
	return script.PayToTaproot(s.OutputKey[:])
}

// RootFromControlBlock recomputes the merkle root committed to by a control
// block for the given leaf script. It does not check the output key.
func RootFromControlBlock(cb, script []byte) (chainhash.Hash, error) {
	if len(cb) < txscript.ControlBlockBaseSize ||
		(len(cb)-txscript.ControlBlockBaseSize)%chainhash.HashSize != 0 {
		return chainhash.Hash{}, fmt.Errorf("control block has invalid size %d", len(cb))
	}
	version := txscript.TapscriptLeafVersion(cb[0] & txscript.TaprootLeafMask)
	h := LeafHash(version, script)
	for off := txscript.ControlBlockBaseSize; off < len(cb); off += chainhash.HashSize {
		var sib chainhash.Hash
		copy(sib[:], cb[off:off+chainhash.HashSize])
		h = BranchHash(h, sib)
	}
	return h, nil
}

// VerifyControlBlock checks that script is committed to by outputKey through cb.
func VerifyControlBlock(outputKey keys.XOnly, cb, script []byte) error {
	root, err := RootFromControlBlock(cb, script)
	if err != nil {
		return err
	}
	internal, err := keys.ParseXOnly(cb[1:txscript.ControlBlockBaseSize])
	if err != nil {
		return err
	}
	want, parity, err := keys.TweakPublic(internal, root[:])
	if err != nil {
		return err
	}
	if want != outputKey {
		return errors.New("control block does not commit to the output key")
	}
	if parity != cb[0]&1 {
		return errors.New("control block parity mismatch")
	}
	return nil
}
