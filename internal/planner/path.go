package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Path selects which spending condition of a descriptor is satisfied. It is
// chosen by the caller; the planner never searches for a satisfiable path.
type Path interface {
	isPath()
	String() string
}

// Side names a branch of a disjunction by its position in the policy, not
// by its position in the compiled script.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// KeyPath spends a Taproot output with the (tweaked) internal key, or a
// pkh/wpkh output with its key.
type KeyPath struct{}

// ScriptLeaf spends Taproot leaf Index (depth-first, left-to-right order).
// Inner selects within the leaf policy.
type ScriptLeaf struct {
	Index int
	Inner Path
}

// Branch picks one side of an Or node. Inner selects within that side.
type Branch struct {
	Side  Side
	Inner Path
}

// Multi picks the signers of a threshold by key position. The number of
// distinct indices must equal the threshold.
type Multi struct {
	Indices []int
}

// Composite routes separate selectors to the two sides of an And node. A
// non-composite path reaching an And is passed to both sides.
type Composite struct {
	Left, Right Path
}

func (KeyPath) isPath()    {}
func (ScriptLeaf) isPath() {}
func (Branch) isPath()     {}
func (Multi) isPath()      {}
func (Composite) isPath()  {}

func (KeyPath) String() string { return "key" }

func (p ScriptLeaf) String() string {
	if p.Inner == nil {
		return fmt.Sprintf("leaf(%d)", p.Index)
	}
	return fmt.Sprintf("leaf(%d,%s)", p.Index, p.Inner)
}

func (p Branch) String() string {
	if p.Inner == nil {
		return p.Side.String()
	}
	return fmt.Sprintf("%s(%s)", p.Side, p.Inner)
}

func (p Multi) String() string {
	parts := make([]string, len(p.Indices))
	for i, idx := range p.Indices {
		parts[i] = strconv.Itoa(idx)
	}
	return "multi(" + strings.Join(parts, ",") + ")"
}

func (p Composite) String() string {
	return fmt.Sprintf("and(%s,%s)", pathString(p.Left), pathString(p.Right))
}

// Signers returns the number of distinct keys selected.
func (p Multi) Signers() int {
	seen := make(map[int]struct{}, len(p.Indices))
	for _, i := range p.Indices {
		seen[i] = struct{}{}
	}
	return len(seen)
}

// Has reports whether key i is selected.
func (p Multi) Has(i int) bool {
	for _, idx := range p.Indices {
		if idx == i {
			return true
		}
	}
	return false
}

// check rejects indices outside a threshold of n keys.
func (p Multi) check(n int) error {
	for _, idx := range p.Indices {
		if idx < 0 || idx >= n {
			return fmt.Errorf("key index %d outside 0..%d", idx, n-1)
		}
	}
	return nil
}

// MultiOf builds a Multi selecting the given key indices.
func MultiOf(indices ...int) Multi {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	return Multi{Indices: sorted}
}

// LeftBranch and RightBranch are shorthands for Branch selectors.
func LeftBranch(inner Path) Branch  { return Branch{Side: Left, Inner: inner} }
func RightBranch(inner Path) Branch { return Branch{Side: Right, Inner: inner} }

func pathString(p Path) string {
	if p == nil {
		return "-"
	}
	return p.String()
}
