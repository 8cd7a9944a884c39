package policy

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// OutputType is the outer descriptor wrapper that decides the address kind.
type OutputType int

const (
	Pkh  OutputType = iota + 1 // P2PKH, policy must be Pk
	Wpkh                       // P2WPKH, policy must be Pk
	Sh                         // P2SH over a legacy script
	Wsh                        // P2WSH
	Tr                         // P2TR, policy must be Taproot
)

func (t OutputType) String() string {
	switch t {
	case Pkh:
		return "pkh"
	case Wpkh:
		return "wpkh"
	case Sh:
		return "sh"
	case Wsh:
		return "wsh"
	case Tr:
		return "tr"
	default:
		return "unknown"
	}
}

// Descriptor is a policy bound to an output type.
type Descriptor struct {
	Type   OutputType
	Policy Node
}

// NewDescriptor validates the pairing of output type and policy.
func NewDescriptor(t OutputType, p Node) (*Descriptor, error) {
	d := &Descriptor{Type: t, Policy: p}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the policy and its fit to the output type.
func (d *Descriptor) Validate() error {
	switch d.Type {
	case Pkh, Wpkh:
		if _, ok := d.Policy.(*Pk); !ok {
			return spenderr.New(spenderr.KindPolicyInvalid, "%s requires a single key", d.Type)
		}
	case Sh, Wsh:
		if _, ok := d.Policy.(*Taproot); ok {
			return spenderr.New(spenderr.KindPolicyInvalid, "%s cannot wrap a taproot container", d.Type)
		}
	case Tr:
		if _, ok := d.Policy.(*Taproot); !ok {
			return spenderr.New(spenderr.KindPolicyInvalid, "tr requires a taproot container")
		}
	default:
		return spenderr.New(spenderr.KindPolicyInvalid, "unknown output type %d", d.Type)
	}
	return Validate(d.Policy)
}

// String serialises the descriptor with its checksum appended.
func (d *Descriptor) String() string {
	return AddChecksum(d.StringNoChecksum())
}

// StringNoChecksum serialises the descriptor without a checksum.
func (d *Descriptor) StringNoChecksum() string {
	var sb strings.Builder
	sb.WriteString(d.Type.String())
	sb.WriteByte('(')
	if tr, ok := d.Policy.(*Taproot); ok && d.Type == Tr {
		sb.WriteString(hex.EncodeToString(tr.Internal[:]))
		if tr.Tree != nil {
			sb.WriteByte(',')
			writeTree(&sb, tr.Tree)
		}
	} else if pk, ok := d.Policy.(*Pk); ok && (d.Type == Pkh || d.Type == Wpkh) {
		sb.WriteString(pk.Key.String())
	} else {
		writeNode(&sb, d.Policy, false, false)
	}
	sb.WriteByte(')')
	return sb.String()
}

// Fragment serialises a bare policy node. Keys are written compressed unless
// tapscript is set.
func Fragment(n Node, tapscript bool) string {
	var sb strings.Builder
	writeNode(&sb, n, tapscript, false)
	return sb.String()
}

func writeTree(sb *strings.Builder, t *TapTree) {
	if t.Leaf != nil {
		writeNode(sb, t.Leaf, true, false)
		return
	}
	sb.WriteByte('{')
	writeTree(sb, t.Left)
	sb.WriteByte(',')
	writeTree(sb, t.Right)
	sb.WriteByte('}')
}

func writeNode(sb *strings.Builder, n Node, tapscript, verify bool) {
	if verify {
		sb.WriteString("v:")
	}
	switch v := n.(type) {
	case *Pk:
		sb.WriteString("pk(")
		sb.WriteString(keyStrings([]*keys.PublicKey{v.Key}, tapscript)[0])
		sb.WriteByte(')')

	case *Multi:
		writeThreshold(sb, "multi", v.K, keyStrings(v.Keys, false))

	case *MultiA:
		writeThreshold(sb, "multi_a", v.K, keyStrings(v.Keys, true))

	case *After:
		fmt.Fprintf(sb, "after(%d)", v.Value)

	case *Older:
		fmt.Fprintf(sb, "older(%d)", v.Value)

	case *Sha256:
		fmt.Fprintf(sb, "sha256(%x)", v.Hash[:])

	case *And:
		sb.WriteString("and_v(")
		writeNode(sb, v.Left, tapscript, true)
		sb.WriteByte(',')
		writeNode(sb, v.Right, tapscript, false)
		sb.WriteByte(')')

	case *Or:
		first, second, _ := v.Ordered()
		sb.WriteString(v.ResolvedShape().String())
		sb.WriteByte('(')
		writeNode(sb, first, tapscript, false)
		sb.WriteByte(',')
		writeNode(sb, second, tapscript, false)
		sb.WriteByte(')')

	default:
		fmt.Fprintf(sb, "<%T>", n)
	}
}

func keyStrings(pubs []*keys.PublicKey, xonly bool) []string {
	out := make([]string, len(pubs))
	for i, p := range pubs {
		if xonly {
			x, _ := p.XOnly()
			out[i] = x.String()
			continue
		}
		out[i] = p.String()
	}
	return out
}

func writeThreshold(sb *strings.Builder, name string, k int, list []string) {
	sb.WriteString(name)
	sb.WriteByte('(')
	sb.WriteString(strconv.Itoa(k))
	for _, s := range list {
		sb.WriteByte(',')
		sb.WriteString(s)
	}
	sb.WriteByte(')')
}
