package policy

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// expr is one parsed "wrappers:name(args...)" or "{left,right}" element.
type expr struct {
	wrappers string
	name     string
	args     []*expr
	brace    bool
}

type parser struct {
	s   string
	pos int
}

// Parse reads a descriptor as produced by Descriptor.String. The checksum
// suffix is optional but verified when present.
//
// Disjunctions come back with the shape fixed and their sides in written
// order. An automatic or_i whose right side was likelier is written with
// that side first, so after parsing it is the Left side: the script is
// unchanged but Branch selectors must be given against the parsed tree.
func Parse(s string) (*Descriptor, error) {
	body, err := StripChecksum(strings.TrimSpace(s))
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindPolicyInvalid, err, "descriptor")
	}

	p := &parser{s: body}
	root, err := p.parseExpr()
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindPolicyInvalid, err, "descriptor")
	}
	if p.pos != len(p.s) {
		return nil, spenderr.New(spenderr.KindPolicyInvalid, "trailing input at %d: %q", p.pos, p.s[p.pos:])
	}

	d, err := toDescriptor(root)
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindPolicyInvalid, err, "descriptor")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *parser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) parseExpr() (*expr, error) {
	if p.peek() == '{' {
		p.pos++
		left, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		right, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		return &expr{brace: true, args: []*expr{left, right}}, nil
	}

	start := p.pos
	for p.pos < len(p.s) && !strings.ContainsRune("(),{}", rune(p.s[p.pos])) {
		p.pos++
	}
	token := p.s[start:p.pos]
	if token == "" {
		return nil, fmt.Errorf("empty token at %d", start)
	}

	e := &expr{name: token}
	if wrappers, name, ok := strings.Cut(token, ":"); ok {
		if wrappers == "" || name == "" || strings.Contains(name, ":") {
			return nil, fmt.Errorf("malformed wrapper in %q", token)
		}
		e.wrappers, e.name = wrappers, name
	}

	if p.peek() != '(' {
		return e, nil
	}
	p.pos++
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		e.args = append(e.args, arg)
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func (e *expr) isLiteral() bool {
	return !e.brace && e.wrappers == "" && len(e.args) == 0
}

func expectArgs(e *expr, n int) error {
	if len(e.args) != n {
		return fmt.Errorf("%s takes %d arguments, got %d", e.name, n, len(e.args))
	}
	return nil
}

func toDescriptor(e *expr) (*Descriptor, error) {
	if e.wrappers != "" || e.brace {
		return nil, fmt.Errorf("unexpected top-level expression")
	}
	switch e.name {
	case "pkh", "wpkh":
		if err := expectArgs(e, 1); err != nil {
			return nil, err
		}
		key, err := parseKey(e.args[0])
		if err != nil {
			return nil, err
		}
		t := Pkh
		if e.name == "wpkh" {
			t = Wpkh
		}
		return &Descriptor{Type: t, Policy: &Pk{Key: key}}, nil

	case "sh", "wsh":
		if err := expectArgs(e, 1); err != nil {
			return nil, err
		}
		n, err := toNode(e.args[0], false)
		if err != nil {
			return nil, err
		}
		t := Sh
		if e.name == "wsh" {
			t = Wsh
		}
		return &Descriptor{Type: t, Policy: n}, nil

	case "tr":
		if len(e.args) != 1 && len(e.args) != 2 {
			return nil, fmt.Errorf("tr takes 1 or 2 arguments, got %d", len(e.args))
		}
		internal, err := parseKey(e.args[0])
		if err != nil {
			return nil, err
		}
		x, _ := internal.XOnly()
		tr := &Taproot{Internal: x}
		if len(e.args) == 2 {
			tree, err := toTree(e.args[1])
			if err != nil {
				return nil, err
			}
			tr.Tree = tree
		}
		return &Descriptor{Type: Tr, Policy: tr}, nil
	}
	return nil, fmt.Errorf("unknown descriptor %q", e.name)
}

func toTree(e *expr) (*TapTree, error) {
	if !e.brace {
		n, err := toNode(e, true)
		if err != nil {
			return nil, err
		}
		return TapLeaf(n), nil
	}
	left, err := toTree(e.args[0])
	if err != nil {
		return nil, err
	}
	right, err := toTree(e.args[1])
	if err != nil {
		return nil, err
	}
	return TapBranch(left, right), nil
}

// toNode converts a fragment. The only wrapper accepted is "v" on the left
// of and_v, which is consumed by the and_v case.
func toNode(e *expr, tapscript bool) (Node, error) {
	if e.brace {
		return nil, fmt.Errorf("unexpected tree branch")
	}
	if e.wrappers != "" {
		return nil, fmt.Errorf("unsupported wrapper %q on %s", e.wrappers, e.name)
	}
	return fragment(e, tapscript)
}

func fragment(e *expr, tapscript bool) (Node, error) {
	switch e.name {
	case "pk":
		if err := expectArgs(e, 1); err != nil {
			return nil, err
		}
		key, err := parseKey(e.args[0])
		if err != nil {
			return nil, err
		}
		return &Pk{Key: key}, nil

	case "multi", "multi_a":
		if len(e.args) < 2 {
			return nil, fmt.Errorf("%s needs a threshold and keys", e.name)
		}
		k, err := parseUint(e.args[0], 32)
		if err != nil {
			return nil, err
		}
		pubs := make([]*keys.PublicKey, 0, len(e.args)-1)
		for _, a := range e.args[1:] {
			key, err := parseKey(a)
			if err != nil {
				return nil, err
			}
			pubs = append(pubs, key)
		}
		if e.name == "multi" {
			return &Multi{K: int(k), Keys: pubs}, nil
		}
		return &MultiA{K: int(k), Keys: pubs}, nil

	case "after", "older":
		if err := expectArgs(e, 1); err != nil {
			return nil, err
		}
		v, err := parseUint(e.args[0], 32)
		if err != nil {
			return nil, err
		}
		if e.name == "after" {
			return &After{Value: uint32(v)}, nil
		}
		return &Older{Value: uint32(v)}, nil

	case "sha256":
		if err := expectArgs(e, 1); err != nil {
			return nil, err
		}
		if !e.args[0].isLiteral() {
			return nil, fmt.Errorf("sha256 expects a hex digest")
		}
		b, err := hex.DecodeString(e.args[0].name)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("sha256 expects 32 hex bytes")
		}
		var h Sha256
		copy(h.Hash[:], b)
		return &h, nil

	case "and_v":
		if err := expectArgs(e, 2); err != nil {
			return nil, err
		}
		if e.args[0].wrappers != "v" {
			return nil, fmt.Errorf("and_v expects a v: wrapped left side")
		}
		leftExpr := *e.args[0]
		leftExpr.wrappers = ""
		left, err := fragment(&leftExpr, tapscript)
		if err != nil {
			return nil, err
		}
		right, err := toNode(e.args[1], tapscript)
		if err != nil {
			return nil, err
		}
		return &And{Left: left, Right: right}, nil

	case "or_d", "or_i":
		if err := expectArgs(e, 2); err != nil {
			return nil, err
		}
		left, err := toNode(e.args[0], tapscript)
		if err != nil {
			return nil, err
		}
		right, err := toNode(e.args[1], tapscript)
		if err != nil {
			return nil, err
		}
		o := NewOr(left, right)
		o.Shape = ShapeOrD
		if e.name == "or_i" {
			o.Shape = ShapeOrI
		}
		return o, nil
	}
	return nil, fmt.Errorf("unknown fragment %q", e.name)
}

func parseKey(e *expr) (*keys.PublicKey, error) {
	if !e.isLiteral() {
		return nil, fmt.Errorf("expected a key, got %s(...)", e.name)
	}
	return keys.ParsePublicKeyHex(e.name)
}

func parseUint(e *expr, bits int) (uint64, error) {
	if !e.isLiteral() {
		return 0, fmt.Errorf("expected a number, got %s(...)", e.name)
	}
	return strconv.ParseUint(e.name, 10, bits)
}
